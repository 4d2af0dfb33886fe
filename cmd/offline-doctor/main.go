package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/floegence/offline-doctor/internal/api"
	"github.com/floegence/offline-doctor/internal/app"
	"github.com/floegence/offline-doctor/internal/config"
	"github.com/floegence/offline-doctor/internal/lockfile"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var code int
	switch os.Args[1] {
	case "serve":
		code = serveCmd(os.Args[2:])
	case "chat":
		code = chatCmd(os.Args[2:])
	case "conversations":
		code = conversationsCmd(os.Args[2:])
	case "models":
		code = modelsCmd(os.Args[2:])
	case "reset":
		code = resetCmd(os.Args[2:])
	case "version":
		fmt.Printf("offline-doctor %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		code = 2
	}
	os.Exit(code)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `offline-doctor

Usage:
  offline-doctor serve [flags]
  offline-doctor chat [flags]
  offline-doctor conversations list|show|rename|delete [flags] [args]
  offline-doctor models list|download|delete [flags] [args]
  offline-doctor reset [flags]
  offline-doctor version

Commands:
  serve          Run the local HTTP API.
  chat           Start the engine and chat in the terminal.
  conversations  Inspect and manage stored conversations.
  models         List, download, or delete GGUF models.
  reset          Delete all conversations.
  version        Print build information.

`)
}

// commonFlags registers the flags every app-opening command shares.
type commonFlags struct {
	configPath *string
	envFile    *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath: fs.String("config", config.DefaultConfigPath(), "Config file path"),
		envFile:    fs.String("env-file", ".env", "Optional .env file with OFFLINE_DOCTOR_* overrides"),
	}
}

// openApp loads configuration and opens the application. Logs go to logOut.
func openApp(ctx context.Context, cf commonFlags, logOut io.Writer) (*app.App, *config.Config, error) {
	if err := config.LoadDotEnv(*cf.envFile); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(filepath.Clean(*cf.configPath))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := app.NewLoggerTo(logOut, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, app.Options{Config: cfg, Logger: logger, Version: Version})
	if err != nil {
		var held *lockfile.HeldError
		if errors.As(err, &held) {
			return nil, nil, fmt.Errorf("another offline-doctor is using %s: %w", cfg.DataDir, err)
		}
		return nil, nil, fmt.Errorf("failed to init app: %w", err)
	}
	return a, cfg, nil
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(stop)
	}()
	return ctx, cancel
}

func serveCmd(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cf := addCommonFlags(fs)
	model := fs.String("model", "", "Start the engine with this model filename (empty: configured or first downloaded)")
	noEngine := fs.Bool("no-engine", false, "Do not start the engine at startup")
	_ = fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	a, cfg, err := openApp(ctx, cf, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.Close()

	printWelcomeBanner(os.Stdout, welcomeBannerOptions{
		Version:    Version,
		ListenAddr: cfg.ListenAddr,
		DataDir:    cfg.DataDir,
	})

	if !*noEngine {
		if _, err := a.InitializeEngine(ctx, *model); err != nil {
			// The API stays up so a model can be downloaded and started later.
			fmt.Fprintf(os.Stderr, "engine not started: %v\n", err)
		}
	}

	srv := api.New(a, api.Options{Version: Version})
	if err := srv.Serve(ctx, cfg.ListenAddr); err != nil {
		fmt.Fprintf(os.Stderr, "server exited with error: %v\n", err)
		return 1
	}
	return 0
}
