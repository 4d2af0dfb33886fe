package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/floegence/offline-doctor/internal/app"
	"github.com/floegence/offline-doctor/internal/convstore"
	"github.com/floegence/offline-doctor/internal/models"
	"github.com/floegence/offline-doctor/internal/monitor"
)

func conversationsCmd(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: offline-doctor conversations list|show|rename|delete [flags] [args]")
		return 2
	}
	sub := args[0]
	fs := flag.NewFlagSet("conversations "+sub, flag.ExitOnError)
	cf := addCommonFlags(fs)
	_ = fs.Parse(args[1:])
	rest := fs.Args()

	ctx, cancel := signalContext()
	defer cancel()
	a, _, err := openApp(ctx, cf, io.Discard)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.Close()

	switch {
	case sub == "list":
		err = listConversations(ctx, a, os.Stdout)
	case sub == "show" && len(rest) == 1:
		err = showConversation(ctx, a, os.Stdout, rest[0])
	case sub == "rename" && len(rest) >= 2:
		err = a.UpdateTitle(ctx, rest[0], strings.Join(rest[1:], " "))
	case sub == "delete" && len(rest) == 1:
		err = a.DeleteConversation(ctx, rest[0])
	default:
		fmt.Fprintf(os.Stderr, "unknown or incomplete conversations command: %s %s\n", sub, strings.Join(rest, " "))
		return 2
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

type conversationLister interface {
	ListConversations(ctx context.Context) ([]convstore.Conversation, error)
}

func listConversations(ctx context.Context, s conversationLister, out io.Writer) error {
	convs, err := s.ListConversations(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUPDATED\tTITLE")
	for _, c := range convs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, c.UpdatedAt.Local().Format(time.DateTime), c.Title)
	}
	return tw.Flush()
}

type conversationReader interface {
	GetConversation(ctx context.Context, id string) (*convstore.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]convstore.Message, error)
}

func showConversation(ctx context.Context, s conversationReader, out io.Writer, id string) error {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("conversation %s: %w", id, convstore.ErrNotFound)
	}
	msgs, err := s.ListMessages(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "# %s\n\n", conv.Title)
	for _, m := range msgs {
		who := "You"
		if m.Role == convstore.RoleAssistant {
			who = "Assistant"
		}
		fmt.Fprintf(out, "[%s] %s:\n%s\n\n", m.Timestamp.Local().Format(time.DateTime), who, m.Content)
	}
	return nil
}

func modelsCmd(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: offline-doctor models list|download|delete [flags] [filename]")
		return 2
	}
	sub := args[0]
	fs := flag.NewFlagSet("models "+sub, flag.ExitOnError)
	cf := addCommonFlags(fs)
	_ = fs.Parse(args[1:])
	rest := fs.Args()

	ctx, cancel := signalContext()
	defer cancel()
	a, _, err := openApp(ctx, cf, io.Discard)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.Close()

	switch {
	case sub == "list":
		err = printModels(os.Stdout, a.Models(), a.HostStatus(ctx))
	case sub == "download" && len(rest) == 1:
		err = downloadModel(ctx, a, rest[0])
	case sub == "delete" && len(rest) == 1:
		err = a.DeleteModel(rest[0])
	default:
		fmt.Fprintf(os.Stderr, "unknown or incomplete models command: %s %s\n", sub, strings.Join(rest, " "))
		return 2
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func printModels(out io.Writer, list []models.Model, host monitor.Snapshot) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILENAME\tSIZE\tDOWNLOADED\tFITS\tNAME")
	for _, m := range list {
		fmt.Fprintf(tw, "%s\t%.1f GB\t%v\t%v\t%s\n", m.Filename, float64(m.Size)/1e9, m.IsDownloaded, host.Fits(m.Size), m.Name)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if host.MemoryAvailable > 0 {
		fmt.Fprintf(out, "\nAvailable memory: %.1f GB of %.1f GB\n", float64(host.MemoryAvailable)/1e9, float64(host.MemoryTotal)/1e9)
	}
	return nil
}

func downloadModel(ctx context.Context, a *app.App, filename string) error {
	tty := isTerminalWriter(os.Stderr)
	last := int64(-1)
	path, err := a.DownloadModel(ctx, filename, func(done, total int64) {
		if total <= 0 {
			return
		}
		pct := done * 100 / total
		if pct == last {
			return
		}
		last = pct
		if tty {
			fmt.Fprintf(os.Stderr, "\rDownloading %s: %3d%%", filename, pct)
		} else if pct%10 == 0 {
			fmt.Fprintf(os.Stderr, "Downloading %s: %d%%\n", filename, pct)
		}
	})
	if tty {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Model saved: %s\n", path)
	return nil
}

func resetCmd(args []string) int {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	cf := addCommonFlags(fs)
	yes := fs.Bool("yes", false, "Do not ask for confirmation")
	_ = fs.Parse(args)

	if !*yes {
		if !isTerminalWriter(os.Stdin) {
			fmt.Fprintln(os.Stderr, "refusing to delete all conversations without a terminal; pass -yes")
			return 2
		}
		if !confirm(os.Stdin, os.Stderr, "Delete ALL conversations? Type 'yes' to confirm: ") {
			fmt.Fprintln(os.Stderr, "aborted")
			return 1
		}
	}

	ctx, cancel := signalContext()
	defer cancel()
	a, _, err := openApp(ctx, cf, io.Discard)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.Close()

	if err := a.ClearAll(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println("All conversations deleted.")
	return 0
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(line), "yes")
}
