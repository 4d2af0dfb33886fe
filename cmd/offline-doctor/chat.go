package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/floegence/offline-doctor/internal/chat"
)

type messageSender interface {
	SendMessage(ctx context.Context, req chat.Request) (*chat.Response, error)
}

func chatCmd(args []string) int {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	cf := addCommonFlags(fs)
	model := fs.String("model", "", "Model filename (empty: configured or first downloaded)")
	convID := fs.String("conversation", "", "Continue an existing conversation id")
	_ = fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	// Logs go to stderr so replies on stdout stay clean.
	a, _, err := openApp(ctx, cf, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.Close()

	fmt.Fprintln(os.Stderr, "Starting engine...")
	path, err := a.InitializeEngine(ctx, *model)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start engine: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Engine ready (%s). Type /new for a new conversation, /quit to exit.\n", path)

	interactive := isTerminalWriter(os.Stdin) && isTerminalWriter(os.Stdout)
	if err := runChat(ctx, a, os.Stdin, os.Stdout, *convID, interactive); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "chat failed: %v\n", err)
		return 1
	}
	return 0
}

// runChat reads one message per line from in until EOF, /quit, or ctx end.
// A failed turn is reported and the loop continues.
func runChat(ctx context.Context, s messageSender, in io.Reader, out io.Writer, convID string, interactive bool) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}
		if !sc.Scan() {
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			convID = ""
			fmt.Fprintln(out, "(new conversation)")
			continue
		}

		resp, err := s.SendMessage(ctx, chat.Request{Message: line, ConversationID: convID})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, chat.ErrEmptyMessage) {
				continue
			}
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		convID = resp.ConversationID
		fmt.Fprintf(out, "%s\n\n", resp.Message)
	}
}
