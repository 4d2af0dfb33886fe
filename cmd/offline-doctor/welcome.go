package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"golang.org/x/term"
)

const (
	ansiReset     = "\033[0m"
	ansiBold      = "\033[1m"
	ansiCyan      = "\033[96m"
	ansiUnderline = "\033[4m"
)

type welcomeBannerOptions struct {
	Version    string
	ListenAddr string
	DataDir    string
}

func printWelcomeBanner(w io.Writer, opts welcomeBannerOptions) {
	width := terminalWidth(w)
	useANSI := isTerminalWriter(w)

	logo := []string{
		"        ██████        ",
		"        ██████        ",
		"  ██████████████████  ",
		"  ██████████████████  ",
		"        ██████        ",
		"        ██████        ",
	}

	fmt.Fprintln(w)
	for _, line := range logo {
		fmt.Fprintln(w, center(line, width))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, centerWithAnsi(style("offline-doctor", ansiBold, useANSI), width))

	if version := strings.TrimSpace(opts.Version); version != "" {
		fmt.Fprintln(w, center(fmt.Sprintf("Version: %s", version), width))
	}
	if u := localURL(opts.ListenAddr); u != "" {
		line := fmt.Sprintf("API: %s", style(u, ansiCyan+ansiUnderline, useANSI))
		fmt.Fprintln(w, centerWithAnsi(line, width))
	}
	if dir := strings.TrimSpace(opts.DataDir); dir != "" {
		fmt.Fprintln(w, center(fmt.Sprintf("Data: %s", dir), width))
	}
	fmt.Fprintln(w, center("For educational use. Not a substitute for clinical judgment.", width))
	fmt.Fprintln(w)
}

// localURL turns a listen address into a browsable URL; wildcard hosts map
// to localhost.
func localURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil || port == "" {
		return ""
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/"
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return 0
	}
	return width
}

func style(s string, codes string, enabled bool) string {
	if !enabled {
		return s
	}
	return codes + s + ansiReset
}

func center(text string, width int) string {
	if width <= 0 {
		return "  " + text
	}
	n := len([]rune(text))
	if n >= width {
		return text
	}
	return strings.Repeat(" ", (width-n)/2) + text
}

func stripAnsi(s string) string {
	for _, code := range []string{ansiReset, ansiBold, ansiCyan, ansiUnderline} {
		s = strings.ReplaceAll(s, code, "")
	}
	return s
}

func centerWithAnsi(text string, width int) string {
	if width <= 0 {
		return "  " + text
	}
	n := len([]rune(stripAnsi(text)))
	if n >= width {
		return text
	}
	return strings.Repeat(" ", (width-n)/2) + text
}
