package backend

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// BinaryEnvVar overrides binary discovery with an explicit path.
const BinaryEnvVar = "LLAMA_SERVER_BIN"

func binaryName() string {
	if runtime.GOOS == "windows" {
		return "llama-server.exe"
	}
	return "llama-server"
}

// DefaultSearchDirs lists the well-known llama.cpp install locations checked
// after PATH.
func DefaultSearchDirs() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/opt/homebrew/bin",
			"/usr/local/bin",
			"/usr/bin",
			"/opt/llama.cpp/bin",
		}
	case "windows":
		return nil
	default:
		return []string{
			"/usr/local/bin",
			"/usr/bin",
			"/opt/llama.cpp/bin",
		}
	}
}

// ResolveBinary resolves an absolute path to the llama-server binary.
//
// Resolution order:
// 1) explicit override, then $LLAMA_SERVER_BIN
// 2) exec.LookPath (PATH)
// 3) searchDirs, in order
func ResolveBinary(override string, searchDirs []string) (string, error) {
	for _, p := range []string{override, os.Getenv(BinaryEnvVar)} {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if abs, ok := executableFile(p); ok {
			return abs, nil
		}
		return "", fmt.Errorf("%w: %s is not an executable file", ErrBinaryNotFound, p)
	}

	name := binaryName()
	if p, err := exec.LookPath(name); err == nil {
		if abs, ok := executableFile(p); ok {
			return abs, nil
		}
	}

	for _, dir := range searchDirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		if abs, ok := executableFile(filepath.Join(dir, name)); ok {
			return abs, nil
		}
	}

	return "", fmt.Errorf("%w: install llama.cpp or put %s on PATH (or set %s)", ErrBinaryNotFound, name, BinaryEnvVar)
}

func executableFile(p string) (string, bool) {
	abs := p
	if !filepath.IsAbs(abs) {
		if a, err := filepath.Abs(p); err == nil {
			abs = a
		}
	}
	fi, err := os.Stat(abs)
	if err != nil || fi.IsDir() || !fi.Mode().IsRegular() {
		return "", false
	}
	if runtime.GOOS != "windows" && fi.Mode()&0o111 == 0 {
		return "", false
	}
	return abs, true
}
