//go:build !windows

package backend

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeExecutable(t *testing.T, path string, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestResolveBinaryPrefersOverride(t *testing.T) {
	root := t.TempDir()
	override := filepath.Join(root, "custom-llama")
	writeExecutable(t, override, "#!/bin/sh\nexit 0\n")
	fromEnv := filepath.Join(root, "env-llama")
	writeExecutable(t, fromEnv, "#!/bin/sh\nexit 0\n")
	t.Setenv(BinaryEnvVar, fromEnv)

	got, err := ResolveBinary(override, nil)
	if err != nil {
		t.Fatalf("ResolveBinary() error = %v", err)
	}
	if got != override {
		t.Fatalf("ResolveBinary() = %q, want %q", got, override)
	}
}

func TestResolveBinaryUsesEnv(t *testing.T) {
	root := t.TempDir()
	fromEnv := filepath.Join(root, "env-llama")
	writeExecutable(t, fromEnv, "#!/bin/sh\nexit 0\n")
	t.Setenv(BinaryEnvVar, fromEnv)

	got, err := ResolveBinary("", nil)
	if err != nil {
		t.Fatalf("ResolveBinary() error = %v", err)
	}
	if got != fromEnv {
		t.Fatalf("ResolveBinary() = %q, want %q", got, fromEnv)
	}
}

func TestResolveBinaryRejectsNonExecutableOverride(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "llama-server")
	if err := os.WriteFile(p, []byte("not a program"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(BinaryEnvVar, "")

	_, err := ResolveBinary(p, nil)
	if !errors.Is(err, ErrBinaryNotFound) {
		t.Fatalf("ResolveBinary() error = %v, want ErrBinaryNotFound", err)
	}
}

func TestResolveBinaryLooksUpPath(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "llama-server")
	writeExecutable(t, p, "#!/bin/sh\nexit 0\n")
	t.Setenv("PATH", root)
	t.Setenv(BinaryEnvVar, "")

	got, err := ResolveBinary("", nil)
	if err != nil {
		t.Fatalf("ResolveBinary() error = %v", err)
	}
	if got != p {
		t.Fatalf("ResolveBinary() = %q, want %q", got, p)
	}
}

func TestResolveBinaryFallsBackToSearchDirs(t *testing.T) {
	emptyPath := t.TempDir()
	t.Setenv("PATH", emptyPath)
	t.Setenv(BinaryEnvVar, "")

	first := t.TempDir()
	second := t.TempDir()
	p := filepath.Join(second, "llama-server")
	writeExecutable(t, p, "#!/bin/sh\nexit 0\n")

	got, err := ResolveBinary("", []string{"", first, second})
	if err != nil {
		t.Fatalf("ResolveBinary() error = %v", err)
	}
	if got != p {
		t.Fatalf("ResolveBinary() = %q, want %q", got, p)
	}
}

func TestResolveBinaryNotFound(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	t.Setenv(BinaryEnvVar, "")

	_, err := ResolveBinary("", []string{t.TempDir()})
	if !errors.Is(err, ErrBinaryNotFound) {
		t.Fatalf("ResolveBinary() error = %v, want ErrBinaryNotFound", err)
	}
}

func TestDefaultSearchDirsIncludesLlamaCppPrefix(t *testing.T) {
	t.Parallel()

	dirs := DefaultSearchDirs()
	found := false
	for _, d := range dirs {
		if d == "/opt/llama.cpp/bin" {
			found = true
		}
	}
	if !found {
		t.Fatalf("DefaultSearchDirs() = %v, want /opt/llama.cpp/bin included", dirs)
	}
}
