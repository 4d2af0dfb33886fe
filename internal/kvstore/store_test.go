package kvstore

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "kv.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_GetPutDelete(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, []byte("missing")); err != nil || ok {
		t.Fatalf("Get missing = (ok=%v, err=%v), want (false, nil)", ok, err)
	}

	if err := s.Put(ctx, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, []byte("a"), []byte("2")); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	v, ok, err := s.Get(ctx, []byte("a"))
	if err != nil || !ok {
		t.Fatalf("Get = (ok=%v, err=%v), want found", ok, err)
	}
	if string(v) != "2" {
		t.Fatalf("value=%q, want %q", v, "2")
	}

	if err := s.Delete(ctx, []byte("a")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, []byte("a")); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
	if _, ok, _ := s.Get(ctx, []byte("a")); ok {
		t.Fatalf("key still present after Delete")
	}
}

func TestStore_ScanPrefixOrderAndIsolation(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	keys := []string{
		"message:ab:1",
		"message:a:3",
		"conversation:z",
		"message:a:1",
		"message:b:1",
		"message:a:2",
	}
	for _, k := range keys {
		if err := s.Put(ctx, []byte(k), []byte("v-"+k)); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	got, err := s.ScanPrefix(ctx, []byte("message:a:"))
	if err != nil {
		t.Fatalf("ScanPrefix: %v", err)
	}
	want := []string{"message:a:1", "message:a:2", "message:a:3"}
	if len(got) != len(want) {
		t.Fatalf("len=%d, want %d (%v)", len(got), len(want), got)
	}
	for i, e := range got {
		if string(e.Key) != want[i] {
			t.Fatalf("key[%d]=%q, want %q", i, e.Key, want[i])
		}
		if string(e.Value) != "v-"+want[i] {
			t.Fatalf("value[%d]=%q", i, e.Value)
		}
	}

	all, err := s.ScanPrefix(ctx, nil)
	if err != nil {
		t.Fatalf("ScanPrefix all: %v", err)
	}
	if len(all) != len(keys) {
		t.Fatalf("len(all)=%d, want %d", len(all), len(keys))
	}
	for i := 1; i < len(all); i++ {
		if bytes.Compare(all[i-1].Key, all[i].Key) >= 0 {
			t.Fatalf("keys out of order: %q >= %q", all[i-1].Key, all[i].Key)
		}
	}
}

func TestStore_DeletePrefixAndClear(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"message:x:1", "message:x:2", "message:xy:1", "conversation:x"} {
		if err := s.Put(ctx, []byte(k), []byte("v")); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	n, err := s.DeletePrefix(ctx, []byte("message:x:"))
	if err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}
	if n != 2 {
		t.Fatalf("removed=%d, want 2", n)
	}
	if _, ok, _ := s.Get(ctx, []byte("message:xy:1")); !ok {
		t.Fatalf("neighbouring prefix was removed")
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	all, err := s.ScanPrefix(ctx, nil)
	if err != nil {
		t.Fatalf("ScanPrefix: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("len=%d after Clear, want 0", len(all))
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "kv.sqlite")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Put(context.Background(), []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_ = s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()
	v, ok, err := s2.Get(context.Background(), []byte("k"))
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get after reopen = (%q, %v, %v)", v, ok, err)
	}
}

func TestPrefixSuccessor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   []byte
		want []byte
	}{
		{[]byte("a"), []byte("b")},
		{[]byte("message:"), []byte("message;")},
		{[]byte{'a', 0xff}, []byte("b")},
		{[]byte{0xff, 0xff}, nil},
	}
	for _, tc := range cases {
		got := prefixSuccessor(tc.in)
		if !bytes.Equal(got, tc.want) {
			t.Fatalf("prefixSuccessor(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestOpen_RejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := Open("  "); err == nil {
		t.Fatalf("Open(\"\") succeeded, want error")
	}
}
