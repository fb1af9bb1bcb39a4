package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/pictura/internal/apperr"
)

const testID = "929db9c5fc3099f7576f5655207eba47"

func tempStore(t *testing.T) *FS {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func TestStoreAndLoad(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	blob := []byte("\x89PNG fake")
	if err := s.Store(ctx, "alice", testID, blob); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := s.Load(ctx, "alice", testID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != string(blob) {
		t.Errorf("content mismatch: got %q", got)
	}

	want := filepath.Join(s.Root(), "alice", "9", "2", "9", testID)
	if _, err := os.Stat(want); err != nil {
		t.Errorf("blob not at %s: %v", want, err)
	}
}

func TestLoadMissing(t *testing.T) {
	s := tempStore(t)
	_, err := s.Load(context.Background(), "alice", testID)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteAndExists(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	_ = s.Store(ctx, "alice", testID, []byte("bye"))

	ok, err := s.Exists(ctx, "alice", testID)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	if err := s.Delete(ctx, "alice", testID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ok, _ = s.Exists(ctx, "alice", testID)
	if ok {
		t.Error("blob still exists after delete")
	}
	if err := s.Delete(ctx, "alice", testID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestInvalidKeysRejected(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	cases := [][2]string{
		{"..", testID},
		{"alice", "../../etc/passwd"},
		{"", testID},
		{"alice", ""},
		{"a/b", testID},
	}
	for _, c := range cases {
		if err := s.Store(ctx, c[0], c[1], []byte("x")); err == nil {
			t.Errorf("expected error for store %q/%q", c[0], c[1])
		}
		if _, err := s.Load(ctx, c[0], c[1]); err == nil {
			t.Errorf("expected error for load %q/%q", c[0], c[1])
		}
	}
}

func TestStoreOverwriteLeavesNoTempFiles(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	_ = s.Store(ctx, "alice", testID, []byte("original"))
	if err := s.Store(ctx, "alice", testID, []byte("updated")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, _ := s.Load(ctx, "alice", testID)
	if string(got) != "updated" {
		t.Errorf("expected updated content, got %q", got)
	}

	matches, _ := filepath.Glob(filepath.Join(s.Root(), "alice", "9", "2", "9", ".pictura-tmp-*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestLocate(t *testing.T) {
	s := tempStore(t)
	p := filepath.Join(s.Root(), "alice", "9", "2", "9", testID)
	user, id, ok := s.Locate(p)
	if !ok || user != "alice" || id != testID {
		t.Errorf("Locate = %q, %q, %v", user, id, ok)
	}

	for _, bad := range []string{
		filepath.Join(s.Root(), "alice"),
		filepath.Join(s.Root(), "alice", "1", "2", "9", testID),
		filepath.Join(s.Root(), "alice", "9", "2", "9", ".pictura-tmp-123"),
		"/elsewhere/alice/9/2/9/" + testID,
	} {
		if _, _, ok := s.Locate(bad); ok {
			t.Errorf("Locate(%q) should fail", bad)
		}
	}
}

func TestStatus(t *testing.T) {
	s := tempStore(t)
	if err := s.Status(context.Background()); err != nil {
		t.Errorf("Status: %v", err)
	}
}

func TestNewFS_NonExistentDir(t *testing.T) {
	_, err := NewFS("/tmp/pictura-does-not-exist-" + t.Name())
	if err == nil {
		t.Error("expected error for non-existent dir")
	}
}

func TestNewFS_FileNotDir(t *testing.T) {
	f, _ := os.CreateTemp("", "pictura-test-*")
	_ = f.Close()
	defer os.Remove(f.Name())
	_, err := NewFS(f.Name())
	if err == nil {
		t.Error("expected error when root is a file")
	}
}
