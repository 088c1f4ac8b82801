package stores

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreLoadMissing(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "configs"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	text, err := store.Load(context.Background(), "r1")
	if err != nil {
		t.Fatalf("missing file must not be an error: %v", err)
	}
	if text != "" {
		t.Errorf("expected empty text, got %q", text)
	}
}

func TestFileStoreSaveCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "configs")
	store, _ := NewFileStore(dir)
	ctx := context.Background()

	if err := store.Save(ctx, "r1", "hostname r1\n"); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "r1.cfg"))
	if err != nil {
		t.Fatalf("expected r1.cfg to exist: %v", err)
	}
	if string(data) != "hostname r1\n" {
		t.Errorf("unexpected content %q", data)
	}

	if err := store.Save(ctx, "r1", "hostname r2\n"); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	text, _ := store.Load(ctx, "r1")
	if text != "hostname r2\n" {
		t.Errorf("expected overwritten text, got %q", text)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected no temp files to remain, got %d entries", len(entries))
	}
}

func TestFileStoreSaveFailure(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "configs")
	if err := os.WriteFile(blocker, []byte("not a dir"), 0o644); err != nil {
		t.Fatal(err)
	}

	store, _ := NewFileStore(blocker)
	if err := store.Save(context.Background(), "r1", "x"); err == nil {
		t.Fatal("expected save to fail when configs dir is a file")
	}
}

func TestFileStoreRejectsBadNames(t *testing.T) {
	store, _ := NewFileStore(t.TempDir())
	for _, name := range []string{"", ".", "..", "../etc/passwd", `a\b`} {
		if _, err := store.Load(context.Background(), name); err == nil {
			t.Errorf("expected load error for %q", name)
		}
		if err := store.Save(context.Background(), name, "x"); err == nil {
			t.Errorf("expected save error for %q", name)
		}
	}
}

func TestNewFileStoreRequiresDir(t *testing.T) {
	if _, err := NewFileStore(""); err == nil {
		t.Fatal("expected error for empty dir")
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, h, err := Open(ctx, Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("open file store failed: %v", err)
	}
	if _, ok := s.(*FileStore); !ok || h != nil {
		t.Errorf("expected file store without history, got %T %v", s, h)
	}

	s, h, err = Open(ctx, Options{Type: TypeSQLite, Path: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite store failed: %v", err)
	}
	defer s.Close()
	if h == nil {
		t.Error("expected sqlite store to record history")
	}

	if _, _, err := Open(ctx, Options{Type: "etcd"}); err == nil {
		t.Error("expected error for unknown store type")
	}
}
