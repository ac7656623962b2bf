package assets

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalStorePutWritesArtifact(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStore(root)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	payload := "session log line\n"
	uri, err := store.Put(context.Background(), "s1", "container.log", strings.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(uri, "file://") {
		t.Fatalf("expected a file uri, got %q", uri)
	}

	written, err := os.ReadFile(filepath.Join(root, "s1", "container.log"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(written) != payload {
		t.Fatalf("artifact content mismatch: %q", written)
	}
}

func TestLocalStorePutStripsPathTraversal(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStore(root)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if _, err := store.Put(context.Background(), "s1", "../../escape.log", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "s1", "escape.log")); err != nil {
		t.Fatalf("artifact should land inside the session directory: %v", err)
	}
}
