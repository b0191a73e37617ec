package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher(t *testing.T) {
	t.Parallel()
	root := filepath.Join(t.TempDir(), "flows")
	fired := make(chan struct{}, 16)
	w, err := New(root, 20*time.Millisecond, func() { fired <- struct{}{} })
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	wait := func(what string) {
		t.Helper()
		select {
		case <-fired:
		case <-time.After(5 * time.Second):
			t.Fatalf("no notification after %s", what)
		}
	}

	// Backups are ignored.
	if err := os.WriteFile(filepath.Join(root, ".t1.flows.json.backup"), []byte("[]"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case <-fired:
		t.Fatal("notified for a backup")
	case <-time.After(200 * time.Millisecond):
	}

	if err := os.WriteFile(filepath.Join(root, "t1.flows.json"), []byte("[]"), 0o600); err != nil {
		t.Fatal(err)
	}
	wait("a new tab file")

	sub := filepath.Join(root, "Main")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	wait("a new directory")
	// Give the watcher a moment to pick up the new directory.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(sub, "t2.flows.json"), []byte("[]"), 0o600); err != nil {
		t.Fatal(err)
	}
	wait("a tab file in a new directory")

	if err := os.WriteFile(filepath.Join(sub, ".t3.flows.json"), []byte("[]"), 0o600); err != nil {
		t.Fatal(err)
	}
	wait("a tab file with a dot-prefixed id")

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Run() = %v", err)
	}
}
