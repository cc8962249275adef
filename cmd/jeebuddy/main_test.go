package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jeebuddy/tutor/internal/history"
)

func TestPurgeCommandDeletesOldInteractions(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "history.db")
	t.Setenv("DATABASE_URL", dsn)
	t.Setenv("LOG_LEVEL", "error")

	ctx := context.Background()
	store, err := history.NewStore(ctx, dsn, history.Options{})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, err := store.Append(ctx, history.Interaction{UserID: "u1", SessionID: "s1", Question: "q", Response: "r"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Nothing is an hour old yet.
	out := runRoot(t, "purge", "--older-than", "1h")
	if !strings.Contains(out, "deleted 0 interactions") {
		t.Fatalf("output = %q, want 0 deleted", out)
	}

	time.Sleep(20 * time.Millisecond)
	out = runRoot(t, "purge", "--older-than", "10ms")
	if !strings.Contains(out, "deleted 1 interactions") {
		t.Fatalf("output = %q, want 1 deleted", out)
	}
}

func TestPurgeCommandRequiresAge(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("HISTORY_RETENTION", "")

	root := newRootCmd()
	root.SetArgs([]string{"purge"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	if err := root.ExecuteContext(context.Background()); err == nil {
		t.Fatalf("purge without an age should fail")
	}
}

func runRoot(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&out)
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("%v: %v (output %q)", args, err, out.String())
	}
	return out.String()
}
