package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rerollkit/packtrack/internal/storage/sqlite"
	"github.com/rerollkit/packtrack/internal/types"
)

func TestRecordRestoreEvent(t *testing.T) {
	ctx := context.Background()
	target := filepath.Join(t.TempDir(), "packtrack.db")

	store, err := sqlite.Open(ctx, target, sqlite.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	if err := recordRestoreEvent(ctx, target, "manual/20250301T120000.dbc"); err != nil {
		t.Fatalf("recordRestoreEvent: %v", err)
	}

	store, err = sqlite.Open(ctx, target, sqlite.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	events, err := store.ListSystemEvents(ctx, 20)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, ev := range events {
		if ev.Type == types.EventDatabaseRestored {
			found = true
		}
	}
	if !found {
		t.Error("no DATABASE_RESTORED audit event")
	}
}
