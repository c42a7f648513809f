package backup

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newSourceDB(t *testing.T) (string, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.db")
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(`CREATE TABLE workers (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO workers (id, name) VALUES (1, 'ace'), (2, 'bee')`); err != nil {
		t.Fatal(err)
	}
	return path, db
}

func newManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = filepath.Join(t.TempDir(), "backups")
	}
	m, err := NewManager(opts)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestBackupDBWritesSnapshotAndSidecar(t *testing.T) {
	_, db := newSourceDB(t)
	var created *Metadata
	m := newManager(t, Options{OnCreated: func(meta *Metadata) { created = meta }})

	meta, err := m.BackupDB(context.Background(), db, KindManual)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if meta.Kind != KindManual {
		t.Errorf("kind = %s", meta.Kind)
	}
	if meta.Integrity != "ok" {
		t.Errorf("integrity = %q", meta.Integrity)
	}
	if meta.Compressed {
		t.Error("tiny snapshot should not be compressed")
	}
	if meta.TableCounts["workers"] != 2 {
		t.Errorf("table counts = %v", meta.TableCounts)
	}
	if created == nil || created.Name != meta.Name {
		t.Error("OnCreated hook not invoked")
	}

	if _, err := os.Stat(m.pathFor(meta)); err != nil {
		t.Errorf("snapshot file missing: %v", err)
	}
	if _, err := os.Stat(m.pathFor(meta) + ".json"); err != nil {
		t.Errorf("sidecar missing: %v", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	_, db := newSourceDB(t)
	m := newManager(t, Options{})
	ctx := context.Background()

	first, err := m.BackupDB(ctx, db, KindAutomatic)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond) // distinct timestamped names
	second, err := m.BackupDB(ctx, db, KindScheduled)
	if err != nil {
		t.Fatal(err)
	}

	all, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("list length = %d", len(all))
	}
	if all[0].Name != second.Name || all[1].Name != first.Name {
		t.Errorf("not newest-first: %s, %s", all[0].Name, all[1].Name)
	}
}

func TestRestoreReplacesTargetWithEmergencyBackup(t *testing.T) {
	path, db := newSourceDB(t)
	m := newManager(t, Options{})
	ctx := context.Background()

	meta, err := m.BackupDB(ctx, db, KindManual)
	if err != nil {
		t.Fatal(err)
	}

	// Diverge the live database after the backup.
	if _, err := db.Exec(`INSERT INTO workers (id, name) VALUES (3, 'cee')`); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	if err := m.Restore(ctx, meta.Name, path); err != nil {
		t.Fatalf("restore: %v", err)
	}

	restored, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		t.Fatal(err)
	}
	defer restored.Close()
	var n int
	if err := restored.QueryRow(`SELECT COUNT(*) FROM workers`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("restored row count = %d, want 2", n)
	}

	// The pre-restore state must survive as an EMERGENCY backup.
	all, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	var emergencies int
	for _, b := range all {
		if b.Kind == KindEmergency {
			emergencies++
		}
	}
	if emergencies != 1 {
		t.Errorf("emergency backups = %d, want 1", emergencies)
	}
}

func TestRestoreUnknownName(t *testing.T) {
	m := newManager(t, Options{})
	err := m.Restore(context.Background(), "nope.dbc", filepath.Join(t.TempDir(), "db"))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestSweepCeilingSparesManual(t *testing.T) {
	_, db := newSourceDB(t)
	m := newManager(t, Options{MaxCount: 2})
	ctx := context.Background()

	manual, err := m.BackupDB(ctx, db, KindManual)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		time.Sleep(2 * time.Millisecond)
		if _, err := m.BackupDB(ctx, db, KindAutomatic); err != nil {
			t.Fatal(err)
		}
	}

	all, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("backups after sweep = %d, want 2", len(all))
	}
	found := false
	for _, b := range all {
		if b.Name == manual.Name {
			found = true
		}
	}
	if !found {
		t.Error("manual backup evicted by ceiling sweep")
	}
}

func TestSweepRetention(t *testing.T) {
	_, db := newSourceDB(t)
	m := newManager(t, Options{Retention: time.Hour})
	ctx := context.Background()

	meta, err := m.BackupDB(ctx, db, KindAutomatic)
	if err != nil {
		t.Fatal(err)
	}

	// Age the backup past retention by rewriting its sidecar.
	meta.CreatedAt = meta.CreatedAt.Add(-2 * time.Hour)
	if err := writeSidecar(m.pathFor(meta), meta); err != nil {
		t.Fatal(err)
	}

	if err := m.sweep(); err != nil {
		t.Fatal(err)
	}
	all, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Errorf("expired backup survived: %v", all[0].Name)
	}
}
