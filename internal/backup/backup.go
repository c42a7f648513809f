// Package backup manages point-in-time copies of the datastore file.
//
// Backups are grouped by kind under the backup root:
//
//	backups/<kind>/<timestamp>.dbc        snapshot (gzip when large)
//	backups/<kind>/<timestamp>.dbc.json   metadata sidecar
//
// Snapshots are taken with VACUUM INTO, which produces a consistent copy
// without blocking writers, and verified with PRAGMA integrity_check
// before they count as created.
package backup

import (
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Kind classifies why a backup was taken.
type Kind string

const (
	KindManual       Kind = "MANUAL"
	KindAutomatic    Kind = "AUTOMATIC"
	KindSchemaChange Kind = "SCHEMA_CHANGE"
	KindMigration    Kind = "MIGRATION"
	KindScheduled    Kind = "SCHEDULED"
	KindEmergency    Kind = "EMERGENCY"
)

// compressThreshold is the snapshot size above which backups are gzipped.
const compressThreshold = 10 << 20

// timestampLayout names backup files so lexical order is chronological.
const timestampLayout = "20060102T150405.000"

var kinds = []Kind{KindManual, KindAutomatic, KindSchemaChange, KindMigration, KindScheduled, KindEmergency}

// ErrNotFound is returned when a named backup does not exist.
var ErrNotFound = errors.New("backup not found")

// Metadata is the sidecar written next to every snapshot.
type Metadata struct {
	Name        string           `json:"name"`
	Kind        Kind             `json:"kind"`
	CreatedAt   time.Time        `json:"created_at"`
	SizeBytes   int64            `json:"size_bytes"`
	Duration    time.Duration    `json:"duration_ns"`
	Compressed  bool             `json:"compressed"`
	Integrity   string           `json:"integrity"`
	TableCounts map[string]int64 `json:"table_counts,omitempty"`
	SourcePath  string           `json:"source_path"`
}

// Options configure a Manager.
type Options struct {
	// Dir is the backup root. Required.
	Dir string
	// Retention is how long non-manual backups are kept. Manual backups
	// are kept twice as long. Zero disables the age sweep.
	Retention time.Duration
	// MaxCount caps the total number of backups across all kinds. When
	// exceeded, the oldest non-manual backups are evicted first. Zero
	// disables the ceiling.
	MaxCount int
	Logger   *slog.Logger
	// OnCreated is invoked after a backup is durably written, for audit
	// logging and bus emission. Optional.
	OnCreated func(meta *Metadata)
}

// Manager creates, lists, restores, and expires backups.
type Manager struct {
	dir       string
	retention time.Duration
	maxCount  int
	log       *slog.Logger
	onCreated func(meta *Metadata)
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Dir == "" {
		return nil, errors.New("backup: dir is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &Manager{
		dir:       opts.Dir,
		retention: opts.Retention,
		maxCount:  opts.MaxCount,
		log:       log,
		onCreated: opts.OnCreated,
	}, nil
}

// BackupDB snapshots the database behind db. It is shaped so the storage
// layer can call it as a pre-migration hook without importing this
// package's dependents.
func (m *Manager) BackupDB(ctx context.Context, db *sql.DB, kind Kind) (*Metadata, error) {
	start := time.Now()
	name := start.UTC().Format(timestampLayout) + ".dbc"
	kindDir := filepath.Join(m.dir, string(kind))
	if err := os.MkdirAll(kindDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s dir: %w", kind, err)
	}

	// VACUUM INTO refuses to overwrite, so snapshot into a temp name and
	// rename once verified.
	tmp := filepath.Join(kindDir, "."+name+".tmp")
	defer os.Remove(tmp)

	if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, tmp); err != nil {
		return nil, fmt.Errorf("snapshot database: %w", err)
	}

	integrity, err := checkIntegrity(ctx, tmp)
	if err != nil {
		return nil, err
	}
	if integrity != "ok" {
		return nil, fmt.Errorf("snapshot failed integrity check: %s", integrity)
	}

	counts, err := tableCounts(ctx, tmp)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(tmp)
	if err != nil {
		return nil, err
	}

	final := filepath.Join(kindDir, name)
	compressed := info.Size() > compressThreshold
	if compressed {
		if err := gzipFile(tmp, final); err != nil {
			return nil, fmt.Errorf("compress snapshot: %w", err)
		}
		os.Remove(tmp)
	} else if err := os.Rename(tmp, final); err != nil {
		return nil, fmt.Errorf("finalize snapshot: %w", err)
	}

	finalInfo, err := os.Stat(final)
	if err != nil {
		return nil, err
	}

	meta := &Metadata{
		Name:        name,
		Kind:        kind,
		CreatedAt:   start.UTC(),
		SizeBytes:   finalInfo.Size(),
		Duration:    time.Since(start),
		Compressed:  compressed,
		Integrity:   integrity,
		TableCounts: counts,
	}
	if err := writeSidecar(final, meta); err != nil {
		os.Remove(final)
		return nil, err
	}

	m.log.Info("backup created",
		"kind", kind,
		"name", name,
		"size", humanize.Bytes(uint64(finalInfo.Size())),
		"compressed", compressed,
		"duration", meta.Duration.Round(time.Millisecond))

	if m.onCreated != nil {
		m.onCreated(meta)
	}
	if err := m.sweep(); err != nil {
		m.log.Warn("backup retention sweep failed", "error", err)
	}
	return meta, nil
}

// Create snapshots the database file at path by opening a fresh read
// handle. Callers holding a live store should checkpoint first so the WAL
// is folded into the main file.
func (m *Manager) Create(ctx context.Context, path string, kind Kind) (*Metadata, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open source database: %w", err)
	}
	defer db.Close()
	meta, err := m.BackupDB(ctx, db, kind)
	if meta != nil {
		meta.SourcePath = path
		// Rewrite the sidecar with the source path recorded.
		if werr := writeSidecar(m.pathFor(meta), meta); werr != nil {
			m.log.Warn("rewrite backup sidecar", "error", werr)
		}
	}
	return meta, err
}

// List returns all backups, newest first.
func (m *Manager) List() ([]*Metadata, error) {
	var out []*Metadata
	for _, kind := range kinds {
		kindDir := filepath.Join(m.dir, string(kind))
		entries, err := os.ReadDir(kindDir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".dbc") {
				continue
			}
			meta, err := readSidecar(filepath.Join(kindDir, e.Name()))
			if err != nil {
				m.log.Warn("unreadable backup sidecar", "name", e.Name(), "error", err)
				continue
			}
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Find locates a backup by file name across all kinds.
func (m *Manager) Find(name string) (*Metadata, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	for _, meta := range all {
		if meta.Name == name {
			return meta, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Restore replaces the database file at target with the named backup.
//
// The backup is decompressed to a temp file and integrity-checked before
// anything is touched; the current target is preserved as an EMERGENCY
// backup first. The caller must have closed any live store on target.
func (m *Manager) Restore(ctx context.Context, name, target string) error {
	meta, err := m.Find(name)
	if err != nil {
		return err
	}
	src := m.pathFor(meta)

	tmp, err := os.CreateTemp(filepath.Dir(target), ".restore-*.db")
	if err != nil {
		return fmt.Errorf("create restore staging file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := copySnapshot(src, tmp, meta.Compressed); err != nil {
		tmp.Close()
		return fmt.Errorf("stage backup %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	integrity, err := checkIntegrity(ctx, tmpPath)
	if err != nil {
		return err
	}
	if integrity != "ok" {
		return fmt.Errorf("backup %s failed integrity check: %s", name, integrity)
	}

	// Preserve whatever is currently at target before overwriting it.
	if _, err := os.Stat(target); err == nil {
		if _, err := m.Create(ctx, target, KindEmergency); err != nil {
			return fmt.Errorf("pre-restore backup: %w", err)
		}
	}

	// Stale WAL/SHM files would shadow the restored main file.
	os.Remove(target + "-wal")
	os.Remove(target + "-shm")

	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("install restored database: %w", err)
	}
	m.log.Info("backup restored", "name", name, "kind", meta.Kind, "target", target)
	return nil
}

// sweep enforces the retention window and the total-count ceiling.
func (m *Manager) sweep() error {
	all, err := m.List()
	if err != nil {
		return err
	}

	removed := 0
	if m.retention > 0 {
		now := time.Now().UTC()
		kept := all[:0]
		for _, meta := range all {
			limit := m.retention
			if meta.Kind == KindManual {
				limit *= 2
			}
			if now.Sub(meta.CreatedAt) > limit {
				m.remove(meta)
				removed++
				continue
			}
			kept = append(kept, meta)
		}
		all = kept
	}

	if m.maxCount > 0 && len(all) > m.maxCount {
		// all is newest-first; walk from the oldest end, skipping manual
		// backups, until under the ceiling.
		excess := len(all) - m.maxCount
		for i := len(all) - 1; i >= 0 && excess > 0; i-- {
			if all[i].Kind == KindManual {
				continue
			}
			m.remove(all[i])
			removed++
			excess--
		}
	}

	if removed > 0 {
		m.log.Debug("backup sweep", "removed", removed)
	}
	return nil
}

func (m *Manager) remove(meta *Metadata) {
	path := m.pathFor(meta)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Warn("remove expired backup", "name", meta.Name, "error", err)
		return
	}
	os.Remove(path + ".json")
}

func (m *Manager) pathFor(meta *Metadata) string {
	return filepath.Join(m.dir, string(meta.Kind), meta.Name)
}

func writeSidecar(snapshotPath string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(snapshotPath+".json", data, 0o644)
}

func readSidecar(snapshotPath string) (*Metadata, error) {
	data, err := os.ReadFile(snapshotPath + ".json")
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copySnapshot(src string, dst io.Writer, compressed bool) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	var r io.Reader = in
	if compressed {
		zr, err := gzip.NewReader(in)
		if err != nil {
			return err
		}
		defer zr.Close()
		r = zr
	}
	_, err = io.Copy(dst, r)
	return err
}

// checkIntegrity opens the snapshot read-only and runs PRAGMA
// integrity_check, returning the first result row.
func checkIntegrity(ctx context.Context, path string) (string, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return "", fmt.Errorf("open snapshot: %w", err)
	}
	defer db.Close()
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return "", fmt.Errorf("integrity check: %w", err)
	}
	return result, nil
}

// tableCounts records per-table row counts in the snapshot sidecar so a
// restore candidate can be judged without opening it.
func tableCounts(ctx context.Context, path string) (map[string]int64, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(names))
	for _, name := range names {
		var n int64
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "`+name+`"`).Scan(&n); err != nil {
			return nil, err
		}
		counts[name] = n
	}
	return counts, nil
}
