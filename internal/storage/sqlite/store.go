// Package sqlite implements the storage interface on an embedded SQLite
// database.
//
// Layout:
//   - store.go: Store struct, Open, connection pool, statement monitor
//   - schema.go: base schema and indexes
//   - migrations.go: schema_version tracking and numbered migrations
//   - transaction.go: RunInTransaction and the Tx implementation
//   - workers.go, heartbeats.go, godpacks.go, testresults.go, statistics.go,
//     events.go: entity CRUD
//   - maintenance.go: VACUUM/ANALYZE/optimize, retention purge, checkpoint
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/rerollkit/packtrack/internal/storage"
)

const (
	// acquireTimeout bounds how long we wait for a pooled connection before
	// opening a transient overflow connection.
	acquireTimeout = 2 * time.Second

	// slowQueryThreshold marks a statement as slow in the monitor counters.
	slowQueryThreshold = time.Second

	// mmapBytes sizes the memory-mapped I/O window.
	mmapBytes = 256 << 20
)

func init() {
	// Persist the WASM compilation cache so the SQLite driver skips JIT
	// compilation on every process start.
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "packtrack", "wasm")
		if cache, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
			return
		}
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().
		WithCompilationCache(wazero.NewCompilationCache())
}

// Verify Store satisfies storage.Storage at compile time.
var _ storage.Storage = (*Store)(nil)

// Store implements storage.Storage on a single SQLite file.
type Store struct {
	db       *sql.DB // fixed-size pool
	overflow *sql.DB // transient connections used when the pool is exhausted
	path     string
	timeout  time.Duration
	log      *slog.Logger
	closed   atomic.Bool

	pool struct {
		requests         atomic.Int64
		successes        atomic.Int64
		failures         atomic.Int64
		exhaustions      atomic.Int64
		deadReplacements atomic.Int64
	}

	// Statement monitor counters, guarded by a single mutex.
	monMu sync.Mutex
	mon   storage.QueryStats
}

// Options configure Open.
type Options struct {
	// PoolSize is the number of pooled connections (default 5).
	PoolSize int
	// QueryTimeout bounds every statement (default 30s).
	QueryTimeout time.Duration
	// Logger receives slow-query and lifecycle logs. Defaults to slog.Default.
	Logger *slog.Logger
	// MigrationBackup, when set, runs before each pending migration. A
	// failure aborts the migration (and startup).
	MigrationBackup func(ctx context.Context, db *sql.DB) error
}

// Open opens (creating if necessary) the datastore at path and brings the
// schema up to date. In-memory databases (":memory:") are supported for tests.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 5
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	connStr, inMemory, err := connString(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if inMemory {
		// In-memory databases are isolated per connection; a single shared
		// connection keeps all readers and writers on the same data.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(opts.PoolSize)
		db.SetMaxIdleConns(opts.PoolSize)
		db.SetConnMaxIdleTime(0)
	}

	s := &Store{
		db:      db,
		path:    path,
		timeout: opts.QueryTimeout,
		log:     opts.Logger,
	}

	if !inMemory {
		// Overflow handle for pool-exhaustion: unbounded, connections are
		// closed as soon as the borrower releases them.
		ov, err := sql.Open("sqlite3", connStr)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open overflow handle: %w", err)
		}
		ov.SetMaxIdleConns(0)
		s.overflow = ov
	}

	if err := db.PingContext(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := s.applySchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.runMigrations(ctx, opts.MigrationBackup); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// connString builds the driver URI with the per-connection pragmas:
// foreign keys on, WAL journaling, normal synchronous, 10k-page cache,
// memory temp store, ~256 MiB mmap.
func connString(path string) (connStr string, inMemory bool, err error) {
	pragmas := "_pragma=foreign_keys(ON)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(10000)" +
		"&_pragma=temp_store(MEMORY)" +
		fmt.Sprintf("&_pragma=mmap_size(%d)", mmapBytes) +
		"&_pragma=busy_timeout(30000)" +
		"&_time_format=sqlite"

	switch {
	case path == ":memory:":
		// WAL does not apply to shared in-memory databases.
		return "file:memdb?mode=memory&cache=shared" +
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite", true, nil
	case strings.HasPrefix(path, "file:"):
		return path + "?" + pragmas, strings.Contains(path, "mode=memory"), nil
	default:
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return "", false, fmt.Errorf("create state directory: %w", err)
			}
		}
		return "file:" + path + "?" + pragmas, false, nil
	}
}

// acquire hands out a liveness-checked connection. On pool exhaustion it
// opens a transient overflow connection instead of blocking indefinitely.
// The returned release function must be called on all exit paths.
func (s *Store) acquire(ctx context.Context) (conn *sql.Conn, release func(), err error) {
	if s.closed.Load() {
		return nil, nil, storage.ErrClosed
	}
	s.pool.requests.Add(1)

	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	conn, err = s.db.Conn(acquireCtx)
	cancel()

	switch {
	case err == nil:
		// Liveness check; replace dead connections before handoff.
		if pingErr := conn.PingContext(ctx); pingErr != nil {
			s.pool.deadReplacements.Add(1)
			_ = conn.Close()
			conn, err = s.db.Conn(ctx)
			if err != nil {
				s.pool.failures.Add(1)
				return nil, nil, fmt.Errorf("replace dead connection: %w", err)
			}
		}
		s.pool.successes.Add(1)
		return conn, func() { _ = conn.Close() }, nil

	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && s.overflow != nil:
		// Pool exhausted: fall through to a transient overflow connection.
		s.pool.exhaustions.Add(1)
		conn, err = s.overflow.Conn(ctx)
		if err != nil {
			s.pool.failures.Add(1)
			return nil, nil, fmt.Errorf("open overflow connection: %w", err)
		}
		s.pool.successes.Add(1)
		return conn, func() { _ = conn.Close() }, nil

	default:
		s.pool.failures.Add(1)
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}
}

// withConn runs fn on a pooled connection inside the statement timeout,
// retrying once on a dead connection.
func (s *Store) withConn(ctx context.Context, fn func(ctx context.Context, r runner) error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// Ambient transaction: reuse its connection instead of acquiring.
	if tx := txFromContext(ctx); tx != nil {
		return fn(ctx, tx.monitored())
	}

	run := func() error {
		conn, release, err := s.acquire(ctx)
		if err != nil {
			return err
		}
		defer release()
		return fn(ctx, &monitoredRunner{r: conn, s: s})
	}

	err := run()
	if err != nil && errors.Is(err, driver.ErrBadConn) {
		s.pool.deadReplacements.Add(1)
		err = run()
	}
	return err
}

// withTimeout applies the default statement timeout unless the caller
// already set an earlier deadline.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= s.timeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// runner abstracts *sql.Conn and *sql.Tx for the CRUD helpers.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// monitoredRunner wraps a runner with the statement monitor: every statement
// is timed, failures and >1s statements are counted.
type monitoredRunner struct {
	r runner
	s *Store
}

func (m *monitoredRunner) observe(start time.Time, err error) {
	elapsed := time.Since(start)
	m.s.monMu.Lock()
	m.s.mon.Total++
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		m.s.mon.Failed++
	}
	if elapsed > slowQueryThreshold {
		m.s.mon.Slow++
	}
	m.s.monMu.Unlock()
	if elapsed > slowQueryThreshold {
		m.s.log.Warn("slow query", "elapsed", elapsed.String())
	}
}

func (m *monitoredRunner) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := m.r.ExecContext(ctx, query, args...)
	m.observe(start, err)
	return res, err
}

func (m *monitoredRunner) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := m.r.QueryContext(ctx, query, args...)
	m.observe(start, err)
	return rows, err
}

func (m *monitoredRunner) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	start := time.Now()
	row := m.r.QueryRowContext(ctx, query, args...)
	m.observe(start, nil)
	return row
}

// PoolStats returns a snapshot of the pool counters.
func (s *Store) PoolStats() storage.PoolStats {
	return storage.PoolStats{
		Requests:         s.pool.requests.Load(),
		Successes:        s.pool.successes.Load(),
		Failures:         s.pool.failures.Load(),
		Exhaustions:      s.pool.exhaustions.Load(),
		DeadReplacements: s.pool.deadReplacements.Load(),
	}
}

// QueryStats returns a snapshot of the statement monitor counters.
func (s *Store) QueryStats() storage.QueryStats {
	s.monMu.Lock()
	defer s.monMu.Unlock()
	return s.mon
}

// Path returns the datastore file path.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying handle for the backup manager and migrations.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases both connection handles. Safe to call twice.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	var errs []error
	if s.overflow != nil {
		if err := s.overflow.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
