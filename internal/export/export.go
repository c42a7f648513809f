// Package export round-trips the durable entity tables through JSONL:
// one Record per line, workers first, then subsystems, god packs, test
// results, and heartbeats. A manifest sidecar records what was written.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rerollkit/packtrack/internal/eventbus"
	"github.com/rerollkit/packtrack/internal/storage"
	"github.com/rerollkit/packtrack/internal/types"
)

// Record kinds, in the order they appear in an export stream.
const (
	KindWorker     = "worker"
	KindSubsystem  = "subsystem"
	KindGodPack    = "godpack"
	KindTestResult = "test_result"
	KindHeartbeat  = "heartbeat"
)

// Record is one JSONL line.
type Record struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Manifest describes one completed export.
type Manifest struct {
	ExportedAt time.Time      `json:"exported_at"`
	Source     string         `json:"source,omitempty"`
	Counts     map[string]int `json:"counts"`
	Complete   bool           `json:"complete"`
}

// Result tallies one import.
type Result struct {
	Workers     int
	Subsystems  int
	GodPacks    int
	TestResults int
	Heartbeats  int
	Skipped     int
	Errors      []error
}

// Total is the number of records applied.
func (r *Result) Total() int {
	return r.Workers + r.Subsystems + r.GodPacks + r.TestResults + r.Heartbeats
}

// Service exports and imports entity data.
type Service struct {
	store storage.Storage
	bus   *eventbus.Bus
	log   *slog.Logger
	now   func() time.Time
}

// Options configure a Service.
type Options struct {
	Store  storage.Storage
	Bus    *eventbus.Bus
	Logger *slog.Logger
	Now    func() time.Time
}

func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{store: opts.Store, bus: opts.Bus, log: opts.Logger, now: opts.Now}
}

// Export streams every durable entity to out as JSONL.
func (s *Service) Export(ctx context.Context, out io.Writer) (*Manifest, error) {
	manifest := &Manifest{
		ExportedAt: s.now(),
		Source:     s.store.Path(),
		Counts:     map[string]int{},
		Complete:   true,
	}
	enc := json.NewEncoder(out)
	emit := func(kind string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", kind, err)
		}
		if err := enc.Encode(Record{Kind: kind, Data: data}); err != nil {
			return err
		}
		manifest.Counts[kind]++
		return nil
	}

	workers, err := s.store.ListWorkers(ctx, storage.WorkerFilter{})
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	for _, w := range workers {
		if err := emit(KindWorker, w); err != nil {
			return nil, err
		}
	}
	for _, w := range workers {
		subs, err := s.store.ListSubsystems(ctx, w.ID)
		if err != nil {
			return nil, fmt.Errorf("list subsystems: %w", err)
		}
		for _, sub := range subs {
			if err := emit(KindSubsystem, sub); err != nil {
				return nil, err
			}
		}
	}

	gps, err := s.store.ListGodPacksByState(ctx,
		types.GPTesting, types.GPAlive, types.GPDead, types.GPInvalid, types.GPExpired)
	if err != nil {
		return nil, fmt.Errorf("list godpacks: %w", err)
	}
	for _, gp := range gps {
		if err := emit(KindGodPack, gp); err != nil {
			return nil, err
		}
	}
	for _, gp := range gps {
		results, err := s.store.ListTestResults(ctx, gp.ID)
		if err != nil {
			return nil, fmt.Errorf("list test results: %w", err)
		}
		for _, tr := range results {
			if err := emit(KindTestResult, tr); err != nil {
				return nil, err
			}
		}
	}

	until := s.now().Add(time.Second)
	for _, w := range workers {
		hbs, err := s.store.ListHeartbeats(ctx, w.ID, time.Time{}, until)
		if err != nil {
			return nil, fmt.Errorf("list heartbeats: %w", err)
		}
		for _, hb := range hbs {
			if err := emit(KindHeartbeat, hb); err != nil {
				return nil, err
			}
		}
	}

	return manifest, nil
}

// ExportFile writes the JSONL export to path atomically, with a
// .manifest.json sidecar next to it.
func (s *Service) ExportFile(ctx context.Context, path string) (*Manifest, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return nil, fmt.Errorf("create temp export file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	bw := bufio.NewWriter(tmp)
	manifest, err := s.Export(ctx, bw)
	if err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("replace export file: %w", err)
	}
	if err := writeManifest(path, manifest); err != nil {
		return nil, err
	}

	ev := types.NewSystemEvent(types.EventDataExport, types.SeverityInfo, map[string]any{
		"path": path, "counts": manifest.Counts,
	})
	if err := s.store.AppendSystemEvent(ctx, ev); err != nil {
		s.log.Warn("record export event", "error", err)
	}
	s.publish(types.EventDataExport, map[string]any{"path": path, "counts": manifest.Counts})
	s.log.Info("export complete", "path", path, "records", total(manifest.Counts))
	return manifest, nil
}

// Import applies a JSONL stream. Entity records are idempotent on their
// message-id keys; records that fail to apply are collected in the
// result and skipped.
func (s *Service) Import(ctx context.Context, r io.Reader) (*Result, error) {
	res := &Result{}
	var workers []*types.Worker

	err := s.store.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
		line := 0
		for scanner.Scan() {
			line++
			raw := strings.TrimSpace(scanner.Text())
			if raw == "" {
				continue
			}
			var rec Record
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("line %d: %w", line, err))
				res.Skipped++
				continue
			}
			if err := s.applyRecord(ctx, tx, &rec, res, &workers); err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("line %d (%s): %w", line, rec.Kind, err))
				res.Skipped++
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read import stream: %w", err)
		}

		// God-pack inserts bump discoverer counters; re-assert the
		// exported worker rows so totals land exactly as exported.
		for _, w := range workers {
			if err := tx.UpdateWorker(ctx, w); err != nil {
				return fmt.Errorf("restore worker %d: %w", w.ID, err)
			}
		}

		ev := types.NewSystemEvent(types.EventDataImport, types.SeverityInfo, map[string]any{
			"records": res.Total(), "skipped": res.Skipped,
		})
		return tx.AppendSystemEvent(ctx, ev)
	})
	if err != nil {
		return res, err
	}
	s.publish(types.EventDataImport, map[string]any{"records": res.Total(), "skipped": res.Skipped})
	s.log.Info("import complete", "records", res.Total(), "skipped", res.Skipped)
	return res, nil
}

// ImportFile applies a JSONL export file.
func (s *Service) ImportFile(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return s.Import(ctx, f)
}

func (s *Service) applyRecord(ctx context.Context, tx storage.Tx, rec *Record, res *Result, workers *[]*types.Worker) error {
	switch rec.Kind {
	case KindWorker:
		var w types.Worker
		if err := json.Unmarshal(rec.Data, &w); err != nil {
			return err
		}
		err := tx.CreateWorker(ctx, &w)
		if errors.Is(err, storage.ErrDuplicate) {
			err = tx.UpdateWorker(ctx, &w)
		}
		if err != nil {
			return err
		}
		*workers = append(*workers, &w)
		res.Workers++
	case KindSubsystem:
		var sub types.Subsystem
		if err := json.Unmarshal(rec.Data, &sub); err != nil {
			return err
		}
		if err := tx.UpsertSubsystem(ctx, &sub); err != nil {
			return err
		}
		res.Subsystems++
	case KindGodPack:
		var gp types.GodPack
		if err := json.Unmarshal(rec.Data, &gp); err != nil {
			return err
		}
		gp.ID = 0
		created, err := tx.CreateGodPack(ctx, &gp)
		if err != nil {
			return err
		}
		if !created {
			res.Skipped++
			return nil
		}
		res.GodPacks++
	case KindTestResult:
		var tr types.TestResult
		if err := json.Unmarshal(rec.Data, &tr); err != nil {
			return err
		}
		dup, err := s.hasTestResult(ctx, tx, &tr)
		if err != nil {
			return err
		}
		if dup {
			res.Skipped++
			return nil
		}
		tr.ID = 0
		if err := tx.AddTestResult(ctx, &tr); err != nil {
			return err
		}
		res.TestResults++
	case KindHeartbeat:
		var hb types.Heartbeat
		if err := json.Unmarshal(rec.Data, &hb); err != nil {
			return err
		}
		hb.ID = 0
		inserted, err := tx.InsertHeartbeat(ctx, &hb)
		if err != nil {
			return err
		}
		if !inserted {
			res.Skipped++
			return nil
		}
		res.Heartbeats++
	default:
		return fmt.Errorf("unknown record kind %q", rec.Kind)
	}
	return nil
}

// hasTestResult guards re-imports: test results carry no idempotency key,
// so an existing row with the same gp, worker, kind, and timestamp counts
// as already applied.
func (s *Service) hasTestResult(ctx context.Context, tx storage.Tx, tr *types.TestResult) (bool, error) {
	existing, err := tx.ListTestResults(ctx, tr.GPID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	for _, e := range existing {
		if e.WorkerID == tr.WorkerID && e.Kind == tr.Kind && e.Timestamp.Equal(tr.Timestamp) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) publish(typ types.EventType, payload map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(types.BusEvent{Type: typ, Timestamp: s.now(), Payload: payload})
}

// writeManifest writes the manifest sidecar atomically next to the
// export file.
func writeManifest(jsonlPath string, manifest *Manifest) error {
	manifestPath := strings.TrimSuffix(jsonlPath, ".jsonl") + ".manifest.json"
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	dir := filepath.Dir(manifestPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(manifestPath)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp manifest file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	_ = tmp.Close()
	if err := os.Rename(tmpPath, manifestPath); err != nil {
		return fmt.Errorf("replace manifest file: %w", err)
	}
	return nil
}

func total(counts map[string]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}
