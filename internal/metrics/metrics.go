// Package metrics batches counter and summary observations in memory and
// periodically flushes them to the SQLite database that also holds the
// artifact index. Only monotonic counters and (count,sum,min,max) summaries
// are supported.
package metrics

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Counter names.
const (
	CounterArtifactsProtected      = "artifacts_protected_total"
	CounterArtifactsUnprotected    = "artifacts_unprotected_total"
	CounterModelsTrained           = "models_trained_total"
	CounterPredictions             = "predictions_total"
	CounterArtifactsExpiredDeleted = "artifacts_expired_deleted_total"
	// CounterEventsDropped is maintained by the Manager itself.
	CounterEventsDropped = "metrics_events_dropped_total"
)

// Summary names.
const (
	SummaryProtectBytes           = "protect_bytes"
	SummaryJanitorDeletedPerCycle = "janitor_deleted_per_cycle"
)

// Config controls flush cadence, buffering and logging.
type Config struct {
	FlushInterval time.Duration
	Buffer        int // event channel capacity; default 1024
	Logger        *slog.Logger
}

// Summary aggregates observations of one named value.
type Summary struct {
	Count int64 `json:"count"`
	Sum   int64 `json:"sum"`
	Min   int64 `json:"min"`
	Max   int64 `json:"max"`
}

func (s *Summary) add(o Summary) {
	if s.Count == 0 {
		*s = o
		return
	}
	if o.Count == 0 {
		return
	}
	s.Count += o.Count
	s.Sum += o.Sum
	s.Min = min(s.Min, o.Min)
	s.Max = max(s.Max, o.Max)
}

// Snapshot is the persisted state with unflushed deltas layered on top.
type Snapshot struct {
	Counters  map[string]int64   `json:"counters"`
	Summaries map[string]Summary `json:"summaries"`
}

// Manager aggregates metric events and flushes them. Inc and Observe never
// block; events arriving while the buffer is full are counted as dropped.
type Manager struct {
	cfg    Config
	db     *sql.DB
	log    *slog.Logger
	events chan event
	stop   chan struct{}
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	dropped   atomic.Int64

	mu        sync.Mutex
	counters  map[string]int64
	summaries map[string]Summary
}

type event struct {
	observe bool
	name    string
	v       int64
}

// New returns a Manager writing to db. Call InitSchema before use.
func New(db *sql.DB, cfg Config) *Manager {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		db:        db,
		log:       cfg.Logger.With("domain", "metrics"),
		events:    make(chan event, cfg.Buffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		counters:  make(map[string]int64),
		summaries: make(map[string]Summary),
	}
}

// InitSchema creates the metrics tables if absent.
func (m *Manager) InitSchema(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS metrics_counters (
	name TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS metrics_summaries (
	name TEXT PRIMARY KEY,
	count INTEGER NOT NULL,
	sum INTEGER NOT NULL,
	min INTEGER NOT NULL,
	max INTEGER NOT NULL
);`
	_, err := m.db.ExecContext(ctx, ddl)
	return err
}

// Start launches the flush loop. Further calls are no-ops.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.started.Store(true)
		go m.loop(ctx)
	})
}

// Stop ends the loop, applies buffered events and performs a final flush.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() {
		if m.started.Load() {
			close(m.stop)
			<-m.done
		}
		m.drain()
		if err := m.flush(ctx); err != nil {
			m.log.Error("final flush", "error", err)
		}
	})
}

// Inc increments a counter. Non-positive deltas are ignored.
func (m *Manager) Inc(name string, delta int64) {
	if delta <= 0 {
		return
	}
	m.send(event{name: name, v: delta})
}

// Observe records a summary observation.
func (m *Manager) Observe(name string, value int64) {
	m.send(event{observe: true, name: name, v: value})
}

func (m *Manager) send(ev event) {
	select {
	case m.events <- ev:
	default:
		m.dropped.Add(1)
	}
}

func (m *Manager) loop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer func() {
		ticker.Stop()
		close(m.done)
	}()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("metrics stop", "reason", "context_cancel")
			return
		case <-m.stop:
			m.log.Info("metrics stop", "reason", "stop_signal")
			return
		case ev := <-m.events:
			m.apply(ev)
		case <-ticker.C:
			if err := m.flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Error("flush", "error", err)
			}
		}
	}
}

// drain applies every buffered event without blocking.
func (m *Manager) drain() {
	for {
		select {
		case ev := <-m.events:
			m.apply(ev)
		default:
			return
		}
	}
}

func (m *Manager) apply(ev event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !ev.observe {
		m.counters[ev.name] += ev.v
		return
	}
	s := m.summaries[ev.name]
	s.add(Summary{Count: 1, Sum: ev.v, Min: ev.v, Max: ev.v})
	m.summaries[ev.name] = s
}

// Snapshot reads persisted state and layers unflushed deltas on top.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Counters: map[string]int64{}, Summaries: map[string]Summary{}}
	if err := m.readCounters(ctx, snap.Counters); err != nil {
		return Snapshot{}, err
	}
	if err := m.readSummaries(ctx, snap.Summaries); err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	for n, v := range m.counters {
		snap.Counters[n] += v
	}
	for n, s := range m.summaries {
		cur := snap.Summaries[n]
		cur.add(s)
		snap.Summaries[n] = cur
	}
	m.mu.Unlock()
	if d := m.dropped.Load(); d > 0 {
		snap.Counters[CounterEventsDropped] += d
	}
	return snap, nil
}

func (m *Manager) readCounters(ctx context.Context, into map[string]int64) error {
	rows, err := m.db.QueryContext(ctx, `SELECT name, value FROM metrics_counters`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var n string
		var v int64
		if err := rows.Scan(&n, &v); err != nil {
			return err
		}
		into[n] = v
	}
	return rows.Err()
}

func (m *Manager) readSummaries(ctx context.Context, into map[string]Summary) error {
	rows, err := m.db.QueryContext(ctx, `SELECT name, count, sum, min, max FROM metrics_summaries`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var n string
		var s Summary
		if err := rows.Scan(&n, &s.Count, &s.Sum, &s.Min, &s.Max); err != nil {
			return err
		}
		into[n] = s
	}
	return rows.Err()
}

// flush writes in-memory deltas in one transaction. On failure the deltas
// are merged back so the next flush retries them.
func (m *Manager) flush(ctx context.Context) error {
	m.mu.Lock()
	if len(m.counters) == 0 && len(m.summaries) == 0 {
		m.mu.Unlock()
		return nil
	}
	counters, summaries := m.counters, m.summaries
	m.counters = make(map[string]int64)
	m.summaries = make(map[string]Summary)
	m.mu.Unlock()

	if err := m.write(ctx, counters, summaries); err != nil {
		m.restore(counters, summaries)
		return err
	}
	return nil
}

func (m *Manager) write(ctx context.Context, counters map[string]int64, summaries map[string]Summary) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	const upCounter = `INSERT INTO metrics_counters(name,value) VALUES(?,?)
ON CONFLICT(name) DO UPDATE SET value = value + excluded.value`
	for name, delta := range counters {
		if _, err := tx.ExecContext(ctx, upCounter, name, delta); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	const upSummary = `INSERT INTO metrics_summaries(name,count,sum,min,max) VALUES(?,?,?,?,?)
ON CONFLICT(name) DO UPDATE SET count = metrics_summaries.count + excluded.count,
sum = metrics_summaries.sum + excluded.sum,
min = MIN(metrics_summaries.min, excluded.min),
max = MAX(metrics_summaries.max, excluded.max)`
	for name, s := range summaries {
		if _, err := tx.ExecContext(ctx, upSummary, name, s.Count, s.Sum, s.Min, s.Max); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (m *Manager) restore(counters map[string]int64, summaries map[string]Summary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n, v := range counters {
		m.counters[n] += v
	}
	for n, s := range summaries {
		cur := m.summaries[n]
		cur.add(s)
		m.summaries[n] = cur
	}
}
