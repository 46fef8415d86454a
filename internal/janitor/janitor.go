// Package janitor runs the background cleanup of expired artifacts and
// orphan blob files, outside the request path.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haukened/sealml/internal/metrics"
)

// Store is the subset of the artifact store the janitor drives.
type Store interface {
	// DeleteExpired removes artifacts expiring before t and returns how many.
	DeleteExpired(ctx context.Context, t time.Time) (int, error)
	// Reconcile removes blob files no index row refers to.
	Reconcile(ctx context.Context) error
}

// Recorder receives per-cycle metrics. *metrics.Manager satisfies it.
type Recorder interface {
	Inc(name string, delta int64)
	Observe(name string, value int64)
}

// Config holds tunables for the Janitor.
type Config struct {
	Interval time.Duration // time between cycles; default one minute
	Logger   *slog.Logger
	Now      func() time.Time // defaults to time.Now
}

// Stats is a point-in-time view of the janitor's own counters.
type Stats struct {
	Cycles         uint64
	Deleted        uint64
	Errors         uint64
	LastCycle      time.Time
	LastDurationMS int64
}

// Janitor encapsulates the background cleanup loop.
type Janitor struct {
	store    Store
	recorder Recorder
	cfg      Config
	log      *slog.Logger

	mu    sync.Mutex
	stats Stats

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New constructs but does not start a Janitor. recorder may be nil.
func New(store Store, recorder Recorder, cfg Config) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Janitor{
		store:    store,
		recorder: recorder,
		cfg:      cfg,
		log:      cfg.Logger.With("domain", "janitor"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs one cycle immediately and then one per interval until ctx is
// cancelled or Stop is called.
func (j *Janitor) Start(ctx context.Context) {
	j.startOnce.Do(func() { go j.loop(ctx) })
}

// Stop signals the loop to exit and waits for it. Safe to call without Start.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	started := true
	j.startOnce.Do(func() { started = false })
	if started {
		<-j.doneCh
	}
}

// Stats returns a copy of the janitor counters.
func (j *Janitor) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

func (j *Janitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Interval)
	defer func() {
		ticker.Stop()
		close(j.doneCh)
	}()
	j.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			j.log.Info("janitor stop", "reason", "context_cancel")
			return
		case <-j.stopCh:
			j.log.Info("janitor stop", "reason", "stop_signal")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one expiry and orphan cleanup pass.
func (j *Janitor) RunCycle(ctx context.Context) {
	start := j.cfg.Now()
	failed := 0
	count, err := j.store.DeleteExpired(ctx, start.UTC())
	if err != nil && !errors.Is(err, context.Canceled) {
		failed++
		j.log.Error("delete expired", "error", err)
	}
	if err := j.store.Reconcile(ctx); err != nil && !errors.Is(err, context.Canceled) {
		failed++
		j.log.Error("reconcile", "error", err)
	}
	elapsed := j.cfg.Now().Sub(start)

	j.mu.Lock()
	j.stats.Cycles++
	j.stats.Deleted += uint64(max(count, 0))
	j.stats.Errors += uint64(failed)
	j.stats.LastCycle = start
	j.stats.LastDurationMS = elapsed.Milliseconds()
	j.mu.Unlock()

	if j.recorder != nil {
		j.recorder.Inc(metrics.CounterArtifactsExpiredDeleted, int64(count))
		j.recorder.Observe(metrics.SummaryJanitorDeletedPerCycle, int64(count))
	}
	if count > 0 || failed > 0 {
		j.log.Info("cycle complete", "deleted", count, "errors", failed, "ms", elapsed.Milliseconds())
	}
}
