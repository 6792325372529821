// Package dispatcher polls the job store, admits work under the two-tier
// concurrency caps and drives each admitted job through run, export and
// transfer.
package dispatcher

import (
	"crypto/rand"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/fairyhunter13/dbexport/internal/adapter/export"
	"github.com/fairyhunter13/dbexport/internal/adapter/observability"
	"github.com/fairyhunter13/dbexport/internal/config"
	"github.com/fairyhunter13/dbexport/internal/domain"
)

// Dispatcher owns the poll loop. One instance runs per processor process; the
// generation string stamped on claims ties persisted rows to this instance
// for crash recovery.
type Dispatcher struct {
	Store    domain.JobStore
	Settings domain.SettingsStore
	Runner   domain.QueryRunner
	Exports  *export.Factory
	Transfer domain.TransferAgent
	Cfg      config.Config

	generation string
	gate       *semaphore.Weighted
	slots      *Slots
	kick       chan struct{}
	wg         sync.WaitGroup
}

// New constructs a Dispatcher with a fresh process generation.
func New(store domain.JobStore, settings domain.SettingsStore, runner domain.QueryRunner,
	exports *export.Factory, transfer domain.TransferAgent, cfg config.Config) *Dispatcher {
	return &Dispatcher{
		Store:      store,
		Settings:   settings,
		Runner:     runner,
		Exports:    exports,
		Transfer:   transfer,
		Cfg:        cfg,
		generation: ulid.Make().String(),
		gate:       semaphore.NewWeighted(int64(cfg.GlobalMaxParallelQueries)),
		slots:      NewSlots(),
		kick:       make(chan struct{}, 1),
	}
}

// Generation returns the process generation stamped on claims.
func (d *Dispatcher) Generation() string { return d.generation }

// Run executes recovery, then polls until ctx is canceled. On shutdown it
// waits up to the grace period for in-flight workers; jobs still running
// after that are left to the next start's recovery.
func (d *Dispatcher) Run(ctx domain.Context) {
	log := slog.With(slog.String("generation", d.generation))
	log.Info("dispatcher starting",
		slog.Int("global_cap", d.Cfg.GlobalMaxParallelQueries),
		slog.Duration("interval", d.Cfg.ListenerInterval()))

	d.recoverOrphans(ctx)
	d.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			d.drain(log)
			return
		case <-time.After(jitter(d.Cfg.ListenerInterval())):
			d.poll(ctx)
		case <-d.kick:
			d.poll(ctx)
		}
	}
}

// poll publishes the status snapshot and admits every currently admissible
// job.
func (d *Dispatcher) poll(ctx domain.Context) {
	if ctx.Err() != nil {
		return
	}
	if counts, err := d.Store.CurrentCounts(ctx); err == nil {
		observability.ObserveCounts(counts)
	} else {
		slog.Warn("could not read status counts", slog.Any("error", err))
	}

	for d.admitOne(ctx) {
	}
}

// admitOne claims and launches at most one job. It reports whether the loop
// should try again immediately.
func (d *Dispatcher) admitOne(ctx domain.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if !d.gate.TryAcquire(1) {
		return false
	}

	job, err := d.Store.ClaimNext(ctx, domain.ClaimLimits{
		Generation:     d.generation,
		GlobalCap:      d.Cfg.GlobalMaxParallelQueries,
		DefaultUserCap: d.Cfg.DefaultMaxParallelQueries,
	})
	if err != nil {
		d.gate.Release(1)
		if !isNoJob(err) {
			slog.Error("claim failed", slog.Any("error", err))
		}
		return false
	}
	observability.JobsClaimedTotal.Inc()

	settings, err := d.Settings.GetForUser(ctx, job.UserID)
	if err != nil {
		slog.Error("could not load user settings",
			slog.Int64("job_id", job.ID), slog.Any("error", err))
		d.gate.Release(1)
		d.failJob(ctx, job, domain.WrapErr(domain.KindInternal, err))
		return true
	}

	if !d.slots.TryAcquire(job.UserID, settings.MaxParallelQueries) {
		// Stays queued; the store already counts it against the user's cap,
		// so a later poll re-admits it once a slot frees.
		d.gate.Release(1)
		return false
	}

	if err := d.Store.Transition(ctx, job.ID, domain.StatusRunning, domain.TransitionFields{}); err != nil {
		slog.Error("could not start job", slog.Int64("job_id", job.ID), slog.Any("error", err))
		d.slots.Release(job.UserID)
		d.gate.Release(1)
		return true
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.gate.Release(1)
		defer d.slots.Release(job.UserID)
		d.runJob(ctx, job, settings)
		select {
		case d.kick <- struct{}{}:
		default:
		}
	}()
	return true
}

// recoverOrphans returns rows orphaned by previous runs to pending before
// the first poll, so a crashed instance's jobs restart instead of hanging.
func (d *Dispatcher) recoverOrphans(ctx domain.Context) {
	ids, err := d.Store.ReclaimStale(ctx, d.generation, d.Cfg.StaleThreshold())
	if err != nil {
		slog.Error("recovery failed", slog.Any("error", err))
		return
	}
	if len(ids) > 0 {
		slog.Info("recovery reclaimed orphaned jobs",
			slog.Int("count", len(ids)), slog.Any("job_ids", ids))
	}
}

func (d *Dispatcher) drain(log *slog.Logger) {
	log.Info("dispatcher stopping, waiting for in-flight jobs",
		slog.Duration("grace", d.Cfg.ShutdownGrace()))
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("dispatcher stopped clean")
	case <-time.After(d.Cfg.ShutdownGrace()):
		log.Warn("shutdown grace expired with jobs in flight; recovery will reclaim them")
	}
}

func isNoJob(err error) bool {
	return errors.Is(err, domain.ErrNoClaimableJob)
}

// jitter spreads poll ticks by up to ten percent either way so restarted
// replicas do not align their claim storms.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	span := int64(d) / 5
	if span <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return d
	}
	return d - time.Duration(span/2) + time.Duration(n.Int64())
}
