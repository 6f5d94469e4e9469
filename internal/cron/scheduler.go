// Package cron runs the daemon's periodic maintenance: reconciling the task
// index with the files on disk and pruning the transition journal.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/persistence"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 5m" or "@daily".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

const defaultPruneSpec = "@daily"

// Reindexer rebuilds the task index from storage.
type Reindexer interface {
	Reindex(ctx context.Context) error
	IndexSize() (collections, tasks int)
}

// Reconciler forgets scheduler state that no longer matches the store.
type Reconciler interface {
	Reconcile(ctx context.Context) int
}

// Pruner drops journal rows older than a retention window.
type Pruner interface {
	Prune(ctx context.Context, days int) (persistence.PruneResult, error)
}

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Store         Reindexer
	Journal       Pruner     // optional
	Claims        Reconciler // optional, runs after each resync
	ResyncSpec    string
	PruneSpec     string // defaults to @daily
	RetentionDays int    // <= 0 disables pruning
	Logger        *slog.Logger
	Metrics       *otel.Metrics
}

// Scheduler owns a robfig/cron runner with the resync and prune jobs.
type Scheduler struct {
	store         Reindexer
	journal       Pruner
	claims        Reconciler
	retentionDays int
	logger        *slog.Logger
	metrics       *otel.Metrics

	runner *cronlib.Cron
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler validates the schedules and registers the jobs. Nothing runs
// until Start.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("cron: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otel.DiscardMetrics()
	}
	s := &Scheduler{
		store:         cfg.Store,
		journal:       cfg.Journal,
		claims:        cfg.Claims,
		retentionDays: cfg.RetentionDays,
		logger:        logger,
		metrics:       metrics,
		ctx:           context.Background(),
	}
	s.runner = cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithLogger(slogAdapter{logger}),
		cronlib.WithChain(cronlib.Recover(slogAdapter{logger}), cronlib.SkipIfStillRunning(slogAdapter{logger})),
	)

	if cfg.ResyncSpec != "" {
		if _, err := s.runner.AddFunc(cfg.ResyncSpec, func() { _ = s.Resync(s.jobContext()) }); err != nil {
			return nil, fmt.Errorf("cron: index_resync %q: %w", cfg.ResyncSpec, err)
		}
	}
	if cfg.Journal != nil && cfg.RetentionDays > 0 {
		spec := cfg.PruneSpec
		if spec == "" {
			spec = defaultPruneSpec
		}
		if _, err := s.runner.AddFunc(spec, func() { _, _ = s.Prune(s.jobContext()) }); err != nil {
			return nil, fmt.Errorf("cron: journal prune %q: %w", spec, err)
		}
	}
	return s, nil
}

// Jobs reports how many periodic jobs are registered.
func (s *Scheduler) Jobs() int { return len(s.runner.Entries()) }

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Start begins running jobs in the background until ctx is done or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.runner.Start()
	s.logger.Info("maintenance scheduler started", "component", "cron", "jobs", s.Jobs())
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.runner.Stop().Done()
	s.logger.Info("maintenance scheduler stopped", "component", "cron")
}

// Resync rebuilds the index once, then lets the claim tracker drop entries
// the rebuilt index no longer backs.
func (s *Scheduler) Resync(ctx context.Context) error {
	start := time.Now()
	if err := s.store.Reindex(ctx); err != nil {
		s.logger.Error("index resync failed", "component", "cron", "error", err)
		return err
	}
	s.metrics.IndexRebuilds.Add(ctx, 1)
	dropped := 0
	if s.claims != nil {
		dropped = s.claims.Reconcile(ctx)
	}
	collections, tasks := s.store.IndexSize()
	s.logger.Debug("index resynced", "component", "cron",
		"collections", collections, "tasks", tasks, "stale_claims", dropped,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Prune applies the retention window once. Without a journal or retention it
// is a no-op.
func (s *Scheduler) Prune(ctx context.Context) (persistence.PruneResult, error) {
	if s.journal == nil || s.retentionDays <= 0 {
		return persistence.PruneResult{}, nil
	}
	res, err := s.journal.Prune(ctx, s.retentionDays)
	if err != nil {
		s.logger.Error("journal prune failed", "component", "cron", "error", err)
		return res, err
	}
	s.logger.Info("journal pruned", "component", "cron",
		"retention_days", s.retentionDays, "transitions", res.Transitions, "audit_rows", res.AuditRows)
	return res, nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// slogAdapter satisfies cronlib.Logger.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Info(msg string, keysAndValues ...any) {
	a.l.Debug("cron: "+msg, append([]any{"component", "cron"}, keysAndValues...)...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...any) {
	a.l.Error("cron: "+msg, append([]any{"component", "cron", "error", err}, keysAndValues...)...)
}
