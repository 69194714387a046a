// Package scheduler runs the settlement jobs periodically, one goroutine per
// job per tick, each guarded by an advisory lock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"settlehub/observability"
)

var (
	// ErrUnknownJob is returned when triggering a job that was never registered.
	ErrUnknownJob = errors.New("scheduler: unknown job")
	// ErrJobLocked is returned when the job's lock is held by another run.
	ErrJobLocked = errors.New("scheduler: job locked")
)

// JobFunc performs one run of a job.
type JobFunc func(ctx context.Context) error

type job struct {
	name   string
	run    JobFunc
	manual bool
}

// Scheduler owns the registered jobs and their run loop.
type Scheduler struct {
	locker   Locker
	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger
	metrics  *observability.SettlementMetrics
	tracer   trace.Tracer
	runs     metric.Int64Counter
	clock    func() time.Time

	mu   sync.RWMutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger installs a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.SettlementMetrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock sets the function used to time runs.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New constructs a scheduler ticking every interval with locks held for at most ttl.
func New(locker Locker, interval, ttl time.Duration, opts ...Option) (*Scheduler, error) {
	if locker == nil {
		return nil, fmt.Errorf("scheduler: locker required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("scheduler: interval must be positive")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("scheduler: lock ttl must be positive")
	}
	meter := otel.GetMeterProvider().Meter("settlehub/settled/scheduler")
	runs, err := meter.Int64Counter("settlehub.job.runs")
	if err != nil {
		runs, _ = noop.NewMeterProvider().Meter("settlehub/settled/scheduler").Int64Counter("settlehub.job.runs")
	}
	s := &Scheduler{
		locker:   locker,
		interval: interval,
		ttl:      ttl,
		logger:   slog.Default(),
		metrics:  observability.Settlement(),
		tracer:   otel.Tracer("settlehub/settled/scheduler"),
		runs:     runs,
		clock:    time.Now,
		jobs:     map[string]*job{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Register adds a job run on every tick.
func (s *Scheduler) Register(name string, fn JobFunc) error {
	return s.add(&job{name: name, run: fn})
}

// RegisterManual adds a job that only runs through Trigger.
func (s *Scheduler) RegisterManual(name string, fn JobFunc) error {
	return s.add(&job{name: name, run: fn, manual: true})
}

func (s *Scheduler) add(j *job) error {
	if j.name == "" || j.run == nil {
		return fmt.Errorf("scheduler: job name and function required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.name]; exists {
		return fmt.Errorf("scheduler: job %s already registered", j.name)
	}
	s.jobs[j.name] = j
	return nil
}

// Jobs lists the registered job names in order.
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run ticks until ctx is cancelled and then waits for in-flight runs.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("scheduler started", "jobs", len(s.Jobs()), "interval", s.interval.String())
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick starts one run of every periodic job without waiting for them.
func (s *Scheduler) Tick(ctx context.Context) {
	for _, name := range s.Jobs() {
		j := s.lookup(name)
		if j == nil || j.manual {
			continue
		}
		s.wg.Add(1)
		go func(j *job) {
			defer s.wg.Done()
			if err := s.execute(ctx, j); err != nil && !errors.Is(err, ErrJobLocked) {
				s.logger.Error("job run failed", "job", j.name, "error", err)
			}
		}(j)
	}
}

// Wait blocks until every started run has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Trigger runs the named job now, through the same lock as periodic runs.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	j := s.lookup(name)
	if j == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, j)
}

func (s *Scheduler) lookup(name string) *job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[name]
}

func (s *Scheduler) execute(ctx context.Context, j *job) (err error) {
	token, err := s.locker.TryLock(ctx, j.name, s.ttl)
	if err != nil {
		s.record(ctx, j.name, "lock_error", 0)
		return fmt.Errorf("lock %s: %w", j.name, err)
	}
	if token == "" {
		s.metrics.RecordJobSkip(j.name)
		s.logger.Debug("job still running, skipped", "job", j.name)
		return fmt.Errorf("%w: %s", ErrJobLocked, j.name)
	}
	defer func() {
		if unlockErr := s.locker.Unlock(context.WithoutCancel(ctx), j.name, token); unlockErr != nil {
			s.logger.Warn("job unlock failed", "job", j.name, "error", unlockErr)
		}
	}()

	ctx, span := s.tracer.Start(ctx, "job."+j.name, trace.WithAttributes(attribute.String("job", j.name)))
	defer span.End()
	start := s.clock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: job %s panicked: %v", j.name, r)
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.record(ctx, j.name, outcome, s.clock().Sub(start))
	}()
	return j.run(ctx)
}

func (s *Scheduler) record(ctx context.Context, name, outcome string, duration time.Duration) {
	s.metrics.ObserveJob(name, outcome, duration)
	s.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("job", name), attribute.String("outcome", outcome)))
}
