// Package scheduler runs the periodic sync jobs. Each job owns a cycle token:
// a tick or trigger that finds the previous cycle still running is dropped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"attendsync/internal/errs"
	"attendsync/internal/logging"
	"attendsync/internal/metrics"
)

// ErrUnknownJob is returned when triggering a job that was never added.
var ErrUnknownJob = errors.New("scheduler: unknown job")

// Job names used by the worker.
const (
	JobAttendance = "attendance"
	JobReference  = "reference"
	JobCleanup    = "cleanup"
)

// Job is one periodic unit of work.
type Job struct {
	Name string
	// Spec is a cron expression or descriptor such as "@every 5m".
	Spec string
	// Deadline bounds one cycle; zero means no deadline.
	Deadline time.Duration
	Run      func(ctx context.Context) error
}

type job struct {
	Job
	running atomic.Bool
}

// Prober reports whether the remote side is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// ProbeConfig wires the connectivity probe. OnReconnect jobs are triggered
// when a probe succeeds after the previous one failed.
type ProbeConfig struct {
	Prober      Prober
	Every       time.Duration
	Timeout     time.Duration
	OnReconnect []string
}

// Scheduler owns the cron runner and the per-job cycle tokens.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]*job
	probe   ProbeConfig
	online  atomic.Bool
	probing atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Cycles run under a context derived from ctx and
// cancelled by Stop.
func New(ctx context.Context) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	logger := cronLogger{}
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger))),
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers j. Jobs without a Spec are trigger-only.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return errors.New("scheduler: job needs a name and a run func")
	}
	if _, dup := s.jobs[j.Name]; dup {
		return fmt.Errorf("scheduler: job %q already added", j.Name)
	}
	entry := &job{Job: j}
	if j.Spec != "" {
		if _, err := s.cron.AddFunc(j.Spec, func() { s.tick(entry) }); err != nil {
			return errs.Wrapf(err, "schedule job %s", j.Name)
		}
	}
	s.jobs[j.Name] = entry
	return nil
}

// WithProbe installs the connectivity probe. Call before Start.
func (s *Scheduler) WithProbe(cfg ProbeConfig) error {
	if cfg.Prober == nil {
		return errors.New("scheduler: probe needs a prober")
	}
	if cfg.Every <= 0 {
		cfg.Every = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	s.probe = cfg
	s.cron.Schedule(cron.Every(cfg.Every), cron.FuncJob(func() { s.Probe(s.ctx) }))
	return nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	logging.Info(s.ctx, "scheduler started", slog.Int("jobs", len(s.jobs)))
	s.cron.Start()
}

// Stop cancels running cycles and waits for them to return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.Info(ctx, "scheduler stopped")
		return nil
	case <-ctx.Done():
		return errs.Wrap(ctx.Err(), "wait for running cycles")
	}
}

// Online reports the result of the last connectivity probe.
func (s *Scheduler) Online() bool { return s.online.Load() }

// RunCycle runs job name synchronously. It returns false without running when
// a cycle of the same job is already in progress.
func (s *Scheduler) RunCycle(ctx context.Context, name string) (bool, error) {
	j, ok := s.jobs[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !j.running.CompareAndSwap(false, true) {
		s.skipped(j)
		return false, nil
	}
	defer j.running.Store(false)
	return true, s.run(ctx, j)
}

// Trigger starts job name in the background. It returns false when a cycle
// of that job is already running.
func (s *Scheduler) Trigger(name string) (bool, error) {
	j, ok := s.jobs[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !j.running.CompareAndSwap(false, true) {
		s.skipped(j)
		return false, nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.running.Store(false)
		_ = s.run(s.ctx, j)
	}()
	return true, nil
}

// Probe pings the remote side once and triggers the reconnect jobs on an
// offline to online transition. The scheduler starts out offline, so the
// first successful probe also triggers them.
func (s *Scheduler) Probe(ctx context.Context) bool {
	if s.probe.Prober == nil || !s.probing.CompareAndSwap(false, true) {
		return false
	}
	defer s.probing.Store(false)

	pctx, cancel := context.WithTimeout(ctx, s.probe.Timeout)
	err := s.probe.Prober.Ping(pctx)
	cancel()

	online := err == nil
	was := s.online.Swap(online)
	if online {
		metrics.Online.Set(1)
	} else {
		metrics.Online.Set(0)
	}

	switch {
	case online && !was:
		logging.Info(ctx, "connectivity restored")
		for _, name := range s.probe.OnReconnect {
			if _, err := s.Trigger(name); err != nil {
				logging.Error(ctx, "reconnect trigger failed", slog.String("job", name), slog.Any("err", errs.Loggable(err)))
			}
		}
		return true
	case !online && was:
		logging.Warn(ctx, "connectivity lost", slog.Any("err", errs.Loggable(err)))
	}
	return false
}

func (s *Scheduler) tick(j *job) {
	if !j.running.CompareAndSwap(false, true) {
		s.skipped(j)
		return
	}
	defer j.running.Store(false)
	_ = s.run(s.ctx, j)
}

func (s *Scheduler) run(ctx context.Context, j *job) error {
	ctx = logging.WithAttrs(ctx, slog.String("job", j.Name))
	if j.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Deadline)
		defer cancel()
	}

	start := time.Now()
	err := j.Run(ctx)
	elapsed := time.Since(start)
	metrics.CycleDuration.WithLabelValues(j.Name).Observe(elapsed.Seconds())

	if err != nil {
		logging.Error(ctx, "sync cycle failed", slog.Duration("elapsed", elapsed), slog.Any("err", errs.Loggable(err)))
		return err
	}
	logging.Debug(ctx, "sync cycle finished", slog.Duration("elapsed", elapsed))
	return nil
}

func (s *Scheduler) skipped(j *job) {
	metrics.CyclesSkipped.WithLabelValues(j.Name).Inc()
	logging.Debug(s.ctx, "cycle still running, skipping", slog.String("job", j.Name))
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Logger().Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logging.Logger().Error("cron: "+msg, append([]interface{}{"err", err}, keysAndValues...)...)
}
