package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"attendsync/internal/attendance"
	"attendsync/internal/capture"
	"attendsync/internal/config"
	"attendsync/internal/errs"
	"attendsync/internal/faceclient"
	"attendsync/internal/logging"
	"attendsync/internal/queue"
	"attendsync/internal/reconcile"
	"attendsync/internal/remote"
	"attendsync/internal/retention"
	"attendsync/internal/scheduler"
	"attendsync/internal/store"
	"attendsync/internal/validation"
)

// Worker owns the sync engine: it admits candidates from the capture queue,
// pushes pending events, refreshes reference data and sweeps old records.
func main() {
	cfg := config.Load()
	logging.Setup(cfg.Env, cfg.Debug)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Info(ctx, "shutdown signal received")
		cancel()
	}()

	local, err := store.OpenLocal(cfg.LocalDBPath)
	if err != nil {
		fatal(ctx, "open local store", err)
	}
	defer local.Close()

	db, err := store.OpenRemote(ctx, cfg.DatabaseURL, store.DefaultPool())
	switch {
	case errors.Is(err, store.ErrRemoteOffline):
		logging.Warn(ctx, "remote store not reachable, starting offline", slog.Any("err", errs.Loggable(err)))
	case err != nil:
		fatal(ctx, "configure remote store", err)
	}
	defer db.Close()
	rs := remote.New(db.Client)
	if err == nil && !cfg.Production() {
		if err := rs.Migrate(ctx); err != nil {
			logging.Warn(ctx, "remote migrate failed", slog.Any("err", errs.Loggable(err)))
		}
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		redisClient := store.NewRedis(cfg.RedisOptions())
		defer redisClient.Close()
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	}

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	validator := validation.New(cfg.ValidationURL, cfg.CallTimeout, cfg.ValidationSkip)

	// Check collaborators on startup; neither is required to keep capturing.
	if !cfg.FaceSkip {
		if err := face.Health(ctx); err != nil {
			logging.Warn(ctx, "face service not available", slog.Any("err", errs.Loggable(err)))
		}
	}
	if !cfg.ValidationSkip {
		if err := validator.Health(ctx); err != nil {
			logging.Warn(ctx, "validation service not available", slog.Any("err", errs.Loggable(err)))
		}
	}

	guard := attendance.NewGuard(local, attendance.GuardConfig{
		Threshold: cfg.ConfidenceThreshold,
		Window:    cfg.DedupWindow,
	})
	rec := reconcile.New(local, validator, rs, reconcile.Config{
		DeviceID:    cfg.DeviceID,
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		CallTimeout: cfg.CallTimeout,
	})
	refresher := reconcile.NewRefresher(local, rs, cfg.CallTimeout)

	mode, err := retention.ParseMode(cfg.RetentionMode)
	if err != nil {
		logging.Warn(ctx, "invalid retention mode, using delete", slog.String("mode", cfg.RetentionMode))
		mode = retention.ModeDelete
	}
	sweeper := retention.NewSweeper(local, mode)

	if n, err := rec.RecoverSubmitted(ctx); err != nil {
		logging.Error(ctx, "crash recovery incomplete", slog.Int("recovered", n), slog.Any("err", errs.Loggable(err)))
	} else if n > 0 {
		logging.Info(ctx, "recovered interrupted submissions", slog.Int("count", n))
	}

	sched := scheduler.New(ctx)
	jobs := []scheduler.Job{
		{
			Name:     scheduler.JobAttendance,
			Spec:     "@every " + cfg.AttendanceSyncInterval.String(),
			Deadline: cfg.SyncCycleDeadline,
			Run: func(ctx context.Context) error {
				_, err := rec.SyncBatch(ctx, attendance.ClassAttendance, cfg.SyncBatchSize)
				return err
			},
		},
		{
			Name:     scheduler.JobReference,
			Spec:     "@every " + cfg.ReferenceSyncInterval.String(),
			Deadline: cfg.SyncCycleDeadline,
			Run: func(ctx context.Context) error {
				_, err := refresher.Refresh(ctx)
				return err
			},
		},
		{
			Name:     scheduler.JobCleanup,
			Spec:     cfg.CleanupSchedule,
			Deadline: 4 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := sweeper.Sweep(ctx, cfg.RetentionHorizon)
				return err
			},
		},
	}
	for _, j := range jobs {
		if err := sched.Add(j); err != nil {
			fatal(ctx, "schedule job", err)
		}
	}
	if err := sched.WithProbe(scheduler.ProbeConfig{
		Prober:      rs,
		Every:       cfg.ProbeInterval,
		Timeout:     cfg.CallTimeout,
		OnReconnect: []string{scheduler.JobReference, scheduler.JobAttendance},
	}); err != nil {
		fatal(ctx, "configure connectivity probe", err)
	}
	sched.Start()

	captures := capture.NewHandler(local, face, guard, cfg.DeviceID)

	messages, err := q.Consume(ctx)
	if err != nil {
		fatal(ctx, "queue consume init", err)
	}

	logging.Info(ctx, "worker started, waiting for messages", slog.String("device_id", cfg.DeviceID))
	for msg := range messages {
		mctx := logging.WithAttrs(ctx, slog.String("message_id", msg.ID), slog.String("type", msg.Type))
		switch msg.Type {
		case queue.TypeCandidate:
			if _, err := captures.Handle(mctx, msg); err != nil {
				logging.Error(mctx, "candidate processing failed", slog.Any("err", errs.Loggable(err)))
			}
		case queue.TypeSync:
			var body queue.SyncBody
			if err := msg.Decode(&body); err != nil {
				logging.Warn(mctx, "bad sync request", slog.Any("err", errs.Loggable(err)))
				continue
			}
			started, err := sched.Trigger(body.Job)
			if err != nil {
				logging.Warn(mctx, "sync request for unknown job", slog.String("job", body.Job))
				continue
			}
			logging.Info(mctx, "on-demand sync requested", slog.String("job", body.Job), slog.Bool("started", started))
		default:
			logging.Warn(mctx, "ignoring message of unknown type")
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := sched.Stop(stopCtx); err != nil {
		logging.Error(stopCtx, "scheduler did not stop cleanly", slog.Any("err", errs.Loggable(err)))
	}
	logging.Info(stopCtx, "worker stopped")
}

func fatal(ctx context.Context, msg string, err error) {
	logging.Error(ctx, msg, slog.Any("err", errs.Loggable(err)))
	os.Exit(1)
}
