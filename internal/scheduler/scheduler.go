// Package scheduler runs per-topic interval jobs on a single shared cron.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	Timezone              = "UTC"
	TimezoneOffsetSeconds = 0

	// MinInterval is the finest resolution cron.Every supports.
	MinInterval = time.Second
)

type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger
}

func New(log *slog.Logger) *Scheduler {
	logger := cronLogger{log: log}

	c := cron.New(
		cron.WithLocation(time.FixedZone(Timezone, TimezoneOffsetSeconds)),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)

	return &Scheduler{
		cron: c,
		log:  log,
	}
}

// Every runs job every interval until the returned stop func is called.
// A run that is still in progress when the next one is due is skipped.
func (s *Scheduler) Every(interval time.Duration, job func()) (func(), error) {
	if job == nil {
		return nil, errors.New("job is nil")
	}

	if interval < MinInterval {
		return nil, errors.New("interval is below one second")
	}

	wrapped := cron.NewChain(cron.SkipIfStillRunning(cronLogger{log: s.log})).
		Then(cron.FuncJob(job))

	id := s.cron.Schedule(cron.Every(interval), wrapped)

	return func() { s.cron.Remove(id) }, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()

	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.WarnContext(ctx, "Scheduler jobs are still running",
			"error", ctx.Err())
	}
}

func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("Cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("Cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
