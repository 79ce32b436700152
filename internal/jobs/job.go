package jobs

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// Job is a unit the JobManager can start and stop.
type Job interface {
	Name() string
	Start() error
	Stop()
}

// scheduled runs fn on a cron spec. Overlapping ticks are skipped.
type scheduled struct {
	name string
	spec string
	fn   func(ctx context.Context)
	cron *cron.Cron
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func newScheduled(name, spec string, fn func(ctx context.Context), log *slog.Logger) *scheduled {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", name)
	ctx, cancel := context.WithCancel(context.Background())
	return &scheduled{
		name: name,
		spec: spec,
		fn:   fn,
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{log}),
			cron.SkipIfStillRunning(cronLogger{log}),
		)),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (j *scheduled) Name() string { return j.name }

func (j *scheduled) Start() error {
	if _, err := j.cron.AddFunc(j.spec, func() { j.fn(j.ctx) }); err != nil {
		return errors.Wrapf(err, "schedule %s on %q", j.name, j.spec)
	}
	j.cron.Start()
	j.log.Info("job started", "schedule", j.spec)
	return nil
}

// Stop cancels a run in progress and waits for it to return.
func (j *scheduled) Stop() {
	j.cancel()
	<-j.cron.Stop().Done()
	j.log.Info("job stopped")
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "err", err)...)
}
