package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// scheduleParser accepts 5-field cron expressions and descriptors such as
// "@every 5m" or "@hourly"
var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a loop schedule
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Loop runs RunOnce on the cron expression expr until ctx is cancelled. An
// invocation still in progress when the next one is due causes that one to
// be skipped. onRun, when set, is called after every invocation.
func (a *Agent) Loop(ctx context.Context, expr string, onRun func(*Outcome, error)) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return err
	}

	cronLogger := cronZapLogger{logger: a.logger}
	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		cron.WithLogger(cronLogger),
	)

	c.Schedule(sched, cron.FuncJob(func() {
		out, err := a.RunOnce(ctx)
		switch {
		case errors.Is(err, ErrAlreadyRunning):
			a.logger.Info("Skipping invocation, another process holds the lock")
		case err != nil && ctx.Err() == nil:
			a.logger.Error("Invocation failed", zap.Error(err))
		}
		if onRun != nil {
			onRun(out, err)
		}
	}))

	a.logger.Info("Starting scheduled loop", zap.String("schedule", expr))
	c.Start()

	<-ctx.Done()
	a.logger.Info("Stopping scheduled loop")
	<-c.Stop().Done()
	return nil
}

// cronZapLogger adapts zap to the cron logger interface
type cronZapLogger struct {
	logger *zap.Logger
}

func (l cronZapLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronZapLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
