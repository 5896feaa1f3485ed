package maintenance

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/comercium/deployctl/pkg/logger"
)

// Scheduler runs a job on a cron schedule. Jobs that panic are recovered and
// logged so one bad pass does not stop the schedule.
type Scheduler struct {
	cron *cron.Cron
	log  *logger.Logger
	spec string
}

// NewScheduler parses a standard five-field cron expression (descriptors
// like @daily work too) and registers the job.
func NewScheduler(spec string, job func(), log *logger.Logger) (*Scheduler, error) {
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{log})))
	if _, err := c.AddFunc(spec, job); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return &Scheduler{cron: c, log: log, spec: spec}, nil
}

// Start begins running the schedule in its own goroutine.
func (s *Scheduler) Start() {
	s.log.Info("maintenance schedule started", "schedule", s.spec)
	s.cron.Start()
}

// Stop halts the schedule and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("maintenance schedule stopped")
}

// cronLogger adapts the service logger to the cron library's interface.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug(msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error(msg, append(kv, "error", err.Error())...)
}
