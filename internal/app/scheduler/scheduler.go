// Package scheduler runs periodic pipeline jobs such as draining the queue.
package scheduler

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/coachpo/beacon/errs"
)

const component = "app/scheduler"

// parser accepts five-field expressions and descriptors like "@every 30s".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether spec is a schedule the Scheduler accepts.
func Validate(spec string) error {
	if _, err := parser.Parse(strings.TrimSpace(spec)); err != nil {
		return errs.New(component, errs.CodeInvalid,
			errs.WithMessage("invalid schedule "+spec),
			errs.WithCause(err))
	}
	return nil
}

// Scheduler runs named jobs on cron schedules. Overlapping runs of the same
// job are skipped and panics are recovered.
type Scheduler struct {
	cron   *cron.Cron
	logger *log.Logger

	mu      sync.Mutex
	jobs    map[string]cron.EntryID
	started bool
}

// New returns a stopped scheduler. A nil logger writes to stdout.
func New(logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(os.Stdout, "scheduler ", log.LstdFlags|log.Lmicroseconds)
	}
	printf := cron.PrintfLogger(logger)
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(printf), cron.SkipIfStillRunning(printf)),
		),
		logger: logger,
		jobs:   make(map[string]cron.EntryID),
	}
}

// Add registers fn under name. Adding an existing name replaces its schedule.
func (s *Scheduler) Add(name, spec string, fn func()) error {
	if fn == nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("job "+name+" has no function"))
	}
	if err := Validate(spec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
	}
	id, err := s.cron.AddFunc(strings.TrimSpace(spec), fn)
	if err != nil {
		return errs.New(component, errs.CodeInvalid, errs.WithCause(err))
	}
	s.jobs[name] = id
	s.logger.Printf("scheduled %s (%s)", name, spec)
	return nil
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start begins running jobs. It is a no-op when already started.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Printf("running with %d jobs", len(s.jobs))
}

// Stop halts scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return nil
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
