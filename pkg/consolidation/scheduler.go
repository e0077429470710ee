package consolidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs a Policy on its configured schedule.
type Scheduler struct {
	policy   *Policy
	cron     *cron.Cron
	spec     string
	schedule cron.Schedule

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler parses the policy's schedule.
func NewScheduler(p *Policy) (*Scheduler, error) {
	return NewSchedulerWithSpec(p, p.cfg.Schedule)
}

// NewSchedulerWithSpec runs p on spec instead of its configured schedule.
func NewSchedulerWithSpec(p *Policy, spec string) (*Scheduler, error) {
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return nil, fmt.Errorf("consolidation: invalid schedule %q: %w", spec, err)
	}
	s := &Scheduler{
		policy:   p,
		cron:     cron.New(),
		spec:     spec,
		schedule: schedule,
	}
	s.cron.Schedule(schedule, cron.FuncJob(s.run))
	return s, nil
}

// ParseSchedule accepts a five-field cron expression, a descriptor such as
// "@every 1h" or "@daily", or a Go duration.
func ParseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(spec); err == nil {
		return sched, nil
	}

	d, err := time.ParseDuration(spec)
	if err != nil {
		return nil, fmt.Errorf("not a cron expression or duration")
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive")
	}
	return cron.Every(d), nil
}

// Next reports when the schedule fires after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

func (s *Scheduler) run() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if _, err := s.policy.RunOnce(ctx); err != nil {
		s.policy.log.Warn("scheduled consolidation failed", "error", err)
	}
}

// Start begins running the schedule.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	s.policy.log.Info("consolidation scheduler started", "schedule", s.spec)
}

// Stop cancels a running pass and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}
