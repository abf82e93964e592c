package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/ferro-labs/keygate/internal/logging"
	"github.com/ferro-labs/keygate/models"
)

// DefaultInterval is the periodic discovery interval.
const DefaultInterval = 24 * time.Hour

// Runner runs a full discovery pass.
type Runner interface {
	DiscoverAll(ctx context.Context) ([]models.Model, error)
}

// Schedule selects which triggers the Scheduler registers.
type Schedule struct {
	OnStartup bool
	Periodic  bool
	Interval  time.Duration
}

// Scheduler fires discovery passes in the background. Passes never overlap
// and their failures are logged, never propagated.
type Scheduler struct {
	sched  gocron.Scheduler
	runner Runner
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler registers the jobs described by sc. Nothing runs until Start.
func NewScheduler(r Runner, sc Schedule) (*Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create discovery scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{sched: sched, runner: r, ctx: ctx, cancel: cancel}

	singleton := gocron.WithSingletonMode(gocron.LimitModeReschedule)
	switch {
	case sc.Periodic:
		interval := sc.Interval
		if interval <= 0 {
			interval = DefaultInterval
		}
		opts := []gocron.JobOption{gocron.WithName("model-discovery"), singleton}
		if sc.OnStartup {
			opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
		}
		_, err = sched.NewJob(gocron.DurationJob(interval), gocron.NewTask(s.run, "periodic"), opts...)
	case sc.OnStartup:
		_, err = sched.NewJob(
			gocron.OneTimeJob(gocron.OneTimeJobStartImmediately()),
			gocron.NewTask(s.run, "startup"),
			gocron.WithName("model-discovery-startup"), singleton,
		)
	}
	if err != nil {
		cancel()
		_ = sched.Shutdown()
		return nil, fmt.Errorf("register discovery job: %w", err)
	}
	return s, nil
}

// Start begins firing jobs.
func (s *Scheduler) Start() { s.sched.Start() }

// Shutdown cancels any running pass and stops the scheduler.
func (s *Scheduler) Shutdown() error {
	s.cancel()
	return s.sched.Shutdown()
}

func (s *Scheduler) run(trigger string) {
	log := logging.Logger.With("trigger", trigger)
	defer func() {
		if r := recover(); r != nil {
			log.Error("model discovery panicked", "panic", fmt.Sprint(r))
		}
	}()

	start := time.Now()
	out, err := s.runner.DiscoverAll(s.ctx)
	if err != nil {
		log.Error("scheduled model discovery failed", "error", err.Error())
		return
	}
	log.Info("scheduled model discovery finished", "models", len(out), "duration_ms", time.Since(start).Milliseconds())
}
