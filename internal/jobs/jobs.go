// Package jobs runs the appliance's recurring pool jobs on a cron schedule
// and holds them back while a maintenance window is open.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"nithronos/nosmigrate/internal/migration"
	"nithronos/nosmigrate/internal/observability"
	"nithronos/nosmigrate/pkg/shell"
)

const (
	JobScrub = "scrub"
	JobSmart = "smart-scan"
)

type Scrubber interface {
	Scrub(ctx context.Context, pool string) error
}

type DiskLister interface {
	PoolDriveIDs(ctx context.Context, pool string) ([]migration.DriveID, error)
}

// Gate reports whether scheduled work must stand down.
type Gate interface {
	Active(now time.Time) bool
}

type Options struct {
	ScrubSchedule string
	SmartSchedule string
	Pools         []string
	JobTimeout    time.Duration
}

type Scheduler struct {
	logger   zerolog.Logger
	cron     *cron.Cron
	opts     Options
	gate     Gate
	scrubber Scrubber
	disks    DiskLister
	runner   shell.Runner
	now      func() time.Time

	mu      sync.Mutex
	running map[string]bool
}

func New(logger zerolog.Logger, opts Options, gate Gate, scrubber Scrubber, disks DiskLister, runner shell.Runner) *Scheduler {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Minute
	}
	if runner == nil {
		runner = shell.Exec{}
	}
	return &Scheduler{
		logger:   logger.With().Str("component", "jobs").Logger(),
		cron:     cron.New(cron.WithSeconds()),
		opts:     opts,
		gate:     gate,
		scrubber: scrubber,
		disks:    disks,
		runner:   runner,
		now:      time.Now,
		running:  map[string]bool{},
	}
}

// Start registers the jobs and starts the cron runner. It stops when ctx is
// done. An empty schedule disables that job.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs := []struct {
		name string
		spec string
		fn   func(context.Context) error
	}{
		{JobScrub, s.opts.ScrubSchedule, s.scrub},
		{JobSmart, s.opts.SmartSchedule, s.smartScan},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		name, fn := j.name, j.fn
		if _, err := s.cron.AddFunc(j.spec, func() { s.run(ctx, name, fn) }); err != nil {
			return fmt.Errorf("schedule %s %q: %w", name, j.spec, err)
		}
		s.logger.Info().Str("job", name).Str("spec", j.spec).Msg("job scheduled")
	}
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// run executes fn unless maintenance is active or the same job is still
// running. It reports whether fn ran.
func (s *Scheduler) run(ctx context.Context, name string, fn func(context.Context) error) bool {
	if s.gate != nil && s.gate.Active(s.now()) {
		observability.IncJobSkipped(name)
		s.logger.Info().Str("job", name).Str("event", "jobs.skipped").Msg("maintenance window open")
		return false
	}
	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		s.logger.Warn().Str("job", name).Msg("previous run still in progress")
		return false
	}
	s.running[name] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	jctx, cancel := context.WithTimeout(ctx, s.opts.JobTimeout)
	defer cancel()
	start := time.Now()
	if err := fn(jctx); err != nil {
		s.logger.Error().Err(err).Str("job", name).Msg("job failed")
		return true
	}
	s.logger.Info().Str("job", name).Dur("took", time.Since(start)).Msg("job finished")
	return true
}

func (s *Scheduler) scrub(ctx context.Context) error {
	var firstErr error
	for _, pool := range s.opts.Pools {
		if err := s.scrubber.Scrub(ctx, pool); err != nil {
			s.logger.Warn().Err(err).Str("pool", pool).Msg("scrub")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// smartScan runs a SMART health check on every member disk. smartctl sets
// bits in its exit status for failing health, which is logged, not returned.
func (s *Scheduler) smartScan(ctx context.Context) error {
	for _, pool := range s.opts.Pools {
		ids, err := s.disks.PoolDriveIDs(ctx, pool)
		if err != nil {
			return fmt.Errorf("list disks of %s: %w", pool, err)
		}
		for _, id := range ids {
			res, err := s.runner.Run(ctx, 60*time.Second, "smartctl", "-H", string(id))
			if err != nil && res.Code <= 0 {
				return fmt.Errorf("smartctl %s: %w", id, err)
			}
			if res.Code != 0 {
				s.logger.Warn().Str("pool", pool).Str("disk", string(id)).Int("status", res.Code).Msg("SMART health check reported problems")
			}
		}
	}
	return nil
}
