// Package scheduler runs the engines' periodic jobs on cron specs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Job is one periodic unit of work.
type Job func(ctx context.Context)

// Runner wraps a seconds-enabled cron. A job that is still running when its
// next tick fires is skipped for that tick.
type Runner struct {
	cron    *cron.Cron
	baseCtx context.Context

	mu      sync.Mutex
	running map[string]bool
}

func New(baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Runner{
		cron:    cron.New(cron.WithSeconds()),
		baseCtx: baseCtx,
		running: make(map[string]bool),
	}
}

// Add schedules job under name. An empty spec leaves the job disabled.
func (r *Runner) Add(name, spec string, job Job) error {
	if spec == "" {
		log.Info().Str("component", "scheduler").Str("job", name).Msg("job disabled")
		return nil
	}
	_, err := r.cron.AddFunc(spec, func() { r.run(name, job) })
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	return nil
}

func (r *Runner) run(name string, job Job) {
	if !r.claim(name) {
		log.Debug().Str("component", "scheduler").Str("job", name).Msg("previous run still active, skipping")
		return
	}
	defer r.release(name)

	if r.baseCtx.Err() != nil {
		return
	}
	start := time.Now()
	job(r.baseCtx)
	log.Debug().Str("component", "scheduler").Str("job", name).Dur("took", time.Since(start)).Msg("job finished")
}

func (r *Runner) claim(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[name] {
		return false
	}
	r.running[name] = true
	return true
}

func (r *Runner) release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, name)
}

func (r *Runner) Start() {
	log.Info().Str("component", "scheduler").Int("jobs", len(r.cron.Entries())).Msg("starting scheduler")
	r.cron.Start()
}

// Stop waits for running jobs to return.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	log.Info().Str("component", "scheduler").Msg("scheduler stopped")
}
