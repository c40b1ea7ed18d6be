// Package scheduler owns the background triggers: the daily retention sweep
// and the periodic recovery of attempts whose worker died. It is constructed
// and started explicitly by the process entrypoint, never ambient state.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"annotation-service/internal/service"
)

type Scheduler struct {
	cron    *cron.Cron
	cleanup *service.CleanupService
	queue   service.Queue
}

// New wires the cleanup service and queue to cron triggers. schedule is a
// standard 5-field cron expression for the retention sweep; sweepEvery
// drives lease recovery.
func New(cleanup *service.CleanupService, queue service.Queue, schedule string, sweepEvery time.Duration) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		cleanup: cleanup,
		queue:   queue,
	}

	if _, err := s.cron.AddFunc(schedule, s.runSweep); err != nil {
		return nil, fmt.Errorf("register cleanup schedule %q: %w", schedule, err)
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", sweepEvery), s.runRecovery); err != nil {
		return nil, fmt.Errorf("register recovery interval %s: %w", sweepEvery, err)
	}
	return s, nil
}

// Start launches the triggers and stops them when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	log.Printf("[scheduler] started")

	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
		log.Printf("[scheduler] stopped")
	}()
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	removed, err := s.cleanup.Sweep(ctx)
	if err != nil {
		log.Printf("[scheduler] cleanup sweep error=%v", err)
		return
	}
	log.Printf("[scheduler] cleanup sweep removed=%d", removed)
}

func (s *Scheduler) runRecovery() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// Stranded queue entries first, then jobs whose lease lapsed entirely.
	if n, err := s.queue.RequeueStale(ctx, 100); err != nil {
		log.Printf("[scheduler] requeue error=%v", err)
	} else if n > 0 {
		log.Printf("[scheduler] requeued %d tasks from processing", n)
	}

	recovered, err := s.cleanup.RecoverStale(ctx)
	if err != nil {
		log.Printf("[scheduler] lease recovery error=%v", err)
		return
	}
	if recovered > 0 {
		log.Printf("[scheduler] recovered %d stale jobs", recovered)
	}
}
