package worker

import (
	"context"
	"log"
	"time"

	"annotation-service/internal/service"
)

type Pool struct {
	queue      service.Queue
	processor  *Processor
	workers    int
	claimDelay time.Duration
}

func NewPool(queue service.Queue, processor *Processor, workers int, claimDelay time.Duration) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if claimDelay <= 0 {
		claimDelay = 5 * time.Second
	}
	return &Pool{
		queue:      queue,
		processor:  processor,
		workers:    workers,
		claimDelay: claimDelay,
	}
}

// Run blocks until ctx is cancelled. One listener claims tasks from the
// queue and fans them out to N workers.
func (p *Pool) Run(ctx context.Context) {
	log.Printf("worker pool started: workers=%d", p.workers)

	taskCh := make(chan string)

	for i := 0; i < p.workers; i++ {
		go func(n int) {
			for raw := range taskCh {
				if err := p.processor.Process(ctx, raw); err != nil {
					log.Printf("[worker-%d] process error: %v", n, err)
				}

				// Ack in every case: the job record already carries the
				// outcome, and a task lost before any status write comes
				// back via the scheduler's recovery sweep.
				if err := p.queue.Ack(ctx, raw); err != nil {
					log.Printf("[worker-%d] ack error: %v", n, err)
				}
			}
		}(i + 1)
	}

	for {
		select {
		case <-ctx.Done():
			close(taskCh)
			log.Println("worker pool stopped")
			return
		default:
			raw, err := p.queue.ClaimBlocking(ctx, p.claimDelay)
			if err != nil {
				// timeout / empty queue / ctx cancel, not fatal
				continue
			}
			select {
			case taskCh <- raw:
			case <-ctx.Done():
				close(taskCh)
				return
			}
		}
	}
}
