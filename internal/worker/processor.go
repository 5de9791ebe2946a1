package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"blood-test-analyzer/internal/config"
	"blood-test-analyzer/internal/queue"
	"blood-test-analyzer/internal/telemetry"
)

// Handler executes one unit of work and returns the result text stored in the
// queue's result backend.
type Handler func(ctx context.Context, t queue.Task) (string, error)

// Processor drives the worker execution loop: it consumes units of work from
// the shared queue across a configurable number of goroutines, each running
// one unit to completion independently of the others.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	handlers map[string]Handler
	log      zerolog.Logger
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, log zerolog.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[string]Handler),
		log:      log,
	}
}

// RegisterHandler binds a handler to a task type.
func (p *Processor) RegisterHandler(taskType string, handler Handler) {
	if taskType == "" || handler == nil {
		return
	}
	p.handlers[taskType] = handler
}

// Run starts the consumer loops and blocks until context cancellation. Each
// loop is one worker execution context; a sequential orchestrator occupies
// its loop for the whole job run, which is why concurrency must cover the
// orchestrator plus the stage tasks it awaits.
func (p *Processor) Run(ctx context.Context) error {
	concurrency := p.cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Processor) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err == nil && len(reclaimed) > 0 {
			p.log.Warn().Int("count", len(reclaimed)).Msg("requeued expired leases")
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		t, ok, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.log.Error().Err(err).Msg("dequeue")
			p.sleep(ctx)
			continue
		}
		if !ok {
			p.sleep(ctx)
			continue
		}

		p.process(ctx, t)
	}
}

func (p *Processor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.WorkerPollInterval):
	}
}

func (p *Processor) process(ctx context.Context, t queue.Task) {
	handler, ok := p.handlers[t.Type]
	if !ok {
		applied, _ := p.queue.Fail(ctx, t.ID, fmt.Sprintf("no handler registered for type %q", t.Type))
		if !applied {
			p.log.Warn().Str("task_id", t.ID).Msg("task already settled")
		}
		_ = p.queue.Ack(ctx, t.ID)
		return
	}

	if err := p.queue.MarkRunning(ctx, t.ID); err != nil {
		p.log.Warn().Err(err).Str("task_id", t.ID).Msg("mark running")
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	stopHeartbeat := p.heartbeat(ctx, t.ID)
	defer stopHeartbeat()

	runCtx := ctx
	if p.cfg.HardTimeLimit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.HardTimeLimit)
		defer cancel()
	}
	if p.cfg.SoftTimeLimit > 0 && (p.cfg.HardTimeLimit == 0 || p.cfg.SoftTimeLimit < p.cfg.HardTimeLimit) {
		soft := time.AfterFunc(p.cfg.SoftTimeLimit, func() {
			p.log.Warn().Str("task_id", t.ID).Str("type", t.Type).Dur("limit", p.cfg.SoftTimeLimit).Msg("soft time limit exceeded")
		})
		defer soft.Stop()
	}

	result, err := handler(runCtx, t)

	// Complete/Fail apply the first terminal outcome only; a duplicate run
	// after a lease expiry finds the task settled and only gets a warning.
	if err != nil {
		applied, ferr := p.queue.Fail(ctx, t.ID, err.Error())
		if ferr != nil {
			p.log.Error().Err(ferr).Str("task_id", t.ID).Msg("record task failure")
		} else if !applied {
			p.log.Warn().Str("task_id", t.ID).Msg("late failure for settled task, ignored")
		}
	} else {
		applied, cerr := p.queue.Complete(ctx, t.ID, result)
		if cerr != nil {
			p.log.Error().Err(cerr).Str("task_id", t.ID).Msg("record task result")
		} else if !applied {
			p.log.Warn().Str("task_id", t.ID).Msg("late result for settled task, ignored")
		}
	}

	if err := p.queue.Ack(ctx, t.ID); err != nil {
		p.log.Warn().Err(err).Str("task_id", t.ID).Msg("ack")
	}
}

// heartbeat extends the task's lease at half the visibility interval so long
// units of work are not reclaimed while still running.
func (p *Processor) heartbeat(ctx context.Context, taskID string) func() {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, taskID, p.cfg.VisibilityTimeout); err != nil {
					p.log.Warn().Err(err).Str("task_id", taskID).Msg("extend lease")
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// QueueDispatcher adapts the Redis queue to the orchestrator's Dispatcher.
type QueueDispatcher struct {
	Queue *queue.RedisQueue
}

func (d QueueDispatcher) Submit(ctx context.Context, t queue.Task) (TaskHandle, error) {
	return d.Queue.Submit(ctx, t)
}
