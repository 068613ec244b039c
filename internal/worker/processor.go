package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/outreach/internal/clock"
	"github.com/mohammad-safakhou/outreach/internal/engagement"
	"github.com/mohammad-safakhou/outreach/internal/fault"
	"github.com/mohammad-safakhou/outreach/internal/queue"
	"github.com/mohammad-safakhou/outreach/internal/tools"
)

// QueueAPI captures the queue methods required by the worker.
type QueueAPI interface {
	Claim(ctx context.Context, workerID string, lease time.Duration) (queue.Job, bool, error)
	Complete(ctx context.Context, jobID, workerID string) error
	Fail(ctx context.Context, jobID, workerID string, cause error) (queue.Job, error)
}

// Invoker is the tool dispatch path.
type Invoker interface {
	ToolSet
	Invoke(ctx context.Context, name string, input map[string]any, caller engagement.CallerKind) tools.Result
}

// Options size and pace the pool.
type Options struct {
	Workers          int
	PollInterval     time.Duration
	ExecutionTimeout time.Duration
	Lease            time.Duration
	// ID prefixes worker ids; defaults to hostname plus a random suffix.
	ID string
}

// Pool runs N workers that claim jobs and execute them through the tool registry.
type Pool struct {
	logger  *log.Logger
	queue   QueueAPI
	invoker Invoker
	router  *Router
	clock   clock.Clock
	opts    Options
	tracer  trace.Tracer

	completed otelmetric.Int64Counter
	failed    otelmetric.Int64Counter
	denied    otelmetric.Int64Counter
}

// NewPool constructs a Pool. meter and tracer may be nil.
func NewPool(logger *log.Logger, q QueueAPI, inv Invoker, router *Router, clk clock.Clock, opts Options, meter otelmetric.Meter, tracer trace.Tracer) *Pool {
	if logger == nil {
		logger = log.New(os.Stdout, "[WORKER] ", log.LstdFlags)
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("worker")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ID == "" {
		host, _ := os.Hostname()
		opts.ID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	p := &Pool{
		logger:  logger,
		queue:   q,
		invoker: inv,
		router:  router,
		clock:   clk,
		opts:    opts,
		tracer:  tracer,
	}
	if meter != nil {
		var err error
		p.completed, err = meter.Int64Counter("worker_jobs_completed")
		if err != nil {
			logger.Printf("warn: create completed counter failed: %v", err)
		}
		p.failed, err = meter.Int64Counter("worker_jobs_failed")
		if err != nil {
			logger.Printf("warn: create failed counter failed: %v", err)
		}
		p.denied, err = meter.Int64Counter("worker_jobs_denied")
		if err != nil {
			logger.Printf("warn: create denied counter failed: %v", err)
		}
	}
	return p
}

// Start blocks, running the workers until the context is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	p.logger.Printf("worker pool starting; workers=%d", p.opts.Workers)
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		id := fmt.Sprintf("%s-%d", p.opts.ID, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, id)
		}()
	}
	wg.Wait()
	p.logger.Printf("worker pool stopped: %v", ctx.Err())
	return nil
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		worked, err := p.RunOnce(ctx, workerID)
		if err != nil {
			p.logger.Printf("worker %s: claim failed: %v", workerID, err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.opts.PollInterval):
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job was
// claimed.
func (p *Pool) RunOnce(ctx context.Context, workerID string) (bool, error) {
	job, ok, err := p.queue.Claim(ctx, workerID, p.opts.Lease)
	if err != nil || !ok {
		return false, err
	}
	p.process(ctx, workerID, job)
	return true, nil
}

func (p *Pool) process(ctx context.Context, workerID string, job queue.Job) {
	ctx, span := p.tracer.Start(ctx, "worker.job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.action_type", job.ActionType),
		attribute.String("contractor.id", job.ContractorID),
		attribute.Int("job.attempt", job.Attempt),
	))
	defer span.End()

	name, ok := p.router.Resolve(job.ActionType)
	if !ok {
		err := fault.Permanent(fault.InvalidInput, "worker.route", fmt.Errorf("no tool for action type %q", job.ActionType))
		span.SetStatus(codes.Error, err.Error())
		p.fail(ctx, workerID, job, err)
		return
	}

	res := p.execute(ctx, name, p.router.Input(job, name))
	attrs := otelmetric.WithAttributes(attribute.String("tool", name))
	switch {
	case res.Success:
		p.complete(ctx, workerID, job)
		if p.completed != nil {
			p.completed.Add(ctx, 1, attrs)
		}
	case res.ErrorKind == fault.GuardDenied:
		reason := ""
		if res.Decision != nil {
			reason = res.Decision.Reason
		}
		p.logger.Printf("job %s denied contractor=%s tool=%s reason=%s", job.ID, job.ContractorID, name, reason)
		span.SetAttributes(attribute.String("guard.reason", reason))
		p.complete(ctx, workerID, job)
		if p.denied != nil {
			p.denied.Add(ctx, 1, attrs)
		}
	default:
		err := res.Err()
		span.SetStatus(codes.Error, err.Error())
		p.fail(ctx, workerID, job, err)
		if p.failed != nil {
			p.failed.Add(ctx, 1, attrs)
		}
	}
}

// execute runs the tool under the execution timeout. A panic becomes an
// InvariantViolation for this job only.
func (p *Pool) execute(ctx context.Context, name string, input map[string]any) (res tools.Result) {
	if p.opts.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.ExecutionTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err := fault.Newf(fault.InvariantViolation, "worker.execute", "panic in %s: %v", name, r)
			res = tools.Result{ErrorKind: fault.InvariantViolation, Error: err.Error()}
		}
	}()
	return p.invoker.Invoke(ctx, name, input, engagement.CallerWorker)
}

func (p *Pool) complete(ctx context.Context, workerID string, job queue.Job) {
	if err := p.queue.Complete(ctx, job.ID, workerID); err != nil {
		p.logger.Printf("warn: complete job %s failed: %v", job.ID, err)
	}
}

func (p *Pool) fail(ctx context.Context, workerID string, job queue.Job, cause error) {
	after, err := p.queue.Fail(ctx, job.ID, workerID, cause)
	if err != nil {
		p.logger.Printf("warn: fail job %s failed: %v", job.ID, err)
		return
	}
	p.logger.Printf("job %s attempt=%d status=%s error=%v", job.ID, after.Attempt, after.Status, cause)
}
