package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/engramlabs/engram/pkg/memory"
)

// Handler processes one decoded-at-destination message payload. The returned
// error's classification drives the acknowledgement decision.
type Handler func(ctx context.Context, data []byte) error

// WorkerOptions configures one consume loop.
type WorkerOptions struct {
	// Kind selects the stream and subject the worker consumes.
	Kind memory.JobKind
	// Durable is the consumer name shared by all replicas of this worker.
	Durable string
	// Concurrency bounds parallel handler invocations.
	Concurrency int
	// DrainTimeout bounds how long Stop waits for in-flight handlers.
	DrainTimeout time.Duration
}

// Worker runs the at-least-once consume loop for one job kind. Success acks,
// transient failure naks with a growing delay, permanent failure and
// delivery exhaustion terminate the message and copy it to the dead-letter
// stream.
type Worker struct {
	fabric  *Fabric
	logger  *log.Logger
	handler Handler
	opts    WorkerOptions

	stream     string
	subject    string
	dlqSubject string

	sem    chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	consume jetstream.ConsumeContext
}

// NewWorker builds a worker; Start begins consumption.
func NewWorker(fabric *Fabric, logger *log.Logger, handler Handler, opts WorkerOptions) (*Worker, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if opts.Concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be at least 1")
	}
	if opts.Durable == "" {
		return nil, fmt.Errorf("durable name is required")
	}

	w := &Worker{
		fabric:  fabric,
		logger:  logger,
		handler: handler,
		opts:    opts,
		sem:     make(chan struct{}, opts.Concurrency),
	}
	switch opts.Kind {
	case memory.JobExtract:
		w.stream, w.subject, w.dlqSubject = StreamExtraction, SubjectExtraction, SubjectDeadLetterExtraction
	case memory.JobConsolidate:
		w.stream, w.subject, w.dlqSubject = StreamConsolidation, SubjectConsolidation, SubjectDeadLetterConsolidation
	default:
		return nil, fmt.Errorf("unknown job kind %q", opts.Kind)
	}
	return w, nil
}

// Start creates the durable consumer and begins dispatching messages. The
// passed context covers consumer creation only; handler lifetimes are owned
// by the worker and end at Stop.
func (w *Worker) Start(ctx context.Context) error {
	cons, err := w.fabric.consumer(ctx, w.stream, w.subject, w.opts.Durable)
	if err != nil {
		return fmt.Errorf("creating consumer %s: %w", w.opts.Durable, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	consume, err := cons.Consume(func(msg jetstream.Msg) {
		w.dispatch(runCtx, msg)
	}, jetstream.PullMaxMessages(w.fabric.prefetch))
	if err != nil {
		cancel()
		return fmt.Errorf("starting consume loop: %w", err)
	}

	w.mu.Lock()
	w.consume = consume
	w.mu.Unlock()

	w.logger.Info("Worker started",
		"stream", w.stream, "durable", w.opts.Durable, "concurrency", w.opts.Concurrency)
	return nil
}

func (w *Worker) dispatch(ctx context.Context, msg jetstream.Msg) {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		// Shutting down; let the broker redeliver after ack wait.
		_ = msg.Nak()
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.process(ctx, msg)
	}()
}

func (w *Worker) process(ctx context.Context, msg jetstream.Msg) {
	delivered := 1
	if meta, err := msg.Metadata(); err == nil {
		delivered = int(meta.NumDelivered)
	}

	err := w.handler(ctx, msg.Data())
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			w.logger.Warn("Ack failed, message will be redelivered", "error", ackErr)
		}
		return
	}

	class := memory.ClassOf(err)
	switch class {
	case memory.ClassCancelled:
		// Shutdown raced the handler; redeliver promptly elsewhere.
		_ = msg.Nak()
		w.logger.Info("Message returned to queue on shutdown", "subject", w.subject)
	case memory.ClassInvalidInput:
		// Operator error in the payload; terminal, and not worth keeping a
		// dead-letter copy of.
		w.logger.Error("Message rejected",
			"subject", w.subject, "attempts", delivered, "error", err)
		if termErr := msg.Term(); termErr != nil {
			w.logger.Warn("Term failed", "error", termErr)
		}
	case memory.ClassUpstreamPermanent:
		w.terminate(msg, delivered, err)
	default:
		if delivered >= w.fabric.maxDeliver {
			w.terminate(msg, delivered, err)
			return
		}
		delay := nakDelay(delivered)
		w.logger.Warn("Transient failure, delaying redelivery",
			"subject", w.subject, "attempt", delivered, "delay", delay, "error", err)
		_ = msg.NakWithDelay(delay)
	}
}

// terminate stops redelivery and preserves the payload on the dead-letter
// stream. The dead-letter copy is best effort; terminating without the copy
// loses inspectability, the reverse loses work-queue progress.
func (w *Worker) terminate(msg jetstream.Msg, delivered int, cause error) {
	w.logger.Error("Message dead-lettered",
		"subject", w.subject, "attempts", delivered, "class", memory.ClassOf(cause), "error", cause)

	dlqCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.fabric.deadLetter(dlqCtx, w.dlqSubject, msg.Data()); err != nil {
		w.logger.Error("Dead-letter copy failed", "error", err)
	}
	if err := msg.Term(); err != nil {
		w.logger.Warn("Term failed", "error", err)
	}
}

// Stop drains the worker: no new deliveries, then waits up to DrainTimeout
// for in-flight handlers before cancelling them.
func (w *Worker) Stop() {
	w.mu.Lock()
	consume := w.consume
	w.consume = nil
	w.mu.Unlock()
	if consume != nil {
		consume.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker drained", "durable", w.opts.Durable)
	case <-time.After(w.opts.DrainTimeout):
		w.logger.Warn("Drain timeout, cancelling in-flight handlers", "durable", w.opts.Durable)
	}

	if w.cancel != nil {
		w.cancel()
	}
	<-done
}

// nakDelay grows the redelivery delay with the attempt count, capped at 30s.
func nakDelay(delivered int) time.Duration {
	if delivered < 1 {
		delivered = 1
	}
	delay := time.Second << uint(delivered-1)
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}
