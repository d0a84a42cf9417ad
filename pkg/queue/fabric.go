package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// dedupeWindow bounds how long JetStream suppresses republished
	// messages carrying the same Nats-Msg-Id.
	dedupeWindow = 10 * time.Minute
	// ackWait must exceed the longest expected job so in-flight messages
	// are not redelivered mid-run.
	ackWait = 5 * time.Minute
)

// Fabric owns the JetStream topology: two work-queue streams, one for each
// job kind, plus an interest-less dead-letter stream that keeps poisoned
// payloads for inspection.
type Fabric struct {
	js     jetstream.JetStream
	logger *log.Logger

	maxDeliver int
	prefetch   int
}

// Options tunes the fabric's delivery behavior.
type Options struct {
	// MaxDeliver is the attempt count after which a message is terminated
	// and copied to the dead-letter stream.
	MaxDeliver int
	// Prefetch caps unacknowledged in-flight messages per consumer.
	Prefetch int
}

// NewFabric wraps an established NATS connection.
func NewFabric(nc *nats.Conn, logger *log.Logger, opts Options) (*Fabric, error) {
	if opts.MaxDeliver < 1 {
		return nil, fmt.Errorf("max deliver must be at least 1")
	}
	if opts.Prefetch < 1 {
		return nil, fmt.Errorf("prefetch must be at least 1")
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}
	return &Fabric{js: js, logger: logger, maxDeliver: opts.MaxDeliver, prefetch: opts.Prefetch}, nil
}

// EnsureTopology creates or updates the streams. Safe to call from every
// worker at startup; create-or-update keeps concurrent boots from racing.
func (f *Fabric) EnsureTopology(ctx context.Context) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       StreamExtraction,
			Subjects:   []string{SubjectExtraction},
			Retention:  jetstream.WorkQueuePolicy,
			Storage:    jetstream.FileStorage,
			Duplicates: dedupeWindow,
		},
		{
			Name:       StreamConsolidation,
			Subjects:   []string{SubjectConsolidation},
			Retention:  jetstream.WorkQueuePolicy,
			Storage:    jetstream.FileStorage,
			Duplicates: dedupeWindow,
		},
		{
			Name:      StreamDeadLetter,
			Subjects:  []string{SubjectDeadLetterExtraction, SubjectDeadLetterConsolidation},
			Retention: jetstream.LimitsPolicy,
			Storage:   jetstream.FileStorage,
			MaxAge:    14 * 24 * time.Hour,
		},
	}
	for _, cfg := range streams {
		if _, err := f.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("ensuring stream %s: %w", cfg.Name, err)
		}
	}
	f.logger.Debug("Queue topology ensured", "streams", len(streams))
	return nil
}

// PublishExtraction enqueues an extraction job. The job ID doubles as the
// message ID so republishing within the dedupe window is a no-op.
func (f *Fabric) PublishExtraction(ctx context.Context, req *ExtractionRequest) error {
	data, err := EncodeExtractionRequest(req)
	if err != nil {
		return err
	}
	_, err = f.js.Publish(ctx, SubjectExtraction, data, jetstream.WithMsgID(req.JobID))
	if err != nil {
		return fmt.Errorf("publishing extraction request %s: %w", req.JobID, err)
	}
	return nil
}

// PublishConsolidation enqueues a consolidation job.
func (f *Fabric) PublishConsolidation(ctx context.Context, req *ConsolidationRequest) error {
	data, err := EncodeConsolidationRequest(req)
	if err != nil {
		return err
	}
	_, err = f.js.Publish(ctx, SubjectConsolidation, data, jetstream.WithMsgID(req.JobID))
	if err != nil {
		return fmt.Errorf("publishing consolidation request %s: %w", req.JobID, err)
	}
	return nil
}

func (f *Fabric) consumer(ctx context.Context, stream, subject, durable string) (jetstream.Consumer, error) {
	return f.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    f.maxDeliver,
		MaxAckPending: f.prefetch,
	})
}

func (f *Fabric) deadLetter(ctx context.Context, subject string, data []byte) error {
	if _, err := f.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publishing to dead letter %s: %w", subject, err)
	}
	return nil
}
