// Package coordinator drives the two pipeline jobs end to end: it sequences
// the stages, owns the write order and retry policy, and is the only place
// that decides how a failure maps onto the job lifecycle.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/engramlabs/engram/pkg/ai"
	"github.com/engramlabs/engram/pkg/memory"
	"github.com/engramlabs/engram/pkg/memory/consolidation"
	"github.com/engramlabs/engram/pkg/memory/extraction"
	"github.com/engramlabs/engram/pkg/memory/store"
	"github.com/engramlabs/engram/pkg/memory/vector"
	"github.com/engramlabs/engram/pkg/queue"
	"github.com/engramlabs/engram/pkg/sessions"
)

// RelationalStore is the durable tier the coordinator writes through.
type RelationalStore interface {
	CreateMemoryWithRevision(ctx context.Context, m *memory.Memory, rev *memory.Revision) error
	GetMemory(ctx context.Context, id string) (*memory.Memory, error)
	UpdateMemoryWithRevision(ctx context.Context, m *memory.Memory, rev *memory.Revision, expectedRevisionCount *int) (string, error)
	SoftDeleteMemory(ctx context.Context, id string, rev *memory.Revision, expectedRevisionCount *int) error
	ListMemoriesByScope(ctx context.Context, scope memory.Scope, filters store.Filters, limit, offset int) ([]*memory.Memory, error)
	CountMemoriesByScope(ctx context.Context, scope memory.Scope) (int, error)
	ExpireMemories(ctx context.Context, scope memory.Scope, now time.Time) ([]string, error)
	CreateJob(ctx context.Context, job *memory.Job) error
	MarkJobRunning(ctx context.Context, id string, now time.Time) error
	CompleteJob(ctx context.Context, id string, result *memory.JobResult, now time.Time) error
	FailJob(ctx context.Context, id string, lastError string, now time.Time) error
}

// VectorIndex is the semantic tier. Vector writes happen after relational
// commits and never fail a job.
type VectorIndex interface {
	UpsertPoints(ctx context.Context, points []vector.Point, batchSize int) error
	DeletePoints(ctx context.Context, ids []string) error
	GetPoint(ctx context.Context, id string) (*vector.Point, error)
}

// EventSource supplies the conversation transcript for extraction jobs.
type EventSource interface {
	ListEvents(ctx context.Context, sessionID string, limit int) ([]sessions.Event, error)
}

// Extractor is the LLM-backed extraction stage.
type Extractor interface {
	Extract(ctx context.Context, events []sessions.Event) (*extraction.Result, error)
}

// FollowUpPublisher enqueues consolidation jobs triggered by scope growth.
type FollowUpPublisher interface {
	PublishConsolidation(ctx context.Context, req *queue.ConsolidationRequest) error
}

// Config tunes the coordinator's batching and retry behavior.
type Config struct {
	EmbeddingBatchSize int
	// MaxBatch bounds how many scoped memories one consolidation pass
	// loads.
	MaxBatch int
	// TriggerCount is the scope size at which an extraction job enqueues a
	// follow-up consolidation.
	TriggerCount int
	// MaxSessionEvents bounds the transcript read per extraction job.
	MaxSessionEvents int
	// WriteRetries bounds re-reads after a concurrent modification.
	WriteRetries int

	Merge consolidation.Config
}

// Coordinator wires the stages together. All dependencies are interfaces so
// job logic is testable without live backends.
type Coordinator struct {
	logger    *log.Logger
	store     RelationalStore
	index     VectorIndex
	events    EventSource
	extractor Extractor
	embedder  ai.Embedder
	publisher FollowUpPublisher
	cfg       Config
	now       func() time.Time
}

// New validates the dependency set and applies defaults.
func New(logger *log.Logger, st RelationalStore, index VectorIndex, events EventSource,
	extractor Extractor, embedder ai.Embedder, publisher FollowUpPublisher, cfg Config) (*Coordinator, error) {
	if st == nil || index == nil {
		return nil, fmt.Errorf("store and vector index are required")
	}
	if cfg.EmbeddingBatchSize <= 0 {
		cfg.EmbeddingBatchSize = 64
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 500
	}
	if cfg.MaxSessionEvents <= 0 {
		cfg.MaxSessionEvents = 1000
	}
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = 3
	}
	if err := cfg.Merge.Validate(); err != nil {
		return nil, fmt.Errorf("invalid merge config: %w", err)
	}
	return &Coordinator{
		logger:    logger,
		store:     st,
		index:     index,
		events:    events,
		extractor: extractor,
		embedder:  embedder,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
	}, nil
}

// RunExtractionJob processes one session end to end: transcript, candidate
// facts, embeddings, consolidation against the scope, writes. Returned
// errors keep their classification so the queue layer can decide between
// redelivery and dead-lettering.
func (c *Coordinator) RunExtractionJob(ctx context.Context, req *queue.ExtractionRequest) error {
	logger := c.logger.With("job_id", req.JobID, "session_id", req.SessionID)
	if err := c.store.MarkJobRunning(ctx, req.JobID, c.now()); err != nil {
		return memory.Transient("run extraction", err)
	}

	events, err := c.events.ListEvents(ctx, req.SessionID, c.cfg.MaxSessionEvents)
	if err != nil {
		return c.fail(ctx, req.JobID, err)
	}

	extracted, err := c.extractor.Extract(ctx, events)
	if err != nil {
		return c.fail(ctx, req.JobID, err)
	}

	result := &memory.JobResult{}
	if extracted.Skipped != "" {
		logger.Info("Nothing to extract", "reason", extracted.Skipped)
		return c.complete(ctx, req.JobID, result)
	}
	result.CandidatesExtracted = len(extracted.Candidates)

	candidates, err := c.embedCandidates(ctx, req.JobID, extracted.Candidates)
	if err != nil {
		return c.fail(ctx, req.JobID, err)
	}
	result.EmbeddingsOK = len(candidates)
	if len(candidates) == 0 {
		logger.Warn("All candidates lost their embeddings, completing empty")
		return c.complete(ctx, req.JobID, result)
	}

	existing, err := c.loadScope(ctx, req.Scope, c.cfg.MaxBatch)
	if err != nil {
		return c.fail(ctx, req.JobID, err)
	}

	now := c.now()
	persisted := make(map[string]bool, len(existing))
	for _, m := range existing {
		persisted[m.ID] = true
	}

	all := make([]*memory.Memory, 0, len(existing)+len(candidates))
	all = append(all, existing...)
	isCandidate := make(map[string]bool, len(candidates))
	for _, cand := range candidates {
		m := cand.toMemory(req.Scope, req.SessionID, c.embedder.ModelID(), now)
		if persisted[m.ID] {
			// A prior delivery of this job already wrote the candidate.
			logger.Debug("Candidate already persisted, replay no-op", "memory_id", m.ID)
			continue
		}
		isCandidate[m.ID] = true
		all = append(all, m)
	}

	plan, err := consolidation.BuildPlan(all, c.cfg.Merge)
	if err != nil {
		return c.fail(ctx, req.JobID, memory.InvalidInput("run extraction", err))
	}

	points, deletes, err := c.applyPlan(ctx, req.SessionID, plan, isCandidate, result)
	if err != nil {
		return c.fail(ctx, req.JobID, err)
	}

	c.syncVectors(ctx, points, deletes, result)
	c.maybeTriggerConsolidation(ctx, req.JobID, req.Scope)

	logger.Info("Extraction job done",
		"created", result.MemoriesCreated, "updated", result.MemoriesUpdated,
		"merged", result.MemoriesMerged, "conflicts", len(result.Conflicts))
	return c.complete(ctx, req.JobID, result)
}

// RunConsolidationJob sweeps expired memories, then merges the scope's
// survivors by similarity.
func (c *Coordinator) RunConsolidationJob(ctx context.Context, req *queue.ConsolidationRequest) error {
	logger := c.logger.With("job_id", req.JobID)
	if err := c.store.MarkJobRunning(ctx, req.JobID, c.now()); err != nil {
		return memory.Transient("run consolidation", err)
	}

	result := &memory.JobResult{}

	expired, err := c.store.ExpireMemories(ctx, req.Scope, c.now())
	if err != nil {
		return c.fail(ctx, req.JobID, err)
	}
	if len(expired) > 0 {
		logger.Info("Expired memories swept", "count", len(expired))
	}

	limit := req.MaxMemories
	if limit <= 0 || limit > c.cfg.MaxBatch {
		limit = c.cfg.MaxBatch
	}
	existing, err := c.loadScope(ctx, req.Scope, limit)
	if err != nil {
		return c.fail(ctx, req.JobID, err)
	}

	plan, err := consolidation.BuildPlan(existing, c.cfg.Merge)
	if err != nil {
		return c.fail(ctx, req.JobID, memory.InvalidInput("run consolidation", err))
	}

	points, deletes, err := c.applyPlan(ctx, "", plan, nil, result)
	if err != nil {
		return c.fail(ctx, req.JobID, err)
	}
	if !req.DetectConflicts {
		result.Conflicts = nil
	}

	deletes = append(deletes, expired...)
	c.syncVectors(ctx, points, deletes, result)

	logger.Info("Consolidation job done",
		"scanned", len(existing), "merged", result.MemoriesMerged,
		"conflicts", len(result.Conflicts), "expired", len(expired))
	return c.complete(ctx, req.JobID, result)
}

// fail records permanent failures on the job row. Transient failures leave
// the job RUNNING so a redelivery can pick it back up.
func (c *Coordinator) fail(ctx context.Context, jobID string, err error) error {
	if memory.IsPermanent(err) {
		if ferr := c.store.FailJob(ctx, jobID, err.Error(), c.now()); ferr != nil {
			c.logger.Error("Recording job failure failed", "job_id", jobID, "error", ferr)
		}
	}
	return err
}

func (c *Coordinator) complete(ctx context.Context, jobID string, result *memory.JobResult) error {
	if err := c.store.CompleteJob(ctx, jobID, result, c.now()); err != nil {
		return memory.Transient("complete job", err)
	}
	return nil
}

// embeddedCandidate pairs a candidate with its stable ordinal so replayed
// jobs mint the same memory IDs.
type embeddedCandidate struct {
	memory.ExtractionCandidate
	jobID string
	ord   int
}

func (e embeddedCandidate) toMemory(scope memory.Scope, sessionID, modelID string, now time.Time) *memory.Memory {
	return &memory.Memory{
		ID:               deterministicID(e.jobID, "memory", fmt.Sprintf("%d", e.ord)),
		Scope:            scope.Clone(),
		Fact:             e.Fact,
		Topic:            e.Topic,
		Category:         e.Category,
		Confidence:       e.Confidence,
		Importance:       e.Importance,
		SourceType:       memory.SourceExtracted,
		SourceSessionID:  sessionID,
		Embedding:        e.Embedding,
		EmbeddingModelID: modelID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// embedCandidates vectorizes the candidate facts. A failed batch gets one
// retry at a quarter of the batch size; candidates that still cannot be
// embedded are dropped. Losing every candidate to provider failure is
// transient so the broker retries the whole job.
func (c *Coordinator) embedCandidates(ctx context.Context, jobID string, candidates []memory.ExtractionCandidate) ([]embeddedCandidate, error) {
	ordered := make([]embeddedCandidate, len(candidates))
	for i, cand := range candidates {
		ordered[i] = embeddedCandidate{ExtractionCandidate: cand, jobID: jobID, ord: i}
	}

	kept := make([]embeddedCandidate, 0, len(ordered))
	sawFailure := false

	batches := lo.Chunk(ordered, c.cfg.EmbeddingBatchSize)
	for _, batch := range batches {
		accepted, ok := c.embedBatch(ctx, batch, c.cfg.EmbeddingBatchSize)
		if !ok {
			retrySize := c.cfg.EmbeddingBatchSize / 4
			if retrySize < 1 {
				retrySize = 1
			}
			c.logger.Warn("Embedding batch failed, retrying smaller", "size", retrySize)
			accepted, ok = c.embedBatch(ctx, batch, retrySize)
			if !ok {
				sawFailure = true
			}
		}
		kept = append(kept, accepted...)
	}

	if len(kept) == 0 && len(ordered) > 0 && sawFailure {
		return nil, memory.Transient("embed candidates", fmt.Errorf("no candidate could be embedded"))
	}
	return kept, nil
}

// embedBatch embeds one slice of candidates at the given provider batch
// size. ok is false only when every sub-batch failed outright.
func (c *Coordinator) embedBatch(ctx context.Context, batch []embeddedCandidate, batchSize int) ([]embeddedCandidate, bool) {
	texts := make([]string, len(batch))
	for i, cand := range batch {
		texts[i] = cand.Fact
	}

	subBatches := lo.Chunk(batch, batchSize)
	results := c.embedder.EmbedBatched(ctx, texts, batchSize)

	var accepted []embeddedCandidate
	anyOK := false
	for bi, res := range results {
		if bi >= len(subBatches) {
			break
		}
		if res.Err != nil {
			c.logger.Warn("Embedding sub-batch failed", "error", res.Err)
			continue
		}
		anyOK = true
		for i, cand := range subBatches[bi] {
			if res.Skipped[i] {
				continue
			}
			cand.Embedding = res.Vectors[i]
			accepted = append(accepted, cand)
		}
	}
	return accepted, anyOK
}

// loadScope lists the scope's live memories and attaches their stored
// vectors. A missing or unreachable vector degrades that memory to
// text-identity matching only.
func (c *Coordinator) loadScope(ctx context.Context, scope memory.Scope, limit int) ([]*memory.Memory, error) {
	memories, err := c.store.ListMemoriesByScope(ctx, scope, store.Filters{}, limit, 0)
	if err != nil {
		return nil, err
	}
	for _, m := range memories {
		point, err := c.index.GetPoint(ctx, m.ID)
		if err != nil {
			if !isNotFound(err) {
				c.logger.Warn("Vector lookup failed, matching by text only", "memory_id", m.ID, "error", err)
			}
			continue
		}
		m.Embedding = point.Vector
	}
	return memories, nil
}

// maybeTriggerConsolidation enqueues a follow-up consolidation when the
// scope has grown past the trigger. Best effort: the periodic consolidation
// path covers a missed trigger.
func (c *Coordinator) maybeTriggerConsolidation(ctx context.Context, jobID string, scope memory.Scope) {
	if c.publisher == nil || c.cfg.TriggerCount <= 0 {
		return
	}
	count, err := c.store.CountMemoriesByScope(ctx, scope)
	if err != nil {
		c.logger.Warn("Scope count failed, skipping consolidation trigger", "error", err)
		return
	}
	if count < c.cfg.TriggerCount {
		return
	}

	followUpID := deterministicID(jobID, "consolidate")
	job := &memory.Job{
		ID:              followUpID,
		Kind:            memory.JobConsolidate,
		Scope:           scope.Clone(),
		DetectConflicts: true,
		Status:          memory.JobPending,
		CreatedAt:       c.now(),
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		c.logger.Warn("Creating follow-up consolidation job failed", "error", err)
		return
	}
	req := &queue.ConsolidationRequest{JobID: followUpID, Scope: scope.Clone(), DetectConflicts: true}
	if err := c.publisher.PublishConsolidation(ctx, req); err != nil {
		c.logger.Warn("Publishing follow-up consolidation failed", "error", err)
		return
	}
	c.logger.Info("Triggered follow-up consolidation", "scope_count", count, "follow_up_job", followUpID)
}

// deterministicID derives a stable UUID from its parts, so replayed jobs
// regenerate identical memory and job IDs and land on the idempotence keys.
func deterministicID(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(parts, "/"))).String()
}
