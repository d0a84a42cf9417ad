package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/engramlabs/engram/pkg/ai"

	"github.com/engramlabs/engram/pkg/memory"
	"github.com/engramlabs/engram/pkg/memory/extraction"
	"github.com/engramlabs/engram/pkg/memory/store"
	"github.com/engramlabs/engram/pkg/memory/vector"
	"github.com/engramlabs/engram/pkg/queue"
	"github.com/engramlabs/engram/pkg/sessions"
)

// fakeStore mirrors the relational store's revision and concurrency
// semantics in memory.
type fakeStore struct {
	mu        sync.Mutex
	memories  map[string]*memory.Memory
	revisions map[string][]*memory.Revision
	jobs      map[string]*memory.Job
	completed map[string]*memory.JobResult
	failed    map[string]string
	runs      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		memories:  map[string]*memory.Memory{},
		revisions: map[string][]*memory.Revision{},
		jobs:      map[string]*memory.Job{},
		completed: map[string]*memory.JobResult{},
		failed:    map[string]string{},
	}
}

func (s *fakeStore) seed(m *memory.Memory) {
	clone := *m
	if clone.RevisionCount == 0 {
		clone.RevisionCount = 1
	}
	s.memories[m.ID] = &clone
	s.revisions[m.ID] = []*memory.Revision{{
		MemoryID: m.ID, RevisionNumber: 1, Fact: m.Fact,
		Action: memory.RevisionCreated, Confidence: m.Confidence, CreatedAt: m.CreatedAt,
	}}
}

func (s *fakeStore) CreateMemoryWithRevision(_ context.Context, m *memory.Memory, rev *memory.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[m.ID]; ok {
		return store.ErrRevisionExists
	}
	clone := *m
	clone.RevisionCount = 1
	s.memories[m.ID] = &clone
	s.revisions[m.ID] = append(s.revisions[m.ID], rev)
	return nil
}

func (s *fakeStore) GetMemory(_ context.Context, id string) (*memory.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok {
		return nil, memory.ErrNotFound
	}
	clone := *m
	return &clone, nil
}

func (s *fakeStore) UpdateMemoryWithRevision(_ context.Context, m *memory.Memory, rev *memory.Revision, expected *int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.memories[m.ID]
	if !ok {
		return "", memory.ErrNotFound
	}
	if expected != nil && current.RevisionCount != *expected {
		return "", memory.ErrConcurrentModification
	}
	if rev.RevisionNumber <= current.RevisionCount {
		return "", store.ErrRevisionExists
	}
	if rev.RevisionNumber != current.RevisionCount+1 {
		return "", fmt.Errorf("revision gap for %s", m.ID)
	}
	previous := current.Fact
	clone := *m
	clone.RevisionCount = current.RevisionCount + 1
	clone.CreatedAt = current.CreatedAt
	s.memories[m.ID] = &clone
	s.revisions[m.ID] = append(s.revisions[m.ID], rev)
	return previous, nil
}

func (s *fakeStore) SoftDeleteMemory(_ context.Context, id string, rev *memory.Revision, expected *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.memories[id]
	if !ok {
		return memory.ErrNotFound
	}
	if current.DeletedAt != nil {
		return store.ErrRevisionExists
	}
	if expected != nil && current.RevisionCount != *expected {
		return memory.ErrConcurrentModification
	}
	if rev.RevisionNumber <= current.RevisionCount {
		return store.ErrRevisionExists
	}
	now := rev.CreatedAt
	current.DeletedAt = &now
	current.RevisionCount++
	s.revisions[id] = append(s.revisions[id], rev)
	return nil
}

func (s *fakeStore) ListMemoriesByScope(_ context.Context, scope memory.Scope, _ store.Filters, limit, _ int) ([]*memory.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*memory.Memory
	for _, m := range s.memories {
		if m.DeletedAt != nil || m.Scope.Canonical() != scope.Canonical() {
			continue
		}
		clone := *m
		out = append(out, &clone)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) CountMemoriesByScope(_ context.Context, scope memory.Scope) (int, error) {
	memories, _ := s.ListMemoriesByScope(context.Background(), scope, store.Filters{}, 0, 0)
	return len(memories), nil
}

func (s *fakeStore) ExpireMemories(_ context.Context, scope memory.Scope, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []string
	for _, m := range s.memories {
		if m.DeletedAt != nil || m.Scope.Canonical() != scope.Canonical() {
			continue
		}
		if m.ExpiresAt != nil && !m.ExpiresAt.After(now) {
			m.DeletedAt = &now
			m.RevisionCount++
			s.revisions[m.ID] = append(s.revisions[m.ID], &memory.Revision{
				MemoryID: m.ID, RevisionNumber: m.RevisionCount, Fact: m.Fact,
				Action: memory.RevisionDeleted, CreatedAt: now,
			})
			expired = append(expired, m.ID)
		}
	}
	return expired, nil
}

func (s *fakeStore) CreateJob(_ context.Context, job *memory.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		s.jobs[job.ID] = job
	}
	return nil
}

func (s *fakeStore) MarkJobRunning(_ context.Context, id string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs++
	if job, ok := s.jobs[id]; ok {
		job.Status = memory.JobRunning
	}
	return nil
}

func (s *fakeStore) CompleteJob(_ context.Context, id string, result *memory.JobResult, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[id] = result
	return nil
}

func (s *fakeStore) FailJob(_ context.Context, id string, lastError string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = lastError
	return nil
}

func (s *fakeStore) liveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.memories {
		if m.DeletedAt == nil {
			n++
		}
	}
	return n
}

// fakeIndex is an in-memory vector tier with injectable failures.
type fakeIndex struct {
	mu        sync.Mutex
	points    map[string]vector.Point
	upsertErr error
	deleteErr error
	deleted   []string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{points: map[string]vector.Point{}}
}

func (f *fakeIndex) UpsertPoints(_ context.Context, points []vector.Point, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	for _, p := range points {
		f.points[p.ID] = p
	}
	return nil
}

func (f *fakeIndex) DeletePoints(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for _, id := range ids {
		delete(f.points, id)
		f.deleted = append(f.deleted, id)
	}
	return nil
}

func (f *fakeIndex) GetPoint(_ context.Context, id string) (*vector.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.points[id]
	if !ok {
		return nil, memory.ErrNotFound
	}
	return &p, nil
}

type fakeEvents struct {
	events []sessions.Event
	err    error
}

func (f *fakeEvents) ListEvents(_ context.Context, _ string, _ int) ([]sessions.Event, error) {
	return f.events, f.err
}

type fakeExtractor struct {
	result *extraction.Result
	err    error
}

func (f *fakeExtractor) Extract(_ context.Context, _ []sessions.Event) (*extraction.Result, error) {
	return f.result, f.err
}

// fakeEmbedder hands out configured vectors by exact fact text; unknown
// texts get a distinct axis each so they never merge accidentally.
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	next    int
	failAll bool
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: map[string][]float32{}}
}

func (f *fakeEmbedder) vectorFor(text string) []float32 {
	if vec, ok := f.vectors[text]; ok {
		return vec
	}
	vec := make([]float32, 8)
	vec[f.next%8] = 1
	f.next++
	f.vectors[text] = vec
	return vec
}

func (f *fakeEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	res := f.EmbedMany(ctx, []string{text})
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Vectors[0], nil
}

func (f *fakeEmbedder) EmbedMany(_ context.Context, texts []string) ai.EmbedResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := ai.EmbedResult{
		Vectors: make([][]float32, len(texts)),
		Skipped: make([]bool, len(texts)),
		ModelID: "fake-embedding",
	}
	if f.failAll {
		result.Err = memory.Transient("embeddings", fmt.Errorf("provider down"))
		result.Vectors = nil
		return result
	}
	for i, text := range texts {
		if text == "" {
			result.Skipped[i] = true
			result.Vectors[i] = make([]float32, 8)
			continue
		}
		result.Vectors[i] = f.vectorFor(text)
	}
	return result
}

func (f *fakeEmbedder) EmbedBatched(ctx context.Context, texts []string, batchSize int) []ai.EmbedResult {
	if batchSize <= 0 {
		batchSize = 64
	}
	var results []ai.EmbedResult
	for _, batch := range lo.Chunk(texts, batchSize) {
		results = append(results, f.EmbedMany(ctx, batch))
	}
	return results
}

func (f *fakeEmbedder) Dimension() int  { return 8 }
func (f *fakeEmbedder) ModelID() string { return "fake-embedding" }

type fakePublisher struct {
	mu       sync.Mutex
	requests []*queue.ConsolidationRequest
	err      error
}

func (f *fakePublisher) PublishConsolidation(_ context.Context, req *queue.ConsolidationRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, req)
	return nil
}
