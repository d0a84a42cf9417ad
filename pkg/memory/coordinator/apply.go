package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/engramlabs/engram/pkg/memory"
	"github.com/engramlabs/engram/pkg/memory/consolidation"
	"github.com/engramlabs/engram/pkg/memory/store"
	"github.com/engramlabs/engram/pkg/memory/vector"
)

// writeOp is one relational mutation, keyed by its target memory so the
// whole plan can be applied in a deterministic order.
type writeOp struct {
	id  string
	run func(ctx context.Context) error
}

// applyPlan turns a consolidation plan into relational writes, then reports
// the vector work the caller should attempt afterwards. isCandidate marks
// IDs that only exist in this job; nil means every member is persisted.
//
// Writes execute sorted by memory ID. Replayed and concurrently consolidated
// rows are no-ops, so a partially applied plan converges on redelivery.
func (c *Coordinator) applyPlan(ctx context.Context, sessionID string, plan *consolidation.Plan,
	isCandidate map[string]bool, result *memory.JobResult) ([]vector.Point, []string, error) {

	var ops []writeOp
	var points []vector.Point
	var deletes []string

	for _, m := range plan.Singletons {
		if !isCandidate[m.ID] {
			continue
		}
		mem := m
		ops = append(ops, writeOp{id: mem.ID, run: func(ctx context.Context) error {
			return c.createMemory(ctx, mem, sessionID)
		}})
		points = append(points, pointFor(mem))
		result.MemoriesCreated++
	}

	for _, g := range plan.Groups {
		var existing []*memory.Memory
		for _, m := range g.Members {
			if !isCandidate[m.ID] {
				existing = append(existing, m)
			}
		}

		// The survivor is picked across the whole component, so a stronger
		// extracted fact can supersede a weaker persisted one. The merged
		// record carries the members it absorbed as its sources.
		merged := consolidation.BuildMerged(g, c.cfg.Merge.ConfidenceBoost)
		sources := merged.SourceMemoryIDs[:0:0]
		for _, id := range merged.SourceMemoryIDs {
			if id != merged.ID {
				sources = append(sources, id)
			}
		}
		merged.SourceMemoryIDs = sources

		switch {
		case len(existing) == 0 || isCandidate[g.Survivor.ID]:
			// Either the whole group was extracted in this job, or a fresher
			// candidate fact won over the persisted members. In both cases
			// only the merged survivor becomes a row; its embedding is the
			// candidate's, so no re-embed is needed for the changed fact.
			ops = append(ops, writeOp{id: merged.ID, run: func(ctx context.Context) error {
				return c.createMemory(ctx, merged, sessionID)
			}})
			points = append(points, pointFor(merged))
			result.MemoriesCreated++
		default:
			// A persisted member survived; its fact is unchanged, so the
			// merge lands as a revision on its existing chain.
			ops = append(ops, writeOp{id: merged.ID, run: func(ctx context.Context) error {
				return c.updateMemory(ctx, merged, memory.RevisionMerged, merged.SourceMemoryIDs, sessionID)
			}})
			if len(merged.Embedding) > 0 {
				points = append(points, pointFor(merged))
			}
			result.MemoriesUpdated++
		}

		for _, m := range existing {
			if m.ID == g.Survivor.ID {
				continue
			}
			loser := m
			ops = append(ops, writeOp{id: loser.ID, run: func(ctx context.Context) error {
				return c.absorbMemory(ctx, loser, g.Survivor.ID, sessionID)
			}})
			deletes = append(deletes, loser.ID)
		}
		result.MemoriesMerged += len(g.Members) - 1
	}

	for _, conflict := range plan.Conflicts {
		result.Conflicts = append(result.Conflicts, memory.ConflictRef{
			MemoryA:    conflict.MemoryA.ID,
			MemoryB:    conflict.MemoryB.ID,
			Similarity: conflict.Similarity,
		})
	}

	sort.Slice(ops, func(i, j int) bool { return ops[i].id < ops[j].id })
	for _, op := range ops {
		if err := op.run(ctx); err != nil {
			return nil, nil, err
		}
	}
	return points, deletes, nil
}

// createMemory inserts the memory with its revision 1. A replay that hits
// the idempotence key is a no-op.
func (c *Coordinator) createMemory(ctx context.Context, m *memory.Memory, sessionID string) error {
	rev := &memory.Revision{
		ID:              deterministicID(m.ID, "rev", "1"),
		MemoryID:        m.ID,
		RevisionNumber:  1,
		Fact:            m.Fact,
		Action:          memory.RevisionCreated,
		SourceSessionID: sessionID,
		Confidence:      m.Confidence,
		CreatedAt:       m.CreatedAt,
	}
	err := c.store.CreateMemoryWithRevision(ctx, m, rev)
	if errors.Is(err, store.ErrRevisionExists) {
		c.logger.Debug("Memory already created, replay no-op", "memory_id", m.ID)
		return nil
	}
	return err
}

// updateMemory appends a revision to an existing memory under optimistic
// concurrency. On a concurrent modification it re-reads and retries; a row
// that was consolidated away in the meantime is left alone.
func (c *Coordinator) updateMemory(ctx context.Context, m *memory.Memory, action memory.RevisionAction,
	sources []string, sessionID string) error {

	for attempt := 0; attempt <= c.cfg.WriteRetries; attempt++ {
		expected := m.RevisionCount
		m.UpdatedAt = c.now()
		rev := &memory.Revision{
			ID:              deterministicID(m.ID, "rev", fmt.Sprintf("%d", expected+1)),
			MemoryID:        m.ID,
			RevisionNumber:  expected + 1,
			Fact:            m.Fact,
			Action:          action,
			SourceSessionID: sessionID,
			SourceMemoryIDs: sources,
			Confidence:      m.Confidence,
			CreatedAt:       m.UpdatedAt,
		}

		_, err := c.store.UpdateMemoryWithRevision(ctx, m, rev, &expected)
		switch {
		case err == nil:
			m.RevisionCount = expected + 1
			return nil
		case errors.Is(err, store.ErrRevisionExists):
			c.logger.Debug("Revision already applied, replay no-op", "memory_id", m.ID)
			return nil
		case errors.Is(err, memory.ErrConcurrentModification):
			fresh, gerr := c.store.GetMemory(ctx, m.ID)
			if gerr != nil {
				return gerr
			}
			if fresh.Deleted() {
				c.logger.Debug("Memory merged away concurrently, skipping update", "memory_id", m.ID)
				return nil
			}
			m.RevisionCount = fresh.RevisionCount
		case errors.Is(err, memory.ErrNotFound):
			c.logger.Debug("Memory vanished before update, skipping", "memory_id", m.ID)
			return nil
		default:
			return err
		}
	}
	return memory.Classify(memory.ClassConcurrentModification, "update memory",
		fmt.Errorf("memory %s still contended after %d retries", m.ID, c.cfg.WriteRetries))
}

// absorbMemory soft-deletes a merge loser, recording the survivor it folded
// into.
func (c *Coordinator) absorbMemory(ctx context.Context, m *memory.Memory, survivorID, sessionID string) error {
	for attempt := 0; attempt <= c.cfg.WriteRetries; attempt++ {
		expected := m.RevisionCount
		now := c.now()
		rev := &memory.Revision{
			ID:              deterministicID(m.ID, "rev", fmt.Sprintf("%d", expected+1)),
			MemoryID:        m.ID,
			RevisionNumber:  expected + 1,
			Fact:            m.Fact,
			Action:          memory.RevisionMerged,
			SourceSessionID: sessionID,
			SourceMemoryIDs: []string{survivorID},
			Confidence:      m.Confidence,
			CreatedAt:       now,
		}

		err := c.store.SoftDeleteMemory(ctx, m.ID, rev, &expected)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrRevisionExists):
			// Already deleted, replay or concurrent merge.
			return nil
		case errors.Is(err, memory.ErrNotFound):
			return nil
		case errors.Is(err, memory.ErrConcurrentModification):
			fresh, gerr := c.store.GetMemory(ctx, m.ID)
			if gerr != nil {
				return gerr
			}
			if fresh.Deleted() {
				return nil
			}
			m.RevisionCount = fresh.RevisionCount
		default:
			return err
		}
	}
	return memory.Classify(memory.ClassConcurrentModification, "absorb memory",
		fmt.Errorf("memory %s still contended after %d retries", m.ID, c.cfg.WriteRetries))
}

// syncVectors applies the vector tier work after the relational writes are
// committed. Failures degrade the job result instead of failing it; the
// relational tier stays the source of truth.
func (c *Coordinator) syncVectors(ctx context.Context, points []vector.Point, deletes []string, result *memory.JobResult) {
	if len(points) > 0 {
		if err := c.index.UpsertPoints(ctx, points, 100); err != nil {
			c.logger.Warn("Vector upsert failed, continuing degraded", "points", len(points), "error", err)
			result.DegradedVectorWrites = true
		}
	}
	if len(deletes) > 0 {
		if err := c.index.DeletePoints(ctx, deletes); err != nil {
			c.logger.Warn("Vector delete failed, continuing degraded", "ids", len(deletes), "error", err)
			result.DegradedVectorWrites = true
		}
	}
}

func pointFor(m *memory.Memory) vector.Point {
	return vector.Point{
		ID:         m.ID,
		Vector:     m.Embedding,
		Scope:      m.Scope,
		Confidence: m.Confidence,
		Topic:      m.Topic,
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, memory.ErrNotFound)
}
