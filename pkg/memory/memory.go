// Package memory defines the core entities of the memory distillation
// pipeline: scopes, memories, revisions, jobs and the in-flight candidate
// shapes passed between pipeline stages.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxScopeKeys bounds the number of keys a scope may carry.
const MaxScopeKeys = 5

// Fact length bounds, in characters, after trimming.
const (
	MinFactLen = 10
	MaxFactLen = 500
)

// Scope is a small key/value map acting as the tenant boundary for every
// memory operation. Two scopes are equal iff they have identical key sets
// and values.
type Scope map[string]string

// Validate checks the scope against the structural constraints.
func (s Scope) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("scope must contain at least one key")
	}
	if len(s) > MaxScopeKeys {
		return fmt.Errorf("scope has %d keys, maximum is %d", len(s), MaxScopeKeys)
	}
	for k, v := range s {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("scope key cannot be empty")
		}
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("scope value for key %q cannot be empty", k)
		}
	}
	return nil
}

// Canonical returns a deterministic string form of the scope, suitable for
// storage columns and equality comparison. Keys are sorted.
func (s Scope) Canonical() string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+s[k])
	}
	return strings.Join(parts, ";")
}

// Equal reports whether two scopes have identical key sets and values.
func (s Scope) Equal(other Scope) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the scope.
func (s Scope) Clone() Scope {
	out := make(Scope, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Category classifies what kind of statement a memory holds.
type Category string

const (
	CategoryPreference   Category = "preference"
	CategoryFact         Category = "fact"
	CategoryGoal         Category = "goal"
	CategoryHabit        Category = "habit"
	CategoryRelationship Category = "relationship"
	CategoryProfessional Category = "professional"
	CategoryLocation     Category = "location"
	CategoryTemporal     Category = "temporal"
)

// Categories is the closed set of valid memory categories.
var Categories = map[Category]bool{
	CategoryPreference:   true,
	CategoryFact:         true,
	CategoryGoal:         true,
	CategoryHabit:        true,
	CategoryRelationship: true,
	CategoryProfessional: true,
	CategoryLocation:     true,
	CategoryTemporal:     true,
}

// Valid reports whether the category is one of the known values.
func (c Category) Valid() bool {
	return Categories[c]
}

// SourceType records how a memory entered the store.
type SourceType string

const (
	SourceExtracted    SourceType = "extracted"
	SourceConsolidated SourceType = "consolidated"
	SourceDirect       SourceType = "direct"
	SourceImported     SourceType = "imported"
)

// Memory is the central entity: one durable, scoped statement about a user.
type Memory struct {
	ID               string     `db:"id" json:"id"`
	Scope            Scope      `db:"-" json:"scope"`
	Fact             string     `db:"fact" json:"fact"`
	Topic            string     `db:"topic" json:"topic,omitempty"`
	Category         Category   `db:"category" json:"category"`
	Confidence       float64    `db:"confidence" json:"confidence"`
	Importance       float64    `db:"importance" json:"importance"`
	SourceType       SourceType `db:"source_type" json:"source_type"`
	SourceSessionID  string     `db:"source_session_id" json:"source_session_id,omitempty"`
	SourceMemoryIDs  []string   `db:"-" json:"source_memory_ids,omitempty"`
	Embedding        []float32  `db:"-" json:"-"`
	EmbeddingModelID string     `db:"embedding_model_id" json:"embedding_model_id,omitempty"`
	RevisionCount    int        `db:"revision_count" json:"revision_count"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
	ExpiresAt        *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	DeletedAt        *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Validate checks the memory against the structural invariants. It does not
// verify revision bookkeeping; that is the store's job.
func (m *Memory) Validate() error {
	fact := strings.TrimSpace(m.Fact)
	if fact == "" {
		return fmt.Errorf("fact cannot be empty")
	}
	if n := utf8.RuneCountInString(fact); n > MaxFactLen {
		return fmt.Errorf("fact is %d chars, maximum is %d", n, MaxFactLen)
	}
	if !m.Category.Valid() {
		return fmt.Errorf("unknown category %q", m.Category)
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return fmt.Errorf("confidence %.3f outside [0,1]", m.Confidence)
	}
	if m.Importance < 0 || m.Importance > 1 {
		return fmt.Errorf("importance %.3f outside [0,1]", m.Importance)
	}
	if err := m.Scope.Validate(); err != nil {
		return fmt.Errorf("invalid scope: %w", err)
	}
	if m.SourceType == SourceConsolidated && len(m.SourceMemoryIDs) == 0 {
		return fmt.Errorf("consolidated memory must reference source memories")
	}
	return nil
}

// Deleted reports whether the memory is soft-deleted.
func (m *Memory) Deleted() bool {
	return m.DeletedAt != nil
}

// Expired reports whether the memory's TTL has passed at the given instant.
func (m *Memory) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// NormalizedFact returns the fact lowered and trimmed, the form used for
// textual-identity comparison during consolidation.
func (m *Memory) NormalizedFact() string {
	return NormalizeFact(m.Fact)
}

// NormalizeFact case-folds and trims a fact for identity comparison.
func NormalizeFact(fact string) string {
	return strings.ToLower(strings.TrimSpace(fact))
}

// RevisionAction names the mutation a revision records.
type RevisionAction string

const (
	RevisionCreated  RevisionAction = "CREATED"
	RevisionUpdated  RevisionAction = "UPDATED"
	RevisionMerged   RevisionAction = "MERGED"
	RevisionDeleted  RevisionAction = "DELETED"
	RevisionRollback RevisionAction = "ROLLBACK"
)

// Revision is an immutable snapshot of one memory mutation. Revisions for a
// memory form a gapless 1-indexed chain; the pair (MemoryID, RevisionNumber)
// is the pipeline's idempotence key.
type Revision struct {
	ID              string         `db:"id" json:"id"`
	MemoryID        string         `db:"memory_id" json:"memory_id"`
	RevisionNumber  int            `db:"revision_number" json:"revision_number"`
	Fact            string         `db:"fact" json:"fact"`
	Action          RevisionAction `db:"action" json:"action"`
	SourceSessionID string         `db:"source_session_id" json:"source_session_id,omitempty"`
	SourceMemoryIDs []string       `db:"-" json:"source_memory_ids,omitempty"`
	PreviousFact    string         `db:"previous_fact" json:"previous_fact,omitempty"`
	Confidence      float64        `db:"confidence" json:"confidence"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
}

// JobKind distinguishes the two pipeline job types.
type JobKind string

const (
	JobExtract     JobKind = "EXTRACT"
	JobConsolidate JobKind = "CONSOLIDATE"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// Job is the unit of at-least-once work delivered over the queue.
type Job struct {
	ID              string     `db:"id" json:"id"`
	Kind            JobKind    `db:"kind" json:"kind"`
	Scope           Scope      `db:"-" json:"scope"`
	SessionID       string     `db:"session_id" json:"session_id,omitempty"`
	MaxMemories     int        `db:"max_memories" json:"max_memories,omitempty"`
	DetectConflicts bool       `db:"detect_conflicts" json:"detect_conflicts,omitempty"`
	Status          JobStatus  `db:"status" json:"status"`
	AttemptCount    int        `db:"attempt_count" json:"attempt_count"`
	LastError       string     `db:"last_error" json:"last_error,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	Result          *JobResult `db:"-" json:"result,omitempty"`
}

// ConflictRef identifies one unresolved conflict pair in a job result.
type ConflictRef struct {
	MemoryA    string  `json:"memory_a"`
	MemoryB    string  `json:"memory_b"`
	Similarity float64 `json:"similarity"`
}

// JobResult is the terminal outcome of a pipeline job, persisted on the jobs
// row so it can be queried externally.
type JobResult struct {
	CandidatesExtracted  int           `json:"candidates_extracted"`
	EmbeddingsOK         int           `json:"embeddings_ok"`
	MemoriesCreated      int           `json:"memories_created"`
	MemoriesUpdated      int           `json:"memories_updated"`
	MemoriesMerged       int           `json:"memories_merged"`
	Conflicts            []ConflictRef `json:"conflicts,omitempty"`
	DegradedVectorWrites bool          `json:"degraded_vector_writes,omitempty"`
}

// ExtractionCandidate is a fact proposed by the extraction stage. It lives
// only between stages and is not persisted until the coordinator accepts it.
type ExtractionCandidate struct {
	Fact       string   `json:"fact"`
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Topic      string   `json:"topic,omitempty"`
	Importance float64  `json:"importance,omitempty"`
	Embedding  []float32 `json:"-"`
}

// MergeCandidate is one similar-enough pair found during consolidation.
type MergeCandidate struct {
	MemoryA    *Memory
	MemoryB    *Memory
	Similarity float64
	IsConflict bool
}
