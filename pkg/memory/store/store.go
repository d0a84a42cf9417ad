// Package store is the relational gateway for memories, revisions and jobs.
// It enforces the invariants the rest of the pipeline leans on: mandatory
// scope filtering, gapless revision chains, and atomic revision bookkeeping.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/engramlabs/engram/pkg/memory"
)

func newUUID() string { return uuid.NewString() }

const pqUniqueViolation = "23505"

// ErrRevisionExists signals that the (memory_id, revision_number) idempotence
// key is already materialized; a replayed job treats this as a no-op.
var ErrRevisionExists = errors.New("revision already exists")

// Filters narrows a scoped memory listing.
type Filters struct {
	Topic          string
	MinConfidence  float64
	SourceType     memory.SourceType
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
	IncludeDeleted bool
}

// Store wraps a Postgres connection pool.
type Store struct {
	db     *sqlx.DB
	logger *log.Logger
}

// New connects to Postgres and runs migrations.
func New(logger *log.Logger, connString string) (*Store, error) {
	db, err := sqlx.Connect("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)

	if err := RunMigrations(db.DB, logger); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// NewWithDB wraps an existing pool without running migrations.
func NewWithDB(logger *log.Logger, db *sqlx.DB) *Store {
	return &Store{db: db, logger: logger}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type memoryRow struct {
	ID               string     `db:"id"`
	Scope            string     `db:"scope"`
	ScopeJSON        []byte     `db:"scope_json"`
	Fact             string     `db:"fact"`
	Topic            string     `db:"topic"`
	Category         string     `db:"category"`
	Confidence       float64    `db:"confidence"`
	Importance       float64    `db:"importance"`
	SourceType       string     `db:"source_type"`
	SourceSessionID  string     `db:"source_session_id"`
	SourceMemoryIDs  []byte     `db:"source_memory_ids"`
	EmbeddingModelID string     `db:"embedding_model_id"`
	RevisionCount    int        `db:"revision_count"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
	ExpiresAt        *time.Time `db:"expires_at"`
	DeletedAt        *time.Time `db:"deleted_at"`
}

func (r *memoryRow) toMemory() (*memory.Memory, error) {
	var scope memory.Scope
	if err := json.Unmarshal(r.ScopeJSON, &scope); err != nil {
		return nil, fmt.Errorf("unmarshaling scope for memory %s: %w", r.ID, err)
	}
	var sourceIDs []string
	if len(r.SourceMemoryIDs) > 0 {
		if err := json.Unmarshal(r.SourceMemoryIDs, &sourceIDs); err != nil {
			return nil, fmt.Errorf("unmarshaling source memory ids for %s: %w", r.ID, err)
		}
	}
	return &memory.Memory{
		ID:               r.ID,
		Scope:            scope,
		Fact:             r.Fact,
		Topic:            r.Topic,
		Category:         memory.Category(r.Category),
		Confidence:       r.Confidence,
		Importance:       r.Importance,
		SourceType:       memory.SourceType(r.SourceType),
		SourceSessionID:  r.SourceSessionID,
		SourceMemoryIDs:  sourceIDs,
		EmbeddingModelID: r.EmbeddingModelID,
		RevisionCount:    r.RevisionCount,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		ExpiresAt:        r.ExpiresAt,
		DeletedAt:        r.DeletedAt,
	}, nil
}

func marshalScope(scope memory.Scope) ([]byte, error) {
	data, err := json.Marshal(scope)
	if err != nil {
		return nil, fmt.Errorf("marshaling scope: %w", err)
	}
	return data, nil
}

func marshalIDs(ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("marshaling memory ids: %w", err)
	}
	return data, nil
}

// CreateMemoryWithRevision inserts the memory row and its CREATED revision in
// one transaction. Replays that hit the revision idempotence key return
// ErrRevisionExists without modifying anything.
func (s *Store) CreateMemoryWithRevision(ctx context.Context, m *memory.Memory, rev *memory.Revision) error {
	if err := m.Validate(); err != nil {
		return memory.InvalidInput("create memory", err)
	}
	if rev.RevisionNumber != 1 || rev.Action != memory.RevisionCreated {
		return memory.InvalidInput("create memory",
			fmt.Errorf("initial revision must be number 1 with action CREATED"))
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		scopeJSON, err := marshalScope(m.Scope)
		if err != nil {
			return err
		}
		sourceIDs, err := marshalIDs(m.SourceMemoryIDs)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO memories (
				id, scope, scope_json, fact, topic, category, confidence,
				importance, source_type, source_session_id, source_memory_ids,
				embedding_model_id, revision_count, created_at, updated_at, expires_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,1,$13,$14,$15)`,
			m.ID, m.Scope.Canonical(), scopeJSON, m.Fact, m.Topic, m.Category,
			m.Confidence, m.Importance, m.SourceType, m.SourceSessionID, sourceIDs,
			m.EmbeddingModelID, m.CreatedAt, m.UpdatedAt, m.ExpiresAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrRevisionExists
			}
			return fmt.Errorf("inserting memory: %w", err)
		}

		if err := insertRevision(ctx, tx, rev); err != nil {
			return err
		}
		m.RevisionCount = 1
		return nil
	})
}

// GetMemory fetches one memory by ID, including soft-deleted rows.
func (s *Store) GetMemory(ctx context.Context, id string) (*memory.Memory, error) {
	var row memoryRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM memories WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting memory %s: %w", id, err)
	}
	return row.toMemory()
}

// UpdateMemoryWithRevision rewrites the mutable fields of a memory and
// appends the given revision in one transaction. When expectedRevisionCount
// is non-nil the update fails with ErrConcurrentModification if the stored
// count differs. The previous fact is returned for callers that log it.
func (s *Store) UpdateMemoryWithRevision(ctx context.Context, m *memory.Memory, rev *memory.Revision, expectedRevisionCount *int) (string, error) {
	var previousFact string
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var current memoryRow
		err := tx.GetContext(ctx, &current, `SELECT * FROM memories WHERE id = $1 FOR UPDATE`, m.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return memory.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("locking memory %s: %w", m.ID, err)
		}
		if expectedRevisionCount != nil && current.RevisionCount != *expectedRevisionCount {
			return memory.ErrConcurrentModification
		}
		if rev.RevisionNumber != current.RevisionCount+1 {
			// Replayed step: the revision was already applied.
			if rev.RevisionNumber <= current.RevisionCount {
				return ErrRevisionExists
			}
			return fmt.Errorf("revision %d would create a gap after %d for memory %s",
				rev.RevisionNumber, current.RevisionCount, m.ID)
		}
		previousFact = current.Fact

		sourceIDs, err := marshalIDs(m.SourceMemoryIDs)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE memories SET
				fact = $2, topic = $3, category = $4, confidence = $5,
				importance = $6, source_type = $7, source_memory_ids = $8,
				embedding_model_id = $9, revision_count = revision_count + 1,
				updated_at = $10
			WHERE id = $1`,
			m.ID, m.Fact, m.Topic, m.Category, m.Confidence, m.Importance,
			m.SourceType, sourceIDs, m.EmbeddingModelID, m.UpdatedAt)
		if err != nil {
			return fmt.Errorf("updating memory %s: %w", m.ID, err)
		}

		rev.PreviousFact = previousFact
		return insertRevisionRaw(ctx, tx, rev)
	})
	return previousFact, err
}

// SoftDeleteMemory marks the memory deleted and appends the revision (DELETED
// or MERGED) in one transaction.
func (s *Store) SoftDeleteMemory(ctx context.Context, id string, rev *memory.Revision, expectedRevisionCount *int) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var current memoryRow
		err := tx.GetContext(ctx, &current, `SELECT * FROM memories WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return memory.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("locking memory %s: %w", id, err)
		}
		if current.DeletedAt != nil {
			// Already deleted; a replay lands here.
			return ErrRevisionExists
		}
		if expectedRevisionCount != nil && current.RevisionCount != *expectedRevisionCount {
			return memory.ErrConcurrentModification
		}
		if rev.RevisionNumber != current.RevisionCount+1 {
			if rev.RevisionNumber <= current.RevisionCount {
				return ErrRevisionExists
			}
			return fmt.Errorf("revision %d would create a gap after %d for memory %s",
				rev.RevisionNumber, current.RevisionCount, id)
		}

		now := rev.CreatedAt
		_, err = tx.ExecContext(ctx, `
			UPDATE memories SET deleted_at = $2, revision_count = revision_count + 1, updated_at = $2
			WHERE id = $1`, id, now)
		if err != nil {
			return fmt.Errorf("soft-deleting memory %s: %w", id, err)
		}

		rev.PreviousFact = current.Fact
		return insertRevisionRaw(ctx, tx, rev)
	})
}

// ListMemoriesByScope returns non-deleted memories in the scope, newest
// first. The scope is mandatory; unscoped listing is rejected.
func (s *Store) ListMemoriesByScope(ctx context.Context, scope memory.Scope, filters Filters, limit, offset int) ([]*memory.Memory, error) {
	if err := scope.Validate(); err != nil {
		return nil, memory.InvalidInput("list memories", err)
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT * FROM memories WHERE scope = $1`
	args := []interface{}{scope.Canonical()}
	idx := 2

	if !filters.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if filters.Topic != "" {
		query += fmt.Sprintf(` AND topic = $%d`, idx)
		args = append(args, filters.Topic)
		idx++
	}
	if filters.MinConfidence > 0 {
		query += fmt.Sprintf(` AND confidence >= $%d`, idx)
		args = append(args, filters.MinConfidence)
		idx++
	}
	if filters.SourceType != "" {
		query += fmt.Sprintf(` AND source_type = $%d`, idx)
		args = append(args, string(filters.SourceType))
		idx++
	}
	if filters.CreatedAfter != nil {
		query += fmt.Sprintf(` AND created_at >= $%d`, idx)
		args = append(args, *filters.CreatedAfter)
		idx++
	}
	if filters.CreatedBefore != nil {
		query += fmt.Sprintf(` AND created_at < $%d`, idx)
		args = append(args, *filters.CreatedBefore)
		idx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	var rows []memoryRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing memories: %w", err)
	}

	memories := make([]*memory.Memory, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toMemory()
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, nil
}

// CountMemoriesByScope counts non-deleted memories in the scope.
func (s *Store) CountMemoriesByScope(ctx context.Context, scope memory.Scope) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, memory.InvalidInput("count memories", err)
	}
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM memories WHERE scope = $1 AND deleted_at IS NULL`, scope.Canonical())
	if err != nil {
		return 0, fmt.Errorf("counting memories: %w", err)
	}
	return count, nil
}

// ExpireMemories soft-deletes every memory in the scope whose TTL has passed,
// appending a DELETED revision for each. Returns the IDs of the rows it
// expired so callers can evict their vector points. The operation is
// idempotent: already-deleted rows are never touched.
func (s *Store) ExpireMemories(ctx context.Context, scope memory.Scope, now time.Time) ([]string, error) {
	if err := scope.Validate(); err != nil {
		return nil, memory.InvalidInput("expire memories", err)
	}

	var rows []memoryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM memories
		WHERE scope = $1 AND deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY id`, scope.Canonical(), now)
	if err != nil {
		return nil, fmt.Errorf("selecting expired memories: %w", err)
	}

	var expired []string
	for i := range rows {
		row := &rows[i]
		rev := &memory.Revision{
			ID:             newUUID(),
			MemoryID:       row.ID,
			RevisionNumber: row.RevisionCount + 1,
			Fact:           row.Fact,
			Action:         memory.RevisionDeleted,
			Confidence:     row.Confidence,
			CreatedAt:      now,
		}
		err := s.SoftDeleteMemory(ctx, row.ID, rev, &row.RevisionCount)
		if errors.Is(err, ErrRevisionExists) || errors.Is(err, memory.ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired = append(expired, row.ID)
	}
	return expired, nil
}

// ListRevisions returns the revision chain for a memory, oldest first.
func (s *Store) ListRevisions(ctx context.Context, memoryID string) ([]*memory.Revision, error) {
	type revisionRow struct {
		ID              string    `db:"id"`
		MemoryID        string    `db:"memory_id"`
		RevisionNumber  int       `db:"revision_number"`
		Fact            string    `db:"fact"`
		Action          string    `db:"action"`
		SourceSessionID string    `db:"source_session_id"`
		SourceMemoryIDs []byte    `db:"source_memory_ids"`
		PreviousFact    string    `db:"previous_fact"`
		Confidence      float64   `db:"confidence"`
		CreatedAt       time.Time `db:"created_at"`
	}

	var rows []revisionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM memory_revisions WHERE memory_id = $1 ORDER BY revision_number`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("listing revisions: %w", err)
	}

	revisions := make([]*memory.Revision, 0, len(rows))
	for _, r := range rows {
		var sourceIDs []string
		if len(r.SourceMemoryIDs) > 0 {
			if err := json.Unmarshal(r.SourceMemoryIDs, &sourceIDs); err != nil {
				return nil, fmt.Errorf("unmarshaling revision source ids: %w", err)
			}
		}
		revisions = append(revisions, &memory.Revision{
			ID:              r.ID,
			MemoryID:        r.MemoryID,
			RevisionNumber:  r.RevisionNumber,
			Fact:            r.Fact,
			Action:          memory.RevisionAction(r.Action),
			SourceSessionID: r.SourceSessionID,
			SourceMemoryIDs: sourceIDs,
			PreviousFact:    r.PreviousFact,
			Confidence:      r.Confidence,
			CreatedAt:       r.CreatedAt,
		})
	}
	return revisions, nil
}

// CreateJob inserts a PENDING job row.
func (s *Store) CreateJob(ctx context.Context, job *memory.Job) error {
	scopeJSON, err := marshalScope(job.Scope)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, scope, scope_json, session_id, max_memories, detect_conflicts, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, job.Kind, job.Scope.Canonical(), scopeJSON, job.SessionID,
		job.MaxMemories, job.DetectConflicts, memory.JobPending, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	return nil
}

// GetJob fetches a job row including its persisted result.
func (s *Store) GetJob(ctx context.Context, id string) (*memory.Job, error) {
	type jobRow struct {
		ID              string     `db:"id"`
		Kind            string     `db:"kind"`
		Scope           string     `db:"scope"`
		ScopeJSON       []byte     `db:"scope_json"`
		SessionID       string     `db:"session_id"`
		MaxMemories     int        `db:"max_memories"`
		DetectConflicts bool       `db:"detect_conflicts"`
		Status          string     `db:"status"`
		AttemptCount    int        `db:"attempt_count"`
		LastError       string     `db:"last_error"`
		Result          []byte     `db:"result"`
		CreatedAt       time.Time  `db:"created_at"`
		StartedAt       *time.Time `db:"started_at"`
		CompletedAt     *time.Time `db:"completed_at"`
	}

	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting job %s: %w", id, err)
	}

	var scope memory.Scope
	if err := json.Unmarshal(row.ScopeJSON, &scope); err != nil {
		return nil, fmt.Errorf("unmarshaling job scope: %w", err)
	}
	job := &memory.Job{
		ID:              row.ID,
		Kind:            memory.JobKind(row.Kind),
		Scope:           scope,
		SessionID:       row.SessionID,
		MaxMemories:     row.MaxMemories,
		DetectConflicts: row.DetectConflicts,
		Status:          memory.JobStatus(row.Status),
		AttemptCount:    row.AttemptCount,
		LastError:       row.LastError,
		CreatedAt:       row.CreatedAt,
		StartedAt:       row.StartedAt,
		CompletedAt:     row.CompletedAt,
	}
	if len(row.Result) > 0 {
		var result memory.JobResult
		if err := json.Unmarshal(row.Result, &result); err != nil {
			return nil, fmt.Errorf("unmarshaling job result: %w", err)
		}
		job.Result = &result
	}
	return job, nil
}

// MarkJobRunning transitions a job to RUNNING and bumps its attempt count.
func (s *Store) MarkJobRunning(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $2, attempt_count = attempt_count + 1, started_at = $3
		WHERE id = $1`, id, memory.JobRunning, now)
	if err != nil {
		return fmt.Errorf("marking job running: %w", err)
	}
	return nil
}

// CompleteJob marks the job COMPLETED and persists its result.
func (s *Store) CompleteJob(ctx context.Context, id string, result *memory.JobResult, now time.Time) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling job result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $2, result = $3, completed_at = $4, last_error = ''
		WHERE id = $1`, id, memory.JobCompleted, data, now)
	if err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	return nil
}

// FailJob marks the job FAILED with its last error.
func (s *Store) FailJob(ctx context.Context, id string, lastError string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, completed_at = $4
		WHERE id = $1`, id, memory.JobFailed, lastError, now)
	if err != nil {
		return fmt.Errorf("failing job: %w", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Transaction rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// insertRevision writes a revision row assuming the memory row insert in the
// same transaction already set revision_count.
func insertRevision(ctx context.Context, tx *sqlx.Tx, rev *memory.Revision) error {
	return insertRevisionRaw(ctx, tx, rev)
}

func insertRevisionRaw(ctx context.Context, tx *sqlx.Tx, rev *memory.Revision) error {
	var sourceIDs []byte
	if rev.SourceMemoryIDs != nil {
		var err error
		sourceIDs, err = marshalIDs(rev.SourceMemoryIDs)
		if err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO memory_revisions (
			id, memory_id, revision_number, fact, action, source_session_id,
			source_memory_ids, previous_fact, confidence, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rev.ID, rev.MemoryID, rev.RevisionNumber, rev.Fact, rev.Action,
		rev.SourceSessionID, sourceIDs, rev.PreviousFact, rev.Confidence, rev.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrRevisionExists
		}
		return fmt.Errorf("inserting revision: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
