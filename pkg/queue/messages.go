// Package queue is the JetStream fabric between job producers and the
// pipeline workers: stream topology, message codecs, publishing and the
// at-least-once consume loop.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/engramlabs/engram/pkg/memory"
)

// Stream and subject names. Each work stream holds exactly one subject so a
// work-queue retention policy can be applied per job kind.
const (
	StreamExtraction    = "ENGRAM-EXTRACTION"
	StreamConsolidation = "ENGRAM-CONSOLIDATION"
	StreamDeadLetter    = "ENGRAM-DLQ"

	SubjectExtraction    = "extraction.requests"
	SubjectConsolidation = "consolidation.requests"

	SubjectDeadLetterExtraction    = "dlq.extraction"
	SubjectDeadLetterConsolidation = "dlq.consolidation"
)

// ExtractionRequest asks a worker to distill one session into memories.
type ExtractionRequest struct {
	JobID     string       `json:"job_id"`
	SessionID string       `json:"session_id"`
	Scope     memory.Scope `json:"scope"`
}

// Validate checks the request before it is published or processed.
func (r *ExtractionRequest) Validate() error {
	if r.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if r.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if err := r.Scope.Validate(); err != nil {
		return fmt.Errorf("invalid scope: %w", err)
	}
	return nil
}

// ConsolidationRequest asks a worker to consolidate a scope's memories.
type ConsolidationRequest struct {
	JobID           string       `json:"job_id"`
	Scope           memory.Scope `json:"scope"`
	MaxMemories     int          `json:"max_memories,omitempty"`
	DetectConflicts bool         `json:"detect_conflicts,omitempty"`
}

// Validate checks the request before it is published or processed.
func (r *ConsolidationRequest) Validate() error {
	if r.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if err := r.Scope.Validate(); err != nil {
		return fmt.Errorf("invalid scope: %w", err)
	}
	if r.MaxMemories < 0 {
		return fmt.Errorf("max_memories cannot be negative")
	}
	return nil
}

// EncodeExtractionRequest serializes a validated request.
func EncodeExtractionRequest(r *ExtractionRequest) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// DecodeExtractionRequest parses and validates a payload. Malformed payloads
// are invalid input, never retried.
func DecodeExtractionRequest(data []byte) (*ExtractionRequest, error) {
	var r ExtractionRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, memory.InvalidInput("decode extraction request", err)
	}
	if err := r.Validate(); err != nil {
		return nil, memory.InvalidInput("decode extraction request", err)
	}
	return &r, nil
}

// EncodeConsolidationRequest serializes a validated request.
func EncodeConsolidationRequest(r *ConsolidationRequest) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// DecodeConsolidationRequest parses and validates a payload.
func DecodeConsolidationRequest(data []byte) (*ConsolidationRequest, error) {
	var r ConsolidationRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, memory.InvalidInput("decode consolidation request", err)
	}
	if err := r.Validate(); err != nil {
		return nil, memory.InvalidInput("decode consolidation request", err)
	}
	return &r, nil
}
