package memory

import (
	"errors"
	"fmt"
)

// Classification buckets every pipeline failure into one of the outcomes the
// coordinator knows how to map to a job-level decision.
type Classification string

const (
	ClassInvalidInput           Classification = "INVALID_INPUT"
	ClassUpstreamTransient      Classification = "UPSTREAM_TRANSIENT"
	ClassUpstreamPermanent      Classification = "UPSTREAM_PERMANENT"
	ClassConcurrentModification Classification = "CONCURRENT_MODIFICATION"
	ClassPartialDegraded        Classification = "PARTIAL_DEGRADED"
	ClassCancelled              Classification = "CANCELLED"
)

// PipelineError carries a classification alongside the underlying cause.
// Adapters classify before returning; nothing above them re-inspects vendor
// error types.
type PipelineError struct {
	Class Classification
	Op    string
	Err   error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Class)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Classify wraps err with the given class. A nil err yields nil.
func Classify(class Classification, op string, err error) error {
	if err == nil {
		return nil
	}
	return &PipelineError{Class: class, Op: op, Err: err}
}

// Transient marks err as retriable upstream failure.
func Transient(op string, err error) error {
	return Classify(ClassUpstreamTransient, op, err)
}

// Permanent marks err as a non-retriable upstream failure.
func Permanent(op string, err error) error {
	return Classify(ClassUpstreamPermanent, op, err)
}

// InvalidInput marks err as an operator/payload error; never retried.
func InvalidInput(op string, err error) error {
	return Classify(ClassInvalidInput, op, err)
}

// ErrConcurrentModification signals an optimistic-concurrency conflict on a
// memory row. The coordinator re-reads and retries a bounded number of times.
var ErrConcurrentModification = errors.New("concurrent modification")

// ErrNotFound signals a missing row or vector point.
var ErrNotFound = errors.New("not found")

// ClassOf extracts the classification from err, defaulting to
// UPSTREAM_TRANSIENT for unclassified errors so the broker's redelivery path
// remains the recovery of last resort.
func ClassOf(err error) Classification {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Class
	}
	if errors.Is(err, ErrConcurrentModification) {
		return ClassConcurrentModification
	}
	return ClassUpstreamTransient
}

// IsTransient reports whether err should be retried by the caller or broker.
func IsTransient(err error) bool {
	return ClassOf(err) == ClassUpstreamTransient
}

// IsPermanent reports whether err must fail the job without retry.
func IsPermanent(err error) bool {
	c := ClassOf(err)
	return c == ClassUpstreamPermanent || c == ClassInvalidInput
}
