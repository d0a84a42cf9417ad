package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/pkg/memory"
)

var testScope = memory.Scope{"user_id": "u1"}

func TestExtractionRequestRoundTrip(t *testing.T) {
	req := &ExtractionRequest{JobID: "job-1", SessionID: "sess-1", Scope: testScope}

	data, err := EncodeExtractionRequest(req)
	require.NoError(t, err)

	decoded, err := DecodeExtractionRequest(data)
	require.NoError(t, err)
	assert.Equal(t, req.JobID, decoded.JobID)
	assert.Equal(t, req.SessionID, decoded.SessionID)
	assert.True(t, req.Scope.Equal(decoded.Scope))
}

func TestExtractionRequestValidation(t *testing.T) {
	_, err := EncodeExtractionRequest(&ExtractionRequest{SessionID: "s", Scope: testScope})
	assert.Error(t, err, "missing job id")

	_, err = EncodeExtractionRequest(&ExtractionRequest{JobID: "j", Scope: testScope})
	assert.Error(t, err, "missing session id")

	_, err = EncodeExtractionRequest(&ExtractionRequest{JobID: "j", SessionID: "s"})
	assert.Error(t, err, "missing scope")
}

func TestDecodeExtractionRequestMalformed(t *testing.T) {
	_, err := DecodeExtractionRequest([]byte("{not json"))
	require.Error(t, err)
	assert.Equal(t, memory.ClassInvalidInput, memory.ClassOf(err))

	// Well-formed JSON that fails validation is equally unretriable.
	_, err = DecodeExtractionRequest([]byte(`{"job_id":"j"}`))
	require.Error(t, err)
	assert.Equal(t, memory.ClassInvalidInput, memory.ClassOf(err))
}

func TestConsolidationRequestRoundTrip(t *testing.T) {
	req := &ConsolidationRequest{JobID: "job-1", Scope: testScope, MaxMemories: 200, DetectConflicts: true}

	data, err := EncodeConsolidationRequest(req)
	require.NoError(t, err)

	decoded, err := DecodeConsolidationRequest(data)
	require.NoError(t, err)
	assert.Equal(t, 200, decoded.MaxMemories)
	assert.True(t, decoded.DetectConflicts)
}

func TestConsolidationRequestValidation(t *testing.T) {
	_, err := EncodeConsolidationRequest(&ConsolidationRequest{Scope: testScope})
	assert.Error(t, err, "missing job id")

	_, err = EncodeConsolidationRequest(&ConsolidationRequest{JobID: "j", Scope: testScope, MaxMemories: -1})
	assert.Error(t, err, "negative max memories")
}

func TestNewWorkerValidation(t *testing.T) {
	fabric := &Fabric{maxDeliver: 5, prefetch: 8}
	handler := func(_ context.Context, _ []byte) error { return nil }

	_, err := NewWorker(fabric, nil, nil, WorkerOptions{Kind: memory.JobExtract, Durable: "d", Concurrency: 1})
	assert.Error(t, err, "nil handler")

	_, err = NewWorker(fabric, nil, handler, WorkerOptions{Kind: memory.JobExtract, Durable: "d"})
	assert.Error(t, err, "zero concurrency")

	_, err = NewWorker(fabric, nil, handler, WorkerOptions{Kind: memory.JobExtract, Concurrency: 1})
	assert.Error(t, err, "missing durable name")

	_, err = NewWorker(fabric, nil, handler, WorkerOptions{Kind: "SWEEP", Durable: "d", Concurrency: 1})
	assert.Error(t, err, "unknown kind")

	w, err := NewWorker(fabric, nil, handler, WorkerOptions{Kind: memory.JobConsolidate, Durable: "d", Concurrency: 1})
	require.NoError(t, err)
	assert.Equal(t, StreamConsolidation, w.stream)
	assert.Equal(t, SubjectDeadLetterConsolidation, w.dlqSubject)
}

func TestNakDelayGrowsAndCaps(t *testing.T) {
	assert.Equal(t, time.Second, nakDelay(0))
	assert.Equal(t, time.Second, nakDelay(1))
	assert.Equal(t, 2*time.Second, nakDelay(2))
	assert.Equal(t, 16*time.Second, nakDelay(5))
	assert.Equal(t, 30*time.Second, nakDelay(6))
	assert.Equal(t, 30*time.Second, nakDelay(40))
}
