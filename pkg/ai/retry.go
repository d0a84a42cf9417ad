package ai

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"

	"github.com/engramlabs/engram/pkg/memory"
)

// retryBaseDelay is the initial backoff interval for provider retries.
const retryBaseDelay = 500 * time.Millisecond

// retryPolicy builds the exponential backoff used for provider calls. Only
// transient errors are fed through it; permanent ones short-circuit via
// backoff.Permanent.
func retryPolicy(ctx context.Context, maxRetries int) backoff.BackOffContext {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryBaseDelay
	policy.MaxInterval = 10 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxRetries)), ctx)
}

// classifyProviderError maps a vendor error to the pipeline taxonomy.
// Rate limits and 5xx responses are transient; auth and other 4xx are
// permanent; network-level failures are transient.
func classifyProviderError(op string, err error) error {
	if err == nil {
		return nil
	}
	// Already-classified errors keep their classification.
	var pipelineErr *memory.PipelineError
	if errors.As(err, &pipelineErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return memory.Classify(memory.ClassCancelled, op, err)
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return memory.Transient(op, err)
		case apiErr.StatusCode >= 500:
			return memory.Transient(op, err)
		default:
			return memory.Permanent(op, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return memory.Transient(op, err)
	}

	// Unrecognized provider failures stay transient so the broker redelivery
	// path remains the recovery of last resort.
	return memory.Transient(op, err)
}
