// Package sessions is a thin client for the external Sessions service. The
// pipeline only needs one endpoint: the chronological event listing for a
// session.
package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/engramlabs/engram/pkg/memory"
)

// Author identifies who produced a conversation event.
type Author string

const (
	AuthorUser   Author = "user"
	AuthorAgent  Author = "agent"
	AuthorTool   Author = "tool"
	AuthorSystem Author = "system"
)

// Event is one conversation turn, read-only to the pipeline.
type Event struct {
	Author       Author    `json:"author"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
	InvocationID string    `json:"invocation_id,omitempty"`
}

// Client fetches session events over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger
	pageSize   int
}

// NewClient creates a sessions client. baseURL points at the service root.
func NewClient(logger *log.Logger, baseURL string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("sessions base URL cannot be empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		pageSize:   200,
	}, nil
}

type eventsResponse struct {
	Events []Event `json:"events"`
}

// ListEvents returns up to limit events for the session, chronological. The
// service pages results; this walks pages until limit or exhaustion.
func (c *Client) ListEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if sessionID == "" {
		return nil, memory.InvalidInput("list events", fmt.Errorf("session id cannot be empty"))
	}
	if limit <= 0 {
		limit = 1000
	}

	var events []Event
	offset := 0
	for len(events) < limit {
		pageLimit := c.pageSize
		if remaining := limit - len(events); remaining < pageLimit {
			pageLimit = remaining
		}

		page, err := c.fetchPage(ctx, sessionID, pageLimit, offset)
		if err != nil {
			return nil, err
		}
		events = append(events, page...)
		if len(page) < pageLimit {
			break
		}
		offset += len(page)
	}

	c.logger.Debug("Fetched session events", "session_id", sessionID, "count", len(events))
	return events, nil
}

func (c *Client) fetchPage(ctx context.Context, sessionID string, limit, offset int) ([]Event, error) {
	endpoint, err := url.Parse(c.baseURL + "/events")
	if err != nil {
		return nil, memory.InvalidInput("list events", fmt.Errorf("invalid sessions URL: %w", err))
	}
	query := endpoint.Query()
	query.Set("session_id", sessionID)
	query.Set("limit", strconv.Itoa(limit))
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, memory.Permanent("list events", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, memory.Transient("list events", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, memory.Transient("list events", fmt.Errorf("sessions service returned %d", resp.StatusCode))
	default:
		return nil, memory.Permanent("list events", fmt.Errorf("sessions service returned %d", resp.StatusCode))
	}

	var body eventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, memory.Permanent("list events", fmt.Errorf("decoding events response: %w", err))
	}
	return body.Events, nil
}
