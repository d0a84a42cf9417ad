package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/pkg/memory"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(log.New(io.Discard), srv.URL, 5*time.Second)
	require.NoError(t, err)
	return client
}

func eventPage(n int, start int) []Event {
	events := make([]Event, n)
	for i := range events {
		events[i] = Event{
			Author:    AuthorUser,
			Content:   fmt.Sprintf("message %d", start+i),
			Timestamp: time.Date(2026, 8, 1, 12, 0, start+i, 0, time.UTC),
		}
	}
	return events
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(log.New(io.Discard), "", time.Second)
	assert.Error(t, err)
}

func TestListEventsSinglePage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events", r.URL.Path)
		assert.Equal(t, "sess-1", r.URL.Query().Get("session_id"))
		_ = json.NewEncoder(w).Encode(eventsResponse{Events: eventPage(3, 0)})
	})

	events, err := client.ListEvents(context.Background(), "sess-1", 100)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "message 0", events[0].Content)
	assert.Equal(t, AuthorUser, events[0].Author)
}

func TestListEventsWalksPages(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		// 250 events total; the client pages 200 at a time.
		remaining := 250 - offset
		if remaining > limit {
			remaining = limit
		}
		_ = json.NewEncoder(w).Encode(eventsResponse{Events: eventPage(remaining, offset)})
	})

	events, err := client.ListEvents(context.Background(), "sess-1", 1000)
	require.NoError(t, err)
	require.Len(t, events, 250)
	assert.Equal(t, "message 0", events[0].Content)
	assert.Equal(t, "message 249", events[249].Content)
}

func TestListEventsHonorsLimit(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		_ = json.NewEncoder(w).Encode(eventsResponse{Events: eventPage(limit, offset)})
	})

	events, err := client.ListEvents(context.Background(), "sess-1", 230)
	require.NoError(t, err)
	assert.Len(t, events, 230)
}

func TestListEventsEmptySessionID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("server should not be reached")
	})

	_, err := client.ListEvents(context.Background(), "", 10)
	require.Error(t, err)
	assert.Equal(t, memory.ClassInvalidInput, memory.ClassOf(err))
}

func TestListEventsStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		class  memory.Classification
	}{
		{http.StatusTooManyRequests, memory.ClassUpstreamTransient},
		{http.StatusInternalServerError, memory.ClassUpstreamTransient},
		{http.StatusBadGateway, memory.ClassUpstreamTransient},
		{http.StatusNotFound, memory.ClassUpstreamPermanent},
		{http.StatusUnauthorized, memory.ClassUpstreamPermanent},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			})

			_, err := client.ListEvents(context.Background(), "sess-1", 10)
			require.Error(t, err)
			assert.Equal(t, tt.class, memory.ClassOf(err))
		})
	}
}

func TestListEventsMalformedBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{broken"))
	})

	_, err := client.ListEvents(context.Background(), "sess-1", 10)
	require.Error(t, err)
	assert.Equal(t, memory.ClassUpstreamPermanent, memory.ClassOf(err))
}

func TestListEventsConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client, err := NewClient(log.New(io.Discard), srv.URL, time.Second)
	require.NoError(t, err)

	_, err = client.ListEvents(context.Background(), "sess-1", 10)
	require.Error(t, err)
	assert.Equal(t, memory.ClassUpstreamTransient, memory.ClassOf(err))
}

func TestListEventsStopsOnShortPage(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(eventsResponse{Events: eventPage(5, 0)})
	})

	events, err := client.ListEvents(context.Background(), "sess-1", 1000)
	require.NoError(t, err)
	assert.Len(t, events, 5)
	assert.Equal(t, int32(1), calls.Load())
}
