package console

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"staydesk.handoff/internal/core/domain"
)

type fakeServer struct {
	*httptest.Server
	beats    atomic.Int32
	failures atomic.Int32 // heartbeats answered with 503 before succeeding
	accepted atomic.Int32
	mu       sync.Mutex
	states   []string
	held     []assignmentView
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/agent/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		n := f.beats.Add(1)
		if r.PathValue("id") != "ana" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "agent not found", "code": "not_found"})
			return
		}
		if n <= f.failures.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"session":     domain.AgentSession{AgentID: "ana", Heartbeats: int64(n)},
			"assignments": f.held,
		})
	})
	mux.HandleFunc("POST /api/transfers/{id}/accept", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ana", r.Header.Get("X-Agent-ID"))
		f.accepted.Add(1)
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("PUT /api/agent/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			State string `json:"state"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.states = append(f.states, body.State)
		f.mu.Unlock()
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("GET /api/agent/{id}/workload", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.Workload{AgentID: "ana", Active: 1, Capacity: 3, Free: 2})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeServer) hold(t *testing.T, assignmentID, transferID string, state domain.TransferState) {
	t.Helper()
	raw, err := domain.EncodeTransferState(state)
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = append(f.held, assignmentView{
		AssignmentID:   assignmentID,
		TransferID:     transferID,
		ConversationID: "conv-" + transferID,
		State:          raw,
	})
}

func newConsole(t *testing.T, url string, autoAccept bool) *Console {
	t.Helper()
	c, err := New(Config{
		ServerURL:  url + "/",
		AgentID:    "ana",
		PropertyID: "hotel-1",
		Interval:   20 * time.Millisecond,
		AutoAccept: autoAccept,
		MaxRetry:   5 * time.Second,
	}, nil)
	require.NoError(t, err)
	return c
}

func TestHeartbeatDecodesHeldState(t *testing.T) {
	srv := newFakeServer(t)
	assigned := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	srv.hold(t, "as-1", "tr-1", domain.InProgressState{AgentID: "ana", AssignmentID: "as-1", AssignedAt: assigned})
	c := newConsole(t, srv.URL, false)

	b, err := c.Heartbeat(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Session.Heartbeats)
	require.Len(t, b.Held, 1)

	st, ok := b.Held[0].State.(domain.InProgressState)
	require.True(t, ok, "got %T", b.Held[0].State)
	assert.Equal(t, "as-1", st.AssignmentID)
	assert.True(t, assigned.Equal(st.AssignedAt))
	assert.Nil(t, st.AcceptedAt)
}

func TestBeatAcceptsNewConversationsOnce(t *testing.T) {
	srv := newFakeServer(t)
	srv.hold(t, "as-1", "tr-1", domain.InProgressState{AgentID: "ana", AssignmentID: "as-1", AssignedAt: time.Now()})
	accepted := time.Now()
	srv.hold(t, "as-2", "tr-2", domain.InProgressState{AgentID: "ana", AssignmentID: "as-2", AssignedAt: time.Now(), AcceptedAt: &accepted})
	c := newConsole(t, srv.URL, true)

	ctx := context.Background()
	require.NoError(t, c.beat(ctx))
	require.NoError(t, c.beat(ctx))

	assert.Equal(t, int32(1), srv.accepted.Load())
	assert.Len(t, c.seen, 2)
}

func TestBeatRetriesServerErrors(t *testing.T) {
	srv := newFakeServer(t)
	srv.failures.Store(1)
	c := newConsole(t, srv.URL, false)

	require.NoError(t, c.beat(context.Background()))
	assert.Equal(t, int32(2), srv.beats.Load())
}

func TestBeatDoesNotRetryClientErrors(t *testing.T) {
	srv := newFakeServer(t)
	c, err := New(Config{ServerURL: srv.URL, AgentID: "ghost"}, nil)
	require.NoError(t, err)

	err = c.beat(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.Equal(t, int32(1), srv.beats.Load())

	assert.ErrorContains(t, c.Run(context.Background()), "not registered")
}

func TestRunSignsOffOnShutdown(t *testing.T) {
	srv := newFakeServer(t)
	c := newConsole(t, srv.URL, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.beats.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, []string{"offline"}, srv.states)
}

func TestWorkload(t *testing.T) {
	srv := newFakeServer(t)
	c := newConsole(t, srv.URL, false)

	load, err := c.Workload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, load.Free)
}

func TestNewRequiresAgent(t *testing.T) {
	_, err := New(Config{ServerURL: "http://localhost:8080"}, nil)
	assert.Error(t, err)
}
