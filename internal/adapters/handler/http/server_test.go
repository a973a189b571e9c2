package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"staydesk.handoff/internal/adapters/repository/pg"
	"staydesk.handoff/internal/core/domain"
	"staydesk.handoff/internal/core/services"
)

const property = "hotel-1"

type testEnv struct {
	server  *Server
	repo    *pg.Repository
	events  *services.EventBus
	manager *services.AssignmentManager
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	repo, err := pg.Open(sqlite.Open(":memory:"))
	require.NoError(t, err)
	sqlDB, err := repo.DB().DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = repo.Close() })
	require.NoError(t, repo.DB().AutoMigrate(&domain.ConversationMessage{}, &domain.ConversationIssue{}, &domain.GuestProfile{}))

	events := services.NewEventBus(1024)
	queue := services.NewMemoryQueue()
	manual := services.NewMemoryManualQueue()
	presence := services.NewPresenceTracker(repo, services.NewScorer(services.DefaultWeights(), 90*time.Second), events)
	builder := services.NewHandoffBuilder(pg.NewConversationStore(repo.DB()), pg.NewGuestStore(repo.DB()), 10, time.Second)
	sla, err := services.NewSLARecorder(repo, repo, repo, events, services.SLAOptions{QueueWaitSLA: 2 * time.Minute})
	require.NoError(t, err)
	manager := services.NewAssignmentManager(repo, repo, queue, manual, presence, builder, sla, events)
	dispatcher := services.NewDispatcher(queue, manager, services.DispatcherConfig{
		Interval:    time.Second,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Second,
	})

	srv := NewServer(Deps{
		Presence:    presence,
		Manager:     manager,
		Dispatcher:  dispatcher,
		SLA:         sla,
		Health:      services.NewHealthService(repo.DB(), nil, presence, queue, "test"),
		Transfers:   repo,
		Assignments: repo,
		Queue:       queue,
		Manual:      manual,
		Hub:         NewHub(events),
	}, opts)
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, repo: repo, events: events, manager: manager}
}

type call struct {
	method string
	path   string
	body   any
	agent  string
	prop   string
}

func (e *testEnv) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	switch b := c.body.(type) {
	case nil:
	case string:
		body.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&body).Encode(b))
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	req.Header.Set("Content-Type", "application/json")
	if c.prop != "-" {
		p := c.prop
		if p == "" {
			p = property
		}
		req.Header.Set(headerProperty, p)
	}
	if c.agent != "" {
		req.Header.Set(headerAgent, c.agent)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *testEnv) onlineAgent(t *testing.T, id, department string, capacity int) {
	t.Helper()
	rec := e.do(t, call{method: http.MethodPost, path: "/api/agents", body: RegisterAgentRequest{
		ID: id, Name: "Agent " + id, Department: department, Capacity: capacity,
	}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = e.do(t, call{method: http.MethodPost, path: "/api/agent/" + id + "/heartbeat"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (e *testEnv) requestTransfer(t *testing.T, conv string, priority string) *domain.TransferRequest {
	t.Helper()
	body := fmt.Sprintf(`{"conversation_id":%q,"reason":"guest asked for a manager","priority":%q,"detection_method":"explicit_request","department":"front_desk"}`, conv, priority)
	rec := e.do(t, call{method: http.MethodPost, path: "/api/transfers", body: body})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[domain.TransferRequest](t, rec)
	return &created
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, call{method: http.MethodGet, path: "/health/live"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = env.do(t, call{method: http.MethodGet, path: "/api/health/detailed"})
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[services.HealthReport](t, rec)
	assert.Equal(t, services.HealthStatusHealthy, report.Components["database"].Status)
	assert.Contains(t, report.Components, "queue")
}

func TestRegisterHeartbeatAndRank(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.onlineAgent(t, "ana", "front_desk", 2)
	env.onlineAgent(t, "ben", "housekeeping", 2)

	rec := env.do(t, call{method: http.MethodGet, path: "/api/agents?department=front_desk"})
	require.Equal(t, http.StatusOK, rec.Code)
	ranked := decode[[]services.RankedAgent](t, rec)
	require.Len(t, ranked, 1)
	assert.Equal(t, "ana", ranked[0].Agent.ID)

	rec = env.do(t, call{method: http.MethodGet, path: "/api/agent/ana/status"})
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[services.AgentStatus](t, rec)
	assert.True(t, status.Reachable)
	assert.Equal(t, domain.AgentStateAvailable, status.Agent.State)

	rec = env.do(t, call{method: http.MethodPut, path: "/api/agent/ana/status", body: SetStatusRequest{State: "dnd", Message: "training"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.AgentStateDoNotDisturb, decode[domain.Agent](t, rec).State)

	rec = env.do(t, call{method: http.MethodGet, path: "/api/agents?department=front_desk"})
	assert.Empty(t, decode[[]services.RankedAgent](t, rec))

	rec = env.do(t, call{method: http.MethodPut, path: "/api/agent/ana/status", body: SetStatusRequest{State: "sleeping"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransferLifecycle(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.onlineAgent(t, "ana", "front_desk", 2)

	created := env.requestTransfer(t, "conv-1", "high")
	assert.Equal(t, domain.TransferStatusPending, created.Status)
	assert.Equal(t, property, created.PropertyID)

	rec := env.do(t, call{method: http.MethodPost, path: "/api/transfers", body: `{"conversation_id":"conv-1","reason":"again"}`})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_transfer", decode[errorResponse](t, rec).Code)

	rec = env.do(t, call{method: http.MethodGet, path: "/api/transfers/queue"})
	require.Equal(t, http.StatusOK, rec.Code)
	queue := decode[QueueResponse](t, rec)
	require.Len(t, queue.Pending, 1)
	assert.Equal(t, 1, queue.Pending[0].Position)

	rec = env.do(t, call{method: http.MethodPost, path: "/api/transfers/process-all-pending"})
	require.Equal(t, http.StatusOK, rec.Code)
	drained := decode[services.DrainResult](t, rec)
	require.Len(t, drained.Assigned, 1)
	assert.Equal(t, "ana", drained.Assigned[0].AgentID)

	rec = env.do(t, call{method: http.MethodGet, path: "/api/transfers/" + created.ID + "/details"})
	require.Equal(t, http.StatusOK, rec.Code)
	details := decode[TransferDetails](t, rec)
	require.NotNil(t, details.Assignment)
	require.NotNil(t, details.Transfer.Handoff)
	assert.Equal(t, "conv-1", details.Transfer.Handoff.ConversationID)
	state, err := domain.DecodeTransferState(details.State)
	require.NoError(t, err)
	assert.IsType(t, domain.InProgressState{}, state)

	rec = env.do(t, call{method: http.MethodPost, path: "/api/transfers/" + created.ID + "/accept", agent: "ana"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotNil(t, decode[domain.Assignment](t, rec).AcceptedAt)

	rec = env.do(t, call{method: http.MethodPost, path: "/api/agent/ana/heartbeat"})
	require.Equal(t, http.StatusOK, rec.Code)
	hb := decode[HeartbeatResponse](t, rec)
	require.Len(t, hb.Assignments, 1)
	held, err := domain.DecodeTransferState(hb.Assignments[0].State)
	require.NoError(t, err)
	inProgress, ok := held.(domain.InProgressState)
	require.True(t, ok)
	assert.NotNil(t, inProgress.AcceptedAt)

	rec = env.do(t, call{method: http.MethodPost, path: "/api/transfers/" + created.ID + "/complete", body: NotesRequest{Notes: "fixed"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.AssignmentStatusCompleted, decode[domain.Assignment](t, rec).Status)

	rec = env.do(t, call{method: http.MethodGet, path: "/api/agent/ana/workload"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[domain.Workload](t, rec).Active)

	rec = env.do(t, call{method: http.MethodGet, path: "/api/transfers/statistics"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[domain.TransferStatistics](t, rec).CompletedToday)

	rec = env.do(t, call{method: http.MethodGet, path: "/api/assignments/agent-performance"})
	require.Equal(t, http.StatusOK, rec.Code)
	perf := decode[[]domain.AgentPerformance](t, rec)
	require.Len(t, perf, 1)
	assert.Equal(t, "Agent ana", perf[0].Name)
	assert.Equal(t, 1, perf[0].Completed)
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.onlineAgent(t, "ana", "front_desk", 1)

	tests := []struct {
		name   string
		call   call
		status int
		code   string
	}{
		{"unknown transfer", call{method: http.MethodGet, path: "/api/transfers/nope/details"}, http.StatusNotFound, "not_found"},
		{"bad json", call{method: http.MethodPost, path: "/api/transfers", body: `{"conversation_id":`}, http.StatusBadRequest, "validation"},
		{"unknown field", call{method: http.MethodPost, path: "/api/transfers", body: `{"conversation":"c"}`}, http.StatusBadRequest, "validation"},
		{"missing reason", call{method: http.MethodPost, path: "/api/transfers", body: `{"conversation_id":"c"}`}, http.StatusBadRequest, "validation"},
		{"bad priority", call{method: http.MethodPost, path: "/api/transfers", body: `{"conversation_id":"c","reason":"r","priority":"asap"}`}, http.StatusBadRequest, "validation"},
		{"no property", call{method: http.MethodGet, path: "/api/transfers/queue", prop: "-"}, http.StatusBadRequest, "validation"},
		{"property mismatch", call{method: http.MethodPost, path: "/api/transfers", prop: "hotel-2", body: `{"property_id":"hotel-1","conversation_id":"c","reason":"r"}`}, http.StatusBadRequest, "validation"},
		{"unknown agent", call{method: http.MethodGet, path: "/api/agent/ghost/status"}, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.call)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[errorResponse](t, rec).Code)
		})
	}

	first := env.requestTransfer(t, "conv-1", "normal")
	second := env.requestTransfer(t, "conv-2", "normal")

	rec := env.do(t, call{method: http.MethodPost, path: "/api/agent/ana/assign", body: AssignRequest{TransferID: first.ID}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, call{method: http.MethodPost, path: "/api/agent/ana/assign", body: AssignRequest{TransferID: second.ID}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "capacity_exhausted", decode[errorResponse](t, rec).Code)

	rec = env.do(t, call{method: http.MethodPost, path: "/api/agent/ana/assign", body: AssignRequest{TransferID: first.ID}})
	assert.Equal(t, http.StatusOK, rec.Code, "repeating an assignment is not a conflict")

	rec = env.do(t, call{method: http.MethodPost, path: "/api/transfers/" + first.ID + "/cancel", body: ReasonRequest{Reason: "resolved"}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decode[errorResponse](t, rec).Code)

	rec = env.do(t, call{method: http.MethodPost, path: "/api/transfers/" + second.ID + "/cancel", body: ReasonRequest{Reason: "guest left"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.TransferStatusCancelled, decode[domain.TransferRequest](t, rec).Status)
}

func TestOtherPropertyCannotSeeTransfer(t *testing.T) {
	env := newTestEnv(t, Options{})
	created := env.requestTransfer(t, "conv-1", "normal")

	rec := env.do(t, call{method: http.MethodGet, path: "/api/transfers/" + created.ID + "/details", prop: "hotel-2"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, call{method: http.MethodPost, path: "/api/transfers/" + created.ID + "/cancel", prop: "hotel-2"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, call{method: http.MethodGet, path: "/api/transfers/queue", prop: "hotel-2"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[QueueResponse](t, rec).Pending)
}

func TestTransferAssignmentBetweenAgents(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.onlineAgent(t, "ana", "front_desk", 2)
	env.onlineAgent(t, "ben", "front_desk", 2)
	created := env.requestTransfer(t, "conv-1", "normal")

	rec := env.do(t, call{method: http.MethodPost, path: "/api/transfers/" + created.ID + "/assign-agent", body: AgentActionRequest{AgentID: "ana"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[domain.Assignment](t, rec)

	rec = env.do(t, call{
		method: http.MethodPost,
		path:   "/api/assignments/" + first.ID + "/transfer",
		body:   TransferAssignmentRequest{AgentID: "ben", Reason: "spanish speaker"},
		agent:  "supervisor-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	moved := decode[domain.Assignment](t, rec)
	assert.Equal(t, "ben", moved.AgentID)
	require.Len(t, moved.History, 1)
	assert.Equal(t, "supervisor-1", moved.History[0].TransferredBy)

	rec = env.do(t, call{method: http.MethodGet, path: "/api/assignments/active"})
	require.Equal(t, http.StatusOK, rec.Code)
	active := decode[AssignmentPage](t, rec)
	require.Len(t, active.Assignments, 1)
	assert.Equal(t, "ben", active.Assignments[0].AgentID)
	assert.EqualValues(t, 1, active.Total)

	rec = env.do(t, call{method: http.MethodGet, path: "/api/assignments/history?conversation_id=conv-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[AssignmentPage](t, rec)
	require.Len(t, history.Assignments, 1)
	assert.Equal(t, domain.AssignmentStatusTransferred, history.Assignments[0].Status)
	require.Len(t, history.Transfers, 1)
	assert.Equal(t, "ana", history.Transfers[0].FromAgentID)

	rec = env.do(t, call{method: http.MethodPost, path: "/api/agent/release", body: ReleaseRequest{AssignmentID: moved.ID, Reason: "shift over"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.AssignmentStatusReleased, decode[domain.Assignment](t, rec).Status)

	rec = env.do(t, call{method: http.MethodGet, path: "/api/assignments/history?from=yesterday"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBulkAutoAssign(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.onlineAgent(t, "ana", "front_desk", 1)
	env.requestTransfer(t, "conv-1", "normal")
	urgent := env.requestTransfer(t, "conv-2", "emergency")

	rec := env.do(t, call{method: http.MethodPost, path: "/api/assignments/bulk-auto-assign"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[BulkAssignResponse](t, rec)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, 1, resp.Assigned)
	assert.Equal(t, 1, resp.Failed)
	// Queue order puts the emergency first.
	assert.Equal(t, urgent.ID, resp.Results[0].TransferID)
	assert.Equal(t, "ana", resp.Results[0].AgentID)
	assert.Contains(t, resp.Results[1].Error, domain.ErrCapacityExhausted.Error())
}

func TestCreateManualAssignsChosenAgent(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.onlineAgent(t, "ana", "front_desk", 1)

	body := `{"conversation_id":"conv-9","reason":"VIP complaint at the desk","priority":"high","agent_id":"ana"}`
	rec := env.do(t, call{method: http.MethodPost, path: "/api/transfers/create-manual", body: body})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[CreateManualResponse](t, rec)
	assert.Equal(t, domain.DetectionManual, resp.Transfer.DetectionMethod)
	require.NotNil(t, resp.Assignment)
	assert.Equal(t, "ana", resp.Assignment.AgentID)
	assert.Equal(t, domain.TransferStatusInProgress, resp.Transfer.Status)
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	env := newTestEnv(t, Options{RateLimitPerMin: 60, RateLimitBurst: 2})

	for i := 0; i < 2; i++ {
		rec := env.do(t, call{method: http.MethodGet, path: "/api/transfers/queue"})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := env.do(t, call{method: http.MethodGet, path: "/api/transfers/queue"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decode[errorResponse](t, rec).Code)

	// Probes are outside the limiter.
	rec = env.do(t, call{method: http.MethodGet, path: "/health/live"})
	assert.Equal(t, http.StatusOK, rec.Code)
}
