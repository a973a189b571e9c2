package console

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"staydesk.handoff/internal/core/domain"
	"staydesk.handoff/internal/core/logger"
)

type Config struct {
	ServerURL  string
	AgentID    string
	PropertyID string
	// Interval between heartbeats. It must stay well under the server's heartbeat timeout.
	Interval   time.Duration
	AutoAccept bool
	// MaxRetry bounds how long one heartbeat is retried before the loop gives up on it.
	MaxRetry   time.Duration
}

// Held is one conversation the agent currently holds.
type Held struct {
	AssignmentID   string
	TransferID     string
	ConversationID string
	State          domain.TransferState
}

// Beat is the server's answer to a heartbeat.
type Beat struct {
	Session domain.AgentSession
	Held    []Held
}

// APIError is a non-2xx answer of the routing API.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

// Console keeps an agent's session alive and follows the conversations routed to it.
type Console struct {
	cfg    Config
	client *http.Client
	seen   map[string]bool
}

func New(cfg Config, client *http.Client) (*Console, error) {
	if cfg.ServerURL == "" || cfg.AgentID == "" {
		return nil, errors.New("console: server URL and agent ID are required")
	}
	if _, err := url.Parse(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("console: invalid server URL: %w", err)
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = cfg.Interval
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Console{cfg: cfg, client: client, seen: make(map[string]bool)}, nil
}

// Run heartbeats until ctx is cancelled, then signs the agent off.
func (c *Console) Run(ctx context.Context) error {
	if err := c.beat(ctx); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return fmt.Errorf("agent %s is not registered: %w", c.cfg.AgentID, err)
		}
		logger.Warn("Initial heartbeat failed", "agent_id", c.cfg.AgentID, "error", err)
	}
	logger.Info("Console started", "agent_id", c.cfg.AgentID, "interval", c.cfg.Interval)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Signing off", "agent_id", c.cfg.AgentID)
			offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.SetStatus(offCtx, domain.AgentStateOffline, "console closed"); err != nil {
				logger.Warn("Failed to sign off", "agent_id", c.cfg.AgentID, "error", err)
			}
			return nil
		case <-ticker.C:
			if err := c.beat(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("Heartbeat failed", "agent_id", c.cfg.AgentID, "error", err)
			}
		}
	}
}

func (c *Console) beat(ctx context.Context) error {
	b, err := backoff.Retry(ctx, func() (*Beat, error) {
		b, err := c.Heartbeat(ctx)
		var apiErr *APIError
		switch {
		case !errors.As(err, &apiErr):
			return b, err
		case apiErr.Status == http.StatusTooManyRequests && apiErr.RetryAfter > 0:
			return nil, backoff.RetryAfter(apiErr.RetryAfter)
		case apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests:
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(c.cfg.MaxRetry),
	)
	if err != nil {
		return err
	}
	c.follow(ctx, b)
	return nil
}

// follow reports newly routed conversations and accepts them when configured to.
func (c *Console) follow(ctx context.Context, b *Beat) {
	current := make(map[string]bool, len(b.Held))
	for _, h := range b.Held {
		current[h.AssignmentID] = true
		if c.seen[h.AssignmentID] {
			continue
		}
		c.seen[h.AssignmentID] = true

		st, ok := h.State.(domain.InProgressState)
		if !ok {
			continue
		}
		logger.Info("New conversation", "conversation_id", h.ConversationID, "transfer_id", h.TransferID, "assigned_at", st.AssignedAt)
		if c.cfg.AutoAccept && st.AcceptedAt == nil {
			if err := c.Accept(ctx, h.TransferID); err != nil {
				logger.Warn("Failed to accept conversation", "transfer_id", h.TransferID, "error", err)
			}
		}
	}
	for id := range c.seen {
		if !current[id] {
			delete(c.seen, id)
		}
	}
	logger.Debug("Heartbeat", "agent_id", c.cfg.AgentID, "beats", b.Session.Heartbeats, "active", len(b.Held))
}

type assignmentView struct {
	AssignmentID   string          `json:"assignment_id"`
	TransferID     string          `json:"transfer_id"`
	ConversationID string          `json:"conversation_id"`
	State          json.RawMessage `json:"state"`
}

func (c *Console) Heartbeat(ctx context.Context) (*Beat, error) {
	var resp struct {
		Session     domain.AgentSession `json:"session"`
		Assignments []assignmentView    `json:"assignments"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/agent/"+url.PathEscape(c.cfg.AgentID)+"/heartbeat", nil, &resp); err != nil {
		return nil, err
	}

	b := &Beat{Session: resp.Session}
	for _, v := range resp.Assignments {
		state, err := domain.DecodeTransferState(v.State)
		if err != nil {
			return nil, fmt.Errorf("assignment %s: %w", v.AssignmentID, err)
		}
		b.Held = append(b.Held, Held{
			AssignmentID:   v.AssignmentID,
			TransferID:     v.TransferID,
			ConversationID: v.ConversationID,
			State:          state,
		})
	}
	return b, nil
}

func (c *Console) Accept(ctx context.Context, transferID string) error {
	body := map[string]string{"agent_id": c.cfg.AgentID}
	return c.do(ctx, http.MethodPost, "/api/transfers/"+url.PathEscape(transferID)+"/accept", body, nil)
}

func (c *Console) SetStatus(ctx context.Context, state domain.AgentState, message string) error {
	body := map[string]string{"state": string(state), "message": message}
	return c.do(ctx, http.MethodPut, "/api/agent/"+url.PathEscape(c.cfg.AgentID)+"/status", body, nil)
}

func (c *Console) Workload(ctx context.Context) (domain.Workload, error) {
	var load domain.Workload
	err := c.do(ctx, http.MethodGet, "/api/agent/"+url.PathEscape(c.cfg.AgentID)+"/workload", nil, &load)
	return load, err
}

func (c *Console) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.ServerURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Agent-ID", c.cfg.AgentID)
	if c.cfg.PropertyID != "" {
		req.Header.Set("X-Property-ID", c.cfg.PropertyID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return &APIError{Status: resp.StatusCode, Code: e.Code, Message: e.Error, RetryAfter: retryAfter}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
