package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"staydesk.handoff/internal/core/domain"
	"staydesk.handoff/internal/core/logger"
	"staydesk.handoff/internal/core/metrics"
	"staydesk.handoff/internal/core/ports"
)

// DispatcherConfig bounds automatic retries before a request needs a supervisor.
type DispatcherConfig struct {
	Interval    time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DrainResult summarises one pass over the queue.
type DrainResult struct {
	Assigned    []*domain.Assignment `json:"assigned"`
	Deferred    int                  `json:"deferred"`
	Escalated   int                  `json:"escalated"`
	Failed      int                  `json:"failed"`
	QueueLength int                  `json:"queue_length"`
}

type attemptState struct {
	attempts int
	next     time.Time
	delays   *backoff.ExponentialBackOff
}

// Dispatcher drains the transfer queue whenever something may have become
// assignable, with a fallback ticker for anything missed.
type Dispatcher struct {
	queue   ports.TransferQueue
	manager *AssignmentManager
	cfg     DispatcherConfig
	now     func() time.Time

	wakeCh     chan struct{}
	clearDelay atomic.Bool

	mu       sync.Mutex // serialises drains
	attempts map[string]*attemptState
}

func NewDispatcher(queue ports.TransferQueue, manager *AssignmentManager, cfg DispatcherConfig) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &Dispatcher{
		queue:    queue,
		manager:  manager,
		cfg:      cfg,
		now:      time.Now,
		wakeCh:   make(chan struct{}, 1),
		attempts: make(map[string]*attemptState),
	}
}

// Notify asks for a drain after a new request was queued.
func (d *Dispatcher) Notify() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// NotifyAvailability asks for a drain after agent capacity may have grown.
// Pending retry delays are ignored on that drain.
func (d *Dispatcher) NotifyAvailability() {
	d.clearDelay.Store(true)
	d.Notify()
}

// Run drains on every wake-up and tick until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	logger.Info("Dispatcher started", "interval", d.cfg.Interval, "max_attempts", d.cfg.MaxAttempts)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.wakeCh:
		case <-ticker.C:
		}
		d.drain(ctx, d.clearDelay.Swap(false))
	}
}

// DrainNow processes every queued request immediately, ignoring retry delays.
func (d *Dispatcher) DrainNow(ctx context.Context) DrainResult {
	return d.drain(ctx, true)
}

func (d *Dispatcher) drain(ctx context.Context, ignoreDelay bool) DrainResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	var result DrainResult
	pending, err := d.queue.PeekOrdered(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to read transfer queue", "error", err)
		return result
	}

	depth := map[string]int{"normal": 0, "high": 0, "emergency": 0}
	seen := make(map[string]struct{}, len(pending))
	for _, req := range pending {
		if ctx.Err() != nil {
			break
		}
		seen[req.ID] = struct{}{}

		state := d.attempts[req.ID]
		if state == nil {
			state = d.newAttemptState(req.Attempts)
			d.attempts[req.ID] = state
		}
		if !ignoreDelay && d.now().Before(state.next) {
			result.Deferred++
			depth[req.Priority.String()]++
			continue
		}

		a, err := d.manager.AutoAssign(ctx, req.ID)
		if errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrIllegalTransition) {
			a, err = d.manager.AutoAssign(ctx, req.ID)
		}

		switch {
		case err == nil:
			result.Assigned = append(result.Assigned, a)
			delete(d.attempts, req.ID)
		case errors.Is(err, domain.ErrCapacityExhausted):
			if d.backoff(ctx, req, state) {
				result.Escalated++
			} else {
				result.Deferred++
				depth[req.Priority.String()]++
			}
		case errors.Is(err, domain.ErrIllegalTransition), errors.Is(err, domain.ErrNotFound):
			// No longer pending: cancelled, escalated or assigned elsewhere.
			if err := d.queue.Remove(ctx, req.ID); err != nil {
				logger.WarnContext(ctx, "Failed to drop stale queue entry", "transfer_id", req.ID, "error", err)
			}
			delete(d.attempts, req.ID)
		default:
			result.Failed++
			depth[req.Priority.String()]++
			logger.ErrorContext(ctx, "Dispatch failed", "transfer_id", req.ID, "error", err)
		}
	}

	for id := range d.attempts {
		if _, ok := seen[id]; !ok {
			delete(d.attempts, id)
		}
	}
	result.QueueLength = depth["normal"] + depth["high"] + depth["emergency"]
	metrics.SetQueueDepth(depth)
	if len(result.Assigned) > 0 || result.Escalated > 0 {
		logger.InfoContext(ctx, "Queue drained",
			"assigned", len(result.Assigned), "deferred", result.Deferred,
			"escalated", result.Escalated, "failed", result.Failed)
	}
	return result
}

// backoff records a capacity failure and reports whether the request was escalated.
func (d *Dispatcher) backoff(ctx context.Context, req *domain.TransferRequest, state *attemptState) bool {
	state.attempts++
	if state.attempts >= d.cfg.MaxAttempts {
		if _, err := d.manager.EscalateManual(ctx, req.ID, "no agent available after retries"); err != nil {
			logger.ErrorContext(ctx, "Manual escalation failed", "transfer_id", req.ID, "error", err)
			return false
		}
		delete(d.attempts, req.ID)
		return true
	}

	state.next = d.now().Add(state.delays.NextBackOff())
	next := state.next
	if err := d.manager.NoteAttempt(ctx, req.ID, state.attempts, &next); err != nil {
		logger.WarnContext(ctx, "Failed to persist dispatch attempt", "transfer_id", req.ID, "error", err)
	}
	return false
}

// newAttemptState starts the retry schedule of a request that already failed
// attempts times: BaseDelay doubling per attempt, capped at MaxDelay.
func (d *Dispatcher) newAttemptState(attempts int) *attemptState {
	delays := backoff.NewExponentialBackOff()
	delays.InitialInterval = d.cfg.BaseDelay
	delays.MaxInterval = d.cfg.MaxDelay
	delays.Multiplier = 2
	delays.RandomizationFactor = 0
	delays.Reset()
	for i := 0; i < attempts; i++ {
		delays.NextBackOff()
	}
	return &attemptState{attempts: attempts, delays: delays}
}
