package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"staydesk.handoff/internal/core/domain"
	"staydesk.handoff/internal/core/logger"
	"staydesk.handoff/internal/core/metrics"
	"staydesk.handoff/internal/core/ports"
)

// SLARecorder writes one SLA record per finished hand-off and computes the
// statistics views on read.
type SLARecorder struct {
	repo        ports.SLARepository
	transfers   ports.TransferRepository
	assignments ports.AssignmentRepository
	events      *EventBus
	queueWait   time.Duration
	defaultLoc  *time.Location
	locations   map[string]*time.Location
	now         func() time.Time

	mu       sync.Mutex
	breached map[string]struct{}
}

type SLAOptions struct {
	QueueWaitSLA      time.Duration
	DefaultTimezone   string
	PropertyTimezones map[string]string
}

func NewSLARecorder(repo ports.SLARepository, transfers ports.TransferRepository, assignments ports.AssignmentRepository, events *EventBus, opts SLAOptions) (*SLARecorder, error) {
	def := time.UTC
	if opts.DefaultTimezone != "" {
		loc, err := time.LoadLocation(opts.DefaultTimezone)
		if err != nil {
			return nil, fmt.Errorf("default timezone: %w", err)
		}
		def = loc
	}
	locs := make(map[string]*time.Location, len(opts.PropertyTimezones))
	for property, tz := range opts.PropertyTimezones {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("timezone of %s: %w", property, err)
		}
		locs[property] = loc
	}
	if opts.QueueWaitSLA <= 0 {
		opts.QueueWaitSLA = 2 * time.Minute
	}
	return &SLARecorder{
		repo:        repo,
		transfers:   transfers,
		assignments: assignments,
		events:      events,
		queueWait:   opts.QueueWaitSLA,
		defaultLoc:  def,
		locations:   locs,
		now:         time.Now,
		breached:    make(map[string]struct{}),
	}, nil
}

// Record derives queue-wait and handle-time from the timestamps and stores them
// once per transfer request. A repeat call reports created=false.
func (r *SLARecorder) Record(ctx context.Context, req *domain.TransferRequest, a *domain.Assignment, outcome domain.SLAOutcome, transfers int) (bool, error) {
	ended := r.now()
	if a.ReleasedAt != nil {
		ended = *a.ReleasedAt
	}
	assigned := a.AssignedAt
	if req.AssignedAt != nil {
		assigned = *req.AssignedAt
	}

	rec := &domain.SLARecord{
		TransferRequestID: req.ID,
		PropertyID:        req.PropertyID,
		ConversationID:    req.ConversationID,
		AssignmentID:      a.ID,
		AgentID:           a.AgentID,
		Priority:          req.Priority,
		Outcome:           outcome,
		RequestedAt:       req.RequestedAt,
		AssignedAt:        assigned,
		EndedAt:           ended,
		QueueWaitMs:       assigned.Sub(req.RequestedAt).Milliseconds(),
		HandleTimeMs:      ended.Sub(assigned).Milliseconds(),
		ResponseTimeMs:    a.ResponseTimeMs,
		Transfers:         transfers,
	}
	created, err := r.repo.RecordSLA(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("record sla for %s: %w", req.ID, err)
	}
	if created {
		metrics.RecordHandled(ended.Sub(assigned))
	}
	return created, nil
}

// Location returns the timezone statistics use for a property.
func (r *SLARecorder) Location(propertyID string) *time.Location {
	if loc, ok := r.locations[propertyID]; ok {
		return loc
	}
	return r.defaultLoc
}

// DayWindow is the property-local calendar day containing now, as UTC bounds.
func (r *SLARecorder) DayWindow(propertyID string, now time.Time) (from, to time.Time) {
	local := now.In(r.Location(propertyID))
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}

func (r *SLARecorder) TransferStatistics(ctx context.Context, propertyID string) (*domain.TransferStatistics, error) {
	now := r.now()
	from, to := r.DayWindow(propertyID, now)
	stats := &domain.TransferStatistics{
		PropertyID: propertyID,
		Day:        from.In(r.Location(propertyID)).Format("2006-01-02"),
		Timezone:   r.Location(propertyID).String(),
	}

	open, err := r.transfers.ListTransfers(ctx, ports.TransferFilter{
		PropertyID: propertyID,
		Statuses:   []domain.TransferStatus{domain.TransferStatusPending, domain.TransferStatusInProgress},
	})
	if err != nil {
		return nil, err
	}
	for _, t := range open {
		switch t.Status {
		case domain.TransferStatusPending:
			stats.Pending++
			if t.ManualRequired {
				stats.ManualRequired++
			}
			if t.Waiting(now) > r.queueWait {
				stats.SLABreaches++
			}
		case domain.TransferStatusInProgress:
			stats.InProgress++
		}
		if t.Priority == domain.PriorityEmergency {
			stats.Emergency++
		}
	}

	records, err := r.repo.ListSLA(ctx, ports.SLAFilter{PropertyID: propertyID, From: from, To: to})
	if err != nil {
		return nil, err
	}
	var agg slaAggregate
	for _, rec := range records {
		switch rec.Outcome {
		case domain.SLAOutcomeCompleted:
			stats.CompletedToday++
		case domain.SLAOutcomeReleased:
			stats.ReleasedToday++
		}
		if time.Duration(rec.QueueWaitMs)*time.Millisecond > r.queueWait {
			stats.SLABreaches++
		}
		agg.add(rec)
	}
	stats.AvgQueueWaitSeconds = agg.avgQueueWait()
	stats.AvgHandleTimeSeconds = agg.avgHandle()
	stats.AvgResponseTimeSeconds = agg.avgResponse()
	return stats, nil
}

func (r *SLARecorder) AssignmentStatistics(ctx context.Context, propertyID string) (*domain.AssignmentStatistics, error) {
	now := r.now()
	from, to := r.DayWindow(propertyID, now)
	stats := &domain.AssignmentStatistics{
		PropertyID: propertyID,
		Day:        from.In(r.Location(propertyID)).Format("2006-01-02"),
		Timezone:   r.Location(propertyID).String(),
	}

	active, err := r.assignments.ListAssignments(ctx, ports.AssignmentFilter{
		PropertyID: propertyID,
		Statuses:   []domain.AssignmentStatus{domain.AssignmentStatusActive},
	})
	if err != nil {
		return nil, err
	}
	for _, a := range active {
		stats.Active++
		if a.NeedsReassignment {
			stats.AwaitingReassignment++
		}
	}

	transferred, err := r.assignments.CountAssignments(ctx, ports.AssignmentFilter{
		PropertyID: propertyID,
		Statuses:   []domain.AssignmentStatus{domain.AssignmentStatusTransferred},
		EndedFrom:  from,
		EndedTo:    to,
	})
	if err != nil {
		return nil, err
	}
	stats.TransferredToday = int(transferred)

	records, err := r.repo.ListSLA(ctx, ports.SLAFilter{PropertyID: propertyID, From: from, To: to})
	if err != nil {
		return nil, err
	}
	var agg slaAggregate
	for _, rec := range records {
		if rec.Outcome == domain.SLAOutcomeCompleted {
			stats.CompletedToday++
		} else {
			stats.ReleasedToday++
		}
		agg.add(rec)
	}
	stats.AvgHandleTimeSeconds = agg.avgHandle()
	stats.AvgResponseTimeSeconds = agg.avgResponse()
	return stats, nil
}

// AgentPerformance aggregates the day's finished hand-offs per agent. names
// maps agent IDs to display names and may be nil.
func (r *SLARecorder) AgentPerformance(ctx context.Context, propertyID string, names map[string]string) ([]domain.AgentPerformance, error) {
	now := r.now()
	from, to := r.DayWindow(propertyID, now)

	perf := make(map[string]*domain.AgentPerformance)
	aggs := make(map[string]*slaAggregate)
	get := func(agentID string) *domain.AgentPerformance {
		p, ok := perf[agentID]
		if !ok {
			p = &domain.AgentPerformance{AgentID: agentID, Name: names[agentID]}
			perf[agentID] = p
			aggs[agentID] = &slaAggregate{}
		}
		return p
	}

	records, err := r.repo.ListSLA(ctx, ports.SLAFilter{PropertyID: propertyID, From: from, To: to})
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		p := get(rec.AgentID)
		if rec.Outcome == domain.SLAOutcomeCompleted {
			p.Completed++
		} else {
			p.Released++
		}
		aggs[rec.AgentID].add(rec)
	}

	active, err := r.assignments.ListAssignments(ctx, ports.AssignmentFilter{
		PropertyID: propertyID,
		Statuses:   []domain.AssignmentStatus{domain.AssignmentStatusActive},
	})
	if err != nil {
		return nil, err
	}
	for _, a := range active {
		get(a.AgentID).Active++
	}

	moved, err := r.assignments.ListAssignments(ctx, ports.AssignmentFilter{
		PropertyID: propertyID,
		Statuses:   []domain.AssignmentStatus{domain.AssignmentStatusTransferred},
		EndedFrom:  from,
		EndedTo:    to,
	})
	if err != nil {
		return nil, err
	}
	for _, a := range moved {
		get(a.AgentID).TransferredOut++
	}

	out := make([]domain.AgentPerformance, 0, len(perf))
	for id, p := range perf {
		p.AvgHandleTimeSeconds = aggs[id].avgHandle()
		p.AvgResponseTimeSeconds = aggs[id].avgResponse()
		out = append(out, *p)
	}
	sortPerformance(out)
	return out, nil
}

// ScanBreaches emits one sla.breach event per pending request that has waited
// longer than the queue-wait SLA. It only alerts; nothing is re-routed.
func (r *SLARecorder) ScanBreaches(ctx context.Context) (int, error) {
	pending, err := r.transfers.ListTransfers(ctx, ports.TransferFilter{
		Statuses: []domain.TransferStatus{domain.TransferStatusPending},
	})
	if err != nil {
		return 0, err
	}

	now := r.now()
	stillPending := make(map[string]struct{}, len(pending))
	emitted := 0

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range pending {
		stillPending[t.ID] = struct{}{}
		waited := t.Waiting(now)
		if waited <= r.queueWait {
			continue
		}
		if _, done := r.breached[t.ID]; done {
			continue
		}
		r.breached[t.ID] = struct{}{}
		emitted++
		metrics.IncSLABreach(t.Priority.String())
		logger.WarnContext(ctx, "Queue-wait SLA breached", "transfer_id", t.ID, "waited", waited.Round(time.Second), "priority", t.Priority)
		if r.events != nil {
			r.events.Emit(domain.Event{
				Type:           domain.EventSLABreach,
				PropertyID:     t.PropertyID,
				ConversationID: t.ConversationID,
				TransferID:     t.ID,
				Priority:       t.Priority,
				Message:        fmt.Sprintf("waiting %s", waited.Round(time.Second)),
			})
		}
	}
	for id := range r.breached {
		if _, ok := stillPending[id]; !ok {
			delete(r.breached, id)
		}
	}
	return emitted, nil
}

type slaAggregate struct {
	n, responses              int
	wait, handle, responseSum int64
}

func (a *slaAggregate) add(rec *domain.SLARecord) {
	a.n++
	a.wait += rec.QueueWaitMs
	a.handle += rec.HandleTimeMs
	if rec.ResponseTimeMs != nil {
		a.responses++
		a.responseSum += *rec.ResponseTimeMs
	}
}

func (a *slaAggregate) avgQueueWait() float64 { return avgSeconds(a.wait, a.n) }
func (a *slaAggregate) avgHandle() float64    { return avgSeconds(a.handle, a.n) }
func (a *slaAggregate) avgResponse() float64  { return avgSeconds(a.responseSum, a.responses) }

func avgSeconds(totalMs int64, n int) float64 {
	if n == 0 {
		return 0
	}
	return float64(totalMs) / float64(n) / 1000
}

func sortPerformance(out []domain.AgentPerformance) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Completed != out[j].Completed {
			return out[i].Completed > out[j].Completed
		}
		return out[i].AgentID < out[j].AgentID
	})
}
