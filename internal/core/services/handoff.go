package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"staydesk.handoff/internal/core/circuitbreaker"
	"staydesk.handoff/internal/core/domain"
	"staydesk.handoff/internal/core/logger"
	"staydesk.handoff/internal/core/ports"
	"staydesk.handoff/internal/core/tracing"
)

var urgentWords = []string{
	"emergency", "urgent", "asap", "immediately", "help", "medical", "ambulance",
	"fire", "smoke", "leak", "flood", "locked out", "police", "injured", "sick", "stolen",
}

var negativeWords = []string{
	"angry", "terrible", "awful", "unacceptable", "worst", "refund", "complaint",
	"disappointed", "rude", "dirty", "broken", "disgusting", "furious",
}

var positiveWords = []string{"thank", "great", "perfect", "lovely", "appreciate", "wonderful", "excellent"}

const maxHighlights = 3

// HandoffBuilder assembles the context package handed to the receiving agent.
// Collaborator failures degrade the result instead of failing the hand-off.
type HandoffBuilder struct {
	conversations ports.ConversationSource
	guests        ports.GuestDirectory
	convBreaker   *circuitbreaker.CircuitBreaker
	guestBreaker  *circuitbreaker.CircuitBreaker
	limit         int
	timeout       time.Duration
	now           func() time.Time
}

func NewHandoffBuilder(conversations ports.ConversationSource, guests ports.GuestDirectory, limit int, timeout time.Duration) *HandoffBuilder {
	if limit <= 0 {
		limit = 10
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	// A missing guest profile is a normal answer, not an outage.
	guestBreaker := circuitbreaker.NewWithSettings("guest-directory", circuitbreaker.Settings{
		MinRequests:  3,
		FailureRatio: 0.6,
		OpenTimeout:  30 * time.Second,
		IsSuccessful: func(err error) bool { return err == nil || errors.Is(err, domain.ErrNotFound) },
	})
	return &HandoffBuilder{
		conversations: conversations,
		guests:        guests,
		convBreaker:   circuitbreaker.New("conversation-source"),
		guestBreaker:  guestBreaker,
		limit:         limit,
		timeout:       timeout,
		now:           time.Now,
	}
}

// Build always returns a context. The error, when set, wraps ErrUpstreamDegraded
// and only explains why the context is degraded.
func (b *HandoffBuilder) Build(ctx context.Context, req *domain.TransferRequest) (*domain.HandoffContext, error) {
	ctx, span := tracing.StartSpanWith(ctx, "handoff.build",
		"transfer.id", req.ID, "conversation.id", req.ConversationID)
	defer span.End()

	hc := &domain.HandoffContext{
		ConversationID: req.ConversationID,
		GuestName:      req.GuestName,
		RoomNumber:     req.RoomNumber,
		Reason:         req.Reason,
		Priority:       req.Priority,
		GuestSentiment: domain.SentimentUnknown,
		BuiltAt:        b.now(),
	}

	var (
		messages []domain.ConversationMessage
		issues   []domain.ConversationIssue
	)
	err := b.call(ctx, b.convBreaker, func(ctx context.Context) error {
		var err error
		if messages, err = b.conversations.RecentMessages(ctx, req.ConversationID, b.limit); err != nil {
			return fmt.Errorf("recent messages: %w", err)
		}
		if issues, err = b.conversations.UnresolvedIssues(ctx, req.ConversationID); err != nil {
			return fmt.Errorf("unresolved issues: %w", err)
		}
		return nil
	})
	if err != nil {
		hc.Degraded = true
		hc.Summary = fmt.Sprintf("Transferred (%s priority): %s", req.Priority, req.Reason)
		tracing.RecordError(span, err)
		logger.WarnContext(ctx, "Handoff context degraded", "transfer_id", req.ID, "error", err)
		return hc, fmt.Errorf("%w: %v", domain.ErrUpstreamDegraded, err)
	}

	// fetched is written by the call goroutine; guest is only read after a successful call.
	var (
		fetched  *domain.GuestProfile
		guest    *domain.GuestProfile
		guestErr error
	)
	if req.GuestID != "" && b.guests != nil {
		guestErr = b.call(ctx, b.guestBreaker, func(ctx context.Context) error {
			var err error
			fetched, err = b.guests.Guest(ctx, req.GuestID)
			return err
		})
		switch {
		case guestErr == nil:
			guest = fetched
		case !errors.Is(guestErr, domain.ErrNotFound):
			hc.Degraded = true
			logger.WarnContext(ctx, "Guest lookup failed", "guest_id", req.GuestID, "error", guestErr)
		}
	}
	if guest != nil {
		if hc.GuestName == "" {
			hc.GuestName = guest.Name
		}
		if hc.RoomNumber == "" {
			hc.RoomNumber = guest.RoomNumber
		}
	}

	if len(messages) > b.limit {
		messages = messages[len(messages)-b.limit:]
	}
	hc.RecentMessages = messages
	for _, issue := range issues {
		if issue.ResolvedAt == nil {
			hc.UnresolvedIssues = append(hc.UnresolvedIssues, issue.Description)
		}
	}
	hc.GuestSentiment = sentimentOf(messages)
	hc.Highlights = highlightsOf(messages, guest)
	hc.Summary = summarize(hc, messages)
	hc.SuggestedResponse = suggestResponse(hc)

	if hc.Degraded {
		return hc, fmt.Errorf("%w: guest directory: %v", domain.ErrUpstreamDegraded, guestErr)
	}
	return hc, nil
}

func (b *HandoffBuilder) call(ctx context.Context, cb *circuitbreaker.CircuitBreaker, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan error, 1)
	err := cb.Execute(ctx, func() error {
		go func() { done <- fn(ctx) }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return err
}

func sentimentOf(messages []domain.ConversationMessage) domain.Sentiment {
	var (
		total  float64
		scored int
		guest  int
	)
	for _, m := range messages {
		if m.Sender != domain.SenderGuest {
			continue
		}
		guest++
		if m.Sentiment != nil {
			total += *m.Sentiment
			scored++
			continue
		}
		text := strings.ToLower(m.Content)
		total += 0.5 * float64(countWords(text, positiveWords)-countWords(text, negativeWords))
		scored++
	}
	if guest == 0 {
		return domain.SentimentUnknown
	}

	avg := total / float64(scored)
	switch {
	case avg <= -0.25:
		return domain.SentimentNegative
	case avg >= 0.25:
		return domain.SentimentPositive
	default:
		return domain.SentimentNeutral
	}
}

func countWords(text string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(text, w) {
			n++
		}
	}
	return n
}

func highlightsOf(messages []domain.ConversationMessage, guest *domain.GuestProfile) []string {
	var out []string
	if guest != nil && guest.VIP {
		out = append(out, "VIP guest")
	}
	for i := len(messages) - 1; i >= 0 && len(out) < maxHighlights; i-- {
		m := messages[i]
		if m.Sender != domain.SenderGuest {
			continue
		}
		if countWords(strings.ToLower(m.Content), urgentWords) > 0 {
			out = append(out, truncate(m.Content, 160))
		}
	}
	return out
}

func summarize(hc *domain.HandoffContext, messages []domain.ConversationMessage) string {
	var sb strings.Builder
	who := hc.GuestName
	if who == "" {
		who = "Guest"
	}
	sb.WriteString(who)
	if hc.RoomNumber != "" {
		fmt.Fprintf(&sb, " (room %s)", hc.RoomNumber)
	}
	fmt.Fprintf(&sb, " needs a staff member, %s priority: %s.", hc.Priority, hc.Reason)

	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Sender == domain.SenderGuest {
			fmt.Fprintf(&sb, " Last guest message: %q.", truncate(messages[i].Content, 200))
			break
		}
	}
	if n := len(hc.UnresolvedIssues); n > 0 {
		fmt.Fprintf(&sb, " %d unresolved issue(s).", n)
	}
	return sb.String()
}

func suggestResponse(hc *domain.HandoffContext) string {
	name := hc.GuestName
	if name == "" {
		name = "there"
	}
	switch {
	case hc.Priority == domain.PriorityEmergency:
		return fmt.Sprintf("Hello %s, a member of our team is handling this right now. Are you safe, and where exactly are you?", name)
	case hc.GuestSentiment == domain.SentimentNegative:
		return fmt.Sprintf("Hello %s, I'm sorry for the trouble. I've read your conversation and I'm here to sort this out.", name)
	case len(hc.UnresolvedIssues) > 0:
		return fmt.Sprintf("Hello %s, I'm picking up where our assistant left off regarding %s.", name, strings.ToLower(hc.UnresolvedIssues[0]))
	default:
		return fmt.Sprintf("Hello %s, thanks for waiting. How can I help?", name)
	}
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
