package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/dealerpulse/internal/models"
	"github.com/charlesng35/dealerpulse/pkg/logger"
	"github.com/charlesng35/dealerpulse/pkg/metrics"
)

// Decision is the delivery plan produced for one event, plus the trace of
// why each recipient was included or excluded.
type Decision struct {
	ShouldSend bool
	BatchID    string
	Tasks      []models.DeliveryTask
	Reasoning  []string

	// SkippedCount counts recipients evaluated but excluded by a gate.
	SkippedCount int
}

// Engine orchestrates the recipient expander and the eligibility evaluator
// into a delivery plan and hands it to the queue. It owns no state beyond
// its collaborators.
type Engine struct {
	db        *gorm.DB
	expander  *Expander
	evaluator *Evaluator
	queue     *Queue
	now       func() time.Time
	log       *zap.Logger
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the clock, primarily for tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs the decision engine.
func NewEngine(db *gorm.DB, expander *Expander, evaluator *Evaluator, queue *Queue, opts ...EngineOption) (*Engine, error) {
	if db == nil {
		return nil, errors.New("engine: db is required")
	}
	if expander == nil {
		return nil, errors.New("engine: expander is required")
	}
	if evaluator == nil {
		return nil, errors.New("engine: evaluator is required")
	}
	if queue == nil {
		return nil, errors.New("engine: queue is required")
	}

	e := &Engine{
		db:        db,
		expander:  expander,
		evaluator: evaluator,
		queue:     queue,
		now:       time.Now,
		log:       logger.WithModule("decision"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Decide produces the delivery plan for one event without enqueueing it.
// Given identical inputs and collaborator state, the output is deterministic.
func (e *Engine) Decide(ctx context.Context, event Event) (Decision, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := event.Validate(); err != nil {
		return Decision{}, err
	}

	rules, err := e.matchingRules(ctx, event)
	if err != nil {
		return Decision{}, err
	}
	if len(rules) == 0 {
		return Decision{
			Reasoning: []string{fmt.Sprintf("no enabled routing rules for %s/%s/%s", event.DealerID, event.Module, event.Type)},
		}, nil
	}

	recipients, err := e.expander.Expand(ctx, event, rules)
	if err != nil {
		return Decision{}, err
	}
	if len(recipients) == 0 {
		return Decision{Reasoning: []string{"rules matched but expanded to zero recipients"}}, nil
	}

	rulePriority, requested := summariseRules(rules)
	effectivePriority := rulePriority
	if event.Priority > effectivePriority {
		effectivePriority = event.Priority
	}

	payload, err := EncodePayload(event.Payload)
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{
		BatchID:   uuid.NewString(),
		Reasoning: []string{fmt.Sprintf("%d rule(s) matched, %d candidate recipient(s)", len(rules), len(recipients))},
	}

	for _, recipientID := range recipients {
		eligibility, err := e.evaluator.Evaluate(ctx, recipientID, event, requested, rulePriority)
		if err != nil {
			return Decision{}, err
		}

		decision.Reasoning = append(decision.Reasoning, eligibility.Notes...)

		if !eligibility.Eligible {
			decision.SkippedCount++
			decision.Reasoning = append(decision.Reasoning,
				fmt.Sprintf("recipient %s skipped: %s", recipientID, eligibility.Reason))
			continue
		}

		for _, plan := range eligibility.Channels {
			decision.Tasks = append(decision.Tasks, models.DeliveryTask{
				BatchID:      decision.BatchID,
				DealerID:     event.DealerID,
				RecipientID:  recipientID,
				Channel:      plan.Channel,
				Payload:      datatypes.JSON(payload),
				Priority:     effectivePriority,
				ScheduledFor: plan.ScheduledFor.UTC(),
				Status:       models.TaskStatusQueued,
				MaxAttempts:  defaultMaxAttempts,
			})
			decision.Reasoning = append(decision.Reasoning,
				fmt.Sprintf("recipient %s gets %s at %s", recipientID, plan.Channel, plan.ScheduledFor.UTC().Format(time.RFC3339)))
		}
	}

	decision.ShouldSend = len(decision.Tasks) > 0
	return decision, nil
}

// EventResult is returned to the business-event caller. Notification
// failures never propagate to the triggering operation.
type EventResult struct {
	ShouldSend   bool     `json:"should_send"`
	BatchID      string   `json:"batch_id,omitempty"`
	QueuedCount  int      `json:"queued_count"`
	SkippedCount int      `json:"skipped_count"`
	Reasoning    []string `json:"reasoning"`
}

// ProcessEvent decides and, when the plan is non-empty, enqueues it.
func (e *Engine) ProcessEvent(ctx context.Context, event Event) (EventResult, error) {
	decision, err := e.Decide(ctx, event)
	if err != nil {
		return EventResult{}, err
	}

	outcome := "skip"
	if decision.ShouldSend {
		if err := e.queue.Enqueue(ctx, decision.Tasks); err != nil {
			return EventResult{}, err
		}
		outcome = "send"
	}
	metrics.EventsDecided.WithLabelValues(event.Module, outcome).Inc()

	e.log.Info("event decided",
		zap.String("dealer_id", event.DealerID),
		zap.String("module", event.Module),
		zap.String("event_type", event.Type),
		zap.Bool("should_send", decision.ShouldSend),
		zap.Int("queued", len(decision.Tasks)),
		zap.Int("skipped", decision.SkippedCount),
	)

	return EventResult{
		ShouldSend:   decision.ShouldSend,
		BatchID:      decision.BatchID,
		QueuedCount:  len(decision.Tasks),
		SkippedCount: decision.SkippedCount,
		Reasoning:    decision.Reasoning,
	}, nil
}

func (e *Engine) matchingRules(ctx context.Context, event Event) ([]models.RoutingRule, error) {
	var rules []models.RoutingRule
	err := e.db.WithContext(ctx).
		Where("dealer_id = ? AND module = ? AND event_type = ? AND enabled = ?",
			event.DealerID, event.Module, event.Type, true).
		Order("priority DESC, id ASC").
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("engine: load routing rules: %w", err)
	}
	return rules, nil
}

// summariseRules returns the highest priority among matches and the union of
// their channel lists, in rule order.
func summariseRules(rules []models.RoutingRule) (int, []string) {
	priority := 0
	var requested []string
	seen := map[string]struct{}{}

	for _, rule := range rules {
		if rule.Priority > priority {
			priority = rule.Priority
		}
		for _, ch := range rule.Channels {
			if _, ok := seen[ch]; ok {
				continue
			}
			seen[ch] = struct{}{}
			requested = append(requested, ch)
		}
	}
	return priority, requested
}
