package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/dealerpulse/internal/models"
	"github.com/charlesng35/dealerpulse/pkg/logger"
)

// Rule priorities at or above these thresholds unlock override behaviour.
const (
	// QuietHoursBypassPriority lets interruption-safe channels through quiet
	// hours immediately; everything else is still deferred.
	QuietHoursBypassPriority = 90

	// RateLimitBypassPriority keeps a channel that is over its rate limit.
	RateLimitBypassPriority = 80
)

// interruptionSafeChannel may be delivered during quiet hours for
// high-priority rules. In-app notifications do not wake a phone.
const interruptionSafeChannel = models.ChannelInApp

// RateUsage reports how many deliveries a user has already received on a
// channel within the current hour and day windows.
type RateUsage interface {
	Usage(ctx context.Context, userID, channel string, now time.Time) (hour int64, day int64, err error)
}

// ChannelPlan is one channel the recipient may receive, with its delivery
// time (now, or deferred past quiet hours).
type ChannelPlan struct {
	Channel      string
	ScheduledFor time.Time
}

// Eligibility is the outcome of evaluating one recipient for one event.
type Eligibility struct {
	Eligible bool
	Channels []ChannelPlan
	Reason   string
	Notes    []string
}

// Evaluator applies the preference, quiet-hours, and rate-limit gates in a
// fixed precedence order. Reordering the gates changes observable behaviour:
// a disabled event must never be resurrected by a priority override.
type Evaluator struct {
	db    *gorm.DB
	usage RateUsage
	now   func() time.Time
	log   *zap.Logger
}

// EvaluatorOption customises an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithEvaluatorClock overrides the clock, primarily for tests.
func WithEvaluatorClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(db *gorm.DB, usage RateUsage, opts ...EvaluatorOption) (*Evaluator, error) {
	if db == nil {
		return nil, errors.New("evaluator: db is required")
	}
	if usage == nil {
		return nil, errors.New("evaluator: rate usage is required")
	}

	e := &Evaluator{
		db:    db,
		usage: usage,
		now:   time.Now,
		log:   logger.WithModule("eligibility"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Evaluate decides which of the requested channels may reach the recipient
// right now. The gates run in strict order and short-circuit on the first
// disqualification:
//
//  1. user config must exist for (user, dealer, module)
//  2. the event type must be enabled
//  3. each channel must be enabled globally and for the event
//  4. quiet hours defer (never drop) channels, except interruption-safe
//     channels under a priority >= 90 rule
//  5. rate limits drop individual channels unless rule priority >= 80
func (e *Evaluator) Evaluate(ctx context.Context, recipientID string, event Event, requested []string, rulePriority int) (Eligibility, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var config models.UserNotificationConfig
	err := e.db.WithContext(ctx).
		Where("user_id = ? AND dealer_id = ? AND module = ?", recipientID, event.DealerID, event.Module).
		First(&config).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Eligibility{Reason: "no notification config"}, nil
	}
	if err != nil {
		return Eligibility{}, fmt.Errorf("evaluator: load config: %w", err)
	}

	settings, err := config.DecodeSettings()
	if err != nil {
		return Eligibility{}, fmt.Errorf("evaluator: %w", err)
	}

	pref, ok := settings.Events[event.Type]
	if !ok || !pref.Enabled {
		return Eligibility{Reason: fmt.Sprintf("event %q disabled", event.Type)}, nil
	}

	channels := e.channelGate(requested, settings, pref)
	if len(channels) == 0 {
		return Eligibility{Reason: "no enabled channels"}, nil
	}

	now := e.now()
	plans, notes := e.quietHoursGate(channels, settings.QuietHours, rulePriority, now)

	plans, rateNotes, err := e.rateLimitGate(ctx, recipientID, plans, settings.RateLimits, rulePriority, now)
	if err != nil {
		return Eligibility{}, err
	}
	notes = append(notes, rateNotes...)

	if len(plans) == 0 {
		return Eligibility{Reason: "all channels rate limited", Notes: notes}, nil
	}

	return Eligibility{Eligible: true, Channels: plans, Notes: notes}, nil
}

// channelGate retains a requested channel only when it is enabled both at the
// channel level and in the event's own channel list.
func (e *Evaluator) channelGate(requested []string, settings models.NotificationSettings, pref models.EventPreference) []string {
	eventChannels := make(map[string]struct{}, len(pref.Channels))
	for _, ch := range pref.Channels {
		eventChannels[ch] = struct{}{}
	}

	var retained []string
	seen := map[string]struct{}{}
	for _, ch := range requested {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			continue
		}
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}

		if !settings.Channels[ch] {
			continue
		}
		if _, ok := eventChannels[ch]; !ok {
			continue
		}
		retained = append(retained, ch)
	}
	return retained
}

func (e *Evaluator) quietHoursGate(channels []string, quiet models.QuietHours, rulePriority int, now time.Time) ([]ChannelPlan, []string) {
	plans := make([]ChannelPlan, 0, len(channels))

	if !quiet.Enabled {
		for _, ch := range channels {
			plans = append(plans, ChannelPlan{Channel: ch, ScheduledFor: now})
		}
		return plans, nil
	}

	inWindow, windowEnd, err := quietWindow(quiet, now)
	if err != nil {
		// A broken quiet-hours config must not drop notifications.
		e.log.Warn("invalid quiet hours config", zap.Error(err))
		for _, ch := range channels {
			plans = append(plans, ChannelPlan{Channel: ch, ScheduledFor: now})
		}
		return plans, []string{"quiet hours config invalid, ignored"}
	}

	if !inWindow {
		for _, ch := range channels {
			plans = append(plans, ChannelPlan{Channel: ch, ScheduledFor: now})
		}
		return plans, nil
	}

	var notes []string
	for _, ch := range channels {
		if rulePriority >= QuietHoursBypassPriority && ch == interruptionSafeChannel {
			plans = append(plans, ChannelPlan{Channel: ch, ScheduledFor: now})
			notes = append(notes, fmt.Sprintf("%s allowed through quiet hours (priority %d)", ch, rulePriority))
			continue
		}
		plans = append(plans, ChannelPlan{Channel: ch, ScheduledFor: windowEnd})
		notes = append(notes, fmt.Sprintf("%s deferred to %s (quiet hours)", ch, windowEnd.Format(time.RFC3339)))
	}
	return plans, notes
}

func (e *Evaluator) rateLimitGate(ctx context.Context, recipientID string, plans []ChannelPlan, limits map[string]models.RateLimit, rulePriority int, now time.Time) ([]ChannelPlan, []string, error) {
	var (
		kept  []ChannelPlan
		notes []string
	)

	for _, plan := range plans {
		limit, ok := limits[plan.Channel]
		if !ok || (limit.MaxPerHour <= 0 && limit.MaxPerDay <= 0) {
			kept = append(kept, plan)
			continue
		}

		hour, day, err := e.usage.Usage(ctx, recipientID, plan.Channel, now)
		if err != nil {
			return nil, nil, fmt.Errorf("evaluator: rate usage for %s: %w", plan.Channel, err)
		}

		exceeded := (limit.MaxPerHour > 0 && hour >= int64(limit.MaxPerHour)) ||
			(limit.MaxPerDay > 0 && day >= int64(limit.MaxPerDay))
		if !exceeded {
			kept = append(kept, plan)
			continue
		}

		if rulePriority >= RateLimitBypassPriority {
			kept = append(kept, plan)
			notes = append(notes, fmt.Sprintf("%s over rate limit, kept (priority %d)", plan.Channel, rulePriority))
			continue
		}

		notes = append(notes, fmt.Sprintf("%s dropped (rate limit)", plan.Channel))
	}

	return kept, notes, nil
}

// quietWindow reports whether now falls inside the configured window and the
// window's next end boundary, both computed in the user's timezone.
func quietWindow(quiet models.QuietHours, now time.Time) (bool, time.Time, error) {
	loc := time.UTC
	if tz := strings.TrimSpace(quiet.Timezone); tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return false, time.Time{}, fmt.Errorf("quiet hours: timezone %q: %w", quiet.Timezone, err)
		}
	}

	startH, startM, err := parseClock(quiet.Start)
	if err != nil {
		return false, time.Time{}, err
	}
	endH, endM, err := parseClock(quiet.End)
	if err != nil {
		return false, time.Time{}, err
	}

	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), startH, startM, 0, 0, loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), endH, endM, 0, 0, loc)

	if start.Equal(end) {
		return false, time.Time{}, nil
	}

	if start.Before(end) {
		// Same-day window, e.g. 13:00-15:00.
		if !local.Before(start) && local.Before(end) {
			return true, end, nil
		}
		return false, time.Time{}, nil
	}

	// Overnight window, e.g. 22:00-07:00.
	if !local.Before(start) {
		return true, end.AddDate(0, 0, 1), nil
	}
	if local.Before(end) {
		return true, end, nil
	}
	return false, time.Time{}, nil
}

func parseClock(value string) (int, int, error) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("quiet hours: invalid time %q", value)
	}

	var hour, minute int
	if _, err := fmt.Sscanf(parts[0]+":"+parts[1], "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("quiet hours: invalid time %q", value)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("quiet hours: invalid time %q", value)
	}
	return hour, minute, nil
}
