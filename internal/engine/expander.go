package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"

	"github.com/charlesng35/dealerpulse/internal/models"
)

// Expander resolves the recipient specifications of matching routing rules
// into a concrete, de-duplicated set of user ids. It has no side effects and
// is idempotent for identical inputs.
type Expander struct {
	db *gorm.DB
}

// NewExpander constructs an Expander.
func NewExpander(db *gorm.DB) (*Expander, error) {
	if db == nil {
		return nil, errors.New("expander: db is required")
	}
	return &Expander{db: db}, nil
}

// Expand unions the recipients of every rule: explicit user ids, active role
// members, the entity's assigned user, and the entity's active followers.
// The triggering actor is always removed. The result is sorted so decisions
// stay deterministic.
func (x *Expander) Expand(ctx context.Context, event Event, rules []models.RoutingRule) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	recipients := map[string]struct{}{}

	var (
		roleNames   []string
		explicitIDs []string

		wantAssigned  bool
		wantFollowers bool
	)

	for _, rule := range rules {
		roleNames = append(roleNames, rule.RoleNames...)
		explicitIDs = append(explicitIDs, rule.UserIDs...)
		wantAssigned = wantAssigned || rule.IncludeAssigned
		wantFollowers = wantFollowers || rule.IncludeFollowers
	}

	if len(explicitIDs) > 0 {
		ids, err := x.activeUsers(ctx, event.DealerID, explicitIDs)
		if err != nil {
			return nil, fmt.Errorf("expander: explicit users: %w", err)
		}
		for _, id := range ids {
			recipients[id] = struct{}{}
		}
	}

	if len(roleNames) > 0 {
		ids, err := x.roleMembers(ctx, event.DealerID, roleNames)
		if err != nil {
			return nil, fmt.Errorf("expander: role members: %w", err)
		}
		for _, id := range ids {
			recipients[id] = struct{}{}
		}
	}

	if wantAssigned && event.EntityType != "" && event.EntityID != "" {
		id, err := x.assignedUser(ctx, event)
		if err != nil {
			return nil, fmt.Errorf("expander: assigned user: %w", err)
		}
		if id != "" {
			recipients[id] = struct{}{}
		}
	}

	if wantFollowers && event.EntityType != "" && event.EntityID != "" {
		ids, err := x.followers(ctx, event)
		if err != nil {
			return nil, fmt.Errorf("expander: followers: %w", err)
		}
		for _, id := range ids {
			recipients[id] = struct{}{}
		}
	}

	// No self-notification.
	delete(recipients, event.TriggeredBy)

	out := make([]string, 0, len(recipients))
	for id := range recipients {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (x *Expander) activeUsers(ctx context.Context, dealerID string, ids []string) ([]string, error) {
	var out []string
	err := x.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id IN ? AND dealer_id = ? AND is_active = ?", ids, dealerID, true).
		Pluck("id", &out).Error
	return out, err
}

func (x *Expander) roleMembers(ctx context.Context, dealerID string, roleNames []string) ([]string, error) {
	var out []string
	err := x.db.WithContext(ctx).
		Model(&models.User{}).
		Joins("JOIN user_roles ON user_roles.user_id = users.id").
		Joins("JOIN roles ON roles.id = user_roles.role_id").
		Where("roles.name IN ? AND users.dealer_id = ? AND users.is_active = ?", roleNames, dealerID, true).
		Distinct().
		Pluck("users.id", &out).Error
	return out, err
}

func (x *Expander) assignedUser(ctx context.Context, event Event) (string, error) {
	var assignment models.EntityAssignment
	err := x.db.WithContext(ctx).
		Where("dealer_id = ? AND entity_type = ? AND entity_id = ?", event.DealerID, event.EntityType, event.EntityID).
		First(&assignment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return assignment.AssignedUserID, nil
}

func (x *Expander) followers(ctx context.Context, event Event) ([]string, error) {
	var out []string
	err := x.db.WithContext(ctx).
		Model(&models.EntityFollower{}).
		Where("dealer_id = ? AND entity_type = ? AND entity_id = ? AND is_active = ?",
			event.DealerID, event.EntityType, event.EntityID, true).
		Pluck("user_id", &out).Error
	return out, err
}
