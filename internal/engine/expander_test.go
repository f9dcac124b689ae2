package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/charlesng35/dealerpulse/internal/models"
)

func TestExpandUnionsAllSources(t *testing.T) {
	db := openEngineDB(t)

	salesA := seedUser(t, db, "sales-a", "sales")
	salesB := seedUser(t, db, "sales-b", "sales")
	explicit := seedUser(t, db, "explicit")
	assigned := seedUser(t, db, "assigned")
	follower := seedUser(t, db, "follower")

	event := testEventFor("")

	require.NoError(t, db.Create(&models.EntityAssignment{
		DealerID:       testDealerID,
		EntityType:     event.EntityType,
		EntityID:       event.EntityID,
		AssignedUserID: assigned.ID,
	}).Error)
	require.NoError(t, db.Create(&models.EntityFollower{
		DealerID:   testDealerID,
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		UserID:     follower.ID,
		IsActive:   true,
	}).Error)

	rule := models.RoutingRule{
		RoleNames:        datatypes.NewJSONSlice([]string{"sales"}),
		UserIDs:          datatypes.NewJSONSlice([]string{explicit.ID}),
		IncludeAssigned:  true,
		IncludeFollowers: true,
	}

	expander, err := NewExpander(db)
	require.NoError(t, err)

	recipients, err := expander.Expand(context.Background(), event, []models.RoutingRule{rule})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{salesA.ID, salesB.ID, explicit.ID, assigned.ID, follower.ID}, recipients)
}

func TestExpandExcludesTriggeringActor(t *testing.T) {
	db := openEngineDB(t)

	actor := seedUser(t, db, "actor", "sales")
	other := seedUser(t, db, "other", "sales")

	rule := models.RoutingRule{RoleNames: datatypes.NewJSONSlice([]string{"sales"})}

	expander, err := NewExpander(db)
	require.NoError(t, err)

	recipients, err := expander.Expand(context.Background(), testEventFor(actor.ID), []models.RoutingRule{rule})
	require.NoError(t, err)
	require.Equal(t, []string{other.ID}, recipients)
}

func TestExpandSkipsInactiveUsers(t *testing.T) {
	db := openEngineDB(t)

	active := seedUser(t, db, "still-here", "service")
	gone := seedUser(t, db, "left-company", "service")
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", gone.ID).Update("is_active", false).Error)

	inactiveFollower := seedUser(t, db, "unfollowed")
	event := testEventFor("")
	follower := models.EntityFollower{
		DealerID:   testDealerID,
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		UserID:     inactiveFollower.ID,
		IsActive:   false,
	}
	require.NoError(t, db.Create(&follower).Error)
	require.NoError(t, db.Model(&follower).Update("is_active", false).Error)

	rule := models.RoutingRule{
		RoleNames:        datatypes.NewJSONSlice([]string{"service"}),
		IncludeFollowers: true,
	}

	expander, err := NewExpander(db)
	require.NoError(t, err)

	recipients, err := expander.Expand(context.Background(), event, []models.RoutingRule{rule})
	require.NoError(t, err)
	require.Equal(t, []string{active.ID}, recipients)
}

func TestExpandDeduplicatesAcrossRules(t *testing.T) {
	db := openEngineDB(t)

	user := seedUser(t, db, "everywhere", "sales")

	rules := []models.RoutingRule{
		{RoleNames: datatypes.NewJSONSlice([]string{"sales"})},
		{UserIDs: datatypes.NewJSONSlice([]string{user.ID})},
	}

	expander, err := NewExpander(db)
	require.NoError(t, err)

	recipients, err := expander.Expand(context.Background(), testEventFor(""), rules)
	require.NoError(t, err)
	require.Equal(t, []string{user.ID}, recipients)
}
