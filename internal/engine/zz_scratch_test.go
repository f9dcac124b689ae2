package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/charlesng35/dealerpulse/internal/models"
)

func TestScratchEnabledPersistence(t *testing.T) {
	db := openEngineDB(t)
	rule := &models.RoutingRule{
		DealerID:  testDealerID,
		Module:    testModule,
		EventType: testEvent,
		Name:      "probe rule",
		RoleNames: datatypes.NewJSONSlice([]string{"sales"}),
		Channels:  datatypes.NewJSONSlice([]string{models.ChannelPush}),
		Priority:  50,
		Enabled:   false,
	}
	require.NoError(t, db.Create(rule).Error)
	t.Logf("rule.ID=%q", rule.ID)
	res := db.Model(rule).Update("enabled", false)
	t.Logf("update err=%v rows=%d", res.Error, res.RowsAffected)
	var got models.RoutingRule
	require.NoError(t, db.First(&got, "id = ?", rule.ID).Error)
	t.Logf("stored enabled=%v", got.Enabled)
}
