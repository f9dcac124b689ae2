package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/dealerpulse/internal/models"
	apperrors "github.com/charlesng35/dealerpulse/pkg/errors"
)

func newTestLogger(t *testing.T, db *gorm.DB, now func() time.Time) *DeliveryLogger {
	t.Helper()

	opts := []DeliveryLoggerOption{}
	if now != nil {
		opts = append(opts, WithDeliveryLoggerClock(now))
	}
	logs, err := NewDeliveryLogger(db, opts...)
	require.NoError(t, err)
	return logs
}

func pendingEntry(t *testing.T, db *gorm.DB, logs *DeliveryLogger) (*models.DeliveryTask, *models.DeliveryLog) {
	t.Helper()

	task := newTestTask("user-1", models.ChannelSMS, 50, time.Now().UTC())
	require.NoError(t, db.Create(&task).Error)

	entry, err := logs.LogPending(context.Background(), task, "twilio")
	require.NoError(t, err)
	return &task, entry
}

func TestLogPendingSnapshotsTask(t *testing.T) {
	db := openEngineDB(t)
	logs := newTestLogger(t, db, nil)

	task, entry := pendingEntry(t, db, logs)

	require.Equal(t, task.ID, entry.TaskID)
	require.Equal(t, task.BatchID, entry.BatchID)
	require.Equal(t, models.DeliveryStatusPending, entry.Status)
	require.Equal(t, "twilio", entry.Provider)
	require.JSONEq(t, string(task.Payload), string(entry.Content))
}

func TestLogPendingUsesLineageID(t *testing.T) {
	db := openEngineDB(t)
	logs := newTestLogger(t, db, nil)

	retry := newTestTask("user-1", models.ChannelSMS, 50, time.Now().UTC())
	retry.OriginTaskID = "33333333-3333-3333-3333-333333333333"
	retry.AttemptCount = 2
	require.NoError(t, db.Create(&retry).Error)

	entry, err := logs.LogPending(context.Background(), retry, "twilio")
	require.NoError(t, err)
	require.Equal(t, retry.OriginTaskID, entry.TaskID)
	require.Equal(t, 2, entry.RetryCount)
}

func TestLifecycleHappyPath(t *testing.T) {
	db := openEngineDB(t)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	current := base
	logs := newTestLogger(t, db, func() time.Time { return current })

	_, entry := pendingEntry(t, db, logs)

	current = base.Add(2 * time.Second)
	entry, err := logs.UpdateStatus(context.Background(), entry.ID, models.DeliveryStatusSent, StatusUpdate{ProviderMessageID: "SM123"})
	require.NoError(t, err)
	require.Equal(t, models.DeliveryStatusSent, entry.Status)
	require.NotNil(t, entry.SentAt)
	require.NotNil(t, entry.LatencyMS)
	require.NotNil(t, entry.ProviderMessageID)
	require.Equal(t, "SM123", *entry.ProviderMessageID)

	current = base.Add(10 * time.Second)
	entry, err = logs.UpdateStatus(context.Background(), entry.ID, models.DeliveryStatusDelivered, StatusUpdate{})
	require.NoError(t, err)
	require.Equal(t, models.DeliveryStatusDelivered, entry.Status)
	require.NotNil(t, entry.DeliveredAt)
}

func TestDuplicateStatusIsNoOp(t *testing.T) {
	db := openEngineDB(t)
	logs := newTestLogger(t, db, nil)

	_, entry := pendingEntry(t, db, logs)

	entry, err := logs.UpdateStatus(context.Background(), entry.ID, models.DeliveryStatusSent, StatusUpdate{ProviderMessageID: "SM1"})
	require.NoError(t, err)
	firstSentAt := *entry.SentAt

	// A duplicate webhook replays the same status.
	entry, err = logs.UpdateStatus(context.Background(), entry.ID, models.DeliveryStatusSent, StatusUpdate{ProviderMessageID: "SM1"})
	require.NoError(t, err)
	require.Equal(t, models.DeliveryStatusSent, entry.Status)
	require.True(t, firstSentAt.Equal(*entry.SentAt))
}

func TestOutOfOrderTransitionRejected(t *testing.T) {
	db := openEngineDB(t)
	logs := newTestLogger(t, db, nil)

	_, entry := pendingEntry(t, db, logs)

	_, err := logs.UpdateStatus(context.Background(), entry.ID, models.DeliveryStatusSent, StatusUpdate{})
	require.NoError(t, err)
	entry, err = logs.UpdateStatus(context.Background(), entry.ID, models.DeliveryStatusDelivered, StatusUpdate{})
	require.NoError(t, err)

	// delivered is terminal; a late "sent" webhook must bounce off.
	_, err = logs.UpdateStatus(context.Background(), entry.ID, models.DeliveryStatusSent, StatusUpdate{})
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	var stored models.DeliveryLog
	require.NoError(t, db.First(&stored, "id = ?", entry.ID).Error)
	require.Equal(t, models.DeliveryStatusDelivered, stored.Status)
}

func TestTerminalStatusSurvivesRacingFailure(t *testing.T) {
	db := openEngineDB(t)
	logs := newTestLogger(t, db, nil)

	_, entry := pendingEntry(t, db, logs)
	_, err := logs.UpdateStatus(context.Background(), entry.ID, models.DeliveryStatusSent, StatusUpdate{ProviderMessageID: "SM900"})
	require.NoError(t, err)

	// Land a delivered confirmation between the failure handler's read and
	// its write, the interleaving two racing webhook callbacks produce.
	fired := false
	err = db.Callback().Update().Before("gorm:update").Register("race_delivered", func(tx *gorm.DB) {
		if fired {
			return
		}
		fired = true
		require.NoError(t, db.Session(&gorm.Session{NewDB: true}).
			Model(&models.DeliveryLog{}).
			Where("id = ?", entry.ID).
			Updates(map[string]any{
				"status":       models.DeliveryStatusDelivered,
				"delivered_at": time.Now().UTC(),
			}).Error)
	})
	require.NoError(t, err)

	_, err = logs.UpdateStatus(context.Background(), entry.ID, models.DeliveryStatusFailed, StatusUpdate{ErrorCode: "timeout"})
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	var stored models.DeliveryLog
	require.NoError(t, db.First(&stored, "id = ?", entry.ID).Error)
	require.Equal(t, models.DeliveryStatusDelivered, stored.Status)
}

func TestUpdateByProviderMessageID(t *testing.T) {
	db := openEngineDB(t)
	logs := newTestLogger(t, db, nil)

	_, entry := pendingEntry(t, db, logs)

	_, err := logs.UpdateStatus(context.Background(), entry.ID, models.DeliveryStatusSent, StatusUpdate{ProviderMessageID: "SM777"})
	require.NoError(t, err)

	updated, err := logs.UpdateStatusByProviderMessageID(context.Background(), "SM777", models.DeliveryStatusDelivered, StatusUpdate{})
	require.NoError(t, err)
	require.Equal(t, entry.ID, updated.ID)
	require.Equal(t, models.DeliveryStatusDelivered, updated.Status)

	_, err = logs.UpdateStatusByProviderMessageID(context.Background(), "unknown-id", models.DeliveryStatusDelivered, StatusUpdate{})
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestFailureRecordsErrorDetail(t *testing.T) {
	db := openEngineDB(t)
	logs := newTestLogger(t, db, nil)

	_, entry := pendingEntry(t, db, logs)

	entry, err := logs.UpdateStatus(context.Background(), entry.ID, models.DeliveryStatusFailed, StatusUpdate{
		ErrorCode:      "invalid_number",
		ErrorMessage:   "number is not SMS capable",
		ErrorPermanent: true,
	})
	require.NoError(t, err)
	require.Equal(t, models.DeliveryStatusFailed, entry.Status)
	require.NotNil(t, entry.FailedAt)
	require.Equal(t, "invalid_number", entry.ErrorCode)
	require.True(t, entry.ErrorPermanent)
}

func TestQueryFailedFilters(t *testing.T) {
	db := openEngineDB(t)
	logs := newTestLogger(t, db, nil)

	fail := func(permanent bool, retryCount int, retried bool) *models.DeliveryLog {
		task := newTestTask("user-1", models.ChannelSMS, 50, time.Now().UTC())
		task.AttemptCount = retryCount
		require.NoError(t, db.Create(&task).Error)
		entry, err := logs.LogPending(context.Background(), task, "twilio")
		require.NoError(t, err)
		entry, err = logs.UpdateStatus(context.Background(), entry.ID, models.DeliveryStatusFailed, StatusUpdate{
			ErrorCode:      "boom",
			ErrorPermanent: permanent,
		})
		require.NoError(t, err)
		if retried {
			require.NoError(t, logs.MarkRetried(context.Background(), entry.ID, time.Now().UTC()))
		}
		return entry
	}

	transient := fail(false, 0, false)
	fail(true, 0, false)     // permanent
	fail(false, 0, true)     // already retried
	fail(false, 2, false)    // exhausted

	candidates, err := logs.QueryFailed(context.Background(), FailedFilter{
		TransientOnly: true,
		NotYetRetried: true,
		MaxRetryCount: 2,
	})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, transient.ID, candidates[0].ID)
}

func TestMarkRetried(t *testing.T) {
	db := openEngineDB(t)
	logs := newTestLogger(t, db, nil)

	_, entry := pendingEntry(t, db, logs)
	entry, err := logs.UpdateStatus(context.Background(), entry.ID, models.DeliveryStatusFailed, StatusUpdate{ErrorCode: "boom"})
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, logs.MarkRetried(context.Background(), entry.ID, now))

	var stored models.DeliveryLog
	require.NoError(t, db.First(&stored, "id = ?", entry.ID).Error)
	require.NotNil(t, stored.RetriedAt)
	require.Equal(t, models.DeliveryStatusFailed, stored.Status)
}

func TestStatsGroupsByChannelAndStatus(t *testing.T) {
	db := openEngineDB(t)
	logs := newTestLogger(t, db, nil)

	for i := 0; i < 2; i++ {
		_, entry := pendingEntry(t, db, logs)
		_, err := logs.UpdateStatus(context.Background(), entry.ID, models.DeliveryStatusSent, StatusUpdate{})
		require.NoError(t, err)
	}
	_, entry := pendingEntry(t, db, logs)
	_, err := logs.UpdateStatus(context.Background(), entry.ID, models.DeliveryStatusFailed, StatusUpdate{ErrorCode: "boom"})
	require.NoError(t, err)

	rows, err := logs.Stats(context.Background(), testDealerID, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)

	counts := map[string]int64{}
	for _, row := range rows {
		counts[row.Channel+"/"+row.Status] = row.Count
	}
	require.EqualValues(t, 2, counts[models.ChannelSMS+"/"+models.DeliveryStatusSent])
	require.EqualValues(t, 1, counts[models.ChannelSMS+"/"+models.DeliveryStatusFailed])
}
