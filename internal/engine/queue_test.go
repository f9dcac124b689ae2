package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/dealerpulse/internal/models"
)

func newTestTask(recipientID, channel string, priority int, scheduledFor time.Time) models.DeliveryTask {
	return models.DeliveryTask{
		BatchID:      "22222222-2222-2222-2222-222222222222",
		DealerID:     testDealerID,
		RecipientID:  recipientID,
		Channel:      channel,
		Payload:      []byte(`{"kind":"generic","data":{}}`),
		Priority:     priority,
		ScheduledFor: scheduledFor,
	}
}

func mustEnqueue(t *testing.T, queue *Queue, tasks ...models.DeliveryTask) []models.DeliveryTask {
	t.Helper()
	require.NoError(t, queue.Enqueue(context.Background(), tasks))
	return tasks
}

func TestEnqueueAppliesDefaults(t *testing.T) {
	db := openEngineDB(t)
	queue, err := NewQueue(db)
	require.NoError(t, err)

	task := newTestTask("user-1", models.ChannelPush, 50, time.Now().UTC())
	task.Status = ""
	task.MaxAttempts = 0
	tasks := mustEnqueue(t, queue, task)

	var stored models.DeliveryTask
	require.NoError(t, db.First(&stored, "id = ?", tasks[0].ID).Error)
	require.Equal(t, models.TaskStatusQueued, stored.Status)
	require.Equal(t, defaultMaxAttempts, stored.MaxAttempts)
}

func TestPollDueClaimsInPriorityOrder(t *testing.T) {
	db := openEngineDB(t)
	queue, err := NewQueue(db)
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mustEnqueue(t, queue,
		newTestTask("user-low", models.ChannelPush, 10, now.Add(-time.Minute)),
		newTestTask("user-high", models.ChannelPush, 90, now.Add(-time.Minute)),
		newTestTask("user-mid", models.ChannelPush, 50, now.Add(-2*time.Minute)),
	)

	claimed, err := queue.PollDue(context.Background(), 10, now)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	require.Equal(t, "user-high", claimed[0].RecipientID)
	require.Equal(t, "user-mid", claimed[1].RecipientID)
	require.Equal(t, "user-low", claimed[2].RecipientID)

	for _, task := range claimed {
		require.Equal(t, models.TaskStatusDispatched, task.Status)
		require.NotNil(t, task.ClaimedAt)
	}

	// Everything is claimed; a second poll gets nothing.
	again, err := queue.PollDue(context.Background(), 10, now)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestPollDueSkipsFutureTasks(t *testing.T) {
	db := openEngineDB(t)
	queue, err := NewQueue(db)
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mustEnqueue(t, queue,
		newTestTask("user-now", models.ChannelPush, 50, now),
		newTestTask("user-later", models.ChannelPush, 99, now.Add(time.Hour)),
	)

	claimed, err := queue.PollDue(context.Background(), 10, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "user-now", claimed[0].RecipientID)
}

func TestPollDueRespectsLimit(t *testing.T) {
	db := openEngineDB(t)
	queue, err := NewQueue(db)
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mustEnqueue(t, queue,
		newTestTask("u1", models.ChannelPush, 50, now),
		newTestTask("u2", models.ChannelPush, 50, now),
		newTestTask("u3", models.ChannelPush, 50, now),
	)

	claimed, err := queue.PollDue(context.Background(), 2, now)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	depth, err := queue.Depth(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
}

func TestMarkCompleted(t *testing.T) {
	db := openEngineDB(t)
	queue, err := NewQueue(db)
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mustEnqueue(t, queue, newTestTask("user-1", models.ChannelPush, 50, now))

	claimed, err := queue.PollDue(context.Background(), 1, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, queue.MarkCompleted(context.Background(), claimed[0].ID, now.Add(time.Second)))

	var stored models.DeliveryTask
	require.NoError(t, db.First(&stored, "id = ?", claimed[0].ID).Error)
	require.NotNil(t, stored.CompletedAt)
}

func TestReleaseStuck(t *testing.T) {
	db := openEngineDB(t)
	queue, err := NewQueue(db)
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mustEnqueue(t, queue,
		newTestTask("user-stuck", models.ChannelPush, 50, now.Add(-time.Hour)),
		newTestTask("user-done", models.ChannelPush, 50, now.Add(-time.Hour)),
	)

	claimed, err := queue.PollDue(context.Background(), 10, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// One dispatch finished; the other worker died mid-send.
	var done models.DeliveryTask
	for _, task := range claimed {
		if task.RecipientID == "user-done" {
			done = task
		}
	}
	require.NoError(t, queue.MarkCompleted(context.Background(), done.ID, now.Add(-29*time.Minute)))

	released, err := queue.ReleaseStuck(context.Background(), 10*time.Minute, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, released)

	var stuck models.DeliveryTask
	require.NoError(t, db.First(&stuck, "recipient_id = ?", "user-stuck").Error)
	require.Equal(t, models.TaskStatusQueued, stuck.Status)
	require.Nil(t, stuck.ClaimedAt)

	var finished models.DeliveryTask
	require.NoError(t, db.First(&finished, "id = ?", done.ID).Error)
	require.Equal(t, models.TaskStatusDispatched, finished.Status)
}

func TestReleaseStuckHonoursLease(t *testing.T) {
	db := openEngineDB(t)
	queue, err := NewQueue(db)
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mustEnqueue(t, queue, newTestTask("user-fresh", models.ChannelPush, 50, now.Add(-time.Minute)))

	claimed, err := queue.PollDue(context.Background(), 1, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	released, err := queue.ReleaseStuck(context.Background(), 10*time.Minute, now.Add(time.Minute))
	require.NoError(t, err)
	require.Zero(t, released)
}
