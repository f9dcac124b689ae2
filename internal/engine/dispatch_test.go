package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/dealerpulse/internal/cache"
	"github.com/charlesng35/dealerpulse/internal/models"
)

// fakeDispatcher records what it was asked to send and answers from a script.
type fakeDispatcher struct {
	name string
	send func(task models.DeliveryTask) (string, error)

	mu    sync.Mutex
	tasks []models.DeliveryTask
}

func (f *fakeDispatcher) Name() string { return f.name }

func (f *fakeDispatcher) Dispatch(_ context.Context, task models.DeliveryTask) (string, error) {
	f.mu.Lock()
	f.tasks = append(f.tasks, task)
	f.mu.Unlock()
	if f.send == nil {
		return "msg-" + task.ID, nil
	}
	return f.send(task)
}

func (f *fakeDispatcher) dispatched() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func newTestWorker(t *testing.T, db *gorm.DB, dispatchers map[string]Dispatcher) (*DispatchWorker, *Queue, *DeliveryLogger, *RateCounter) {
	t.Helper()

	queue, err := NewQueue(db)
	require.NoError(t, err)
	logs, err := NewDeliveryLogger(db)
	require.NoError(t, err)
	rates, err := NewRateCounter(cache.NewDatabaseStore(db))
	require.NoError(t, err)

	worker, err := NewDispatchWorker(queue, logs, rates, dispatchers, DispatchWorkerOptions{})
	require.NoError(t, err)
	return worker, queue, logs, rates
}

func TestRunOnceDispatchesDueTask(t *testing.T) {
	db := openEngineDB(t)

	push := &fakeDispatcher{name: "fcm"}
	worker, queue, _, rates := newTestWorker(t, db, map[string]Dispatcher{models.ChannelPush: push})

	now := time.Now().UTC()
	tasks := []models.DeliveryTask{newTestTask("user-1", models.ChannelPush, 50, now.Add(-time.Minute))}
	require.NoError(t, queue.Enqueue(context.Background(), tasks))
	task := tasks[0]

	processed, err := worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, processed)
	require.Equal(t, 1, push.dispatched())

	var entry models.DeliveryLog
	require.NoError(t, db.First(&entry, "task_id = ?", task.ID).Error)
	require.Equal(t, models.DeliveryStatusSent, entry.Status)
	require.Equal(t, "fcm", entry.Provider)
	require.NotNil(t, entry.ProviderMessageID)
	require.NotNil(t, entry.SentAt)

	var stored models.DeliveryTask
	require.NoError(t, db.First(&stored, "id = ?", task.ID).Error)
	require.Equal(t, models.TaskStatusDispatched, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	hour, _, err := rates.Usage(context.Background(), "user-1", models.ChannelPush, time.Now().UTC())
	require.NoError(t, err)
	require.EqualValues(t, 1, hour)
}

func TestRunOnceRecordsTransientFailure(t *testing.T) {
	db := openEngineDB(t)

	sms := &fakeDispatcher{
		name: "twilio",
		send: func(models.DeliveryTask) (string, error) {
			return "", NewTransientError("provider_unavailable", "twilio 503")
		},
	}
	worker, queue, _, _ := newTestWorker(t, db, map[string]Dispatcher{models.ChannelSMS: sms})

	tasks := []models.DeliveryTask{newTestTask("user-1", models.ChannelSMS, 50, time.Now().UTC().Add(-time.Minute))}
	require.NoError(t, queue.Enqueue(context.Background(), tasks))
	task := tasks[0]

	_, err := worker.RunOnce(context.Background())
	require.NoError(t, err)

	var entry models.DeliveryLog
	require.NoError(t, db.First(&entry, "task_id = ?", task.ID).Error)
	require.Equal(t, models.DeliveryStatusFailed, entry.Status)
	require.Equal(t, "provider_unavailable", entry.ErrorCode)
	require.False(t, entry.ErrorPermanent)

	// The attempt is over; the retry cycle owns what happens next.
	var stored models.DeliveryTask
	require.NoError(t, db.First(&stored, "id = ?", task.ID).Error)
	require.NotNil(t, stored.CompletedAt)
}

func TestRunOnceRecordsPermanentFailure(t *testing.T) {
	db := openEngineDB(t)

	sms := &fakeDispatcher{
		name: "twilio",
		send: func(models.DeliveryTask) (string, error) {
			return "", NewPermanentError("invalid_number", "not reachable")
		},
	}
	worker, queue, _, _ := newTestWorker(t, db, map[string]Dispatcher{models.ChannelSMS: sms})

	tasks := []models.DeliveryTask{newTestTask("user-1", models.ChannelSMS, 50, time.Now().UTC().Add(-time.Minute))}
	require.NoError(t, queue.Enqueue(context.Background(), tasks))
	task := tasks[0]

	_, err := worker.RunOnce(context.Background())
	require.NoError(t, err)

	var entry models.DeliveryLog
	require.NoError(t, db.First(&entry, "task_id = ?", task.ID).Error)
	require.Equal(t, models.DeliveryStatusFailed, entry.Status)
	require.True(t, entry.ErrorPermanent)
}

func TestRunOnceUnknownChannelFailsPermanently(t *testing.T) {
	db := openEngineDB(t)

	worker, queue, _, _ := newTestWorker(t, db, map[string]Dispatcher{models.ChannelPush: &fakeDispatcher{name: "fcm"}})

	tasks := []models.DeliveryTask{newTestTask("user-1", models.ChannelChat, 50, time.Now().UTC().Add(-time.Minute))}
	require.NoError(t, queue.Enqueue(context.Background(), tasks))
	task := tasks[0]

	_, err := worker.RunOnce(context.Background())
	require.NoError(t, err)

	var entry models.DeliveryLog
	require.NoError(t, db.First(&entry, "task_id = ?", task.ID).Error)
	require.Equal(t, models.DeliveryStatusFailed, entry.Status)
	require.Equal(t, "unknown_channel", entry.ErrorCode)
	require.True(t, entry.ErrorPermanent)
}

func TestRunOnceLeavesFutureTasksAlone(t *testing.T) {
	db := openEngineDB(t)

	push := &fakeDispatcher{name: "fcm"}
	worker, queue, _, _ := newTestWorker(t, db, map[string]Dispatcher{models.ChannelPush: push})

	tasks := []models.DeliveryTask{newTestTask("user-1", models.ChannelPush, 50, time.Now().UTC().Add(time.Hour))}
	require.NoError(t, queue.Enqueue(context.Background(), tasks))

	processed, err := worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, processed)
	require.Zero(t, push.dispatched())
}

func TestClassifySendError(t *testing.T) {
	permanent := classifySendError(NewPermanentError("bad_token", "gone"))
	require.True(t, permanent.Permanent)
	require.Equal(t, "bad_token", permanent.Code)

	transient := classifySendError(context.DeadlineExceeded)
	require.False(t, transient.Permanent)
	require.Equal(t, "timeout", transient.Code)

	unknown := classifySendError(errBoom)
	require.False(t, unknown.Permanent)
	require.Equal(t, "transport_error", unknown.Code)
}

var errBoom = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
