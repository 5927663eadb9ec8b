package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	appkafka "example.com/socialgraph/internal/broker"
	"example.com/socialgraph/internal/models"
	"example.com/socialgraph/internal/social"
	"example.com/socialgraph/internal/store"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// conflictStore fails the first Conflicts saves with a stale version.
type conflictStore struct {
	*store.MemoryStore
	Conflicts int
	saves     int
}

func (c *conflictStore) SaveUser(ctx context.Context, u *models.User) (*models.User, error) {
	c.saves++
	if c.Conflicts > 0 {
		c.Conflicts--
		return nil, models.ErrConflict
	}
	return c.MemoryStore.SaveUser(ctx, u)
}

func newWorker(st store.Store, reader appkafka.KafkaReader) *Worker {
	return New(social.New(st), st, reader, 1, 1)
}

func mustUser(t *testing.T, st store.Store, name string, followees ...int64) *models.User {
	t.Helper()
	u, err := st.SaveUser(context.Background(), &models.User{Username: name, Followees: followees})
	require.NoError(t, err)
	return u
}

// runWorkerOnce processes a single Kafka message for testing.
func runWorkerOnce(ctx context.Context, w *Worker) error {
	msg, err := w.reader.ReadMessage(ctx)
	if err != nil {
		return err
	}
	if len(msg.Value) == 0 {
		return nil
	}
	e, err := appkafka.DecodeEvent(msg.Value)
	if err != nil {
		return err
	}
	return w.handle(ctx, e)
}

func eventMessage(t *testing.T, e appkafka.Event) kafka.Message {
	t.Helper()
	msg, err := e.Message()
	require.NoError(t, err)
	return msg
}

// ---------- Positive tests ----------

func TestWorker_UserDeletedDropsEdges(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	gone := mustUser(t, st, "gone")
	other := mustUser(t, st, "other")
	a := mustUser(t, st, "a", gone.ID, other.ID)
	b := mustUser(t, st, "b", gone.ID)
	require.NoError(t, st.DeleteUser(ctx, gone.ID))

	mockKafka := &appkafka.MockKafka{
		ReadMessages: []kafka.Message{eventMessage(t, appkafka.NewEvent(appkafka.UserDeleted, gone.ID, 0))},
	}
	require.NoError(t, runWorkerOnce(ctx, newWorker(st, mockKafka)))

	gotA, err := st.GetUser(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{other.ID}, gotA.Followees)

	gotB, err := st.GetUser(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, gotB.Followees)

	followers, err := st.GetFollowers(ctx, gone.ID)
	require.NoError(t, err)
	assert.Empty(t, followers)
}

func TestWorker_RetriesConflicts(t *testing.T) {
	st := &conflictStore{MemoryStore: store.NewMemory()}
	ctx := context.Background()

	gone := mustUser(t, st.MemoryStore, "gone")
	a := mustUser(t, st.MemoryStore, "a", gone.ID)
	require.NoError(t, st.DeleteUser(ctx, gone.ID))

	st.Conflicts = maxConflictRetries - 1
	w := newWorker(st, &appkafka.MockKafka{})
	require.NoError(t, w.handle(ctx, appkafka.NewEvent(appkafka.UserDeleted, gone.ID, 0)))
	assert.Equal(t, maxConflictRetries, st.saves)

	got, err := st.GetUser(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Followees)
}

func TestWorker_GivesUpAfterRetries(t *testing.T) {
	st := &conflictStore{MemoryStore: store.NewMemory()}
	ctx := context.Background()

	gone := mustUser(t, st.MemoryStore, "gone")
	mustUser(t, st.MemoryStore, "a", gone.ID)
	require.NoError(t, st.DeleteUser(ctx, gone.ID))

	st.Conflicts = maxConflictRetries
	w := newWorker(st, &appkafka.MockKafka{})
	err := w.handle(ctx, appkafka.NewEvent(appkafka.UserDeleted, gone.ID, 0))
	assert.True(t, errors.Is(err, models.ErrConflict), "got %v", err)
}

func TestWorker_OtherEventsAreNoops(t *testing.T) {
	st := store.NewMemory()
	u := mustUser(t, st, "a")

	mockKafka := &appkafka.MockKafka{
		ReadMessages: []kafka.Message{eventMessage(t, appkafka.NewEvent(appkafka.PostCreated, u.ID, 7))},
	}
	require.NoError(t, runWorkerOnce(context.Background(), newWorker(st, mockKafka)))

	got, err := st.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Version, got.Version)
}

// ---------- Negative tests ----------

// Simulate Kafka read error
func TestWorker_KafkaReadError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := runWorkerOnce(ctx, newWorker(store.NewMemory(), &appkafka.MockKafkaFail{}))
	assert.Error(t, err)
}

// Simulate invalid event JSON
func TestWorker_InvalidEventJSON(t *testing.T) {
	mockKafka := &appkafka.MockKafka{
		ReadMessages: []kafka.Message{{Value: []byte("{invalid-json}")}},
	}

	err := runWorkerOnce(context.Background(), newWorker(store.NewMemory(), mockKafka))
	assert.Error(t, err)
}

func TestWorker_EmptyKafkaMessage(t *testing.T) {
	mockKafka := &appkafka.MockKafka{
		ReadMessages: []kafka.Message{{Value: nil}},
	}

	err := runWorkerOnce(context.Background(), newWorker(store.NewMemory(), mockKafka))
	assert.NoError(t, err)
}

func TestWorker_StoreGetFollowersFail(t *testing.T) {
	st := store.NewMemory()
	st.ShouldFail = true

	err := newWorker(st, &appkafka.MockKafka{}).handle(context.Background(),
		appkafka.NewEvent(appkafka.UserDeleted, 1, 0))
	assert.Error(t, err)
}
