package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/push"
)

func msg(conv, id string, sec int64) *chatstore.Message {
	return &chatstore.Message{
		Id:             id,
		ConversationId: conv,
		SenderRole:     chatstore.RoleAdmin,
		Body:           "text " + id,
		CreateTime:     time.Unix(sec, 0),
	}
}

func ids(s *chatstore.MessageStore) []string {
	var out []string
	for _, m := range s.Snapshot() {
		out = append(out, m.Id)
	}
	return out
}

func eventuallyIds(t *testing.T, s *chatstore.MessageStore, want ...string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, ids(s))
	}, 2*time.Second, 5*time.Millisecond, "want %v, got %v", want, ids(s))
}

type failingChannel struct{ err error }

func (c failingChannel) Subscribe(context.Context, push.Filter) (push.ISubscription, error) {
	return nil, c.err
}

func TestLiveEventsAppend(t *testing.T) {
	ch := push.NewLocal()
	store := chatstore.NewMessageStore()
	r := New(ch, store, nil)
	ctx := context.Background()

	_, err := r.Subscribe(ctx, "C1", false)
	require.NoError(t, err)
	assert.Equal(t, StateSubscribed, r.State())

	require.NoError(t, ch.Publish(ctx, push.NewInsertEvent(msg("C1", "m2", 2))))
	require.NoError(t, ch.Publish(ctx, push.NewInsertEvent(msg("C1", "m1", 1))))
	require.NoError(t, ch.Publish(ctx, push.NewInsertEvent(msg("C1", "m1", 1))))
	eventuallyIds(t, store, "m1", "m2")
}

func TestHistoryThenPush(t *testing.T) {
	ch := push.NewLocal()
	store := chatstore.NewMessageStore()
	r := New(ch, store, nil)
	ctx := context.Background()

	gen, err := r.Subscribe(ctx, "C1", true)
	require.NoError(t, err)

	// arrives while history is still loading.
	require.NoError(t, ch.Publish(ctx, push.NewInsertEvent(msg("C1", "m2", 2))))
	assert.Eventually(t, func() bool {
		r.Lock()
		defer r.Unlock()
		return len(r.pending) == 1
	}, time.Second, time.Millisecond)
	assert.Empty(t, ids(store))

	require.NoError(t, r.Release(gen, func() {
		store.Initialize([]*chatstore.Message{msg("C1", "m1", 1), msg("C1", "m2", 2)})
	}))
	assert.Equal(t, []string{"m1", "m2"}, ids(store))

	require.NoError(t, ch.Publish(ctx, push.NewInsertEvent(msg("C1", "m3", 3))))
	eventuallyIds(t, store, "m1", "m2", "m3")
}

func TestSwitchConversationKeepsOneSubscription(t *testing.T) {
	ch := push.NewLocal()
	store := chatstore.NewMessageStore()
	r := New(ch, store, nil)
	ctx := context.Background()

	gen1, err := r.Subscribe(ctx, "C1", false)
	require.NoError(t, err)
	gen2, err := r.Subscribe(ctx, "C2", false)
	require.NoError(t, err)
	assert.Greater(t, gen2, gen1)
	assert.Eventually(t, func() bool { return ch.Len() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, ch.Publish(ctx, push.NewInsertEvent(msg("C1", "old", 1))))
	require.NoError(t, ch.Publish(ctx, push.NewInsertEvent(msg("C2", "new", 2))))
	eventuallyIds(t, store, "new")

	assert.ErrorIs(t, r.Release(gen1, nil), ErrSuperseded)
	assert.False(t, r.AppendIfCurrent(gen1, msg("C1", "late", 3)))
	assert.True(t, r.AppendIfCurrent(gen2, msg("C2", "mine", 3)))
	assert.False(t, r.AppendIfCurrent(gen2, msg("C2", "mine", 3)))
}

func TestUnsubscribeIdempotent(t *testing.T) {
	ch := push.NewLocal()
	store := chatstore.NewMessageStore()
	r := New(ch, store, nil)
	ctx := context.Background()

	r.Unsubscribe()
	gen, err := r.Subscribe(ctx, "C1", false)
	require.NoError(t, err)

	r.Unsubscribe()
	r.Unsubscribe()
	assert.Equal(t, StateIdle, r.State())
	assert.Eventually(t, func() bool { return ch.Len() == 0 }, time.Second, time.Millisecond)

	_, conv := r.Current()
	assert.Empty(t, conv)
	assert.ErrorIs(t, r.Release(gen, nil), ErrSuperseded)

	require.NoError(t, ch.Publish(ctx, push.NewInsertEvent(msg("C1", "m1", 1))))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, ids(store))
}

func TestDegradedSignal(t *testing.T) {
	ch := push.NewLocal()
	store := chatstore.NewMessageStore()
	store.Initialize([]*chatstore.Message{msg("C1", "m1", 1)})

	var mu sync.Mutex
	var degraded []string
	r := New(ch, store, func(conv string, err error) {
		mu.Lock()
		degraded = append(degraded, conv+": "+err.Error())
		mu.Unlock()
	})

	_, err := r.Subscribe(context.Background(), "C1", false)
	require.NoError(t, err)

	ch.Fail(errors.New("connection reset"))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(degraded) == 1
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, "C1: connection reset", degraded[0])
	mu.Unlock()
	assert.Equal(t, StateIdle, r.State())

	// existing content stays usable.
	assert.Equal(t, []string{"m1"}, ids(store))
}

func TestCloseIsNotDegraded(t *testing.T) {
	ch := push.NewLocal()
	called := make(chan struct{}, 1)
	r := New(ch, chatstore.NewMessageStore(), func(string, error) { called <- struct{}{} })

	_, err := r.Subscribe(context.Background(), "C1", false)
	require.NoError(t, err)
	r.Unsubscribe()

	select {
	case <-called:
		t.Fatal("unexpected degraded signal")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestSubscribeError(t *testing.T) {
	store := chatstore.NewMessageStore()
	r := New(failingChannel{err: errors.New("dial refused")}, store, nil)

	gen, err := r.Subscribe(context.Background(), "C1", true)
	require.Error(t, err)
	assert.Equal(t, StateIdle, r.State())

	require.NoError(t, r.Release(gen, func() {
		store.Initialize([]*chatstore.Message{msg("C1", "m1", 1)})
	}))
	assert.Equal(t, []string{"m1"}, ids(store))
}

func TestAbort(t *testing.T) {
	ch := push.NewLocal()
	store := chatstore.NewMessageStore()
	store.Initialize([]*chatstore.Message{msg("C0", "old", 1)})
	r := New(ch, store, nil)
	ctx := context.Background()

	gen, err := r.Subscribe(ctx, "C1", true)
	require.NoError(t, err)

	newer, err := r.Subscribe(ctx, "C2", true)
	require.NoError(t, err)
	assert.False(t, r.Abort(gen, func() { t.Fatal("stale reset must not run") }))

	assert.True(t, r.Abort(newer, func() { store.Initialize(nil) }))
	assert.Equal(t, StateIdle, r.State())
	assert.Empty(t, ids(store))
	assert.Equal(t, ErrSuperseded, r.Release(newer, nil))
	assert.Eventually(t, func() bool { return ch.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSubscribeEmptiesStore(t *testing.T) {
	ch := push.NewLocal()
	store := chatstore.NewMessageStore()
	r := New(ch, store, nil)
	ctx := context.Background()

	gen1, err := r.Subscribe(ctx, "C1", true)
	require.NoError(t, err)
	require.NoError(t, r.Release(gen1, func() {
		store.Initialize([]*chatstore.Message{msg("C1", "m1", 1)})
	}))
	require.Equal(t, []string{"m1"}, ids(store))

	_, err = r.Subscribe(ctx, "C2", true)
	require.NoError(t, err)
	assert.Empty(t, ids(store))
}

func TestAppendWhileHeldIsBuffered(t *testing.T) {
	ch := push.NewLocal()
	store := chatstore.NewMessageStore()
	r := New(ch, store, nil)
	ctx := context.Background()

	gen, err := r.Subscribe(ctx, "C1", true)
	require.NoError(t, err)

	assert.True(t, r.AppendIfCurrent(gen, msg("C1", "sent", 2)))
	assert.False(t, r.AppendIfCurrent(gen, msg("C2", "foreign", 2)))
	assert.Empty(t, ids(store))

	// history read before "sent" committed
	require.NoError(t, r.Release(gen, func() {
		store.Initialize([]*chatstore.Message{msg("C1", "m1", 1)})
	}))
	assert.Equal(t, []string{"m1", "sent"}, ids(store))

	// history that already has it
	gen2, err := r.Subscribe(ctx, "C1", true)
	require.NoError(t, err)
	assert.True(t, r.AppendIfCurrent(gen2, msg("C1", "sent", 2)))
	require.NoError(t, r.Release(gen2, func() {
		store.Initialize([]*chatstore.Message{msg("C1", "m1", 1), msg("C1", "sent", 2)})
	}))
	assert.Equal(t, []string{"m1", "sent"}, ids(store))
}
