package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/gorilla/websocket"
	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/push/mock"
)

func testEvent(conv, id string) *Event {
	return NewInsertEvent(&chatstore.Message{
		Id:             id,
		ConversationId: conv,
		SenderRole:     chatstore.RoleParticipant,
		Body:           "hello " + id,
		CreateTime:     time.Unix(1, 0),
	})
}

func recv(t *testing.T, s ISubscription) *Event {
	t.Helper()
	select {
	case e, ok := <-s.Events():
		require.True(t, ok, "events closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting event")
	}
	return nil
}

func waitClosed(t *testing.T, s ISubscription) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting close")
		}
	}
}

func TestFilterMatch(t *testing.T) {
	f := Filter{Table: TableMessages, ConversationId: "C1"}
	assert.True(t, f.Match(testEvent("C1", "m1")))
	assert.False(t, f.Match(testEvent("C2", "m1")))
	assert.False(t, f.Match(&Event{Table: "complaints", Op: OpInsert, ConversationId: "C1"}))
	assert.False(t, f.Match(&Event{Table: TableMessages, Op: "UPDATE", ConversationId: "C1"}))
	assert.False(t, f.Match(nil))
	assert.True(t, Filter{Table: TableMessages}.Match(testEvent("C9", "m1")))
}

func TestLocal(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	s1, err := l.Subscribe(ctx, Filter{Table: TableMessages, ConversationId: "C1"})
	require.NoError(t, err)
	s2, err := l.Subscribe(ctx, Filter{Table: TableMessages, ConversationId: "C2"})
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())

	require.NoError(t, l.Publish(ctx, testEvent("C2", "x")))
	require.NoError(t, l.Publish(ctx, testEvent("C1", "m1")))
	require.NoError(t, l.Publish(ctx, testEvent("C1", "m2")))

	assert.Equal(t, "m1", recv(t, s1).Message.Id)
	assert.Equal(t, "m2", recv(t, s1).Message.Id)
	assert.Equal(t, "x", recv(t, s2).Message.Id)

	require.NoError(t, s1.Close())
	require.NoError(t, s1.Close())
	waitClosed(t, s1)
	assert.NoError(t, s1.Err())
	assert.Equal(t, 1, l.Len())

	broken := errors.New("socket reset")
	l.Fail(broken)
	waitClosed(t, s2)
	assert.ErrorIs(t, s2.Err(), broken)
	assert.Equal(t, 0, l.Len())

	require.NoError(t, l.Close())
	_, err = l.Subscribe(ctx, Filter{Table: TableMessages})
	assert.ErrorIs(t, err, ErrClosed)
}

func encodeEvent(t *testing.T, e *Event) []byte {
	b, err := json.Marshal(e)
	require.NoError(t, err)
	return b
}

// fetchFrom serves queued messages, then blocks until ctx is done.
func fetchFrom(msgs chan kafka.Message, exited chan struct{}) func(context.Context) (kafka.Message, error) {
	return func(ctx context.Context) (kafka.Message, error) {
		select {
		case m := <-msgs:
			return m, nil
		case <-ctx.Done():
			select {
			case <-exited:
			default:
				close(exited)
			}
			return kafka.Message{}, ctx.Err()
		}
	}
}

func TestKafkaChannel(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reader := mock.NewMockIKafkaReader(ctrl)
	c := newKafkaChannel(reader)

	// Subscriptions opened before the first fetch see every consumed event.
	s1, err := c.Subscribe(context.Background(), Filter{Table: TableMessages, ConversationId: "C1"})
	require.NoError(t, err)
	s2, err := c.Subscribe(context.Background(), Filter{Table: TableMessages, ConversationId: "C1"})
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	msgs := make(chan kafka.Message, 4)
	msgs <- kafka.Message{Offset: 1, Value: encodeEvent(t, testEvent("C2", "other"))}
	msgs <- kafka.Message{Offset: 2, Value: []byte("{bad json")}
	msgs <- kafka.Message{Offset: 3, Value: encodeEvent(t, testEvent("C1", "m1"))}

	exited := make(chan struct{})
	reader.EXPECT().FetchMessage(gomock.Any()).DoAndReturn(fetchFrom(msgs, exited)).AnyTimes()
	reader.EXPECT().CommitMessages(gomock.Any(), gomock.Any()).Return(nil).Times(3)
	reader.EXPECT().Close().Return(nil).Times(1)

	c.Start(context.Background())

	for _, s := range []ISubscription{s1, s2} {
		e := recv(t, s)
		assert.Equal(t, "m1", e.Message.Id)
		assert.Equal(t, "hello m1", e.Message.Body)
	}

	require.NoError(t, s1.Close())
	waitClosed(t, s1)
	assert.NoError(t, s1.Err())
	assert.Equal(t, 1, c.Len())

	require.NoError(t, c.Close())
	<-exited
	waitClosed(t, s2)
	assert.ErrorIs(t, s2.Err(), ErrClosed)
	assert.NoError(t, c.Close())

	_, err = c.Subscribe(context.Background(), Filter{Table: TableMessages})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestKafkaChannelFetchError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reader := mock.NewMockIKafkaReader(ctrl)
	c := newKafkaChannel(reader)
	c.retryWait = time.Millisecond

	s, err := c.Subscribe(context.Background(), Filter{Table: TableMessages, ConversationId: "C1"})
	require.NoError(t, err)

	failed := make(chan struct{})
	msgs := make(chan kafka.Message, 1)
	exited := make(chan struct{})
	gomock.InOrder(
		reader.EXPECT().FetchMessage(gomock.Any()).DoAndReturn(func(ctx context.Context) (kafka.Message, error) {
			defer close(failed)
			return kafka.Message{}, errors.New("broker down")
		}),
		reader.EXPECT().FetchMessage(gomock.Any()).DoAndReturn(fetchFrom(msgs, exited)).AnyTimes(),
	)
	reader.EXPECT().CommitMessages(gomock.Any(), gomock.Any()).Return(nil).Times(1)
	reader.EXPECT().Close().Return(nil).Times(1)

	c.Start(context.Background())
	<-failed

	// The broken subscription is ended with the fetch error.
	waitClosed(t, s)
	require.Error(t, s.Err())
	assert.Contains(t, s.Err().Error(), "broker down")
	assert.NoError(t, s.Close())

	// The loop recovers; a new subscription gets events again.
	s2, err := c.Subscribe(context.Background(), Filter{Table: TableMessages, ConversationId: "C1"})
	require.NoError(t, err)
	msgs <- kafka.Message{Offset: 1, Value: encodeEvent(t, testEvent("C1", "m2"))}
	assert.Equal(t, "m2", recv(t, s2).Message.Id)

	require.NoError(t, c.Close())
	<-exited
}

func TestBackoff(t *testing.T) {
	var d time.Duration
	backoff(&d, time.Second)
	assert.Equal(t, time.Second, d)
	backoff(&d, time.Second)
	assert.Equal(t, 1500*time.Millisecond, d)

	d = BackoffMaxInterval
	backoff(&d, time.Second)
	assert.Equal(t, time.Second, d)
}

func TestKafkaPublisher(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	writer := mock.NewMockIKafkaWriter(ctrl)
	p := &KafkaPublisher{writer: writer}

	writer.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, msgs ...kafka.Message) error {
			require.Len(t, msgs, 1)
			assert.Equal(t, "C1", string(msgs[0].Key))
			e, err := decodeEvent(msgs[0].Value)
			require.NoError(t, err)
			assert.Equal(t, "m1", e.Message.Id)
			return nil
		})
	require.NoError(t, p.Publish(context.Background(), testEvent("C1", "m1")))

	big := testEvent("C1", "big")
	big.Message.Body = strings.Repeat("x", EventMaxBytes)
	assert.Error(t, p.Publish(context.Background(), big))

	writer.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).Return(errors.New("leader not available"))
	assert.Error(t, p.Publish(context.Background(), testEvent("C1", "m2")))
}

func TestWsChannel(t *testing.T) {
	var upgrader websocket.Upgrader
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, TableMessages, r.URL.Query().Get("table"))
		assert.Equal(t, "C1", r.URL.Query().Get("conversation"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		b, _ := json.Marshal(testEvent("C1", "m1"))
		assert.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
		<-release
	}))
	defer srv.Close()

	c := &WsChannel{URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
	s, err := c.Subscribe(context.Background(), Filter{Table: TableMessages, ConversationId: "C1"})
	require.NoError(t, err)

	assert.Equal(t, "m1", recv(t, s).Message.Id)

	// server going away is a transport error.
	close(release)
	waitClosed(t, s)
	assert.Error(t, s.Err())
}

func TestWsChannelDialError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Authenticate error", http.StatusForbidden)
	}))
	defer srv.Close()

	c := &WsChannel{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}
	_, err := c.Subscribe(context.Background(), Filter{Table: TableMessages, ConversationId: "C1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
