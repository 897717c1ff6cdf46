package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/mqy/minichat/chatstore"
)

const (
	TableMessages = "chat_messages"
	OpInsert      = "INSERT"
)

var ErrClosed = errors.New("push: channel closed")

// Event is a row change notification, JSON encoded on the wire.
type Event struct {
	Table          string             `json:"table"`
	Op             string             `json:"op"`
	ConversationId string             `json:"conversation_id"`
	Message        *chatstore.Message `json:"record,omitempty"`
}

// NewInsertEvent wraps a freshly inserted message.
func NewInsertEvent(m *chatstore.Message) *Event {
	return &Event{
		Table:          TableMessages,
		Op:             OpInsert,
		ConversationId: m.ConversationId,
		Message:        m,
	}
}

func (e *Event) String() string {
	var id string
	if e.Message != nil {
		id = e.Message.Id
	}
	return fmt.Sprintf("%s %s conversation=%s id=%s", e.Op, e.Table, e.ConversationId, id)
}

func decodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.Table == TableMessages && e.Message == nil {
		return nil, fmt.Errorf("event without record: %s", data)
	}
	return &e, nil
}

// Filter selects insert events of one table, optionally of one conversation.
type Filter struct {
	Table          string
	ConversationId string
}

func (f Filter) Match(e *Event) bool {
	if e == nil || e.Op != OpInsert || e.Table != f.Table {
		return false
	}
	return f.ConversationId == "" || f.ConversationId == e.ConversationId
}

// ISubscription is a live subscription handle.
type ISubscription interface {
	// Events is closed when the subscription ends.
	Events() <-chan *Event
	// Err is the transport error that ended the subscription, nil after Close.
	Err() error
	// Close is idempotent.
	Close() error
}

type IPushChannel interface {
	Subscribe(ctx context.Context, filter Filter) (ISubscription, error)
}

type IPublisher interface {
	Publish(ctx context.Context, e *Event) error
}

type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}
