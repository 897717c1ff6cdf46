package store

import (
	"context"
	"errors"
	"time"

	"github.com/mqy/minichat/chatstore"
)

var ErrNotFound = errors.New("store: not found")

// IRecordStore is the persistent store of complaints and their messages.
type IRecordStore interface {
	// QueryMessages gets messages of a conversation, order by create_time ASC, id ASC.
	QueryMessages(ctx context.Context, conversationId string) ([]*chatstore.Message, error)

	// InsertMessage assigns id and create_time, saves the message and
	// publishes an insert event after commit.
	InsertMessage(ctx context.Context, m *chatstore.NewMessage) (*chatstore.Message, error)

	GetConversation(ctx context.Context, id string) (*chatstore.Conversation, error)

	// UpdateConversation applies non-nil fields of patch.
	UpdateConversation(ctx context.Context, id string, patch *chatstore.ConversationPatch) error

	// ListConversationsWithMessages gets conversations having at least one
	// message, most recently updated first.
	ListConversationsWithMessages(ctx context.Context) ([]*chatstore.Conversation, error)

	// DisplayName gets the profile name of a user.
	DisplayName(ctx context.Context, uid string) (string, error)

	// DeleteResolvedBefore deletes resolved conversations last updated before t,
	// with their messages. Returns the number of conversations deleted.
	DeleteResolvedBefore(ctx context.Context, t time.Time) (int64, error)

	IsDupKeyError(err error) bool
}
