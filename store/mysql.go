package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/push"
)

// Schema is applied by EnsureSchema, one statement per element.
var Schema = []string{
	"CREATE TABLE IF NOT EXISTS complaints (" +
		"id VARCHAR(36) NOT NULL PRIMARY KEY," +
		"participant_id VARCHAR(64) NOT NULL," +
		"title VARCHAR(255) NOT NULL," +
		"category VARCHAR(64) NOT NULL DEFAULT ''," +
		"status VARCHAR(16) NOT NULL DEFAULT 'open'," +
		"create_time DATETIME(6) NOT NULL," +
		"update_time DATETIME(6) NOT NULL," +
		"INDEX idx_status_update (status, update_time))",
	"CREATE TABLE IF NOT EXISTS chat_messages (" +
		"id VARCHAR(36) NOT NULL PRIMARY KEY," +
		"conversation_id VARCHAR(36) NOT NULL," +
		"sender_id VARCHAR(64) NOT NULL DEFAULT ''," +
		"sender_role VARCHAR(16) NOT NULL," +
		"body TEXT NOT NULL," +
		"attachment_url VARCHAR(1024) NULL," +
		"attachment_kind VARCHAR(16) NULL," +
		"create_time DATETIME(6) NOT NULL," +
		"INDEX idx_conversation_time (conversation_id, create_time, id))",
	"CREATE TABLE IF NOT EXISTS profiles (" +
		"id VARCHAR(64) NOT NULL PRIMARY KEY," +
		"name VARCHAR(255) NOT NULL)",
}

const (
	queryMessagesSQL = "SELECT id, conversation_id, sender_id, sender_role, body, attachment_url, attachment_kind, create_time " +
		"FROM chat_messages WHERE conversation_id = ? ORDER BY create_time ASC, id ASC"
	lockConversationSQL = "SELECT id FROM complaints WHERE id = ? FOR UPDATE"
	lastCreateTimeSQL   = "SELECT MAX(create_time) FROM chat_messages WHERE conversation_id = ?"
	insertMessageSQL    = "INSERT INTO chat_messages (id, conversation_id, sender_id, sender_role, body, attachment_url, attachment_kind, create_time) " +
		"VALUES (?,?,?,?,?,?,?,?)"
	getConversationSQL = "SELECT id, participant_id, title, category, status, create_time, update_time FROM complaints WHERE id = ?"
	listWithMessagesSQL = "SELECT c.id, c.participant_id, c.title, c.category, c.status, c.create_time, c.update_time " +
		"FROM complaints AS c WHERE EXISTS (SELECT 1 FROM chat_messages AS m WHERE m.conversation_id = c.id) " +
		"ORDER BY c.update_time DESC"
	updateConversationSQL = "UPDATE complaints SET %s, update_time = ? WHERE id = ?"
	displayNameSQL        = "SELECT name FROM profiles WHERE id = ?"
	deleteResolvedMsgsSQL = "DELETE m FROM chat_messages AS m JOIN complaints AS c ON m.conversation_id = c.id " +
		"WHERE c.status = ? AND c.update_time < ?"
	deleteResolvedSQL = "DELETE FROM complaints WHERE status = ? AND update_time < ?"
)

// MysqlStore implements IRecordStore.
type MysqlStore struct {
	*sql.DB
	publisher push.IPublisher
	now       func() time.Time
}

// NewMysqlStore creates a store; publisher may be nil. The DSN must set parseTime=true.
func NewMysqlStore(db *sql.DB, publisher push.IPublisher) *MysqlStore {
	return &MysqlStore{
		DB:        db,
		publisher: publisher,
		now:       time.Now,
	}
}

func (s *MysqlStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: apply schema: %w", err)
		}
	}
	return nil
}

func (s *MysqlStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*chatstore.Message, error) {
	var m chatstore.Message
	var role string
	var url, kind sql.NullString
	if err := row.Scan(&m.Id, &m.ConversationId, &m.SenderId, &role, &m.Body, &url, &kind, &m.CreateTime); err != nil {
		return nil, err
	}
	m.SenderRole = chatstore.SenderRole(role)
	if url.Valid && url.String != "" {
		m.Attachment = &chatstore.AttachmentRef{
			URL:  url.String,
			Kind: chatstore.MediaKind(kind.String),
		}
	}
	return &m, nil
}

func scanConversation(row rowScanner) (*chatstore.Conversation, error) {
	var c chatstore.Conversation
	var status string
	if err := row.Scan(&c.Id, &c.ParticipantId, &c.Title, &c.Category, &status, &c.CreateTime, &c.UpdateTime); err != nil {
		return nil, err
	}
	c.Status = chatstore.Status(status)
	return &c, nil
}

func (s *MysqlStore) QueryMessages(ctx context.Context, conversationId string) ([]*chatstore.Message, error) {
	rows, err := s.QueryContext(ctx, queryMessagesSQL, conversationId)
	if err != nil {
		glog.Errorf("query messages err: %v", err)
		return nil, err
	}
	defer rows.Close()

	var out []*chatstore.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			glog.Errorf("query messages scan err: %v", err)
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *MysqlStore) InsertMessage(ctx context.Context, nm *chatstore.NewMessage) (*chatstore.Message, error) {
	m := &chatstore.Message{
		Id:             newId(),
		ConversationId: nm.ConversationId,
		SenderId:       nm.SenderId,
		SenderRole:     nm.SenderRole,
		Body:           nm.Body,
		Attachment:     nm.Attachment,
	}

	var url, kind sql.NullString
	if a := nm.Attachment; a != nil {
		url = sql.NullString{String: a.URL, Valid: true}
		kind = sql.NullString{String: string(a.Kind), Valid: true}
	}

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// The conversation row lock serializes inserts of one conversation,
		// so create_time is strictly increasing within it.
		var id string
		if err := tx.QueryRowContext(ctx, lockConversationSQL, nm.ConversationId).Scan(&id); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("conversation `%s`: %w", nm.ConversationId, ErrNotFound)
			}
			return err
		}

		var last sql.NullTime
		if err := tx.QueryRowContext(ctx, lastCreateTimeSQL, nm.ConversationId).Scan(&last); err != nil {
			glog.Errorf("last create time scan err: %v", err)
			return err
		}
		m.CreateTime = nextCreateTime(s.now().UTC(), last.Time)

		if _, err := tx.ExecContext(ctx, insertMessageSQL, m.Id, m.ConversationId, m.SenderId,
			string(m.SenderRole), m.Body, url, kind, m.CreateTime); err != nil {
			glog.Errorf("insert message exec err: %v", err)
			return err
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, push.NewInsertEvent(m)); err != nil {
			// Subscribers catch up on their next activation.
			glog.Errorf("publish insert event of message `%s` err: %v", m.Id, err)
		}
	}
	return m, nil
}

func (s *MysqlStore) GetConversation(ctx context.Context, id string) (*chatstore.Conversation, error) {
	c, err := scanConversation(s.QueryRowContext(ctx, getConversationSQL, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation `%s`: %w", id, ErrNotFound)
	}
	return c, err
}

func (s *MysqlStore) UpdateConversation(ctx context.Context, id string, patch *chatstore.ConversationPatch) error {
	var status *string
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return fmt.Errorf("store: invalid status `%s`", *patch.Status)
		}
		v := string(*patch.Status)
		status = &v
	}
	set, args := setClause(
		[]string{"title", "category", "status"},
		[]*string{patch.Title, patch.Category, status},
	)
	if set == "" {
		return nil
	}
	args = append(args, s.now().UTC().Truncate(timePrecision), id)

	res, err := s.ExecContext(ctx, fmt.Sprintf(updateConversationSQL, set), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation `%s`: %w", id, ErrNotFound)
	}
	return nil
}

func (s *MysqlStore) ListConversationsWithMessages(ctx context.Context) ([]*chatstore.Conversation, error) {
	rows, err := s.QueryContext(ctx, listWithMessagesSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*chatstore.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *MysqlStore) DisplayName(ctx context.Context, uid string) (string, error) {
	var name string
	if err := s.QueryRowContext(ctx, displayNameSQL, uid).Scan(&name); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("profile `%s`: %w", uid, ErrNotFound)
		}
		return "", err
	}
	return name, nil
}

func (s *MysqlStore) DeleteResolvedBefore(ctx context.Context, t time.Time) (int64, error) {
	var numDeleted int64
	before := t.UTC()
	status := string(chatstore.StatusResolved)

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, deleteResolvedMsgsSQL, status, before); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, deleteResolvedSQL, status, before)
		if err != nil {
			return err
		}
		numDeleted, err = res.RowsAffected()
		return err
	}); err != nil {
		return 0, err
	}
	return numDeleted, nil
}

func (s *MysqlStore) IsDupKeyError(err error) bool {
	var val *mysql.MySQLError
	if errors.As(err, &val) {
		return val.Number == 1062
	}
	return false
}
