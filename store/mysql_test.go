package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/push"
)

// Example: root:@tcp(127.0.0.1:3306)/minichat?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci
const dsnEnv = "MINICHAT_MYSQL_DSN"

func openTestStore(t *testing.T, publisher push.IPublisher) *MysqlStore {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewMysqlStore(db, publisher)
	require.NoError(t, s.EnsureSchema(context.Background()))
	for _, table := range []string{"chat_messages", "complaints", "profiles"} {
		_, err := db.Exec("DELETE FROM " + table)
		require.NoError(t, err)
	}
	return s
}

func insertComplaint(t *testing.T, s *MysqlStore, id, participant string, status chatstore.Status, updated time.Time) {
	_, err := s.Exec("INSERT INTO complaints (id, participant_id, title, category, status, create_time, update_time) VALUES (?,?,?,?,?,?,?)",
		id, participant, "title of "+id, "general", string(status), updated, updated)
	require.NoError(t, err)
}

func TestInsertAndQueryMessages(t *testing.T) {
	local := push.NewLocal()
	defer local.Close()
	s := openTestStore(t, local)
	ctx := context.Background()

	insertComplaint(t, s, "c1", "u1", chatstore.StatusOpen, time.Now().UTC())

	sub, err := local.Subscribe(ctx, push.Filter{Table: push.TableMessages, ConversationId: "c1"})
	require.NoError(t, err)
	defer sub.Close()

	m1, err := s.InsertMessage(ctx, &chatstore.NewMessage{
		ConversationId: "c1",
		SenderId:       "u1",
		SenderRole:     chatstore.RoleParticipant,
		Body:           "my printer is broken",
	})
	require.NoError(t, err)
	m2, err := s.InsertMessage(ctx, &chatstore.NewMessage{
		ConversationId: "c1",
		SenderId:       "a1",
		SenderRole:     chatstore.RoleAdmin,
		Body:           "Sent an attachment",
		Attachment:     &chatstore.AttachmentRef{URL: "http://x/objects/k.png", Kind: chatstore.MediaImage},
	})
	require.NoError(t, err)
	assert.True(t, m2.CreateTime.After(m1.CreateTime))

	select {
	case e := <-sub.Events():
		assert.Equal(t, m1.Id, e.Message.Id)
	case <-time.After(time.Second):
		t.Fatal("no insert event")
	}

	got, err := s.QueryMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, m1.Id, got[0].Id)
	assert.Nil(t, got[0].Attachment)
	assert.Equal(t, m2.Id, got[1].Id)
	assert.Equal(t, chatstore.MediaImage, got[1].Attachment.Kind)
	assert.True(t, got[1].CreateTime.Equal(m2.CreateTime))

	_, err = s.InsertMessage(ctx, &chatstore.NewMessage{ConversationId: "nope", Body: "x"})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestConcurrentInsertOrder(t *testing.T) {
	s := openTestStore(t, nil)
	insertComplaint(t, s, "c1", "u1", chatstore.StatusOpen, time.Now().UTC())

	const N = 20
	var wg sync.WaitGroup
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.InsertMessage(context.Background(), &chatstore.NewMessage{
				ConversationId: "c1",
				SenderId:       "u1",
				SenderRole:     chatstore.RoleParticipant,
				Body:           "hi",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.QueryMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, got, N)
	for i := 1; i < N; i++ {
		assert.True(t, got[i].CreateTime.After(got[i-1].CreateTime))
	}
}

func TestConversations(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	insertComplaint(t, s, "c1", "u1", chatstore.StatusOpen, now.Add(-time.Hour))
	insertComplaint(t, s, "c2", "u2", chatstore.StatusOpen, now.Add(-time.Hour))
	insertComplaint(t, s, "c3", "u3", chatstore.StatusOpen, now.Add(-time.Hour))
	for _, id := range []string{"c1", "c2"} {
		_, err := s.InsertMessage(ctx, &chatstore.NewMessage{ConversationId: id, SenderId: "u", SenderRole: chatstore.RoleParticipant, Body: "x"})
		require.NoError(t, err)
	}

	resolved := chatstore.StatusResolved
	require.NoError(t, s.UpdateConversation(ctx, "c2", &chatstore.ConversationPatch{Status: &resolved}))

	c, err := s.GetConversation(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, chatstore.StatusResolved, c.Status)
	assert.Equal(t, "title of c2", c.Title)

	bad := chatstore.Status("bogus")
	assert.Error(t, s.UpdateConversation(ctx, "c2", &chatstore.ConversationPatch{Status: &bad}))
	assert.True(t, errors.Is(s.UpdateConversation(ctx, "nope", &chatstore.ConversationPatch{Status: &resolved}), ErrNotFound))

	list, err := s.ListConversationsWithMessages(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c2", list[0].Id)
	assert.Equal(t, "c1", list[1].Id)

	n, err := s.DeleteResolvedBefore(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.GetConversation(ctx, "c2")
	assert.True(t, errors.Is(err, ErrNotFound))
	msgs, err := s.QueryMessages(ctx, "c2")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDisplayName(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	_, err := s.Exec("INSERT INTO profiles (id, name) VALUES (?, ?)", "u1", "Alice")
	require.NoError(t, err)

	name, err := s.DisplayName(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", name)

	_, err = s.DisplayName(ctx, "u2")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.Exec("INSERT INTO profiles (id, name) VALUES (?, ?)", "u1", "Bob")
	assert.True(t, s.IsDupKeyError(err))
}
