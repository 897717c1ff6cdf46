package chatstore

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgAt(id string, sec int64) *Message {
	return &Message{
		Id:             id,
		ConversationId: "C1",
		SenderRole:     RoleParticipant,
		Body:           "body " + id,
		CreateTime:     time.Unix(sec, 0),
	}
}

func ids(msgs []*Message) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, m.Id)
	}
	return out
}

func TestAppendDedup(t *testing.T) {
	s := NewMessageStore()
	assert.True(t, s.Append(msgAt("m1", 1)))
	assert.True(t, s.Append(msgAt("m2", 2)))
	assert.False(t, s.Append(msgAt("m1", 1)))
	assert.False(t, s.Append(msgAt("m2", 5)))
	assert.Equal(t, []string{"m1", "m2"}, ids(s.Snapshot()))
}

func TestAppendSortedInsert(t *testing.T) {
	s := NewMessageStore()
	s.Append(msgAt("m3", 3))
	s.Append(msgAt("m1", 1))
	s.Append(msgAt("m4", 4))
	s.Append(msgAt("m2", 2))
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(s.Snapshot()))
}

func TestEqualTimestampsOrderById(t *testing.T) {
	s := NewMessageStore()
	s.Append(msgAt("b", 1))
	s.Append(msgAt("c", 1))
	s.Append(msgAt("a", 1))
	assert.Equal(t, []string{"a", "b", "c"}, ids(s.Snapshot()))

	s.Initialize([]*Message{msgAt("z", 1), msgAt("y", 1), msgAt("x", 0)})
	assert.Equal(t, []string{"x", "y", "z"}, ids(s.Snapshot()))
}

func TestRandomAppendsStaySortedAndUnique(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	s := NewMessageStore()
	unique := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		id := string(rune('a' + r.Intn(26)))
		id += string(rune('a' + r.Intn(26)))
		unique[id] = struct{}{}
		s.Append(msgAt(id, int64(r.Intn(10))))
	}

	snap := s.Snapshot()
	require.Len(t, snap, len(unique))
	for i := 1; i < len(snap); i++ {
		assert.True(t, snap[i-1].Before(snap[i]), "%s should sort before %s", snap[i-1].Id, snap[i].Id)
	}
}

func TestInitializeAndAppendCommute(t *testing.T) {
	m1, m2 := msgAt("m1", 1), msgAt("m2", 2)

	a := NewMessageStore()
	a.Append(m2)
	a.Initialize([]*Message{m1, m2})

	b := NewMessageStore()
	b.Initialize([]*Message{m1, m2})
	b.Append(m2)

	assert.Equal(t, []string{"m1", "m2"}, ids(a.Snapshot()))
	assert.Equal(t, ids(a.Snapshot()), ids(b.Snapshot()))
}

func TestInitializeReplaces(t *testing.T) {
	s := NewMessageStore()
	s.Append(msgAt("old", 1))
	s.Initialize([]*Message{msgAt("m2", 2), msgAt("m1", 1), msgAt("m1", 1)})
	assert.Equal(t, []string{"m1", "m2"}, ids(s.Snapshot()))

	// ids from the replaced contents are forgotten.
	assert.True(t, s.Append(msgAt("old", 1)))
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewMessageStore()
	s.Append(&Message{Id: "m1", Body: "hi", Attachment: &AttachmentRef{URL: "u", Kind: MediaImage}})

	snap := s.Snapshot()
	snap[0].Body = "changed"
	snap[0].Attachment.URL = "changed"

	again := s.Snapshot()
	require.Len(t, again, 1)
	assert.Equal(t, "hi", again[0].Body)
	assert.Equal(t, "u", again[0].Attachment.URL)
}

func TestObservers(t *testing.T) {
	s := NewMessageStore()
	var calls int
	var seen []int
	cancel := s.Observe(func() {
		calls++
		seen = append(seen, s.Len())
	})

	s.Initialize([]*Message{msgAt("m1", 1)})
	s.Append(msgAt("m2", 2))
	s.Append(msgAt("m2", 2)) // duplicate: no notification
	assert.Equal(t, 2, calls)
	assert.Equal(t, []int{1, 2}, seen)

	cancel()
	s.Append(msgAt("m3", 3))
	assert.Equal(t, 2, calls)
}
