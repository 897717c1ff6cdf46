package chatstore

import (
	"strings"
	"time"
)

type SenderRole string

const (
	RoleAdmin       SenderRole = "admin"
	RoleParticipant SenderRole = "participant"
)

type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// AttachmentRef points to an uploaded object.
type AttachmentRef struct {
	URL  string    `json:"url"`
	Kind MediaKind `json:"kind"`
}

// Message is immutable once created. Id and CreateTime are assigned by the
// record store.
type Message struct {
	Id             string         `json:"id"`
	ConversationId string         `json:"conversation_id"`
	SenderId       string         `json:"sender_id,omitempty"`
	SenderRole     SenderRole     `json:"sender_role"`
	Body           string         `json:"body"`
	Attachment     *AttachmentRef `json:"attachment,omitempty"`
	CreateTime     time.Time      `json:"create_time"`
}

// Before reports whether m sorts before o: create time ascending, ties by id.
func (m *Message) Before(o *Message) bool {
	if !m.CreateTime.Equal(o.CreateTime) {
		return m.CreateTime.Before(o.CreateTime)
	}
	return strings.Compare(m.Id, o.Id) < 0
}

func (m *Message) Clone() *Message {
	c := *m
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	return &c
}

// NewMessage is what a sender submits; the store fills in the rest.
type NewMessage struct {
	ConversationId string
	SenderId       string
	SenderRole     SenderRole
	Body           string
	Attachment     *AttachmentRef
}

// Conversation is a complaint seen from the chat side.
type Conversation struct {
	Id            string    `json:"id"`
	Title         string    `json:"title"`
	Category      string    `json:"category"`
	Status        Status    `json:"status"`
	ParticipantId string    `json:"participant_id"`
	CreateTime    time.Time `json:"create_time"`
	UpdateTime    time.Time `json:"update_time"`
}

// ConversationPatch holds optional fields for an update; nil means unchanged.
type ConversationPatch struct {
	Title    *string
	Category *string
	Status   *Status
}
