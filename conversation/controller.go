package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang/glog"

	"github.com/mqy/minichat/attachment"
	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/push"
	"github.com/mqy/minichat/realtime"
	"github.com/mqy/minichat/recorder"
	"github.com/mqy/minichat/store"
)

// AttachmentPlaceholder is the body of a message sent with an attachment only.
const AttachmentPlaceholder = "Sent an attachment"

type Config struct {
	Records  store.IRecordStore
	Channel  push.IPushChannel
	Objects  attachment.IObjectStore
	Identity auth.Identity

	// Microphone is optional, recording fails with ErrCaptureUnavailable without it.
	Microphone     recorder.IDevice
	RecorderConfig recorder.Config

	// OnDegraded is called when the live subscription of the active
	// conversation fails. It runs on the subscription goroutine.
	OnDegraded func(conversationId string, err error)
}

// Status is a point-in-time view of a Controller.
type Status struct {
	ConversationId string
	Subscribed     bool
	Degraded       bool
	Recording      recorder.State
	Elapsed        int
	Pending        string
	Messages       int
	LastOutcome    Outcome
	LastError      string
}

// Controller owns the message thread, pending attachment and recording
// session of one view. Activate and Deactivate may be called from any
// goroutine; the most recent Activate wins.
type Controller struct {
	sync.Mutex

	records    store.IRecordStore
	identity   auth.Identity
	pipeline   *attachment.Pipeline
	recorder   *recorder.Recorder
	messages   *chatstore.MessageStore
	reconciler *realtime.Reconciler
	onDegraded func(conversationId string, err error)

	degraded    bool
	pending     *attachment.Pending
	lastOutcome Outcome
	lastError   error
	names       map[string]string
}

func New(conf *Config) *Controller {
	c := &Controller{
		records:    conf.Records,
		identity:   conf.Identity,
		pipeline:   attachment.NewPipeline(conf.Objects),
		messages:   chatstore.NewMessageStore(),
		onDegraded: conf.OnDegraded,
		names:      make(map[string]string),
	}
	if conf.Microphone != nil {
		c.recorder = recorder.New(conf.Microphone, conf.RecorderConfig)
	}
	c.reconciler = realtime.New(conf.Channel, c.messages, c.channelDegraded)
	return c
}

func (c *Controller) channelDegraded(conversationId string, err error) {
	if _, current := c.reconciler.Current(); current != conversationId {
		return
	}
	c.Lock()
	c.degraded = true
	c.Unlock()

	if c.onDegraded != nil {
		c.onDegraded(conversationId, err)
	}
}

// Activate switches the view to conversationId: it closes the previous
// subscription and empties the thread, subscribes to the new conversation, loads history, then
// applies pushed messages. A failed subscription leaves the history loaded
// and the controller degraded. Returns ErrSuperseded when a newer Activate or
// a Deactivate won.
func (c *Controller) Activate(ctx context.Context, conversationId string) error {
	if conversationId == "" {
		return errors.New("conversation: empty conversation id")
	}

	c.discardDrafts()
	c.Lock()
	c.degraded = false
	c.Unlock()

	gen, subErr := c.reconciler.Subscribe(ctx, conversationId, true)
	if subErr == ErrSuperseded {
		return subErr
	}

	history, err := c.records.QueryMessages(ctx, conversationId)
	if err != nil {
		glog.Errorf("conversation: load history of `%s` err: %v", conversationId, err)
		if !c.reconciler.Abort(gen, func() { c.messages.Initialize(nil) }) {
			return ErrSuperseded
		}
		return fmt.Errorf("conversation: load history: %w", err)
	}

	if err := c.reconciler.Release(gen, func() { c.messages.Initialize(history) }); err != nil {
		glog.V(5).Infof("conversation: drop history of superseded `%s`", conversationId)
		return err
	}

	if subErr != nil {
		c.Lock()
		c.degraded = true
		c.Unlock()
		if c.onDegraded != nil {
			c.onDegraded(conversationId, subErr)
		}
	}
	glog.V(5).Infof("conversation: activated `%s`, %d messages", conversationId, len(history))
	return nil
}

// Deactivate tears down the subscription and discards drafts. Idempotent.
func (c *Controller) Deactivate() {
	c.reconciler.Unsubscribe()
	c.discardDrafts()
}

// Close is Deactivate, for use with defer.
func (c *Controller) Close() error {
	c.Deactivate()
	return nil
}

func (c *Controller) discardDrafts() {
	if c.recorder != nil {
		c.recorder.Cancel()
	}
	c.Lock()
	c.pending = nil
	c.Unlock()
}

// ConversationId returns the active conversation, empty when inactive.
func (c *Controller) ConversationId() string {
	_, id := c.reconciler.Current()
	return id
}

// Messages returns the ordered thread.
func (c *Controller) Messages() []*chatstore.Message {
	return c.messages.Snapshot()
}

// Observe registers fn to run after every thread change; returns its unregister func.
func (c *Controller) Observe(fn chatstore.Observer) func() {
	return c.messages.Observe(fn)
}

// Send saves a message with text and an optional attachment. The attachment
// is uploaded first and the message is saved only when the upload succeeded.
// On success the saved message is in the thread when Send returns, or, while
// the history of the conversation is still loading, right after it is.
func (c *Controller) Send(ctx context.Context, text string, att *attachment.Pending) (m *chatstore.Message, err error) {
	defer func() { c.recordOutcome(err) }()

	body := strings.TrimSpace(text)
	if body == "" && att == nil {
		return nil, ErrEmptyMessage
	}
	if att != nil {
		if err := attachment.Validate(att); err != nil {
			return nil, err
		}
	}

	gen, conversationId := c.reconciler.Current()
	if conversationId == "" {
		return nil, ErrNotActive
	}

	user, err := c.currentUser(ctx)
	if err != nil {
		return nil, err
	}

	var ref *chatstore.AttachmentRef
	if att != nil {
		if ref, err = c.pipeline.Upload(ctx, att, user.Id); err != nil {
			glog.Errorf("conversation: upload %s err: %v", att, err)
			return nil, err
		}
		if body == "" {
			body = AttachmentPlaceholder
		}
	}

	m, err = c.records.InsertMessage(ctx, &chatstore.NewMessage{
		ConversationId: conversationId,
		SenderId:       user.Id,
		SenderRole:     user.Role,
		Body:           body,
		Attachment:     ref,
	})
	if err != nil {
		glog.Errorf("conversation: persist message to `%s` err: %v", conversationId, err)
		return nil, &PersistError{ConversationId: conversationId, Err: err}
	}

	// The push event for m may come first, or never when degraded.
	c.reconciler.AppendIfCurrent(gen, m)
	return m, nil
}

// SendPending sends text with the pending attachment. The pending attachment
// is dropped whatever the result.
func (c *Controller) SendPending(ctx context.Context, text string) (*chatstore.Message, error) {
	c.Lock()
	att := c.pending
	c.pending = nil
	c.Unlock()
	return c.Send(ctx, text, att)
}

func (c *Controller) currentUser(ctx context.Context) (*auth.User, error) {
	user, err := c.identity.CurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSignedIn, err)
	}
	if user == nil {
		return nil, ErrNotSignedIn
	}
	return user, nil
}

func (c *Controller) recordOutcome(err error) {
	outcome := OutcomeOf(err)
	sendsTotal.WithLabelValues(string(outcome)).Inc()

	c.Lock()
	c.lastOutcome = outcome
	c.lastError = err
	c.Unlock()
}

// PickAttachment makes a chosen file the pending attachment, replacing any
// previous one. Oversized files are rejected and not kept.
func (c *Controller) PickAttachment(name, contentType string, data []byte) (*attachment.Pending, error) {
	p := attachment.NewPending(name, contentType, data, attachment.OriginPicked)
	if err := attachment.Validate(p); err != nil {
		return nil, err
	}
	c.Lock()
	c.pending = p
	c.Unlock()
	return p, nil
}

func (c *Controller) ClearAttachment() {
	c.Lock()
	c.pending = nil
	c.Unlock()
}

// Pending returns the pending attachment, nil if none.
func (c *Controller) Pending() *attachment.Pending {
	c.Lock()
	defer c.Unlock()
	return c.pending
}

func (c *Controller) StartRecording(ctx context.Context) error {
	if c.recorder == nil {
		return fmt.Errorf("%w: no microphone", recorder.ErrCaptureUnavailable)
	}
	return c.recorder.Start(ctx)
}

// StopRecording finishes the recording and makes it the pending attachment.
func (c *Controller) StopRecording() (*attachment.Pending, error) {
	if c.recorder == nil {
		return nil, recorder.ErrNotRecording
	}
	p, err := c.recorder.Stop()
	if err != nil {
		return nil, err
	}
	if err := attachment.Validate(p); err != nil {
		return nil, err
	}
	c.Lock()
	c.pending = p
	c.Unlock()
	return p, nil
}

func (c *Controller) CancelRecording() {
	if c.recorder != nil {
		c.recorder.Cancel()
	}
}

// SenderName resolves the display name of a sender once per controller.
// Unknown users resolve to an empty name.
func (c *Controller) SenderName(ctx context.Context, uid string) (string, error) {
	if uid == "" {
		return "", nil
	}
	c.Lock()
	name, ok := c.names[uid]
	c.Unlock()
	if ok {
		return name, nil
	}

	name, err := c.records.DisplayName(ctx, uid)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	c.Lock()
	c.names[uid] = name
	c.Unlock()
	return name, nil
}

// Inbox lists conversations having messages. Admin only.
func (c *Controller) Inbox(ctx context.Context) ([]*chatstore.Conversation, error) {
	user, err := c.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	if !user.IsAdmin() {
		return nil, ErrNotAdmin
	}
	return c.records.ListConversationsWithMessages(ctx)
}

// SetStatus updates the status of the active conversation. Admin only.
func (c *Controller) SetStatus(ctx context.Context, status chatstore.Status) error {
	if !status.Valid() {
		return fmt.Errorf("conversation: invalid status `%s`", status)
	}
	conversationId := c.ConversationId()
	if conversationId == "" {
		return ErrNotActive
	}
	user, err := c.currentUser(ctx)
	if err != nil {
		return err
	}
	if !user.IsAdmin() {
		return ErrNotAdmin
	}
	return c.records.UpdateConversation(ctx, conversationId, &chatstore.ConversationPatch{Status: &status})
}

func (c *Controller) Status() *Status {
	s := &Status{
		ConversationId: c.ConversationId(),
		Subscribed:     c.reconciler.State() == realtime.StateSubscribed,
		Messages:       c.messages.Len(),
	}
	if c.recorder != nil {
		s.Recording = c.recorder.State()
		s.Elapsed = c.recorder.Elapsed()
	}

	c.Lock()
	defer c.Unlock()
	s.Degraded = c.degraded
	if c.pending != nil {
		s.Pending = c.pending.String()
	}
	s.LastOutcome = c.lastOutcome
	if c.lastError != nil {
		s.LastError = c.lastError.Error()
	}
	return s
}
