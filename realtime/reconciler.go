package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/push"
)

type State int

const (
	StateIdle State = iota
	StateSubscribed
)

func (s State) String() string {
	if s == StateSubscribed {
		return "subscribed"
	}
	return "idle"
}

// ErrSuperseded is returned for work that belongs to a generation which has
// since been replaced by a newer Subscribe or an Unsubscribe.
var ErrSuperseded = errors.New("realtime: superseded by a newer activation")

// DegradedFunc is called once when a live subscription fails. It runs on the
// subscription goroutine.
type DegradedFunc func(conversationId string, err error)

// Reconciler keeps at most one push subscription and merges its insert
// events into a MessageStore. Every Subscribe/Unsubscribe starts a new
// generation; events and releases from older generations are dropped.
//
// Store mutations are serialized by applyMu. Store observers must not call
// Subscribe, Unsubscribe or Release synchronously.
type Reconciler struct {
	sync.Mutex
	applyMu sync.Mutex

	channel    push.IPushChannel
	store      *chatstore.MessageStore
	onDegraded DegradedFunc

	state          State
	generation     uint64
	conversationId string
	sub            push.ISubscription

	// held buffers events until Release.
	held    bool
	pending []*chatstore.Message
}

func New(channel push.IPushChannel, store *chatstore.MessageStore, onDegraded DegradedFunc) *Reconciler {
	return &Reconciler{
		channel:    channel,
		store:      store,
		onDegraded: onDegraded,
	}
}

func (r *Reconciler) State() State {
	r.Lock()
	defer r.Unlock()
	return r.state
}

// Current returns the current generation and its conversation id.
func (r *Reconciler) Current() (uint64, string) {
	r.Lock()
	defer r.Unlock()
	return r.generation, r.conversationId
}

// Subscribe closes any live subscription, empties the store, then opens a
// subscription for conversationId. With hold set, events are buffered until
// Release is called for the returned generation. On a subscribe error the
// generation is still current, so the caller may Release it to initialize the
// store without live updates.
func (r *Reconciler) Subscribe(ctx context.Context, conversationId string, hold bool) (uint64, error) {
	r.applyMu.Lock()
	r.Lock()
	r.closeLocked()
	r.generation++
	gen := r.generation
	r.conversationId = conversationId
	r.held = hold
	r.pending = nil
	r.Unlock()
	r.store.Initialize(nil)
	r.applyMu.Unlock()

	sub, err := r.channel.Subscribe(ctx, push.Filter{Table: push.TableMessages, ConversationId: conversationId})
	if err != nil {
		glog.Errorf("realtime: subscribe conversation `%s` error: %v", conversationId, err)
		degradedTotal.Inc()
		return gen, err
	}

	r.Lock()
	if gen != r.generation {
		r.Unlock()
		_ = sub.Close()
		return gen, ErrSuperseded
	}
	r.sub = sub
	r.state = StateSubscribed
	r.Unlock()

	glog.V(5).Infof("realtime: subscribed conversation `%s`, generation %d", conversationId, gen)
	go r.pump(gen, conversationId, sub)
	return gen, nil
}

// Release runs init, then applies events buffered since Subscribe and stops
// buffering. init runs under the same lock as event application, so no pushed
// event for gen is applied before it.
func (r *Reconciler) Release(gen uint64, init func()) error {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	r.Lock()
	if gen != r.generation {
		r.Unlock()
		return ErrSuperseded
	}
	pending := r.pending
	r.pending = nil
	r.held = false
	r.Unlock()

	if init != nil {
		init()
	}
	for _, m := range pending {
		r.appendLocked(m)
	}
	return nil
}

// AppendIfCurrent appends m when gen is still current, e.g. an insert
// response that may race the push event for the same row. While gen is held
// m is buffered and applied by Release. Returns false for a stale gen or a
// duplicate.
func (r *Reconciler) AppendIfCurrent(gen uint64, m *chatstore.Message) bool {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	r.Lock()
	if gen != r.generation || m.ConversationId != r.conversationId {
		r.Unlock()
		return false
	}
	if r.held {
		r.pending = append(r.pending, m)
		r.Unlock()
		return true
	}
	r.Unlock()
	return r.appendLocked(m)
}

// Unsubscribe tears the subscription down. Safe to call repeatedly.
func (r *Reconciler) Unsubscribe() {
	r.applyMu.Lock()
	r.Lock()
	r.closeLocked()
	r.generation++
	r.conversationId = ""
	r.held = false
	r.pending = nil
	r.Unlock()
	r.applyMu.Unlock()
}

// Abort tears down gen if it is still current and runs reset under the
// apply lock. Returns false, without running reset, for a stale gen.
func (r *Reconciler) Abort(gen uint64, reset func()) bool {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	r.Lock()
	if gen != r.generation {
		r.Unlock()
		return false
	}
	r.closeLocked()
	r.generation++
	r.conversationId = ""
	r.held = false
	r.pending = nil
	r.Unlock()

	if reset != nil {
		reset()
	}
	return true
}

func (r *Reconciler) closeLocked() {
	if r.sub != nil {
		glog.V(5).Infof("realtime: unsubscribe conversation `%s`, generation %d", r.conversationId, r.generation)
		_ = r.sub.Close()
		r.sub = nil
	}
	r.state = StateIdle
}

func (r *Reconciler) pump(gen uint64, conversationId string, sub push.ISubscription) {
	for e := range sub.Events() {
		r.apply(gen, e)
	}

	err := sub.Err()
	r.Lock()
	current := gen == r.generation && r.sub == sub
	if current {
		r.sub = nil
		r.state = StateIdle
	}
	r.Unlock()

	if current && err != nil {
		glog.Errorf("realtime: conversation `%s` push channel degraded: %v", conversationId, err)
		degradedTotal.Inc()
		if r.onDegraded != nil {
			r.onDegraded(conversationId, err)
		}
	}
}

func (r *Reconciler) apply(gen uint64, e *push.Event) {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	r.Lock()
	if gen != r.generation {
		r.Unlock()
		glog.V(5).Infof("realtime: drop stale event %s, generation %d", e, gen)
		eventsTotal.WithLabelValues("stale").Inc()
		return
	}
	m := e.Message
	if m == nil || e.ConversationId != r.conversationId || m.ConversationId != r.conversationId {
		r.Unlock()
		glog.V(5).Infof("realtime: drop foreign event %s", e)
		eventsTotal.WithLabelValues("foreign").Inc()
		return
	}
	if r.held {
		r.pending = append(r.pending, m)
		r.Unlock()
		eventsTotal.WithLabelValues("held").Inc()
		return
	}
	r.Unlock()

	r.appendLocked(m)
}

// appendLocked requires applyMu.
func (r *Reconciler) appendLocked(m *chatstore.Message) bool {
	if r.store.Append(m) {
		glog.V(5).Infof("realtime: applied message `%s`", m.Id)
		eventsTotal.WithLabelValues("applied").Inc()
		return true
	}
	eventsTotal.WithLabelValues("duplicate").Inc()
	return false
}
