package chatstore

import (
	"sort"
	"sync"
)

// Observer is notified after each committed mutation of a MessageStore.
type Observer func()

// MessageStore is the ordered in-memory projection of one conversation.
// Messages are unique by id and kept ascending by (CreateTime, Id).
type MessageStore struct {
	sync.RWMutex
	msgs      []*Message
	ids       map[string]struct{}
	observers map[int]Observer
	nextObsId int
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		ids:       make(map[string]struct{}),
		observers: make(map[int]Observer),
	}
}

// Initialize replaces the contents with history. Duplicate ids in history
// keep their first occurrence.
func (s *MessageStore) Initialize(history []*Message) {
	msgs := make([]*Message, 0, len(history))
	ids := make(map[string]struct{}, len(history))
	for _, m := range history {
		if m == nil {
			continue
		}
		if _, ok := ids[m.Id]; ok {
			continue
		}
		ids[m.Id] = struct{}{}
		msgs = append(msgs, m.Clone())
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Before(msgs[j])
	})

	s.Lock()
	s.msgs = msgs
	s.ids = ids
	s.Unlock()

	s.notify()
}

// Append inserts m at its sorted position unless a message with the same id
// exists. Returns false for duplicates, which do not notify observers.
func (s *MessageStore) Append(m *Message) bool {
	if m == nil {
		return false
	}
	m = m.Clone()

	s.Lock()
	if _, ok := s.ids[m.Id]; ok {
		s.Unlock()
		return false
	}
	s.ids[m.Id] = struct{}{}

	n := len(s.msgs)
	if n == 0 || s.msgs[n-1].Before(m) {
		s.msgs = append(s.msgs, m)
	} else {
		i := sort.Search(n, func(i int) bool {
			return m.Before(s.msgs[i])
		})
		s.msgs = append(s.msgs, nil)
		copy(s.msgs[i+1:], s.msgs[i:])
		s.msgs[i] = m
	}
	s.Unlock()

	s.notify()
	return true
}

// Snapshot returns a copy of the ordered thread.
func (s *MessageStore) Snapshot() []*Message {
	s.RLock()
	defer s.RUnlock()
	out := make([]*Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Clone()
	}
	return out
}

func (s *MessageStore) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.msgs)
}

// Observe registers fn and returns a function that removes it.
func (s *MessageStore) Observe(fn Observer) func() {
	s.Lock()
	id := s.nextObsId
	s.nextObsId++
	s.observers[id] = fn
	s.Unlock()

	return func() {
		s.Lock()
		delete(s.observers, id)
		s.Unlock()
	}
}

func (s *MessageStore) notify() {
	s.RLock()
	fns := make([]Observer, 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.RUnlock()

	for _, fn := range fns {
		fn()
	}
}
