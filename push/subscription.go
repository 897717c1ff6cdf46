package push

import (
	"sync"
)

const subscriptionBuffer = 64

// subscription is shared by the channel implementations. Producers call
// deliver; events is closed only by run. Events still queued when the
// subscription ends are dropped.
type subscription struct {
	sync.Mutex
	filter  Filter
	in      chan *Event
	events  chan *Event
	stopC   chan struct{}
	stopped bool
	err     error
	onClose func()
}

func newSubscription(filter Filter, onClose func()) *subscription {
	s := &subscription{
		filter:  filter,
		in:      make(chan *Event, subscriptionBuffer),
		events:  make(chan *Event),
		stopC:   make(chan struct{}),
		onClose: onClose,
	}
	go s.run()
	return s
}

func (s *subscription) run() {
	defer close(s.events)
	for {
		select {
		case <-s.stopC:
			return
		case e := <-s.in:
			select {
			case s.events <- e:
			case <-s.stopC:
				return
			}
		}
	}
}

// deliver queues e if it matches the filter. Returns false once stopped.
func (s *subscription) deliver(e *Event) bool {
	if !s.filter.Match(e) {
		return !s.done()
	}
	select {
	case s.in <- e:
		return true
	case <-s.stopC:
		return false
	}
}

func (s *subscription) done() bool {
	select {
	case <-s.stopC:
		return true
	default:
		return false
	}
}

func (s *subscription) finish(err error) {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return
	}
	s.stopped = true
	s.err = err
	close(s.stopC)
	s.Unlock()

	if s.onClose != nil {
		s.onClose()
	}
}

func (s *subscription) Events() <-chan *Event {
	return s.events
}

func (s *subscription) Err() error {
	s.Lock()
	defer s.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.finish(nil)
	return nil
}
