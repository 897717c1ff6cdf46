package push

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// Local is an in-process push channel and publisher.
type Local struct {
	sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool
}

func NewLocal() *Local {
	return &Local{
		subs: make(map[*subscription]struct{}),
	}
}

func (l *Local) Subscribe(ctx context.Context, filter Filter) (ISubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.Lock()
	defer l.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	var s *subscription
	s = newSubscription(filter, func() {
		l.Lock()
		delete(l.subs, s)
		l.Unlock()
	})
	l.subs[s] = struct{}{}
	return s, nil
}

func (l *Local) Publish(ctx context.Context, e *Event) error {
	l.RLock()
	if l.closed {
		l.RUnlock()
		return ErrClosed
	}
	subs := make([]*subscription, 0, len(l.subs))
	for s := range l.subs {
		subs = append(subs, s)
	}
	l.RUnlock()

	glog.V(5).Infof("push: local publish %s to %d subscriptions", e, len(subs))
	for _, s := range subs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.deliver(e)
	}
	return nil
}

// Fail ends every live subscription with err, as a broken transport would.
func (l *Local) Fail(err error) {
	l.RLock()
	subs := make([]*subscription, 0, len(l.subs))
	for s := range l.subs {
		subs = append(subs, s)
	}
	l.RUnlock()

	for _, s := range subs {
		s.finish(err)
	}
}

// Close ends every subscription with ErrClosed and rejects further use.
func (l *Local) Close() error {
	l.Lock()
	l.closed = true
	l.Unlock()
	l.Fail(ErrClosed)
	return nil
}

// Len returns the number of live subscriptions.
func (l *Local) Len() int {
	l.RLock()
	defer l.RUnlock()
	return len(l.subs)
}
