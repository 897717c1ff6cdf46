package recorder

import (
	"context"
	"errors"
	"sync"
)

// IDevice opens microphone capture.
type IDevice interface {
	// Open acquires the device. Permission denied or a missing device is an error.
	Open(ctx context.Context) (IHandle, error)
}

// IHandle is an acquired capture. Chunks is closed by the device after Close.
type IHandle interface {
	Chunks() <-chan []byte
	Close() error
	// ContentType of the produced audio, e.g. "audio/webm".
	ContentType() string
}

var errDeviceBusy = errors.New("device busy")

// ChanDevice feeds captured audio from a Go channel. It is used by the demo
// client (stdin as microphone) and tests.
type ChanDevice struct {
	sync.Mutex
	Source chan []byte
	Type   string
	Err    error // returned by Open when set

	open *chanHandle
}

func (d *ChanDevice) Open(ctx context.Context) (IHandle, error) {
	d.Lock()
	defer d.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	if d.open != nil {
		return nil, errDeviceBusy
	}

	h := &chanHandle{
		dev:   d,
		out:   make(chan []byte, 16),
		stopC: make(chan struct{}),
	}
	d.open = h
	go h.pump(d.Source)
	return h, nil
}

// Busy reports whether a handle is currently held.
func (d *ChanDevice) Busy() bool {
	d.Lock()
	defer d.Unlock()
	return d.open != nil
}

type chanHandle struct {
	dev   *ChanDevice
	out   chan []byte
	stopC chan struct{}
	once  sync.Once
}

func (h *chanHandle) pump(src <-chan []byte) {
	defer close(h.out)
	for {
		select {
		case <-h.stopC:
			return
		case b, ok := <-src:
			if !ok {
				return
			}
			select {
			case h.out <- b:
			case <-h.stopC:
				return
			}
		}
	}
}

func (h *chanHandle) Chunks() <-chan []byte {
	return h.out
}

func (h *chanHandle) ContentType() string {
	if h.dev.Type == "" {
		return "audio/webm"
	}
	return h.dev.Type
}

func (h *chanHandle) Close() error {
	h.once.Do(func() {
		close(h.stopC)
		h.dev.Lock()
		h.dev.open = nil
		h.dev.Unlock()
	})
	return nil
}
