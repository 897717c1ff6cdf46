package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/attachment"
	"github.com/mqy/minichat/chatstore"
)

type State int32

const (
	StateIdle State = iota
	StateRecording
	StateFinalizing
	// StateAcquiring is held while the device is being opened.
	StateAcquiring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	case StateAcquiring:
		return "acquiring"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	ErrCaptureUnavailable = errors.New("recorder: capture unavailable")
	ErrAlreadyRecording   = errors.New("recorder: already recording")
	ErrNotRecording       = errors.New("recorder: not recording")
	ErrCancelled          = errors.New("recorder: cancelled while acquiring the device")
)

const defaultTickInterval = time.Second

type Config struct {
	// TickInterval of the elapsed counter, one second by default.
	TickInterval time.Duration
	// OnTick, if set, is called from the ticker goroutine with elapsed ticks.
	OnTick func(elapsed int)
}

// Recorder captures microphone audio into memory. At most one session holds
// the device at a time.
type Recorder struct {
	sync.Mutex
	device IDevice
	conf   Config
	state  State
	sess   *session

	// abortAcquire is set by Cancel while the device is being opened.
	abortAcquire bool
}

func New(device IDevice, conf Config) *Recorder {
	if conf.TickInterval <= 0 {
		conf.TickInterval = defaultTickInterval
	}
	return &Recorder{
		device: device,
		conf:   conf,
	}
}

// session owns the capture handle from Start until Stop or Cancel.
type session struct {
	handle    IHandle
	startTime time.Time
	elapsed   int32
	chunks    [][]byte

	stopC       chan struct{}
	doneC       chan struct{}
	tickDoneC   chan struct{}
	stopOnce    sync.Once
	releaseOnce sync.Once
}

func (s *session) release() {
	s.releaseOnce.Do(func() {
		if err := s.handle.Close(); err != nil {
			glog.Errorf("recorder: release capture handle error: %v", err)
		}
	})
}

// collect appends chunks until the device closes the channel.
func (s *session) collect() {
	defer close(s.doneC)
	for b := range s.handle.Chunks() {
		glog.V(7).Infof("recorder: captured %d bytes", len(b))
		s.chunks = append(s.chunks, b)
	}
}

func (s *session) tick(interval time.Duration, onTick func(int)) {
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		close(s.tickDoneC)
	}()
	for {
		select {
		case <-s.stopC:
			return
		case <-ticker.C:
			n := atomic.AddInt32(&s.elapsed, 1)
			if onTick != nil {
				onTick(int(n))
			}
		}
	}
}

// finish stops the ticker, releases the device and waits for the collector.
func (s *session) finish() [][]byte {
	s.stopOnce.Do(func() { close(s.stopC) })
	s.release()
	<-s.tickDoneC
	<-s.doneC
	return s.chunks
}

func (r *Recorder) State() State {
	r.Lock()
	defer r.Unlock()
	return r.state
}

// Elapsed returns the ticks counted by the current session, 0 when idle.
func (r *Recorder) Elapsed() int {
	r.Lock()
	defer r.Unlock()
	if r.sess == nil {
		return 0
	}
	return int(atomic.LoadInt32(&r.sess.elapsed))
}

// Start acquires the device. It fails with ErrAlreadyRecording unless idle,
// with ErrCaptureUnavailable when the device cannot be opened, and with
// ErrCancelled when Cancel was called while opening. The recorder is not
// locked while the device opens.
func (r *Recorder) Start(ctx context.Context) (err error) {
	r.Lock()
	if r.state != StateIdle {
		r.Unlock()
		return ErrAlreadyRecording
	}
	r.state = StateAcquiring
	r.abortAcquire = false
	r.Unlock()

	h, err := r.device.Open(ctx)

	r.Lock()
	defer r.Unlock()
	aborted := r.abortAcquire
	r.abortAcquire = false
	r.state = StateIdle

	if err != nil {
		glog.Errorf("recorder: open device error: %v", err)
		return fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	sess := &session{
		handle:    h,
		startTime: time.Now(),
		stopC:     make(chan struct{}),
		doneC:     make(chan struct{}),
		tickDoneC: make(chan struct{}),
	}
	defer func() {
		if err != nil {
			sess.release()
		}
	}()
	if aborted {
		glog.V(5).Infof("recorder: cancelled while acquiring")
		return ErrCancelled
	}
	if h.Chunks() == nil {
		return fmt.Errorf("%w: device returned no audio stream", ErrCaptureUnavailable)
	}

	r.sess = sess
	r.state = StateRecording
	go sess.collect()
	go sess.tick(r.conf.TickInterval, r.conf.OnTick)

	glog.V(5).Infof("recorder: started")
	return nil
}

// Stop ends the session and returns the captured audio. The device is
// released before Stop returns.
func (r *Recorder) Stop() (*attachment.Pending, error) {
	sess, err := r.begin(StateFinalizing)
	if err != nil {
		return nil, err
	}
	defer r.end()

	data := bytes.Join(sess.finish(), nil)
	contentType := sess.handle.ContentType()
	name := fmt.Sprintf("recording-%s.%s", sess.startTime.Format("20060102_150405"), audioExt(contentType))

	glog.V(5).Infof("recorder: stopped, %d bytes, %s", len(data), time.Since(sess.startTime))

	p := attachment.NewPending(name, contentType, data, attachment.OriginRecorded)
	p.Kind = chatstore.MediaAudio
	return p, nil
}

// Cancel discards the session, or makes a Start still opening the device
// fail. It is a no-op when idle.
func (r *Recorder) Cancel() {
	r.Lock()
	if r.state == StateAcquiring {
		r.abortAcquire = true
		r.Unlock()
		return
	}
	r.Unlock()

	sess, err := r.begin(StateFinalizing)
	if err != nil {
		return
	}
	defer r.end()

	sess.finish()
	glog.V(5).Infof("recorder: cancelled")
}

// begin moves a recording session into next and hands it to the caller.
func (r *Recorder) begin(next State) (*session, error) {
	r.Lock()
	defer r.Unlock()
	if r.state != StateRecording || r.sess == nil {
		return nil, ErrNotRecording
	}
	r.state = next
	return r.sess, nil
}

func (r *Recorder) end() {
	r.Lock()
	r.sess = nil
	r.state = StateIdle
	r.Unlock()
}

func audioExt(contentType string) string {
	ct := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	if i := strings.IndexByte(ct, '/'); i >= 0 && i+1 < len(ct) {
		return ct[i+1:]
	}
	return "webm"
}
