package sensor

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"dr_memo/internal/tracker"
)

// SendFunc delivers a command to the device. It must be safe for concurrent use.
type SendFunc func(v interface{}) error

var _ tracker.Sensor = (*Stream)(nil)
var _ tracker.BatteryReader = (*Stream)(nil)

// ErrNoBattery is returned when the device has not reported a battery level.
var ErrNoBattery = errors.New("sensor: battery level not reported")

// Stream is a push-fed sensor. The transport calls Push for every frame the
// device sends; the tracker sees an ordinary Sensor.
type Stream struct {
	send SendFunc

	mu      sync.Mutex
	perm    tracker.Permission
	battery *int
	watch   *streamWatch
	waiters []chan tracker.Fix
	closed  bool
}

func NewStream(send SendFunc) *Stream {
	return &Stream{send: send, perm: tracker.PermUnknown}
}

// Push routes one device frame.
func (s *Stream) Push(f Frame) {
	switch f.Type {
	case FramePermission:
		s.mu.Lock()
		s.perm = parsePermission(f.Permission)
		s.mu.Unlock()
	case FrameFix, FrameError:
		if f.BatteryLevel != nil {
			level := *f.BatteryLevel
			s.mu.Lock()
			s.battery = &level
			s.mu.Unlock()
		}
		s.deliver(f.Fix())
	default:
		logrus.WithField("frame_type", f.Type).Warn("Ignoring unknown device frame.")
	}
}

// deliver hands a fix to one pending poll, otherwise to the active watch.
func (s *Stream) deliver(fix tracker.Fix) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		w <- fix
		return
	}
	if s.watch == nil {
		return
	}
	select {
	case s.watch.ch <- fix:
	default:
		logrus.Warn("Watch backlog full, dropping device fix.")
	}
}

func (s *Stream) QueryPermission(ctx context.Context) (tracker.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perm, nil
}

func (s *Stream) BatteryLevel(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.battery == nil {
		return 0, ErrNoBattery
	}
	return *s.battery, nil
}

// Watch asks the device to start continuous updates. Only one watch is live at
// a time; a new one replaces the old.
func (s *Stream) Watch(ctx context.Context, opts tracker.WatchOptions) (tracker.Watch, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, tracker.ErrPositionUnavailable
	}
	if s.watch != nil {
		s.watch.closeLocked()
	}
	w := &streamWatch{stream: s, ch: make(chan tracker.Fix, 16)}
	s.watch = w
	s.mu.Unlock()

	if err := s.send(newRequest(FrameWatchStart, opts)); err != nil {
		w.Stop()
		return nil, &tracker.PositionError{Code: tracker.PositionUnavailable, Message: err.Error()}
	}
	return w, nil
}

// CurrentPosition requests a fresh fix and waits for it.
func (s *Stream) CurrentPosition(ctx context.Context, opts tracker.WatchOptions) (tracker.Sample, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	ch := make(chan tracker.Fix, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return tracker.Sample{}, tracker.ErrPositionUnavailable
	}
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	if err := s.send(newRequest(FramePositionRequest, opts)); err != nil {
		s.dropWaiter(ch)
		return tracker.Sample{}, &tracker.PositionError{Code: tracker.PositionUnavailable, Message: err.Error()}
	}

	select {
	case fix, ok := <-ch:
		if !ok {
			return tracker.Sample{}, tracker.ErrPositionUnavailable
		}
		return fix.Sample, fix.Err
	case <-ctx.Done():
		s.dropWaiter(ch)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return tracker.Sample{}, &tracker.PositionError{Code: tracker.Timeout, Message: "position request timed out"}
		}
		return tracker.Sample{}, ctx.Err()
	}
}

func (s *Stream) dropWaiter(ch chan tracker.Fix) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w == ch {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// Close releases pending polls and ends the watch. Frames pushed afterwards
// are dropped.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, w := range s.waiters {
		close(w)
	}
	s.waiters = nil
	if s.watch != nil {
		s.watch.closeLocked()
	}
}

type streamWatch struct {
	stream *Stream
	ch     chan tracker.Fix
	done   bool
}

func (w *streamWatch) Fixes() <-chan tracker.Fix { return w.ch }

// Stop ends the watch and tells the device. Safe to call more than once.
func (w *streamWatch) Stop() {
	w.stream.mu.Lock()
	wasLive := !w.done && w.stream.watch == w
	w.closeLocked()
	closed := w.stream.closed
	w.stream.mu.Unlock()

	if wasLive && !closed {
		if err := w.stream.send(request{Type: FrameWatchStop}); err != nil {
			logrus.WithError(err).Debug("Could not send watch_stop to device.")
		}
	}
}

// closeLocked requires stream.mu.
func (w *streamWatch) closeLocked() {
	if w.done {
		return
	}
	w.done = true
	close(w.ch)
	if w.stream.watch == w {
		w.stream.watch = nil
	}
}
