package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dr_memo/internal/models"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

type fakeTicker struct {
	clock   *fakeClock
	ch      chan time.Time
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	tk := &fakeTicker{clock: c, ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, tk)
	return tk
}

// Tick fires every live ticker once.
func (c *fakeClock) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tk := range c.tickers {
		if tk.stopped {
			continue
		}
		select {
		case tk.ch <- c.now:
		default:
		}
	}
}

func (c *fakeClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, tk := range c.tickers {
		if !tk.stopped {
			n++
		}
	}
	return n
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	t.stopped = true
	t.clock.mu.Unlock()
}

type fakeSensor struct {
	mu         sync.Mutex
	perm       Permission
	watchErr   error
	watches    []*fakeWatch
	pollSample Sample
	pollErr    error
	polls      int
}

type fakeWatch struct {
	sensor  *fakeSensor
	ch      chan Fix
	stopped bool
}

func (s *fakeSensor) QueryPermission(ctx context.Context) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perm == "" {
		return PermGranted, nil
	}
	return s.perm, nil
}

func (s *fakeSensor) Watch(ctx context.Context, opts WatchOptions) (Watch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchErr != nil {
		return nil, s.watchErr
	}
	w := &fakeWatch{sensor: s, ch: make(chan Fix, 16)}
	s.watches = append(s.watches, w)
	return w, nil
}

func (s *fakeSensor) CurrentPosition(ctx context.Context, opts WatchOptions) (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	return s.pollSample, s.pollErr
}

// Push delivers f to every live watch.
func (s *fakeSensor) Push(f Fix) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.watches {
		if !w.stopped {
			w.ch <- f
		}
	}
}

func (s *fakeSensor) ActiveWatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.watches {
		if !w.stopped {
			n++
		}
	}
	return n
}

func (w *fakeWatch) Fixes() <-chan Fix { return w.ch }

func (w *fakeWatch) Stop() {
	w.sensor.mu.Lock()
	w.stopped = true
	w.sensor.mu.Unlock()
}

type recordingWriter struct {
	mu        sync.Mutex
	positions []models.TrackedPosition
	history   []models.PositionHistoryPoint
	upsertErr error
	block     chan struct{} // when set, UpsertPosition signals and waits for ctx
}

func (w *recordingWriter) UpsertPosition(ctx context.Context, pos *models.TrackedPosition) error {
	w.mu.Lock()
	block, upsertErr := w.block, w.upsertErr
	w.block = nil
	w.mu.Unlock()
	if block != nil {
		close(block)
		<-ctx.Done()
		return ctx.Err()
	}
	if upsertErr != nil {
		return upsertErr
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.positions = append(w.positions, *pos)
	return nil
}

func (w *recordingWriter) InsertHistory(ctx context.Context, point *models.PositionHistoryPoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.history = append(w.history, *point)
	return nil
}

func (w *recordingWriter) counts() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.positions), len(w.history)
}

type fakeBattery struct {
	level int
	err   error
}

func (b fakeBattery) BatteryLevel(ctx context.Context) (int, error) { return b.level, b.err }

var errBoom = errors.New("boom")

func fix(lat, lng, acc float64) Fix {
	return Fix{Sample: Sample{Latitude: lat, Longitude: lng, Accuracy: acc}}
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pipeline outcome")
		return Outcome{}
	}
}
