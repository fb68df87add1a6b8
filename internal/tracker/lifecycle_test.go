package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

type session struct {
	tr       *Tracker
	sensor   *fakeSensor
	writer   *recordingWriter
	clock    *fakeClock
	outcomes chan Outcome
}

func newSession() *session {
	s := &session{
		sensor:   &fakeSensor{},
		writer:   &recordingWriter{},
		clock:    newFakeClock(),
		outcomes: make(chan Outcome, 64),
	}
	s.tr = New(s.sensor, s.writer,
		WithClock(s.clock),
		WithOutcomeHook(func(o Outcome) { s.outcomes <- o }),
	)
	return s
}

func assertReleased(t *testing.T, s *session) {
	t.Helper()
	if n := s.clock.Active(); n != 0 {
		t.Errorf("%d tickers still running", n)
	}
	if n := s.sensor.ActiveWatches(); n != 0 {
		t.Errorf("%d watches still running", n)
	}
	st := s.tr.Status()
	if st.Tracking || st.Buffered != 0 || st.LastKnown != nil || !st.LastHistoryAt.IsZero() {
		t.Errorf("state not cleared after stop: %+v", st)
	}
}

func TestStartEstablishesBothSources(t *testing.T) {
	s := newSession()
	if err := s.tr.Start(context.Background(), uuid.New()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.tr.Stop()

	if n := s.clock.Active(); n != 1 {
		t.Errorf("tickers = %d, want 1", n)
	}
	if n := s.sensor.ActiveWatches(); n != 1 {
		t.Errorf("watches = %d, want 1", n)
	}
	if !s.tr.Status().Tracking {
		t.Error("tracker not in tracking state")
	}
}

func TestStartRequiresSubject(t *testing.T) {
	s := newSession()
	if err := s.tr.Start(context.Background(), uuid.Nil); err == nil {
		t.Fatal("Start accepted a nil subject")
	}
}

func TestStopAfterBufferingReleasesEverything(t *testing.T) {
	s := newSession()
	if err := s.tr.Start(context.Background(), uuid.New()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.sensor.Push(fix(base, 13.405, 10))
	s.sensor.Push(fix(base, 13.405, 10))
	waitOutcome(t, s.outcomes)
	if o := waitOutcome(t, s.outcomes); o.Buffered != 2 {
		t.Fatalf("buffered = %d, want 2", o.Buffered)
	}

	s.tr.Stop()
	assertReleased(t, s)

	// Stop is idempotent.
	s.tr.Stop()
	assertReleased(t, s)
}

func TestStopDuringWrite(t *testing.T) {
	s := newSession()
	entered := make(chan struct{})
	s.writer.block = entered

	if err := s.tr.Start(context.Background(), uuid.New()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 5; i++ {
		s.sensor.Push(fix(base, 13.405, 10))
	}

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline never reached the position write")
	}

	stopped := make(chan struct{})
	go func() {
		s.tr.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked behind an in-flight write")
	}
	assertReleased(t, s)
}

func TestStartWhileTrackingReinitialises(t *testing.T) {
	s := newSession()
	first, second := uuid.New(), uuid.New()

	if err := s.tr.Start(context.Background(), first); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.sensor.Push(fix(base, 13.405, 10))
	waitOutcome(t, s.outcomes)

	if err := s.tr.Start(context.Background(), second); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer s.tr.Stop()

	st := s.tr.Status()
	if st.SubjectID != second || st.Buffered != 0 {
		t.Fatalf("after restart: subject=%s buffered=%d", st.SubjectID, st.Buffered)
	}
	if n := s.clock.Active(); n != 1 {
		t.Errorf("tickers = %d after restart, want 1", n)
	}
	if n := s.sensor.ActiveWatches(); n != 1 {
		t.Errorf("watches = %d after restart, want 1", n)
	}
}

func TestPollFallbackWhenWatchUnavailable(t *testing.T) {
	s := newSession()
	s.sensor.watchErr = ErrPositionUnavailable
	s.sensor.pollSample = Sample{Latitude: base, Longitude: 13.405, Accuracy: 12}

	subject := uuid.New()
	if err := s.tr.Start(context.Background(), subject); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.tr.Stop()

	var o Outcome
	for i := 0; i < 5; i++ {
		s.clock.Tick()
		o = waitOutcome(t, s.outcomes)
	}
	if o.Kind != OutcomeWritten {
		t.Fatalf("outcome after five polls = %s", o.Kind)
	}
	if o.Position.SubjectID != subject {
		t.Errorf("wrote position for %s, want %s", o.Position.SubjectID, subject)
	}
}

func TestDeniedPermissionIsReportedNotFatal(t *testing.T) {
	s := newSession()
	s.sensor.perm = PermDenied

	if err := s.tr.Start(context.Background(), uuid.New()); err != nil {
		t.Fatalf("Start returned %v on denied permission", err)
	}
	defer s.tr.Stop()

	st := s.tr.Status()
	if !st.Tracking || st.Permission != PermDenied {
		t.Fatalf("status = %+v", st)
	}

	// The user grants permission later and samples start flowing.
	s.sensor.Push(fix(base, 13.405, 10))
	if o := waitOutcome(t, s.outcomes); o.Kind != OutcomeBuffered {
		t.Fatalf("outcome = %s", o.Kind)
	}
	if st := s.tr.Status(); st.Permission != PermGranted {
		t.Errorf("permission = %s after a sample", st.Permission)
	}
}
