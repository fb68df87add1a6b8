package tracker

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
)

const base = 52.5200

// ~0.009 degrees of latitude is one kilometer.
func metersNorth(m float64) float64 { return base + m/111195.0 }

type pipeline struct {
	tr       *Tracker
	writer   *recordingWriter
	clock    *fakeClock
	outcomes []Outcome
}

func newPipeline(opts ...Option) *pipeline {
	p := &pipeline{writer: &recordingWriter{}, clock: newFakeClock()}
	all := append([]Option{
		WithClock(p.clock),
		WithOutcomeHook(func(o Outcome) { p.outcomes = append(p.outcomes, o) }),
	}, opts...)
	p.tr = New(&fakeSensor{}, p.writer, all...)
	p.tr.subjectID = uuid.New()
	return p
}

func (p *pipeline) feed(fixes ...Fix) Outcome {
	for _, f := range fixes {
		p.tr.handleFix(context.Background(), f)
	}
	return p.outcomes[len(p.outcomes)-1]
}

// burst feeds a full buffer of identical fixes at the given position.
func (p *pipeline) burst(lat, acc float64) Outcome {
	fixes := make([]Fix, p.tr.cfg.MaxReadings)
	for i := range fixes {
		fixes[i] = fix(lat, 13.4050, acc)
	}
	return p.feed(fixes...)
}

func TestAccuracyGateRejectsNoisySamples(t *testing.T) {
	p := newPipeline()

	o := p.feed(fix(base, 13.405, 150))
	if o.Kind != OutcomeRejected {
		t.Fatalf("outcome = %s, want %s", o.Kind, OutcomeRejected)
	}
	if st := p.tr.Status(); st.Buffered != 0 || st.LastKnown != nil {
		t.Fatalf("rejected sample leaked into state: %+v", st)
	}

	// A 100 m fix is still accepted.
	if o := p.feed(fix(base, 13.405, 100)); o.Kind != OutcomeBuffered {
		t.Fatalf("outcome = %s, want %s", o.Kind, OutcomeBuffered)
	}

	p.feed(fix(base, 13.405, 500), fix(base, 13.405, 10), fix(base, 13.405, 10), fix(base, 13.405, 10))
	o = p.feed(fix(base, 13.405, 10))
	if o.Kind != OutcomeWritten {
		t.Fatalf("outcome = %s, want %s", o.Kind, OutcomeWritten)
	}
	if o.Position.Accuracy != 10 {
		t.Errorf("aggregated accuracy = %v, want 10", o.Position.Accuracy)
	}
}

func TestAggregationFiresWhenBufferFull(t *testing.T) {
	cases := []struct {
		name      string
		upsertErr error
		want      OutcomeKind
	}{
		{"successful write", nil, OutcomeWritten},
		{"failed write", errBoom, OutcomeWriteFailed},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := newPipeline()
			p.writer.upsertErr = c.upsertErr

			for i := 1; i < 5; i++ {
				o := p.feed(fix(base, 13.405, 20))
				if o.Kind != OutcomeBuffered || o.Buffered != i {
					t.Fatalf("fix %d: outcome = %s buffered=%d", i, o.Kind, o.Buffered)
				}
			}
			if n, _ := p.writer.counts(); n != 0 {
				t.Fatalf("wrote %d positions before the buffer filled", n)
			}

			o := p.feed(fix(base, 13.405, 20))
			if o.Kind != c.want {
				t.Fatalf("outcome = %s, want %s", o.Kind, c.want)
			}
			if st := p.tr.Status(); st.Buffered != 0 {
				t.Errorf("buffer holds %d samples after aggregation", st.Buffered)
			}
		})
	}
}

func TestWriteFailureLeavesLastKnownUntouched(t *testing.T) {
	p := newPipeline()
	p.writer.upsertErr = errBoom
	p.burst(base, 20)
	if st := p.tr.Status(); st.LastKnown != nil {
		t.Fatalf("last known set after failed write: %+v", st.LastKnown)
	}

	p.writer.upsertErr = nil
	if o := p.burst(base, 20); o.Kind != OutcomeWritten {
		t.Fatalf("outcome after recovery = %s", o.Kind)
	}
}

func TestMovementGate(t *testing.T) {
	cases := []struct {
		name   string
		meters float64
		want   OutcomeKind
	}{
		{"jitter of 30 m is suppressed", 30, OutcomeSuppressed},
		{"49 m is suppressed", 49, OutcomeSuppressed},
		{"60 m is written", 60, OutcomeWritten},
		{"1 km is written", 1000, OutcomeWritten},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := newPipeline()
			if o := p.burst(base, 20); o.Kind != OutcomeWritten {
				t.Fatalf("first burst: %s", o.Kind)
			}

			o := p.burst(metersNorth(c.meters), 20)
			if o.Kind != c.want {
				t.Fatalf("outcome = %s (distance %.1f m), want %s", o.Kind, o.Distance, c.want)
			}
			wantWrites := 1
			if c.want == OutcomeWritten {
				wantWrites = 2
			}
			if n, _ := p.writer.counts(); n != wantWrites {
				t.Errorf("position writes = %d, want %d", n, wantWrites)
			}
			if st := p.tr.Status(); st.Buffered != 0 {
				t.Errorf("buffer not cleared: %d", st.Buffered)
			}
		})
	}
}

func TestMovementGateUsesConsentThreshold(t *testing.T) {
	cfg := DefaultConfig().WithSettings(30, 20)
	p := newPipeline(WithConfig(cfg))
	p.burst(base, 20)

	if o := p.burst(metersNorth(30), 20); o.Kind != OutcomeWritten {
		t.Fatalf("30 m with a 20 m threshold: outcome = %s", o.Kind)
	}
	if p.tr.cfg.UpdateInterval != 30*time.Second {
		t.Errorf("update interval = %s", p.tr.cfg.UpdateInterval)
	}
}

func TestHistoryGating(t *testing.T) {
	p := newPipeline()

	o := p.burst(base, 20)
	if !o.HistoryInserted {
		t.Fatal("first write must append history")
	}

	// 10 s later, 60 m away: current position moves, history does not.
	p.clock.Advance(10 * time.Second)
	o = p.burst(metersNorth(60), 20)
	if o.Kind != OutcomeWritten || o.HistoryInserted {
		t.Fatalf("60 m after 10 s: kind=%s history=%v", o.Kind, o.HistoryInserted)
	}

	// 120 m further always inserts.
	p.clock.Advance(5 * time.Second)
	o = p.burst(metersNorth(180), 20)
	if !o.HistoryInserted {
		t.Fatalf("120 m move did not append history (distance %.1f)", o.Distance)
	}

	// 61 s later a small move inserts on time.
	p.clock.Advance(61 * time.Second)
	o = p.burst(metersNorth(240), 20)
	if !o.HistoryInserted {
		t.Fatal("history not appended after the interval elapsed")
	}

	_, hist := p.writer.counts()
	if hist != 3 {
		t.Errorf("history points = %d, want 3", hist)
	}
	for i := 1; i < len(p.writer.history); i++ {
		if p.writer.history[i].RecordedAt.Before(p.writer.history[i-1].RecordedAt) {
			t.Errorf("history out of order at %d", i)
		}
	}
}

func TestSuppressedUpdateNeverAppendsHistory(t *testing.T) {
	p := newPipeline()
	p.burst(base, 20)

	p.clock.Advance(5 * time.Minute)
	if o := p.burst(metersNorth(10), 20); o.Kind != OutcomeSuppressed {
		t.Fatalf("outcome = %s", o.Kind)
	}
	if _, hist := p.writer.counts(); hist != 1 {
		t.Errorf("history points = %d, want 1", hist)
	}
}

func TestBestThreeOfFiveScenario(t *testing.T) {
	p := newPipeline()
	speeds := []float64{0.1, 0.2, 3.0, 0.4, 9.9}
	accs := []float64{40, 35, 30, 45, 90}
	lats := []float64{52.5200, 52.5210, 52.5220, 52.5300, 52.6000}
	lngs := []float64{13.4000, 13.4010, 13.4020, 13.4100, 13.5000}

	var o Outcome
	for i := range accs {
		s := speeds[i]
		o = p.feed(Fix{Sample: Sample{Latitude: lats[i], Longitude: lngs[i], Accuracy: accs[i], Speed: &s}})
	}
	if o.Kind != OutcomeWritten {
		t.Fatalf("outcome = %s", o.Kind)
	}

	wantLat := (lats[0] + lats[1] + lats[2]) / 3
	wantLng := (lngs[0] + lngs[1] + lngs[2]) / 3
	if math.Abs(o.Position.Latitude-wantLat) > 1e-9 || math.Abs(o.Position.Longitude-wantLng) > 1e-9 {
		t.Errorf("position = (%v, %v), want mean of best three (%v, %v)",
			o.Position.Latitude, o.Position.Longitude, wantLat, wantLng)
	}
	allLat := 0.0
	for _, l := range lats {
		allLat += l
	}
	if math.Abs(o.Position.Latitude-allLat/5) < 1e-6 {
		t.Error("position equals the mean of all five samples")
	}
	if o.Position.Accuracy != 35 {
		t.Errorf("accuracy = %v, want 35", o.Position.Accuracy)
	}
	if o.Position.Speed == nil || *o.Position.Speed != 3.0 {
		t.Errorf("speed = %v, want the latest of the best three (3.0)", o.Position.Speed)
	}
	if !o.Position.IsMoving || o.Position.LastMovementAt == nil {
		t.Error("3 m/s must mark the subject as moving")
	}
}

func TestStationaryPositionHasNoMovementStamp(t *testing.T) {
	p := newPipeline()
	slow := 0.3
	var o Outcome
	for i := 0; i < 5; i++ {
		o = p.feed(Fix{Sample: Sample{Latitude: base, Longitude: 13.405, Accuracy: 10, Speed: &slow}})
	}
	if o.Position.IsMoving || o.Position.LastMovementAt != nil {
		t.Errorf("0.3 m/s: is_moving=%v last_movement_at=%v", o.Position.IsMoving, o.Position.LastMovementAt)
	}
}

func TestBatteryIsBestEffort(t *testing.T) {
	cases := []struct {
		name    string
		battery fakeBattery
		want    *int
	}{
		{"reading available", fakeBattery{level: 80}, intPtr(80)},
		{"reading fails", fakeBattery{err: errBoom}, nil},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := newPipeline(WithBattery(c.battery))
			o := p.burst(base, 20)
			if o.Kind != OutcomeWritten {
				t.Fatalf("outcome = %s", o.Kind)
			}
			got := o.Position.BatteryLevel
			if (got == nil) != (c.want == nil) || (got != nil && *got != *c.want) {
				t.Errorf("battery = %v, want %v", got, c.want)
			}
		})
	}
}

func TestSensorErrorsAreContained(t *testing.T) {
	p := newPipeline()

	o := p.feed(Fix{Err: &PositionError{Code: PermissionDenied, Message: "User denied Geolocation"}})
	if o.Kind != OutcomeSensorError {
		t.Fatalf("outcome = %s", o.Kind)
	}
	if st := p.tr.Status(); st.Permission != PermDenied {
		t.Errorf("permission = %s, want %s", st.Permission, PermDenied)
	}

	p.feed(Fix{Err: ErrTimeout}, Fix{Err: ErrPositionUnavailable})
	if o := p.feed(fix(base, 13.405, 10)); o.Kind != OutcomeBuffered {
		t.Fatalf("pipeline stalled after sensor errors: %s", o.Kind)
	}
	if st := p.tr.Status(); st.Permission != PermGranted {
		t.Errorf("permission = %s after a good sample", st.Permission)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrPermissionDenied, "permission"},
		{&PositionError{Code: PositionUnavailable}, "unavailable"},
		{ErrTimeout, "timeout"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("socket closed"), "unknown"},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%v) = %q, want %q", c.err, got, c.want)
		}
	}
	if !errors.Is(&PositionError{Code: Timeout, Message: "slow fix"}, ErrTimeout) {
		t.Error("PositionError does not match its sentinel")
	}
}

func TestAggregateEdgeCases(t *testing.T) {
	if _, ok := Aggregate(nil, 3); ok {
		t.Error("empty buffer aggregated")
	}
	got, ok := Aggregate([]Sample{{Latitude: 1, Longitude: 2, Accuracy: 7}}, 3)
	if !ok || got.Latitude != 1 || got.Accuracy != 7 {
		t.Errorf("single sample aggregate = %+v", got)
	}
}

func intPtr(v int) *int { return &v }
