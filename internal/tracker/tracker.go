// Package tracker turns bursty device positioning fixes into a rate-limited
// stream of current-position writes and a compact movement history.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dr_memo/internal/geo"
	"dr_memo/internal/models"
)

// Writer is the persistence side the tracker publishes to.
type Writer interface {
	UpsertPosition(ctx context.Context, pos *models.TrackedPosition) error
	InsertHistory(ctx context.Context, point *models.PositionHistoryPoint) error
}

// Config holds the pipeline thresholds.
type Config struct {
	UpdateInterval    time.Duration // poll fallback period
	WatchTimeout      time.Duration // per-sample timeout on the continuous watch
	PollTimeout       time.Duration
	MinAccuracy       float64 // meters; worse samples are dropped
	MaxReadings       int     // buffer size that triggers aggregation
	BestReadings      int     // samples averaged per aggregation
	AccuracyThreshold float64 // meters; movement below this is noise
	HistoryInterval   time.Duration
	HistoryDistance   float64 // meters
	MovingSpeed       float64 // m/s
}

func DefaultConfig() Config {
	return Config{
		UpdateInterval:    15 * time.Second,
		WatchTimeout:      15 * time.Second,
		PollTimeout:       10 * time.Second,
		MinAccuracy:       100,
		MaxReadings:       5,
		BestReadings:      3,
		AccuracyThreshold: 50,
		HistoryInterval:   60 * time.Second,
		HistoryDistance:   100,
		MovingSpeed:       0.5,
	}
}

// WithSettings applies a subject's consent settings on top of c.
// Non-positive values keep the current value.
func (c Config) WithSettings(updateIntervalSeconds int, accuracyThresholdMeters float64) Config {
	if updateIntervalSeconds > 0 {
		c.UpdateInterval = time.Duration(updateIntervalSeconds) * time.Second
	}
	if accuracyThresholdMeters > 0 {
		c.AccuracyThreshold = accuracyThresholdMeters
	}
	return c
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithConfig(cfg Config) Option { return func(t *Tracker) { t.cfg = cfg } }

func WithClock(c Clock) Option { return func(t *Tracker) { t.clock = c } }

func WithBattery(b BatteryReader) Option { return func(t *Tracker) { t.battery = b } }

// WithOutcomeHook registers fn to receive every pipeline outcome. fn runs on
// the tracker goroutine and must not call Stop or Start.
func WithOutcomeHook(fn func(Outcome)) Option { return func(t *Tracker) { t.hook = fn } }

// Status is a snapshot of the tracker state.
type Status struct {
	Tracking      bool
	SubjectID     uuid.UUID
	Permission    Permission
	Buffered      int
	LastKnown     *Sample
	LastHistoryAt time.Time
}

// Tracker is the location tracking service for one subject session.
// All pipeline work runs on a single goroutine started by Start.
type Tracker struct {
	sensor  Sensor
	writer  Writer
	battery BatteryReader
	clock   Clock
	cfg     Config
	hook    func(Outcome)

	lifecycle sync.Mutex // serializes Start and Stop
	mu        sync.Mutex
	tracking  bool
	subjectID uuid.UUID
	perm      Permission
	buffer    []Sample
	lastKnown *Sample
	lastHist  time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(sensor Sensor, writer Writer, opts ...Option) *Tracker {
	t := &Tracker{
		sensor: sensor,
		writer: writer,
		clock:  realClock{},
		cfg:    DefaultConfig(),
		perm:   PermUnknown,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins tracking subjectID. Calling Start while tracking restarts the
// session for the new subject with empty buffers. A denied permission is
// logged and reflected in Status, sampling still starts so a later grant takes
// effect without restarting.
func (t *Tracker) Start(ctx context.Context, subjectID uuid.UUID) error {
	if subjectID == uuid.Nil {
		return errors.New("tracker: subject id is required")
	}

	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	t.stop()

	log := logrus.WithField("subject_id", subjectID)

	perm, err := t.sensor.QueryPermission(ctx)
	if err != nil {
		log.WithError(err).Debug("Permission pre-check unavailable, continuing.")
		perm = PermUnknown
	}
	if perm == PermDenied {
		log.WithField("error_class", "permission").Warn("Location permission denied, tracking will keep retrying.")
	}

	runCtx, cancel := context.WithCancel(ctx)
	watch, err := t.sensor.Watch(runCtx, WatchOptions{HighAccuracy: true, NoCache: true, Timeout: t.cfg.WatchTimeout})
	if err != nil {
		log.WithError(err).WithField("error_class", Classify(err)).Warn("Continuous watch unavailable, relying on poll fallback.")
		watch = nil
	}
	ticker := t.clock.NewTicker(t.cfg.UpdateInterval)

	done := make(chan struct{})
	t.mu.Lock()
	t.tracking = true
	t.subjectID = subjectID
	t.perm = perm
	t.buffer = make([]Sample, 0, t.cfg.MaxReadings)
	t.lastKnown = nil
	t.lastHist = time.Time{}
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go t.run(runCtx, watch, ticker, done)

	log.WithFields(logrus.Fields{
		"update_interval": t.cfg.UpdateInterval.String(),
		"threshold_m":     t.cfg.AccuracyThreshold,
	}).Info("Location tracking started.")
	return nil
}

// Stop ends tracking. It is safe at any point, including mid-pipeline, and
// returns only after both sampling sources are released.
func (t *Tracker) Stop() {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	t.stop()
}

func (t *Tracker) stop() {
	t.mu.Lock()
	cancel, done, subject := t.cancel, t.done, t.subjectID
	t.cancel, t.done = nil, nil
	t.tracking = false
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	t.mu.Lock()
	t.buffer = nil
	t.lastKnown = nil
	t.lastHist = time.Time{}
	t.mu.Unlock()

	logrus.WithField("subject_id", subject).Info("Location tracking stopped.")
}

// Status returns a copy of the current state.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Status{
		Tracking:      t.tracking,
		SubjectID:     t.subjectID,
		Permission:    t.perm,
		Buffered:      len(t.buffer),
		LastHistoryAt: t.lastHist,
	}
	if t.lastKnown != nil {
		last := *t.lastKnown
		st.LastKnown = &last
	}
	return st
}

func (t *Tracker) run(ctx context.Context, watch Watch, ticker Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	var fixes <-chan Fix
	if watch != nil {
		defer watch.Stop()
		fixes = watch.Fixes()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case fix, ok := <-fixes:
			if !ok {
				logrus.WithField("subject_id", t.currentSubject()).Warn("Continuous watch closed, relying on poll fallback.")
				fixes = nil
				continue
			}
			t.handleFix(ctx, fix)
		case <-ticker.C():
			sample, err := t.sensor.CurrentPosition(ctx, WatchOptions{HighAccuracy: true, NoCache: true, Timeout: t.cfg.PollTimeout})
			t.handleFix(ctx, Fix{Sample: sample, Err: err})
		}
	}
}

func (t *Tracker) currentSubject() uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subjectID
}

func (t *Tracker) emit(o Outcome) {
	if t.hook != nil {
		t.hook(o)
	}
}

// handleFix runs the per-sample pipeline. Only the run goroutine calls it.
func (t *Tracker) handleFix(ctx context.Context, fix Fix) {
	if ctx.Err() != nil {
		return
	}
	subject := t.currentSubject()
	log := logrus.WithField("subject_id", subject)

	if fix.Err != nil {
		class := Classify(fix.Err)
		if errors.Is(fix.Err, ErrPermissionDenied) {
			t.mu.Lock()
			t.perm = PermDenied
			t.mu.Unlock()
		}
		log.WithError(fix.Err).WithField("error_class", class).Warn("Location sample failed.")
		t.emit(Outcome{Kind: OutcomeSensorError, Err: fix.Err})
		return
	}

	s := fix.Sample
	if s.Timestamp.IsZero() {
		s.Timestamp = t.clock.Now()
	}

	if s.Accuracy > t.cfg.MinAccuracy {
		log.WithFields(logrus.Fields{
			"accuracy": s.Accuracy,
			"limit":    t.cfg.MinAccuracy,
		}).Debug("Location sample rejected for poor accuracy.")
		t.emit(Outcome{Kind: OutcomeRejected, Sample: &s})
		return
	}

	t.mu.Lock()
	t.perm = PermGranted
	t.buffer = append(t.buffer, s)
	if len(t.buffer) < t.cfg.MaxReadings {
		n := len(t.buffer)
		t.mu.Unlock()
		t.emit(Outcome{Kind: OutcomeBuffered, Sample: &s, Buffered: n})
		return
	}
	agg, _ := Aggregate(t.buffer, t.cfg.BestReadings)
	t.buffer = t.buffer[:0]
	var last *Sample
	if t.lastKnown != nil {
		prev := *t.lastKnown
		last = &prev
	}
	lastHist := t.lastHist
	t.mu.Unlock()

	moved := -1.0
	if last != nil {
		moved = geo.Distance(last.Latitude, last.Longitude, agg.Latitude, agg.Longitude)
	}

	if last != nil && agg.Accuracy < t.cfg.MinAccuracy && moved < t.cfg.AccuracyThreshold {
		log.WithFields(logrus.Fields{
			"distance_m":  fmt.Sprintf("%.2f", moved),
			"threshold_m": t.cfg.AccuracyThreshold,
		}).Debug("Movement below threshold, update suppressed.")
		t.emit(Outcome{Kind: OutcomeSuppressed, Sample: &agg, Distance: moved})
		return
	}

	now := t.clock.Now()
	pos := &models.TrackedPosition{
		SubjectID: subject,
		Latitude:  agg.Latitude,
		Longitude: agg.Longitude,
		Accuracy:  agg.Accuracy,
		Heading:   agg.Heading,
		Speed:     agg.Speed,
		IsMoving:  agg.Speed != nil && *agg.Speed > t.cfg.MovingSpeed,
		UpdatedAt: now,
	}
	if pos.IsMoving {
		pos.LastMovementAt = &now
	}
	if t.battery != nil {
		if level, err := t.battery.BatteryLevel(ctx); err == nil {
			pos.BatteryLevel = &level
		} else {
			log.WithError(err).Debug("Battery level unavailable.")
		}
	}

	if err := t.writer.UpsertPosition(ctx, pos); err != nil {
		log.WithError(err).Error("Failed to write current position, dropping sample.")
		t.emit(Outcome{Kind: OutcomeWriteFailed, Sample: &agg, Err: err})
		return
	}

	historyDue := lastHist.IsZero() || now.Sub(lastHist) >= t.cfg.HistoryInterval ||
		last == nil || moved >= t.cfg.HistoryDistance
	inserted := false
	if historyDue {
		point := &models.PositionHistoryPoint{
			SubjectID:  subject,
			Latitude:   agg.Latitude,
			Longitude:  agg.Longitude,
			Accuracy:   agg.Accuracy,
			Heading:    agg.Heading,
			Speed:      agg.Speed,
			RecordedAt: now,
		}
		if err := t.writer.InsertHistory(ctx, point); err != nil {
			log.WithError(err).Error("Failed to append history point.")
		} else {
			inserted = true
		}
	}

	t.mu.Lock()
	if inserted {
		t.lastHist = now
	}
	t.lastKnown = &agg
	t.mu.Unlock()

	log.WithFields(logrus.Fields{
		"latitude":  agg.Latitude,
		"longitude": agg.Longitude,
		"accuracy":  fmt.Sprintf("%.1f", agg.Accuracy),
		"is_moving": pos.IsMoving,
		"history":   inserted,
	}).Info("Current position written.")
	t.emit(Outcome{Kind: OutcomeWritten, Sample: &agg, Position: pos, Distance: moved, HistoryInserted: inserted})
}
