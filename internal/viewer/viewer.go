// Package viewer keeps one subject's position and recent trail rendered on a
// live map.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dr_memo/internal/models"
	"dr_memo/internal/realtime"
	"dr_memo/internal/store"
)

type State string

const (
	StateIdle         State = "idle"
	StateLoading      State = "loading"
	StateReady        State = "ready"
	StateUnconfigured State = "unconfigured"
	StateFailed       State = "failed"
	StateRevoked      State = "revoked"
)

var (
	ErrUnconfigured = errors.New("viewer: map access token is not configured")
	ErrMounted      = errors.New("viewer: already mounted")
	ErrRevoked      = errors.New("viewer: access to subject revoked")
)

const TrailLayerID = "subject-trail"

// Source is what the viewer reads: a seed position, a history window and the
// live change stream.
type Source interface {
	store.PositionReader
	store.Subscriber
}

type Config struct {
	Container     string
	AccessToken   string
	Center        LngLat
	Zoom          float64
	HistoryWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		Container:     "map",
		Center:        LngLat{Lng: -98.5795, Lat: 39.8283},
		Zoom:          12,
		HistoryWindow: 2 * time.Hour,
	}
}

type trailPoint struct {
	at time.Time
	p  LngLat
}

// Viewer renders one subject. Mount and Unmount may be called repeatedly;
// Retry is Unmount followed by Mount.
type Viewer struct {
	subjectID uuid.UUID
	src       Source
	factory   MapFactory
	cfg       Config
	now       func() time.Time
	onState   func(State, string)
	access    func(context.Context) error

	mu      sync.Mutex
	state   State
	err     error
	ready   bool
	m       Map
	sub     *realtime.Subscription
	current *models.TrackedPosition
	trail   []trailPoint
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(subjectID uuid.UUID, src Source, factory MapFactory, cfg Config) *Viewer {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultConfig().HistoryWindow
	}
	return &Viewer{
		subjectID: subjectID,
		src:       src,
		factory:   factory,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		state:     StateIdle,
	}
}

// OnStateChange registers fn to receive every state change with its fallback
// message. fn is called with the viewer locked and must not call back into it.
func (v *Viewer) OnStateChange(fn func(state State, fallback string)) {
	v.mu.Lock()
	v.onState = fn
	v.mu.Unlock()
}

// RequireAccess registers check to run on mount, before the seed renders and
// before every live event. A check returning ErrRevoked ends the session in
// StateRevoked; any other error only drops that render.
func (v *Viewer) RequireAccess(check func(ctx context.Context) error) {
	v.mu.Lock()
	v.access = check
	v.mu.Unlock()
}

func (v *Viewer) setStateLocked(st State, err error) {
	v.state, v.err = st, err
	if v.onState != nil {
		v.onState(st, v.fallbackLocked())
	}
}

// Mount creates the map and starts seeding and the live subscription. A
// missing token or a map that cannot be created leaves the viewer in a
// fallback state and returns the cause.
func (v *Viewer) Mount(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.m != nil {
		return ErrMounted
	}
	log := logrus.WithField("subject_id", v.subjectID)

	if v.access != nil {
		if err := v.access(ctx); err != nil {
			if errors.Is(err, ErrRevoked) {
				v.setStateLocked(StateRevoked, err)
			} else {
				v.setStateLocked(StateFailed, fmt.Errorf("check access: %w", err))
			}
			log.WithError(err).Warn("Live map refused.")
			return v.err
		}
	}

	if v.cfg.AccessToken == "" {
		v.setStateLocked(StateUnconfigured, ErrUnconfigured)
		log.Warn("Map access token missing, showing fallback.")
		return ErrUnconfigured
	}

	m, err := v.factory(v.cfg.Container, v.cfg.Center, v.cfg.Zoom)
	if err != nil {
		v.setStateLocked(StateFailed, fmt.Errorf("create map: %w", err))
		log.WithError(err).Error("Map initialization failed.")
		return v.err
	}
	if err := m.AddNavigationControl(); err != nil {
		log.WithError(err).Warn("Could not attach navigation control.")
	}
	m.OnLoad(v.onLoad)
	m.OnError(v.onError)

	sub, err := v.src.SubscribePosition(ctx, v.subjectID)
	if err != nil {
		if rerr := m.Remove(); rerr != nil {
			log.WithError(rerr).Debug("Map remove after failed subscribe.")
		}
		v.setStateLocked(StateFailed, fmt.Errorf("subscribe: %w", err))
		return v.err
	}

	runCtx, cancel := context.WithCancel(ctx)
	v.m, v.sub, v.cancel = m, sub, cancel
	v.ready = false
	v.setStateLocked(StateLoading, nil)
	v.current, v.trail = nil, nil

	v.wg.Add(2)
	go v.seed(runCtx)
	go v.consume(runCtx, sub)
	log.Info("Live map mounted.")
	return nil
}

// Unmount stops rendering before releasing the map and the subscription. Both
// releases are attempted and their errors joined.
func (v *Viewer) Unmount() error {
	v.mu.Lock()
	v.ready = false
	m, sub, cancel := v.m, v.sub, v.cancel
	v.m, v.sub, v.cancel = nil, nil, nil
	if v.state == StateLoading || v.state == StateReady {
		v.setStateLocked(StateIdle, nil)
	}
	v.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var errs []error
	if m != nil {
		if err := m.Remove(); err != nil {
			errs = append(errs, fmt.Errorf("remove map: %w", err))
		}
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscription: %w", err))
		}
	}
	v.wg.Wait()

	if m != nil {
		logrus.WithField("subject_id", v.subjectID).Info("Live map unmounted.")
	}
	return errors.Join(errs...)
}

// Retry tears down and mounts again, for use after a failure.
func (v *Viewer) Retry(ctx context.Context) error {
	if err := v.Unmount(); err != nil {
		logrus.WithError(err).WithField("subject_id", v.subjectID).Warn("Teardown before retry reported errors.")
	}
	return v.Mount(ctx)
}

func (v *Viewer) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Err is the cause of the unconfigured or failed state.
func (v *Viewer) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// Fallback is the message to show instead of the map, empty when the map is
// showing.
func (v *Viewer) Fallback() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fallbackLocked()
}

func (v *Viewer) fallbackLocked() string {
	switch v.state {
	case StateUnconfigured:
		return "Map is not configured. Set a map access token and reload."
	case StateFailed:
		return fmt.Sprintf("Map failed to load (%v). Reload to try again.", v.err)
	case StateLoading:
		return "Loading map..."
	case StateIdle:
		return "Map is closed."
	case StateRevoked:
		return "You no longer have access to this location."
	}
	return ""
}

// Current is the last position the viewer holds.
func (v *Viewer) Current() *models.TrackedPosition {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current == nil {
		return nil
	}
	c := *v.current
	return &c
}

// Trail returns the trail coordinates oldest first.
func (v *Viewer) Trail() []LngLat {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.coordsLocked()
}

func (v *Viewer) coordsLocked() []LngLat {
	out := make([]LngLat, len(v.trail))
	for i, tp := range v.trail {
		out[i] = tp.p
	}
	return out
}

func (v *Viewer) onLoad() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.m == nil || v.state == StateRevoked {
		return
	}
	v.ready = true
	v.setStateLocked(StateReady, nil)
	v.renderLocked()
}

func (v *Viewer) onError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.m == nil || v.state == StateRevoked {
		return
	}
	v.ready = false
	v.setStateLocked(StateFailed, err)
	logrus.WithError(err).WithField("subject_id", v.subjectID).Error("Map reported an error.")
}

func (v *Viewer) seed(ctx context.Context) {
	defer v.wg.Done()
	log := logrus.WithField("subject_id", v.subjectID)

	var (
		g       errgroup.Group
		pos     *models.TrackedPosition
		history []models.PositionHistoryPoint
	)
	g.Go(func() error {
		p, err := v.src.GetPosition(ctx, v.subjectID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("seed position: %w", err)
		}
		pos = p
		return nil
	})
	g.Go(func() error {
		h, err := v.src.ListHistory(ctx, v.subjectID, v.now().Add(-v.cfg.HistoryWindow))
		if err != nil {
			return fmt.Errorf("seed history: %w", err)
		}
		history = h
		return nil
	})
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("Seeding incomplete, continuing with live updates.")
	}
	if ctx.Err() != nil {
		return
	}
	if (pos != nil || len(history) > 0) && !v.permit(ctx) {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.m == nil {
		return
	}
	changed := false
	if pos != nil && (v.current == nil || pos.UpdatedAt.After(v.current.UpdatedAt)) {
		v.current = pos
		changed = true
	}
	if len(history) > 0 {
		v.mergeHistoryLocked(history)
		changed = true
	}
	if changed {
		v.renderLocked()
	}
}

// mergeHistoryLocked puts seeded history in front of any live points that
// arrived while the query ran.
func (v *Viewer) mergeHistoryLocked(history []models.PositionHistoryPoint) {
	last := history[len(history)-1].RecordedAt
	merged := make([]trailPoint, 0, len(history)+len(v.trail))
	for _, h := range history {
		merged = append(merged, trailPoint{at: h.RecordedAt, p: LngLat{Lng: h.Longitude, Lat: h.Latitude}})
	}
	for _, tp := range v.trail {
		if tp.at.After(last) {
			merged = append(merged, tp)
		}
	}
	v.trail = merged
}

func (v *Viewer) consume(ctx context.Context, sub *realtime.Subscription) {
	defer v.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case pos, ok := <-sub.C():
			if !ok {
				return
			}
			if !v.permit(ctx) {
				if v.State() == StateRevoked {
					return
				}
				continue
			}
			v.apply(pos)
		}
	}
}

// permit runs the access check and reports whether rendering may go ahead.
func (v *Viewer) permit(ctx context.Context) bool {
	v.mu.Lock()
	check := v.access
	v.mu.Unlock()
	if check == nil {
		return true
	}
	err := check(ctx)
	if err == nil {
		return true
	}
	log := logrus.WithError(err).WithField("subject_id", v.subjectID)
	if !errors.Is(err, ErrRevoked) {
		log.Warn("Access check failed, skipping update.")
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.m != nil && v.state != StateRevoked {
		v.ready = false
		v.setStateLocked(StateRevoked, err)
		log.Warn("Observer access revoked, live map stopped.")
	}
	return false
}

// apply takes one change event. Events not newer than the held position are
// redeliveries or stale and are dropped.
func (v *Viewer) apply(pos models.TrackedPosition) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.m == nil {
		return
	}
	if v.current != nil && !pos.UpdatedAt.After(v.current.UpdatedAt) {
		return
	}
	v.current = &pos
	v.trail = append(v.trail, trailPoint{at: pos.UpdatedAt, p: LngLat{Lng: pos.Longitude, Lat: pos.Latitude}})
	v.pruneLocked()
	v.renderLocked()
}

// pruneLocked drops trail points older than the history window.
func (v *Viewer) pruneLocked() {
	cutoff := v.now().Add(-v.cfg.HistoryWindow)
	i := 0
	for i < len(v.trail) && v.trail[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		v.trail = append([]trailPoint(nil), v.trail[i:]...)
	}
}

func (v *Viewer) renderLocked() {
	if !v.ready || v.m == nil || v.current == nil {
		return
	}
	log := logrus.WithField("subject_id", v.subjectID)
	p := LngLat{Lng: v.current.Longitude, Lat: v.current.Latitude}
	if err := v.m.SetMarker(p); err != nil {
		log.WithError(err).Warn("Marker update failed.")
	}
	if err := v.m.SetCenter(p); err != nil {
		log.WithError(err).Warn("Re-center failed.")
	}
	if len(v.trail) < 2 {
		return
	}
	coords := v.coordsLocked()
	var err error
	if v.m.HasLayer(TrailLayerID) {
		err = v.m.SetLineData(TrailLayerID, coords)
	} else {
		err = v.m.AddLineLayer(TrailLayerID, coords)
	}
	if err != nil {
		log.WithError(err).Warn("Trail update failed.")
	}
}
