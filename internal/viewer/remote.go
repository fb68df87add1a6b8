package viewer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/twpayne/go-geom"
	gjson "github.com/twpayne/go-geom/encoding/geojson"
)

// Conn is the browser connection. *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

// Browser events.
const (
	EventLoad  = "load"
	EventError = "error"
	EventRetry = "retry"
)

// Command is one instruction to the browser page hosting the map library.
type Command struct {
	Cmd         string          `json:"cmd"`
	MapID       int             `json:"map_id,omitempty"`
	Container   string          `json:"container,omitempty"`
	AccessToken string          `json:"access_token,omitempty"`
	Style       string          `json:"style,omitempty"`
	Center      []float64       `json:"center,omitempty"`
	Zoom        float64         `json:"zoom,omitempty"`
	LayerID     string          `json:"layer_id,omitempty"`
	Geometry    json.RawMessage `json:"geometry,omitempty"`
	Message     string          `json:"message,omitempty"`
}

// Event is sent by the browser.
type Event struct {
	Event   string `json:"event"`
	MapID   int    `json:"map_id"`
	Message string `json:"message,omitempty"`
}

var ErrMapRemoved = errors.New("viewer: map removed")

// Remote drives maps rendered in a browser over one connection. Each map it
// creates gets an id the browser echoes in its events, so events from a map
// torn down by a retry are ignored.
type Remote struct {
	conn        Conn
	accessToken string
	style       string

	wmu sync.Mutex

	mu     sync.Mutex
	seq    int
	active *RemoteMap
}

func NewRemote(conn Conn, accessToken, style string) *Remote {
	return &Remote{conn: conn, accessToken: accessToken, style: style}
}

func (r *Remote) send(cmd Command) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	return r.conn.WriteJSON(cmd)
}

// Factory returns a MapFactory creating maps on this connection.
func (r *Remote) Factory() MapFactory {
	return func(container string, center LngLat, zoom float64) (Map, error) {
		r.mu.Lock()
		r.seq++
		m := &RemoteMap{remote: r, id: r.seq, layers: make(map[string]bool)}
		r.active = m
		r.mu.Unlock()

		err := r.send(Command{
			Cmd:         "init",
			MapID:       m.id,
			Container:   container,
			AccessToken: r.accessToken,
			Style:       r.style,
			Center:      []float64{center.Lng, center.Lat},
			Zoom:        zoom,
		})
		if err != nil {
			return nil, fmt.Errorf("send init: %w", err)
		}
		return m, nil
	}
}

// SendFallback shows message in place of the map.
func (r *Remote) SendFallback(message string) error {
	return r.send(Command{Cmd: "fallback", Message: message})
}

// Run reads browser events until the connection fails. onRetry is called when
// the user asks to reload the map.
func (r *Remote) Run(onRetry func()) error {
	for {
		var ev Event
		if err := r.conn.ReadJSON(&ev); err != nil {
			return err
		}
		if ev.Event == EventRetry {
			if onRetry != nil {
				onRetry()
			}
			continue
		}

		r.mu.Lock()
		m := r.active
		r.mu.Unlock()
		if m == nil || m.id != ev.MapID {
			logrus.WithFields(logrus.Fields{
				"event":  ev.Event,
				"map_id": ev.MapID,
			}).Debug("Ignoring event for an inactive map.")
			continue
		}
		m.dispatch(ev)
	}
}

// RemoteMap is one map instance in the browser.
type RemoteMap struct {
	remote *Remote
	id     int

	mu      sync.Mutex
	onLoad  func()
	onError func(error)
	layers  map[string]bool
	removed bool
}

var _ Map = (*RemoteMap)(nil)

func (m *RemoteMap) dispatch(ev Event) {
	m.mu.Lock()
	onLoad, onError, removed := m.onLoad, m.onError, m.removed
	m.mu.Unlock()
	if removed {
		return
	}
	switch ev.Event {
	case EventLoad:
		if onLoad != nil {
			onLoad()
		}
	case EventError:
		if onError != nil {
			onError(fmt.Errorf("map: %s", ev.Message))
		}
	default:
		logrus.WithField("event", ev.Event).Warn("Unknown browser map event.")
	}
}

func (m *RemoteMap) command(cmd Command) error {
	m.mu.Lock()
	removed := m.removed
	m.mu.Unlock()
	if removed {
		return ErrMapRemoved
	}
	cmd.MapID = m.id
	return m.remote.send(cmd)
}

func (m *RemoteMap) AddNavigationControl() error {
	return m.command(Command{Cmd: "add_navigation_control"})
}

func (m *RemoteMap) OnLoad(fn func()) {
	m.mu.Lock()
	m.onLoad = fn
	m.mu.Unlock()
}

func (m *RemoteMap) OnError(fn func(error)) {
	m.mu.Lock()
	m.onError = fn
	m.mu.Unlock()
}

func (m *RemoteMap) SetMarker(p LngLat) error {
	g, err := gjson.Marshal(geom.NewPointFlat(geom.XY, []float64{p.Lng, p.Lat}))
	if err != nil {
		return err
	}
	return m.command(Command{Cmd: "set_marker", Geometry: g})
}

func (m *RemoteMap) SetCenter(p LngLat) error {
	return m.command(Command{Cmd: "set_center", Center: []float64{p.Lng, p.Lat}})
}

func (m *RemoteMap) HasLayer(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.layers[id]
}

func (m *RemoteMap) AddLineLayer(id string, coords []LngLat) error {
	g, err := lineGeoJSON(coords)
	if err != nil {
		return err
	}
	if err := m.command(Command{Cmd: "add_line_layer", LayerID: id, Geometry: g}); err != nil {
		return err
	}
	m.mu.Lock()
	m.layers[id] = true
	m.mu.Unlock()
	return nil
}

func (m *RemoteMap) SetLineData(id string, coords []LngLat) error {
	g, err := lineGeoJSON(coords)
	if err != nil {
		return err
	}
	return m.command(Command{Cmd: "set_line_data", LayerID: id, Geometry: g})
}

// Remove releases the browser map. Later calls return ErrMapRemoved.
func (m *RemoteMap) Remove() error {
	m.mu.Lock()
	if m.removed {
		m.mu.Unlock()
		return nil
	}
	m.removed = true
	m.mu.Unlock()

	m.remote.mu.Lock()
	if m.remote.active == m {
		m.remote.active = nil
	}
	m.remote.mu.Unlock()
	return m.remote.send(Command{Cmd: "remove", MapID: m.id})
}

func lineGeoJSON(coords []LngLat) ([]byte, error) {
	flat := make([]geom.Coord, len(coords))
	for i, c := range coords {
		flat[i] = geom.Coord{c.Lng, c.Lat}
	}
	ls, err := geom.NewLineString(geom.XY).SetCoords(flat)
	if err != nil {
		return nil, fmt.Errorf("trail geometry: %w", err)
	}
	return gjson.Marshal(ls)
}
