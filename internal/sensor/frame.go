// Package sensor adapts remote devices to the tracker.Sensor boundary. Devices
// speak JSON frames over a websocket or MQTT. The server never reads a GPS
// chip itself.
package sensor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dr_memo/internal/tracker"
)

// Frame types sent by devices.
const (
	FrameFix        = "fix"
	FrameError      = "error"
	FramePermission = "permission"
)

// Frame types sent to devices.
const (
	FrameWatchStart      = "watch_start"
	FrameWatchStop       = "watch_stop"
	FramePositionRequest = "position_request"
)

// Frame is the device wire format. Which fields are set depends on Type.
type Frame struct {
	Type         string    `json:"type"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Accuracy     float64   `json:"accuracy"`
	Heading      *float64  `json:"heading,omitempty"`
	Speed        *float64  `json:"speed,omitempty"`
	BatteryLevel *int      `json:"battery_level,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Code         int       `json:"code,omitempty"`
	Message      string    `json:"message,omitempty"`
	Permission   string    `json:"permission,omitempty"`
}

// UnmarshalJSON accepts RFC 3339 timestamps with or without a zone suffix and
// treats a missing one as UTC. An empty timestamp leaves the zero value.
func (f *Frame) UnmarshalJSON(data []byte) error {
	type alias Frame
	aux := &struct {
		Timestamp string `json:"timestamp"`
		*alias
	}{alias: (*alias)(f)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	ts := aux.Timestamp
	if ts == "" {
		f.Timestamp = time.Time{}
		return nil
	}
	if !hasZone(ts) {
		ts += "Z"
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"raw_timestamp": aux.Timestamp,
			"parse_error":   err,
		}).Debug("Device frame carried an unparseable timestamp.")
		return fmt.Errorf("invalid timestamp %q: %w", aux.Timestamp, err)
	}
	f.Timestamp = t.UTC()
	return nil
}

func hasZone(ts string) bool {
	if strings.HasSuffix(ts, "Z") || strings.HasSuffix(ts, "z") {
		return true
	}
	if len(ts) < 6 {
		return false
	}
	return strings.ContainsAny(ts[len(ts)-6:], "+-")
}

// Fix converts a fix or error frame into a tracker.Fix.
func (f Frame) Fix() tracker.Fix {
	if f.Type == FrameError {
		return tracker.Fix{Err: &tracker.PositionError{Code: tracker.ErrorCode(f.Code), Message: f.Message}}
	}
	return tracker.Fix{Sample: tracker.Sample{
		Latitude:  f.Latitude,
		Longitude: f.Longitude,
		Accuracy:  f.Accuracy,
		Heading:   f.Heading,
		Speed:     f.Speed,
		Timestamp: f.Timestamp,
	}}
}

func parsePermission(s string) tracker.Permission {
	switch tracker.Permission(s) {
	case tracker.PermGranted, tracker.PermDenied, tracker.PermPrompt:
		return tracker.Permission(s)
	}
	return tracker.PermUnknown
}

// request is a server-to-device command.
type request struct {
	Type         string `json:"type"`
	HighAccuracy bool   `json:"high_accuracy,omitempty"`
	NoCache      bool   `json:"no_cache,omitempty"`
	TimeoutMS    int64  `json:"timeout_ms,omitempty"`
}

func newRequest(kind string, opts tracker.WatchOptions) request {
	return request{
		Type:         kind,
		HighAccuracy: opts.HighAccuracy,
		NoCache:      opts.NoCache,
		TimeoutMS:    opts.Timeout.Milliseconds(),
	}
}
