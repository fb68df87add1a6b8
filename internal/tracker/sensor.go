package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sample is one raw reading from the device positioning sensor.
type Sample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorCode follows the numbering of the browser geolocation API.
type ErrorCode int

const (
	PermissionDenied    ErrorCode = 1
	PositionUnavailable ErrorCode = 2
	Timeout             ErrorCode = 3
)

// PositionError is a sensor failure. It matches the Err* sentinels by code.
type PositionError struct {
	Code    ErrorCode
	Message string
}

var (
	ErrPermissionDenied    = &PositionError{Code: PermissionDenied, Message: "permission denied"}
	ErrPositionUnavailable = &PositionError{Code: PositionUnavailable, Message: "position unavailable"}
	ErrTimeout             = &PositionError{Code: Timeout, Message: "timeout"}
)

func (e *PositionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("position error %d", e.Code)
	}
	return fmt.Sprintf("position error %d: %s", e.Code, e.Message)
}

func (e *PositionError) Is(target error) bool {
	t, ok := target.(*PositionError)
	return ok && t.Code == e.Code
}

// Class is the log classification of the error.
func (e *PositionError) Class() string {
	switch e.Code {
	case PermissionDenied:
		return "permission"
	case PositionUnavailable:
		return "unavailable"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Classify returns the log classification for any sensor error.
func Classify(err error) string {
	var pe *PositionError
	if errors.As(err, &pe) {
		return pe.Class()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "unknown"
}

// Fix is what a watch delivers: a sample or an error, never both.
type Fix struct {
	Sample Sample
	Err    error
}

// Permission is the result of a best-effort permission pre-check.
type Permission string

const (
	PermGranted Permission = "granted"
	PermDenied  Permission = "denied"
	PermPrompt  Permission = "prompt"
	PermUnknown Permission = "unknown"
)

// WatchOptions mirror the positioning API flags.
type WatchOptions struct {
	HighAccuracy bool
	NoCache      bool
	Timeout      time.Duration
}

// Watch is a running continuous subscription to the sensor.
type Watch interface {
	Fixes() <-chan Fix
	Stop()
}

// Sensor is the device positioning boundary.
type Sensor interface {
	QueryPermission(ctx context.Context) (Permission, error)
	Watch(ctx context.Context, opts WatchOptions) (Watch, error)
	CurrentPosition(ctx context.Context, opts WatchOptions) (Sample, error)
}

// BatteryReader reports the device battery percentage. Optional.
type BatteryReader interface {
	BatteryLevel(ctx context.Context) (int, error)
}
