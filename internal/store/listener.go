package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"dr_memo/internal/models"
	"dr_memo/internal/realtime"
)

// Listener relays Postgres NOTIFY events on PositionChannel into the hub.
type Listener struct {
	listener *pq.Listener
	hub      *realtime.Hub
}

// NewListener opens a LISTEN connection using the same DSN as the gorm pool.
func NewListener(dsn string, hub *realtime.Hub) (*Listener, error) {
	l := pq.NewListener(dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		entry := logrus.WithField("channel", PositionChannel)
		switch ev {
		case pq.ListenerEventConnected:
			entry.Info("Position listener connected.")
		case pq.ListenerEventDisconnected:
			entry.WithError(err).Warn("Position listener disconnected.")
		case pq.ListenerEventReconnected:
			entry.Info("Position listener reconnected.")
		case pq.ListenerEventConnectionAttemptFailed:
			entry.WithError(err).Warn("Position listener reconnect attempt failed.")
		}
	})
	if err := l.Listen(PositionChannel); err != nil {
		l.Close()
		return nil, fmt.Errorf("listen %s: %w", PositionChannel, err)
	}
	return &Listener{listener: l, hub: hub}, nil
}

// Run relays notifications until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	keepAlive := time.NewTicker(90 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return l.listener.Close()
		case n := <-l.listener.Notify:
			if n == nil {
				// Sent after a reconnect; events in the gap are lost and the
				// next committed write supersedes them.
				logrus.Debug("Position listener resynchronised after reconnect.")
				continue
			}
			if err := relay(l.hub, n.Extra); err != nil {
				logrus.WithError(err).Warn("Dropping malformed position notification.")
			}
		case <-keepAlive.C:
			go func() {
				if err := l.listener.Ping(); err != nil {
					logrus.WithError(err).Warn("Position listener ping failed.")
				}
			}()
		}
	}
}

func relay(hub *realtime.Hub, payload string) error {
	var pos models.TrackedPosition
	if err := json.Unmarshal([]byte(payload), &pos); err != nil {
		return fmt.Errorf("decode position notification: %w", err)
	}
	hub.Publish(pos)
	return nil
}
