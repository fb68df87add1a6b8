package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"dr_memo/internal/consent"
	"dr_memo/internal/middleware"
	"dr_memo/internal/sensor"
	"dr_memo/internal/store"
	"dr_memo/internal/tracker"
	"dr_memo/internal/viewer"
)

const writeWait = 10 * time.Second

// upgrader configures the WebSocket connection.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origins are enforced by CORS and the token
	},
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	*websocket.Conn
	wmu sync.Mutex
}

func (c *wsConn) WriteJSON(v interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(v)
}

// closeWith sends a close frame and drops the connection, which ends the
// handler's read loop.
func (c *wsConn) closeWith(code int, text string) {
	c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	c.Close()
}

// ack is sent to the device after every pipeline outcome.
type ack struct {
	Type     string  `json:"type"`
	Status   string  `json:"status"`
	Buffered int     `json:"buffered,omitempty"`
	Distance float64 `json:"distance_m,omitempty"`
	IsMoving bool    `json:"is_moving,omitempty"`
	History  bool    `json:"history,omitempty"`
	Error    string  `json:"error,omitempty"`
}

func ackFor(o tracker.Outcome) ack {
	a := ack{Type: "ack", Status: string(o.Kind), Buffered: o.Buffered, History: o.HistoryInserted}
	if o.Distance > 0 {
		a.Distance = o.Distance
	}
	if o.Position != nil {
		a.IsMoving = o.Position.IsMoving
	}
	if o.Err != nil {
		a.Error = o.Err.Error()
	}
	return a
}

// TrackWebSocket is the subject device socket. The device streams positioning
// frames; a tracker session runs for as long as the socket is open.
// @Router /ws/track [get]
// @Param token query string true "JWT token for authentication"
func (ctl *Controller) TrackWebSocket(c *gin.Context) {
	subjectID := middleware.UserID(c)
	log := logrus.WithField("subject_id", subjectID)

	sharing, sc, err := ctl.Consent.IsSharing(c.Request.Context(), subjectID)
	if err != nil {
		log.WithError(err).Error("Consent lookup failed for tracking socket.")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error checking consent"})
		return
	}
	if !sharing {
		log.Warn("Tracking socket refused, location sharing is off.")
		c.JSON(http.StatusForbidden, gin.H{"error": "Location sharing is not enabled"})
		return
	}

	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Error("Failed to upgrade WebSocket connection.")
		return
	}
	conn := &wsConn{Conn: raw}
	defer conn.Close()

	stream := sensor.NewStream(conn.WriteJSON)
	cfg := ctl.Tracker.WithSettings(sc.UpdateIntervalSeconds, sc.AccuracyThresholdMeters)
	var optedOut sync.Once
	tr := tracker.New(stream, ctl.Consent.Gate(ctl.Writer),
		tracker.WithConfig(cfg),
		tracker.WithBattery(stream),
		tracker.WithOutcomeHook(func(o tracker.Outcome) {
			if err := conn.WriteJSON(ackFor(o)); err != nil {
				log.WithError(err).Debug("Could not ack device.")
			}
			if o.Kind == tracker.OutcomeWriteFailed && errors.Is(o.Err, consent.ErrNotSharing) {
				optedOut.Do(func() {
					log.Info("Location sharing disabled, ending tracking session.")
					conn.closeWith(websocket.ClosePolicyViolation, "location sharing disabled")
				})
			}
		}),
	)

	ctx := detached(c.Request.Context())
	if err := tr.Start(ctx, subjectID); err != nil {
		log.WithError(err).Error("Failed to start tracking.")
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "tracking unavailable"))
		return
	}
	defer stream.Close()
	defer tr.Stop()

	log.WithField("conn_ptr", fmt.Sprintf("%p", raw)).Info("Subject tracking socket established.")
	for {
		messageType, p, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Info("Subject tracking socket closed.")
			} else {
				log.WithError(err).Warn("Error reading tracking socket.")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var f sensor.Frame
		if err := json.Unmarshal(p, &f); err != nil {
			log.WithError(err).WithField("payload", string(p)).Warn("Invalid frame from device.")
			conn.WriteJSON(gin.H{"type": "error", "error": "Invalid frame format. Check timestamp format."})
			continue
		}
		stream.Push(f)
	}
}

// MapWebSocket drives a live map in the observer's browser.
// @Router /ws/subjects/{id}/map [get]
// @Param token query string true "JWT token for authentication"
func (ctl *Controller) MapWebSocket(c *gin.Context) {
	subjectID, ok := ctl.subjectParam(c)
	if !ok {
		return
	}
	observerID := middleware.UserID(c)
	log := logrus.WithFields(logrus.Fields{"subject_id": subjectID, "observer_id": observerID})

	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Error("Failed to upgrade WebSocket connection.")
		return
	}
	conn := &wsConn{Conn: raw}
	defer conn.Close()

	remote := viewer.NewRemote(conn, ctl.Map.AccessToken, ctl.MapStyle)
	v := viewer.New(subjectID, ctl.viewerSource(), remote.Factory(), ctl.Map)
	v.RequireAccess(func(ctx context.Context) error {
		ok, err := store.CanView(ctx, ctl.Observers, subjectID, observerID)
		if err != nil {
			return err
		}
		if !ok {
			return viewer.ErrRevoked
		}
		return nil
	})
	v.OnStateChange(func(st viewer.State, msg string) {
		if st != viewer.StateFailed && st != viewer.StateUnconfigured && st != viewer.StateRevoked {
			return
		}
		if err := remote.SendFallback(msg); err != nil {
			log.WithError(err).Debug("Could not send map fallback.")
		}
		if st == viewer.StateRevoked {
			conn.closeWith(websocket.ClosePolicyViolation, "access revoked")
		}
	})

	ctx := detached(c.Request.Context())
	if err := v.Mount(ctx); err != nil {
		log.WithError(err).Warn("Live map not mounted, fallback shown.")
	}
	defer func() {
		if err := v.Unmount(); err != nil {
			log.WithError(err).Warn("Live map teardown reported errors.")
		}
	}()

	log.Info("Observer map socket established.")
	err = remote.Run(func() {
		if err := v.Retry(ctx); err != nil {
			log.WithError(err).Warn("Map retry failed.")
		}
	})
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Info("Observer map socket closed.")
	} else {
		log.WithError(err).Info("Observer map socket ended.")
	}
}
