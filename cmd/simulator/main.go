// Command simulator pretends to be a subject's phone: it answers tracker
// requests on MQTT with noisy fixes from a random walk.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	fake "github.com/brianvoe/gofakeit/v6"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dr_memo/internal/config"
	"dr_memo/internal/sensor"
)

var (
	fSubject  string
	fInterval time.Duration
	fLat      float64
	fLng      float64
	fStepM    float64
	fBadRatio float64
)

func init() {
	flag.StringVar(&fSubject, "subject", "", "Subject id (uuid); random when empty")
	flag.DurationVar(&fInterval, "interval", 3*time.Second, "Fix interval while a watch is active")
	flag.Float64Var(&fLat, "lat", 34.0522, "Starting latitude")
	flag.Float64Var(&fLng, "lng", -118.2437, "Starting longitude")
	flag.Float64Var(&fStepM, "step", 8, "Maximum walk step per fix in meters")
	flag.Float64Var(&fBadRatio, "bad", 0.1, "Share of fixes with poor accuracy [0.0-1.0]")
}

// walker is the simulated device state.
type walker struct {
	mu      sync.Mutex
	lat     float64
	lng     float64
	battery int
}

const metersPerDegree = 111195.0

func (w *walker) next() sensor.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()

	dLat := fake.Float64Range(-fStepM, fStepM) / metersPerDegree
	dLng := fake.Float64Range(-fStepM, fStepM) / metersPerDegree
	w.lat += dLat
	w.lng += dLng
	if fake.Float64Range(0, 1) < 0.02 && w.battery > 1 {
		w.battery--
	}

	accuracy := fake.Float64Range(5, 40)
	if fake.Float64Range(0, 1) < fBadRatio {
		accuracy = fake.Float64Range(120, 500)
	}
	speed := fake.Float64Range(0, 1.6)
	heading := fake.Float64Range(0, 360)
	battery := w.battery
	return sensor.Frame{
		Type:         sensor.FrameFix,
		Latitude:     w.lat,
		Longitude:    w.lng,
		Accuracy:     accuracy,
		Heading:      &heading,
		Speed:        &speed,
		BatteryLevel: &battery,
		Timestamp:    time.Now().UTC(),
	}
}

func main() {
	flag.Parse()
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration.")
	}

	subjectID := uuid.New()
	if fSubject != "" {
		if subjectID, err = uuid.Parse(fSubject); err != nil {
			logrus.WithError(err).Fatal("Invalid -subject.")
		}
	}
	topics := sensor.TopicsFor(cfg.MQTTTopicPrefix, subjectID)
	log := logrus.WithField("subject_id", subjectID)

	client, err := sensor.Dial(sensor.MQTTConfig{
		Broker:   cfg.MQTTBroker,
		ClientID: "drmemo-sim-" + subjectID.String(),
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
	})
	if err != nil {
		log.WithError(err).Fatal("Broker unreachable.")
	}
	defer client.Disconnect(250)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := &walker{lat: fLat, lng: fLng, battery: 100}
	publish := func(topic string, v interface{}) {
		b, _ := json.Marshal(v)
		if t := client.Publish(topic, 1, false, b); t.WaitTimeout(5*time.Second) && t.Error() != nil {
			log.WithError(t.Error()).Warn("Publish failed.")
		}
	}

	var (
		watchMu     sync.Mutex
		watchCancel context.CancelFunc
	)
	stopWatch := func() {
		watchMu.Lock()
		defer watchMu.Unlock()
		if watchCancel != nil {
			watchCancel()
			watchCancel = nil
		}
	}
	startWatch := func() {
		stopWatch()
		wctx, cancel := context.WithCancel(ctx)
		watchMu.Lock()
		watchCancel = cancel
		watchMu.Unlock()
		go func() {
			ticker := time.NewTicker(fInterval)
			defer ticker.Stop()
			for {
				select {
				case <-wctx.Done():
					return
				case <-ticker.C:
					publish(topics.Fix, w.next())
				}
			}
		}()
	}

	token := client.Subscribe(topics.Request, 1, func(_ mqtt.Client, msg mqtt.Message) {
		var req struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg.Payload(), &req); err != nil {
			log.WithError(err).Warn("Malformed request.")
			return
		}
		log.WithField("request", req.Type).Debug("Tracker request received.")
		switch req.Type {
		case sensor.FrameWatchStart:
			startWatch()
		case sensor.FrameWatchStop:
			stopWatch()
		case sensor.FramePositionRequest:
			publish(topics.Fix, w.next())
		}
	})
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		log.WithError(token.Error()).Fatal("Subscribe failed.")
	}

	publish(topics.Permission, sensor.Frame{Type: sensor.FramePermission, Permission: "granted"})
	log.WithFields(logrus.Fields{
		"fix_topic": topics.Fix,
		"interval":  fInterval.String(),
	}).Info("Simulator running.")

	<-ctx.Done()
	stopWatch()
	log.Info("Simulator stopped.")
}
