// Command tracker runs the location tracking service for one subject whose
// device publishes fixes to MQTT, writing straight to Postgres.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dr_memo/internal/config"
	"dr_memo/internal/consent"
	"dr_memo/internal/logger"
	"dr_memo/internal/realtime"
	"dr_memo/internal/sensor"
	"dr_memo/internal/store"
	"dr_memo/internal/tracker"
)

var fSubject string

func init() {
	flag.StringVar(&fSubject, "subject", "", "Subject id (uuid) to track")
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("Tracker exited with error.")
	}
}

func run() error {
	subjectID, err := uuid.Parse(fSubject)
	if err != nil {
		return fmt.Errorf("-subject: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Setup(cfg.LogFile, cfg.LogLevel); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := config.OpenDB(cfg.DB, logger.GormLogger())
	if err != nil {
		return err
	}
	st := store.NewGorm(db, realtime.NewHub())
	if err := st.Migrate(); err != nil {
		return err
	}

	consents := consent.NewService(st)
	sharing, sc, err := consents.IsSharing(ctx, subjectID)
	if err != nil {
		return err
	}
	if !sharing {
		return errors.New("subject has not enabled location sharing")
	}

	client, err := sensor.Dial(sensor.MQTTConfig{
		Broker:   cfg.MQTTBroker,
		ClientID: "drmemo-tracker-" + subjectID.String(),
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
	})
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	dev, err := sensor.NewMQTT(client, cfg.MQTTTopicPrefix, subjectID)
	if err != nil {
		return err
	}
	defer dev.Close()

	tcfg := tracker.DefaultConfig().WithSettings(sc.UpdateIntervalSeconds, sc.AccuracyThresholdMeters)
	optedOut := make(chan struct{})
	var once sync.Once
	tr := tracker.New(dev, consents.Gate(st),
		tracker.WithConfig(tcfg),
		tracker.WithBattery(dev),
		tracker.WithOutcomeHook(func(o tracker.Outcome) {
			if o.Kind == tracker.OutcomeWriteFailed && errors.Is(o.Err, consent.ErrNotSharing) {
				once.Do(func() { close(optedOut) })
			}
		}),
	)
	if err := tr.Start(ctx, subjectID); err != nil {
		return err
	}
	defer tr.Stop()

	select {
	case <-ctx.Done():
		logrus.WithField("subject_id", subjectID).Info("Shutting down tracker...")
		return nil
	case <-optedOut:
		return errors.New("subject disabled location sharing")
	}
}
