package sensor

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// brokerConnectLimit bounds how long Dial waits for the broker.
const brokerConnectLimit = 60 * time.Second

const opTimeout = 10 * time.Second

type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Dial connects to the broker.
func Dial(cfg MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logrus.WithError(err).Warn("MQTT connection lost.")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(brokerConnectLimit) {
		return nil, fmt.Errorf("mqtt: broker %s did not answer within %s", cfg.Broker, brokerConnectLimit)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, err)
	}
	return client, nil
}

// Topics for one subject under prefix.
type Topics struct {
	Fix        string
	Permission string
	Request    string
}

func TopicsFor(prefix string, subjectID uuid.UUID) Topics {
	base := fmt.Sprintf("%s/%s", prefix, subjectID)
	return Topics{
		Fix:        base + "/fix",
		Permission: base + "/permission",
		Request:    base + "/request",
	}
}

// MQTT is a Stream fed from broker topics. Commands to the device are
// published on the request topic.
type MQTT struct {
	*Stream
	client mqtt.Client
	topics Topics
}

// NewMQTT subscribes to the subject's fix and permission topics.
func NewMQTT(client mqtt.Client, prefix string, subjectID uuid.UUID) (*MQTT, error) {
	topics := TopicsFor(prefix, subjectID)
	m := &MQTT{client: client, topics: topics}
	m.Stream = NewStream(m.publish)

	if err := wait(client.Subscribe(topics.Fix, 1, m.handler(FrameFix))); err != nil {
		return nil, fmt.Errorf("mqtt: subscribe %s: %w", topics.Fix, err)
	}
	if err := wait(client.Subscribe(topics.Permission, 1, m.handler(FramePermission))); err != nil {
		client.Unsubscribe(topics.Fix)
		return nil, fmt.Errorf("mqtt: subscribe %s: %w", topics.Permission, err)
	}
	logrus.WithFields(logrus.Fields{
		"subject_id": subjectID,
		"fix_topic":  topics.Fix,
	}).Info("MQTT sensor subscribed.")
	return m, nil
}

// handler decodes a frame; a frame without a type takes the topic's default.
func (m *MQTT) handler(defaultType string) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		var f Frame
		if err := json.Unmarshal(msg.Payload(), &f); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"topic":   msg.Topic(),
				"payload": string(msg.Payload()),
			}).Warn("Dropping malformed device frame.")
			return
		}
		if f.Type == "" {
			f.Type = defaultType
		}
		m.Push(f)
	}
}

func (m *MQTT) publish(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return wait(m.client.Publish(m.topics.Request, 1, false, b))
}

// Close unsubscribes and closes the underlying stream.
func (m *MQTT) Close() error {
	m.Stream.Close()
	return wait(m.client.Unsubscribe(m.topics.Fix, m.topics.Permission))
}

func wait(t mqtt.Token) error {
	if !t.WaitTimeout(opTimeout) {
		return fmt.Errorf("mqtt: operation timed out after %s", opTimeout)
	}
	return t.Error()
}
