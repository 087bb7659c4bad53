package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
	"github.com/urmzd/licd/pkg/device"
)

const (
	connectTimeout  = 10 * time.Second
	publishTimeout  = 5 * time.Second
	disconnectQuiet = 250 // milliseconds
	keepAlive       = 60 * time.Second
)

var (
	ErrConnectionFailed = errors.New("mqtt connection failed")
	ErrPublishTimeout   = errors.New("mqtt publish timed out")
)

// publisher is the part of a paho client the Publisher uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
	Disconnect(quiesce uint)
}

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	Broker   string // e.g. tcp://localhost:1883
	ClientID string
	Username string
	Password string
	Prefix   string // topic prefix, default "licd"
	QoS      byte
}

// Publisher publishes discovery events as JSON to <prefix>/events/<type>.
type Publisher struct {
	client publisher
	prefix string
	qos    byte
}

// eventPayload is the JSON body of a published event.
type eventPayload struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	Address   string    `json:"address,omitempty"`
	UUID      uint32    `json:"uuid,omitempty"`
	Flags     uint32    `json:"flags,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DialMQTT connects to the broker and returns a Publisher. The connection
// reconnects on its own after the first success.
func DialMQTT(opts MQTTOptions) (*Publisher, error) {
	if opts.ClientID == "" {
		opts.ClientID = "licd"
	}

	po := pahomqtt.NewClientOptions()
	po.AddBroker(opts.Broker)
	po.SetClientID(opts.ClientID)
	if opts.Username != "" {
		po.SetUsername(opts.Username)
		po.SetPassword(opts.Password)
	}
	po.SetCleanSession(true)
	po.SetAutoReconnect(true)
	po.SetConnectTimeout(connectTimeout)
	po.SetKeepAlive(keepAlive)
	po.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", opts.Broker).Msg("MQTT connection lost")
	})
	po.SetOnConnectHandler(func(_ pahomqtt.Client) {
		log.Info().Str("broker", opts.Broker).Msg("MQTT connected")
	})

	client := pahomqtt.NewClient(po)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return newPublisher(client, opts.Prefix, opts.QoS), nil
}

func newPublisher(client publisher, prefix string, qos byte) *Publisher {
	if prefix == "" {
		prefix = "licd"
	}
	if qos > 2 {
		qos = 2
	}
	return &Publisher{client: client, prefix: prefix, qos: qos}
}

// Topic returns the topic an event type is published on.
func (p *Publisher) Topic(eventType string) string {
	return p.prefix + "/events/" + eventType
}

// Handle implements Sink.
func (p *Publisher) Handle(_ context.Context, evt device.DiscoveryEvent) error {
	payload := eventPayload{Type: evt.Type, Timestamp: evt.Timestamp.UTC()}
	if d := evt.Device; d != nil {
		payload.ID = d.ID
		payload.UUID = d.UUID
		payload.Flags = d.Flags
		if d.Address.Valid() {
			payload.Address = d.Address.String()
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	token := p.client.Publish(p.Topic(evt.Type), p.qos, false, body)
	if !token.WaitTimeout(publishTimeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(disconnectQuiet)
}
