package mqttclient

import (
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/snarg/commcoach/internal/events"
	"github.com/snarg/commcoach/internal/metrics"
)

const publishTimeout = 5 * time.Second

var errPublishTimeout = errors.New("mqtt publish timed out")

// Client mirrors coaching events to an MQTT broker. It only publishes.
type Client struct {
	conn        mqtt.Client
	topicPrefix string
	connected   atomic.Bool
	log         zerolog.Logger

	publish func(topic string, payload []byte) error
}

type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Log         zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		topicPrefix: strings.Trim(opts.TopicPrefix, "/"),
		log:         opts.Log,
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	c.publish = c.publishConn
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) onConnect(_ mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Str("prefix", c.topicPrefix).Msg("mqtt connected")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (c *Client) publishConn(topic string, payload []byte) error {
	token := c.conn.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errPublishTimeout
	}
	return token.Error()
}

// message is the mirrored form of an event. Owner identity is not published.
type message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	ClipID    string          `json:"clip_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Topic returns the topic an event type is published on.
func (c *Client) Topic(eventType string) string {
	if c.topicPrefix == "" {
		return "events/" + eventType
	}
	return c.topicPrefix + "/events/" + eventType
}

// Mirror publishes an event. It is an events.Sink and never blocks the bus
// for longer than the publish timeout.
func (c *Client) Mirror(e events.Event) {
	payload, err := json.Marshal(message{
		ID:        e.ID,
		Type:      e.Type,
		Timestamp: e.Timestamp,
		ClipID:    e.ClipID,
		Data:      e.Data,
	})
	if err != nil {
		return
	}
	if err := c.publish(c.Topic(e.Type), payload); err != nil {
		metrics.MQTTPublishedTotal.WithLabelValues("error").Inc()
		c.log.Warn().Err(err).Str("type", e.Type).Msg("mqtt publish failed")
		return
	}
	metrics.MQTTPublishedTotal.WithLabelValues("ok").Inc()
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	if c.conn != nil {
		c.conn.Disconnect(1000)
	}
}
