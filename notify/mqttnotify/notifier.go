// Package mqttnotify publishes anomaly alerts to the building-security MQTT
// bus so control-room consoles and door controllers can react.
package mqttnotify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/MrEthical07/sessionguard/anomaly"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 60 * time.Second
	disconnectQuiesce     = 250 // milliseconds
)

var (
	// ErrConnectionFailed is returned when the broker cannot be reached.
	ErrConnectionFailed = errors.New("mqtt connection failed")
	// ErrPublishTimeout is returned when the broker does not acknowledge in time.
	ErrPublishTimeout = errors.New("mqtt publish timeout")
)

// Config describes the broker and topic layout.
type Config struct {
	BrokerURL      string        `yaml:"broker_url"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            byte          `yaml:"qos"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// Publisher is the subset of the paho client the notifier uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// Notifier implements anomaly.Notifier over MQTT.
type Notifier struct {
	pub    Publisher
	cfg    Config
	client pahomqtt.Client
}

var _ anomaly.Notifier = (*Notifier)(nil)

// Connect dials the broker and returns a Notifier owning the connection.
func Connect(cfg Config) (*Notifier, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	if strings.HasPrefix(cfg.BrokerURL, "ssl://") || strings.HasPrefix(cfg.BrokerURL, "tls://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	client := pahomqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	n := New(client, cfg)
	n.client = client
	return n, nil
}

// New returns a Notifier publishing through pub.
func New(pub Publisher, cfg Config) *Notifier {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "sessionguard/alerts"
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	return &Notifier{pub: pub, cfg: cfg}
}

// Topic returns the topic an alert is published on:
// {prefix}/{severity}/{pattern}.
func (n *Notifier) Topic(a anomaly.Alert) string {
	return n.cfg.TopicPrefix + "/" + string(a.Severity) + "/" + a.Pattern
}

// Notify publishes a as JSON and waits for the broker acknowledgement.
func (n *Notifier) Notify(ctx context.Context, a anomaly.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	tok := n.pub.Publish(n.Topic(a), n.cfg.QoS, false, payload)
	timer := time.NewTimer(n.cfg.PublishTimeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects a Notifier created by Connect.
func (n *Notifier) Close() {
	if n.client != nil && n.client.IsConnected() {
		n.client.Disconnect(disconnectQuiesce)
	}
}
