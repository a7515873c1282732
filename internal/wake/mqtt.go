package wake

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/reveille/internal/config"
	"github.com/harunnryd/reveille/internal/errors"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const DefaultBrokerPort = "1883"

// NormalizeBroker turns mqtt://, mqtts:// or a bare host[:port] into the
// scheme paho understands, adding the default port.
func NormalizeBroker(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.InvalidInput("broker url is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "tcp://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.InvalidInput(fmt.Sprintf("broker url %q: %v", raw, err))
	}
	switch u.Scheme {
	case "mqtt", "tcp":
		u.Scheme = "tcp"
	case "mqtts", "ssl", "tls":
		u.Scheme = "ssl"
	case "ws", "wss":
	default:
		return "", errors.InvalidInput(fmt.Sprintf("broker scheme %q", u.Scheme))
	}
	if u.Hostname() == "" {
		return "", errors.InvalidInput(fmt.Sprintf("broker url %q has no host", raw))
	}
	if u.Port() == "" && u.Scheme == "tcp" {
		u.Host = net.JoinHostPort(u.Hostname(), DefaultBrokerPort)
	}
	u.User = nil
	return u.String(), nil
}

// MQTTPublisher publishes with QoS 1 over a lazily connected paho client.
type MQTTPublisher struct {
	opts           *mqtt.ClientOptions
	publishTimeout time.Duration
	connectTimeout time.Duration

	mu     sync.Mutex
	client mqtt.Client
}

func NewMQTTPublisher(cfg config.WakeConfig) (*MQTTPublisher, error) {
	broker, err := NormalizeBroker(cfg.Broker)
	if err != nil {
		return nil, err
	}
	publishTimeout, err := config.DurationOrDefault(cfg.PublishTimeout, config.DefaultWakePublishTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse publish timeout: %w", err)
	}
	connectTimeout, err := config.DurationOrDefault(cfg.ConnectTimeout, config.DefaultWakeConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse connect timeout: %w", err)
	}

	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		clientID = config.DefaultWakeClientID
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetCleanSession(true)
	if u, err := url.Parse(strings.TrimSpace(cfg.Broker)); err == nil && u.User != nil {
		opts.SetUsername(u.User.Username())
		if pw, ok := u.User.Password(); ok {
			opts.SetPassword(pw)
		}
	}

	return &MQTTPublisher{opts: opts, publishTimeout: publishTimeout, connectTimeout: connectTimeout}, nil
}

func (p *MQTTPublisher) connect(ctx context.Context) (mqtt.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.client.IsConnected() {
		return p.client, nil
	}

	client := mqtt.NewClient(p.opts)
	if err := wait(ctx, client.Connect(), p.connectTimeout); err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	p.client = client
	slog.Info("Connected to MQTT broker", "client_id", p.opts.ClientID)
	return client, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	client, err := p.connect(ctx)
	if err != nil {
		return err
	}
	if err := wait(ctx, client.Publish(topic, 1, false, payload), p.publishTimeout); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (p *MQTTPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Disconnect(250)
		p.client = nil
	}
	return nil
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return errors.Wrap(errors.ErrTransient, err.Error())
		}
		return nil
	case <-timer.C:
		return errors.Transient(fmt.Sprintf("broker did not acknowledge within %s", timeout))
	case <-ctx.Done():
		return ctx.Err()
	}
}
