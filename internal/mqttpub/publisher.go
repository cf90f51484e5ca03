// Package mqttpub mirrors task status onto an MQTT broker.
//
// Every task has a retained topic <prefix>/bgp/<id> holding its latest
// snapshot as JSON; removal clears it with an empty retained payload.
// <prefix>/status carries "online"/"offline", with a last will for crashes.
package mqttpub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"homebgp/internal/bgp"
	"homebgp/internal/eventbus"
	"homebgp/pkg/logx"
)

const (
	defaultPrefix         = "homebgp"
	defaultConnectTimeout = 10 * time.Second
	publishTimeout        = 5 * time.Second
	disconnectQuiesceMS   = 250
	keepAlive             = 60 * time.Second
)

var (
	ErrNotConnected  = errors.New("mqtt: client not connected")
	ErrConnectFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed = errors.New("mqtt: publish failed")
)

type Config struct {
	Broker         string // tcp://host:1883, ssl://host:8883
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	c.TopicPrefix = strings.Trim(strings.TrimSpace(c.TopicPrefix), "/")
	if c.TopicPrefix == "" {
		c.TopicPrefix = defaultPrefix
	}
	if c.ClientID == "" {
		c.ClientID = "homebgp"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	return c
}

// Conn is the part of a paho client the publisher uses.
type Conn interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
	Disconnect(quiesce uint)
}

type Publisher struct {
	cfg  Config
	conn Conn
	log  logx.Logger
}

// Connect dials the broker. Reconnects are left to paho.
func Connect(cfg Config, log logx.Logger) (*Publisher, error) {
	cfg = cfg.withDefaults()
	p := &Publisher{cfg: cfg, log: log}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2*time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetKeepAlive(keepAlive).
		SetWill(p.statusTopic(), "offline", 1, true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		log.Info("mqtt.connected", logx.String("broker", cfg.Broker))
		c.Publish(p.statusTopic(), 1, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn("mqtt.connection_lost", logx.String("broker", cfg.Broker), logx.Err(err))
	})

	client := pahomqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(cfg.ConnectTimeout) {
		// ConnectRetry keeps trying in the background.
		log.Warn("mqtt.connect_pending", logx.String("broker", cfg.Broker), logx.Duration("waited", cfg.ConnectTimeout))
	} else if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	p.conn = client
	return p, nil
}

// New wraps an existing connection.
func New(cfg Config, conn Conn, log logx.Logger) *Publisher {
	return &Publisher{cfg: cfg.withDefaults(), conn: conn, log: log}
}

func (p *Publisher) statusTopic() string { return p.cfg.TopicPrefix + "/status" }

// TaskTopic returns the retained topic of a task. MQTT wildcards and
// separators in the id are replaced.
func (p *Publisher) TaskTopic(id string) string {
	return p.cfg.TopicPrefix + "/bgp/" + topicSafe.Replace(id)
}

var topicSafe = strings.NewReplacer("/", "_", "+", "_", "#", "_")

// Run mirrors bus events until ctx is done.
func (p *Publisher) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := p.Handle(e); err != nil {
				p.log.Debug("mqtt.publish_failed", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

// Handle publishes one bus event. Unknown event types are ignored.
func (p *Publisher) Handle(e eventbus.Event) error {
	switch e.Type {
	case eventbus.TypeStatus:
		ev, ok := e.Data.(bgp.StatusEvent)
		if !ok {
			return nil
		}
		if ev.Removed {
			return p.publish(p.TaskTopic(ev.ID), true, []byte{})
		}
		if ev.Snapshot.Hidden {
			return nil
		}
		payload, err := json.Marshal(ev.Snapshot)
		if err != nil {
			return err
		}
		return p.publish(p.TaskTopic(ev.ID), true, payload)
	case eventbus.TypeCancelTimeout:
		cte, ok := e.Data.(*bgp.CancellationTimeoutError)
		if !ok {
			return nil
		}
		payload, err := json.Marshal(map[string]any{
			"task":      cte.TaskID,
			"grace_ms":  cte.Grace.Milliseconds(),
			"timestamp": e.Time.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		return p.publish(p.cfg.TopicPrefix+"/events/cancel_timeout", false, payload)
	}
	return nil
}

func (p *Publisher) publish(topic string, retained bool, payload []byte) error {
	if !p.conn.IsConnected() {
		return ErrNotConnected
	}
	tok := p.conn.Publish(topic, p.cfg.QoS, retained, payload)
	if !tok.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: %s: timeout after %s", ErrPublishFailed, topic, publishTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// Close publishes the graceful "offline" status and disconnects.
func (p *Publisher) Close() {
	if p.conn == nil {
		return
	}
	if p.conn.IsConnected() {
		tok := p.conn.Publish(p.statusTopic(), 1, true, "offline")
		tok.WaitTimeout(publishTimeout)
	}
	p.conn.Disconnect(disconnectQuiesceMS)
	p.log.Info("mqtt.disconnected", logx.String("broker", p.cfg.Broker))
}
