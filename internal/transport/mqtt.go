package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/vesper-ai/vesper/internal/protocol"
)

const (
	mqttControlQoS   = 1
	mqttAudioQoS     = 0
	mqttPublishWait  = 5 * time.Second
	mqttDisconnectMs = 250
)

// MQTTConfig carries broker coordinates and the topic layout for the
// pub/sub carrier.
type MQTTConfig struct {
	Broker       string
	Username     string
	Password     string
	ClientID     string
	TopicPrefix  string
	HelloTimeout time.Duration
	AudioParams  protocol.AudioParams
}

// MQTT is the pub/sub carrier. Control messages travel on the
// control topic pair at QoS 1, audio on the audio pair at QoS 0.
type MQTT struct {
	cfg      MQTTConfig
	handlers Handlers

	mu        sync.Mutex
	client    mqtt.Client
	helloWait chan *protocol.Hello
	connected bool
}

func NewMQTT(cfg MQTTConfig, handlers Handlers) *MQTT {
	return &MQTT{cfg: cfg, handlers: handlers}
}

func (m *MQTT) topic(leaf string) string {
	return m.cfg.TopicPrefix + "/" + leaf
}

// Connect reaches the broker, subscribes to the downstream topics, and
// performs the hello handshake over the control pair.
func (m *MQTT) Connect(ctx context.Context) (*protocol.Hello, error) {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return nil, errors.New("transport: mqtt already connected")
	}
	helloWait := make(chan *protocol.Hello, 1)
	m.helloWait = helloWait
	m.mu.Unlock()

	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.Broker).
		SetClientID(m.cfg.ClientID).
		SetUsername(m.cfg.Username).
		SetPassword(m.cfg.Password).
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.lost(err)
		})

	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", m.cfg.Broker, err)
	}

	subs := map[string]struct {
		qos     byte
		handler mqtt.MessageHandler
	}{
		m.topic("control/down"): {mqttControlQoS, func(_ mqtt.Client, msg mqtt.Message) {
			m.onControlMessage(msg.Payload())
		}},
		m.topic("audio/down"): {mqttAudioQoS, func(_ mqtt.Client, msg mqtt.Message) {
			if m.handlers.OnAudio != nil {
				m.handlers.OnAudio(msg.Payload())
			}
		}},
	}
	for topic, sub := range subs {
		if err := waitToken(ctx, client.Subscribe(topic, sub.qos, sub.handler)); err != nil {
			client.Disconnect(mqttDisconnectMs)
			return nil, fmt.Errorf("mqtt subscribe %s: %w", topic, err)
		}
	}

	m.mu.Lock()
	m.client = client
	m.connected = true
	m.mu.Unlock()

	hello, err := m.handshake(ctx, client)
	if err != nil {
		m.Disconnect()
		return nil, err
	}
	return hello, nil
}

func (m *MQTT) handshake(ctx context.Context, client mqtt.Client) (*protocol.Hello, error) {
	raw, err := json.Marshal(protocol.NewClientHello("mqtt", m.cfg.AudioParams))
	if err != nil {
		return nil, err
	}
	if err := waitToken(ctx, client.Publish(m.topic("control/up"), mqttControlQoS, false, raw)); err != nil {
		return nil, fmt.Errorf("mqtt send hello: %w", err)
	}

	timer := time.NewTimer(m.cfg.HelloTimeout)
	defer timer.Stop()
	select {
	case hello := <-m.helloWait:
		return hello, nil
	case <-timer.C:
		return nil, errors.New("mqtt: server hello timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// onControlMessage routes the first hello to the waiting handshake and
// everything else to the control handler.
func (m *MQTT) onControlMessage(payload []byte) {
	m.mu.Lock()
	helloWait := m.helloWait
	m.mu.Unlock()
	if helloWait != nil {
		if msg, err := protocol.ParseServerMessage(payload); err == nil {
			if hello, ok := msg.(protocol.Hello); ok {
				m.mu.Lock()
				m.helloWait = nil
				m.mu.Unlock()
				helloWait <- &hello
				return
			}
		}
	}
	if m.handlers.OnControl != nil {
		m.handlers.OnControl(payload)
	}
}

func (m *MQTT) lost(err error) {
	m.mu.Lock()
	wasConnected := m.connected
	m.connected = false
	m.client = nil
	m.mu.Unlock()
	if wasConnected && m.handlers.OnDisconnect != nil {
		m.handlers.OnDisconnect(err)
	}
}

func (m *MQTT) Disconnect() error {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.connected = false
	m.mu.Unlock()
	if client == nil {
		return nil
	}
	client.Disconnect(mqttDisconnectMs)
	return nil
}

func (m *MQTT) SendControl(msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return m.publish(m.topic("control/up"), mqttControlQoS, raw)
}

func (m *MQTT) SendAudio(payload []byte) error {
	return m.publish(m.topic("audio/up"), mqttAudioQoS, payload)
}

func (m *MQTT) publish(topic string, qos byte, payload []byte) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	token := client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(mqttPublishWait) {
		return fmt.Errorf("mqtt publish %s: timed out", topic)
	}
	return token.Error()
}

func (m *MQTT) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// waitToken blocks on a paho token while honoring ctx cancellation.
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
