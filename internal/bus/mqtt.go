// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/spectacle/internal/config"
)

var ErrNotConnected = errors.New("bus: mqtt not connected")

// MQTTOptions configure an MQTT bus.
type MQTTOptions struct {
	Topics Topics
	QoS    byte
	// Timeout bounds every publish, subscribe and unsubscribe.
	Timeout time.Duration
	Logger  *slog.Logger
}

// MQTT is a Bus over an MQTT broker. Status and pose are published without
// the retained flag so every sample reaches subscribers; state and option
// values are retained so late subscribers see the current value.
type MQTT struct {
	client mqtt.Client
	opts   MQTTOptions
	log    *slog.Logger

	mu      sync.Mutex
	watches map[*mqttWatch]struct{}
}

func NewMQTT(client mqtt.Client, opts MQTTOptions) *MQTT {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &MQTT{
		client:  client,
		opts:    opts,
		log:     opts.Logger,
		watches: make(map[*mqttWatch]struct{}),
	}
}

// BrokerOptions select the broker DialMQTT connects to.
type BrokerOptions struct {
	URL            string
	ClientID       string
	ConnectTimeout time.Duration
}

// DialMQTT connects to the broker with automatic reconnection. Watches are
// re-established on every reconnect.
func DialMQTT(ctx context.Context, broker BrokerOptions, opts MQTTOptions) (*MQTT, error) {
	m := NewMQTT(nil, opts)

	co := mqtt.NewClientOptions().
		AddBroker(broker.URL).
		SetClientID(broker.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectTimeout(broker.ConnectTimeout)

	co.SetOnConnectHandler(func(mqtt.Client) {
		m.log.Info("mqtt connection established", "broker", broker.URL, "client_id", broker.ClientID)
		m.resubscribe()
	})
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.log.Warn("mqtt connection lost, will auto-reconnect", "broker", broker.URL, "error", err)
	})

	m.client = mqtt.NewClient(co)
	m.log.Info("connecting to mqtt broker", "broker", broker.URL)

	token := m.client.Connect()
	timeout := broker.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-token.Done():
	case <-time.After(timeout):
		m.client.Disconnect(0)
		return nil, fmt.Errorf("bus: mqtt connection to %s timed out", broker.URL)
	case <-ctx.Done():
		m.client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("bus: mqtt connection failed: %w", err)
	}
	return m, nil
}

func (m *MQTT) publish(topic string, retained bool, payload []byte) error {
	if !m.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := m.client.Publish(topic, m.opts.QoS, retained, payload)
	if !token.WaitTimeout(m.opts.Timeout) {
		return fmt.Errorf("bus: publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", topic, err)
	}
	return nil
}

func (m *MQTT) PublishStatus(tracking bool) error {
	return m.publish(m.opts.Topics.Status(), false, StatusPayload(tracking))
}

func (m *MQTT) PublishPose(msg PoseMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: encode pose: %w", err)
	}
	return m.publish(m.opts.Topics.Pose(), false, payload)
}

func (m *MQTT) PublishState(state any) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("bus: encode state: %w", err)
	}
	return m.publish(m.opts.Topics.State(), true, payload)
}

func (m *MQTT) PublishOption(key string, v config.Value) error {
	payload, err := EncodeOption(v)
	if err != nil {
		return err
	}
	return m.publish(m.opts.Topics.Config(key), true, payload)
}

type mqttWatch struct {
	m  *MQTT
	fn func(Notification)
}

// Watch subscribes to every option topic. Retained option values are
// delivered right after subscribing.
func (m *MQTT) Watch(fn func(Notification)) (Registration, error) {
	w := &mqttWatch{m: m, fn: fn}

	m.mu.Lock()
	first := len(m.watches) == 0
	m.watches[w] = struct{}{}
	m.mu.Unlock()

	if first {
		if err := m.subscribe(); err != nil {
			m.mu.Lock()
			delete(m.watches, w)
			m.mu.Unlock()
			return nil, err
		}
		m.log.Info("watching runtime options", "topic", m.opts.Topics.ConfigFilter())
	}
	return w, nil
}

func (m *MQTT) subscribe() error {
	filter := m.opts.Topics.ConfigFilter()
	token := m.client.Subscribe(filter, m.opts.QoS, m.dispatch)
	if !token.WaitTimeout(m.opts.Timeout) {
		return fmt.Errorf("bus: subscribe %s: timeout", filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", filter, err)
	}
	return nil
}

func (m *MQTT) resubscribe() {
	m.mu.Lock()
	active := len(m.watches) > 0
	m.mu.Unlock()
	if !active {
		return
	}
	if err := m.subscribe(); err != nil {
		m.log.Error("failed to restore option subscription", "error", err)
	}
}

func (m *MQTT) dispatch(_ mqtt.Client, msg mqtt.Message) {
	key, ok := m.opts.Topics.ConfigKey(msg.Topic())
	if !ok {
		return
	}
	n, err := DecodeOption(key, msg.Payload())
	if err != nil {
		m.log.Warn("ignoring malformed option message", "topic", msg.Topic(), "error", err)
		return
	}

	m.mu.Lock()
	fns := make([]func(Notification), 0, len(m.watches))
	for w := range m.watches {
		fns = append(fns, w.fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(n)
	}
}

func (w *mqttWatch) Unregister() error {
	m := w.m
	m.mu.Lock()
	_, ok := m.watches[w]
	delete(m.watches, w)
	remaining := len(m.watches)
	m.mu.Unlock()
	if !ok || remaining > 0 {
		return nil
	}
	if !m.client.IsConnectionOpen() {
		return nil
	}

	filter := m.opts.Topics.ConfigFilter()
	token := m.client.Unsubscribe(filter)
	if !token.WaitTimeout(m.opts.Timeout) {
		return fmt.Errorf("bus: unsubscribe %s: timeout", filter)
	}
	return token.Error()
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
		m.log.Info("mqtt disconnected")
	}
	return nil
}
