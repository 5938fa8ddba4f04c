package bus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/relabs-tech/spectacle/internal/config"
)

// Message is one publish recorded by a Memory bus.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Memory is an in-process Bus. It records every publish and lets the caller
// inject option changes, which makes it the bus of test mode and of tests.
type Memory struct {
	topics Topics

	mu       sync.Mutex
	messages []Message
	retained map[string][]byte
	watches  map[*memoryWatch]struct{}
	closed   bool
	failWith error
}

func NewMemory(topics Topics) *Memory {
	return &Memory{
		topics:   topics,
		retained: make(map[string][]byte),
		watches:  make(map[*memoryWatch]struct{}),
	}
}

// FailPublishes makes every later publish return err. A nil err restores
// normal operation.
func (m *Memory) FailPublishes(err error) {
	m.mu.Lock()
	m.failWith = err
	m.mu.Unlock()
}

func (m *Memory) record(topic string, retained bool, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotConnected
	}
	if m.failWith != nil {
		return m.failWith
	}
	m.messages = append(m.messages, Message{Topic: topic, Payload: payload, Retained: retained})
	if retained {
		m.retained[topic] = payload
	}
	return nil
}

func (m *Memory) PublishStatus(tracking bool) error {
	return m.record(m.topics.Status(), false, StatusPayload(tracking))
}

func (m *Memory) PublishPose(msg PoseMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: encode pose: %w", err)
	}
	return m.record(m.topics.Pose(), false, payload)
}

func (m *Memory) PublishState(state any) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("bus: encode state: %w", err)
	}
	return m.record(m.topics.State(), true, payload)
}

// PublishOption records the value as retained. Watchers are not notified;
// a bus does not echo a client's own option writes back to it.
func (m *Memory) PublishOption(key string, v config.Value) error {
	payload, err := EncodeOption(v)
	if err != nil {
		return err
	}
	return m.record(m.topics.Config(key), true, payload)
}

type memoryWatch struct {
	m  *Memory
	fn func(Notification)
}

func (w *memoryWatch) Unregister() error {
	w.m.mu.Lock()
	delete(w.m.watches, w)
	w.m.mu.Unlock()
	return nil
}

func (m *Memory) Watch(fn func(Notification)) (Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrNotConnected
	}
	w := &memoryWatch{m: m, fn: fn}
	m.watches[w] = struct{}{}
	return w, nil
}

// Inject delivers an option change to every watcher, as if another client
// had published it. It reports how many watchers received it.
func (m *Memory) Inject(n Notification) int {
	m.mu.Lock()
	fns := make([]func(Notification), 0, len(m.watches))
	for w := range m.watches {
		fns = append(fns, w.fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(n)
	}
	return len(fns)
}

// InjectValue is Inject for a typed value.
func (m *Memory) InjectValue(key string, v config.Value) (int, error) {
	raw, err := config.ValueJSON(v)
	if err != nil {
		return 0, err
	}
	return m.Inject(Notification{Key: key, Type: v.Kind().String(), Raw: raw}), nil
}

// Messages returns every publish recorded so far, optionally only those on
// topic.
func (m *Memory) Messages(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.messages {
		if topic == "" || msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// Retained returns the retained payload of topic.
func (m *Memory) Retained(topic string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.retained[topic]
	return p, ok
}

// Watchers reports the number of active watches.
func (m *Memory) Watchers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
