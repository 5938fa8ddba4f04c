// Package bus connects spectacle to the robot's shared pub/sub state. It
// publishes tracking status, pose and manager state, and delivers runtime
// option changes to a listener.
package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/relabs-tech/spectacle/internal/config"
	"github.com/relabs-tech/spectacle/internal/orientation"
)

// Topics builds the topic names under a common prefix.
type Topics struct {
	Prefix string
}

func (t Topics) Status() string { return t.Prefix + "/status" }
func (t Topics) Pose() string   { return t.Prefix + "/pose" }
func (t Topics) State() string  { return t.Prefix + "/state" }

// Config returns the topic carrying option key.
func (t Topics) Config(key string) string { return t.Prefix + "/config/" + key }

// ConfigFilter matches every option topic.
func (t Topics) ConfigFilter() string { return t.Prefix + "/config/+" }

// ConfigKey extracts the option key from an option topic.
func (t Topics) ConfigKey(topic string) (string, bool) {
	key, ok := strings.CutPrefix(topic, t.Prefix+"/config/")
	if !ok || key == "" || strings.Contains(key, "/") {
		return "", false
	}
	return key, true
}

// Notification is one option change as received from the bus. The value is
// kept raw until the listener decodes it, so an unsupported type tag still
// reaches the listener and can be reported there.
type Notification struct {
	Key  string
	Type string
	Raw  json.RawMessage
}

// Value decodes the notification payload using its type tag.
func (n Notification) Value() (config.Value, error) {
	return config.ValueFromJSON(n.Type, n.Raw)
}

// envelope is the payload of an option topic.
type envelope struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// EncodeOption builds the payload for an option topic.
func EncodeOption(v config.Value) ([]byte, error) {
	raw, err := config.ValueJSON(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: v.Kind().String(), Value: raw})
}

// DecodeOption parses the payload of an option topic.
func DecodeOption(key string, payload []byte) (Notification, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Notification{}, fmt.Errorf("bus: option %q: %w", key, err)
	}
	if env.Type == "" {
		return Notification{}, fmt.Errorf("bus: option %q: missing type", key)
	}
	return Notification{Key: key, Type: env.Type, Raw: env.Value}, nil
}

// PoseMessage is the pose payload on the pose topic.
type PoseMessage struct {
	orientation.Pose
	Generation uint64 `json:"generation"`
	Timestamp  int64  `json:"ts_ns"`
}

// StatusPayload is the payload on the status topic.
func StatusPayload(tracking bool) []byte {
	if tracking {
		return []byte("true")
	}
	return []byte("false")
}

// Publisher sends worker output and manager state.
type Publisher interface {
	PublishStatus(tracking bool) error
	PublishPose(msg PoseMessage) error
	PublishState(state any) error
	// PublishOption advertises the current value of an option.
	PublishOption(key string, v config.Value) error
}

// Watcher delivers option changes. fn must not block for long; it runs on
// the bus client's delivery path.
type Watcher interface {
	Watch(fn func(Notification)) (Registration, error)
}

// Registration ends a Watch.
type Registration interface {
	Unregister() error
}

// Bus is a Publisher that is also a Watcher.
type Bus interface {
	Publisher
	Watcher
	Close() error
}

// PoseSink publishes every pose of one worker generation: the tracking
// status first, then the pose itself.
type PoseSink struct {
	Publisher  Publisher
	Generation uint64
	Now        func() time.Time
}

func (s PoseSink) Publish(p orientation.Pose) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if err := s.Publisher.PublishStatus(p.Tracking); err != nil {
		return fmt.Errorf("bus: publish status: %w", err)
	}
	msg := PoseMessage{Pose: p, Generation: s.Generation, Timestamp: now().UnixNano()}
	if err := s.Publisher.PublishPose(msg); err != nil {
		return fmt.Errorf("bus: publish pose: %w", err)
	}
	return nil
}

// Advertise publishes the value of every option in cfg, so consumers can
// discover the options and their current values.
func Advertise(p Publisher, cfg config.Configuration) error {
	for _, e := range cfg.Entries() {
		if err := p.PublishOption(e.Key, e.Value); err != nil {
			return fmt.Errorf("bus: advertise %s: %w", e.Key, err)
		}
	}
	return nil
}
