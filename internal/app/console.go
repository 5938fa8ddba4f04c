package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/spectacle/internal/bus"
	"github.com/relabs-tech/spectacle/internal/lifecycle"
)

// Console prints what spectacle publishes.
type Console struct {
	out    io.Writer
	topics bus.Topics
	log    *slog.Logger
}

func NewConsole(out io.Writer, topics bus.Topics, log *slog.Logger) *Console {
	if log == nil {
		log = slog.Default()
	}
	return &Console{out: out, topics: topics, log: log}
}

// Handle prints one message received on topic.
func (c *Console) Handle(topic string, payload []byte) {
	switch topic {
	case c.topics.Status():
		fmt.Fprintf(c.out, "[STAT]  tracking=%s\n", payload)

	case c.topics.Pose():
		var p bus.PoseMessage
		if err := json.Unmarshal(payload, &p); err != nil {
			c.log.Warn("console: pose unmarshal error", "error", err)
			return
		}
		fmt.Fprintf(c.out,
			"[POSE]  gen=%d  X=%7.3f Y=%7.3f Z=%7.3f  ROLL=%7.2f PITCH=%7.2f YAW=%7.2f\n",
			p.Generation, p.Position.X, p.Position.Y, p.Position.Z,
			deg(p.Roll), deg(p.Pitch), deg(p.Yaw))

	case c.topics.State():
		var st lifecycle.Status
		if err := json.Unmarshal(payload, &st); err != nil {
			c.log.Warn("console: state unmarshal error", "error", err)
			return
		}
		line := fmt.Sprintf("[STATE] %s gen=%d", st.State, st.Generation)
		if st.SessionID != "" {
			line += " session=" + st.SessionID
		}
		if st.Degraded {
			line += " DEGRADED: " + st.LastError
		}
		fmt.Fprintln(c.out, line)

	default:
		if key, ok := c.topics.ConfigKey(topic); ok {
			fmt.Fprintf(c.out, "[CONF]  %s=%s\n", key, payload)
		}
	}
}

func deg(rad float64) float64 { return rad * 180 / math.Pi }

// ConsoleOptions configure RunPoseConsole.
type ConsoleOptions struct {
	BrokerURL string
	ClientID  string
	Topics    bus.Topics
	Out       io.Writer
	Logger    *slog.Logger
}

// RunPoseConsole subscribes to every spectacle topic and prints what
// arrives until ctx is cancelled.
func RunPoseConsole(ctx context.Context, opts ConsoleOptions) error {
	c := NewConsole(opts.Out, opts.Topics, opts.Logger)

	mo := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true)
	client := mqtt.NewClient(mo)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("console: connect to %s: %w", opts.BrokerURL, token.Error())
	}
	defer client.Disconnect(250)
	c.log.Info("console: connected to MQTT broker", "broker", opts.BrokerURL)

	filters := map[string]byte{
		opts.Topics.Status():       0,
		opts.Topics.Pose():         0,
		opts.Topics.State():        0,
		opts.Topics.ConfigFilter(): 0,
	}
	token := client.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		c.Handle(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("console: subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("console: subscribe: %w", err)
	}
	c.log.Info("console: subscribed", "prefix", opts.Topics.Prefix)

	<-ctx.Done()
	c.log.Info("console: shutting down")
	return nil
}
