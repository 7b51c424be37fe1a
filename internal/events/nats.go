package events

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"ocpihub.org/internal/obs"
)

// Publisher is the slice of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Envelope is the NATS message body.
type Envelope struct {
	Topic string    `json:"topic"`
	At    time.Time `json:"at"`
	Event Event     `json:"event"`
}

// NATSBridge republishes every bus event on NATS under prefix + "." + topic.
type NATSBridge struct {
	pub    Publisher
	prefix string
	now    func() time.Time
}

// NewNATSBridge creates a bridge. An empty prefix defaults to "ocpi".
func NewNATSBridge(pub Publisher, prefix string) *NATSBridge {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "ocpi"
	}
	return &NATSBridge{pub: pub, prefix: prefix, now: time.Now}
}

// Subject returns the NATS subject an event is published on.
func (n *NATSBridge) Subject(evt Event) string {
	return n.prefix + "." + evt.Topic()
}

// Forward publishes a single event.
func (n *NATSBridge) Forward(evt Event) error {
	if n == nil || n.pub == nil {
		return errors.New("nats bridge not configured")
	}
	data, err := json.Marshal(Envelope{Topic: evt.Topic(), At: n.now().UTC(), Event: evt})
	if err != nil {
		return err
	}
	return n.pub.Publish(n.Subject(evt), data)
}

// Attach subscribes the bridge to bus and returns the detach function.
// Publish failures are logged and never reach the publisher of the event.
func (n *NATSBridge) Attach(bus *Bus) (detach func()) {
	return bus.Subscribe(func(evt Event) {
		if err := n.Forward(evt); err != nil {
			obs.Error("nats publish failed", err, map[string]any{"subject": n.Subject(evt)})
		}
	})
}

// ConnectNATS dials the broker with reconnects enabled.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("nats url is required")
	}
	return nats.Connect(url,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				obs.Warn("nats disconnected", map[string]any{"error": err.Error()})
			}
		}),
	)
}
