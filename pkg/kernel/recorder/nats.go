package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/ormasoftchile/syrin/pkg/kernel/events"
)

// Publisher is the part of *nats.Conn the NATS sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes envelopes on <prefix>.<session_id>.<event_type>.
type NATSSink struct {
	pub    Publisher
	prefix string
	conn   *nats.Conn // set when the sink owns the connection
}

// NewNATSSink wraps an existing publisher.
func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "syrin.events"
	}
	return &NATSSink{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

// DialNATS connects to url and returns a sink that owns the connection.
func DialNATS(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("syrin-recorder"))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	s := NewNATSSink(nc, prefix)
	s.conn = nc
	return s, nil
}

// Subject returns the subject an envelope is published on.
func (s *NATSSink) Subject(env events.Envelope) string {
	return s.prefix + "." + string(env.SessionID) + "." + string(env.Type)
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Write(_ context.Context, env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return s.pub.Publish(s.Subject(env), data)
}

func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}
