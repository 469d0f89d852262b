/*
 * wahost
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"

	"github.com/gravitational/wahost"
	"github.com/gravitational/wahost/lib/session"
)

// NATSConfig configures the JetStream-backed emitter.
type NATSConfig struct {
	// URL is the NATS server URL.
	URL string
	// StreamName is the JetStream stream receiving all topics.
	StreamName string
	// SubjectPrefix prefixes every subject, default "wa".
	SubjectPrefix string
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
	// Log is the component logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the configuration.
func (c *NATSConfig) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("missing parameter URL")
	}
	if c.StreamName == "" {
		c.StreamName = "WAHOST_EVENTS"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "wa"
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(wahost.ComponentKey, wahost.ComponentBus)
	}
	return nil
}

// NATS publishes events to a JetStream stream, giving durable
// at-least-once delivery to consumers.
type NATS struct {
	cfg  NATSConfig
	conn *nats.Conn
	js   nats.JetStreamContext
}

// NewNATS connects to NATS and ensures the event stream exists.
func NewNATS(cfg NATSConfig) (*NATS, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	conn, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "connecting to NATS at %v", cfg.URL)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, trace.Wrap(err)
	}
	// Idempotent stream provisioning: AddStream succeeds when the
	// stream already exists with a compatible configuration.
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   nats.FileStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		conn.Close()
		return nil, trace.Wrap(err, "provisioning stream %v", cfg.StreamName)
	}
	return &NATS{cfg: cfg, conn: conn, js: js}, nil
}

// Publish implements Emitter.
func (n *NATS) Publish(ctx context.Context, key session.Key, topic string, payload map[string]any) error {
	event := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		UserID:    key.UserID,
		Phone:     key.Phone,
		Timestamp: n.cfg.Clock.Now().UTC(),
		Payload:   payload,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := n.js.Publish(n.subject(topic), data, nats.Context(ctx)); err != nil {
		return trace.ConnectionProblem(err, "publishing %v event", topic)
	}
	return nil
}

func (n *NATS) subject(topic string) string {
	return n.cfg.SubjectPrefix + "." + topic
}

// Close implements Emitter.
func (n *NATS) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return trace.Wrap(err)
	}
	return nil
}
