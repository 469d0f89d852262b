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

// Package eventbus publishes domain events for downstream consumers.
// Events are durable and delivered at least once; consumers must
// deduplicate on (topic, event_id).
package eventbus

import (
	"context"
	"time"

	"github.com/gravitational/wahost/lib/session"
)

// Topics published by the session runtime.
const (
	TopicQRGenerated         = "qr_generated"
	TopicConnectionUpdate    = "connection_update"
	TopicMessageSent         = "message_sent"
	TopicMessageReceived     = "message_received"
	TopicMessageStatusUpdate = "message_status_update"
	TopicPresenceUpdate      = "presence_update"
	TopicTypingIndicator     = "typing_indicator"
	TopicHistorySynced       = "history_synced"
	TopicContactsSynced      = "contacts_synced"
	TopicMessagesSynced      = "messages_synced"
	TopicSyncStarted         = "sync_started"
	TopicSyncProgress        = "sync_progress"
	TopicPersistFailed       = "persist_failed"
	TopicCapacityReached     = "capacity_reached"
	TopicReconcileAlert      = "reconcile_alert"
)

// Event is the envelope carried on every topic.
type Event struct {
	ID        string         `json:"event_id"`
	Topic     string         `json:"topic"`
	UserID    string         `json:"user_id,omitempty"`
	Phone     string         `json:"phone_number,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Emitter publishes domain events.
type Emitter interface {
	// Publish emits one event for a session. A zero key is allowed for
	// fleet-level topics such as reconcile_alert.
	Publish(ctx context.Context, key session.Key, topic string, payload map[string]any) error
	// Close flushes and releases the publisher.
	Close() error
}

// Discard is an Emitter that drops every event, for deployments
// running without a bus.
type Discard struct{}

// Publish implements Emitter.
func (Discard) Publish(ctx context.Context, key session.Key, topic string, payload map[string]any) error {
	return nil
}

// Close implements Emitter.
func (Discard) Close() error { return nil }
