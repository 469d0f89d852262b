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

// Package waproto defines the boundary to the WhatsApp wire protocol
// library: a dialer producing session sockets, the socket's event
// stream, and the close codes the runtime reacts to. The actual wire
// implementation is injected; the fake subpackage scripts one for
// tests.
package waproto

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/wahost/lib/sessionstore"
)

// CloseCode is the protocol-level close reason carried on a
// disconnect.
type CloseCode int

const (
	// CodeNone marks an ordinary network-level close.
	CodeNone CloseCode = 0
	// CodeLoggedOut means the user unlinked this device from the
	// phone. Credentials are dead; the blob must be destroyed.
	CodeLoggedOut CloseCode = 401
	// CodeReplaced means another web session took this session's slot.
	CodeReplaced CloseCode = 440
	// CodeRestartRequired is the protocol-mandated restart right after
	// pairing. Reconnect immediately; it does not count as a failure.
	CodeRestartRequired CloseCode = 515
)

// MessageKind distinguishes realtime notifications from history
// backfill.
type MessageKind string

const (
	// KindNotify is a realtime message.
	KindNotify MessageKind = "notify"
	// KindAppend is history backfill delivered after connect.
	KindAppend MessageKind = "append"
)

// Message is one inbound or outbound protocol message.
type Message struct {
	// ID is the protocol message id.
	ID string
	// Chat is the conversation JID.
	Chat string
	// Sender is the author JID.
	Sender string
	// Timestamp is the protocol timestamp of the message.
	Timestamp time.Time
	// FromMe marks messages authored by this session's number.
	FromMe bool
	// Kind classifies realtime versus backfill delivery.
	Kind MessageKind
	// Payload is the decoded content, opaque to the runtime.
	Payload map[string]any
}

// Event is a marker interface for protocol events. The pool consumes
// them strictly in emission order.
type Event interface {
	isEvent()
}

// QREvent carries a pairing code to display. Emitted until the code is
// scanned or times out.
type QREvent struct {
	// Code is the QR payload to render.
	Code string
}

// PairSuccessEvent fires when a QR scan established trust. A
// CodeRestartRequired close follows shortly.
type PairSuccessEvent struct {
	// DeviceJID is the newly paired device identity.
	DeviceJID string
}

// ConnectedEvent fires when the socket reached the open state.
type ConnectedEvent struct{}

// DisconnectedEvent fires when the socket closed.
type DisconnectedEvent struct {
	// Code classifies the close.
	Code CloseCode
	// Reason is a human-readable cause.
	Reason string
}

// CredentialsEvent fires when the protocol library mutated its
// credential material; the current blob must be persisted.
type CredentialsEvent struct {
	// Files is the complete credential blob.
	Files sessionstore.FileSet
}

// MessagesEvent delivers inbound messages.
type MessagesEvent struct {
	// Messages preserves protocol order.
	Messages []Message
}

// HistorySyncEvent delivers one batch of the initial import.
type HistorySyncEvent struct {
	// Contacts and Messages are the batch sizes.
	Contacts int
	Messages int
	// IsLatest marks the terminal batch.
	IsLatest bool
}

// ContactsEvent delivers a contact list snapshot.
type ContactsEvent struct {
	// Count is the number of contacts in the snapshot.
	Count int
}

// PresenceEvent reports a peer's availability change.
type PresenceEvent struct {
	// Chat is the peer JID.
	Chat string
	// Available reports whether the peer came online.
	Available bool
	// LastSeen is the peer's last activity, when shared.
	LastSeen time.Time
}

// TypingEvent reports a peer composing state change.
type TypingEvent struct {
	// Chat is the peer JID.
	Chat string
	// Composing reports whether typing started or stopped.
	Composing bool
}

// ReceiptEvent reports delivery/read acknowledgements.
type ReceiptEvent struct {
	// MessageIDs are the acknowledged ids.
	MessageIDs []string
	// Chat is the conversation JID.
	Chat string
	// Type is the protocol receipt type ("delivery", "read", ...).
	Type string
}

func (QREvent) isEvent()           {}
func (PairSuccessEvent) isEvent()  {}
func (ConnectedEvent) isEvent()    {}
func (DisconnectedEvent) isEvent() {}
func (CredentialsEvent) isEvent()  {}
func (MessagesEvent) isEvent()     {}
func (HistorySyncEvent) isEvent()  {}
func (ContactsEvent) isEvent()     {}
func (PresenceEvent) isEvent()     {}
func (TypingEvent) isEvent()       {}
func (ReceiptEvent) isEvent()      {}

// Socket is one live protocol session.
type Socket interface {
	// Events returns the event stream. Closed when the socket is
	// closed. Events are strictly ordered.
	Events() <-chan Event
	// Send delivers content to a chat and returns the protocol message
	// id.
	Send(ctx context.Context, to string, content map[string]any) (string, error)
	// IsOpen reports whether the socket is in the open state.
	IsOpen() bool
	// Logout invalidates the credentials server-side, then closes.
	Logout(ctx context.Context) error
	// Close tears the socket down without touching credentials.
	Close() error
}

// DialParams configures one socket.
type DialParams struct {
	// Credentials is the stored blob; nil starts a fresh pairing.
	Credentials sessionstore.FileSet
	// ProxyURL routes socket traffic through a dedicated egress IP.
	ProxyURL string
	// BrowserName is the device name shown in the phone's linked
	// devices list.
	BrowserName string
}

// Dialer spawns protocol sockets.
type Dialer interface {
	// Dial connects and starts the socket's event stream.
	Dial(ctx context.Context, params DialParams) (Socket, error)
}

var (
	dialerMu      sync.Mutex
	dialerDefault Dialer
)

// RegisterDialer installs the process-wide wire implementation. The
// protocol package registers itself from an init in the daemon build;
// tests inject dialers directly and never touch this.
func RegisterDialer(d Dialer) {
	dialerMu.Lock()
	defer dialerMu.Unlock()
	dialerDefault = d
}

// DefaultDialer returns the registered wire implementation.
func DefaultDialer() (Dialer, error) {
	dialerMu.Lock()
	defer dialerMu.Unlock()
	if dialerDefault == nil {
		return nil, trace.NotFound("no protocol dialer registered")
	}
	return dialerDefault, nil
}
