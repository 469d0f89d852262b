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

// Package session defines the identity and status vocabulary shared by
// every component of the session runtime.
package session

import (
	"fmt"
	"strings"

	"github.com/gravitational/trace"
	"github.com/nyaruka/phonenumbers"
)

// Key identifies a session: one WhatsApp number connected on behalf of
// one user. Phone is always in E.164 form.
type Key struct {
	UserID string `json:"user_id"`
	Phone  string `json:"phone_number"`
}

// NewKey builds a Key, normalizing phone to E.164. Numbers without a
// leading + are assumed to already carry their country code.
func NewKey(userID, phone string) (Key, error) {
	if userID == "" {
		return Key{}, trace.BadParameter("missing parameter userID")
	}
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return Key{}, trace.Wrap(err)
	}
	return Key{UserID: userID, Phone: normalized}, nil
}

// NormalizePhone parses a phone number and returns its E.164 form.
func NormalizePhone(phone string) (string, error) {
	if phone == "" {
		return "", trace.BadParameter("missing parameter phone")
	}
	raw := strings.TrimSpace(phone)
	if !strings.HasPrefix(raw, "+") {
		raw = "+" + raw
	}
	parsed, err := phonenumbers.Parse(raw, "")
	if err != nil {
		return "", trace.BadParameter("invalid phone number %q: %v", phone, err)
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", trace.BadParameter("invalid phone number %q", phone)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

// String returns the canonical "<userID>/<phone>" form.
func (k Key) String() string {
	return k.UserID + "/" + k.Phone
}

// IsZero reports whether the key is empty.
func (k Key) IsZero() bool {
	return k.UserID == "" && k.Phone == ""
}

// StorageID returns a single filesystem- and document-safe identifier.
func (k Key) StorageID() string {
	return k.UserID + "__" + strings.TrimPrefix(k.Phone, "+")
}

// NumbersCollection is the collection group holding projection
// documents; listing it enumerates every session across all users.
const NumbersCollection = "numbers"

// DocPath returns the projection document path for this session.
func (k Key) DocPath() string {
	return fmt.Sprintf("users/%s/%s/%s", k.UserID, NumbersCollection, k.Phone)
}

// KeyFromDocPath recovers a Key from a projection document path.
func KeyFromDocPath(path string) (Key, error) {
	parts := strings.Split(path, "/")
	if len(parts) != 4 || parts[0] != "users" || parts[2] != "numbers" {
		return Key{}, trace.BadParameter("not a session document path: %q", path)
	}
	return Key{UserID: parts[1], Phone: parts[3]}, nil
}

// Status is the externally visible state of a session.
type Status string

const (
	// StatusQRPending means a QR code awaits scanning.
	StatusQRPending Status = "qr_pending"
	// StatusConnecting means a socket is being established.
	StatusConnecting Status = "connecting"
	// StatusInitializing means the socket is up but not authenticated.
	StatusInitializing Status = "initializing"
	// StatusRestarting means the protocol mandated post-pair restart is
	// in flight.
	StatusRestarting Status = "restarting"
	// StatusImportingContacts means the initial contact import runs.
	StatusImportingContacts Status = "importing_contacts"
	// StatusImportingMessages means the initial message import runs.
	StatusImportingMessages Status = "importing_messages"
	// StatusConnected means the session serves realtime traffic.
	StatusConnected Status = "connected"
	// StatusDisconnected means the session closed and will not
	// reconnect on its own.
	StatusDisconnected Status = "disconnected"
	// StatusFailed means the session gave up after bounded retries.
	StatusFailed Status = "failed"
	// StatusPendingRecovery marks a preserved session awaiting adoption
	// by another instance.
	StatusPendingRecovery Status = "pending_recovery"
	// StatusLoggedOut means the user unlinked the device; credentials
	// are gone.
	StatusLoggedOut Status = "logged_out"
)

// AllStatuses lists every recognized status value.
var AllStatuses = []Status{
	StatusQRPending, StatusConnecting, StatusInitializing,
	StatusRestarting, StatusImportingContacts, StatusImportingMessages,
	StatusConnected, StatusDisconnected, StatusFailed,
	StatusPendingRecovery, StatusLoggedOut,
}

// IsTerminal reports whether the status describes a session that was
// deliberately ended.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDisconnected, StatusFailed, StatusLoggedOut:
		return true
	}
	return false
}

// IsImporting reports whether the status is one of the initial history
// import phases.
func (s Status) IsImporting() bool {
	return s == StatusImportingContacts || s == StatusImportingMessages
}

// Check validates the status value.
func (s Status) Check() error {
	for _, known := range AllStatuses {
		if s == known {
			return nil
		}
	}
	return trace.BadParameter("unknown session status %q", string(s))
}

// SyncStatus describes initial import progress in the projection.
type SyncStatus string

const (
	// SyncStarted means the import began but no counts arrived yet.
	SyncStarted SyncStatus = "started"
	// SyncImportingContacts means contacts are streaming in.
	SyncImportingContacts SyncStatus = "importing_contacts"
	// SyncImportingMessages means messages are streaming in.
	SyncImportingMessages SyncStatus = "importing_messages"
	// SyncCompleted means the initial import finished.
	SyncCompleted SyncStatus = "completed"
)
