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

// Package defaults holds the timings and limits of the session runtime.
package defaults

import "time"

const (
	// MaxSessions is the default cap on live sessions per process.
	MaxSessions = 200

	// MaxSessionsPerInstance is the default cluster-side cap used by the
	// coordinator when deciding whether this instance may acquire
	// another session.
	MaxSessionsPerInstance = 200

	// AttachTimeout bounds the time between spawning a protocol socket
	// and observing the open state (recovery connects; first time
	// pairings switch to the QR timeout once a code is emitted).
	AttachTimeout = 30 * time.Second

	// QRTimeout is how long an emitted QR code may wait for a scan
	// before the session is torn down and its egress IP released.
	QRTimeout = 90 * time.Second

	// StableOpenPeriod is how long a session must stay open after
	// connecting before its egress IP is handed back to the vendor.
	// Pairing restarts happen well inside this window.
	StableOpenPeriod = 30 * time.Second

	// SyncGracePeriod is the pause between the terminal history batch
	// and the transition to connected.
	SyncGracePeriod = 3 * time.Second

	// SyncTimeout is the maximum wait for history data after a first
	// time connection opens. On expiry the session stays in
	// importing_messages rather than falsely reporting connected.
	SyncTimeout = 90 * time.Second

	// HistoryCutoff is the age past which an inbound message is
	// classified as history regardless of its event type.
	HistoryCutoff = time.Hour

	// ReconnectBaseDelay is the first reconnect backoff step; attempt n
	// waits ReconnectBaseDelay << (n-1).
	ReconnectBaseDelay = 5 * time.Second

	// MaxReconnectAttempts bounds reconnects for a single disconnect
	// cause before the session is marked failed.
	MaxReconnectAttempts = 5

	// ReplacedRetryDelay is the wait after a connectionReplaced close on
	// a session that never reached connected, before one reconnect try.
	ReplacedRetryDelay = 10 * time.Second

	// SendTimeout bounds a single protocol send.
	SendTimeout = 30 * time.Second

	// SentMessageTTL is how long an API-sent message id is remembered so
	// the outbound handler can tell API sends from phone sends.
	SentMessageTTL = 5 * time.Minute

	// ReconnectRateLimit is the number of reconnect requests allowed per
	// session key per rolling hour.
	ReconnectRateLimit = 50

	// ReconnectRateWindow is the rolling window for ReconnectRateLimit.
	ReconnectRateWindow = time.Hour

	// HeartbeatInterval is how often an instance refreshes its registry
	// record.
	HeartbeatInterval = 15 * time.Second

	// InstanceTimeout is how stale an instance heartbeat may be before
	// its sessions become reclaimable.
	InstanceTimeout = 60 * time.Second

	// InstanceCleanupInterval is how often stale instances are swept.
	InstanceCleanupInterval = time.Minute

	// ProjectionHeartbeatInterval is how often a connected session
	// touches last_heartbeat in the document store.
	ProjectionHeartbeatInterval = 30 * time.Second

	// ProjectionEvictDelay is how long a disconnected session's
	// in-memory projection lingers before eviction.
	ProjectionEvictDelay = 60 * time.Second

	// ReconcileInterval is the period of the drift reconciliation sweep.
	ReconcileInterval = 2 * time.Minute

	// StuckConnectingThreshold is how long a projection may sit in
	// connecting or initializing with no live socket before the
	// reconciler forces it to disconnected.
	StuckConnectingThreshold = 2 * time.Minute

	// StuckImportThreshold is how long a projection may sit in an
	// importing state with no progress before the reconciler forces it
	// to connected.
	StuckImportThreshold = time.Minute

	// DriftAlertThreshold is the per-sweep drift count above which the
	// reconciler publishes an alert event.
	DriftAlertThreshold = 10

	// DriftHistorySize is how many recent drift events the reconciler
	// retains for diagnostics.
	DriftHistorySize = 100

	// BackupInterval is the hybrid session store's periodic backup tick.
	BackupInterval = 5 * time.Minute

	// VendorTimeout bounds a single proxy vendor API call.
	VendorTimeout = 30 * time.Second

	// VendorRetries is the attempt cap for transient vendor faults.
	VendorRetries = 3

	// AvailabilityTTL is the lifetime of a cached per-country proxy
	// availability probe.
	AvailabilityTTL = time.Hour

	// SecretTTL is the lifetime of a cached secret value.
	SecretTTL = 5 * time.Minute

	// OracleRetries is the attempt cap for the country fallback oracle.
	OracleRetries = 3

	// OracleBaseDelay is the first oracle retry backoff step, doubled
	// per attempt.
	OracleBaseDelay = 5 * time.Second

	// MaxCountryFallbacks bounds how many alternate countries the
	// allocator will try for a single assignment.
	MaxCountryFallbacks = 3

	// DiagnosticsAddr is the default listen address for /metrics,
	// /healthz and /readyz.
	DiagnosticsAddr = "0.0.0.0:3081"
)

// PriorityCountries is the default country preference order used when a
// session does not request a specific country.
var PriorityCountries = []string{"us", "gb", "de", "nl", "br"}
