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

// Package wahost contains identifiers shared across the wahost service.
package wahost

const (
	// Version is the semantic version of the service, overridden at
	// build time via -ldflags.
	Version = "0.1.0-dev"

	// ComponentKey is the attribute key used to identify the component
	// emitting a log line.
	ComponentKey = "component"

	// ComponentPool is the connection pool driving per-session state
	// machines.
	ComponentPool = "pool"

	// ComponentProxy is the egress IP allocator.
	ComponentProxy = "proxy"

	// ComponentSessionStore is the credential blob store.
	ComponentSessionStore = "sessionstore"

	// ComponentCoordinator is the cluster instance coordinator.
	ComponentCoordinator = "coordinator"

	// ComponentStateManager is the external status projection writer.
	ComponentStateManager = "statemgr"

	// ComponentReconciler is the status reconciliation loop.
	ComponentReconciler = "reconciler"

	// ComponentSecrets is the secret resolution cache.
	ComponentSecrets = "secrets"

	// ComponentBus is the domain event publisher.
	ComponentBus = "eventbus"

	// ComponentDaemon is the top level daemon process.
	ComponentDaemon = "wahostd"
)
