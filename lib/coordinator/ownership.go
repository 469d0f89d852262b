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

package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/gravitational/trace"

	"github.com/gravitational/wahost/lib/docstore"
	"github.com/gravitational/wahost/lib/session"
)

// DeniedError reports that a live peer owns the session. Callers
// should redirect to the owner rather than retry here.
type DeniedError struct {
	// Key is the contested session.
	Key session.Key
	// OwnerID is the owning instance.
	OwnerID string
	// OwnerURL is where to redirect the caller, possibly empty.
	OwnerURL string
}

// Error implements error.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("session %v is owned by instance %v", e.Key, e.OwnerID)
}

// IsDenied reports whether err is (or wraps) a DeniedError.
func IsDenied(err error) bool {
	var denied *DeniedError
	return errors.As(err, &denied)
}

// RequestOwnership claims a session for this instance. The claim is a
// compare-and-set against the shared document store: absent records
// and records held by stale instances are taken, a record already held
// by this instance is an idempotent success, and a record held by a
// live peer is DeniedError. Must succeed before a protocol socket is
// spawned.
func (c *Coordinator) RequestOwnership(ctx context.Context, key session.Key) error {
	if c.cfg.ConnectionCount() >= c.cfg.MaxSessions {
		return trace.LimitExceeded("instance %v is at capacity (%v sessions)",
			c.cfg.InstanceID, c.cfg.MaxSessions)
	}
	now := c.cfg.Clock.Now().UTC()
	claim := map[string]any{
		"instance_id":   c.cfg.InstanceID,
		"instance_url":  c.cfg.InstanceURL,
		"user_id":       key.UserID,
		"phone_number":  key.Phone,
		"acquired_at":   now,
		"last_activity": now,
	}
	var takenOver string
	err := c.cfg.Store.RunTransaction(ctx, func(tx docstore.Txn) error {
		current, err := tx.Get(ownershipPath(key))
		switch {
		case trace.IsNotFound(err):
			tx.Set(ownershipPath(key), claim)
			return nil
		case err != nil:
			return trace.Wrap(err)
		}
		ownerID := docstore.StringField(current, "instance_id")
		if ownerID == c.cfg.InstanceID {
			tx.Set(ownershipPath(key), claim)
			return nil
		}
		owner, err := tx.Get(instancePath(ownerID))
		if err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
		if err == nil {
			instance := instanceFromDoc(owner)
			alive := instance.Status != StatusFailed &&
				c.cfg.Clock.Now().Sub(instance.LastHeartbeat) <= c.cfg.InstanceTimeout
			if alive {
				return &DeniedError{Key: key, OwnerID: ownerID, OwnerURL: instance.URL}
			}
		}
		// Owner is gone or stale: take the session over.
		takenOver = ownerID
		tx.Set(ownershipPath(key), claim)
		return nil
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if takenOver != "" {
		c.cfg.Log.InfoContext(ctx, "took over session from stale instance",
			"session", key, "previous_owner", takenOver)
	}
	return nil
}

// ReleaseOwnership deletes this instance's claim. Claims held by
// other instances are left alone; releasing an absent claim succeeds.
// Must run after the protocol socket is closed.
func (c *Coordinator) ReleaseOwnership(ctx context.Context, key session.Key) error {
	err := c.cfg.Store.RunTransaction(ctx, func(tx docstore.Txn) error {
		current, err := tx.Get(ownershipPath(key))
		if trace.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return trace.Wrap(err)
		}
		if docstore.StringField(current, "instance_id") != c.cfg.InstanceID {
			return nil
		}
		tx.Delete(ownershipPath(key))
		return nil
	})
	return trace.Wrap(err)
}

// UpdateActivity bumps the claim's last_activity. Non-transactional;
// losing a race here is harmless.
func (c *Coordinator) UpdateActivity(ctx context.Context, key session.Key) error {
	err := c.cfg.Store.Update(ctx, ownershipPath(key), []docstore.Update{
		{Path: "last_activity", Value: c.cfg.Clock.Now().UTC()},
	})
	if trace.IsNotFound(err) {
		return nil
	}
	return trace.Wrap(err)
}

// Owner returns the current claim holder for a session, or NotFound.
func (c *Coordinator) Owner(ctx context.Context, key session.Key) (string, error) {
	doc, err := c.cfg.Store.Get(ctx, ownershipPath(key))
	if err != nil {
		return "", trace.Wrap(err)
	}
	return docstore.StringField(doc, "instance_id"), nil
}
