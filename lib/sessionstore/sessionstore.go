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

// Package sessionstore persists per-session credential blobs. A blob
// is an ordered set of opaque named files produced by the protocol
// library; the store never looks inside them. Three modes exist:
// local filesystem, cloud object storage, and hybrid (filesystem
// primary with periodic encrypted object-store backup).
package sessionstore

import (
	"context"
	"sort"

	"github.com/gravitational/trace"

	"github.com/gravitational/wahost/lib/session"
)

// Mode selects the storage backend.
type Mode string

const (
	// ModeLocal keeps blobs on the process filesystem only.
	ModeLocal Mode = "local"
	// ModeCloud keeps blobs in the object store only.
	ModeCloud Mode = "cloud"
	// ModeHybrid keeps blobs on the filesystem with periodic encrypted
	// backup to the object store. The default.
	ModeHybrid Mode = "hybrid"
)

// ParseMode parses a storage mode from configuration.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeLocal, ModeCloud, ModeHybrid:
		return Mode(raw), nil
	case "":
		return ModeHybrid, nil
	}
	return "", trace.BadParameter("unknown session storage type %q, expected local, cloud or hybrid", raw)
}

// File is one named member of a credential blob.
type File struct {
	// Name is the file name, unique within the blob.
	Name string
	// Data is the opaque content.
	Data []byte
}

// FileSet is a credential blob: the full set of files the protocol
// library needs to resume a session without re-pairing. Always read
// and written wholesale.
type FileSet []File

// Sort orders the set by file name. Stores normalize on save so a
// round trip is byte-identical regardless of input order.
func (fs FileSet) Sort() {
	sort.Slice(fs, func(i, j int) bool { return fs[i].Name < fs[j].Name })
}

// Clone deep-copies the set.
func (fs FileSet) Clone() FileSet {
	out := make(FileSet, len(fs))
	for i, f := range fs {
		data := make([]byte, len(f.Data))
		copy(data, f.Data)
		out[i] = File{Name: f.Name, Data: data}
	}
	return out
}

// Check validates the set before a save.
func (fs FileSet) Check() error {
	if len(fs) == 0 {
		return trace.BadParameter("refusing to save an empty credential blob")
	}
	seen := make(map[string]bool, len(fs))
	for _, f := range fs {
		if f.Name == "" {
			return trace.BadParameter("credential file with empty name")
		}
		if seen[f.Name] {
			return trace.BadParameter("duplicate credential file %q", f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// Store persists credential blobs by session key.
type Store interface {
	// Load returns the blob for a session, or NotFound.
	Load(ctx context.Context, key session.Key) (FileSet, error)
	// Save writes the blob through to durable storage.
	Save(ctx context.Context, key session.Key, files FileSet) error
	// ListAll enumerates sessions with a persisted blob. Used at
	// startup to discover sessions to recover.
	ListAll(ctx context.Context) ([]session.Key, error)
	// Delete removes the blob from every tier. Called on logout only.
	Delete(ctx context.Context, key session.Key) error
	// Close flushes pending backups and releases the store.
	Close() error
}
