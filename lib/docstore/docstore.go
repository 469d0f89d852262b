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

// Package docstore provides the document store abstraction used for
// session projections, instance records and ownership records. Updates
// address dotted field paths so concurrent writers never trample each
// other's fields, and transactions give the compare-and-set needed for
// ownership acquisition.
package docstore

import (
	"context"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// Document is a snapshot of a stored document.
type Document struct {
	// Path is the slash separated document path, for example
	// "users/u1/numbers/+12025550101".
	Path string
	// Data is the nested field tree.
	Data map[string]any
	// UpdateTime is when the document was last written.
	UpdateTime time.Time
}

// Update assigns Value to the field addressed by a dotted Path, for
// example "whatsapp.status". Intermediate maps are created as needed;
// sibling fields are left untouched.
type Update struct {
	Path  string
	Value any
}

// Txn is the read-then-write surface available inside a transaction.
// All writes are staged and applied atomically on commit.
type Txn interface {
	// Get reads a document, returning trace.NotFound when absent.
	Get(path string) (*Document, error)
	// Set stages a full document write (create or replace).
	Set(path string, data map[string]any)
	// Delete stages a document deletion.
	Delete(path string)
}

// Client is the narrow document store interface. Implementations:
// Firestore for production, Memory for tests.
type Client interface {
	// Get reads a document, returning trace.NotFound when absent.
	Get(ctx context.Context, path string) (*Document, error)
	// Set merges data into a document, creating it when absent.
	Set(ctx context.Context, path string, data map[string]any) error
	// Update applies dotted field updates to an existing document and
	// returns trace.NotFound when the document is absent.
	Update(ctx context.Context, path string, updates []Update) error
	// Delete removes a document. Deleting an absent document is a
	// no-op.
	Delete(ctx context.Context, path string) error
	// List returns every document in the named collection group, e.g.
	// all "numbers" documents across all users.
	List(ctx context.Context, collection string) ([]Document, error)
	// RunTransaction runs fn atomically. When fn returns an error the
	// staged writes are discarded and the error is returned.
	RunTransaction(ctx context.Context, fn func(tx Txn) error) error
	// Close releases the client.
	Close() error
}

// Field walks doc.Data along a dotted path, returning the value and
// whether it was present.
func Field(doc *Document, path string) (any, bool) {
	if doc == nil {
		return nil, false
	}
	node := any(doc.Data)
	for _, part := range strings.Split(path, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		if node, ok = m[part]; !ok {
			return nil, false
		}
	}
	return node, true
}

// StringField returns a string-valued field, or "" when absent or not a
// string.
func StringField(doc *Document, path string) string {
	v, ok := Field(doc, path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// TimeField returns a time-valued field, or the zero time when absent.
func TimeField(doc *Document, path string) time.Time {
	v, ok := Field(doc, path)
	if !ok {
		return time.Time{}
	}
	t, _ := v.(time.Time)
	return t
}

// ApplyUpdate mutates a nested field tree in place, creating
// intermediate maps along the dotted path. Non-map intermediates are
// replaced, matching document store semantics.
func ApplyUpdate(data map[string]any, u Update) error {
	parts := strings.Split(u.Path, ".")
	if len(parts) == 0 || parts[0] == "" {
		return trace.BadParameter("empty update path")
	}
	node := data
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = u.Value
	return nil
}

// CloneData deep-copies a nested field tree.
func CloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if m, ok := v.(map[string]any); ok {
			out[k] = CloneData(m)
			continue
		}
		out[k] = v
	}
	return out
}

// ValidateDocPath checks a document path has an even, positive number
// of non-empty segments.
func ValidateDocPath(path string) error {
	parts := strings.Split(path, "/")
	if len(parts) == 0 || len(parts)%2 != 0 {
		return trace.BadParameter("document path %q must have an even number of segments", path)
	}
	for _, p := range parts {
		if p == "" {
			return trace.BadParameter("document path %q has an empty segment", path)
		}
	}
	return nil
}
