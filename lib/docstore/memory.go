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

package docstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Memory is an in-process Client used by tests and single-node
// development runs. All operations are linearized under one mutex,
// which also makes transactions trivially atomic.
type Memory struct {
	mu    sync.Mutex
	clock clockwork.Clock
	docs  map[string]*memoryDoc
}

type memoryDoc struct {
	data       map[string]any
	updateTime time.Time
}

// NewMemory creates an empty in-memory document store.
func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock: clock,
		docs:  make(map[string]*memoryDoc),
	}
}

// Get implements Client.
func (m *Memory) Get(ctx context.Context, path string) (*Document, error) {
	if err := ValidateDocPath(path); err != nil {
		return nil, trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(path)
}

func (m *Memory) getLocked(path string) (*Document, error) {
	doc, ok := m.docs[path]
	if !ok {
		return nil, trace.NotFound("document %q is not found", path)
	}
	return &Document{
		Path:       path,
		Data:       CloneData(doc.data),
		UpdateTime: doc.updateTime,
	}, nil
}

// Set implements Client.
func (m *Memory) Set(ctx context.Context, path string, data map[string]any) error {
	if err := ValidateDocPath(path); err != nil {
		return trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(path, data, true)
	return nil
}

func (m *Memory) setLocked(path string, data map[string]any, merge bool) {
	existing, ok := m.docs[path]
	if !ok || !merge {
		m.docs[path] = &memoryDoc{
			data:       CloneData(data),
			updateTime: m.clock.Now(),
		}
		return
	}
	mergeData(existing.data, data)
	existing.updateTime = m.clock.Now()
}

func mergeData(dst, src map[string]any) {
	for k, v := range src {
		sv, srcIsMap := v.(map[string]any)
		dv, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeData(dv, sv)
			continue
		}
		if srcIsMap {
			dst[k] = CloneData(sv)
			continue
		}
		dst[k] = v
	}
}

// Update implements Client.
func (m *Memory) Update(ctx context.Context, path string, updates []Update) error {
	if err := ValidateDocPath(path); err != nil {
		return trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[path]
	if !ok {
		return trace.NotFound("document %q is not found", path)
	}
	for _, u := range updates {
		if err := ApplyUpdate(doc.data, u); err != nil {
			return trace.Wrap(err)
		}
	}
	doc.updateTime = m.clock.Now()
	return nil
}

// Delete implements Client.
func (m *Memory) Delete(ctx context.Context, path string) error {
	if err := ValidateDocPath(path); err != nil {
		return trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, path)
	return nil
}

// List implements Client.
func (m *Memory) List(ctx context.Context, collection string) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Document
	for path := range m.docs {
		parts := strings.Split(path, "/")
		if len(parts) < 2 || parts[len(parts)-2] != collection {
			continue
		}
		doc, err := m.getLocked(path)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// RunTransaction implements Client.
func (m *Memory) RunTransaction(ctx context.Context, fn func(tx Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTxn{store: m}
	if err := fn(tx); err != nil {
		return trace.Wrap(err)
	}
	for _, w := range tx.writes {
		if w.delete {
			delete(m.docs, w.path)
			continue
		}
		m.setLocked(w.path, w.data, false)
	}
	return nil
}

// Close implements Client.
func (m *Memory) Close() error { return nil }

type memoryWrite struct {
	path   string
	data   map[string]any
	delete bool
}

type memoryTxn struct {
	store  *Memory
	writes []memoryWrite
}

func (t *memoryTxn) Get(path string) (*Document, error) {
	if err := ValidateDocPath(path); err != nil {
		return nil, trace.Wrap(err)
	}
	return t.store.getLocked(path)
}

func (t *memoryTxn) Set(path string, data map[string]any) {
	t.writes = append(t.writes, memoryWrite{path: path, data: CloneData(data)})
}

func (t *memoryTxn) Delete(path string) {
	t.writes = append(t.writes, memoryWrite{path: path, delete: true})
}
