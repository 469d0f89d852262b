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

package sessionstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gravitational/trace"

	"github.com/gravitational/wahost"
	"github.com/gravitational/wahost/lib/session"
)

// LocalConfig configures the filesystem store.
type LocalConfig struct {
	// Path is the root directory blobs live under.
	Path string
	// Log is the component logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the configuration.
func (c *LocalConfig) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing parameter Path")
	}
	if c.Log == nil {
		c.Log = slog.Default().With(wahost.ComponentKey, wahost.ComponentSessionStore)
	}
	return nil
}

// Local stores blobs as <root>/<userId>/<phone>/<file>. Writes for a
// given session are serialized so a concurrent save can never produce
// a torn blob on disk.
type Local struct {
	cfg   LocalConfig
	mu    sync.Mutex
	locks map[session.Key]*sync.Mutex
}

// NewLocal creates the store and its root directory.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &Local{
		cfg:   cfg,
		locks: make(map[session.Key]*sync.Mutex),
	}, nil
}

func (l *Local) lock(key session.Key) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.locks[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	l.locks[key] = m
	return m
}

func (l *Local) dir(key session.Key) string {
	return filepath.Join(l.cfg.Path, key.UserID, strings.TrimPrefix(key.Phone, "+"))
}

// Load implements Store.
func (l *Local) Load(ctx context.Context, key session.Key) (FileSet, error) {
	mu := l.lock(key)
	mu.Lock()
	defer mu.Unlock()

	dir := l.dir(key)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("no stored session for %v", key)
		}
		return nil, trace.ConvertSystemError(err)
	}
	var files FileSet
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		files = append(files, File{Name: entry.Name(), Data: data})
	}
	if len(files) == 0 {
		return nil, trace.NotFound("no stored session for %v", key)
	}
	files.Sort()
	return files, nil
}

// Save implements Store. Files are written to temp names and renamed
// into place, and stale files from a previous save are removed.
func (l *Local) Save(ctx context.Context, key session.Key, files FileSet) error {
	if err := files.Check(); err != nil {
		return trace.Wrap(err)
	}
	mu := l.lock(key)
	mu.Lock()
	defer mu.Unlock()

	dir := l.dir(key)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}
	keep := make(map[string]bool, len(files))
	for _, f := range files {
		keep[f.Name] = true
		tmp := filepath.Join(dir, f.Name+".tmp")
		if err := os.WriteFile(tmp, f.Data, 0o600); err != nil {
			return trace.ConvertSystemError(err)
		}
		if err := os.Rename(tmp, filepath.Join(dir, f.Name)); err != nil {
			return trace.ConvertSystemError(err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && !keep[entry.Name()] {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				l.cfg.Log.WarnContext(ctx, "failed to remove stale credential file",
					"session", key, "file", entry.Name(), "error", err)
			}
		}
	}
	return nil
}

// ListAll implements Store.
func (l *Local) ListAll(ctx context.Context) ([]session.Key, error) {
	users, err := os.ReadDir(l.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	var keys []session.Key
	for _, user := range users {
		if !user.IsDir() {
			continue
		}
		phones, err := os.ReadDir(filepath.Join(l.cfg.Path, user.Name()))
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		for _, phone := range phones {
			if !phone.IsDir() {
				continue
			}
			key, err := session.NewKey(user.Name(), "+"+phone.Name())
			if err != nil {
				l.cfg.Log.WarnContext(ctx, "skipping unparsable session directory",
					"user", user.Name(), "dir", phone.Name(), "error", err)
				continue
			}
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Delete implements Store. Deleting an absent blob succeeds.
func (l *Local) Delete(ctx context.Context, key session.Key) error {
	mu := l.lock(key)
	mu.Lock()
	defer mu.Unlock()

	if err := os.RemoveAll(l.dir(key)); err != nil {
		return trace.ConvertSystemError(err)
	}
	// Leave the user directory behind when empty; harmless and avoids
	// racing a concurrent save for a sibling phone.
	return nil
}

// Close implements Store.
func (l *Local) Close() error { return nil }
