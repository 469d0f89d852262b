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
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/wahost"
	"github.com/gravitational/wahost/lib/defaults"
	"github.com/gravitational/wahost/lib/session"
	"github.com/gravitational/wahost/lib/utils"
)

// HybridConfig configures the hybrid store.
type HybridConfig struct {
	// Local is the primary filesystem tier.
	Local *Local
	// Cloud is the backup tier. Its cipher encrypts backups.
	Cloud *Cloud
	// BackupInterval is the periodic backup tick, default 5 minutes.
	BackupInterval time.Duration
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
	// Log is the component logger.
	Log *slog.Logger
	// Jitter randomizes the backup tick.
	Jitter utils.Jitter
}

// CheckAndSetDefaults validates the configuration.
func (c *HybridConfig) CheckAndSetDefaults() error {
	if c.Local == nil {
		return trace.BadParameter("missing parameter Local")
	}
	if c.Cloud == nil {
		return trace.BadParameter("missing parameter Cloud")
	}
	if c.BackupInterval <= 0 {
		c.BackupInterval = defaults.BackupInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(wahost.ComponentKey, wahost.ComponentSessionStore)
	}
	if c.Jitter == nil {
		c.Jitter = utils.NewSeventhJitter()
	}
	return nil
}

// Hybrid serves reads and writes from the filesystem and copies
// modified blobs to the object store on a timer and on Close. A local
// miss falls back to the object store and re-seeds the filesystem, so
// a fresh instance can adopt sessions persisted elsewhere.
type Hybrid struct {
	cfg HybridConfig

	mu    sync.Mutex
	dirty map[session.Key]bool

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// NewHybrid creates the hybrid store and starts its backup loop.
func NewHybrid(cfg HybridConfig) (*Hybrid, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Hybrid{
		cfg:     cfg,
		dirty:   make(map[session.Key]bool),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go h.backupLoop()
	return h, nil
}

// Load implements Store. A local miss is restored from the backup
// tier before returning.
func (h *Hybrid) Load(ctx context.Context, key session.Key) (FileSet, error) {
	files, err := h.cfg.Local.Load(ctx, key)
	if err == nil {
		return files, nil
	}
	if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	files, err = h.cfg.Cloud.Load(ctx, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.cfg.Log.InfoContext(ctx, "restored session blob from backup", "session", key)
	if err := h.cfg.Local.Save(ctx, key, files); err != nil {
		return nil, trace.Wrap(err)
	}
	return files, nil
}

// Save implements Store. The blob lands on the filesystem immediately
// and is queued for the next backup tick.
func (h *Hybrid) Save(ctx context.Context, key session.Key, files FileSet) error {
	if err := h.cfg.Local.Save(ctx, key, files); err != nil {
		return trace.Wrap(err)
	}
	h.mu.Lock()
	h.dirty[key] = true
	h.mu.Unlock()
	return nil
}

// ListAll implements Store: the union of both tiers, so recovery sees
// sessions persisted by a since-dead instance as well as local ones.
func (h *Hybrid) ListAll(ctx context.Context) ([]session.Key, error) {
	local, err := h.cfg.Local.ListAll(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	remote, err := h.cfg.Cloud.ListAll(ctx)
	if err != nil {
		// The filesystem answer is still useful when the object store
		// is briefly unreachable at startup.
		h.cfg.Log.WarnContext(ctx, "failed to list backup tier, recovery limited to local sessions",
			"error", err)
		return local, nil
	}
	seen := make(map[session.Key]bool, len(local))
	keys := make([]session.Key, 0, len(local)+len(remote))
	for _, key := range local {
		seen[key] = true
		keys = append(keys, key)
	}
	for _, key := range remote {
		if !seen[key] {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Delete implements Store: both tiers, logout only.
func (h *Hybrid) Delete(ctx context.Context, key session.Key) error {
	h.mu.Lock()
	delete(h.dirty, key)
	h.mu.Unlock()
	return trace.NewAggregate(
		h.cfg.Local.Delete(ctx, key),
		h.cfg.Cloud.Delete(ctx, key),
	)
}

// Close implements Store: runs a final backup, then stops the loop.
func (h *Hybrid) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
	})
	<-h.stopped
	return nil
}

func (h *Hybrid) backupLoop() {
	defer close(h.stopped)
	for {
		select {
		case <-h.done:
			// Final flush on graceful shutdown.
			h.backupDirty(context.Background())
			return
		case <-h.cfg.Clock.After(h.cfg.Jitter(h.cfg.BackupInterval)):
			h.backupDirty(context.Background())
		}
	}
}

// backupDirty copies every modified blob to the object store. A blob
// that fails to upload stays dirty and is retried next tick.
func (h *Hybrid) backupDirty(ctx context.Context) {
	h.mu.Lock()
	keys := make([]session.Key, 0, len(h.dirty))
	for key := range h.dirty {
		keys = append(keys, key)
	}
	h.mu.Unlock()

	for _, key := range keys {
		files, err := h.cfg.Local.Load(ctx, key)
		if trace.IsNotFound(err) {
			// Deleted since it was marked dirty.
			h.mu.Lock()
			delete(h.dirty, key)
			h.mu.Unlock()
			continue
		}
		if err == nil {
			err = h.cfg.Cloud.Save(ctx, key, files)
		}
		if err != nil {
			h.cfg.Log.WarnContext(ctx, "session backup failed, will retry",
				"session", key, "error", err)
			continue
		}
		h.mu.Lock()
		delete(h.dirty, key)
		h.mu.Unlock()
	}
}
