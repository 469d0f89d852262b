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
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Config selects and configures a Store.
type Config struct {
	// Mode selects the backend.
	Mode Mode
	// Path is the filesystem root, for local and hybrid modes.
	Path string
	// Client is the object store client, for cloud and hybrid modes.
	Client ObjectAPI
	// Bucket is the object store bucket, for cloud and hybrid modes.
	Bucket string
	// Prefix is the object key prefix, default "sessions".
	Prefix string
	// Cipher encrypts cloud objects.
	Cipher *Cipher
	// BackupInterval is the hybrid backup tick.
	BackupInterval time.Duration
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
	// Log is the component logger.
	Log *slog.Logger
}

// New creates the Store for the configured mode.
func New(cfg Config) (Store, error) {
	switch cfg.Mode {
	case ModeLocal:
		local, err := NewLocal(LocalConfig{Path: cfg.Path, Log: cfg.Log})
		return local, trace.Wrap(err)
	case ModeCloud:
		cloud, err := NewCloud(CloudConfig{
			Client: cfg.Client,
			Bucket: cfg.Bucket,
			Prefix: cfg.Prefix,
			Cipher: cfg.Cipher,
			Log:    cfg.Log,
		})
		return cloud, trace.Wrap(err)
	case ModeHybrid, "":
		local, err := NewLocal(LocalConfig{Path: cfg.Path, Log: cfg.Log})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		cloud, err := NewCloud(CloudConfig{
			Client: cfg.Client,
			Bucket: cfg.Bucket,
			Prefix: cfg.Prefix,
			Cipher: cfg.Cipher,
			Log:    cfg.Log,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		hybrid, err := NewHybrid(HybridConfig{
			Local:          local,
			Cloud:          cloud,
			BackupInterval: cfg.BackupInterval,
			Clock:          cfg.Clock,
			Log:            cfg.Log,
		})
		return hybrid, trace.Wrap(err)
	}
	return nil, trace.BadParameter("unknown session storage mode %q", cfg.Mode)
}
