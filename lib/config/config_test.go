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

package config

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/wahost/lib/defaults"
	"github.com/gravitational/wahost/lib/sessionstore"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	require.Equal(t, defaults.MaxSessions, cfg.MaxSessions)
	require.Equal(t, defaults.DiagnosticsAddr, cfg.DiagnosticsAddr)
	require.Equal(t, sessionstore.ModeHybrid, cfg.StorageMode)
	require.True(t, cfg.AutoReconnect)
	require.False(t, cfg.UseProxy)
	require.Equal(t, defaults.PriorityCountries, cfg.PriorityCountries)
	require.Equal(t, defaults.ReconcileInterval, cfg.ReconcileInterval)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("MAX_CONNECTIONS", "50")
	t.Setenv("SESSION_STORAGE_TYPE", "local")
	t.Setenv("SESSION_STORAGE_PATH", "/var/lib/wahost/sessions")
	t.Setenv("SESSION_BACKUP_INTERVAL", "120")
	t.Setenv("AUTO_RECONNECT", "false")
	t.Setenv("RECONNECT_DELAY", "10s")
	t.Setenv("PRIORITY_COUNTRIES", "BR, pt ,es")
	t.Setenv("USE_PROXY", "true")
	t.Setenv("PROXY_CUSTOMER", "c_12345")
	t.Setenv("PROXY_ZONE", "isp_zone1")

	cfg, err := FromEnv()
	require.NoError(t, err)

	require.Equal(t, 50, cfg.MaxSessions)
	require.Equal(t, sessionstore.ModeLocal, cfg.StorageMode)
	require.Equal(t, "/var/lib/wahost/sessions", cfg.StoragePath)
	require.Equal(t, 2*time.Minute, cfg.BackupInterval)
	require.False(t, cfg.AutoReconnect)
	require.Equal(t, 10*time.Second, cfg.ReconnectDelay)
	require.Equal(t, []string{"br", "pt", "es"}, cfg.PriorityCountries)
	require.True(t, cfg.UseProxy)
}

func TestFromEnvRejectsBadStorageType(t *testing.T) {
	t.Setenv("SESSION_STORAGE_TYPE", "tape")

	_, err := FromEnv()
	require.True(t, trace.IsBadParameter(err))
}

func TestCheckAndSetDefaultsCloudNeedsBucket(t *testing.T) {
	cfg := &Config{
		MaxSessions:            10,
		MaxSessionsPerInstance: 10,
		StorageMode:            sessionstore.ModeCloud,
	}
	err := cfg.CheckAndSetDefaults()
	require.True(t, trace.IsBadParameter(err))

	cfg.StorageBucket = "wahost-sessions"
	require.NoError(t, cfg.CheckAndSetDefaults())
}

func TestCheckAndSetDefaultsProxyCredentials(t *testing.T) {
	cfg := &Config{
		MaxSessions:            10,
		MaxSessionsPerInstance: 10,
		StorageMode:            sessionstore.ModeLocal,
		UseProxy:               true,
	}
	err := cfg.CheckAndSetDefaults()
	require.True(t, trace.IsBadParameter(err))

	cfg.ProxyCustomer = "c_12345"
	cfg.ProxyZone = "isp_zone1"
	require.NoError(t, cfg.CheckAndSetDefaults())
}
