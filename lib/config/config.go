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

// Package config loads the daemon configuration from the environment.
// A .env file in the working directory is honored for development; real
// deployments set the variables directly.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/joho/godotenv"

	"github.com/gravitational/wahost/lib/defaults"
	"github.com/gravitational/wahost/lib/secrets"
	"github.com/gravitational/wahost/lib/sessionstore"
)

// Config is the full daemon configuration.
type Config struct {
	// InstanceURL is this instance's externally reachable base URL,
	// written into ownership claims so peers can route to it.
	InstanceURL string
	// DiagnosticsAddr serves /metrics, /healthz and /readyz.
	DiagnosticsAddr string
	// Debug enables debug-level logging.
	Debug bool

	// FirestoreProject is the document store project id.
	FirestoreProject string
	// NATSURL is the event bus address. Empty disables publishing.
	NATSURL string
	// AWSRegion overrides the SDK's region resolution.
	AWSRegion string

	// MaxSessions caps live sessions in this process.
	MaxSessions int
	// MaxSessionsPerInstance caps ownership claims per instance.
	MaxSessionsPerInstance int
	// BrowserName is shown in the phone's linked devices list.
	BrowserName string
	// AutoReconnect enables backoff reconnects on unexpected closes.
	AutoReconnect bool
	// MaxReconnectAttempts bounds reconnects per disconnect cause.
	MaxReconnectAttempts int
	// ReconnectDelay is the backoff base delay.
	ReconnectDelay time.Duration
	// AttachTimeout bounds how long an attach may take to reach open.
	AttachTimeout time.Duration
	// SyncTimeout is the maximum wait for history data after a first
	// connect.
	SyncTimeout time.Duration

	// StorageMode selects local, cloud or hybrid credential storage.
	StorageMode sessionstore.Mode
	// StoragePath is the local blob directory.
	StoragePath string
	// StorageBucket is the backup object store bucket.
	StorageBucket string
	// BackupInterval paces hybrid-mode cloud backups.
	BackupInterval time.Duration
	// EncryptionKeySecret names the secret holding the AES key for
	// at-rest blob encryption.
	EncryptionKeySecret string

	// HeartbeatInterval paces instance liveness writes.
	HeartbeatInterval time.Duration
	// InstanceTimeout is the staleness bound on peer heartbeats.
	InstanceTimeout time.Duration
	// CleanupInterval paces stale-instance sweeps.
	CleanupInterval time.Duration
	// LoadBalanceStrategy picks instances for new sessions.
	LoadBalanceStrategy string

	// UseProxy routes sessions through dedicated egress IPs.
	UseProxy bool
	// ProxyAPIURL is the vendor management API base URL.
	ProxyAPIURL string
	// ProxyHost and ProxyPort form the super-proxy endpoint.
	ProxyHost string
	ProxyPort int
	// ProxyCustomer and ProxyZone identify the vendor account.
	ProxyCustomer string
	ProxyZone     string
	// ProxyType is the vendor IP product type.
	ProxyType string
	// ProxyStrict disables country fallback.
	ProxyStrict bool
	// PriorityCountries orders egress countries for new sessions.
	PriorityCountries []string

	// OracleModel is the LLM used for country fallback suggestions.
	// Empty falls back to the static proximity table only.
	OracleModel string

	// ReconcileInterval paces the status reconciliation sweep.
	ReconcileInterval time.Duration
}

// FromEnv loads configuration from the environment, honoring an
// optional .env file.
func FromEnv() (*Config, error) {
	// Missing .env is the normal production case.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, trace.ConvertSystemError(err)
	}

	cfg := &Config{
		InstanceURL:            os.Getenv("INSTANCE_URL"),
		DiagnosticsAddr:        os.Getenv("DIAGNOSTICS_ADDR"),
		Debug:                  envBool("DEBUG", false),
		FirestoreProject:       os.Getenv("FIRESTORE_PROJECT_ID"),
		NATSURL:                os.Getenv("NATS_URL"),
		AWSRegion:              os.Getenv("AWS_REGION"),
		MaxSessions:            envInt("MAX_CONNECTIONS", defaults.MaxSessions),
		MaxSessionsPerInstance: envInt("MAX_CONNECTIONS_PER_INSTANCE", defaults.MaxSessionsPerInstance),
		BrowserName:            os.Getenv("BROWSER_NAME"),
		AutoReconnect:          envBool("AUTO_RECONNECT", true),
		MaxReconnectAttempts:   envInt("MAX_RECONNECT_ATTEMPTS", defaults.MaxReconnectAttempts),
		ReconnectDelay:         envDuration("RECONNECT_DELAY", defaults.ReconnectBaseDelay),
		AttachTimeout:          envDuration("SESSION_TIMEOUT", defaults.AttachTimeout),
		SyncTimeout:            envDuration("SESSION_SYNC_TIMEOUT", defaults.SyncTimeout),
		StoragePath:            os.Getenv("SESSION_STORAGE_PATH"),
		StorageBucket:          os.Getenv("STORAGE_BUCKET"),
		BackupInterval:         envDuration("SESSION_BACKUP_INTERVAL", defaults.BackupInterval),
		EncryptionKeySecret:    os.Getenv("SESSION_ENCRYPTION_KEY_SECRET"),
		HeartbeatInterval:      envDuration("INSTANCE_HEARTBEAT_INTERVAL", defaults.HeartbeatInterval),
		InstanceTimeout:        envDuration("INSTANCE_TIMEOUT", defaults.InstanceTimeout),
		CleanupInterval:        envDuration("SESSION_CLEANUP_INTERVAL", defaults.InstanceCleanupInterval),
		LoadBalanceStrategy:    os.Getenv("LOAD_BALANCE_STRATEGY"),
		UseProxy:               envBool("USE_PROXY", false),
		ProxyAPIURL:            os.Getenv("PROXY_API_URL"),
		ProxyHost:              os.Getenv("PROXY_HOST"),
		ProxyPort:              envInt("PROXY_PORT", 0),
		ProxyCustomer:          os.Getenv("PROXY_CUSTOMER"),
		ProxyZone:              os.Getenv("PROXY_ZONE"),
		ProxyType:              os.Getenv("PROXY_TYPE"),
		ProxyStrict:            envBool("PROXY_STRICT", false),
		PriorityCountries:      envList("PRIORITY_COUNTRIES"),
		OracleModel:            os.Getenv("LLM_ORACLE_MODEL"),
		ReconcileInterval:      envDuration("HEALTH_CHECK_INTERVAL", defaults.ReconcileInterval),
	}

	mode, err := sessionstore.ParseMode(os.Getenv("SESSION_STORAGE_TYPE"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.StorageMode = mode

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.DiagnosticsAddr == "" {
		c.DiagnosticsAddr = defaults.DiagnosticsAddr
	}
	if c.MaxSessions <= 0 {
		return trace.BadParameter("MAX_CONNECTIONS must be positive, got %v", c.MaxSessions)
	}
	if c.MaxSessionsPerInstance <= 0 {
		return trace.BadParameter("MAX_CONNECTIONS_PER_INSTANCE must be positive, got %v", c.MaxSessionsPerInstance)
	}
	if c.StoragePath == "" {
		c.StoragePath = "./sessions"
	}
	if (c.StorageMode == sessionstore.ModeCloud || c.StorageMode == sessionstore.ModeHybrid) && c.StorageBucket == "" {
		return trace.BadParameter("STORAGE_BUCKET is required for %q session storage", c.StorageMode)
	}
	if c.EncryptionKeySecret == "" {
		c.EncryptionKeySecret = secrets.SessionEncryptionKeyName
	}
	if c.UseProxy {
		if c.ProxyCustomer == "" {
			return trace.BadParameter("PROXY_CUSTOMER is required when USE_PROXY is set")
		}
		if c.ProxyZone == "" {
			return trace.BadParameter("PROXY_ZONE is required when USE_PROXY is set")
		}
	}
	if len(c.PriorityCountries) == 0 {
		c.PriorityCountries = defaults.PriorityCountries
	}
	return nil
}

func envBool(name string, fallback bool) bool {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt(name string, fallback int) int {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// envDuration parses a Go duration, falling back to whole seconds for
// bare numbers.
func envDuration(name string, fallback time.Duration) time.Duration {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

func envList(name string) []string {
	value := os.Getenv(name)
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.ToLower(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	return out
}
