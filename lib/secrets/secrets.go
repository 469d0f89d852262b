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

// Package secrets lazily resolves signed credentials from a secret
// backend, caching values with a TTL and falling back to process
// environment variables.
package secrets

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/wahost"
	"github.com/gravitational/wahost/lib/defaults"
)

// SessionEncryptionKeyName is the backend name of the symmetric key
// used to encrypt session blob backups.
const SessionEncryptionKeyName = "wahost/session-encryption-key"

// Provider resolves named secrets. Components depend on this interface
// so tests can substitute a deterministic fake.
type Provider interface {
	// Get resolves a secret by name.
	Get(ctx context.Context, name string) (string, error)
}

// GetSecretValueAPI is the slice of the Secrets Manager API the store
// uses.
type GetSecretValueAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Config configures the Store.
type Config struct {
	// API is the secret backend. Optional; when nil only the
	// environment fallback is consulted.
	API GetSecretValueAPI
	// TTL bounds how long a resolved value is cached.
	TTL time.Duration
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
	// Log is the component logger.
	Log *slog.Logger
	// LookupEnv overrides environment lookup in tests.
	LookupEnv func(string) (string, bool)
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.TTL <= 0 {
		c.TTL = defaults.SecretTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(wahost.ComponentKey, wahost.ComponentSecrets)
	}
	if c.LookupEnv == nil {
		c.LookupEnv = os.LookupEnv
	}
	return nil
}

// Store is a TTL-cached secret resolver.
type Store struct {
	cfg   Config
	mu    sync.Mutex
	cache map[string]cachedSecret
}

type cachedSecret struct {
	value   string
	expires time.Time
}

// New creates a Store.
func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{
		cfg:   cfg,
		cache: make(map[string]cachedSecret),
	}, nil
}

// Get implements Provider. Resolution order: cache, secret backend,
// environment. Placeholder values are rejected so a misconfigured
// deployment fails closed instead of running with dummy credentials.
func (s *Store) Get(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	if cached, ok := s.cache[name]; ok && s.cfg.Clock.Now().Before(cached.expires) {
		s.mu.Unlock()
		return cached.value, nil
	}
	s.mu.Unlock()

	value, err := s.resolve(ctx, name)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if isPlaceholder(value) {
		return "", trace.BadParameter("secret %q holds a placeholder value", name)
	}

	s.mu.Lock()
	s.cache[name] = cachedSecret{value: value, expires: s.cfg.Clock.Now().Add(s.cfg.TTL)}
	s.mu.Unlock()
	return value, nil
}

func (s *Store) resolve(ctx context.Context, name string) (string, error) {
	if s.cfg.API != nil {
		out, err := s.cfg.API.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: &name,
		})
		switch {
		case err == nil && out.SecretString != nil:
			return *out.SecretString, nil
		case err == nil && len(out.SecretBinary) > 0:
			return string(out.SecretBinary), nil
		case err != nil:
			s.cfg.Log.DebugContext(ctx, "secret backend miss, falling back to environment",
				"secret", name, "error", err)
		}
	}
	if value, ok := s.cfg.LookupEnv(EnvName(name)); ok && value != "" {
		return value, nil
	}
	return "", trace.NotFound("secret %q is not found in backend or environment", name)
}

// Invalidate drops a cached value so the next Get re-resolves it.
func (s *Store) Invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, name)
}

// Close releases the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cachedSecret)
	return nil
}

// EnvName maps a secret name to its environment fallback variable:
// "wahost/session-encryption-key" becomes SESSION_ENCRYPTION_KEY.
func EnvName(name string) string {
	name = strings.TrimPrefix(name, "wahost/")
	name = strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name)
	return strings.ToUpper(name)
}

// SessionEncryptionKey resolves and decodes the 32 byte AES key used
// for blob backups.
func SessionEncryptionKey(ctx context.Context, provider Provider) ([]byte, error) {
	return EncryptionKey(ctx, provider, SessionEncryptionKeyName)
}

// EncryptionKey resolves the named secret and decodes it as a 32 byte
// AES key. Hex and base64 encodings are accepted.
func EncryptionKey(ctx context.Context, provider Provider, name string) ([]byte, error) {
	raw, err := provider.Get(ctx, name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if key, err := hex.DecodeString(raw); err == nil && len(key) == 32 {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(raw); err == nil && len(key) == 32 {
		return key, nil
	}
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	return nil, trace.BadParameter("session encryption key must be 32 bytes (raw, hex or base64)")
}

func isPlaceholder(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "changeme", "change-me", "placeholder", "todo", "xxx", "your-key-here":
		return true
	}
	return false
}
