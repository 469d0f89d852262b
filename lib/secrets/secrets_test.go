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

package secrets

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fakeSecretsAPI struct {
	values map[string]string
	calls  int
}

func (f *fakeSecretsAPI) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	value, ok := f.values[*params.SecretId]
	if !ok {
		return nil, trace.NotFound("no such secret")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: &value}, nil
}

func noEnv(string) (string, bool) { return "", false }

func TestGetCachesUntilTTL(t *testing.T) {
	t.Parallel()

	api := &fakeSecretsAPI{values: map[string]string{"wahost/proxy-password": "hunter2"}}
	clock := clockwork.NewFakeClock()
	store, err := New(Config{API: api, TTL: 5 * time.Minute, Clock: clock, LookupEnv: noEnv})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		value, err := store.Get(context.Background(), "wahost/proxy-password")
		require.NoError(t, err)
		require.Equal(t, "hunter2", value)
	}
	require.Equal(t, 1, api.calls)

	clock.Advance(5*time.Minute + time.Second)
	_, err = store.Get(context.Background(), "wahost/proxy-password")
	require.NoError(t, err)
	require.Equal(t, 2, api.calls)
}

func TestGetFallsBackToEnvironment(t *testing.T) {
	t.Parallel()

	env := map[string]string{"PROXY_PASSWORD": "from-env"}
	store, err := New(Config{
		API:       &fakeSecretsAPI{},
		LookupEnv: func(k string) (string, bool) { v, ok := env[k]; return v, ok },
	})
	require.NoError(t, err)

	value, err := store.Get(context.Background(), "wahost/proxy-password")
	require.NoError(t, err)
	require.Equal(t, "from-env", value)
}

func TestGetMissingEverywhere(t *testing.T) {
	t.Parallel()

	store, err := New(Config{LookupEnv: noEnv})
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "wahost/absent")
	require.True(t, trace.IsNotFound(err))
}

func TestGetRejectsPlaceholders(t *testing.T) {
	t.Parallel()

	api := &fakeSecretsAPI{values: map[string]string{"wahost/proxy-password": "changeme"}}
	store, err := New(Config{API: api, LookupEnv: noEnv})
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "wahost/proxy-password")
	require.True(t, trace.IsBadParameter(err))
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	api := &fakeSecretsAPI{values: map[string]string{"wahost/proxy-password": "v1"}}
	store, err := New(Config{API: api, LookupEnv: noEnv})
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "wahost/proxy-password")
	require.NoError(t, err)
	store.Invalidate("wahost/proxy-password")
	_, err = store.Get(context.Background(), "wahost/proxy-password")
	require.NoError(t, err)
	require.Equal(t, 2, api.calls)
}

func TestEnvName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "SESSION_ENCRYPTION_KEY", EnvName("wahost/session-encryption-key"))
	require.Equal(t, "PROXY_PASSWORD", EnvName("wahost/proxy-password"))
	require.Equal(t, "A_B_C", EnvName("a/b.c"))
}

func TestSessionEncryptionKeyDecoding(t *testing.T) {
	t.Parallel()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	api := &fakeSecretsAPI{values: map[string]string{SessionEncryptionKeyName: hex.EncodeToString(key)}}
	store, err := New(Config{API: api, LookupEnv: noEnv})
	require.NoError(t, err)

	got, err := SessionEncryptionKey(context.Background(), store)
	require.NoError(t, err)
	require.Equal(t, key, got)

	// Wrong length fails closed.
	api.values[SessionEncryptionKeyName] = "deadbeef"
	store.Invalidate(SessionEncryptionKeyName)
	_, err = SessionEncryptionKey(context.Background(), store)
	require.True(t, trace.IsBadParameter(err))
}
