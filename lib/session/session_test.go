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

package session

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestNewKeyNormalizesPhone(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		phone   string
		want    string
		wantErr bool
	}{
		{name: "already e164", phone: "+12025550101", want: "+12025550101"},
		{name: "missing plus", phone: "12025550101", want: "+12025550101"},
		{name: "spaces", phone: " +44 7700 900123 ", want: "+447700900123"},
		{name: "brazil", phone: "+5511987654321", want: "+5511987654321"},
		{name: "garbage", phone: "not-a-phone", wantErr: true},
		{name: "empty", phone: "", wantErr: true},
		{name: "too short", phone: "+1", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			key, err := NewKey("u1", tc.phone)
			if tc.wantErr {
				require.Error(t, err)
				require.True(t, trace.IsBadParameter(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, key.Phone)
		})
	}
}

func TestNewKeyRequiresUser(t *testing.T) {
	t.Parallel()

	_, err := NewKey("", "+12025550101")
	require.True(t, trace.IsBadParameter(err))
}

func TestKeyDocPathRoundTrip(t *testing.T) {
	t.Parallel()

	key, err := NewKey("user-42", "+12025550101")
	require.NoError(t, err)
	require.Equal(t, "users/user-42/numbers/+12025550101", key.DocPath())

	back, err := KeyFromDocPath(key.DocPath())
	require.NoError(t, err)
	require.Equal(t, key, back)

	_, err = KeyFromDocPath("instances/abc")
	require.True(t, trace.IsBadParameter(err))
}

func TestStatusPredicates(t *testing.T) {
	t.Parallel()

	require.True(t, StatusDisconnected.IsTerminal())
	require.True(t, StatusFailed.IsTerminal())
	require.True(t, StatusLoggedOut.IsTerminal())
	require.False(t, StatusConnected.IsTerminal())
	require.False(t, StatusQRPending.IsTerminal())

	require.True(t, StatusImportingContacts.IsImporting())
	require.True(t, StatusImportingMessages.IsImporting())
	require.False(t, StatusConnected.IsImporting())

	for _, s := range AllStatuses {
		require.NoError(t, s.Check())
	}
	require.Error(t, Status("bogus").Check())
}
