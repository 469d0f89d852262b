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
	"testing"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSetDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(clockwork.NewFakeClock())

	_, err := m.Get(ctx, "users/u1/numbers/+12025550101")
	require.True(t, trace.IsNotFound(err))

	require.NoError(t, m.Set(ctx, "users/u1/numbers/+12025550101", map[string]any{
		"whatsapp": map[string]any{"status": "connecting"},
	}))

	doc, err := m.Get(ctx, "users/u1/numbers/+12025550101")
	require.NoError(t, err)
	require.Equal(t, "connecting", StringField(doc, "whatsapp.status"))

	require.NoError(t, m.Delete(ctx, "users/u1/numbers/+12025550101"))
	_, err = m.Get(ctx, "users/u1/numbers/+12025550101")
	require.True(t, trace.IsNotFound(err))

	// Deleting an absent document is a no-op.
	require.NoError(t, m.Delete(ctx, "users/u1/numbers/+12025550101"))
}

func TestMemorySetMergePreservesSiblings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(clockwork.NewFakeClock())
	path := "users/u1/numbers/+12025550101"

	require.NoError(t, m.Set(ctx, path, map[string]any{
		"telegram": map[string]any{"status": "connected"},
		"whatsapp": map[string]any{"status": "connecting", "error_count": 0},
	}))
	require.NoError(t, m.Set(ctx, path, map[string]any{
		"whatsapp": map[string]any{"status": "qr_pending"},
	}))

	doc, err := m.Get(ctx, path)
	require.NoError(t, err)
	require.Equal(t, "qr_pending", StringField(doc, "whatsapp.status"))
	// Sibling subfield and sibling top-level field both survive.
	v, ok := Field(doc, "whatsapp.error_count")
	require.True(t, ok)
	require.Equal(t, 0, v)
	require.Equal(t, "connected", StringField(doc, "telegram.status"))
}

func TestMemoryDottedUpdatePreservesUnrelatedFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(clockwork.NewFakeClock())
	path := "users/u1/numbers/+12025550101"

	require.NoError(t, m.Set(ctx, path, map[string]any{
		"whatsapp": map[string]any{
			"status":        "importing_messages",
			"proxy_country": "us",
		},
		"owner": "crm-service",
	}))

	require.NoError(t, m.Update(ctx, path, []Update{
		{Path: "whatsapp.status", Value: "connected"},
		{Path: "whatsapp.sync_status", Value: "completed"},
	}))

	doc, err := m.Get(ctx, path)
	require.NoError(t, err)
	require.Equal(t, "connected", StringField(doc, "whatsapp.status"))
	require.Equal(t, "completed", StringField(doc, "whatsapp.sync_status"))
	require.Equal(t, "us", StringField(doc, "whatsapp.proxy_country"))
	require.Equal(t, "crm-service", StringField(doc, "owner"))
}

func TestMemoryUpdateAbsentIsNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(clockwork.NewFakeClock())

	err := m.Update(ctx, "users/u1/numbers/+12025550101", []Update{
		{Path: "whatsapp.status", Value: "connected"},
	})
	require.True(t, trace.IsNotFound(err))
}

func TestMemoryList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(clockwork.NewFakeClock())

	require.NoError(t, m.Set(ctx, "users/u1/numbers/+12025550101", map[string]any{"a": 1}))
	require.NoError(t, m.Set(ctx, "users/u2/numbers/+447700900123", map[string]any{"a": 2}))
	require.NoError(t, m.Set(ctx, "instances/i1", map[string]any{"hostname": "a"}))

	docs, err := m.List(ctx, "numbers")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "users/u1/numbers/+12025550101", docs[0].Path)
	require.Equal(t, "users/u2/numbers/+447700900123", docs[1].Path)

	instances, err := m.List(ctx, "instances")
	require.NoError(t, err)
	require.Len(t, instances, 1)
}

func TestMemoryTransactionCAS(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(clockwork.NewFakeClock())
	path := "ownership/u1__12025550101"

	// First acquire: document absent, create it.
	err := m.RunTransaction(ctx, func(tx Txn) error {
		if _, err := tx.Get(path); !trace.IsNotFound(err) {
			return trace.AlreadyExists("owned")
		}
		tx.Set(path, map[string]any{"instance_id": "a"})
		return nil
	})
	require.NoError(t, err)

	// Competing acquire observes the owner and aborts; nothing staged
	// is applied.
	err = m.RunTransaction(ctx, func(tx Txn) error {
		if _, err := tx.Get(path); !trace.IsNotFound(err) {
			return trace.AlreadyExists("owned")
		}
		tx.Set(path, map[string]any{"instance_id": "b"})
		return nil
	})
	require.True(t, trace.IsAlreadyExists(err))

	doc, err := m.Get(ctx, path)
	require.NoError(t, err)
	require.Equal(t, "a", StringField(doc, "instance_id"))
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(clockwork.NewFakeClock())
	path := "users/u1/numbers/+12025550101"

	require.NoError(t, m.Set(ctx, path, map[string]any{
		"whatsapp": map[string]any{"status": "connected"},
	}))
	doc, err := m.Get(ctx, path)
	require.NoError(t, err)
	doc.Data["whatsapp"].(map[string]any)["status"] = "mutated"

	fresh, err := m.Get(ctx, path)
	require.NoError(t, err)
	require.Equal(t, "connected", StringField(fresh, "whatsapp.status"))
}

func TestValidateDocPath(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateDocPath("instances/i1"))
	require.NoError(t, ValidateDocPath("users/u1/numbers/+12025550101"))
	require.Error(t, ValidateDocPath("users/u1/numbers"))
	require.Error(t, ValidateDocPath("users//numbers/+12025550101"))
	require.Error(t, ValidateDocPath(""))
}
