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
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/gravitational/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig configures the production document store client.
type FirestoreConfig struct {
	// ProjectID is the GCP project hosting the database.
	ProjectID string
	// DatabaseID selects a named database; empty means the default.
	DatabaseID string
}

// CheckAndSetDefaults validates the configuration.
func (c *FirestoreConfig) CheckAndSetDefaults() error {
	if c.ProjectID == "" {
		return trace.BadParameter("missing parameter ProjectID")
	}
	return nil
}

// Firestore implements Client on Google Cloud Firestore.
type Firestore struct {
	svc *firestore.Client
}

// NewFirestore connects to Firestore and returns a Client.
func NewFirestore(ctx context.Context, cfg FirestoreConfig) (*Firestore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	var (
		svc *firestore.Client
		err error
	)
	if cfg.DatabaseID != "" {
		svc, err = firestore.NewClientWithDatabase(ctx, cfg.ProjectID, cfg.DatabaseID)
	} else {
		svc, err = firestore.NewClient(ctx, cfg.ProjectID)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Firestore{svc: svc}, nil
}

func (f *Firestore) doc(path string) (*firestore.DocumentRef, error) {
	if err := ValidateDocPath(path); err != nil {
		return nil, trace.Wrap(err)
	}
	ref := f.svc.Doc(path)
	if ref == nil {
		return nil, trace.BadParameter("invalid document path %q", path)
	}
	return ref, nil
}

// Get implements Client.
func (f *Firestore) Get(ctx context.Context, path string) (*Document, error) {
	ref, err := f.doc(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return nil, convertError(err, path)
	}
	return snapshotToDocument(snap), nil
}

// Set implements Client.
func (f *Firestore) Set(ctx context.Context, path string, data map[string]any) error {
	ref, err := f.doc(path)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := ref.Set(ctx, data, firestore.MergeAll); err != nil {
		return convertError(err, path)
	}
	return nil
}

// Update implements Client.
func (f *Firestore) Update(ctx context.Context, path string, updates []Update) error {
	ref, err := f.doc(path)
	if err != nil {
		return trace.Wrap(err)
	}
	fsUpdates := make([]firestore.Update, 0, len(updates))
	for _, u := range updates {
		fsUpdates = append(fsUpdates, firestore.Update{
			FieldPath: firestore.FieldPath(strings.Split(u.Path, ".")),
			Value:     u.Value,
		})
	}
	if _, err := ref.Update(ctx, fsUpdates); err != nil {
		return convertError(err, path)
	}
	return nil
}

// Delete implements Client. Firestore deletes are idempotent.
func (f *Firestore) Delete(ctx context.Context, path string) error {
	ref, err := f.doc(path)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := ref.Delete(ctx); err != nil {
		return convertError(err, path)
	}
	return nil
}

// List implements Client via a collection group query.
func (f *Firestore) List(ctx context.Context, collection string) ([]Document, error) {
	iter := f.svc.CollectionGroup(collection).Documents(ctx)
	defer iter.Stop()
	var out []Document
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *snapshotToDocument(snap))
	}
	return out, nil
}

// RunTransaction implements Client.
func (f *Firestore) RunTransaction(ctx context.Context, fn func(tx Txn) error) error {
	err := f.svc.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(&firestoreTxn{store: f, tx: tx})
	})
	return convertError(err, "")
}

// Close implements Client.
func (f *Firestore) Close() error {
	return trace.Wrap(f.svc.Close())
}

type firestoreTxn struct {
	store *Firestore
	tx    *firestore.Transaction
}

func (t *firestoreTxn) Get(path string) (*Document, error) {
	ref, err := t.store.doc(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	snap, err := t.tx.Get(ref)
	if err != nil {
		return nil, convertError(err, path)
	}
	return snapshotToDocument(snap), nil
}

func (t *firestoreTxn) Set(path string, data map[string]any) {
	if ref, err := t.store.doc(path); err == nil {
		// Error deferred to commit; invalid paths are caught by
		// ValidateDocPath before staging anywhere that matters.
		_ = t.tx.Set(ref, data)
	}
}

func (t *firestoreTxn) Delete(path string) {
	if ref, err := t.store.doc(path); err == nil {
		_ = t.tx.Delete(ref)
	}
}

func snapshotToDocument(snap *firestore.DocumentSnapshot) *Document {
	// Ref.Path is the full resource name; keep only the part after
	// ".../documents/".
	path := snap.Ref.Path
	if i := strings.Index(path, "/documents/"); i >= 0 {
		path = path[i+len("/documents/"):]
	}
	return &Document{
		Path:       path,
		Data:       snap.Data(),
		UpdateTime: snap.UpdateTime,
	}
}

func convertError(err error, path string) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return trace.NotFound("document %q is not found", path)
	case codes.AlreadyExists:
		return trace.AlreadyExists("document %q already exists", path)
	case codes.Aborted:
		return trace.CompareFailed("transaction on %q aborted: %v", path, err)
	case codes.DeadlineExceeded:
		return trace.LimitExceeded("document store deadline exceeded: %v", err)
	case codes.Unavailable:
		return trace.ConnectionProblem(err, "document store unavailable")
	}
	return trace.Wrap(err)
}
