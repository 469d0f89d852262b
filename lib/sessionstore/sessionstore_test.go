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
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/wahost/lib/session"
)

// fakeS3 is an in-memory object store implementing the ObjectAPI
// surface the cloud backend uses.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	data, ok := f.objects[aws.ToString(params.Key)]
	f.mu.Unlock()
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	start, end := 0, len(data)-1
	if r := aws.ToString(params.Range); r != "" {
		fmt.Sscanf(r, "bytes=%d-%d", &start, &end)
		if end >= len(data) {
			end = len(data) - 1
		}
	}
	part := data[start : end+1]
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(part)),
		ContentLength: aws.Int64(int64(len(part))),
		ContentRange:  aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, len(data))),
	}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var contents []s3types.Object
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(params.Prefix)) {
			contents = append(contents, s3types.Object{Key: aws.String(key)})
		}
	}
	return &s3.ListObjectsV2Output{
		Contents:    contents,
		IsTruncated: aws.Bool(false),
	}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

// Multipart entry points exist to satisfy the uploader interface; the
// blobs in these tests are far below the multipart threshold.
func (f *fakeS3) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, trace.NotImplemented("multipart upload not supported")
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, trace.NotImplemented("multipart upload not supported")
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, trace.NotImplemented("multipart upload not supported")
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return nil, trace.NotImplemented("multipart upload not supported")
}

func (f *fakeS3) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	return data, ok
}

func testKey(t *testing.T, userID, phone string) session.Key {
	t.Helper()
	key, err := session.NewKey(userID, phone)
	require.NoError(t, err)
	return key
}

func testBlob(seed int) FileSet {
	return FileSet{
		{Name: "creds.json", Data: []byte(`{"noise":"` + strconv.Itoa(seed) + `"}`)},
		{Name: "keys.db", Data: bytes.Repeat([]byte{byte(seed)}, 1024)},
	}
}

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, 32)
	cipher, err := NewCipher(key)
	require.NoError(t, err)
	return cipher
}

func TestCipherRoundTrip(t *testing.T) {
	t.Parallel()

	cipher := testCipher(t)
	plaintext := []byte("attack at dawn")

	first, err := cipher.Encrypt(plaintext)
	require.NoError(t, err)
	second, err := cipher.Encrypt(plaintext)
	require.NoError(t, err)
	// Fresh IV per encryption.
	require.NotEqual(t, first, second)

	for _, ciphertext := range [][]byte{first, second} {
		got, err := cipher.Decrypt(ciphertext)
		require.NoError(t, err)
		require.Equal(t, plaintext, got)
	}

	_, err = cipher.Decrypt([]byte("short"))
	require.Error(t, err)

	_, err = NewCipher([]byte("short key"))
	require.True(t, trace.IsBadParameter(err))
}

func TestLocalRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := NewLocal(LocalConfig{Path: t.TempDir()})
	require.NoError(t, err)
	key := testKey(t, "U1", "+12025550101")
	ctx := context.Background()

	_, err = store.Load(ctx, key)
	require.True(t, trace.IsNotFound(err))

	blob := testBlob(1)
	require.NoError(t, store.Save(ctx, key, blob))
	got, err := store.Load(ctx, key)
	require.NoError(t, err)
	require.Equal(t, blob, got)

	// A save with fewer files removes the stale ones.
	smaller := FileSet{{Name: "creds.json", Data: []byte("v2")}}
	require.NoError(t, store.Save(ctx, key, smaller))
	got, err = store.Load(ctx, key)
	require.NoError(t, err)
	require.Equal(t, smaller, got)

	keys, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []session.Key{key}, keys)

	require.NoError(t, store.Delete(ctx, key))
	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Load(ctx, key)
	require.True(t, trace.IsNotFound(err))
}

func TestCloudRoundTripEncrypted(t *testing.T) {
	t.Parallel()

	backend := newFakeS3()
	store, err := NewCloud(CloudConfig{
		Client: backend,
		Bucket: "wahost-sessions",
		Cipher: testCipher(t),
	})
	require.NoError(t, err)
	key := testKey(t, "U1", "+12025550101")
	ctx := context.Background()

	blob := testBlob(7)
	require.NoError(t, store.Save(ctx, key, blob))

	// At rest the object is ciphertext, not the raw blob.
	raw, ok := backend.object("sessions/U1/15551234567/keys.db")
	require.True(t, ok)
	require.NotContains(t, string(raw), string(blob[1].Data[:16]))

	got, err := store.Load(ctx, key)
	require.NoError(t, err)
	require.Equal(t, blob, got)

	keys, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []session.Key{key}, keys)

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Load(ctx, key)
	require.True(t, trace.IsNotFound(err))
}

func newTestHybrid(t *testing.T, backend *fakeS3, clock clockwork.Clock) *Hybrid {
	t.Helper()
	local, err := NewLocal(LocalConfig{Path: t.TempDir()})
	require.NoError(t, err)
	cloud, err := NewCloud(CloudConfig{
		Client: backend,
		Bucket: "wahost-sessions",
		Cipher: testCipher(t),
	})
	require.NoError(t, err)
	hybrid, err := NewHybrid(HybridConfig{
		Local:          local,
		Cloud:          cloud,
		BackupInterval: 5 * time.Minute,
		Clock:          clock,
		Jitter:         func(d time.Duration) time.Duration { return d },
	})
	require.NoError(t, err)
	t.Cleanup(func() { hybrid.Close() })
	return hybrid
}

func TestHybridBackupTick(t *testing.T) {
	t.Parallel()

	backend := newFakeS3()
	clock := clockwork.NewFakeClock()
	hybrid := newTestHybrid(t, backend, clock)
	key := testKey(t, "U3", "+447700900123")
	ctx := context.Background()

	blob := testBlob(3)
	require.NoError(t, hybrid.Save(ctx, key, blob))

	// Nothing in the backup tier until the tick fires.
	_, ok := backend.object("sessions/U3/447700900123/creds.json")
	require.False(t, ok)

	clock.BlockUntil(1)
	clock.Advance(5*time.Minute + time.Second)
	require.Eventually(t, func() bool {
		_, ok := backend.object("sessions/U3/447700900123/creds.json")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHybridCloseFlushes(t *testing.T) {
	t.Parallel()

	backend := newFakeS3()
	hybrid := newTestHybrid(t, backend, clockwork.NewFakeClock())
	key := testKey(t, "U3", "+447700900123")

	require.NoError(t, hybrid.Save(context.Background(), key, testBlob(4)))
	require.NoError(t, hybrid.Close())

	_, ok := backend.object("sessions/U3/447700900123/creds.json")
	require.True(t, ok)
}

// Encrypt, back up, wipe the filesystem, load: the blob comes back
// byte-identical through the cloud round trip.
func TestHybridRestoresFromBackup(t *testing.T) {
	t.Parallel()

	backend := newFakeS3()
	hybrid := newTestHybrid(t, backend, clockwork.NewFakeClock())
	key := testKey(t, "U3", "+447700900123")
	ctx := context.Background()

	blob := testBlob(9)
	require.NoError(t, hybrid.Save(ctx, key, blob))
	require.NoError(t, hybrid.Close())

	// A fresh instance with an empty filesystem and the same bucket.
	fresh := newTestHybrid(t, backend, clockwork.NewFakeClock())
	got, err := fresh.Load(ctx, key)
	require.NoError(t, err)
	require.Equal(t, blob, got)

	// Restore re-seeded the filesystem tier.
	local, err := fresh.cfg.Local.Load(ctx, key)
	require.NoError(t, err)
	require.Equal(t, blob, local)

	keys, err := fresh.ListAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []session.Key{key}, keys)
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]Mode{
		"":       ModeHybrid,
		"local":  ModeLocal,
		"cloud":  ModeCloud,
		"hybrid": ModeHybrid,
	} {
		mode, err := ParseMode(raw)
		require.NoError(t, err)
		require.Equal(t, want, mode)
	}
	_, err := ParseMode("s3")
	require.True(t, trace.IsBadParameter(err))
}
