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
	"errors"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gravitational/trace"

	"github.com/gravitational/wahost"
	"github.com/gravitational/wahost/lib/session"
)

// ObjectAPI is the slice of the S3 API the cloud store uses.
type ObjectAPI interface {
	manager.UploadAPIClient
	manager.DownloadAPIClient
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// CloudConfig configures the object store backend.
type CloudConfig struct {
	// Client is the S3 API client.
	Client ObjectAPI
	// Bucket is the target bucket.
	Bucket string
	// Prefix is the object key prefix, default "sessions".
	Prefix string
	// Cipher encrypts objects at rest. Optional; plaintext when nil.
	Cipher *Cipher
	// Log is the component logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the configuration.
func (c *CloudConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Bucket == "" {
		return trace.BadParameter("missing parameter Bucket")
	}
	if c.Prefix == "" {
		c.Prefix = "sessions"
	}
	if c.Log == nil {
		c.Log = slog.Default().With(wahost.ComponentKey, wahost.ComponentSessionStore)
	}
	return nil
}

// Cloud stores blobs as <prefix>/<userId>/<phone>/<file> objects,
// optionally encrypted per file.
type Cloud struct {
	cfg        CloudConfig
	uploader   *manager.Uploader
	downloader *manager.Downloader
}

// NewCloud creates the object store backend.
func NewCloud(cfg CloudConfig) (*Cloud, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Cloud{
		cfg:        cfg,
		uploader:   manager.NewUploader(cfg.Client),
		downloader: manager.NewDownloader(cfg.Client),
	}, nil
}

func (c *Cloud) keyPrefix(key session.Key) string {
	return path.Join(c.cfg.Prefix, key.UserID, strings.TrimPrefix(key.Phone, "+")) + "/"
}

// Load implements Store.
func (c *Cloud) Load(ctx context.Context, key session.Key) (FileSet, error) {
	names, err := c.listObjects(ctx, c.keyPrefix(key))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(names) == 0 {
		return nil, trace.NotFound("no stored session for %v", key)
	}
	var files FileSet
	for _, object := range names {
		buf := manager.NewWriteAtBuffer(nil)
		if _, err := c.downloader.Download(ctx, buf, &s3.GetObjectInput{
			Bucket: aws.String(c.cfg.Bucket),
			Key:    aws.String(object),
		}); err != nil {
			return nil, convertS3Error(err)
		}
		data := buf.Bytes()
		if c.cfg.Cipher != nil {
			if data, err = c.cfg.Cipher.Decrypt(data); err != nil {
				return nil, trace.Wrap(err, "decrypting %v", object)
			}
		}
		files = append(files, File{Name: path.Base(object), Data: data})
	}
	files.Sort()
	return files, nil
}

// Save implements Store. Stale objects from a previous save are
// removed after the new set is uploaded.
func (c *Cloud) Save(ctx context.Context, key session.Key, files FileSet) error {
	if err := files.Check(); err != nil {
		return trace.Wrap(err)
	}
	prefix := c.keyPrefix(key)
	keep := make(map[string]bool, len(files))
	for _, f := range files {
		data := f.Data
		if c.cfg.Cipher != nil {
			var err error
			if data, err = c.cfg.Cipher.Encrypt(data); err != nil {
				return trace.Wrap(err)
			}
		}
		object := prefix + f.Name
		keep[object] = true
		if _, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(c.cfg.Bucket),
			Key:    aws.String(object),
			Body:   bytes.NewReader(data),
		}); err != nil {
			return convertS3Error(err)
		}
	}
	existing, err := c.listObjects(ctx, prefix)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, object := range existing {
		if !keep[object] {
			if err := c.deleteObject(ctx, object); err != nil {
				c.cfg.Log.WarnContext(ctx, "failed to remove stale backup object",
					"session", key, "object", object, "error", err)
			}
		}
	}
	return nil
}

// ListAll implements Store.
func (c *Cloud) ListAll(ctx context.Context) ([]session.Key, error) {
	objects, err := c.listObjects(ctx, c.cfg.Prefix+"/")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	seen := make(map[session.Key]bool)
	var keys []session.Key
	for _, object := range objects {
		// <prefix>/<userId>/<phone>/<file>
		rel := strings.TrimPrefix(object, c.cfg.Prefix+"/")
		parts := strings.Split(rel, "/")
		if len(parts) != 3 {
			continue
		}
		key, err := session.NewKey(parts[0], "+"+parts[1])
		if err != nil {
			c.cfg.Log.WarnContext(ctx, "skipping unparsable backup object",
				"object", object, "error", err)
			continue
		}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Delete implements Store. Deleting an absent blob succeeds.
func (c *Cloud) Delete(ctx context.Context, key session.Key) error {
	objects, err := c.listObjects(ctx, c.keyPrefix(key))
	if err != nil {
		return trace.Wrap(err)
	}
	for _, object := range objects {
		if err := c.deleteObject(ctx, object); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// Close implements Store.
func (c *Cloud) Close() error { return nil }

func (c *Cloud) listObjects(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	var token *string
	for {
		out, err := c.cfg.Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, convertS3Error(err)
		}
		for _, object := range out.Contents {
			names = append(names, aws.ToString(object.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return names, nil
}

func (c *Cloud) deleteObject(ctx context.Context, object string) error {
	_, err := c.cfg.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(object),
	})
	return convertS3Error(err)
}

func convertS3Error(err error) error {
	if err == nil {
		return nil
	}
	var noSuchKey *s3types.NoSuchKey
	var noSuchBucket *s3types.NoSuchBucket
	var notFound *s3types.NotFound
	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &notFound):
		return trace.NotFound("%s", err)
	case errors.As(err, &noSuchBucket):
		return trace.NotFound("bucket is not found: %s", err)
	}
	return trace.Wrap(err)
}
