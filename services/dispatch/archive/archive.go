// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive copies merged reduction artifacts to Google Cloud Storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Uploader stores local files under an object name.
type Uploader interface {
	Upload(ctx context.Context, localPath, objectName string) error
	Close() error
}

// Config selects the bucket and credentials.
type Config struct {
	Bucket string
	// Project is recorded for logging; buckets are globally named.
	Project string
	// Credentials is a service account key file. Empty means application
	// default credentials.
	Credentials string
	// Prefix is prepended to every object name.
	Prefix string
}

// GCSUploader uploads to one bucket.
type GCSUploader struct {
	client *storage.Client
	cfg    Config
	logger *slog.Logger
}

// NewGCSUploader creates a client for cfg.Bucket. Extra client options are
// appended after the credentials option.
func NewGCSUploader(ctx context.Context, cfg Config, logger *slog.Logger, opts ...option.ClientOption) (*GCSUploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var clientOpts []option.ClientOption
	if cfg.Credentials != "" {
		if _, err := os.Stat(cfg.Credentials); err != nil {
			return nil, fmt.Errorf("service account key not found at path: %s: %w", cfg.Credentials, err)
		}
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.Credentials))
	}
	clientOpts = append(clientOpts, opts...)

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSUploader{client: client, cfg: cfg, logger: logger}, nil
}

// Upload copies localPath to gs://<bucket>/<prefix>/<objectName>.
func (u *GCSUploader) Upload(ctx context.Context, localPath, objectName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open the local file: %s: %w", localPath, err)
	}
	defer f.Close()

	name := ObjectName(u.cfg.Prefix, objectName)
	w := u.client.Bucket(u.cfg.Bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/octet-stream"

	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to copy %s to gs://%s/%s: %w", localPath, u.cfg.Bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", name, err)
	}

	u.logger.Info("artifact archived",
		slog.String("local", localPath),
		slog.String("object", "gs://"+u.cfg.Bucket+"/"+name),
		slog.String("project", u.cfg.Project),
	)
	return nil
}

// Close releases the storage client.
func (u *GCSUploader) Close() error {
	return u.client.Close()
}

// ObjectName joins prefix and name with forward slashes.
func ObjectName(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// UploadAll uploads each path under its base name. It stops at the first
// failure.
func UploadAll(ctx context.Context, u Uploader, paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := u.Upload(ctx, p, filepath.Base(p)); err != nil {
			return err
		}
	}
	return nil
}

var _ Uploader = (*GCSUploader)(nil)
