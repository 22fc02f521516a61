// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type recordingUploader struct {
	uploads []string
	failOn  string
}

func (r *recordingUploader) Upload(_ context.Context, localPath, objectName string) error {
	if objectName == r.failOn {
		return errors.New("upload refused")
	}
	r.uploads = append(r.uploads, localPath+"->"+objectName)
	return nil
}

func (r *recordingUploader) Close() error { return nil }

func TestNewGCSUploader_Validation(t *testing.T) {
	ctx := context.Background()

	_, err := NewGCSUploader(ctx, Config{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")

	_, err = NewGCSUploader(ctx, Config{Bucket: "b", Credentials: "/nonexistent/key.json"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service account key not found")

	bad := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(bad, []byte("not valid json"), 0644))
	_, err = NewGCSUploader(ctx, Config{Bucket: "b", Credentials: bad}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create GCS storage client")
}

func TestGCSUploader_UploadMissingFile(t *testing.T) {
	u, err := NewGCSUploader(context.Background(), Config{Bucket: "b"}, nil, option.WithoutAuthentication())
	require.NoError(t, err)
	defer u.Close()

	err = u.Upload(context.Background(), filepath.Join(t.TempDir(), "missing.integrate"), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open the local file")
}

func TestObjectName(t *testing.T) {
	assert.Equal(t, "a.mat", ObjectName("", "a.mat"))
	assert.Equal(t, "topaz/ipts-1/a.mat", ObjectName("/topaz/ipts-1/", "a.mat"))
}

func TestUploadAll(t *testing.T) {
	u := &recordingUploader{}
	require.NoError(t, UploadAll(context.Background(), u, "/out/e_Niggli.integrate", "", "/out/e_Niggli.mat"))
	assert.Equal(t, []string{
		"/out/e_Niggli.integrate->e_Niggli.integrate",
		"/out/e_Niggli.mat->e_Niggli.mat",
	}, u.uploads)

	u = &recordingUploader{failOn: "e_Niggli.integrate"}
	assert.Error(t, UploadAll(context.Background(), u, "/out/e_Niggli.integrate", "/out/e_Niggli.mat"))
	assert.Empty(t, u.uploads)
}
