// Copyright 2025 AgentGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"agentgate/platform/shared/types"
)

// AzureBlobStore implements ObjectStore over an Azure Blob container.
type AzureBlobStore struct {
	client    *azblob.Client
	container string
}

// AzureBlobStoreOptions configures the Azure Blob object store.
type AzureBlobStoreOptions struct {
	AccountURL string // https://<account>.blob.core.windows.net
	Container  string
}

// NewAzureBlobStore creates an Azure-backed object store using the
// default credential chain (managed identity, CLI, env).
func NewAzureBlobStore(opts AzureBlobStoreOptions) (*AzureBlobStore, error) {
	if opts.AccountURL == "" || opts.Container == "" {
		return nil, fmt.Errorf("azure blob store requires account URL and container")
	}

	credential, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	client, err := azblob.NewClient(opts.AccountURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure blob client: %w", err)
	}
	return &AzureBlobStore{client: client, container: opts.Container}, nil
}

// GetObject reads a blob, or returns types.ErrNotFound.
func (s *AzureBlobStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("azblob get %s: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}

// PutObject writes a blob.
func (s *AzureBlobStore) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	opts := &azblob.UploadBufferOptions{}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}
	if _, err := s.client.UploadBuffer(ctx, s.container, key, data, opts); err != nil {
		return fmt.Errorf("azblob put %s: %w", key, err)
	}
	return nil
}

// DeleteObject removes a blob. Deleting a missing blob is not an error.
func (s *AzureBlobStore) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteBlob(ctx, s.container, key, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("azblob delete %s: %w", key, err)
	}
	return nil
}

// ListObjects lists blob names under prefix.
func (s *AzureBlobStore) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azblob list %s: %w", prefix, err)
		}
		for _, blob := range page.Segment.BlobItems {
			if blob.Name != nil {
				keys = append(keys, *blob.Name)
			}
		}
	}
	return keys, nil
}
