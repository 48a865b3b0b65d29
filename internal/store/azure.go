package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureOptions configures the Azure Blob Storage backend.
type AzureOptions struct {
	ConnectionString string
	Container        string
	Blob             string
}

type azureBlob struct {
	client    *azblob.Client
	container string
	blob      string
}

// NewAzureStore returns a Store backed by one block blob.
func NewAzureStore(o AzureOptions) (Store, error) {
	if o.ConnectionString == "" || o.Container == "" {
		return nil, errors.New("azure connection string and container are required")
	}
	client, err := azblob.NewClientFromConnectionString(o.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure blob client: %w", err)
	}
	return &blobStore{b: &azureBlob{client: client, container: o.Container, blob: o.Blob}}, nil
}

func (b *azureBlob) get(ctx context.Context) ([]byte, error) {
	resp, err := b.client.DownloadStream(ctx, b.container, b.blob, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, errNotExist
		}
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (b *azureBlob) put(ctx context.Context, data []byte) error {
	_, err := b.client.UploadBuffer(ctx, b.container, b.blob, data, nil)
	return err
}

func (b *azureBlob) close() error { return nil }

func (b *azureBlob) describe() string { return "azblob://" + b.container + "/" + b.blob }
