package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/breeze-rmm/updater/internal/httputil"
)

// azureStore reads blobs from an Azure storage container. Bucket is the
// container name. Without an account key the service URL must grant read
// access itself (public container or SAS query).
type azureStore struct {
	cfg        MirrorConfig
	serviceURL string
}

func newAzureStore(cfg MirrorConfig) (*azureStore, error) {
	serviceURL := cfg.Endpoint
	if serviceURL == "" {
		if cfg.AccessKey == "" {
			return nil, errors.New("azure mirror needs endpoint or access_key (storage account name)")
		}
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccessKey)
	}
	return &azureStore{cfg: cfg, serviceURL: serviceURL}, nil
}

func (s *azureStore) location(key string) string {
	return s.serviceURL + s.cfg.Bucket + "/" + key
}

func (s *azureStore) client(httpClient *http.Client) (*azblob.Client, error) {
	opts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{Transport: httpClient}}
	if s.cfg.SecretKey == "" {
		return azblob.NewClientWithNoCredential(s.serviceURL, opts)
	}
	cred, err := azblob.NewSharedKeyCredential(s.cfg.AccessKey, s.cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("azure credentials: %w", err)
	}
	return azblob.NewClientWithSharedKeyCredential(s.serviceURL, cred, opts)
}

func (s *azureStore) fetch(ctx context.Context, httpClient *http.Client, key string, f *os.File, progress func(done, total int64)) (int64, error) {
	client, err := s.client(httpClient)
	if err != nil {
		return 0, err
	}
	resp, err := client.DownloadStream(ctx, s.cfg.Bucket, key, nil)
	if err != nil {
		var re *azcore.ResponseError
		if errors.As(err, &re) {
			return 0, &httputil.StatusError{StatusCode: re.StatusCode, URL: s.location(key)}
		}
		return 0, err
	}
	defer resp.Body.Close()

	var total int64
	if resp.ContentLength != nil {
		total = *resp.ContentLength
	}
	return copyWithProgress(f, resp.Body, total, progress)
}
