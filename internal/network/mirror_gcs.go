package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"
)

// gcsStore reads from Google Cloud Storage with application default
// credentials or a service account key file.
type gcsStore struct {
	cfg MirrorConfig
}

func (s *gcsStore) location(key string) string { return "gs://" + s.cfg.Bucket + "/" + key }

func (s *gcsStore) options() []option.ClientOption {
	var opts []option.ClientOption
	if s.cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(s.cfg.CredentialsFile))
	}
	if s.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.cfg.Endpoint))
	}
	return opts
}

func (s *gcsStore) fetch(ctx context.Context, httpClient *http.Client, key string, f *os.File, progress func(done, total int64)) (int64, error) {
	opts := s.options()
	// Layer authentication over the proxy-aware transport.
	rt, err := htransport.NewTransport(ctx, httpClient.Transport, opts...)
	if err != nil {
		return 0, fmt.Errorf("gcs credentials: %w", err)
	}
	client, err := storage.NewClient(ctx, option.WithHTTPClient(&http.Client{Transport: rt}))
	if err != nil {
		return 0, fmt.Errorf("gcs client: %w", err)
	}
	defer client.Close()

	r, err := client.Bucket(s.cfg.Bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return 0, notFound(s.location(key))
	}
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return copyWithProgress(f, r, r.Attrs.Size, progress)
}
