package network

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/Backblaze/blazer/b2"
)

// b2Store reads from a Backblaze B2 bucket. The account is authorized on
// every download so the request's proxy applies to the auth call too.
type b2Store struct {
	cfg MirrorConfig
}

func (s *b2Store) location(key string) string { return "b2://" + s.cfg.Bucket + "/" + key }

func (s *b2Store) fetch(ctx context.Context, httpClient *http.Client, key string, f *os.File, progress func(done, total int64)) (int64, error) {
	client, err := b2.NewClient(ctx, s.cfg.AccessKey, s.cfg.SecretKey, b2.Transport(httpClient.Transport))
	if err != nil {
		return 0, fmt.Errorf("b2 authorize: %w", err)
	}
	bucket, err := client.Bucket(ctx, s.cfg.Bucket)
	if err != nil {
		if b2.IsNotExist(err) {
			return 0, notFound(s.location(key))
		}
		return 0, fmt.Errorf("b2 bucket: %w", err)
	}

	obj := bucket.Object(key)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		if b2.IsNotExist(err) {
			return 0, notFound(s.location(key))
		}
		return 0, err
	}
	r := obj.NewReader(ctx)
	defer r.Close()
	return copyWithProgress(f, r, attrs.Size, progress)
}
