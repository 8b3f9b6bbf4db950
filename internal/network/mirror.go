package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/breeze-rmm/updater/internal/httputil"
)

// Mirror providers.
const (
	ProviderS3    = "s3"
	ProviderGCS   = "gcs"
	ProviderAzure = "azure"
	ProviderB2    = "b2"
)

// MirrorConfig locates a bucket holding copies of update payloads under the
// same paths as the origin URLs.
//
// AccessKey and SecretKey are the provider's key pair: an S3 access key, an
// Azure storage account name and key, or a B2 key id and application key.
// Endpoint overrides the S3 or GCS endpoint and is the Azure service URL.
type MirrorConfig struct {
	Provider        string
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string
	AccessKey       string
	SecretKey       string
	CredentialsFile string
}

// objectStore fetches one mirrored object into f. client carries the
// request's proxy settings.
type objectStore interface {
	fetch(ctx context.Context, client *http.Client, key string, f *os.File, progress func(done, total int64)) (int64, error)
	location(key string) string
}

// MirrorTransport downloads payloads from an object storage mirror.
type MirrorTransport struct {
	cfg   MirrorConfig
	store objectStore
}

// NewMirrorTransport validates cfg and prepares the provider's store. S3
// configuration is loaded here (static keys when given, otherwise the default
// credential chain); the other providers authenticate per download.
func NewMirrorTransport(ctx context.Context, cfg MirrorConfig) (*MirrorTransport, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("mirror bucket is required")
	}
	if cfg.Provider == "" {
		cfg.Provider = ProviderS3
	}

	var (
		store objectStore
		err   error
	)
	switch cfg.Provider {
	case ProviderS3:
		store, err = newS3Store(ctx, cfg)
	case ProviderGCS:
		store = &gcsStore{cfg: cfg}
	case ProviderAzure:
		store, err = newAzureStore(cfg)
	case ProviderB2:
		if cfg.AccessKey == "" || cfg.SecretKey == "" {
			return nil, errors.New("b2 mirror needs access_key (key id) and secret_key (application key)")
		}
		store = &b2Store{cfg: cfg}
	default:
		return nil, fmt.Errorf("unknown mirror provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return &MirrorTransport{cfg: cfg, store: store}, nil
}

func (t *MirrorTransport) Name() string { return "mirror" }

// Key maps an origin URL onto the mirror object key.
func (t *MirrorTransport) Key(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("url %q is not mirrored", rawURL)
	}
	p := strings.TrimPrefix(u.Path, "/")
	if p == "" {
		return "", fmt.Errorf("url %q has no path", rawURL)
	}
	return path.Join(t.cfg.Prefix, p), nil
}

func (t *MirrorTransport) Do(ctx context.Context, req *Request, proxy httputil.ProxyFunc) (*Response, error) {
	if req.method() != http.MethodGet || req.Dest == "" {
		return nil, fmt.Errorf("%w: mirror transport only performs file downloads", ErrUnsupported)
	}
	key, err := t.Key(req.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	f, err := os.OpenFile(req.Dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open download file: %w", err)
	}
	defer f.Close()

	httpClient := httputil.NewClient(proxy, 0)
	defer httputil.CloseIdle(httpClient)

	n, err := t.store.fetch(ctx, httpClient, key, f, req.Progress)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: http.StatusOK, Written: n, Transport: t.Name()}, nil
}

// notFound reports a missing object as a 404 so the attempt chain ends.
func notFound(location string) error {
	return &httputil.StatusError{StatusCode: http.StatusNotFound, URL: location}
}

// copyWithProgress streams r into f, reporting progress against total.
func copyWithProgress(f *os.File, r io.Reader, total int64, progress func(done, total int64)) (int64, error) {
	if progress == nil {
		return io.Copy(f, r)
	}
	return io.Copy(f, &progressReader{r: r, total: total, fn: progress})
}

type progressReader struct {
	r     io.Reader
	done  int64
	total int64
	fn    func(done, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		p.fn(p.done, p.total)
	}
	return n, err
}

type s3Store struct {
	cfg    MirrorConfig
	client *s3.Client
}

func newS3Store(ctx context.Context, cfg MirrorConfig) (*s3Store, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &s3Store{cfg: cfg, client: client}, nil
}

func (s *s3Store) location(key string) string { return "s3://" + s.cfg.Bucket + "/" + key }

func (s *s3Store) fetch(ctx context.Context, httpClient *http.Client, key string, f *os.File, progress func(done, total int64)) (int64, error) {
	downloader := manager.NewDownloader(s.client, func(d *manager.Downloader) {
		d.Concurrency = 1
		d.ClientOptions = append(d.ClientOptions, func(o *s3.Options) {
			o.HTTPClient = httpClient
		})
	})
	n, err := downloader.Download(ctx, &progressWriterAt{f: f, fn: progress}, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var re *awshttp.ResponseError
		if errors.As(err, &re) {
			return 0, &httputil.StatusError{StatusCode: re.HTTPStatusCode(), URL: s.location(key)}
		}
		return 0, err
	}
	return n, nil
}

type progressWriterAt struct {
	f    *os.File
	done atomic.Int64
	fn   func(done, total int64)
}

func (p *progressWriterAt) WriteAt(b []byte, off int64) (int, error) {
	n, err := p.f.WriteAt(b, off)
	done := p.done.Add(int64(n))
	if p.fn != nil && n > 0 {
		p.fn(done, 0)
	}
	return n, err
}
