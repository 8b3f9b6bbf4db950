package network

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/breeze-rmm/updater/internal/httputil"
)

func TestMirrorKey(t *testing.T) {
	m, err := NewMirrorTransport(context.Background(), MirrorConfig{Provider: ProviderGCS, Bucket: "b", Prefix: "payloads"})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{url: "https://dl.example.com/app/1.2/setup.msi", want: "payloads/app/1.2/setup.msi"},
		{url: "http://dl.example.com/x.pkg?sig=abc", want: "payloads/x.pkg"},
		{url: "file:///tmp/x.pkg", wantErr: true},
		{url: "https://dl.example.com/", wantErr: true},
	}
	for _, tt := range tests {
		got, err := m.Key(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("Key(%q) err = %v, wantErr %v", tt.url, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Key(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestNewMirrorTransportValidates(t *testing.T) {
	tests := []struct {
		name string
		cfg  MirrorConfig
		ok   bool
	}{
		{"no bucket", MirrorConfig{Provider: ProviderGCS}, false},
		{"unknown provider", MirrorConfig{Provider: "ftp", Bucket: "b"}, false},
		{"b2 without keys", MirrorConfig{Provider: ProviderB2, Bucket: "b"}, false},
		{"b2", MirrorConfig{Provider: ProviderB2, Bucket: "b", AccessKey: "id", SecretKey: "key"}, true},
		{"azure without location", MirrorConfig{Provider: ProviderAzure, Bucket: "c"}, false},
		{"azure account", MirrorConfig{Provider: ProviderAzure, Bucket: "c", AccessKey: "acct", SecretKey: "a2V5"}, true},
		{"gcs", MirrorConfig{Provider: ProviderGCS, Bucket: "b"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMirrorTransport(context.Background(), tt.cfg)
			if (err == nil) != tt.ok {
				t.Errorf("err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestMirrorRejectsNonDownloads(t *testing.T) {
	m, err := NewMirrorTransport(context.Background(), MirrorConfig{Provider: ProviderGCS, Bucket: "b"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.Do(context.Background(), &Request{Method: http.MethodPost, URL: "https://x/y"}, nil)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("POST: expected ErrUnsupported, got %v", err)
	}
	_, err = m.Do(context.Background(), &Request{URL: "https://x/y"}, nil)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("GET without Dest: expected ErrUnsupported, got %v", err)
	}
}

func TestAzureMirrorMissingBlobIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/updates/app/setup.msi") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("x-ms-error-code", "BlobNotFound")
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m, err := NewMirrorTransport(context.Background(), MirrorConfig{
		Provider: ProviderAzure,
		Bucket:   "updates",
		Endpoint: srv.URL + "/",
	})
	if err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "setup.msi")
	_, err = m.Do(context.Background(), &Request{URL: "https://dl.example.com/app/setup.msi", Dest: dest}, nil)

	var se *httputil.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
	if se.Retryable() {
		t.Error("a missing blob should not be retried")
	}
}
