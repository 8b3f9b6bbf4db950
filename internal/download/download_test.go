package download

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/breeze-rmm/updater/internal/bundle"
	"github.com/breeze-rmm/updater/internal/network"
	"github.com/breeze-rmm/updater/internal/worker"
)

func testClient() *network.Client {
	policy := network.Policy{
		MaxAttemptsPerTransport: 2,
		BaseDelay:               time.Millisecond,
		MaxDelay:                2 * time.Millisecond,
		OverallTimeout:          5 * time.Second,
	}
	return network.NewClient(policy, nil, &network.DirectTransport{AllowInsecure: true})
}

func payloadServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok/app.msi", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	})
	mux.HandleFunc("/broken/app.msi", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadFallsBackAcrossURLs(t *testing.T) {
	srv := payloadServer(t)
	dir := t.TempDir()
	d := New(dir, testClient())

	var done int64
	path, err := d.Download(context.Background(), worker.DownloadRequest{
		SessionID: "session-1",
		AppID:     "app-1",
		Package: bundle.Package{
			Name: "app.msi",
			URLs: []string{srv.URL + "/broken/app.msi", srv.URL + "/ok/app.msi"},
			Size: 7,
		},
		Progress: func(d, _ int64) { done = d },
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if want := filepath.Join(dir, "session-1", "app-1", "app.msi"); path != want {
		t.Fatalf("path = %s, want %s", path, want)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "payload" || done != 7 {
		t.Fatalf("content=%q progress=%d", data, done)
	}

	if err := d.Purge("session-1"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "session-1")); !os.IsNotExist(err) {
		t.Fatalf("session dir should be gone, stat err = %v", err)
	}
}

func TestDownloadFailureRemovesStaging(t *testing.T) {
	srv := payloadServer(t)
	dir := t.TempDir()
	d := New(dir, testClient())

	_, err := d.Download(context.Background(), worker.DownloadRequest{
		SessionID: "s",
		AppID:     "a",
		Package:   bundle.Package{Name: "app.msi", URLs: []string{srv.URL + "/broken/app.msi"}},
	})
	var netErr *network.Error
	if !errors.As(err, &netErr) || netErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 network error, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "s")); !os.IsNotExist(err) {
		t.Fatalf("staging dir should be removed, stat err = %v", err)
	}
}

func TestDownloadCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	d := New(t.TempDir(), testClient())
	_, err := d.Download(ctx, worker.DownloadRequest{
		SessionID: "s",
		AppID:     "a",
		Package:   bundle.Package{Name: "app.msi", URLs: []string{srv.URL + "/a", srv.URL + "/b"}},
	})
	var netErr *network.Error
	if !errors.As(err, &netErr) || netErr.Kind != network.KindCancelled {
		t.Fatalf("expected cancelled error, got %v", err)
	}
}

func TestPathRejectsTraversal(t *testing.T) {
	d := New(t.TempDir(), testClient())
	for _, parts := range [][3]string{
		{"s", "a", "../evil.msi"},
		{"s", "..", "x.msi"},
		{"", "a", "x.msi"},
		{"s", `a\b`, "x.msi"},
	} {
		if _, err := d.Path(parts[0], parts[1], parts[2]); !errors.Is(err, ErrUnsafeName) {
			t.Errorf("Path(%q) err = %v, want ErrUnsafeName", parts, err)
		}
	}
}
