package network

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/http/httpproxy"

	"github.com/breeze-rmm/updater/internal/httputil"
)

func TestDirectTransportBlocksPlainHTTPByDefault(t *testing.T) {
	d := &DirectTransport{}
	_, err := d.Do(context.Background(), &Request{URL: "http://u.example.com"}, nil)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestDirectTransportPostsAndReadsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ua := r.Header.Get("User-Agent"); ua != "test-agent" {
			t.Errorf("user agent = %q", ua)
		}
		body, _ := io.ReadAll(r.Body)
		w.Write(bytes.ToUpper(body))
	}))
	defer srv.Close()

	d := &DirectTransport{AllowInsecure: true, UserAgent: "test-agent"}
	resp, err := d.Do(context.Background(), &Request{Method: "post", URL: srv.URL, Body: []byte("ping")}, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(resp.Body) != "PING" || resp.Transport != "direct" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestDirectTransportStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := &DirectTransport{AllowInsecure: true}
	_, err := d.Do(context.Background(), &Request{URL: srv.URL}, nil)
	var se *httputil.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 status error, got %v", err)
	}
}

func TestClientRetriesDirectUntilServerRecovers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := NewClient(fastPolicy(), nil, &DirectTransport{AllowInsecure: true})
	resp, err := client.Do(context.Background(), &Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(resp.Body) != "ok" || calls.Load() != 3 {
		t.Fatalf("body=%q calls=%d", resp.Body, calls.Load())
	}
}

func TestDirectTransportStreamsToFile(t *testing.T) {
	payload := strings.Repeat("x", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "nested", "pkg.bin")
	var last int64
	d := &DirectTransport{AllowInsecure: true}
	resp, err := d.Do(context.Background(), &Request{
		URL:      srv.URL,
		Dest:     dest,
		Progress: func(done, total int64) { last = done },
	}, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Written != int64(len(payload)) || last != int64(len(payload)) {
		t.Fatalf("written=%d progress=%d", resp.Written, last)
	}
	data, _ := os.ReadFile(dest)
	if string(data) != payload {
		t.Fatal("file content mismatch")
	}
}

func TestBackgroundTransportResumesPartialFile(t *testing.T) {
	payload := []byte(strings.Repeat("0123456789", 1000))
	var sawRange atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRange.Store(r.Header.Get("Range"))
		http.ServeContent(w, r, "pkg.bin", time.Unix(0, 0), bytes.NewReader(payload))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "pkg.bin")
	if err := os.WriteFile(dest, payload[:3000], 0o644); err != nil {
		t.Fatal(err)
	}

	bg := &BackgroundTransport{AllowInsecure: true}
	resp, err := bg.Do(context.Background(), &Request{URL: srv.URL, Dest: dest}, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got := sawRange.Load(); got != "bytes=3000-" {
		t.Fatalf("range header = %v", got)
	}
	if resp.StatusCode != http.StatusPartialContent || resp.Written != int64(len(payload)) {
		t.Fatalf("status=%d written=%d", resp.StatusCode, resp.Written)
	}
	data, _ := os.ReadFile(dest)
	if !bytes.Equal(data, payload) {
		t.Fatal("resumed file differs from payload")
	}
}

func TestBackgroundTransportRestartsWhenRangeIgnored(t *testing.T) {
	payload := []byte("fresh content")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "pkg.bin")
	os.WriteFile(dest, []byte("stale partial data that is longer"), 0o644)

	bg := &BackgroundTransport{AllowInsecure: true}
	if _, err := bg.Do(context.Background(), &Request{URL: srv.URL, Dest: dest}, nil); err != nil {
		t.Fatalf("Do: %v", err)
	}
	data, _ := os.ReadFile(dest)
	if !bytes.Equal(data, payload) {
		t.Fatalf("file = %q", data)
	}
}

func TestBackgroundTransportRejectsNonDownloads(t *testing.T) {
	bg := &BackgroundTransport{AllowInsecure: true}
	_, err := bg.Do(context.Background(), &Request{Method: http.MethodPost, URL: "https://u.example.com"}, nil)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	_, err = bg.Do(context.Background(), &Request{URL: "https://u.example.com"}, nil)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported without Dest, got %v", err)
	}
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		in    string
		start int64
		total int64
		ok    bool
	}{
		{"bytes 100-199/200", 100, 200, true},
		{"bytes 0-9/*", 0, 0, true},
		{"bytes */200", 0, 0, false},
		{"items 1-2/3", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tt := range tests {
		start, total, ok := parseContentRange(tt.in)
		if start != tt.start || total != tt.total || ok != tt.ok {
			t.Errorf("parseContentRange(%q) = %d, %d, %v", tt.in, start, total, ok)
		}
	}
}

func TestFileTransportCopiesLocalPayload(t *testing.T) {
	src := filepath.Join(t.TempDir(), "offline", "app.msi")
	os.MkdirAll(filepath.Dir(src), 0o755)
	os.WriteFile(src, []byte("offline payload"), 0o644)

	dest := filepath.Join(t.TempDir(), "staged.msi")
	ft := &FileTransport{}
	resp, err := ft.Do(context.Background(), &Request{URL: FileURL(src), Dest: dest}, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Written != int64(len("offline payload")) {
		t.Fatalf("written = %d", resp.Written)
	}
	data, _ := os.ReadFile(dest)
	if string(data) != "offline payload" {
		t.Fatalf("dest = %q", data)
	}

	if _, err := ft.Do(context.Background(), &Request{URL: "https://u.example.com/x", Dest: dest}, nil); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("https url err = %v, want ErrUnsupported", err)
	}
	if _, err := ft.Do(context.Background(), &Request{URL: FileURL(src + ".missing"), Dest: dest}, nil); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("missing file err = %v, want ErrUnsupported", err)
	}
}

func TestFilePath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"file:///var/cache/app.msi", "/var/cache/app.msi"},
		{"file:///C:/cache/app.msi", "C:/cache/app.msi"},
		{"file://server/share/app.msi", `\\server/share/app.msi`},
	}
	for _, tt := range tests {
		got, err := FilePath(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("FilePath(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
	if got, _ := FilePath(FileURL(`C:\cache\app.msi`)); got != "C:/cache/app.msi" {
		t.Errorf("round trip of windows path = %q", got)
	}
}

func TestDirectTransportRoutesThroughResolvedProxy(t *testing.T) {
	var proxied atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A forward proxy sees the absolute target URL.
		if r.URL.Host != "updates.invalid" || r.URL.Path != "/check" {
			http.Error(w, "unexpected target "+r.URL.String(), http.StatusBadGateway)
			return
		}
		proxied.Add(1)
		w.Write([]byte("via proxy"))
	}))
	defer proxy.Close()

	r := NewProxyResolver(ProxyConfig{HTTPProxy: proxy.URL})
	r.lookup = func() *httpproxy.Config { return &httpproxy.Config{} }

	d := &DirectTransport{AllowInsecure: true}
	resp, err := d.Do(context.Background(), &Request{Method: http.MethodGet, URL: "http://updates.invalid/check"}, r.Resolve())
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(resp.Body) != "via proxy" || proxied.Load() != 1 {
		t.Fatalf("body = %q, proxied = %d", resp.Body, proxied.Load())
	}
}
