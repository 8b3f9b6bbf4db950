package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/breeze-rmm/updater/internal/bundle"
	"github.com/breeze-rmm/updater/internal/network"
	"github.com/breeze-rmm/updater/internal/worker"
)

const okResponse = `{
  "response": {
    "protocol": "3.1",
    "app": [{
      "appid": "{APP-1}",
      "status": "ok",
      "updatecheck": {
        "status": "ok",
        "urls": {"url": [{"codebase": "https://dl.example.com/edgedl/"}, {"codebase": "https://mirror.example.com/"}]},
        "manifest": {
          "version": "2.1.0",
          "packages": {"package": [{"name": "app.msi", "hash_sha256": "abcd", "size": 1234, "signature": "c2ln"}]},
          "actions": {"action": [{"event": "install", "arguments": "/quiet ALLUSERS=1"}, {"event": "postinstall"}]}
        }
      }
    }]
  }
}`

func netClient() *network.Client {
	return network.NewClient(network.Policy{
		MaxAttemptsPerTransport: 1,
		BaseDelay:               time.Millisecond,
		OverallTimeout:          5 * time.Second,
	}, nil, &network.DirectTransport{AllowInsecure: true})
}

func TestClientCheckForUpdate(t *testing.T) {
	var got CheckRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(okResponse))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, netClient(), "1.0.0")
	res, err := c.CheckForUpdate(context.Background(), worker.CheckRequest{
		SessionID:      "session-1",
		AppID:          "{app-1}",
		CurrentVersion: "2.0.0",
		Policy:         bundle.Policy{InstallSource: bundle.SourceScheduler},
	})
	if err != nil {
		t.Fatalf("CheckForUpdate: %v", err)
	}

	want := worker.CheckResult{
		UpdateAvailable: true,
		Version:         "2.1.0",
		Package: &bundle.Package{
			Name:      "app.msi",
			URLs:      []string{"https://dl.example.com/edgedl/app.msi", "https://mirror.example.com/app.msi"},
			Size:      1234,
			Hash:      "sha256:abcd",
			Signature: "c2ln",
			Arguments: []string{"/quiet", "ALLUSERS=1"},
		},
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Fatalf("result (-want +got):\n%s", diff)
	}

	body := got.Request
	if body.Protocol != ProtocolVersion || body.SessionID != "session-1" || body.InstallSource != "scheduler" {
		t.Fatalf("unexpected request %+v", body)
	}
	if body.RequestID == "" || body.OS.Arch == "" || body.OS.Platform == "" {
		t.Fatalf("request missing ids or os info: %+v", body)
	}
	if len(body.Apps) != 1 || body.Apps[0].Version != "2.0.0" || body.Apps[0].UpdateCheck == nil {
		t.Fatalf("unexpected apps %+v", body.Apps)
	}
}

func TestResultFor(t *testing.T) {
	resp := func(appStatus, ucStatus string) CheckResponse {
		return CheckResponse{Response: ResponseBody{Apps: []ResponseApp{{
			AppID:       "app",
			Status:      appStatus,
			UpdateCheck: UpdateCheck{Status: ucStatus},
		}}}}
	}

	res, err := resultFor(resp("ok", StatusNoUpdate), "app", "https://u.example.com/")
	if err != nil || res.UpdateAvailable {
		t.Fatalf("noupdate = %+v, %v", res, err)
	}
	if _, err := resultFor(resp("ok", StatusNoUpdate), "other", ""); !errors.Is(err, ErrAppNotInResponse) {
		t.Fatalf("missing app err = %v", err)
	}
	if _, err := resultFor(resp("error-unknownApplication", ""), "app", ""); err == nil {
		t.Fatal("expected error for rejected app")
	}
	if _, err := resultFor(resp("ok", "error-internal"), "app", ""); err == nil {
		t.Fatal("expected error for failed update check")
	}
	if _, err := resultFor(resp("ok", StatusOK), "app", ""); err == nil {
		t.Fatal("expected error for update without packages")
	}
}

func TestOfflineSource(t *testing.T) {
	dir := t.TempDir()
	manifest := `{"response":{"app":[{"appid":"app","status":"ok","updatecheck":{
		"status":"ok","urls":{"url":[{"codebase":"payloads/"}]},
		"manifest":{"version":"3.0","packages":{"package":[{"name":"app.msi","hash_sha256":"sha256:ff","size":2}]}}}}]}}`
	if err := os.WriteFile(filepath.Join(dir, "app.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	src := &OfflineSource{Dir: dir}
	res, err := src.CheckForUpdate(context.Background(), worker.CheckRequest{AppID: "app"})
	if err != nil {
		t.Fatalf("CheckForUpdate: %v", err)
	}
	if !res.UpdateAvailable || res.Version != "3.0" || len(res.Package.URLs) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	path, err := network.FilePath(res.Package.URLs[0])
	if err != nil {
		t.Fatalf("FilePath: %v", err)
	}
	if want := filepath.Join(dir, "payloads", "app.msi"); filepath.Clean(path) != want {
		t.Fatalf("payload path = %s, want %s", path, want)
	}
	if res.Package.Hash != "sha256:ff" {
		t.Fatalf("hash = %s", res.Package.Hash)
	}

	if _, err := src.CheckForUpdate(context.Background(), worker.CheckRequest{AppID: "absent"}); !errors.Is(err, ErrNoOfflineManifest) {
		t.Fatalf("absent err = %v", err)
	}
	if _, err := src.CheckForUpdate(context.Background(), worker.CheckRequest{AppID: "../etc"}); err == nil {
		t.Fatal("expected error for path-like app id")
	}
}

type stubSource struct{ name string }

func (s stubSource) CheckForUpdate(context.Context, worker.CheckRequest) (worker.CheckResult, error) {
	return worker.CheckResult{Version: s.name}, nil
}

func TestRouter(t *testing.T) {
	r := &Router{Online: stubSource{"online"}, Offline: stubSource{"offline"}}
	for _, tt := range []struct {
		offline bool
		want    string
	}{{false, "online"}, {true, "offline"}} {
		res, err := r.CheckForUpdate(context.Background(), worker.CheckRequest{Policy: bundle.Policy{OfflineOnly: tt.offline}})
		if err != nil || res.Version != tt.want {
			t.Errorf("offline=%v routed to %q (%v)", tt.offline, res.Version, err)
		}
	}

	if _, err := (&Router{}).CheckForUpdate(context.Background(), worker.CheckRequest{Policy: bundle.Policy{OfflineOnly: true}}); err == nil {
		t.Fatal("expected error without offline source")
	}
}
