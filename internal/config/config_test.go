package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

const sampleYAML = `
update_url: https://update.example.com/check
check_interval_minutes: 60
network:
  max_attempts_per_transport: 5
  transports: [direct, mirror]
mirror:
  bucket: updates
  region: eu-west-1
installer:
  reboot_exit_codes: [3010]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := Default()
	want.UpdateURL = "https://update.example.com/check"
	want.CheckIntervalMinutes = 60
	want.Network.MaxAttemptsPerTransport = 5
	want.Network.Transports = []string{"direct", "mirror"}
	want.Mirror.Bucket = "updates"
	want.Mirror.Region = "eu-west-1"
	want.Installer.RebootExitCodes = []int{3010}
	if diff := cmp.Diff(want, cfg, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("BREEZE_UPDATER_PING_URL", "https://ping.example.com")
	t.Setenv("BREEZE_UPDATER_NETWORK_JITTER", "0.5")
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PingURL != "https://ping.example.com" || cfg.Network.Jitter != 0.5 {
		t.Fatalf("env not applied: ping=%q jitter=%v", cfg.PingURL, cfg.Network.Jitter)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for a missing explicit config file")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	cfg := Default()
	cfg.UpdateURL = "https://update.example.com"
	cfg.Verify.PublicKeys = []string{"11qYAYKxCrfVS/7TyWQHOg7hcvPapiMlrwIaaPcHURo="}
	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(cfg, loaded, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("round trip (-saved +loaded):\n%s", diff)
	}
}

func TestResolvedDirs(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"
	if got := cfg.ResolvedDownloadDir(); got != filepath.Join("/data", "downloads") {
		t.Fatalf("download dir = %s", got)
	}
	cfg.OfflineDir = "/media/usb"
	if got := cfg.ResolvedOfflineDir(); got != "/media/usb" {
		t.Fatalf("offline dir = %s", got)
	}
	cfg.DataDir = ""
	if cfg.ResolvedDataDir() != GetDataDir() {
		t.Fatal("empty data_dir should resolve to the platform default")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	changes := make(chan *Config, 4)
	cfg, err := Watch(path, func(c *Config, _ ValidationResult) { changes <- c })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if cfg.CheckIntervalMinutes != 60 {
		t.Fatalf("initial interval = %d", cfg.CheckIntervalMinutes)
	}

	updated := sampleYAML + "max_concurrent_operations: 9\n"
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.MaxConcurrentOperations == 9 {
				return
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
