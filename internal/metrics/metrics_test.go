package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/breeze-rmm/updater/internal/metrics"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	m.Transition("downloading")
	m.OperationStarted("check")
	m.OperationFinished("check", "ok", time.Second)
	m.TransportAttempt("direct", true)
	m.InstallSlotAcquired(time.Second)
	m.InstallSlotReleased()
	m.BundleStarted()
	m.BundleFinished("complete", "cli")
	m.PingDropped(3)
}

func TestCountersAndHandler(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	m.Transition("install_complete")
	m.Transition("install_complete")
	m.OperationStarted("install")
	m.OperationFinished("install", "ok", 2*time.Second)
	m.TransportAttempt("background", false)
	m.PingDropped(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`breeze_updater_app_transitions_total{state="install_complete"} 2`,
		`breeze_updater_operations_total{operation="install",outcome="ok"} 1`,
		`breeze_updater_active_operations{operation="install"} 0`,
		`breeze_updater_transport_attempts_total{result="error",transport="background"} 1`,
		`breeze_updater_pings_dropped_total 2`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestInstallSlotGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.InstallSlotAcquired(10 * time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var busy, waits bool
	for _, f := range families {
		switch f.GetName() {
		case "breeze_updater_install_slot_busy":
			busy = true
			if v := f.GetMetric()[0].GetGauge().GetValue(); v != 1 {
				t.Fatalf("slot busy = %v", v)
			}
		case "breeze_updater_install_slot_wait_seconds":
			waits = true
			if n := f.GetMetric()[0].GetHistogram().GetSampleCount(); n != 1 {
				t.Fatalf("wait samples = %d", n)
			}
		}
	}
	if !busy || !waits {
		t.Fatalf("install slot metrics missing (busy=%v wait=%v)", busy, waits)
	}
}
