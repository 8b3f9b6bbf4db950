package health

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestReportStatus(t *testing.T) {
	tests := []struct {
		name    string
		updates map[string]Status
		want    Status
	}{
		{name: "empty", want: Unknown},
		{name: "all healthy", updates: map[string]Status{"a": Healthy, "b": Healthy}, want: Healthy},
		{name: "degraded wins", updates: map[string]Status{"a": Healthy, "b": Degraded}, want: Degraded},
		{name: "unhealthy beats degraded", updates: map[string]Status{"a": Degraded, "b": Unhealthy}, want: Unhealthy},
		{name: "unknown is worst", updates: map[string]Status{"a": Unhealthy, "b": Unknown}, want: Unknown},
		{name: "invalid coerced", updates: map[string]Status{"a": Status("ok")}, want: Unhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor()
			for name, s := range tt.updates {
				m.Update(name, s, "")
			}
			rep := m.Report()
			if rep.Status != tt.want {
				t.Fatalf("status = %q, want %q", rep.Status, tt.want)
			}
			if len(rep.Components) != len(tt.updates) {
				t.Fatalf("components = %d, want %d", len(rep.Components), len(tt.updates))
			}
		})
	}
}

func TestReportSortedByName(t *testing.T) {
	m := NewMonitor()
	for _, name := range []string{"registry", "audit", "disk"} {
		m.Update(name, Healthy, "")
	}
	var got []string
	for _, c := range m.Report().Components {
		got = append(got, c.Name)
	}
	if diff := cmp.Diff([]string{"audit", "disk", "registry"}, got); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
}

func TestStatusIsValid(t *testing.T) {
	for _, s := range []Status{Healthy, Degraded, Unhealthy, Unknown} {
		if !s.IsValid() {
			t.Errorf("IsValid(%q) = false", s)
		}
	}
	for _, s := range []Status{"garbage", "", "ok"} {
		if s.IsValid() {
			t.Errorf("IsValid(%q) = true", s)
		}
	}
}

func TestUpdateKeepsMessage(t *testing.T) {
	m := NewMonitor()
	if _, ok := m.Get("disk"); ok {
		t.Fatal("Get found a component that never reported")
	}
	m.Update("disk", Status("bogus"), "bad value")
	c, ok := m.Get("disk")
	if !ok || c.Status != Unhealthy || c.Message != `invalid status "bogus": bad value` {
		t.Fatalf("check = %+v, %v", c, ok)
	}
}

func TestReportConsistentUnderUpdates(t *testing.T) {
	m := NewMonitor()
	m.Update("comp", Healthy, "")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.Update("comp", Degraded, "busy")
			} else {
				m.Update("comp", Healthy, "")
			}
		}(i)
		go func() {
			defer wg.Done()
			rep := m.Report()
			if len(rep.Components) != 1 || rep.Status != rep.Components[0].Status {
				t.Errorf("inconsistent report %+v", rep)
			}
		}()
	}
	wg.Wait()
}

func TestPollRunsRegisteredProbes(t *testing.T) {
	m := NewMonitor()
	calls := 0
	m.Register("registry", func(context.Context) (Status, string) {
		calls++
		return Degraded, "busy"
	})
	m.Poll(context.Background())

	c, ok := m.Get("registry")
	if !ok || c.Status != Degraded || c.Message != "busy" || calls != 1 {
		t.Fatalf("check = %+v ok=%v calls=%d", c, ok, calls)
	}
}

func TestRunPollsThenStops(t *testing.T) {
	m := NewMonitor()
	m.Register("x", func(context.Context) (Status, string) { return Healthy, "" })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Hour)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if _, ok := m.Get("x"); !ok {
		t.Fatal("Run should poll once before waiting")
	}
}

func TestDiskProbe(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		path    string
		minFree uint64
		want    Status
	}{
		{dir, 0, Healthy},
		{dir, math.MaxUint64, Degraded},
		{dir + "/missing", 0, Unhealthy},
	}
	for _, tt := range tests {
		if got, msg := DiskProbe(tt.path, tt.minFree)(context.Background()); got != tt.want {
			t.Errorf("DiskProbe(%s, %d) = %q (%s), want %q", tt.path, tt.minFree, got, msg, tt.want)
		}
	}
}
