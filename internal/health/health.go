// Package health tracks the status of the updater's long-lived components.
package health

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/breeze-rmm/updater/internal/logging"
)

var log = logging.L("health")

// Status is a component's health, ordered from best to worst.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	// Unknown ranks worst: a component that cannot report is not trusted.
	Unknown Status = "unknown"
)

var ranking = []Status{Healthy, Degraded, Unhealthy, Unknown}

func (s Status) rank() int { return slices.Index(ranking, s) }

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool { return s.rank() >= 0 }

// Check is the latest result for one component.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Report is the aggregate view served on the status endpoint.
type Report struct {
	Status     Status  `json:"status"`
	Components []Check `json:"components"`
}

// Probe computes a component's current status.
type Probe func(ctx context.Context) (Status, string)

// Monitor holds the latest check per component and the probes that refresh
// them. Components without a probe are updated by their owners.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
	probes map[string]Probe
}

func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]Check), probes: make(map[string]Probe)}
}

// Update records a result. An invalid status is stored as Unhealthy.
// Transitions into and out of Healthy are logged.
func (m *Monitor) Update(name string, status Status, message string) {
	if !status.IsValid() {
		message = fmt.Sprintf("invalid status %q: %s", status, message)
		status = Unhealthy
	}
	m.mu.Lock()
	prev, seen := m.checks[name]
	m.checks[name] = Check{Name: name, Status: status, Message: message, UpdatedAt: time.Now()}
	m.mu.Unlock()

	switch {
	case seen && prev.Status == status:
	case status != Healthy:
		log.Warn("health check degraded", logging.KeyComponent, name, "status", string(status), "message", message)
	case seen:
		log.Info("health check recovered", logging.KeyComponent, name)
	}
}

// Register adds a probe evaluated by Poll and Run.
func (m *Monitor) Register(name string, probe Probe) {
	m.mu.Lock()
	m.probes[name] = probe
	m.mu.Unlock()
}

// Poll evaluates every registered probe once.
func (m *Monitor) Poll(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.probes))
	probes := make([]Probe, 0, len(m.probes))
	for name, p := range m.probes {
		names = append(names, name)
		probes = append(probes, p)
	}
	m.mu.RUnlock()

	for i, p := range probes {
		status, msg := p(ctx)
		m.Update(names[i], status, msg)
	}
}

// Run polls immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Get returns the check for a component.
func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Report returns every check sorted by name and the worst status among
// them, or Unknown when nothing has reported yet.
func (m *Monitor) Report() Report {
	m.mu.RLock()
	rep := Report{Status: Unknown, Components: make([]Check, 0, len(m.checks))}
	for _, c := range m.checks {
		rep.Components = append(rep.Components, c)
	}
	m.mu.RUnlock()

	slices.SortFunc(rep.Components, func(a, b Check) int { return strings.Compare(a.Name, b.Name) })
	if len(rep.Components) > 0 {
		rep.Status = Healthy
		for _, c := range rep.Components {
			if c.Status.rank() > rep.Status.rank() {
				rep.Status = c.Status
			}
		}
	}
	return rep
}

// DiskProbe reports Degraded when the volume holding path has less than
// minFree bytes available, and Unhealthy when it cannot be read.
func DiskProbe(path string, minFree uint64) Probe {
	return func(ctx context.Context) (Status, string) {
		usage, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			return Unhealthy, err.Error()
		}
		if usage.Free < minFree {
			return Degraded, fmt.Sprintf("%d MB free on %s", usage.Free>>20, usage.Path)
		}
		return Healthy, ""
	}
}
