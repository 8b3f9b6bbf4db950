package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/sync/errgroup"

	"github.com/breeze-rmm/updater/internal/audit"
	"github.com/breeze-rmm/updater/internal/config"
	"github.com/breeze-rmm/updater/internal/ipc"
	"github.com/breeze-rmm/updater/internal/logging"
)

const (
	pruneInterval  = time.Minute
	healthInterval = 30 * time.Second
	shutdownGrace  = 30 * time.Second
	// controlAttempts bounds control connections per peer per minute.
	controlAttempts = 60
)

// Service is the long-running updater: the bundle manager, the periodic
// update trigger, the control server and the status server.
type Service struct {
	Components *Components
	Manager    *Manager
	Scheduler  *Scheduler
	Control    *ipc.Server
	Status     *StatusServer

	mu          sync.Mutex
	cfg         *config.Config
	controlAddr string
	statusAddr  string
}

// New builds a service from cfg. The caller holds the singleton lock.
func New(ctx context.Context, cfg *config.Config, version string) (*Service, error) {
	comps, err := Build(ctx, cfg, version, Options{})
	if err != nil {
		return nil, err
	}

	key, err := ipc.LoadOrCreateKey(filepath.Join(cfg.ResolvedDataDir(), ipc.KeyFileName))
	if err != nil {
		comps.Close(ctx)
		return nil, fmt.Errorf("control key: %w", err)
	}

	m := NewManager(ManagerConfig{
		Apps:      comps.Registry,
		Runner:    comps.Worker,
		Purger:    comps.Downloads,
		Retention: time.Duration(cfg.BundleRetentionMinutes) * time.Minute,
	})
	s := &Service{
		Components: comps,
		Manager:    m,
		Scheduler:  NewScheduler(m, time.Duration(cfg.CheckIntervalMinutes)*time.Minute, 0),
		Control: &ipc.Server{
			Handler: m,
			Key:     key,
			Version: version,
			Limiter: ipc.NewRateLimiter(controlAttempts, time.Minute),
		},
		cfg:         cfg,
		controlAddr: cfg.ControlSocket,
		statusAddr:  cfg.StatusListenAddr,
	}
	if cfg.StatusListenAddr != "" {
		s.Status = NewStatusServer(m, comps.Health, comps.Metrics.Handler())
	}
	return s, nil
}

// Run serves until ctx ends, then shuts every component down. It returns
// the first component failure.
func (s *Service) Run(ctx context.Context) error {
	ln, err := ipc.Listen(s.controlAddr)
	if err != nil {
		return fmt.Errorf("control listener: %w", err)
	}

	c := s.Components
	c.Audit.Log(audit.EventServiceStart, map[string]any{
		"version": c.Version,
		"control": ln.Addr().String(),
	})
	log.Info("updater service started", "version", c.Version, "dataDir", c.Config.ResolvedDataDir())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Control.Serve(gctx, ln) })
	if s.Status != nil {
		g.Go(func() error { return s.Status.Serve(gctx, s.statusAddr) })
	}
	g.Go(func() error {
		s.Scheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.Manager.RunPruner(gctx, pruneInterval)
		return nil
	})
	g.Go(func() error {
		c.Health.Run(gctx, healthInterval)
		return nil
	})

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return errors.Join(runErr, s.shutdown())
}

func (s *Service) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	log.Info("updater service stopping")
	err := s.Manager.Close(ctx)
	if err != nil {
		log.Warn("bundles did not finish before shutdown", logging.KeyError, err)
	}
	s.Components.Audit.Log(audit.EventServiceStop, nil)
	return errors.Join(err, s.Components.Close(ctx))
}

// ApplyConfig takes the settings that can change without a restart from a
// reloaded config and reports the ones that need one.
func (s *Service) ApplyConfig(next *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.Scheduler.SetInterval(time.Duration(next.CheckIntervalMinutes) * time.Minute)
	s.Manager.SetRetention(time.Duration(next.BundleRetentionMinutes) * time.Minute)

	changes := map[string]any{
		"check_interval_minutes":   next.CheckIntervalMinutes,
		"bundle_retention_minutes": next.BundleRetentionMinutes,
		"log_level":                next.LogLevel,
	}
	if restart := restartSections(prev, next); len(restart) > 0 {
		changes["restartRequired"] = restart
		log.Warn("some config changes take effect after a restart", "sections", restart)
	}
	s.Components.Audit.Log(audit.EventConfigChange, changes)
	s.cfg = next
}

// restartSections names the config sections that changed between prev and
// next but are only read at startup.
func restartSections(prev, next *config.Config) []string {
	var restart []string
	if prev.UpdateURL != next.UpdateURL || prev.PingURL != next.PingURL {
		restart = append(restart, "server urls")
	}
	if !cmp.Equal(prev.Network, next.Network, cmpopts.EquateEmpty()) || prev.Mirror != next.Mirror {
		restart = append(restart, "network")
	}
	if prev.DownloadDir != next.DownloadDir || prev.Cache != next.Cache {
		restart = append(restart, "cache")
	}
	if prev.ControlSocket != next.ControlSocket || prev.StatusListenAddr != next.StatusListenAddr {
		restart = append(restart, "listeners")
	}
	return restart
}
