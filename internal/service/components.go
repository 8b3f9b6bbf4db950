package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/breeze-rmm/updater/internal/audit"
	"github.com/breeze-rmm/updater/internal/config"
	"github.com/breeze-rmm/updater/internal/download"
	"github.com/breeze-rmm/updater/internal/health"
	"github.com/breeze-rmm/updater/internal/httputil"
	"github.com/breeze-rmm/updater/internal/installer"
	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/manifest"
	"github.com/breeze-rmm/updater/internal/metrics"
	"github.com/breeze-rmm/updater/internal/network"
	"github.com/breeze-rmm/updater/internal/ping"
	"github.com/breeze-rmm/updater/internal/registry"
	"github.com/breeze-rmm/updater/internal/verify"
	"github.com/breeze-rmm/updater/internal/worker"
)

// RegistryFile is the registry database name inside the data directory.
const RegistryFile = "registry.db"

// minFreeDisk is the free space below which the downloads volume reports
// degraded health.
const minFreeDisk = 512 << 20

// Components is the update engine built from a config: the worker and every
// collaborator it drives, plus the reporters that observe it.
type Components struct {
	Config    *config.Config
	Version   string
	Registry  *registry.Store
	Metrics   *metrics.Metrics
	Prom      *prometheus.Registry
	Audit     *audit.Logger
	Ping      *ping.Sink
	Downloads *download.Downloader
	Worker    *worker.Worker
	Health    *health.Monitor

	ownsRegistry bool
}

// Options adjusts Build for callers that already hold some resources.
type Options struct {
	// Registry is used instead of opening <data_dir>/registry.db.
	Registry *registry.Store
	// DisablePing skips the remote ping sink even when ping_url is set.
	DisablePing bool
}

// Build wires the update engine described by cfg. The caller must Close the
// result.
func Build(ctx context.Context, cfg *config.Config, version string, opts Options) (*Components, error) {
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	c := &Components{
		Config:   cfg,
		Version:  version,
		Registry: opts.Registry,
		Prom:     prometheus.NewRegistry(),
		Health:   health.NewMonitor(),
	}
	c.Metrics = metrics.New(c.Prom)

	fail := func(err error) (*Components, error) {
		c.Close(ctx)
		return nil, err
	}

	if c.Registry == nil {
		store, err := registry.Open(filepath.Join(dataDir, RegistryFile))
		if err != nil {
			return fail(fmt.Errorf("open registry: %w", err))
		}
		c.Registry = store
		c.ownsRegistry = true
	}

	auditLog, err := audit.New(dataDir, cfg.AuditMaxSizeMB, cfg.AuditMaxBackups)
	if err != nil {
		return fail(fmt.Errorf("open audit log: %w", err))
	}
	c.Audit = auditLog

	checks, downloads, pings, err := c.networkClients(ctx)
	if err != nil {
		return fail(err)
	}

	var online worker.ManifestSource
	if cfg.UpdateURL != "" {
		online = manifest.NewClient(cfg.UpdateURL, checks, version)
	}
	router := &manifest.Router{
		Online:  online,
		Offline: &manifest.OfflineSource{Dir: cfg.ResolvedOfflineDir()},
	}

	verifier, err := verify.New(cfg.Verify.PublicKeys, cfg.Verify.RequireSignature)
	if err != nil {
		return fail(fmt.Errorf("verifier: %w", err))
	}

	c.Downloads = download.New(cfg.ResolvedDownloadDir(), downloads)
	c.Downloads.Cache = download.NewCache(filepath.Join(dataDir, "cache"), cfg.Cache.MaxSizeMB, cfg.Cache.MaxAgeDays)
	if err := c.Downloads.Cache.Prune(); err != nil {
		log.Warn("pruning payload cache", logging.KeyError, err)
	}

	reporters := ping.Fanout{c.Audit}
	if cfg.PingURL != "" && !opts.DisablePing {
		c.Ping = ping.New(ping.Config{
			URL:            cfg.PingURL,
			Client:         pings,
			UpdaterVersion: version,
			Metrics:        c.Metrics,
		})
		reporters = append(reporters, c.Ping)
	}

	w, err := worker.New(worker.Config{
		Policy:     WorkerPolicy(cfg),
		Manifest:   router,
		Downloader: c.Downloads,
		Verifier:   verifier,
		Cache:      c.Downloads,
		Installer:  installer.New(time.Duration(cfg.Installer.TimeoutSeconds) * time.Second),
		Recorder:   c.Registry,
		Reporter:   reporters,
		Metrics:    c.Metrics,
	})
	if err != nil {
		return fail(err)
	}
	c.Worker = w

	c.Health.Register("disk", health.DiskProbe(dataDir, minFreeDisk))
	c.Health.Register("registry", c.registryProbe)
	c.Health.Register("audit", c.auditProbe)
	if c.Ping != nil {
		c.Ping.Start()
	}
	return c, nil
}

// networkClients builds the three request chains: update checks and pings go
// direct, downloads try the configured transports with local files first.
func (c *Components) networkClients(ctx context.Context) (checks, downloads, pings *network.Client, err error) {
	cfg := c.Config
	policy := NetworkPolicy(cfg)
	proxy := network.NewProxyResolver(network.ProxyConfig{
		HTTPProxy:  cfg.Network.HTTPProxy,
		HTTPSProxy: cfg.Network.HTTPSProxy,
		NoProxy:    cfg.Network.NoProxy,
	})
	ua := httputil.UserAgent(c.Version)

	direct := &network.DirectTransport{AllowInsecure: cfg.Network.AllowInsecureHTTP, UserAgent: ua}
	background := &network.BackgroundTransport{AllowInsecure: cfg.Network.AllowInsecureHTTP, UserAgent: ua}

	var mirror network.Transport
	if cfg.Mirror.Bucket != "" {
		m, merr := network.NewMirrorTransport(ctx, network.MirrorConfig{
			Provider:        cfg.Mirror.Provider,
			Bucket:          cfg.Mirror.Bucket,
			Region:          cfg.Mirror.Region,
			Prefix:          cfg.Mirror.Prefix,
			Endpoint:        cfg.Mirror.Endpoint,
			AccessKey:       cfg.Mirror.AccessKey,
			SecretKey:       cfg.Mirror.SecretKey,
			CredentialsFile: cfg.Mirror.CredentialsFile,
		})
		if merr != nil {
			return nil, nil, nil, fmt.Errorf("mirror transport: %w", merr)
		}
		mirror = m
	}

	names := make([]string, 0, len(cfg.Network.Transports))
	for _, name := range cfg.Network.Transports {
		if name == "mirror" && mirror == nil {
			log.Debug("mirror transport listed without mirror.bucket, skipping")
			continue
		}
		names = append(names, name)
	}
	chain, err := network.Select(names, direct, background, mirror)
	if err != nil {
		return nil, nil, nil, err
	}
	chain = append([]network.Transport{&network.FileTransport{}}, chain...)

	observe := func(a network.Attempt) {
		c.Metrics.TransportAttempt(a.Transport, a.Succeeded())
	}
	checks = network.NewClient(policy, proxy, direct).WithObserver(observe)
	downloads = network.NewClient(policy, proxy, chain...).WithObserver(observe)
	pings = network.NewClient(policy, proxy, direct)
	return checks, downloads, pings, nil
}

// NetworkPolicy converts the network section of cfg.
func NetworkPolicy(cfg *config.Config) network.Policy {
	n := cfg.Network
	return network.Policy{
		MaxAttemptsPerTransport: n.MaxAttemptsPerTransport,
		BaseDelay:               time.Duration(n.BaseDelayMs) * time.Millisecond,
		MaxDelay:                time.Duration(n.MaxDelayMs) * time.Millisecond,
		Jitter:                  n.Jitter,
		OverallTimeout:          time.Duration(n.OverallTimeoutSeconds) * time.Second,
	}
}

// WorkerPolicy converts the installer and concurrency settings of cfg.
func WorkerPolicy(cfg *config.Config) worker.Policy {
	return worker.Policy{
		SuccessExitCodes:        cfg.Installer.SuccessExitCodes,
		RebootExitCodes:         cfg.Installer.RebootExitCodes,
		MaxConcurrentOperations: cfg.MaxConcurrentOperations,
		OperationQueueSize:      cfg.OperationQueueSize,
	}
}

func (c *Components) registryProbe(ctx context.Context) (health.Status, string) {
	if _, err := c.Registry.List(ctx); err != nil {
		return health.Unhealthy, err.Error()
	}
	return health.Healthy, ""
}

func (c *Components) auditProbe(context.Context) (health.Status, string) {
	if n := c.Audit.DroppedCount(); n > 0 {
		return health.Degraded, fmt.Sprintf("%d audit entries dropped", n)
	}
	return health.Healthy, ""
}

// Close stops the worker, flushes the ping sink and closes the stores. Every
// failure is reported.
func (c *Components) Close(ctx context.Context) error {
	var result *multierror.Error
	if c.Worker != nil {
		c.Worker.Close(ctx)
	}
	if c.Ping != nil {
		c.Ping.Stop()
	}
	if c.Audit != nil {
		if err := c.Audit.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("audit: %w", err))
		}
	}
	if c.Registry != nil && c.ownsRegistry {
		if err := c.Registry.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("registry: %w", err))
		}
	}
	return result.ErrorOrNil()
}
