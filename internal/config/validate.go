package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
)

var knownTransports = map[string]bool{
	"background": true,
	"direct":     true,
	"mirror":     true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates errors that must stop startup from values that
// were corrected or ignored.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

func (r *ValidationResult) fatal(format string, args ...any) {
	r.Fatals = append(r.Fatals, fmt.Errorf(format, args...))
}

func (r *ValidationResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Errorf(format, args...))
}

// clamp bounds *v to [lo, hi], recording a warning when it changes.
func (r *ValidationResult) clamp(name string, v *int, lo, hi int) {
	switch {
	case *v < lo:
		r.warn("%s %d is below minimum %d, clamping", name, *v, lo)
		*v = lo
	case *v > hi:
		r.warn("%s %d exceeds maximum %d, clamping", name, *v, hi)
		*v = hi
	}
}

// orDefault replaces *v with def when it lies outside [lo, hi].
func (r *ValidationResult) orDefault(name string, v *int, lo, hi, def int) {
	if *v < lo || *v > hi {
		r.warn("%s %d outside [%d, %d], using %d", name, *v, lo, hi, def)
		*v = def
	}
}

// Validate runs ValidateTiered, logs every problem and returns them.
func (c *Config) Validate() []error {
	result := c.ValidateTiered()
	for _, err := range result.Fatals {
		slog.Error("config validation", "error", err)
	}
	for _, err := range result.Warnings {
		slog.Warn("config validation", "error", err)
	}
	return result.AllErrors()
}

// ValidateTiered checks c in place. Out-of-range numbers are clamped to safe
// values and reported as warnings; values that cannot be corrected are
// fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	r.checkURL("update_url", c.UpdateURL, c.Network.AllowInsecureHTTP)
	r.checkURL("ping_url", c.PingURL, c.Network.AllowInsecureHTTP)

	r.clamp("check_interval_minutes", &c.CheckIntervalMinutes, 5, 7*24*60)
	// Zero leaves check and download operations unbounded.
	r.clamp("max_concurrent_operations", &c.MaxConcurrentOperations, 0, 64)
	r.clamp("operation_queue_size", &c.OperationQueueSize, 1, 10000)
	r.clamp("bundle_retention_minutes", &c.BundleRetentionMinutes, 1, 7*24*60)
	r.clamp("log_max_size_mb", &c.LogMaxSizeMB, 1, 1024)
	r.clamp("log_max_backups", &c.LogMaxBackups, 1, 100)
	r.clamp("audit_max_size_mb", &c.AuditMaxSizeMB, 1, 1024)
	r.clamp("audit_max_backups", &c.AuditMaxBackups, 1, 100)
	r.orDefault("cache.max_size_mb", &c.Cache.MaxSizeMB, 1, 5000, DefaultCacheSizeMB)
	r.orDefault("cache.max_age_days", &c.Cache.MaxAgeDays, 1, 1800, DefaultCacheAgeDays)

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.warn("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.warn("log_format %q is not valid (use text or json)", c.LogFormat)
	}

	n := &c.Network
	r.clamp("network.max_attempts_per_transport", &n.MaxAttemptsPerTransport, 1, 10)
	r.clamp("network.base_delay_ms", &n.BaseDelayMs, 10, 60000)
	r.clamp("network.max_delay_ms", &n.MaxDelayMs, n.BaseDelayMs, 600000)
	r.clamp("network.overall_timeout_seconds", &n.OverallTimeoutSeconds, 10, 24*60*60)
	if n.Jitter < 0 || n.Jitter > 1 {
		r.warn("network.jitter %.2f outside [0, 1], using 0.2", n.Jitter)
		n.Jitter = 0.2
	}
	for _, p := range []struct{ name, value string }{
		{"network.http_proxy", n.HTTPProxy},
		{"network.https_proxy", n.HTTPSProxy},
	} {
		if p.value == "" {
			continue
		}
		if _, err := url.Parse(p.value); err != nil {
			r.fatal("%s %q is not a valid URL: %w", p.name, p.value, err)
		}
	}
	known := n.Transports[:0]
	for _, name := range n.Transports {
		name = strings.ToLower(strings.TrimSpace(name))
		if !knownTransports[name] {
			r.warn("unknown transport %q ignored", name)
			continue
		}
		known = append(known, name)
	}
	n.Transports = known
	if len(n.Transports) == 0 {
		r.warn("network.transports is empty, using direct")
		n.Transports = []string{"direct"}
	}

	if c.Mirror.Bucket == "" && (c.Mirror.Region != "" || c.Mirror.Endpoint != "") {
		r.warn("mirror settings ignored without mirror.bucket")
	}
	if (c.Mirror.AccessKey == "") != (c.Mirror.SecretKey == "") {
		r.fatal("mirror.access_key and mirror.secret_key must be set together")
	}
	switch c.Mirror.Provider {
	case "", "s3", "gcs", "azure", "b2":
	default:
		r.fatal("mirror.provider %q is not one of s3, gcs, azure, b2", c.Mirror.Provider)
	}
	if c.Mirror.Bucket != "" && c.Mirror.Provider == "b2" && c.Mirror.AccessKey == "" {
		r.fatal("mirror.provider b2 needs mirror.access_key and mirror.secret_key")
	}
	if c.Mirror.Bucket != "" && c.Mirror.Provider == "azure" && c.Mirror.Endpoint == "" && c.Mirror.AccessKey == "" {
		r.fatal("mirror.provider azure needs mirror.endpoint or a storage account key pair")
	}

	r.clamp("installer.timeout_seconds", &c.Installer.TimeoutSeconds, 60, 4*60*60)
	if len(c.Installer.SuccessExitCodes) == 0 {
		r.warn("installer.success_exit_codes is empty, using [0]")
		c.Installer.SuccessExitCodes = []int{0}
	}

	for i, k := range c.Verify.PublicKeys {
		raw, err := base64.StdEncoding.DecodeString(k)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			r.fatal("verify.public_keys[%d] is not a base64 ed25519 public key", i)
		}
	}
	if c.Verify.RequireSignature && len(c.Verify.PublicKeys) == 0 {
		r.fatal("verify.require_signature needs at least one verify.public_keys entry")
	}

	if c.StatusListenAddr != "" {
		host, _, err := net.SplitHostPort(c.StatusListenAddr)
		if err != nil {
			r.fatal("status_listen_addr %q: %w", c.StatusListenAddr, err)
		} else if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			r.warn("status_listen_addr %q is not loopback; bundle state will be visible on the network", c.StatusListenAddr)
		}
	}

	return r
}

func (r *ValidationResult) checkURL(name, raw string, allowInsecure bool) {
	if raw == "" {
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		r.fatal("%s %q is not a valid URL: %w", name, raw, err)
		return
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !allowInsecure {
			r.warn("%s uses http but network.allow_insecure_http is false; requests will be refused", name)
		}
	default:
		r.fatal("%s scheme must be http or https, got %q", name, u.Scheme)
	}
	if u.Host == "" {
		r.fatal("%s %q has no host", name, raw)
	}
}
