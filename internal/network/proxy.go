package network

import (
	"net/url"

	"golang.org/x/net/http/httpproxy"

	"github.com/breeze-rmm/updater/internal/httputil"
)

// ProxyConfig overrides proxy settings from the environment. Empty fields
// fall back to HTTP_PROXY, HTTPS_PROXY and NO_PROXY.
type ProxyConfig struct {
	HTTPProxy  string
	HTTPSProxy string
	NoProxy    string
}

// ProxyResolver produces the proxy function used by one request.
type ProxyResolver struct {
	override ProxyConfig
	lookup   func() *httpproxy.Config
}

func NewProxyResolver(cfg ProxyConfig) *ProxyResolver {
	return &ProxyResolver{override: cfg, lookup: httpproxy.FromEnvironment}
}

// Resolve snapshots proxy configuration. A nil resolver reads the
// environment only.
func (r *ProxyResolver) Resolve() httputil.ProxyFunc {
	var (
		cfg      *httpproxy.Config
		override ProxyConfig
	)
	if r == nil || r.lookup == nil {
		cfg = httpproxy.FromEnvironment()
	} else {
		cfg = r.lookup()
		override = r.override
	}
	if override.HTTPProxy != "" {
		cfg.HTTPProxy = override.HTTPProxy
	}
	if override.HTTPSProxy != "" {
		cfg.HTTPSProxy = override.HTTPSProxy
	}
	if override.NoProxy != "" {
		cfg.NoProxy = override.NoProxy
	}

	fn := cfg.ProxyFunc()
	return func(u *url.URL) (*url.URL, error) {
		return fn(u)
	}
}
