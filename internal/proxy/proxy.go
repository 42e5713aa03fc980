// Package proxy fronts an upstream site with the maintenance gate.
package proxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.uber.org/zap"

	"github.com/mackeh/sitelock/internal/gate"
	"github.com/mackeh/sitelock/internal/logging"
)

// Proxy forwards allowed requests to the upstream and answers intercepted
// ones with the maintenance response.
type Proxy struct {
	Upstream *url.URL
	handler  http.Handler
	logger   *zap.Logger
}

// New returns a gated reverse proxy to upstream.
func New(upstream string, engine *gate.Engine, resp gate.Response, logger *zap.Logger) (*Proxy, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", upstream, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream %q: scheme must be http or https", upstream)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q: missing host", upstream)
	}

	p := &Proxy{Upstream: target, logger: logging.OrNop(logger)}
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ErrorHandler: p.upstreamError,
	}
	p.handler = gate.Middleware(engine, resp, rp)
	return p, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.handler.ServeHTTP(w, r)
}

func (p *Proxy) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	p.logger.Warn("upstream request failed",
		zap.String("upstream", p.Upstream.Host),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	http.Error(w, "Upstream unavailable", http.StatusBadGateway)
}
