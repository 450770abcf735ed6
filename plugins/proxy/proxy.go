// Package proxy is the built-in reverse-proxy plugin. Manifest routes map
// URL path prefixes to upstream servers; matching requests short-circuit
// the pipeline before any worker is consulted. Proxied HTML can get a
// <base> tag and prefix-rewritten root-relative links so assets resolve
// through the proxy.
package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/buntime/errors"
	"github.com/teranos/buntime/internal/httpclient"
	"github.com/teranos/buntime/logger"
	"github.com/teranos/buntime/plugin"
)

// Name is the manifest name this implementation answers to.
const Name = "proxy"

const (
	defaultUpstreamTimeout = 30 * time.Second

	// maxUpstreamBody caps how much of an upstream response is buffered.
	maxUpstreamBody = 32 << 20
)

func init() {
	plugin.RegisterFactory(Name, New)
}

// route is one configured prefix → upstream mapping.
type route struct {
	prefix   string
	upstream *url.URL
}

type proxyPlugin struct {
	routes     []route // longest prefix first
	injectBase bool
	client     *httpclient.SaferClient
	log        *zap.SugaredLogger
}

// New builds the plugin's hooks from its manifest options:
//
//	[options.routes]
//	"/docs" = "https://docs.example.com"
//
//	[options]
//	injectBase = true
//	timeout_ms = 10000
func New(options map[string]interface{}) (plugin.Hooks, error) {
	p := &proxyPlugin{
		log: zap.NewNop().Sugar(),
	}

	rawRoutes, ok := options["routes"].(map[string]interface{})
	if !ok || len(rawRoutes) == 0 {
		return plugin.Hooks{}, errors.New("proxy plugin requires a routes table")
	}
	for prefix, rawUpstream := range rawRoutes {
		upstream, ok := rawUpstream.(string)
		if !ok {
			return plugin.Hooks{}, errors.Newf("proxy route %q: upstream must be a string", prefix)
		}
		if !strings.HasPrefix(prefix, "/") {
			return plugin.Hooks{}, errors.Newf("proxy route %q must start with /", prefix)
		}
		u, err := url.Parse(upstream)
		if err != nil {
			return plugin.Hooks{}, errors.Wrapf(err, "proxy route %q: invalid upstream", prefix)
		}
		if u.Scheme == "" || u.Host == "" {
			return plugin.Hooks{}, errors.Newf("proxy route %q: upstream %q must be absolute", prefix, upstream)
		}
		p.routes = append(p.routes, route{
			prefix:   strings.TrimSuffix(prefix, "/"),
			upstream: u,
		})
	}
	// Longest prefix wins when routes nest.
	sort.Slice(p.routes, func(i, j int) bool {
		return len(p.routes[i].prefix) > len(p.routes[j].prefix)
	})

	if v, ok := options["injectBase"].(bool); ok {
		p.injectBase = v
	}

	timeout := defaultUpstreamTimeout
	if ms := optInt(options["timeout_ms"]); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	if allow, ok := options["allowInternal"].(bool); ok && allow {
		// Operator opt-in for upstreams on private networks. Leaves the
		// scheme and credential checks in place.
		blockPrivate := false
		p.client = httpclient.NewWithOptions(timeout, httpclient.Options{BlockPrivateIP: &blockPrivate})
	} else {
		p.client = httpclient.New(timeout)
	}

	return plugin.Hooks{
		OnInit: func(ctx context.Context, pc *plugin.Context) error {
			p.log = pc.Log
			p.log.Infow("proxy routes configured", logger.FieldCount, len(p.routes))
			return nil
		},
		OnRequest: p.onRequest,
	}, nil
}

// match returns the route owning path and the remainder after its prefix.
func (p *proxyPlugin) match(path string) (*route, string, bool) {
	for i := range p.routes {
		r := &p.routes[i]
		if path == r.prefix {
			return r, "/", true
		}
		if strings.HasPrefix(path, r.prefix+"/") {
			return r, strings.TrimPrefix(path, r.prefix), true
		}
	}
	return nil, "", false
}

// onRequest short-circuits requests whose path matches a configured
// prefix. Non-matching requests pass through untouched.
func (p *proxyPlugin) onRequest(req *http.Request, app string) (*plugin.Response, *http.Request, error) {
	r, rest, ok := p.match(req.URL.Path)
	if !ok {
		return nil, nil, nil
	}

	resp, err := p.forward(req, r, rest)
	if err != nil {
		p.log.Warnw("proxy upstream failed",
			logger.FieldPath, req.URL.Path,
			"upstream", r.upstream.String(),
			logger.FieldError, err,
		)
		return plugin.NewResponse(http.StatusBadGateway, []byte("upstream unavailable")), nil, nil
	}
	return resp, nil, nil
}

// forward relays the request to the route's upstream and materializes the
// response.
func (p *proxyPlugin) forward(req *http.Request, r *route, rest string) (*plugin.Response, error) {
	target := *r.upstream
	target.Path = singleJoin(target.Path, rest)
	target.RawQuery = req.URL.RawQuery

	var body io.Reader
	if req.Body != nil {
		body = req.Body
	}
	out, err := http.NewRequestWithContext(req.Context(), req.Method, target.String(), body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build upstream request")
	}
	copyHeaders(out.Header, req.Header)
	out.Header.Set("X-Forwarded-Host", req.Host)
	if req.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}

	res, err := p.client.Do(out)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxUpstreamBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read upstream response")
	}

	if p.injectBase && isHTML(res.Header.Get("Content-Type")) {
		data = rewriteHTML(data, r.prefix)
	}

	resp := plugin.NewResponse(res.StatusCode, data)
	copyHeaders(resp.Headers, res.Header)
	resp.Headers.Del("Content-Length")
	if len(data) > 0 {
		resp.Headers.Set("Content-Length", strconv.Itoa(len(data)))
	}
	return resp, nil
}

// hopHeaders are connection-scoped and never forwarded in either
// direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

func isHTML(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/html")
}

// optInt reads a numeric option. TOML manifests decode integers as
// int64, JSON ones as float64.
func optInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// singleJoin joins two path segments with exactly one slash.
func singleJoin(a, b string) string {
	switch {
	case strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/"):
		return a + b[1:]
	case !strings.HasSuffix(a, "/") && !strings.HasPrefix(b, "/"):
		return a + "/" + b
	}
	return a + b
}

var (
	headRe = regexp.MustCompile(`(?i)<head[^>]*>`)
	baseRe = regexp.MustCompile(`(?i)<base\s`)

	// Root-relative href/src/action values. Protocol-relative URLs
	// (//host/...) are left alone.
	rootRelRe = regexp.MustCompile(`(?i)(href|src|action)=(["'])/([^/"'][^"']*)?(["'])`)
)

// rewriteHTML makes upstream documents navigable under the proxied
// prefix: root-relative links get the prefix prepended, and a <base> tag
// anchors document-relative ones. Documents carrying their own <base>
// keep it.
func rewriteHTML(data []byte, prefix string) []byte {
	data = rootRelRe.ReplaceAll(data, []byte(`$1=$2`+prefix+`/$3$4`))

	if baseRe.Match(data) {
		return data
	}
	if loc := headRe.FindIndex(data); loc != nil {
		var buf bytes.Buffer
		buf.Grow(len(data) + len(prefix) + 32)
		buf.Write(data[:loc[1]])
		buf.WriteString(`<base href="` + prefix + `/">`)
		buf.Write(data[loc[1]:])
		return buf.Bytes()
	}
	return data
}
