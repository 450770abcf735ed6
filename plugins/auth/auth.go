// Package auth is the built-in token authentication plugin. It guards
// the request pipeline with static bearer tokens: unauthorized requests
// short-circuit with a 401 response before any worker or plugin route
// runs. Identity federation (OIDC, OAuth) is an external concern; this
// plugin is the enforcement point, not the identity provider.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/buntime/errors"
	"github.com/teranos/buntime/logger"
	"github.com/teranos/buntime/plugin"
	"github.com/teranos/buntime/worker"
)

// Name is the manifest name this implementation answers to.
const Name = "auth"

// ServicePublicRoutes is where the runtime publishes a
// PublicRouteResolver so per-app public routes bypass token checks.
const ServicePublicRoutes = "apps.public_routes"

// PublicRouteResolver reports whether the named app's own configuration
// marks method+path as public.
type PublicRouteResolver func(app, method, path string) bool

// defaultTokenHeader carries a raw token when the Authorization header
// is inconvenient (curl scripts, webhooks).
const defaultTokenHeader = "X-Api-Key"

func init() {
	plugin.RegisterFactory(Name, New)
}

type authPlugin struct {
	tokens [][]byte
	public *worker.PublicRoutes
	header string
	realm  string

	appPublic PublicRouteResolver
	log       *zap.SugaredLogger
}

// New builds the plugin's hooks from its manifest options:
//
//	[options]
//	tokens = ["s3cret"]
//	public = ["/", "/assets/*"]
//	header = "X-Api-Key"
//	realm  = "buntime"
func New(options map[string]interface{}) (plugin.Hooks, error) {
	p := &authPlugin{
		header: defaultTokenHeader,
		realm:  "buntime",
		log:    zap.NewNop().Sugar(),
	}

	rawTokens, ok := options["tokens"].([]interface{})
	if !ok || len(rawTokens) == 0 {
		return plugin.Hooks{}, errors.New("auth plugin requires at least one token")
	}
	for _, raw := range rawTokens {
		token, ok := raw.(string)
		if !ok || token == "" {
			return plugin.Hooks{}, errors.New("auth tokens must be non-empty strings")
		}
		p.tokens = append(p.tokens, []byte(token))
	}

	public, err := parsePublic(options["public"])
	if err != nil {
		return plugin.Hooks{}, err
	}
	p.public = public

	if h, ok := options["header"].(string); ok && h != "" {
		p.header = h
	}
	if r, ok := options["realm"].(string); ok && r != "" {
		p.realm = r
	}

	return plugin.Hooks{
		OnInit:    p.onInit,
		OnRequest: p.onRequest,
	}, nil
}

func (p *authPlugin) onInit(ctx context.Context, pc *plugin.Context) error {
	p.log = pc.Log
	if raw, ok := pc.GetService(ServicePublicRoutes); ok {
		resolver, ok := raw.(PublicRouteResolver)
		if !ok {
			return errors.Newf("service %s has unexpected type %T", ServicePublicRoutes, raw)
		}
		p.appPublic = resolver
	}
	p.log.Infow("auth enabled",
		logger.FieldCount, len(p.tokens),
		"public_globs", p.public != nil,
	)
	return nil
}

// onRequest denies with a response, never an error: on the main
// pipeline hook errors are advisory and the request would continue.
func (p *authPlugin) onRequest(r *http.Request, app string) (*plugin.Response, *http.Request, error) {
	if p.public.Match(r.Method, r.URL.Path) {
		return nil, nil, nil
	}
	if p.appPublic != nil && app != "" && p.appPublic(app, r.Method, r.URL.Path) {
		return nil, nil, nil
	}
	if p.authorized(extractToken(r, p.header)) {
		return nil, nil, nil
	}

	p.log.Debugw("request denied",
		logger.FieldPath, r.URL.Path,
		"method", r.Method,
	)
	resp := plugin.NewResponse(http.StatusUnauthorized, []byte(`{"error":"unauthorized"}`))
	resp.Headers.Set("Content-Type", "application/json")
	resp.Headers.Set("WWW-Authenticate", `Bearer realm="`+p.realm+`"`)
	return resp, nil, nil
}

// authorized compares against every configured token so timing does not
// reveal how far the scan got.
func (p *authPlugin) authorized(token string) bool {
	if token == "" {
		return false
	}
	candidate := []byte(token)
	ok := false
	for _, t := range p.tokens {
		if subtle.ConstantTimeCompare(candidate, t) == 1 {
			ok = true
		}
	}
	return ok
}

// extractToken reads `Authorization: Bearer <token>` first, then the
// configured raw-token header.
func extractToken(r *http.Request, header string) string {
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return r.Header.Get(header)
}

// parsePublic converts the manifest's public option (array of globs or
// per-method map) into the shared public-routes matcher. Round-tripping
// through JSON reuses its validation, including the method whitelist.
func parsePublic(v interface{}) (*worker.PublicRoutes, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "invalid public routes")
	}
	var pr worker.PublicRoutes
	if err := json.Unmarshal(data, &pr); err != nil {
		return nil, errors.Wrap(err, "invalid public routes")
	}
	return &pr, nil
}
