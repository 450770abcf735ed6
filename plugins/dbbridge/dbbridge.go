// Package dbbridge exposes the runtime's database pipeline under a
// plugin base path. The runtime owns the pipeline server and publishes
// it as a service; this plugin only decides where on the URL space it is
// reachable, so deployments can relocate or disable the wire protocol
// through plugin configuration alone.
package dbbridge

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/teranos/buntime/errors"
	"github.com/teranos/buntime/hrana"
	"github.com/teranos/buntime/logger"
	"github.com/teranos/buntime/plugin"
)

// Name is the manifest name this implementation answers to.
const Name = "dbbridge"

// Service keys the runtime publishes before plugins load.
const (
	// ServiceServer is the pipeline server handle (*hrana.Server).
	ServiceServer = "hrana.server"

	// ServiceWS is the websocket bridge handler (http.Handler).
	ServiceWS = "hrana.ws"
)

func init() {
	plugin.RegisterFactory(Name, New)
}

type bridgePlugin struct {
	srv *hrana.Server
	ws  http.Handler
	log *zap.SugaredLogger
}

// New builds the plugin's hooks. Options:
//
//	[options]
//	ws = false   # drop the websocket route, keep HTTP
func New(options map[string]interface{}) (plugin.Hooks, error) {
	p := &bridgePlugin{log: zap.NewNop().Sugar()}

	routes := map[string]http.Handler{
		"/v2/pipeline": http.HandlerFunc(p.handlePipeline),
	}
	wantWS := true
	if v, ok := options["ws"].(bool); ok {
		wantWS = v
	}
	if wantWS {
		routes["/v2"] = http.HandlerFunc(p.handleWS)
	}

	return plugin.Hooks{
		OnInit: p.onInit,
		Routes: routes,
	}, nil
}

// onInit resolves the runtime services. A runtime with the pipeline
// disabled registers neither; the bridge then stays mounted but refuses
// requests instead of failing the whole plugin load.
func (p *bridgePlugin) onInit(ctx context.Context, pc *plugin.Context) error {
	p.log = pc.Log

	raw, ok := pc.GetService(ServiceServer)
	if !ok {
		p.log.Warnw("database pipeline is not enabled; bridge routes will refuse requests",
			logger.FieldService, ServiceServer,
		)
		return nil
	}
	srv, ok := raw.(*hrana.Server)
	if !ok {
		return errors.Newf("service %s has unexpected type %T", ServiceServer, raw)
	}
	p.srv = srv

	if raw, ok := pc.GetService(ServiceWS); ok {
		h, ok := raw.(http.Handler)
		if !ok {
			return errors.Newf("service %s has unexpected type %T", ServiceWS, raw)
		}
		p.ws = h
	}
	return nil
}

func (p *bridgePlugin) handlePipeline(w http.ResponseWriter, r *http.Request) {
	if p.srv == nil {
		http.Error(w, "database pipeline unavailable", http.StatusServiceUnavailable)
		return
	}
	p.srv.HandlePipeline(w, r)
}

func (p *bridgePlugin) handleWS(w http.ResponseWriter, r *http.Request) {
	if p.ws == nil {
		http.Error(w, "database pipeline unavailable", http.StatusServiceUnavailable)
		return
	}
	p.ws.ServeHTTP(w, r)
}
