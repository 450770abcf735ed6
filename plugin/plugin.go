// Package plugin provides the plugin architecture for the buntime
// request pipeline.
//
// A plugin is declared by a manifest on disk (TOML or JSON) and
// implemented by a compiled-in factory registered under the manifest's
// name. The loader scans configured directories, orders plugins by
// their dependencies, and initializes each one with a Context giving it
// scoped access to runtime services. The registry then fans pipeline
// events out to every plugin's hooks in load order.
//
// Plugins are capability sets, not interfaces: every hook field is
// optional and nil fields are skipped.
package plugin

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

// Plugin is one loaded plugin: manifest metadata plus the hook set its
// factory produced.
type Plugin struct {
	// Name identifies the plugin. It comes from the manifest's name
	// field, never from the filesystem.
	Name string

	// Version is the plugin's own version string.
	Version string

	// Base is the URL path the plugin is mounted under, if any.
	Base string

	// Dir is the directory the plugin was discovered in.
	Dir string

	// Entry is the plugin's entry file when one exists on disk.
	Entry string

	// Options carries the free-form manifest fields.
	Options map[string]interface{}

	Hooks Hooks
}

// Hooks is the optional capability set of a plugin implementation.
type Hooks struct {
	// OnInit runs once at load time, before the plugin serves anything.
	// It gets 30 seconds; slower plugins fail the load.
	OnInit func(ctx context.Context, pc *Context) error

	// OnRequest may rewrite the request by returning a replacement, or
	// short-circuit the pipeline by returning a response. On error the
	// next hook sees the request unchanged.
	OnRequest func(req *http.Request, app string) (*Response, *http.Request, error)

	// OnResponse may transform the outgoing response. Errors abort the
	// response chain.
	OnResponse func(ctx context.Context, res *Response, app string) (*Response, error)

	// OnServerStart runs once the HTTP listener is up.
	OnServerStart func(ctx context.Context) error

	// OnShutdown runs during runtime shutdown, in reverse load order.
	OnShutdown func(ctx context.Context) error

	// OnWorkerSpawn and OnWorkerTerminate observe worker lifecycle; key
	// is the app key the worker serves.
	OnWorkerSpawn     func(ctx context.Context, key string) error
	OnWorkerTerminate func(ctx context.Context, key string) error

	// WebSocket participates in upgraded connections.
	WebSocket *WebSocketHooks

	// Routes are static handlers mounted under the plugin's base path.
	// Keys are base-relative ("/" claims the whole subtree); handlers see
	// request paths with the base already stripped, so plugins stay
	// relocatable. The server auth-wraps every route.
	Routes map[string]http.Handler

	// Provides returns service handles to publish in the registry once
	// OnInit has completed.
	Provides func(ctx context.Context) (map[string]interface{}, error)
}

// Response is a materialized HTTP response passed between plugin hooks
// and written out by the pipeline.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// NewResponse builds a response with an empty header map.
func NewResponse(status int, body []byte) *Response {
	return &Response{Status: status, Headers: make(http.Header), Body: body}
}

// Send writes the response to w. A zero status sends 200.
func (r *Response) Send(w http.ResponseWriter) {
	for k, vals := range r.Headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(r.Body) > 0 {
		_, _ = w.Write(r.Body)
	}
}

// Header returns the first value for k, mirroring http.Header.Get.
func (r *Response) Header(k string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(k)
}

// WSConn is one upgraded websocket connection, shared by every plugin's
// websocket hooks. Hooks for a single connection run sequentially on the
// connection's read loop, so Data needs no locking.
type WSConn struct {
	// Path is the request path the connection was upgraded on.
	Path string

	// Owner names the plugin that claimed the upgrade.
	Owner string

	// Conn is the underlying connection.
	Conn *websocket.Conn

	// Data holds per-connection plugin state, keyed by plugin name by
	// convention.
	Data map[string]interface{}
}

// WebSocketHooks is a plugin's share of the websocket lifecycle.
type WebSocketHooks struct {
	// Match claims upgrade paths for this plugin. Nil claims nothing;
	// the other handlers still run for connections claimed by other
	// plugins.
	Match func(path string) bool

	// Open runs once after the upgrade.
	Open func(ctx context.Context, c *WSConn) error

	// Message runs for every inbound frame.
	Message func(ctx context.Context, c *WSConn, data []byte) error

	// Close runs when the connection ends.
	Close func(c *WSConn)
}
