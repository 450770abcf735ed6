package server

import (
	"net/http"
	"path"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/teranos/buntime/errors"
	"github.com/teranos/buntime/logger"
	"github.com/teranos/buntime/plugin"
)

// handlePipeline serves everything no static route claimed: websocket
// upgrades go to plugins, plain requests run the hook chain and then a
// worker. The app name handed to hooks is the plugin name for
// plugin-owned paths and the first path segment otherwise; hooks may
// rewrite the request, so the filesystem lookup happens after them.
func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	if s.getState() != stateRunning {
		writeError(w, http.StatusServiceUnavailable, "server is not accepting requests")
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		p, ok := s.registry.ClaimWS(r.URL.Path)
		if !ok {
			writeError(w, http.StatusNotFound, "no websocket handler for path")
			return
		}
		s.serveWebSocket(w, r, p)
		return
	}

	app := ""
	appDir := ""
	if p, ok := s.registry.ResolvePluginApp(r.URL.Path); ok {
		app = p.Name
		appDir = p.Dir
	} else {
		app = firstSegment(r.URL.Path)
	}

	// Hook errors are advisory here; the registry has already logged
	// them and the request continues unchanged.
	resp, req, _ := s.registry.RunOnRequest(r, app)
	if resp != nil {
		resp.Send(w)
		return
	}
	r = req

	if appDir == "" {
		seg := firstSegment(r.URL.Path)
		if seg == "" {
			writeError(w, http.StatusNotFound, "no application matches path")
			return
		}
		dir, err := s.resolveAppDir(seg)
		if err != nil {
			writeError(w, http.StatusNotFound, "no application matches path")
			return
		}
		app = seg
		appDir = dir
	}

	cfg, err := s.appConfig(appDir)
	if err != nil {
		s.log.Errorw("invalid application config",
			logger.FieldAppDir, appDir,
			logger.FieldError, err,
		)
		writeError(w, http.StatusInternalServerError, "invalid application configuration")
		return
	}

	res, err := s.pool.Fetch(r.Context(), appDir, cfg, r, nil)
	if err != nil {
		s.writeWorkerError(w, app, err)
		return
	}

	out := &plugin.Response{
		Status:  res.Status,
		Headers: headersFromMap(res.Headers),
		Body:    res.Body,
	}
	out, err = s.registry.RunOnResponse(r.Context(), out, app)
	if err != nil {
		s.log.Errorw("response hook chain failed",
			logger.FieldAppKey, app,
			logger.FieldError, err,
		)
		writeError(w, http.StatusInternalServerError, "response processing failed")
		return
	}
	out.Send(w)
}

// writeWorkerError maps pool failures onto gateway-style statuses: the
// runtime fronts the worker the way a proxy fronts an upstream.
func (s *Server) writeWorkerError(w http.ResponseWriter, app string, err error) {
	switch {
	case errors.IsNotFoundError(err):
		writeError(w, http.StatusNotFound, "no application matches path")
	case errors.Is(err, errors.ErrTimeout):
		s.log.Warnw("worker request timed out", logger.FieldAppKey, app)
		writeError(w, http.StatusGatewayTimeout, "application timed out")
	default:
		s.log.Errorw("worker request failed",
			logger.FieldAppKey, app,
			logger.FieldError, err,
		)
		writeError(w, http.StatusBadGateway, "application unavailable")
	}
}

// headersFromMap rebuilds an http.Header from a worker's flattened
// header map.
func headersFromMap(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

// firstSegment extracts the leading path segment of a cleaned request
// path: "/blog/posts/1" yields "blog". Empty when the path has none.
func firstSegment(reqPath string) string {
	trimmed := strings.TrimPrefix(path.Clean("/"+reqPath), "/")
	if trimmed == "" || trimmed == "." {
		return ""
	}
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}
