package server

import (
	"net/http"
	"time"

	"github.com/teranos/buntime/version"
	"github.com/teranos/buntime/worker"
)

// healthResponse is the GET <prefix>/health body.
type healthResponse struct {
	Status     string `json:"status"`
	State      string `json:"state"`
	InstanceID string `json:"instance_id"`
	Version    string `json:"version"`
	UptimeMS   int64  `json:"uptime_ms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	state := s.getState()
	status := "ok"
	code := http.StatusOK
	if state != stateRunning {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	var uptime int64
	if !s.startedAt.IsZero() {
		uptime = time.Since(s.startedAt).Milliseconds()
	}
	writeJSON(w, code, healthResponse{
		Status:     status,
		State:      stateString(state),
		InstanceID: s.instanceID,
		Version:    version.Get().Version,
		UptimeMS:   uptime,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, version.Get())
}

// metricsResponse is the GET <prefix>/metrics body: the pool snapshot
// plus pipeline session pressure.
type metricsResponse struct {
	Pool     worker.PoolMetrics `json:"pool"`
	Hrana    *hranaMetrics      `json:"hrana,omitempty"`
	State    string             `json:"state"`
	UptimeMS int64              `json:"uptime_ms"`
}

type hranaMetrics struct {
	Sessions int `json:"sessions"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	resp := metricsResponse{
		Pool:  s.pool.Metrics(),
		State: stateString(s.getState()),
	}
	if !s.startedAt.IsZero() {
		resp.UptimeMS = time.Since(s.startedAt).Milliseconds()
	}
	if s.hrana != nil {
		resp.Hrana = &hranaMetrics{Sessions: s.hrana.SessionCount()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workers": s.pool.WorkerStats(),
	})
}

// pluginInfo is one entry of the GET <prefix>/plugins listing.
type pluginInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Base    string `json:"base,omitempty"`
	Routes  int    `json:"routes,omitempty"`
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	plugins := s.registry.Plugins()
	infos := make([]pluginInfo, 0, len(plugins))
	for _, p := range plugins {
		infos = append(infos, pluginInfo{
			Name:    p.Name,
			Version: p.Version,
			Base:    p.Base,
			Routes:  len(p.Hooks.Routes),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plugins": infos,
	})
}
