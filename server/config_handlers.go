package server

import (
	"encoding/json"
	"net/http"

	"github.com/teranos/buntime/config"
	"github.com/teranos/buntime/logger"
)

// configView is the GET <prefix>/config body. It exposes the tunable
// subset of the runtime configuration; paths and worker command lines
// stay off the wire.
type configView struct {
	LogLevel        string   `json:"log_level"`
	LogJSON         bool     `json:"log_json"`
	HranaEnabled    bool     `json:"hrana_enabled"`
	PluginsDisabled []string `json:"plugins_disabled"`
	PoolMaxSize     int      `json:"pool_max_size"`
	WorkerTTLMS     int64    `json:"worker_ttl_ms"`
	WorkerIdleMS    int64    `json:"worker_idle_timeout_ms"`
}

// configPatch is the PATCH <prefix>/config body. Absent fields are left
// untouched; present fields are persisted to the user-local config file
// and picked up by the watcher on the next reload cycle.
type configPatch struct {
	LogLevel        *string   `json:"log_level"`
	HranaEnabled    *bool     `json:"hrana_enabled"`
	PluginsDisabled *[]string `json:"plugins_disabled"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetConfig(w, r)
	case http.MethodPatch:
		s.handlePatchConfig(w, r)
	default:
		w.Header().Set("Allow", "GET, PATCH")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Load()
	disabled := cfg.Plugins.Disabled
	if disabled == nil {
		disabled = []string{}
	}
	writeJSON(w, http.StatusOK, configView{
		LogLevel:        cfg.Log.Level,
		LogJSON:         cfg.Log.JSON,
		HranaEnabled:    cfg.Hrana.Enabled,
		PluginsDisabled: disabled,
		PoolMaxSize:     cfg.Pool.MaxSize,
		WorkerTTLMS:     cfg.Worker.TTLMS,
		WorkerIdleMS:    cfg.Worker.IdleTimeoutMS,
	})
}

// handlePatchConfig persists tunable settings to the user-local config
// file. Changes apply on the watcher's next reload, not immediately;
// the response says so to avoid surprising callers.
func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var patch configPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	applied := make([]string, 0, 3)

	if patch.LogLevel != nil {
		switch *patch.LogLevel {
		case "debug", "info", "warn", "error":
		default:
			writeError(w, http.StatusBadRequest, "log_level must be one of debug, info, warn, error")
			return
		}
		if err := config.UpdateLogLevel(*patch.LogLevel); err != nil {
			s.log.Errorw("failed to persist log level", logger.FieldError, err)
			writeError(w, http.StatusInternalServerError, "failed to persist log level")
			return
		}
		applied = append(applied, "log_level")
	}

	if patch.HranaEnabled != nil {
		if err := config.UpdateHranaEnabled(*patch.HranaEnabled); err != nil {
			s.log.Errorw("failed to persist hrana toggle", logger.FieldError, err)
			writeError(w, http.StatusInternalServerError, "failed to persist hrana setting")
			return
		}
		applied = append(applied, "hrana_enabled")
	}

	if patch.PluginsDisabled != nil {
		if err := config.UpdatePluginsDisabled(*patch.PluginsDisabled); err != nil {
			s.log.Errorw("failed to persist disabled plugins", logger.FieldError, err)
			writeError(w, http.StatusInternalServerError, "failed to persist plugin settings")
			return
		}
		applied = append(applied, "plugins_disabled")
	}

	if len(applied) == 0 {
		writeError(w, http.StatusBadRequest, "no recognized settings in body")
		return
	}

	s.log.Infow("config updated via API", "settings", applied)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"applied": applied,
		"note":    "changes take effect on the next config reload",
	})
}
