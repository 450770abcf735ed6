package server

import (
	"net/http"
	"path"

	"github.com/teranos/buntime/config"
	"github.com/teranos/buntime/logger"
)

// buildMux assembles the route table. Precedence follows registration
// specificity in the mux: runtime endpoints under the API prefix win
// over plugin routes, which win over the catch-all pipeline.
func (s *Server) buildMux(cfg *config.Config) *http.ServeMux {
	mux := http.NewServeMux()
	prefix := cfg.Server.APIPrefix

	mux.HandleFunc(prefix+"/health", s.handleHealth)
	mux.HandleFunc(prefix+"/version", s.handleVersion)
	mux.HandleFunc(prefix+"/metrics", s.handleMetrics)
	mux.HandleFunc(prefix+"/workers", s.handleWorkers)
	mux.HandleFunc(prefix+"/plugins", s.handlePlugins)
	mux.HandleFunc(prefix+"/config", s.handleConfig)

	if s.hrana != nil {
		mux.HandleFunc(prefix+"/db/v2/pipeline", s.hrana.HandlePipeline)
		mux.Handle(prefix+"/db/v2", s.hranaWS)
	}

	// The prefix subtree is reserved even where nothing is mounted, so
	// a typo never falls through to app resolution.
	mux.HandleFunc(prefix+"/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "unknown runtime endpoint")
	})

	s.mountPluginRoutes(mux)

	mux.HandleFunc("/", s.handlePipeline)
	return mux
}

// mountPluginRoutes registers every plugin's static routes under its
// base path. Each route claims its exact path and the subtree below it;
// handlers see the request path with the base stripped. Every route is
// wrapped with the registry's onRequest chain so auth plugins guard
// plugin surfaces the same way they guard the worker pipeline.
func (s *Server) mountPluginRoutes(mux *http.ServeMux) {
	mounted := make(map[string]string)
	for _, p := range s.registry.Plugins() {
		if p.Base == "" || len(p.Hooks.Routes) == 0 {
			continue
		}
		for key, h := range p.Hooks.Routes {
			pattern := path.Join(p.Base, key)
			if owner, taken := mounted[pattern]; taken {
				s.log.Errorw("plugin route collision, keeping first",
					logger.FieldPlugin, p.Name,
					logger.FieldPath, pattern,
					"owner", owner,
				)
				continue
			}
			mounted[pattern] = p.Name

			wrapped := s.registry.AuthWrap(http.StripPrefix(p.Base, h))
			mux.Handle(pattern, wrapped)
			mux.Handle(pattern+"/", wrapped)

			s.log.Infow("plugin route mounted",
				logger.FieldPlugin, p.Name,
				logger.FieldPath, pattern,
			)
		}
	}
}
