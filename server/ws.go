package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/teranos/buntime/logger"
	"github.com/teranos/buntime/plugin"
)

// serveWebSocket upgrades the connection and drives the registry's
// merged websocket hooks for its lifetime. The request context dies
// with the upgrade, so hooks run against the server context instead.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request, owner *plugin.Plugin) {
	hooks := s.registry.WebSocketHandler()
	if hooks == nil {
		writeError(w, http.StatusNotFound, "no websocket handler for path")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		s.log.Debugw("websocket upgrade failed",
			logger.FieldPath, r.URL.Path,
			logger.FieldError, err,
		)
		return
	}

	s.trackConn(conn)
	defer s.untrackConn(conn)
	defer conn.Close()

	ws := &plugin.WSConn{
		Path:  r.URL.Path,
		Owner: owner.Name,
		Conn:  conn,
		Data:  make(map[string]interface{}),
	}

	s.log.Debugw("websocket connection opened",
		logger.FieldPlugin, owner.Name,
		logger.FieldPath, ws.Path,
	)

	if hooks.Open != nil {
		if err := hooks.Open(s.ctx, ws); err != nil {
			s.log.Warnw("websocket open hook rejected connection",
				logger.FieldPlugin, owner.Name,
				logger.FieldError, err,
			)
			return
		}
	}
	if hooks.Close != nil {
		defer hooks.Close(ws)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugw("websocket read ended",
					logger.FieldPath, ws.Path,
					logger.FieldError, err,
				)
			}
			return
		}
		if hooks.Message == nil {
			continue
		}
		// Message hook errors are advisory: the connection stays up.
		if err := hooks.Message(s.ctx, ws, data); err != nil {
			s.log.Warnw("websocket message hook failed",
				logger.FieldPlugin, owner.Name,
				logger.FieldError, err,
			)
		}
	}
}

func (s *Server) trackConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conns[conn] = true
	s.connMu.Unlock()
}

func (s *Server) untrackConn(conn *websocket.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}
