package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/buntime/errors"
	"github.com/teranos/buntime/logger"
)

// shutdownTimeout bounds how long Shutdown waits for server goroutines
// after the subsystems have been asked to stop.
const shutdownTimeout = 30 * time.Second

// serverState tracks the lifecycle phase for health reporting and
// request gating.
type serverState int32

const (
	stateCreated serverState = iota
	stateRunning
	stateDraining
	stateStopped
)

func (s *Server) getState() serverState {
	return serverState(s.state.Load())
}

func (s *Server) setState(next serverState) {
	s.state.Store(int32(next))
	s.log.Infow("server state changed", "state", stateString(next))
}

func stateString(state serverState) string {
	switch state {
	case stateCreated:
		return "created"
	case stateRunning:
		return "running"
	case stateDraining:
		return "draining"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Start binds the configured address and begins serving. It returns
// once the listener is up; use Shutdown to stop. The bound address is
// available from Addr, which matters when the config asks for port 0.
func (s *Server) Start() error {
	if !s.state.CompareAndSwap(int32(stateCreated), int32(stateRunning)) {
		return errors.Newf("server already started (state %s)", stateString(s.getState()))
	}

	cfg := s.config()
	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		s.state.Store(int32(stateStopped))
		return errors.Wrapf(err, "failed to bind %s", cfg.Server.Addr())
	}
	s.addr.Store(ln.Addr().String())
	s.startedAt = time.Now()

	if s.configWatcher != nil {
		s.configWatcher.Start()
	}

	s.registry.RunOnServerStart(s.ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorw("http server stopped", logger.FieldError, err)
		}
	}()

	s.log.Infow("runtime ready",
		logger.FieldInstance, s.instanceID,
		"addr", s.Addr(),
		"api_prefix", cfg.Server.APIPrefix,
	)
	return nil
}

// Shutdown drains the server: the listener stops accepting, in-flight
// requests finish (bounded by ctx), plugins and workers shut down, and
// the database pipeline closes. Safe to call more than once; only the
// first call does the work.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(stateRunning), int32(stateDraining)) {
		// Never started, or another Shutdown already ran.
		if s.state.CompareAndSwap(int32(stateCreated), int32(stateStopped)) {
			s.teardown()
		}
		return nil
	}
	s.log.Infow("initiating shutdown")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Warnw("http drain incomplete", logger.FieldError, err)
	}

	// Close live websocket connections so their read loops unblock
	// before the context is cancelled.
	s.connMu.Lock()
	open := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
		delete(s.conns, c)
	}
	s.connMu.Unlock()
	if len(open) > 0 {
		s.log.Infow("closing websocket connections", logger.FieldCount, len(open))
		for _, c := range open {
			_ = c.Close()
		}
	}

	s.registry.RunOnShutdown(ctx)

	if err := s.pool.Shutdown(ctx); err != nil {
		s.log.Warnw("worker pool shutdown incomplete", logger.FieldError, err)
	}

	if s.hrana != nil {
		s.hrana.Close()
	}
	if s.provider != nil {
		if err := s.provider.Close(); err != nil {
			s.log.Warnw("database provider close failed", logger.FieldError, err)
		}
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Debugw("all server goroutines stopped")
	case <-time.After(shutdownTimeout):
		s.log.Warnw("goroutine shutdown timed out", "timeout", shutdownTimeout)
	}

	if s.configWatcher != nil {
		if err := s.configWatcher.Stop(); err != nil {
			s.log.Warnw("failed to stop config watcher", logger.FieldError, err)
		}
	}

	s.setState(stateStopped)
	s.log.Infow("shutdown complete", logger.FieldInstance, s.instanceID)
	return nil
}
