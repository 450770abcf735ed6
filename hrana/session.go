package hrana

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/buntime/errors"
	"github.com/teranos/buntime/logger"
)

const (
	// sessionTTL is the inactivity window after which a baton dies. Kept
	// deliberately short: sessions exist to span the handful of pipelines
	// that make up one interactive transaction, not to park connections.
	sessionTTL = 30 * time.Second

	// sweepInterval is how often expired sessions are reaped. Expiry is
	// also checked on access, so the sweeper only bounds memory held by
	// abandoned sessions.
	sweepInterval = 60 * time.Second
)

// session is the server-side state behind one baton: the adapter captured
// when the session was created, any stored SQL texts, and the transaction
// flag used for observability. The mutex serializes pipelines that present
// the same baton at the same time; storedSQL and inTransaction have a
// single writer while it is held.
type session struct {
	mu            sync.Mutex
	id            string
	adapter       Adapter
	storedSQL     map[int32]string
	inTransaction bool
	lastActive    time.Time
}

func (s *session) touch() { s.lastActive = time.Now() }

// sessionManager owns the baton table. The manager mutex guards the table
// itself; pipelines that carry the same baton concurrently are serialized
// by each session's own mutex.
type sessionManager struct {
	mu       sync.Mutex
	sessions map[string]*session

	ttl   time.Duration
	sweep time.Duration

	log  *zap.SugaredLogger
	stop chan struct{}
	done chan struct{}
}

func newSessionManager(log *zap.SugaredLogger, ttl, sweep time.Duration) *sessionManager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m := &sessionManager{
		sessions: make(map[string]*session),
		ttl:      ttl,
		sweep:    sweep,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// create mints a session bound to the given adapter and returns it.
func (m *sessionManager) create(adapter Adapter) *session {
	s := &session{
		id:         uuid.NewString(),
		adapter:    adapter,
		storedSQL:  make(map[int32]string),
		lastActive: time.Now(),
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	n := len(m.sessions)
	m.mu.Unlock()

	m.log.Debugw("Session created",
		logger.FieldBaton, s.id,
		logger.FieldCount, n,
	)
	return s
}

// get resolves a baton, refusing expired sessions and touching live ones.
func (m *sessionManager) get(baton string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[baton]
	if !ok {
		return nil, errors.Wrapf(errors.ErrInvalidBaton, "baton %q", baton)
	}
	if time.Since(s.lastActive) > m.ttl {
		delete(m.sessions, baton)
		return nil, errors.Wrapf(errors.ErrInvalidBaton, "baton %q expired", baton)
	}
	s.touch()
	return s, nil
}

// remove drops a session, typically on a close request.
func (m *sessionManager) remove(baton string) {
	m.mu.Lock()
	_, ok := m.sessions[baton]
	delete(m.sessions, baton)
	m.mu.Unlock()

	if ok {
		m.log.Debugw("Session closed", logger.FieldBaton, baton)
	}
}

// count reports live sessions, for metrics.
func (m *sessionManager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *sessionManager) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.expireStale()
		case <-m.stop:
			return
		}
	}
}

func (m *sessionManager) expireStale() {
	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if time.Since(s.lastActive) > m.ttl {
			delete(m.sessions, id)
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.log.Debugw("Session expired", logger.FieldBaton, id)
	}
}

// close stops the sweeper and drops every session. Batons minted before a
// restart never survive it.
func (m *sessionManager) close() {
	select {
	case <-m.stop:
		return
	default:
	}
	close(m.stop)
	<-m.done

	m.mu.Lock()
	m.sessions = make(map[string]*session)
	m.mu.Unlock()
}
