package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"paperfeed/feeds"
	"paperfeed/models"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paperfeed_sessions_active",
		Help: "Feed sessions currently held in memory",
	})

	sseClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paperfeed_sse_clients",
		Help: "Connected server-sent event clients",
	})
)

var ErrSessionNotFound = errors.New("feed session not found")

// Session is one client's feed. State changes are pushed to every subscriber.
type Session struct {
	Id         string
	User       string
	Controller *feeds.Controller

	mu          sync.Mutex
	subscribers map[string]chan models.StateEvent
	closed      bool
	lastSeen    atomic.Int64
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *Session) idleSince() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// broadcast runs with the controller locked and must never block. Each
// subscriber only needs the latest state, so a stale event still waiting in
// the channel is replaced.
func (s *Session) broadcast(state feeds.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event := models.StateEvent{State: state.Model()}
	for key, client := range s.subscribers {
		select {
		case client <- event:
			continue
		default:
		}

		select {
		case <-client:
		default:
		}
		select {
		case client <- event:
		default:
			log.Warnf("Client channel full, skipping state for client: %v", key)
		}
	}
}

// Subscribe registers a listener for state changes. The channel is closed
// when the session is closed or the subscription removed.
func (s *Session) Subscribe() (string, <-chan models.StateEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := uuid.New().String()
	client := make(chan models.StateEvent, 1)
	if s.closed {
		close(client)
		return key, client
	}

	s.subscribers[key] = client
	sseClients.Inc()

	log.WithFields(log.Fields{
		"session": s.Id,
		"key":     key,
		"count":   len(s.subscribers),
	}).Info("Adding client to session")

	return key, client
}

func (s *Session) Unsubscribe(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if client, ok := s.subscribers[key]; ok {
		close(client)
		delete(s.subscribers, key)
		sseClients.Dec()
	}

	log.WithFields(log.Fields{
		"session": s.Id,
		"key":     key,
		"count":   len(s.subscribers),
	}).Info("Removed client from session")
}

func (s *Session) subscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

func (s *Session) close() {
	s.Controller.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, client := range s.subscribers {
		close(client)
		delete(s.subscribers, key)
		sseClients.Dec()
	}
	s.closed = true
}

// Sessions holds the feed sessions of all connected clients
type Sessions struct {
	sync.RWMutex
	sessions map[string]*Session

	source feeds.Source
	opts   feeds.Options

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSessions creates a registry whose feeds read from source. opts is the
// template for every feed; fallback topics and change callbacks are set per
// session.
func NewSessions(ctx context.Context, source feeds.Source, opts feeds.Options) *Sessions {
	ctx, cancel := context.WithCancel(ctx)
	return &Sessions{
		sessions: make(map[string]*Session),
		source:   source,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Create starts a new feed session for user, falling back to fallbackTopics
// whenever no topic is selected
func (r *Sessions) Create(user string, fallbackTopics []string) *Session {
	session := &Session{
		Id:          uuid.New().String(),
		User:        user,
		subscribers: make(map[string]chan models.StateEvent),
	}
	session.touch()

	opts := r.opts
	opts.FallbackTopics = fallbackTopics
	opts.OnChange = session.broadcast
	session.Controller = feeds.New(r.ctx, r.source, opts)

	r.Lock()
	r.sessions[session.Id] = session
	count := len(r.sessions)
	r.Unlock()

	sessionsActive.Inc()
	log.WithFields(log.Fields{
		"session":   session.Id,
		"user":      user,
		"fallbacks": len(fallbackTopics),
		"count":     count,
	}).Info("Created feed session")

	return session
}

// Get returns the session and marks it as used
func (r *Sessions) Get(id string) (*Session, error) {
	r.RLock()
	session, ok := r.sessions[id]
	r.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	session.touch()
	return session, nil
}

// Remove closes the session, cancelling any fetch in flight
func (r *Sessions) Remove(id string) error {
	r.Lock()
	session, ok := r.sessions[id]
	delete(r.sessions, id)
	r.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	session.close()
	sessionsActive.Dec()
	log.WithFields(log.Fields{
		"session": id,
	}).Info("Removed feed session")
	return nil
}

func (r *Sessions) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.sessions)
}

// Tidy closes sessions idle for longer than maxIdle. Sessions with a
// connected event stream are never idle.
func (r *Sessions) Tidy(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	r.RLock()
	var stale []string
	for id, session := range r.sessions {
		if session.idleSince().Before(cutoff) && session.subscriberCount() == 0 {
			stale = append(stale, id)
		}
	}
	r.RUnlock()

	removed := 0
	for _, id := range stale {
		if err := r.Remove(id); err == nil {
			removed++
		}
	}

	log.WithFields(log.Fields{
		"removed":   removed,
		"remaining": r.Len(),
	}).Info("Tidied feed sessions")

	return removed
}

// Shutdown closes every session
func (r *Sessions) Shutdown() {
	log.Info("Shutting down feed sessions")
	r.cancel()

	r.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.Unlock()

	for _, session := range sessions {
		session.close()
		sessionsActive.Dec()
	}
}
