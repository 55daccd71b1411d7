package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Store keeps sessions by id and expires idle ones
type Store struct {
	deps Deps
	idle time.Duration
	log  logrus.FieldLogger
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore creates a store. idle <= 0 disables expiry.
func NewStore(deps Deps, idle time.Duration) *Store {
	deps = deps.withDefaults()
	return &Store{
		deps:     deps,
		idle:     idle,
		log:      deps.Log,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// NewID returns a random session id
func NewID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Get returns the session for id
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// GetOrCreate returns the session for id, creating a new one with a fresh id
// when id is empty or unknown. created reports whether a session was made.
func (s *Store) GetOrCreate(id string) (sess *Session, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok && id != "" {
		return sess, false, nil
	}

	newID, err := NewID()
	if err != nil {
		return nil, false, err
	}
	sess = New(newID, s.deps)
	sess.now = s.now
	sess.touch()
	s.sessions[newID] = sess
	s.log.WithField("session", newID).Debug("session created")
	return sess, true, nil
}

// Len returns the number of live sessions
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep closes and removes sessions idle for longer than the store's idle
// timeout. Busy sessions are kept. It returns the number removed.
func (s *Store) Sweep() int {
	if s.idle <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.idle)

	var expired []*Session
	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.Busy() || sess.LastUsed().After(cutoff) {
			continue
		}
		delete(s.sessions, id)
		expired = append(expired, sess)
	}
	s.mu.Unlock()

	for _, sess := range expired {
		if err := sess.Close(); err != nil {
			s.log.WithError(err).WithField("session", sess.ID()).Warn("failed to close expired session")
		}
		s.log.WithField("session", sess.ID()).Info("session expired")
	}
	return len(expired)
}

// Run sweeps periodically until ctx is done
func (s *Store) Run(ctx context.Context) {
	if s.idle <= 0 {
		return
	}
	interval := s.idle / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Close closes every session
func (s *Store) Close() error {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	var errs []error
	for _, sess := range sessions {
		if err := sess.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
