package lifecycle

import (
	"sync"

	"tradefeed/internal/models"
)

// SessionStore holds the current session. The coordinator is its only
// writer; the token broker reads it through Get so it never caches a
// credential across logins.
type SessionStore struct {
	mu   sync.RWMutex
	sess *models.Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{}
}

func (s *SessionStore) Set(sess models.Session) {
	s.mu.Lock()
	s.sess = &sess
	s.mu.Unlock()
}

func (s *SessionStore) Clear() {
	s.mu.Lock()
	s.sess = nil
	s.mu.Unlock()
}

func (s *SessionStore) Get() (models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.sess == nil {
		return models.Session{}, false
	}
	return *s.sess, true
}
