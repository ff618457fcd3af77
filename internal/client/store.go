package client

import (
	"sync"
	"time"
)

// LocalMessage is the consumer's view of one conversation entry. Pending
// entries were inserted before the server confirmed them.
type LocalMessage struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	Error     string
	Pending   bool
	CreatedAt time.Time
}

// Store is an in-memory conversation cache safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	msgs []LocalMessage
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Append(m LocalMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
}

// Update applies fn to the message with id and reports whether it existed.
func (s *Store) Update(id string, fn func(*LocalMessage)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			fn(&s.msgs[i])
			return true
		}
	}
	return false
}

func (s *Store) Get(id string) (LocalMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.msgs {
		if m.ID == id {
			return m, true
		}
	}
	return LocalMessage{}, false
}

// Messages returns a copy of the session's messages in insertion order.
func (s *Store) Messages(sessionID string) []LocalMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []LocalMessage
	for _, m := range s.msgs {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out
}

// Replace swaps the session's cached messages for msgs.
func (s *Store) Replace(sessionID string, msgs []LocalMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.msgs[:0]
	for _, m := range s.msgs {
		if m.SessionID != sessionID {
			kept = append(kept, m)
		}
	}
	s.msgs = append(kept, msgs...)
}
