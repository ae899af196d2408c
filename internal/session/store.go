package session

import (
	"strings"
	"sync"
	"time"

	"github.com/fabiohfernandes/Matchmaker/internal/clock"
	"github.com/fabiohfernandes/Matchmaker/internal/events"
	"github.com/fabiohfernandes/Matchmaker/internal/ids"
	"github.com/fabiohfernandes/Matchmaker/pkg/logging"
)

// Status is the lifecycle state of a client session.
type Status string

const (
	StatusQueued       Status = "Queued"
	StatusConnected    Status = "Connected"
	StatusDisconnected Status = "Disconnected"
	StatusExpired      Status = "Expired"
)

// Session represents a client's intent to be matched to a stream node.
type Session struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id,omitempty"`
	NodeID         string    `json:"node_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Status         Status    `json:"status"`
	Priority       int       `json:"priority"`
}

// Stats is a read-only summary of the store contents.
type Stats struct {
	Total    int `json:"total"`
	ByStatus map[Status]int
}

// Store holds the canonical session records. All mutations run under a
// single mutex; callers receive copies, never live pointers.
type Store struct {
	logger logging.Logger
	clock  clock.Clock
	bus    *events.Bus

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore creates an empty session store.
func NewStore(logger logging.Logger, clk clock.Clock, bus *events.Bus) *Store {
	return &Store{
		logger:   logger,
		clock:    clk,
		bus:      bus,
		sessions: make(map[string]*Session),
	}
}

// SanitizeClientID strips angle brackets and surrounding whitespace from a
// caller-supplied label.
func SanitizeClientID(clientID string) string {
	cleaned := strings.NewReplacer("<", "", ">", "").Replace(clientID)
	return strings.TrimSpace(cleaned)
}

// Create inserts a new queued session and returns a copy of it.
func (s *Store) Create(clientID string, priority int) Session {
	now := s.clock.Now()
	sess := &Session{
		ID:             ids.NewSessionID(now),
		ClientID:       SanitizeClientID(clientID),
		CreatedAt:      now,
		LastActivityAt: now,
		Status:         StatusQueued,
		Priority:       priority,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	copied := *sess
	s.mu.Unlock()

	s.bus.Publish(events.Event{
		Kind:      events.SessionCreated,
		SessionID: copied.ID,
		ClientID:  copied.ClientID,
	})
	return copied
}

// Get returns a copy of the session, if present.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// UpdateActivity bumps the session's last-activity timestamp.
func (s *Store) UpdateActivity(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	sess.LastActivityAt = s.clock.Now()
	return true
}

// UpdateStatus transitions a session, optionally binding it to a node.
// Binding is cleared when leaving Connected.
func (s *Store) UpdateStatus(id string, status Status, nodeID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	old := sess.Status
	sess.Status = status
	sess.LastActivityAt = s.clock.Now()
	if status == StatusConnected {
		sess.NodeID = nodeID
	} else {
		sess.NodeID = ""
	}
	s.mu.Unlock()

	if old != status {
		s.bus.Publish(events.Event{
			Kind:      events.SessionStatusChanged,
			SessionID: id,
			NodeID:    nodeID,
			Data: map[string]interface{}{
				"old_status": string(old),
				"new_status": string(status),
			},
		})
	}
	return true
}

// Remove deletes a session. Idempotent; reports whether anything was removed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	_, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if ok {
		s.bus.Publish(events.Event{Kind: events.SessionRemoved, SessionID: id})
	}
	return ok
}

// ByStatus returns copies of all sessions in the given state.
func (s *Store) ByStatus(status Status) []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.Status == status {
			out = append(out, *sess)
		}
	}
	return out
}

// ByClient returns copies of all sessions for a client label.
func (s *Store) ByClient(clientID string) []Session {
	clientID = SanitizeClientID(clientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.ClientID == clientID {
			out = append(out, *sess)
		}
	}
	return out
}

// ExpiredSnapshot returns ids of sessions idle longer than timeout at now.
func (s *Store) ExpiredSnapshot(now time.Time, timeout time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, sess := range s.sessions {
		if now.Sub(sess.LastActivityAt) > timeout {
			out = append(out, id)
		}
	}
	return out
}

// Stats returns a summary of the store contents.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Total: len(s.sessions), ByStatus: make(map[Status]int)}
	for _, sess := range s.sessions {
		st.ByStatus[sess.Status]++
	}
	return st
}
