package runtime

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned for unknown or deleted session ids.
var ErrSessionNotFound = errors.New("session not found")

// Session is the per-user state of one annotator workflow: the staged
// batch, the task produced from it and the pending upload target.
type Session struct {
	ID        string    `json:"id"`
	BatchID   string    `json:"batchId,omitempty"`
	BatchPath string    `json:"batchPath,omitempty"`
	JobType   string    `json:"jobType,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
	Pipeline  string    `json:"pipeline,omitempty"`
	TaskPath  string    `json:"taskPath,omitempty"`
	StatsPath string    `json:"statsPath,omitempty"`
	URI       string    `json:"uri,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasTask reports whether a pipeline has produced an export for the session.
func (s *Session) HasTask() bool {
	return s.TaskPath != ""
}

// SessionStore keeps sessions in memory.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionStore returns an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Create starts a new empty session.
func (s *SessionStore) Create() *Session {
	now := time.Now().UTC()
	sess := &Session{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	c := *sess
	return &c
}

// Get returns a copy of the session.
func (s *SessionStore) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	c := *sess
	return &c, nil
}

// Update applies fn to the stored session under the store lock and returns a copy.
func (s *SessionStore) Update(id string, fn func(*Session)) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	fn(sess)
	sess.ID = id
	sess.UpdatedAt = time.Now().UTC()
	c := *sess
	return &c, nil
}

// Delete removes the session. Deleting an unknown id is not an error.
func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// List returns copies of all sessions, oldest first.
func (s *SessionStore) List() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		c := *sess
		out = append(out, &c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
