package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Session statuses.
const (
	SessionActive   = "active"
	SessionArchived = "archived"
	SessionClosed   = "closed"
)

// Session is a persistent conversational context with accumulated cost.
type Session struct {
	ID            string         `json:"id"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	ProjectPath   string         `json:"project_path"`
	Model         string         `json:"model"`
	Status        string         `json:"status"`
	TotalCostUSD  float64        `json:"total_cost_usd"`
	MessagesCount int            `json:"messages_count"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ValidSessionStatus reports whether s is a recognised session status.
func ValidSessionStatus(s string) bool {
	switch s {
	case SessionActive, SessionArchived, SessionClosed:
		return true
	}
	return false
}

type sessionDoc struct {
	Sessions map[string]*Session `json:"sessions"`
}

func newSessionDoc() *sessionDoc {
	return &sessionDoc{Sessions: make(map[string]*Session)}
}

// SessionStore persists sessions in a single locked JSON document.
type SessionStore struct {
	file *JSONFile
	now  func() time.Time
}

// NewSessionStore opens (or creates) the session document under dir.
func NewSessionStore(dir string) (*SessionStore, error) {
	file, err := NewJSONFile(joinStorePath(dir, "sessions"))
	if err != nil {
		return nil, err
	}
	return &SessionStore{file: file, now: time.Now}, nil
}

// CreateSessionInput carries the caller-supplied fields for a new session.
type CreateSessionInput struct {
	ID          string
	ProjectPath string
	Model       string
	Metadata    map[string]any
}

// Create inserts a new session. A caller-supplied ID is honoured (the HTTP
// layer auto-creates a session under the id a request names when no such
// session exists); otherwise a fresh UUID is assigned.
func (s *SessionStore) Create(in CreateSessionInput) (*Session, error) {
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now().UTC()
	session := &Session{
		ID:          id,
		CreatedAt:   now,
		UpdatedAt:   now,
		ProjectPath: in.ProjectPath,
		Model:       in.Model,
		Status:      SessionActive,
		Metadata:    in.Metadata,
	}

	doc := newSessionDoc()
	err := s.file.WithLock(doc, func() error {
		if _, exists := doc.Sessions[id]; exists {
			return fmt.Errorf("session %s already exists", id)
		}
		doc.Sessions[id] = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cloneSession(session), nil
}

// Get returns the session with the given id.
func (s *SessionStore) Get(id string) (*Session, error) {
	doc := newSessionDoc()
	var out *Session
	err := s.file.View(doc, func() error {
		sess, ok := doc.Sessions[id]
		if !ok {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		out = cloneSession(sess)
		return nil
	})
	return out, err
}

// SessionPatch holds optional field updates applied by Update.
type SessionPatch struct {
	Status   *string
	Model    *string
	Metadata map[string]any
}

// Update applies the patch to the session and bumps updated_at.
func (s *SessionStore) Update(id string, patch SessionPatch) (*Session, error) {
	if patch.Status != nil && !ValidSessionStatus(*patch.Status) {
		return nil, fmt.Errorf("invalid session status %q", *patch.Status)
	}
	doc := newSessionDoc()
	var out *Session
	err := s.file.WithLock(doc, func() error {
		sess, ok := doc.Sessions[id]
		if !ok {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		if patch.Status != nil {
			sess.Status = *patch.Status
		}
		if patch.Model != nil {
			sess.Model = *patch.Model
		}
		if patch.Metadata != nil {
			if sess.Metadata == nil {
				sess.Metadata = make(map[string]any)
			}
			for k, v := range patch.Metadata {
				sess.Metadata[k] = v
			}
		}
		sess.UpdatedAt = s.now().UTC()
		out = cloneSession(sess)
		return nil
	})
	return out, err
}

// Delete removes the session.
func (s *SessionStore) Delete(id string) error {
	doc := newSessionDoc()
	return s.file.WithLock(doc, func() error {
		if _, ok := doc.Sessions[id]; !ok {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		delete(doc.Sessions, id)
		return nil
	})
}

// SessionFilter narrows List results.
type SessionFilter struct {
	Status      string
	ProjectPath string
	Limit       int
}

// List returns sessions sorted by updated_at descending.
func (s *SessionStore) List(filter SessionFilter) ([]*Session, error) {
	doc := newSessionDoc()
	var out []*Session
	err := s.file.View(doc, func() error {
		for _, sess := range doc.Sessions {
			if filter.Status != "" && sess.Status != filter.Status {
				continue
			}
			if filter.ProjectPath != "" && sess.ProjectPath != filter.ProjectPath {
				continue
			}
			out = append(out, cloneSession(sess))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Search matches q, case-insensitively, as a substring of the session id or
// of any metadata key or value.
func (s *SessionStore) Search(q string, limit int) ([]*Session, error) {
	needle := strings.ToLower(q)
	doc := newSessionDoc()
	var out []*Session
	err := s.file.View(doc, func() error {
		for _, sess := range doc.Sessions {
			if sessionMatches(sess, needle) {
				out = append(out, cloneSession(sess))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sessionMatches(sess *Session, needle string) bool {
	if strings.Contains(strings.ToLower(sess.ID), needle) {
		return true
	}
	for k, v := range sess.Metadata {
		if strings.Contains(strings.ToLower(k), needle) {
			return true
		}
		if strings.Contains(strings.ToLower(fmt.Sprint(v)), needle) {
			return true
		}
	}
	return false
}

// Cleanup removes sessions whose updated_at is older than retentionDays.
// Returns the number of sessions removed.
func (s *SessionStore) Cleanup(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)
	removed := 0
	doc := newSessionDoc()
	err := s.file.WithLock(doc, func() error {
		for id, sess := range doc.Sessions {
			if sess.UpdatedAt.Before(cutoff) {
				delete(doc.Sessions, id)
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// IncrementMessages bumps the message counter by one.
func (s *SessionStore) IncrementMessages(id string) error {
	doc := newSessionDoc()
	return s.file.WithLock(doc, func() error {
		sess, ok := doc.Sessions[id]
		if !ok {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		sess.MessagesCount++
		sess.UpdatedAt = s.now().UTC()
		return nil
	})
}

// AddCost adds usd to the session's running total. Negative deltas are
// rejected: the total is monotonic.
func (s *SessionStore) AddCost(id string, usd float64) error {
	if usd < 0 {
		return fmt.Errorf("cost delta must be non-negative, got %f", usd)
	}
	doc := newSessionDoc()
	return s.file.WithLock(doc, func() error {
		sess, ok := doc.Sessions[id]
		if !ok {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		sess.TotalCostUSD += usd
		sess.UpdatedAt = s.now().UTC()
		return nil
	})
}

func cloneSession(sess *Session) *Session {
	out := *sess
	if sess.Metadata != nil {
		out.Metadata = make(map[string]any, len(sess.Metadata))
		for k, v := range sess.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
