// Package session provides the external session store that call handlers use
// to share state across calls and with other services. Sessions are addressed
// by an opaque id; persistence is the backend's responsibility.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrStore wraps every backend failure.
var ErrStore = errors.New("session store failure")

// ErrNotFound is returned by Backend.Load for an unknown id.
var ErrNotFound = errors.New("session not found")

// Backend persists encoded session values by id.
type Backend interface {
	Load(ctx context.Context, id string) ([]byte, error)
	Save(ctx context.Context, id string, data []byte) error
}

// Store hands out Session handles backed by a Backend.
type Store struct {
	backend Backend
	logger  *slog.Logger
}

// NewStore creates a store over the given backend.
func NewStore(backend Backend, logger *slog.Logger) *Store {
	return &Store{
		backend: backend,
		logger:  logger.With("component", "session"),
	}
}

// Open returns the session with the given id, creating it when it does not
// exist. An empty id always creates a fresh session with a generated id.
func (s *Store) Open(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
		s.logger.Debug("creating session", "session_id", id)
		return s.newSession(id, nil, true), nil
	}

	data, err := s.backend.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		s.logger.Debug("session not found, creating", "session_id", id)
		return s.newSession(id, nil, true), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading %s: %w", ErrStore, id, err)
	}

	values := make(map[string]any)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("%w: decoding %s: %w", ErrStore, id, err)
		}
	}
	s.logger.Debug("loaded session", "session_id", id, "keys", len(values))
	return s.newSession(id, values, false), nil
}

// Close closes the backend if it holds resources.
func (s *Store) Close() error {
	if c, ok := s.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *Store) newSession(id string, values map[string]any, created bool) *Session {
	if values == nil {
		values = make(map[string]any)
	}
	return &Session{
		id:      id,
		values:  values,
		created: created,
		store:   s,
	}
}

// Session is a handle on one stored session.
type Session struct {
	mu       sync.Mutex
	id       string
	values   map[string]any
	dirty    bool
	created  bool
	released bool
	store    *Store
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// IsNew reports whether the session did not exist before this handle.
func (s *Session) IsNew() bool {
	return s.created
}

// Get returns a stored value.
func (s *Session) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores a value. Values must be JSON encodable.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	s.dirty = true
}

// Delete removes a value.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		delete(s.values, key)
		s.dirty = true
	}
}

// Release writes the session back if it was created or modified. Releasing
// twice is a no-op.
func (s *Session) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil
	}
	s.released = true

	if !s.dirty && !s.created {
		return nil
	}

	data, err := json.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %w", ErrStore, s.id, err)
	}
	if err := s.store.backend.Save(ctx, s.id, data); err != nil {
		return fmt.Errorf("%w: saving %s: %w", ErrStore, s.id, err)
	}
	s.store.logger.Debug("saved session", "session_id", s.id, "keys", len(s.values))
	return nil
}
