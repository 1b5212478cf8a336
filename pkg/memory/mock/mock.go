// Package mock provides an in-memory [memory.Store] for use in unit tests
// that never need a real database.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/hula0401/marketvoice/pkg/memory"
	"github.com/hula0401/marketvoice/pkg/types"
)

// Call records one method invocation for test introspection.
type Call struct {
	Method string
	Args   []any
}

// Store is a mutex-guarded, in-memory implementation of [memory.Store].
// The zero value is not usable; construct with [New].
type Store struct {
	mu sync.Mutex

	userRows    map[string]memory.User
	sessions    map[string]memory.Session
	messages    map[string][]memory.Message
	notes       map[string]types.KeyNotes
	watchlists  map[string]types.Watchlist
	preferences map[string]memory.Preferences

	calls []Call
}

var _ memory.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		userRows:    make(map[string]memory.User),
		sessions:    make(map[string]memory.Session),
		messages:    make(map[string][]memory.Message),
		notes:       make(map[string]types.KeyNotes),
		watchlists:  make(map[string]types.Watchlist),
		preferences: make(map[string]memory.Preferences),
	}
}

func (s *Store) record(method string, args ...any) {
	s.calls = append(s.calls, Call{Method: method, Args: args})
}

// Calls returns every recorded call in order.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times method was invoked.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls and stored data.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.userRows = make(map[string]memory.User)
	s.sessions = make(map[string]memory.Session)
	s.messages = make(map[string][]memory.Message)
	s.notes = make(map[string]types.KeyNotes)
	s.watchlists = make(map[string]types.Watchlist)
	s.preferences = make(map[string]memory.Preferences)
}

// SeedUser inserts a user row directly, bypassing call tracking.
func (s *Store) SeedUser(u memory.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userRows[u.UserID] = u
}

func (s *Store) GetUser(ctx context.Context, userID string) (*memory.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("GetUser", userID)
	u, ok := s.userRows[userID]
	if !ok {
		return nil, memory.ErrNotFound
	}
	return &u, nil
}

func (s *Store) UpsertSession(ctx context.Context, sess memory.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("UpsertSession", sess.SessionID)
	s.sessions[sess.SessionID] = sess
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*memory.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("GetSession", sessionID)
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, memory.ErrNotFound
	}
	return &sess, nil
}

func (s *Store) CloseSession(ctx context.Context, sessionID string, endedAt time.Time, durationSeconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("CloseSession", sessionID, endedAt, durationSeconds)
	sess, ok := s.sessions[sessionID]
	if !ok || !sess.IsActive {
		return nil
	}
	sess.IsActive = false
	sess.EndedAt = &endedAt
	sess.DurationSeconds = &durationSeconds
	s.sessions[sessionID] = sess
	return nil
}

func (s *Store) TouchHeartbeat(ctx context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("TouchHeartbeat", sessionID, at)
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	sess.LastHeartbeatAt = at
	s.sessions[sessionID] = sess
	return nil
}

func (s *Store) ReconcileStale(ctx context.Context, idleLimit time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("ReconcileStale", idleLimit, now)
	cutoff := now.Add(-idleLimit)
	closed := 0
	for id, sess := range s.sessions {
		if !sess.IsActive || !sess.LastHeartbeatAt.Before(cutoff) {
			continue
		}
		sess.IsActive = false
		endedAt := now
		duration := now.Sub(sess.StartedAt).Seconds()
		sess.EndedAt = &endedAt
		sess.DurationSeconds = &duration
		s.sessions[id] = sess
		closed++
	}
	return closed, nil
}

func (s *Store) AppendMessage(ctx context.Context, msg memory.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("AppendMessage", msg.SessionID, msg.Sequence)
	msgs := s.messages[msg.SessionID]
	for i, existing := range msgs {
		if existing.Sequence == msg.Sequence {
			msgs[i] = msg
			s.messages[msg.SessionID] = msgs
			return nil
		}
	}
	s.messages[msg.SessionID] = append(msgs, msg)
	return nil
}

// Messages returns every message appended for sessionID, in append order.
func (s *Store) Messages(sessionID string) []memory.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]memory.Message, len(s.messages[sessionID]))
	copy(out, s.messages[sessionID])
	return out
}

func (s *Store) GetNotes(ctx context.Context, userID string) (*types.KeyNotes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("GetNotes", userID)
	notes, ok := s.notes[userID]
	if !ok {
		return nil, memory.ErrNotFound
	}
	return &notes, nil
}

func (s *Store) UpsertNotes(ctx context.Context, notes types.KeyNotes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("UpsertNotes", notes.UserID)
	s.notes[notes.UserID] = notes
	return nil
}

func (s *Store) GetWatchlist(ctx context.Context, userID string) (*types.Watchlist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("GetWatchlist", userID)
	w, ok := s.watchlists[userID]
	if !ok {
		return &types.Watchlist{UserID: userID, Symbols: []string{}}, nil
	}
	return &w, nil
}

func (s *Store) SetWatchlist(ctx context.Context, userID string, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("SetWatchlist", userID, symbols)
	if symbols == nil {
		symbols = []string{}
	}
	s.watchlists[userID] = types.Watchlist{UserID: userID, Symbols: symbols}
	return nil
}

func (s *Store) GetPreferences(ctx context.Context, userID string) (*memory.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("GetPreferences", userID)
	p, ok := s.preferences[userID]
	if !ok {
		return &memory.Preferences{UserID: userID}, nil
	}
	return &p, nil
}

// SeedPreferences inserts a preferences row directly, bypassing call tracking.
func (s *Store) SeedPreferences(p memory.Preferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences[p.UserID] = p
}
