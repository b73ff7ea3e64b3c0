// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject persistence failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	users   map[string]*User  // keyed by user ID
	byEmail map[string]string // normalized email -> user ID
	turns   map[string]*Turn  // keyed by turn ID
	seq     map[string]int    // turn ID -> insertion order
	next    int

	// SaveErr, when set, is returned by SaveTurn instead of storing the turn.
	SaveErr error
	// SaveDelay, when set, delays SaveTurn (honoring ctx cancellation).
	SaveDelay time.Duration
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:   make(map[string]*User),
		byEmail: make(map[string]string),
		turns:   make(map[string]*Turn),
		seq:     make(map[string]int),
	}
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := NormalizeEmail(user.Email)
	if _, ok := m.byEmail[email]; ok {
		return ErrEmailExists
	}

	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = user.CreatedAt
	}
	user.Email = email

	// Make a copy to avoid external modification
	u := *user
	m.users[u.ID] = &u
	m.byEmail[email] = u.ID
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// GetUserByEmail retrieves a user by normalized email.
func (m *MockStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	result := *m.users[id]
	return &result, nil
}

// DeleteUserCascade removes a user and their turns.
func (m *MockStore) DeleteUserCascade(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	for turnID, t := range m.turns {
		if t.UserID == id {
			delete(m.turns, turnID)
			delete(m.seq, turnID)
		}
	}
	delete(m.byEmail, u.Email)
	delete(m.users, id)
	return nil
}

// SaveTurn stores a turn, or fails with SaveErr when set.
func (m *MockStore) SaveTurn(ctx context.Context, turn *Turn) error {
	if m.SaveDelay > 0 {
		select {
		case <-time.After(m.SaveDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	t := *turn
	m.turns[t.ID] = &t
	m.next++
	m.seq[t.ID] = m.next
	return nil
}

// ListTurns returns the user's turns newest first, capped at limit when positive.
func (m *MockStore) ListTurns(ctx context.Context, userID string, limit int) ([]*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []*Turn{}
	for _, t := range m.turns {
		if t.UserID == userID {
			c := *t
			result = append(result, &c)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Timestamp.After(result[j].Timestamp)
		}
		return m.seq[result[i].ID] > m.seq[result[j].ID]
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// GetTurn retrieves a turn owned by userID.
func (m *MockStore) GetTurn(ctx context.Context, userID, id string) (*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.turns[id]
	if !ok || t.UserID != userID {
		return nil, ErrNotFound
	}
	result := *t
	return &result, nil
}

// DeleteTurn removes a turn owned by userID.
func (m *MockStore) DeleteTurn(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.turns[id]
	if !ok || t.UserID != userID {
		return ErrNotFound
	}
	delete(m.turns, id)
	delete(m.seq, id)
	return nil
}

// DeleteTurns removes all turns owned by userID.
func (m *MockStore) DeleteTurns(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, t := range m.turns {
		if t.UserID == userID {
			delete(m.turns, id)
			delete(m.seq, id)
			n++
		}
	}
	return n, nil
}

// TurnCounts returns the number of turns per user.
func (m *MockStore) TurnCounts(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, t := range m.turns {
		counts[t.UserID]++
	}
	return counts, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
