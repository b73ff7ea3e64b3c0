// ABOUTME: User-scoped query history: save, list, get, and delete completed turns
// ABOUTME: Clamps list limits and maps store errors onto the shared error taxonomy

package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/engine-gateway/internal/apperr"
	"github.com/2389/engine-gateway/internal/store"
)

// Limit defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// ErrTurnNotFound is returned when a turn is missing or owned by another user.
var ErrTurnNotFound = apperr.New(apperr.ErrNotFound, "query not found")

// Turn is the API view of a stored turn.
type Turn struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	AgentName string    `json:"agent_name"`
	Message   string    `json:"message"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

func fromStore(t *store.Turn) Turn {
	return Turn{
		ID:        t.ID,
		UserID:    t.UserID,
		AgentName: t.AgentName,
		Message:   t.Message,
		Response:  t.Response,
		Timestamp: t.Timestamp,
	}
}

// Config holds list bounds.
type Config struct {
	DefaultLimit int
	MaxLimit     int
}

// Service wraps a TurnStore with ownership and limit rules.
type Service struct {
	turns        store.TurnStore
	defaultLimit int
	maxLimit     int
	logger       *slog.Logger
}

// NewService creates a history service.
func NewService(turns store.TurnStore, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = MaxLimit
	}
	if cfg.DefaultLimit <= 0 || cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = min(DefaultLimit, cfg.MaxLimit)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		turns:        turns,
		defaultLimit: cfg.DefaultLimit,
		maxLimit:     cfg.MaxLimit,
		logger:       logger.With("component", "history"),
	}
}

// NewID returns a fresh turn ID. Callers that need the ID before the turn is
// stored (to announce it early) pass it to SaveWithID.
func NewID() string {
	return uuid.New().String()
}

// Save appends a turn and returns its ID.
func (s *Service) Save(ctx context.Context, userID, agentName, message, response string) (string, error) {
	id := NewID()
	return id, s.SaveWithID(ctx, id, userID, agentName, message, response)
}

// SaveWithID appends a turn under a caller-chosen ID.
func (s *Service) SaveWithID(ctx context.Context, id, userID, agentName, message, response string) error {
	turn := &store.Turn{
		ID:        id,
		UserID:    userID,
		AgentName: agentName,
		Message:   message,
		Response:  response,
		Timestamp: time.Now().UTC(),
	}
	if err := s.turns.SaveTurn(ctx, turn); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}
	s.logger.Debug("turn saved",
		"turn_id", id,
		"user_id", userID,
		"agent", agentName,
		"message_len", len(message),
		"response_len", len(response),
	)
	return nil
}

// ClampLimit maps a requested limit into [1, max]; zero or negative means the default.
func (s *Service) ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return s.defaultLimit
	case limit > s.maxLimit:
		return s.maxLimit
	default:
		return limit
	}
}

// List returns the user's most recent turns, newest first.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]Turn, error) {
	turns, err := s.turns.ListTurns(ctx, userID, s.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}

	out := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if t.UserID != userID {
			// The store filters by owner; this guards against a broken implementation.
			s.logger.Error("store returned foreign turn", "turn_id", t.ID)
			continue
		}
		out = append(out, fromStore(t))
	}
	return out, nil
}

// Get returns one turn owned by userID.
func (s *Service) Get(ctx context.Context, userID, id string) (*Turn, error) {
	t, err := s.turns.GetTurn(ctx, userID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTurnNotFound
		}
		return nil, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}
	turn := fromStore(t)
	return &turn, nil
}

// Delete removes one turn owned by userID.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if err := s.turns.DeleteTurn(ctx, userID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrTurnNotFound
		}
		return fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}
	s.logger.Info("turn deleted", "turn_id", id, "user_id", userID)
	return nil
}

// DeleteAll removes every turn owned by userID and returns how many were removed.
func (s *Service) DeleteAll(ctx context.Context, userID string) (int, error) {
	n, err := s.turns.DeleteTurns(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}
	return n, nil
}

// Stats returns stored turn counts per user.
func (s *Service) Stats(ctx context.Context) (map[string]int, error) {
	counts, err := s.turns.TurnCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}
	return counts, nil
}
