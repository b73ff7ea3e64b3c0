// ABOUTME: Tests for MockStore failure injection
// ABOUTME: Verifies SaveErr and SaveDelay behave as tests downstream expect

package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMockStore_SaveErr(t *testing.T) {
	m := NewMockStore()
	m.SaveErr = errors.New("disk full")

	err := m.SaveTurn(context.Background(), &Turn{ID: "t1", UserID: "u"})
	if err == nil || err.Error() != "disk full" {
		t.Fatalf("expected injected error, got %v", err)
	}

	counts, _ := m.TurnCounts(context.Background())
	if len(counts) != 0 {
		t.Errorf("failed save should not store anything: %v", counts)
	}
}

func TestMockStore_SaveDelayHonorsContext(t *testing.T) {
	m := NewMockStore()
	m.SaveDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := m.SaveTurn(ctx, &Turn{ID: "t1", UserID: "u"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	if err := m.SaveTurn(ctx, &Turn{ID: "t1", UserID: "u", Response: "original"}); err != nil {
		t.Fatalf("SaveTurn failed: %v", err)
	}

	got, _ := m.GetTurn(ctx, "u", "t1")
	got.Response = "mutated"

	again, _ := m.GetTurn(ctx, "u", "t1")
	if again.Response != "original" {
		t.Errorf("store was mutated through returned pointer: %q", again.Response)
	}
}
