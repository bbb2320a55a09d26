package testutil

import (
	"context"
	"testing"

	"github.com/nhle/mailrelay/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// SeedAccount registers an account with the given watermark.
func SeedAccount(t *testing.T, s store.Store, id string, watermark uint32) {
	t.Helper()

	if _, err := s.EnsureAccount(context.Background(), id, id, watermark); err != nil {
		t.Fatalf("seeding account %s: %v", id, err)
	}
}
