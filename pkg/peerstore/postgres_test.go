//go:build integration

package peerstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sagibrant/mimic/pkg/channel"
)

// setupPgStore connects to DATABASE_URL, applies migrations and returns a
// store; skips when DATABASE_URL is not set.
func setupPgStore(t *testing.T) *PgStore {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("peerstore:postgres_test - DATABASE_URL not set, skipping")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, url)
	if err != nil {
		t.Fatalf("peerstore:postgres_test - NewPool: %v", err)
	}
	t.Cleanup(pool.Close)

	files, err := LoadMigrations(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatalf("peerstore:postgres_test - LoadMigrations: %v", err)
	}
	if err := RunMigrations(ctx, pool, files); err != nil {
		t.Fatalf("peerstore:postgres_test - RunMigrations: %v", err)
	}
	if _, err := ClearPeers(ctx, pool); err != nil {
		t.Fatalf("peerstore:postgres_test - clear: %v", err)
	}
	return NewPgStore(pool)
}

func TestPgStore_TouchGetForget(t *testing.T) {
	s := setupPgStore(t)
	ctx := context.Background()
	peer := channel.NewExternalClient("recorder", "1.0.0")

	if known, err := s.Touch(ctx, peer); err != nil || known {
		t.Fatalf("peerstore:postgres_test - first touch known=%v err=%v", known, err)
	}
	if known, err := s.Touch(ctx, peer); err != nil || !known {
		t.Fatalf("peerstore:postgres_test - second touch known=%v err=%v", known, err)
	}

	got, err := s.Get(ctx, peer.ID)
	if err != nil {
		t.Fatalf("peerstore:postgres_test - Get: %v", err)
	}
	if got.Connects != 2 || got.Type != peer.Type {
		t.Errorf("peerstore:postgres_test - peer = %+v", got)
	}

	peers, err := s.List(ctx)
	if err != nil || len(peers) != 1 {
		t.Fatalf("peerstore:postgres_test - List = %v, %v", peers, err)
	}

	if ok, err := s.Forget(ctx, peer.ID); err != nil || !ok {
		t.Fatalf("peerstore:postgres_test - Forget = %v, %v", ok, err)
	}
	if _, err := s.Get(ctx, peer.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("peerstore:postgres_test - err = %v, want ErrNotFound", err)
	}
}

func TestClearPeers(t *testing.T) {
	s := setupPgStore(t)
	ctx := context.Background()
	for _, name := range []string{"recorder", "player"} {
		if _, err := s.Touch(ctx, channel.NewExternalClient(name, "1.0.0")); err != nil {
			t.Fatalf("peerstore:postgres_test - Touch %s: %v", name, err)
		}
	}
	n, err := ClearPeers(ctx, s.pool)
	if err != nil || n != 2 {
		t.Fatalf("peerstore:postgres_test - ClearPeers = %d, %v; want 2", n, err)
	}
	peers, err := s.List(ctx)
	if err != nil || len(peers) != 0 {
		t.Errorf("peerstore:postgres_test - after clear: %d peers, err=%v", len(peers), err)
	}
}
