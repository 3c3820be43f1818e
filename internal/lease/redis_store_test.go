package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"loom/api/internal/history"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestAcquireAndGetLease(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	lease, err := store.AcquireLease(ctx, "ref_1", "alice", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	if lease.Holder != "alice" {
		t.Errorf("holder = %q, want alice", lease.Holder)
	}

	got, ok, err := store.GetLease(ctx, "ref_1")
	if err != nil {
		t.Fatalf("GetLease failed: %v", err)
	}
	if !ok || got.Holder != "alice" {
		t.Fatalf("expected alice's lease, got ok=%v holder=%q", ok, got.Holder)
	}
}

func TestAcquireConflictReturnsCurrentHolder(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if _, err := store.AcquireLease(ctx, "ref_1", "alice", time.Minute); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	lease, err := store.AcquireLease(ctx, "ref_1", "bob", time.Minute)
	if !errors.Is(err, history.ErrLeaseConflict) {
		t.Fatalf("expected ErrLeaseConflict, got %v", err)
	}
	if lease.Holder != "alice" {
		t.Errorf("conflicting lease holder = %q, want alice", lease.Holder)
	}
}

func TestAcquireRenewsOwnLease(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if _, err := store.AcquireLease(ctx, "ref_1", "alice", time.Minute); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	// Renewal by the same holder is not a conflict.
	if _, err := store.AcquireLease(ctx, "ref_1", "alice", 2*time.Minute); err != nil {
		t.Fatalf("renewal failed: %v", err)
	}
}

func TestLeaseExpires(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if _, err := store.AcquireLease(ctx, "ref_1", "alice", 50*time.Millisecond); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	s.FastForward(100 * time.Millisecond)

	if _, ok, err := store.GetLease(ctx, "ref_1"); err != nil || ok {
		t.Fatalf("expected expired lease to be absent, got ok=%v err=%v", ok, err)
	}
	// An expired lease is free for anyone.
	if _, err := store.AcquireLease(ctx, "ref_1", "bob", time.Minute); err != nil {
		t.Fatalf("acquire after expiry failed: %v", err)
	}
}

func TestReleaseByNonHolderIsNoOp(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if _, err := store.AcquireLease(ctx, "ref_1", "alice", time.Minute); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	if err := store.ReleaseLease(ctx, "ref_1", "bob"); err != nil {
		t.Fatalf("ReleaseLease by non-holder failed: %v", err)
	}
	if _, ok, _ := store.GetLease(ctx, "ref_1"); !ok {
		t.Fatal("lease vanished after non-holder release")
	}

	if err := store.ReleaseLease(ctx, "ref_1", "alice"); err != nil {
		t.Fatalf("ReleaseLease failed: %v", err)
	}
	if _, ok, _ := store.GetLease(ctx, "ref_1"); ok {
		t.Fatal("lease still present after holder release")
	}
}
