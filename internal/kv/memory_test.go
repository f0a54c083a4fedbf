package kv

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_SetGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("Get = %q, want %q", got, "v")
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "absent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get on missing key = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("Get before expiry returned error: %v", err)
	}

	clock = clock.Add(2 * time.Minute)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after expiry = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_SetNX(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "k", []byte("first"), 0)
	if err != nil || !ok {
		t.Fatalf("first SetNX = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = s.SetNX(ctx, "k", []byte("second"), 0)
	if err != nil {
		t.Fatalf("second SetNX returned error: %v", err)
	}
	if ok {
		t.Error("second SetNX claimed the key, want false")
	}

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if string(got) != "first" {
		t.Errorf("value = %q, want the original %q", got, "first")
	}
}

func TestMemoryStore_ValueIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	src := []byte("payload")
	if err := s.Set(ctx, "k", src, 0); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	src[0] = 'X'

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("stored value mutated through caller slice: %q", got)
	}
	got[0] = 'Y'

	again, _ := s.Get(ctx, "k")
	if string(again) != "payload" {
		t.Errorf("stored value mutated through returned slice: %q", again)
	}
}
