package memory

import (
	"context"
	"testing"
	"time"

	"github.com/mackeh/sitelock/internal/clock"
	"github.com/mackeh/sitelock/internal/store"
)

func TestLockCycle(t *testing.T) {
	ctx := context.Background()
	s, err := New(store.Options{"name": t.Name()}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if ok, _ := s.Exists(ctx); ok {
		t.Error("expected not locked initially")
	}
	if err := s.Create(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Exists(ctx); !ok {
		t.Error("expected locked after Create()")
	}
	if removed, _ := s.Remove(ctx); !removed {
		t.Error("expected Remove() to report the flag")
	}
	if ok, _ := s.Exists(ctx); ok {
		t.Error("expected not locked after Remove()")
	}
}

func TestDoubleCreateAndRemove(t *testing.T) {
	ctx := context.Background()
	s, _ := New(store.Options{"name": t.Name()}, nil)

	_ = s.Create(ctx)
	_ = s.Create(ctx) // should not panic
	if ok, _ := s.Exists(ctx); !ok {
		t.Error("expected still locked")
	}
	_, _ = s.Remove(ctx)
	if removed, _ := s.Remove(ctx); removed {
		t.Error("second Remove() should report nothing removed")
	}
}

func TestSharedByName(t *testing.T) {
	ctx := context.Background()
	a, _ := New(store.Options{"name": t.Name()}, nil)
	b, _ := New(store.Options{"name": t.Name()}, nil)
	other, _ := New(store.Options{"name": t.Name() + "-other"}, nil)
	defer a.Remove(ctx)

	_ = a.Create(ctx)
	if ok, _ := b.Exists(ctx); !ok {
		t.Error("stores with the same name should share the flag")
	}
	if ok, _ := other.Exists(ctx); ok {
		t.Error("stores with different names should not share the flag")
	}
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	s, err := New(store.Options{"name": t.Name(), "ttl": "5"}, clk)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Create(ctx)

	clk.Advance(5 * time.Second)
	if ok, _ := s.Exists(ctx); !ok {
		t.Error("expected locked at expiry instant")
	}
	clk.Advance(time.Second)
	if ok, _ := s.Exists(ctx); ok {
		t.Error("expected lock to expire")
	}
}

func TestDefaultName(t *testing.T) {
	s, _ := New(store.Options{}, nil)
	if s.Name() != DefaultName {
		t.Errorf("Name() = %q, want %q", s.Name(), DefaultName)
	}
}
