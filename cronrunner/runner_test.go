package cronrunner

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestRunner_AddRejectsBadSpec(t *testing.T) {
	r := New(zap.NewNop(), context.Background())
	if _, err := r.Add("broken", "not a spec", func(context.Context) {}); err == nil {
		t.Fatal("expected error for invalid spec")
	}
	if r.Entries() != 0 {
		t.Fatalf("expected no entries, got %d", r.Entries())
	}
}

func TestRunner_AddAndStop(t *testing.T) {
	r := New(nil, nil)
	if _, err := r.Add("tick", "@every 1h", func(context.Context) {}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if r.Entries() != 1 {
		t.Fatalf("expected one entry, got %d", r.Entries())
	}
	r.Start()
	r.Stop()
}
