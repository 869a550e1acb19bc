package auth

import (
	"errors"
	"testing"
	"time"
)

func TestService_IssueAndVerify(t *testing.T) {
	svc := NewService("test-secret")

	token, err := svc.IssueToken(Principal{ID: "user-1", Capabilities: []Capability{CapClient}}, time.Hour)
	if err != nil {
		t.Fatalf("issue: unexpected error: %v", err)
	}
	if token == "" {
		t.Fatal("issue: expected token, got empty string")
	}

	p, err := svc.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if p.ID != "user-1" {
		t.Fatalf("verify token: expected subject user-1 got %q", p.ID)
	}
	if !p.Has(CapClient) {
		t.Fatalf("verify token: expected client capability, got %v", p.Capabilities)
	}
	if p.Staff() {
		t.Fatal("verify token: client must not be staff")
	}
}

func TestService_VerifyRejectsForeignSecret(t *testing.T) {
	issuer := NewService("secret-a")
	verifier := NewService("secret-b")

	token, err := issuer.IssueToken(Principal{ID: "user-1", Capabilities: []Capability{CapMediator}}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verifier.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestService_VerifyRejectsExpired(t *testing.T) {
	issued := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService("test-secret").WithClock(func() time.Time { return issued })

	token, err := svc.IssueToken(Principal{ID: "user-1", Capabilities: []Capability{CapAdmin}}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	svc.WithClock(func() time.Time { return issued.Add(2 * time.Minute) })
	if _, err := svc.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestService_IssueValidation(t *testing.T) {
	svc := NewService("test-secret")

	if _, err := svc.IssueToken(Principal{Capabilities: []Capability{CapAdmin}}, time.Hour); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected ErrMissingSubject, got %v", err)
	}
	if _, err := svc.IssueToken(Principal{ID: "x", Capabilities: []Capability{"root"}}, time.Hour); err == nil {
		t.Fatal("expected error for unknown capability")
	}
}

func TestPrincipal_System(t *testing.T) {
	sys := System()
	if !sys.IsSystem() {
		t.Fatal("expected system principal to report IsSystem")
	}
	if !sys.Has(CapAdmin) || !sys.Staff() {
		t.Fatalf("expected system principal to carry staff capabilities, got %v", sys.Capabilities)
	}
}
