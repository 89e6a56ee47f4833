package auth

import (
	"context"
	"strings"
	"testing"
)

func TestHashAndCheckPassword(t *testing.T) {
	if _, err := HashPassword("short"); err == nil {
		t.Fatalf("expected error for short password")
	}
	h, err := HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword(h, "correct-horse") {
		t.Fatalf("expected password to match")
	}
	if CheckPassword(h, "wrong-horse") || CheckPassword(nil, "correct-horse") {
		t.Fatalf("expected mismatch")
	}
}

func TestTokenEqual(t *testing.T) {
	if !TokenEqual("abc", "abc") {
		t.Fatalf("expected equal")
	}
	if TokenEqual("", "") || TokenEqual("abc", "abd") {
		t.Fatalf("expected not equal")
	}
}

func TestNewRandomToken(t *testing.T) {
	a, err := NewRandomToken("fr_", 8)
	if err != nil {
		t.Fatalf("NewRandomToken: %v", err)
	}
	b, _ := NewRandomToken("fr_", 8)
	if !strings.HasPrefix(a, "fr_") || a == b || len(a) < 20 {
		t.Fatalf("unexpected tokens %q %q", a, b)
	}
}

func TestPrincipalOperator(t *testing.T) {
	ctx := WithPrincipal(context.Background(), Principal{ActorType: ActorTypeFranchisee, FranchiseeID: 7, Role: RoleFranchisee})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.Operator() != "franchisee:7" {
		t.Fatalf("unexpected principal %+v", p)
	}
	if (Principal{ActorType: ActorTypeAdminSession, UserID: 3}).Operator() != "admin:3" {
		t.Fatalf("unexpected admin operator")
	}
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatalf("expected no principal")
	}
}
