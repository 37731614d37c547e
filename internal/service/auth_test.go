package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/keygatedb/keygate/internal/store"
)

func newTestAuth(t *testing.T) (*Auth, *store.SQL) {
	t.Helper()
	db, err := store.NewSQLite("")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAuth(db, "test-secret-key-for-jwt"), db
}

func TestJWTRoundTrip(t *testing.T) {
	auth, _ := newTestAuth(t)

	token, err := auth.IssueJWT(42, "admin@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	principal, err := auth.ValidateJWT(token)
	if err != nil {
		t.Fatalf("ValidateJWT: %v", err)
	}
	if principal.AdminID != 42 {
		t.Errorf("AdminID: got %d, want 42", principal.AdminID)
	}
	if principal.Email != "admin@example.com" {
		t.Errorf("Email: got %q, want %q", principal.Email, "admin@example.com")
	}
}

func TestJWTExpired(t *testing.T) {
	auth, _ := newTestAuth(t)

	token, err := auth.IssueJWT(1, "test@test.com", -time.Hour)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}
	if _, err := auth.ValidateJWT(token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestJWTInvalidToken(t *testing.T) {
	auth, _ := newTestAuth(t)

	if _, err := auth.ValidateJWT("garbage.token.here"); err == nil {
		t.Fatal("expected error for invalid token")
	}
}

func TestLogin(t *testing.T) {
	auth, _ := newTestAuth(t)
	ctx := context.Background()

	if _, err := auth.CreateAdmin(ctx, "Admin@Example.com", "supersecretpassword", "Admin"); err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}

	admin, token, err := auth.Login(ctx, "admin@example.com", "supersecretpassword")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token == "" {
		t.Fatal("expected session token")
	}
	if admin.Email != "admin@example.com" {
		t.Errorf("email not normalized: %q", admin.Email)
	}

	principal, err := auth.ValidateJWT(token)
	if err != nil {
		t.Fatalf("ValidateJWT: %v", err)
	}
	if principal.AdminID != admin.ID {
		t.Errorf("AdminID: got %d, want %d", principal.AdminID, admin.ID)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	auth, _ := newTestAuth(t)
	ctx := context.Background()

	if _, err := auth.CreateAdmin(ctx, "a@b.com", "supersecretpassword", ""); err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}

	if _, _, err := auth.Login(ctx, "a@b.com", "wrongpassword"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v, want ErrInvalidCredentials", err)
	}
	if _, _, err := auth.Login(ctx, "nobody@b.com", "supersecretpassword"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown email: got %v, want ErrInvalidCredentials", err)
	}
}

func TestHashPassword(t *testing.T) {
	if _, err := HashPassword("short"); err == nil {
		t.Error("expected error for short password")
	}

	h1, err := HashPassword("supersecretpassword")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	h2, err := HashPassword("supersecretpassword")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if h1 == h2 {
		t.Error("two hashes of the same password share a salt")
	}
	if !strings.Contains(h1, "$") {
		t.Errorf("hash %q missing salt separator", h1)
	}

	if !VerifyPassword("supersecretpassword", h1) {
		t.Error("correct password rejected")
	}
	if VerifyPassword("wrongpassword", h1) {
		t.Error("wrong password accepted")
	}
	if VerifyPassword("supersecretpassword", "no-separator") {
		t.Error("malformed stored hash accepted")
	}
}
