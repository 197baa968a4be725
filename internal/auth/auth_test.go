package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jobtrail/jobtrail/internal/model"
	"github.com/jobtrail/jobtrail/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewService(s, zap.NewNop())
}

func TestRegisterAndLogin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.ID == 0 || user.Username != "alice" {
		t.Fatalf("user = %+v", user)
	}

	got, err := svc.Login(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("login returned user %d, want %d", got.ID, user.ID)
	}

	if _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password error = %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "hunter2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user error = %v", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)

	token, err := issuer.Issue(&model.User{ID: 42, Username: "alice"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	userID, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != 42 {
		t.Fatalf("user id = %d, want 42", userID)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)

	if _, err := issuer.Verify("not-a-token"); err == nil {
		t.Fatal("garbage token accepted")
	}

	other := NewTokenIssuer("other-secret", time.Hour)
	token, err := other.Issue(&model.User{ID: 1, Username: "alice"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := issuer.Verify(token); err == nil {
		t.Fatal("token signed with a different secret accepted")
	}

	expired := NewTokenIssuer("test-secret", -time.Hour)
	token, err = expired.Issue(&model.User{ID: 1, Username: "alice"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := issuer.Verify(token); err == nil {
		t.Fatal("expired token accepted")
	}
}
