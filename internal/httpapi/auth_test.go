package httpapi

import (
	"testing"
	"time"

	"meelike/backend/internal/domain"
	"meelike/backend/internal/store/memory"
)

func newTestAuth(t *testing.T) *AuthManager {
	t.Helper()
	return NewAuthManager("test-secret-key-0123456789abcdef", time.Hour, memory.NewSeeded())
}

func TestLoginIssuesParsableToken(t *testing.T) {
	auth := newTestAuth(t)

	resp, err := auth.Login(domain.LoginRequest{Username: "agent-demo", Password: "agent123"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.Role != "agent" {
		t.Fatalf("expected agent role, got %s", resp.Role)
	}
	if resp.ExpiresAt == "" {
		t.Fatalf("expected expiry timestamp")
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "agent-demo" || actor.Role != "agent" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	auth := newTestAuth(t)

	if _, err := auth.Login(domain.LoginRequest{Username: "agent-demo", Password: "nope"}); err == nil {
		t.Fatalf("expected login failure")
	}
	if _, err := auth.Login(domain.LoginRequest{Username: "ghost", Password: "agent123"}); err == nil {
		t.Fatalf("expected unknown user rejection")
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	auth := newTestAuth(t)

	if _, err := auth.ParseToken("not-a-jwt"); err == nil {
		t.Fatalf("expected parse failure for garbage token")
	}

	// Tokens signed with a different secret must not verify.
	other := NewAuthManager("another-secret-key-fedcba98765432", time.Hour, memory.NewSeeded())
	resp, err := other.Login(domain.LoginRequest{Username: "agent-demo", Password: "agent123"})
	if err != nil {
		t.Fatalf("login on other manager: %v", err)
	}
	if _, err := auth.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected foreign-signed token to be rejected")
	}
}

func TestCreateAgentValidation(t *testing.T) {
	auth := newTestAuth(t)

	bad := []domain.AgentUserCreateRequest{
		{Username: "ab", Password: "longenough"},
		{Username: "has space", Password: "longenough"},
		{Username: "valid-name", Password: "tiny"},
		{Username: "agent-demo", Password: "longenough"},
	}
	for i, req := range bad {
		if _, err := auth.CreateAgent(req); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, req)
		}
	}

	created, err := auth.CreateAgent(domain.AgentUserCreateRequest{
		Username: "agent-two",
		Password: "s3cret-pass",
	})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if created.Role != "agent" || !created.Active {
		t.Fatalf("unexpected account %+v", created)
	}

	if _, err := auth.Login(domain.LoginRequest{Username: "agent-two", Password: "s3cret-pass"}); err != nil {
		t.Fatalf("fresh agent login: %v", err)
	}
}

func TestListAgentsExcludesAdmins(t *testing.T) {
	auth := newTestAuth(t)

	if _, err := auth.CreateAgent(domain.AgentUserCreateRequest{
		Username: "agent-two",
		Password: "s3cret-pass",
	}); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	for _, agent := range auth.ListAgents() {
		if agent.Role != "agent" {
			t.Fatalf("expected only agent accounts, found role %s", agent.Role)
		}
	}
}
