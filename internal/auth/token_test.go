package auth

import (
	"testing"
	"time"
)

func testTokenConfig() TokenConfig {
	return TokenConfig{Secret: "test-secret", Expiry: time.Hour, Issuer: "worknest"}
}

func TestIssueSessionToken_RoundTrip(t *testing.T) {
	cfg := testTokenConfig()
	token, jti, err := IssueSessionToken("user-1", cfg, time.Now())
	if err != nil {
		t.Fatalf("IssueSessionToken returned error: %v", err)
	}
	if jti == "" {
		t.Fatal("expected non-empty jti")
	}

	claims, err := ParseSessionToken(token, cfg)
	if err != nil {
		t.Fatalf("ParseSessionToken returned error: %v", err)
	}
	if claims.UserID != "user-1" || claims.ID != jti {
		t.Errorf("unexpected claims: uid=%q jti=%q", claims.UserID, claims.ID)
	}
}

func TestParseSessionToken_RejectsWrongSecret(t *testing.T) {
	cfg := testTokenConfig()
	token, _, err := IssueSessionToken("user-1", cfg, time.Now())
	if err != nil {
		t.Fatalf("IssueSessionToken returned error: %v", err)
	}

	other := cfg
	other.Secret = "other-secret"
	if _, err := ParseSessionToken(token, other); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestParseSessionToken_RejectsExpiredToken(t *testing.T) {
	cfg := testTokenConfig()
	token, _, err := IssueSessionToken("user-1", cfg, time.Now().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("IssueSessionToken returned error: %v", err)
	}
	if _, err := ParseSessionToken(token, cfg); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestIssueSessionToken_ValidatesInput(t *testing.T) {
	if _, _, err := IssueSessionToken("", testTokenConfig(), time.Now()); err == nil {
		t.Error("expected error for empty user id")
	}
	cfg := testTokenConfig()
	cfg.Secret = ""
	if _, _, err := IssueSessionToken("user-1", cfg, time.Now()); err == nil {
		t.Error("expected error for missing secret")
	}
}
