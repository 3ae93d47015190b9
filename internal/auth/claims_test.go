package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const signingSecret = "hutch-25idc-signing-key-32-bytes"

func TestGenerateAndParseAccessToken(t *testing.T) {
	user := &User{
		ID:       "usr-7f21",
		Username: "beam_operator",
		Role:     RoleOperator,
	}

	token, err := GenerateAccessToken(user, signingSecret, 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	if token == "" {
		t.Fatal("GenerateAccessToken() returned empty token")
	}

	claims, err := ParseToken(token, signingSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "usr-7f21" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "usr-7f21")
	}
	if claims.Role != RoleOperator {
		t.Errorf("Role = %q, want %q", claims.Role, RoleOperator)
	}
	if claims.Username != "beam_operator" {
		t.Errorf("Username = %q, want beam_operator", claims.Username)
	}
	if claims.SessionID == "" {
		t.Error("SessionID should not be empty")
	}
	if claims.ID == "" {
		t.Error("JTI should not be empty")
	}
	if claims.ExpiresAt.Time.Before(time.Now()) {
		t.Error("fresh token should not already be expired")
	}
}

func TestParseToken_WrongSecret(t *testing.T) {
	user := &User{ID: "usr-7f21", Role: RoleOperator}

	token, err := GenerateAccessToken(user, signingSecret, 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	if _, err := ParseToken(token, "a-different-secret"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("ParseToken() with wrong secret error = %v, want ErrTokenInvalid", err)
	}
}

// signClaims produces a token outside GenerateAccessToken so tests can
// exercise expiry and field validation directly.
func signClaims(t *testing.T, method jwt.SigningMethod, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(signingSecret))
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return signed
}

func TestParseToken_Expired(t *testing.T) {
	expired := signClaims(t, jwt.SigningMethodHS256, CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "usr-7f21",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-30 * time.Minute)),
		},
		Role:      RoleOperator,
		SessionID: "sess-old",
	})

	if _, err := ParseToken(expired, signingSecret); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("ParseToken() of expired token error = %v, want ErrTokenInvalid", err)
	}
}

func TestParseToken_RejectsOtherAlgorithms(t *testing.T) {
	// Same HMAC key, different algorithm: must be refused, never negotiated.
	hs512 := signClaims(t, jwt.SigningMethodHS512, CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "usr-7f21",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: RoleOperator,
	})

	if _, err := ParseToken(hs512, signingSecret); err == nil {
		t.Error("ParseToken() should reject non-HS256 tokens")
	}
}

func TestParseToken_MissingFields(t *testing.T) {
	noRole := signClaims(t, jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "usr-7f21",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if _, err := ParseToken(noRole, signingSecret); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("ParseToken() without role error = %v, want ErrTokenInvalid", err)
	}

	noSubject := signClaims(t, jwt.SigningMethodHS256, CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: RoleOperator,
	})
	if _, err := ParseToken(noSubject, signingSecret); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("ParseToken() without subject error = %v, want ErrTokenInvalid", err)
	}
}

func TestParseToken_Malformed(t *testing.T) {
	for _, tokenString := range []string{"", "not-a-jwt", "abc.def"} {
		if _, err := ParseToken(tokenString, signingSecret); err == nil {
			t.Errorf("ParseToken(%q) should fail", tokenString)
		}
	}
}

func TestGenerateRefreshToken(t *testing.T) {
	first, err := GenerateRefreshToken()
	if err != nil {
		t.Fatalf("GenerateRefreshToken() error = %v", err)
	}
	if len(first) != 64 {
		t.Errorf("token length = %d, want 64 hex characters", len(first))
	}

	second, err := GenerateRefreshToken()
	if err != nil {
		t.Fatalf("GenerateRefreshToken() error = %v", err)
	}
	if first == second {
		t.Error("consecutive refresh tokens must differ")
	}
}

func TestGenerateAccessToken_DefaultTTL(t *testing.T) {
	user := &User{ID: "usr-7f21", Role: RoleOperator}

	token, err := GenerateAccessToken(user, signingSecret, 0)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	claims, err := ParseToken(token, signingSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}

	wantExpiry := time.Now().Add(15 * time.Minute)
	if diff := claims.ExpiresAt.Time.Sub(wantExpiry); diff < -time.Minute || diff > time.Minute {
		t.Errorf("zero TTL should default to ~15 minutes, expiry off by %v", diff)
	}
}
