package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	token, err := Issue("secret", map[string]any{"sub": "user-1", "roles": []any{"admin"}}, time.Minute)
	if err != nil {
		t.Fatalf("auth:jwt_test - failed to issue: %v", err)
	}
	claims, err := NewVerifier("secret").Verify(token)
	if err != nil {
		t.Fatalf("auth:jwt_test - failed to verify: %v", err)
	}
	if claims["sub"] != "user-1" {
		t.Errorf("auth:jwt_test - sub = %v", claims["sub"])
	}
}

func TestVerify_Rejects(t *testing.T) {
	other, _ := Issue("other", map[string]any{"sub": "u"}, 0)
	expired, _ := Issue("secret", map[string]any{"sub": "u"}, -time.Minute)

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", other},
		{"expired", expired},
		{"garbage", "not.a.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVerifier("secret").Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("auth:jwt_test - err = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestAuthenticate(t *testing.T) {
	v := NewVerifier("secret")
	token, _ := Issue("secret", map[string]any{"sub": "u"}, 0)

	anonymous := httptest.NewRequest("POST", "/", nil)
	if claims, err := v.Authenticate(anonymous); err != nil || claims != nil {
		t.Errorf("auth:jwt_test - anonymous got %v, %v", claims, err)
	}

	header := httptest.NewRequest("POST", "/", nil)
	header.Header.Set("Authorization", "Bearer "+token)
	if claims, err := v.Authenticate(header); err != nil || claims["sub"] != "u" {
		t.Errorf("auth:jwt_test - header got %v, %v", claims, err)
	}

	query := httptest.NewRequest("GET", "/?jwt="+token, nil)
	if claims, err := v.Authenticate(query); err != nil || claims["sub"] != "u" {
		t.Errorf("auth:jwt_test - query got %v, %v", claims, err)
	}

	basic := httptest.NewRequest("POST", "/", nil)
	basic.Header.Set("Authorization", "Basic abc")
	if _, err := v.Authenticate(basic); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("auth:jwt_test - basic got %v", err)
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GenerateSecret()
	if len(a) != 32 || a == b {
		t.Errorf("auth:jwt_test - secrets %q and %q", a, b)
	}
}
