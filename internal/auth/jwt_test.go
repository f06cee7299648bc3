package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

var secret = []byte("test-secret")

func sign(t *testing.T, claims Claims, key []byte, method jwt.SigningMethod) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func validClaims() Claims {
	return Claims{
		UID: 42,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func newRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(Middleware(secret))
	r.Get("/me", func(w http.ResponseWriter, r *http.Request) {
		id, ok := UserIDFrom(r.Context())
		if !ok || id != 42 {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func do(r http.Handler, req *http.Request) int {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestMiddleware_RejectsMissingToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if code := do(newRouter(), req); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestMiddleware_AcceptsUIDClaim(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, validClaims(), secret, jwt.SigningMethodHS256))
	if code := do(newRouter(), req); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestMiddleware_AcceptsNumericSubject(t *testing.T) {
	claims := validClaims()
	claims.UID = 0
	claims.Subject = "42"
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, claims, secret, jwt.SigningMethodHS256))
	if code := do(newRouter(), req); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestMiddleware_AcceptsQueryToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/me?access_token="+sign(t, validClaims(), secret, jwt.SigningMethodHS256), nil)
	if code := do(newRouter(), req); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestMiddleware_RejectsBadTokens(t *testing.T) {
	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	noUser := validClaims()
	noUser.UID = 0
	noUser.Subject = "user-abc"

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", sign(t, validClaims(), []byte("other"), jwt.SigningMethodHS256)},
		{"wrong algorithm", sign(t, validClaims(), secret, jwt.SigningMethodHS512)},
		{"expired", sign(t, expired, secret, jwt.SigningMethodHS256)},
		{"non-numeric subject", sign(t, noUser, secret, jwt.SigningMethodHS256)},
		{"garbage", "not.a.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			if code := do(newRouter(), req); code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", code)
			}
		})
	}
}

func TestExtractBearer(t *testing.T) {
	tests := map[string]string{
		"":             "",
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"Bearerabc":    "",
	}
	for header, want := range tests {
		if got := ExtractBearer(header); got != want {
			t.Errorf("ExtractBearer(%q) = %q, want %q", header, got, want)
		}
	}
}
