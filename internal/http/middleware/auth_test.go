package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "s3cret"

func signToken(t *testing.T, secret, sub, iss string, roles []string, exp time.Time) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    iss,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Roles: roles,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func authRouter(opts AuthOptions) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), Auth(opts))
	r.GET("/me", func(c *gin.Context) { c.String(http.StatusOK, UserID(c)) })
	r.POST("/admin", RequireRole("admin"), func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func TestAuth_DisabledTrustsHeader(t *testing.T) {
	r := authRouter(AuthOptions{})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(HeaderUserID, "  student-7 ")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "student-7" {
		t.Fatalf("got %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("RequireRole must pass when auth disabled, got %d", w.Code)
	}
}

func TestAuth_BearerTokens(t *testing.T) {
	r := authRouter(AuthOptions{Secret: testSecret, Issuer: "coursechat"})
	future := time.Now().Add(time.Hour)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + signToken(t, "other", "u1", "coursechat", nil, future), http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + signToken(t, testSecret, "u1", "evil", nil, future), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, testSecret, "u1", "coursechat", nil, time.Now().Add(-time.Minute)), http.StatusUnauthorized},
		{"no subject", "Bearer " + signToken(t, testSecret, "", "coursechat", nil, future), http.StatusUnauthorized},
		{"valid", "bearer " + signToken(t, testSecret, "u1", "coursechat", nil, future), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("want %d, got %d %s", tc.want, w.Code, w.Body.String())
			}
			if tc.want == http.StatusUnauthorized {
				if !strings.Contains(w.Body.String(), `"unauthorized"`) || w.Header().Get("WWW-Authenticate") == "" {
					t.Fatalf("401 envelope: %s", w.Body.String())
				}
			} else if w.Body.String() != "u1" {
				t.Fatalf("user id: %q", w.Body.String())
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	r := authRouter(AuthOptions{Secret: testSecret})
	future := time.Now().Add(time.Hour)

	req := httptest.NewRequest(http.MethodPost, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "u1", "", []string{"student"}, future))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden || !strings.Contains(w.Body.String(), `"forbidden"`) {
		t.Fatalf("want 403, got %d %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "u2", "", []string{"student", "admin"}, future))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("admin: want 200, got %d", w.Code)
	}
}
