package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type lookupCall struct {
	user, scope, key string
}

func idemRouter(opts IdempotencyOptions, lookup IdempotencyLookup) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), Auth(AuthOptions{}), IdempotencyValidator(opts, lookup))
	h := func(c *gin.Context) {
		key, _ := GetIdempotencyKey(c)
		c.JSON(http.StatusOK, gin.H{
			"key":    key,
			"scope":  IdempotencyScope(c),
			"replay": IsReplay(c),
			"bypass": IsRateBypass(c),
		})
	}
	r.POST("/conversations/:id/messages", h)
	r.POST("/chat", h)
	r.GET("/conversations/:id", h)
	return r
}

func TestIdempotency_NoHeaderOrSafeMethodIsNoop(t *testing.T) {
	called := false
	r := idemRouter(IdempotencyOptions{}, func(context.Context, string, string, string, time.Time) (bool, error) {
		called = true
		return true, nil
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/chat", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"key":""`) {
		t.Fatalf("unexpected: %d %s", w.Code, w.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/conversations/c1", nil)
	req.Header.Set(HeaderIdempotencyKey, "k1")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if called {
		t.Fatalf("lookup must not run for GET")
	}
}

func TestIdempotency_InvalidKey(t *testing.T) {
	r := idemRouter(IdempotencyOptions{MaxLen: 8, Pattern: regexp.MustCompile(`^[a-z0-9]+$`)}, nil)
	for _, key := range []string{"way-too-long-key", "BAD!"} {
		req := httptest.NewRequest(http.MethodPost, "/chat", nil)
		req.Header.Set(HeaderIdempotencyKey, key)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), `"bad_request"`) {
			t.Fatalf("key %q: want 400 bad_request, got %d %s", key, w.Code, w.Body.String())
		}
	}
}

func TestIdempotency_ScopeAndReplay(t *testing.T) {
	var calls []lookupCall
	r := idemRouter(IdempotencyOptions{}, func(_ context.Context, user, scope, key string, now time.Time) (bool, error) {
		if now.IsZero() {
			t.Fatalf("now must be set")
		}
		calls = append(calls, lookupCall{user, scope, key})
		return scope == "c1", nil
	})

	req := httptest.NewRequest(http.MethodPost, "/conversations/c1/messages", nil)
	req.Header.Set(HeaderIdempotencyKey, "k-1")
	req.Header.Set(HeaderUserID, "u1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if !strings.Contains(w.Body.String(), `"replay":true`) || !strings.Contains(w.Body.String(), `"bypass":true`) {
		t.Fatalf("want replay+bypass, got %s", w.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.Header.Set(HeaderIdempotencyKey, "k-2")
	req.Header.Set(HeaderUserID, "u1")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if !strings.Contains(w.Body.String(), `"scope":"new"`) || !strings.Contains(w.Body.String(), `"replay":false`) {
		t.Fatalf("unexpected /chat body: %s", w.Body.String())
	}

	want := []lookupCall{{"u1", "c1", "k-1"}, {"u1", ScopeNewConversation, "k-2"}}
	if len(calls) != len(want) {
		t.Fatalf("calls: %+v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d: got %+v want %+v", i, calls[i], want[i])
		}
	}
}

func TestIdempotency_LookupErrorDoesNotBlock(t *testing.T) {
	r := idemRouter(IdempotencyOptions{}, func(context.Context, string, string, string, time.Time) (bool, error) {
		return false, errors.New("db down")
	})
	req := httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.Header.Set(HeaderIdempotencyKey, "k")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"replay":false`) {
		t.Fatalf("lookup error must fall through, got %d %s", w.Code, w.Body.String())
	}
}
