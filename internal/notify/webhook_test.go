package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func quietLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestWebhook_PostsPayload(t *testing.T) {
	var got payload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var logs bytes.Buffer
	NewWebhook(srv.URL, "", time.Second, quietLogger(&logs)).Notify(context.Background(), "chat-1", "done")

	if got.ChatID != "chat-1" || got.Text != "done" {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if auth != "" {
		t.Fatalf("expected no auth header without secret, got %q", auth)
	}
}

func TestWebhook_SignsWhenSecretSet(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	var logs bytes.Buffer
	NewWebhook(srv.URL, "s3cret", time.Second, quietLogger(&logs)).Notify(context.Background(), "chat-9", "ok")

	raw := strings.TrimPrefix(auth, "Bearer ")
	if raw == auth {
		t.Fatalf("expected bearer token, got %q", auth)
	}
	var claims jwt.RegisteredClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return []byte("s3cret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !tok.Valid {
		t.Fatalf("invalid token: %v", err)
	}
	if claims.Subject != "chat-9" {
		t.Fatalf("expected subject chat-9, got %q", claims.Subject)
	}
}

func TestWebhook_SwallowsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	var logs bytes.Buffer
	w := NewWebhook(srv.URL, "", time.Second, quietLogger(&logs))
	w.Notify(context.Background(), "c", "x")
	if !strings.Contains(logs.String(), "webhook delivery failed") {
		t.Fatalf("expected failure to be logged, got %q", logs.String())
	}

	logs.Reset()
	srv.Close()
	w.Notify(context.Background(), "c", "x")
	if !strings.Contains(logs.String(), "webhook delivery failed") {
		t.Fatalf("expected transport failure to be logged, got %q", logs.String())
	}
}

func TestWebhook_EmptyURLSkips(t *testing.T) {
	var logs bytes.Buffer
	NewWebhook("", "", 0, quietLogger(&logs)).Notify(context.Background(), "c", "x")
	if !strings.Contains(logs.String(), "not configured") {
		t.Fatalf("expected skip to be logged, got %q", logs.String())
	}
}
