package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Webhook posts {"chat_id","text"} to a configured URL. Delivery is best
// effort: failures are logged and never returned.
type Webhook struct {
	URL    string
	Secret string
	Client *http.Client
	Logger *slog.Logger
}

type payload struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

func NewWebhook(url, secret string, timeout time.Duration, logger *slog.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: timeout},
		Logger: logger,
	}
}

func (w *Webhook) Notify(ctx context.Context, chatID, text string) {
	l := w.Logger.With(slog.String("chat_id", chatID))
	if w.URL == "" {
		l.Warn("webhook url not configured, skipping notification")
		return
	}
	if err := w.send(ctx, chatID, text); err != nil {
		l.Error("webhook delivery failed", "error", err)
		return
	}
	l.Debug("webhook delivered")
}

func (w *Webhook) send(ctx context.Context, chatID, text string) error {
	b, err := json.Marshal(payload{ChatID: chatID, Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if w.Secret != "" {
		token, err := SignToken(chatID, w.Secret, 5*time.Minute)
		if err != nil {
			return fmt.Errorf("sign webhook token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return nil
}

// SignToken issues the HS256 bearer token attached to webhook calls.
func SignToken(chatID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   chatID,
		Issuer:    "csv-ingest",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
