package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/snarg/commcoach/internal/metrics"
)

// GoTrueProvider delegates codes to a hosted GoTrue (Supabase Auth) server,
// which generates and emails them.
type GoTrueProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewGoTrueProvider(baseURL, apiKey string, timeout time.Duration) *GoTrueProvider {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GoTrueProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *GoTrueProvider) SendCode(ctx context.Context, email string) error {
	email, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	status, body, err := g.post(ctx, "/auth/v1/otp", map[string]any{
		"email":       email,
		"create_user": true,
	})
	if err != nil {
		metrics.OTPTotal.WithLabelValues("send", "failed").Inc()
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	if status != http.StatusOK {
		metrics.OTPTotal.WithLabelValues("send", "failed").Inc()
		return fmt.Errorf("%w: gotrue status %d: %s", ErrDelivery, status, body)
	}
	metrics.OTPTotal.WithLabelValues("send", "ok").Inc()
	return nil
}

func (g *GoTrueProvider) VerifyCode(ctx context.Context, email, code string) error {
	email, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	status, body, err := g.post(ctx, "/auth/v1/verify", map[string]any{
		"type":  "email",
		"email": email,
		"token": strings.TrimSpace(code),
	})
	switch {
	case err != nil:
		return fmt.Errorf("gotrue verify: %w", err)
	case status == http.StatusOK:
		metrics.OTPTotal.WithLabelValues("verify", "ok").Inc()
		return nil
	case status >= 400 && status < 500:
		metrics.OTPTotal.WithLabelValues("verify", "rejected").Inc()
		return ErrInvalidCode
	default:
		return fmt.Errorf("gotrue verify status %d: %s", status, body)
	}
}

func (g *GoTrueProvider) post(ctx context.Context, path string, payload any) (int, string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", g.apiKey)
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(body), nil
}
