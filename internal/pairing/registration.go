package pairing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// RegistrationRequest is the payload for the backend pairing endpoint.
type RegistrationRequest struct {
	ThingName string `json:"thingName"`
	PhoneID   string `json:"phoneId"`
	Platform  string `json:"platform"`
	Model     string `json:"model"`
	Country   string `json:"country"`
	Token     string `json:"token,omitempty"`
}

// Registrar registers a freshly paired device with the backend.
type Registrar interface {
	Register(ctx context.Context, req RegistrationRequest) error
}

// HTTPRegistrar calls the backend registration endpoint with a bounded
// number of fixed-backoff retries. Any 2xx answer counts as registered.
type HTTPRegistrar struct {
	BaseURL  string
	Client   *http.Client
	Attempts int
	Backoff  time.Duration
	Logger   *zap.Logger
}

func (r *HTTPRegistrar) Register(ctx context.Context, req RegistrationRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode registration: %w", err)
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(r.Backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = r.post(ctx, client, body)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.Logger.Warn("device registration attempt failed",
			zap.String("thing", req.ThingName),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
	}
	return fmt.Errorf("register device %q: %w", req.ThingName, lastErr)
}

func (r *HTTPRegistrar) post(ctx context.Context, client *http.Client, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.BaseURL+"/pairing/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("registration endpoint returned %d", resp.StatusCode)
	}
	return nil
}
