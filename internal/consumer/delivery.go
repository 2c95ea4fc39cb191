package consumer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rld013/arrival-rate-server/internal/arrival"
)

// SignatureHeader carries "sha256=<hex hmac of body>" when the subscription
// has a secret.
const SignatureHeader = "X-Arrivals-Signature"

// Payload is the JSON body POSTed for every arrival.
type Payload struct {
	Subscription string          `json:"subscription"`
	Schedule     string          `json:"schedule"`
	Status       arrival.Outcome `json:"status"`
	Arrival      *float64        `json:"arrival"`
	Delay        float64         `json:"delay"` // seconds; negative for missed arrivals
	DeliveredAt  time.Time       `json:"delivered_at"`
}

// Sign returns the SignatureHeader value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// post sends a to the subscriber. Any 2xx response counts as delivered.
func (m *Manager) post(ctx context.Context, sub *Subscription, a arrival.Arrival) error {
	p := Payload{
		Subscription: sub.ID,
		Schedule:     sub.Schedule,
		Status:       a.Outcome,
		DeliveredAt:  time.Now().UTC(),
	}
	if a.Delivered() {
		off := a.Offset
		p.Arrival = &off
		p.Delay = a.Delay.Seconds()
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("consumer: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("consumer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sub.secret != "" {
		req.Header.Set(SignatureHeader, Sign(sub.secret, body))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("consumer: POST %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("consumer: %s returned %d", sub.URL, resp.StatusCode)
	}
	return nil
}
