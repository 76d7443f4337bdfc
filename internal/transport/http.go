package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/sitepresence/pkg/types"
)

// EventsPath is appended to the backend base URL.
const EventsPath = "/api/geofence-events"

// HTTPSender posts events as JSON.
type HTTPSender struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPSender creates a sender for baseURL. token may be empty.
func NewHTTPSender(baseURL, token string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		endpoint: strings.TrimRight(baseURL, "/") + EventsPath,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, ev types.TransitionEvent) error {
	payload := newPayload(ev)
	body, err := json.Marshal(payload)
	if err != nil {
		return Validation(fmt.Sprintf("encode event: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", payload.EventID)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	reason := readErrorMessage(resp.Body)
	if permanentStatus(resp.StatusCode) {
		return &ValidationError{Reason: reason, StatusCode: resp.StatusCode}
	}
	return fmt.Errorf("backend returned %d: %s", resp.StatusCode, reason)
}

// permanentStatus treats 4xx as permanent except the codes that mean
// "try again later" or an expired session.
func permanentStatus(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	switch code {
	case http.StatusUnauthorized, http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return true
}

func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "no response body"
	}

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
