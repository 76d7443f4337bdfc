// ============================================================================
// Transport - posts one transition event to the backend
// ============================================================================
//
// Package: internal/transport
// File: transport.go
//
// Outcome contract:
//   Send returns nil                  -> Delivered
//   Send returns *ValidationError     -> ValidationFailure (never retried)
//   Send returns any other error      -> TransientFailure (queued, retried later)
//
// Senders:
//   HTTPSender  - JSON POST, status code classification
//   GRPCSender  - unary call with a structpb payload, status code classification
//   MQTTSender  - QoS 1 publish, every failure is transient
//   Retrying    - wraps any Sender with the fast in-call retry layer
//
// ============================================================================

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/sitepresence/pkg/types"
	"github.com/google/uuid"
)

var log = slog.Default().With("component", "transport")

// Sender posts a single event.
type Sender interface {
	Send(ctx context.Context, ev types.TransitionEvent) error
}

// Outcome is the three-way classification of a Send result.
type Outcome string

const (
	Delivered         Outcome = "delivered"
	TransientFailure  Outcome = "transient_failure"
	ValidationFailure Outcome = "validation_failure"
)

// Classify maps a Send error to its outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Delivered
	case IsValidation(err):
		return ValidationFailure
	default:
		return TransientFailure
	}
}

// ValidationError means the backend will never accept this event.
type ValidationError struct {
	Reason     string
	StatusCode int // transport specific code, 0 when raised locally
}

func (e *ValidationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("validation failed (%d): %s", e.StatusCode, e.Reason)
	}
	return "validation failed: " + e.Reason
}

// Validation builds a ValidationError.
func Validation(reason string) error {
	return &ValidationError{Reason: reason}
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ValidateEvent rejects events no backend could accept.
func ValidateEvent(ev types.TransitionEvent) error {
	switch {
	case ev.UserID == "":
		return Validation("missing user id")
	case ev.SiteID == "":
		return Validation("missing site id")
	case ev.Kind != types.KindEnter && ev.Kind != types.KindExit:
		return Validation(fmt.Sprintf("unknown event type %q", ev.Kind))
	case ev.Timestamp.IsZero():
		return Validation("missing timestamp")
	}
	return nil
}

// idempotencyNamespace scopes the name-based event keys.
var idempotencyNamespace = uuid.MustParse("6f1c3c2e-5d0b-4f3e-9a57-2b8d1e4c7a90")

// IdempotencyKey is stable for (user, site, kind, timestamp) so the backend can
// drop replays of the same event.
func IdempotencyKey(ev types.TransitionEvent) string {
	name := fmt.Sprintf("%s|%s|%s|%s", ev.UserID, ev.SiteID, ev.Kind, ev.Timestamp.UTC().Format(time.RFC3339Nano))
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

// eventPayload is the wire shape shared by the HTTP and MQTT senders.
type eventPayload struct {
	UserID        string   `json:"userId"`
	SiteID        string   `json:"siteId"`
	EventType     string   `json:"eventType"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
	Timestamp     string   `json:"timestamp"`
	TriggerMethod string   `json:"triggerMethod"`
	EventID       string   `json:"eventId"`
}

func newPayload(ev types.TransitionEvent) eventPayload {
	return eventPayload{
		UserID:        ev.UserID,
		SiteID:        string(ev.SiteID),
		EventType:     string(ev.Kind),
		Latitude:      ev.Latitude,
		Longitude:     ev.Longitude,
		Timestamp:     ev.Timestamp.UTC().Format(time.RFC3339Nano),
		TriggerMethod: "auto",
		EventID:       IdempotencyKey(ev),
	}
}
