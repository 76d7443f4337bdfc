package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/sitepresence/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() types.TransitionEvent {
	lat, lon := 53.3498, -6.2603
	return types.TransitionEvent{
		UserID:    "user-1",
		SiteID:    "S1",
		Kind:      types.KindEnter,
		Latitude:  &lat,
		Longitude: &lon,
		Timestamp: time.Date(2025, 3, 1, 8, 1, 40, 0, time.UTC),
	}
}

// ============================================================================
// Classification helpers
// ============================================================================

func TestClassify(t *testing.T) {
	assert.Equal(t, Delivered, Classify(nil))
	assert.Equal(t, ValidationFailure, Classify(Validation("unknown site")))
	assert.Equal(t, ValidationFailure, Classify(fmt.Errorf("wrapped: %w", Validation("x"))))
	assert.Equal(t, TransientFailure, Classify(errors.New("connection refused")))
	assert.Equal(t, TransientFailure, Classify(context.DeadlineExceeded))
}

func TestValidateEvent(t *testing.T) {
	assert.NoError(t, ValidateEvent(sampleEvent()))

	missingSite := sampleEvent()
	missingSite.SiteID = ""
	assert.True(t, IsValidation(ValidateEvent(missingSite)))

	badKind := sampleEvent()
	badKind.Kind = "wander"
	assert.True(t, IsValidation(ValidateEvent(badKind)))

	noTime := sampleEvent()
	noTime.Timestamp = time.Time{}
	assert.True(t, IsValidation(ValidateEvent(noTime)))
}

func TestIdempotencyKey_StablePerEvent(t *testing.T) {
	a := sampleEvent()
	b := sampleEvent()
	assert.Equal(t, IdempotencyKey(a), IdempotencyKey(b))

	b.Kind = types.KindExit
	assert.NotEqual(t, IdempotencyKey(a), IdempotencyKey(b))

	c := sampleEvent()
	c.Timestamp = c.Timestamp.In(time.FixedZone("IST", 3600))
	assert.Equal(t, IdempotencyKey(a), IdempotencyKey(c), "key ignores the time zone")
}

// ============================================================================
// HTTP
// ============================================================================

func TestHTTPSender_Delivered(t *testing.T) {
	var got eventPayload
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, EventsPath, r.URL.Path)
		headers = r.Header.Clone()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	ev := sampleEvent()
	err := NewHTTPSender(srv.URL+"/", "secret", 5*time.Second).Send(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "S1", got.SiteID)
	assert.Equal(t, "enter", got.EventType)
	assert.Equal(t, "auto", got.TriggerMethod)
	assert.Equal(t, "2025-03-01T08:01:40Z", got.Timestamp)
	assert.Equal(t, "Bearer secret", headers.Get("Authorization"))
	assert.Equal(t, IdempotencyKey(ev), headers.Get("Idempotency-Key"))
}

func TestHTTPSender_StatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		body     string
		expected Outcome
	}{
		{http.StatusOK, "", Delivered},
		{http.StatusBadRequest, `{"error":"unknown site"}`, ValidationFailure},
		{http.StatusNotFound, "", ValidationFailure},
		{http.StatusUnprocessableEntity, `{"message":"bad timestamp"}`, ValidationFailure},
		{http.StatusUnauthorized, "", TransientFailure},
		{http.StatusTooManyRequests, "", TransientFailure},
		{http.StatusInternalServerError, "boom", TransientFailure},
		{http.StatusServiceUnavailable, "", TransientFailure},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := NewHTTPSender(srv.URL, "", time.Second).Send(context.Background(), sampleEvent())
			assert.Equal(t, tt.expected, Classify(err), "error: %v", err)
		})
	}
}

func TestHTTPSender_ValidationReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"unknown site"}`))
	}))
	defer srv.Close()

	err := NewHTTPSender(srv.URL, "", time.Second).Send(context.Background(), sampleEvent())

	var v *ValidationError
	require.True(t, errors.As(err, &v))
	assert.Equal(t, "unknown site", v.Reason)
	assert.Equal(t, http.StatusBadRequest, v.StatusCode)
}

func TestHTTPSender_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewHTTPSender(url, "", time.Second).Send(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Equal(t, TransientFailure, Classify(err))
}

// ============================================================================
// Retry layer
// ============================================================================

type scriptedSender struct {
	calls   int32
	results []error
}

func (s *scriptedSender) Send(ctx context.Context, _ types.TransitionEvent) error {
	n := atomic.AddInt32(&s.calls, 1)
	if int(n) > len(s.results) {
		return nil
	}
	return s.results[n-1]
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{Timeout: time.Second, Attempts: 2, Delay: time.Millisecond}
}

func TestRetrying_RecoversOnSecondAttempt(t *testing.T) {
	inner := &scriptedSender{results: []error{errors.New("timeout")}}
	err := WithRetry(inner, fastPolicy()).Send(context.Background(), sampleEvent())

	assert.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&inner.calls))
}

func TestRetrying_GivesUpAfterAttempts(t *testing.T) {
	inner := &scriptedSender{results: []error{errors.New("a"), errors.New("b"), errors.New("c")}}
	err := WithRetry(inner, fastPolicy()).Send(context.Background(), sampleEvent())

	require.Error(t, err)
	assert.Equal(t, TransientFailure, Classify(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&inner.calls))
}

func TestRetrying_ValidationIsNotRetried(t *testing.T) {
	inner := &scriptedSender{results: []error{Validation("unknown site"), nil}}
	err := WithRetry(inner, fastPolicy()).Send(context.Background(), sampleEvent())

	assert.True(t, IsValidation(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.calls))
}

func TestRetrying_InvalidEventNeverSent(t *testing.T) {
	inner := &scriptedSender{}
	ev := sampleEvent()
	ev.UserID = ""

	err := WithRetry(inner, fastPolicy()).Send(context.Background(), ev)
	assert.True(t, IsValidation(err))
	assert.Equal(t, int32(0), atomic.LoadInt32(&inner.calls))
}

func TestRetrying_PerAttemptTimeout(t *testing.T) {
	slow := senderFunc(func(ctx context.Context, _ types.TransitionEvent) error {
		<-ctx.Done()
		return ctx.Err()
	})
	policy := RetryPolicy{Timeout: 20 * time.Millisecond, Attempts: 2, Delay: time.Millisecond}

	start := time.Now()
	err := WithRetry(slow, policy).Send(context.Background(), sampleEvent())

	assert.Equal(t, TransientFailure, Classify(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

type senderFunc func(ctx context.Context, ev types.TransitionEvent) error

func (f senderFunc) Send(ctx context.Context, ev types.TransitionEvent) error { return f(ctx, ev) }
