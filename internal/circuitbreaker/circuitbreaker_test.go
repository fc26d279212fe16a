package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmallet/pulse/internal/delivery"
	"github.com/jmallet/pulse/internal/notification"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_AllowsRequestsWhenClosed(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3, RecoveryTimeout: 1 * time.Second}, testLogger())
	for i := 0; i < 3; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("should allow probe after timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ClosesOnSuccessfulProbe(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ReopensOnFailedProbe(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_HalfOpenLimitsRequests(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond, HalfOpenMaxRequests: 1}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("first half-open request should be allowed")
	}
	if cb.Allow() {
		t.Fatal("second half-open request should be rejected")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := New(Config{Name: "stats-test", MaxFailures: 5, RecoveryTimeout: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	stats := cb.Stats()
	if stats.Name != "stats-test" {
		t.Fatalf("name = %s", stats.Name)
	}
	if stats.TotalRequests != 3 {
		t.Fatalf("total_requests = %d", stats.TotalRequests)
	}
	if stats.TotalSuccesses != 2 {
		t.Fatalf("total_successes = %d", stats.TotalSuccesses)
	}
	if stats.TotalFailures != 1 {
		t.Fatalf("total_failures = %d", stats.TotalFailures)
	}
}

func TestCircuitBreaker_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig("svc")
	if cfg.MaxFailures != 5 {
		t.Fatalf("max_failures = %d", cfg.MaxFailures)
	}
	if cfg.RecoveryTimeout != 30*time.Second {
		t.Fatalf("recovery_timeout = %v", cfg.RecoveryTimeout)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

// --- ProtectedAdapter Tests ---

type mockAdapter struct {
	sendErr   error
	outcome   delivery.Outcome
	sendCalls int
}

func (m *mockAdapter) Kind() notification.Channel { return notification.ChannelEmail }

func (m *mockAdapter) Send(_ context.Context, _ *notification.Notification, _ notification.Recipient) (delivery.Outcome, error) {
	m.sendCalls++
	return m.outcome, m.sendErr
}

func testNotification() *notification.Notification {
	return &notification.Notification{ID: uuid.New()}
}

func testRecipient() notification.Recipient {
	return notification.Recipient{UserID: "user-1"}
}

func TestProtectedAdapter_PassesThrough(t *testing.T) {
	mock := &mockAdapter{outcome: delivery.Outcome{Status: notification.AttemptSucceeded}}
	cb := New(Config{Name: "email", MaxFailures: 5}, testLogger())
	pa := Protect(mock, cb, testLogger())

	outcome, err := pa.Send(context.Background(), testNotification(), testRecipient())
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if outcome.Status != notification.AttemptSucceeded {
		t.Fatalf("outcome status = %s", outcome.Status)
	}
	if mock.sendCalls != 1 {
		t.Fatalf("calls = %d", mock.sendCalls)
	}
	if pa.Kind() != notification.ChannelEmail {
		t.Fatalf("kind = %s", pa.Kind())
	}
}

func TestProtectedAdapter_FailFastWhenOpen(t *testing.T) {
	mock := &mockAdapter{sendErr: errors.New("down")}
	cb := New(Config{Name: "email", MaxFailures: 2}, testLogger())
	pa := Protect(mock, cb, testLogger())

	pa.Send(context.Background(), testNotification(), testRecipient())
	pa.Send(context.Background(), testNotification(), testRecipient())

	mock.sendCalls = 0
	_, err := pa.Send(context.Background(), testNotification(), testRecipient())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatalf("adapter called %d times when circuit open", mock.sendCalls)
	}
}

func TestProtectedAdapter_FailedOutcomeWithoutErrorDoesNotTrip(t *testing.T) {
	mock := &mockAdapter{outcome: delivery.Outcome{
		Status:   notification.AttemptFailed,
		Response: "no active sessions",
	}}
	cb := New(Config{Name: "in_app", MaxFailures: 2}, testLogger())
	pa := Protect(mock, cb, testLogger())

	for i := 0; i < 5; i++ {
		if _, err := pa.Send(context.Background(), testNotification(), testRecipient()); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("recipient-side failures should not open the circuit, state = %s", cb.GetState())
	}
}

func TestProtectedAdapter_RecordsMetrics(t *testing.T) {
	mock := &mockAdapter{outcome: delivery.Outcome{Status: notification.AttemptSucceeded}}
	cb := New(Config{Name: "email", MaxFailures: 5}, testLogger())
	pa := Protect(mock, cb, testLogger())

	pa.Send(context.Background(), testNotification(), testRecipient())
	if cb.Stats().TotalSuccesses != 1 {
		t.Fatal("expected 1 success")
	}

	mock.sendErr = errors.New("fail")
	pa.Send(context.Background(), testNotification(), testRecipient())
	if cb.Stats().TotalFailures != 1 {
		t.Fatal("expected 1 failure")
	}
}

func TestProtectedAdapter_FullLifecycle(t *testing.T) {
	mock := &mockAdapter{outcome: delivery.Outcome{Status: notification.AttemptSucceeded}}
	cb := New(Config{Name: "lifecycle", MaxFailures: 3, RecoveryTimeout: 50 * time.Millisecond}, testLogger())
	pa := Protect(mock, cb, testLogger())
	n := testNotification()
	r := testRecipient()

	// Phase 1: working
	if _, err := pa.Send(context.Background(), n, r); err != nil {
		t.Fatalf("phase1: %v", err)
	}

	// Phase 2: channel fails, circuit opens
	mock.sendErr = errors.New("provider down")
	for i := 0; i < 3; i++ {
		pa.Send(context.Background(), n, r)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("phase2: expected open, got %s", cb.GetState())
	}

	// Phase 3: fail fast
	mock.sendCalls = 0
	_, err := pa.Send(context.Background(), n, r)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("phase3: %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatal("phase3: adapter should not be called")
	}

	// Phase 4: wait for recovery
	time.Sleep(60 * time.Millisecond)

	// Phase 5: channel recovers
	mock.sendErr = nil
	if _, err := pa.Send(context.Background(), n, r); err != nil {
		t.Fatalf("phase5: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("phase5: expected closed, got %s", cb.GetState())
	}

	// Phase 6: normal traffic
	for i := 0; i < 5; i++ {
		if _, err := pa.Send(context.Background(), n, r); err != nil {
			t.Fatalf("phase6[%d]: %v", i, err)
		}
	}
}
