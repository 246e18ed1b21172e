package upstream

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerTripsOnFailures(t *testing.T) {
	cfg := DefaultCircuitConfig("test")
	cfg.MinRequests = 2
	cfg.Timeout = time.Hour
	cb := NewCircuitBreaker(cfg)

	boom := errors.New("model unreachable")
	for i := 0; i < 2; i++ {
		if _, err := cb.Execute(func() (interface{}, error) { return nil, boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: err=%v", i, err)
		}
	}
	if cb.State() != "open" {
		t.Fatalf("state=%s want=open", cb.State())
	}
	_, err := cb.Execute(func() (interface{}, error) {
		t.Fatalf("open breaker must not run the call")
		return nil, nil
	})
	if !IsOpen(err) {
		t.Fatalf("err=%v want open-state error", err)
	}
}

func TestModelBreakerIgnoresCancellation(t *testing.T) {
	cb := ModelBreaker("http://cancel.test/v1")
	if ModelBreaker("http://cancel.test/v1") != cb {
		t.Fatalf("ModelBreaker must return the shared instance")
	}
	for i := 0; i < 10; i++ {
		cb.Execute(func() (interface{}, error) { return nil, context.Canceled })
	}
	if cb.State() != "closed" {
		t.Fatalf("cancellations tripped the breaker: %s", cb.State())
	}
}
