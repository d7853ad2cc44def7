package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type fakePinger struct {
	err error
}

func (p *fakePinger) Ping(ctx context.Context) error {
	return p.err
}

func TestPingerChecker(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		checker := NewPingerChecker("store", &fakePinger{}, time.Second)
		result := checker.Check(context.Background())

		if result.Status != StatusHealthy {
			t.Errorf("expected healthy, got %s", result.Status)
		}
		if result.Name != "store" {
			t.Errorf("unexpected name %q", result.Name)
		}
	})

	t.Run("unhealthy", func(t *testing.T) {
		checker := NewPingerChecker("store", &fakePinger{err: errors.New("connection refused")}, time.Second)
		result := checker.Check(context.Background())

		if result.Status != StatusUnhealthy {
			t.Errorf("expected unhealthy, got %s", result.Status)
		}
		if result.Error == "" {
			t.Error("expected the error message to be recorded")
		}
	})
}

func TestRegistryAggregation(t *testing.T) {
	r := NewRegistry()
	r.Register(NewPingerChecker("store", &fakePinger{}, time.Second))
	r.RegisterFunc("bridge", func(ctx context.Context) CheckResult {
		return CheckResult{Name: "bridge", Status: StatusHealthy, Timestamp: time.Now()}
	})

	result := r.Check(context.Background())
	if !result.IsHealthy() {
		t.Errorf("expected healthy aggregate, got %s", result.Status)
	}
	if len(result.Checks) != 2 {
		t.Errorf("expected 2 check results, got %d", len(result.Checks))
	}

	r.Register(NewPingerChecker("broken", &fakePinger{err: errors.New("down")}, time.Second))
	result = r.Check(context.Background())
	if result.IsHealthy() {
		t.Error("one failing check must make the aggregate unhealthy")
	}
}

func TestHandlerStatusCodes(t *testing.T) {
	r := NewRegistry()
	r.Register(NewPingerChecker("store", &fakePinger{}, time.Second))

	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"healthy"`) {
		t.Errorf("unexpected body %s", w.Body.String())
	}

	r.Register(NewPingerChecker("bridge", &fakePinger{err: errors.New("down")}, time.Second))
	w = httptest.NewRecorder()
	r.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}
