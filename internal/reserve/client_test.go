package reserve

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"greenreserve/offchain/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(config.ReserveConfig{
		BaseURL:    server.URL,
		Timeout:    5 * time.Second,
		MaxRetries: 2,
	}, zap.NewNop())
	return client, server
}

func TestReserves(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/reserves" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("scenario"); got != "healthy" {
			t.Errorf("expected scenario=healthy, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"asOfTimestamp": 1700000000,
			"scenario": "healthy",
			"totalReservesUsd": "1000000",
			"totalLiabilitiesUsd": "900000",
			"reserveRatioBps": "11111"
		}`))
	})

	state, err := client.Reserves(context.Background(), "healthy")
	if err != nil {
		t.Fatalf("Reserves failed: %v", err)
	}

	healthy, err := state.Healthy()
	if err != nil {
		t.Fatalf("Healthy failed: %v", err)
	}
	if !healthy {
		t.Error("expected healthy reserves at 11111 bps")
	}

	reserves, liabilities, err := state.Totals()
	if err != nil {
		t.Fatalf("Totals failed: %v", err)
	}
	if reserves.String() != "1000000" || liabilities.String() != "900000" {
		t.Errorf("unexpected totals: reserves=%s liabilities=%s", reserves, liabilities)
	}
}

func TestHealthyBoundary(t *testing.T) {
	tests := []struct {
		bps     string
		healthy bool
	}{
		{"10000", true},
		{"9000", false},
		{"11111", true},
		{"9999", false},
	}

	for _, tt := range tests {
		state := &State{ReserveRatioBps: tt.bps}
		healthy, err := state.Healthy()
		if err != nil {
			t.Fatalf("bps=%s: %v", tt.bps, err)
		}
		if healthy != tt.healthy {
			t.Errorf("bps=%s: expected healthy=%v, got %v", tt.bps, tt.healthy, healthy)
		}
	}
}

func TestPolicyKYC(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/policy/kyc" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		addr := r.URL.Query().Get("address")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"address":"` + addr + `","isAllowed":false,"reason":"blocked_by_policy"}`))
	})

	decision, err := client.PolicyKYC(context.Background(), "0x0000000000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("PolicyKYC failed: %v", err)
	}
	if decision.IsAllowed {
		t.Error("expected isAllowed=false")
	}
	if decision.Reason != "blocked_by_policy" {
		t.Errorf("unexpected reason: %s", decision.Reason)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})

	ok, err := client.CheckHealth(context.Background())
	if err != nil {
		t.Fatalf("CheckHealth failed after retries: %v", err)
	}
	if !ok {
		t.Error("expected ok=true")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := client.Reserves(context.Background(), "")
	if err == nil {
		t.Fatal("expected error on 400 response")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("4xx must not be retried: got %d calls", got)
	}
}
