package reserveapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func testRouter() http.Handler {
	return SetupRouter(NewHandler(1_700_000_000, zap.NewNop()))
}

func doRequest(t *testing.T, router http.Handler, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := doRequest(t, testRouter(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var body map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body["ok"] {
		t.Fatal("expected ok=true")
	}
}

func TestReservesScenarios(t *testing.T) {
	tests := []struct {
		target        string
		wantScenario  string
		wantRatioBps  string
		wantLiability string
	}{
		{"/reserves", "healthy", "11111", "900000"},
		{"/reserves?scenario=healthy", "healthy", "11111", "900000"},
		{"/reserves?scenario=UNHEALTHY", "unhealthy", "9090", "1100000"},
	}

	router := testRouter()
	for _, tc := range tests {
		rec := doRequest(t, router, http.MethodGet, tc.target, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", tc.target, rec.Code)
		}
		var state ReserveState
		if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
			t.Fatalf("%s: decode: %v", tc.target, err)
		}
		if state.Scenario != tc.wantScenario {
			t.Errorf("%s: scenario %q, want %q", tc.target, state.Scenario, tc.wantScenario)
		}
		if state.ReserveRatioBps != tc.wantRatioBps {
			t.Errorf("%s: ratio %q, want %q", tc.target, state.ReserveRatioBps, tc.wantRatioBps)
		}
		if state.TotalLiabilitiesUsd != tc.wantLiability {
			t.Errorf("%s: liabilities %q, want %q", tc.target, state.TotalLiabilitiesUsd, tc.wantLiability)
		}
		if state.AsOfTimestamp != 1_700_000_000 || state.ProofRef != proofRef {
			t.Errorf("%s: unexpected metadata: %+v", tc.target, state)
		}
	}
}

func TestPolicyDecisions(t *testing.T) {
	tests := []struct {
		address     string
		wantAllowed bool
		wantReason  string
	}{
		{"0x00000000000000000000000000000000000000a2", true, "allowlisted"},
		{"0x00000000000000000000000000000000000000a3", false, "blocked_by_policy"},
		{"0x00000000000000000000000000000000000000aE", true, "allowlisted"}, // normalized to lowercase, e is even
		{"not-an-address", false, "invalid_address"},
		{"", false, "invalid_address"},
	}

	router := testRouter()
	for _, tc := range tests {
		rec := doRequest(t, router, http.MethodGet, "/policy/kyc?address="+tc.address, "")
		var decision PolicyDecision
		if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
			t.Fatalf("%s: decode: %v", tc.address, err)
		}
		if decision.IsAllowed != tc.wantAllowed || decision.Reason != tc.wantReason {
			t.Errorf("%s: got (%v, %q), want (%v, %q)",
				tc.address, decision.IsAllowed, decision.Reason, tc.wantAllowed, tc.wantReason)
		}
		if decision.Address != strings.ToLower(tc.address) {
			t.Errorf("%s: address not normalized: %q", tc.address, decision.Address)
		}
	}
}

func TestCreateDepositDeterministic(t *testing.T) {
	router := testRouter()

	first := doRequest(t, router, http.MethodPost, "/deposits", `{"to":"0xabc","amount":"100"}`)
	if first.Code != http.StatusOK {
		t.Fatalf("status: %d", first.Code)
	}
	var a DepositResponse
	if err := json.Unmarshal(first.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(a.DepositID, "0x") || len(a.DepositID) != 66 {
		t.Fatalf("malformed deposit id: %q", a.DepositID)
	}

	// Same payload, different formatting: same identifier.
	second := doRequest(t, router, http.MethodPost, "/deposits", "{\"to\":\"0xabc\",  \"amount\":\"100\"}")
	var b DepositResponse
	if err := json.Unmarshal(second.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.DepositID != b.DepositID {
		t.Fatalf("identifiers differ: %q vs %q", a.DepositID, b.DepositID)
	}

	third := doRequest(t, router, http.MethodPost, "/deposits", `{"to":"0xabc","amount":"101"}`)
	var c DepositResponse
	if err := json.Unmarshal(third.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.DepositID == c.DepositID {
		t.Fatal("different payloads must yield different identifiers")
	}
}

func TestCreateDepositInvalidJSON(t *testing.T) {
	rec := doRequest(t, testRouter(), http.MethodPost, "/deposits", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d, want 400", rec.Code)
	}
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	rec := doRequest(t, testRouter(), http.MethodGet, "/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: %d, want 404", rec.Code)
	}
}
