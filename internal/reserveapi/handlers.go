// Package reserveapi is a mock risk/reserve service for local development and
// end-to-end tests. Verdicts are deterministic: the reserve state follows the
// scenario query parameter and the policy decision follows the last hex digit
// of the address.
package reserveapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const proofRef = "mock:greenreserve:v1"

var hexAddressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ReserveState is the GET /reserves response body.
type ReserveState struct {
	AsOfTimestamp       int64  `json:"asOfTimestamp"`
	Scenario            string `json:"scenario"`
	TotalReservesUsd    string `json:"totalReservesUsd"`
	TotalLiabilitiesUsd string `json:"totalLiabilitiesUsd"`
	ReserveRatioBps     string `json:"reserveRatioBps"`
	ProofRef            string `json:"proofRef"`
}

// PolicyDecision is the GET /policy/kyc response body.
type PolicyDecision struct {
	Address   string `json:"address"`
	IsAllowed bool   `json:"isAllowed"`
	Reason    string `json:"reason"`
}

// DepositResponse is the POST /deposits response body.
type DepositResponse struct {
	DepositID string `json:"depositId"`
}

// Handler serves the mock endpoints. Seen deposits are deduped in memory
// only; restarting the service forgets them.
type Handler struct {
	asOfTimestamp int64
	logger        *zap.Logger

	mu   sync.Mutex
	seen map[string]json.RawMessage
}

// NewHandler creates a mock reserve API handler
func NewHandler(asOfTimestamp int64, logger *zap.Logger) *Handler {
	return &Handler{
		asOfTimestamp: asOfTimestamp,
		logger:        logger.Named("reserveapi"),
		seen:          make(map[string]json.RawMessage),
	}
}

// SetupRouter creates the mock service router
func SetupRouter(handler *Handler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", handler.HandleHealth).Methods(http.MethodGet)
	router.HandleFunc("/reserves", handler.HandleReserves).Methods(http.MethodGet)
	router.HandleFunc("/policy/kyc", handler.HandlePolicyKYC).Methods(http.MethodGet)
	router.HandleFunc("/deposits", handler.HandleCreateDeposit).Methods(http.MethodPost)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	})
	return router
}

// HandleHealth returns service health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleReserves returns the reserve state for the requested scenario.
// Anything other than "unhealthy" is the healthy baseline.
func (h *Handler) HandleReserves(w http.ResponseWriter, r *http.Request) {
	scenario := strings.ToLower(r.URL.Query().Get("scenario"))
	if scenario == "" {
		scenario = "healthy"
	}

	totalReserves := int64(1_000_000)
	totalLiabilities := int64(900_000)
	if scenario == "unhealthy" {
		totalLiabilities = 1_100_000
	}
	ratioBps := totalReserves * 10_000 / totalLiabilities

	respondJSON(w, http.StatusOK, ReserveState{
		AsOfTimestamp:       h.asOfTimestamp,
		Scenario:            scenario,
		TotalReservesUsd:    strconv.FormatInt(totalReserves, 10),
		TotalLiabilitiesUsd: strconv.FormatInt(totalLiabilities, 10),
		ReserveRatioBps:     strconv.FormatInt(ratioBps, 10),
		ProofRef:            proofRef,
	})
}

// HandlePolicyKYC returns the allow/block decision for an address: allowed
// iff the final hex digit is even.
func (h *Handler) HandlePolicyKYC(w http.ResponseWriter, r *http.Request) {
	address := strings.ToLower(r.URL.Query().Get("address"))
	respondJSON(w, http.StatusOK, decideAddress(address))
}

func decideAddress(address string) PolicyDecision {
	decision := PolicyDecision{Address: address}

	if !hexAddressRe.MatchString(address) {
		decision.Reason = "invalid_address"
		return decision
	}

	nibble, err := strconv.ParseUint(address[len(address)-1:], 16, 8)
	if err != nil {
		decision.Reason = "invalid_address"
		return decision
	}

	if nibble%2 == 0 {
		decision.IsAllowed = true
		decision.Reason = "allowlisted"
	} else {
		decision.Reason = "blocked_by_policy"
	}
	return decision
}

// HandleCreateDeposit derives a deterministic deposit id from the request
// body, so re-submitting the same payload yields the same identifier.
func (h *Handler) HandleCreateDeposit(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_json"})
		return
	}

	// Hash the compacted payload so formatting differences do not change the
	// identifier.
	compact, err := compactJSON(body)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_json"})
		return
	}
	sum := sha256.Sum256(compact)
	id := "0x" + hex.EncodeToString(sum[:])

	h.mu.Lock()
	if _, ok := h.seen[id]; !ok {
		h.seen[id] = body
	}
	h.mu.Unlock()

	h.logger.Debug("Deposit registered", zap.String("deposit_id", id))
	respondJSON(w, http.StatusOK, DepositResponse{DepositID: id})
}

func compactJSON(raw json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		fmt.Printf("Failed to encode JSON response: %v\n", err)
	}
}
