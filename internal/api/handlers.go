package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"greenreserve/offchain/internal/models"
	"greenreserve/offchain/internal/worker"
)

var (
	hash32Re  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// StatusDeriver derives the current pipeline status of a deposit.
type StatusDeriver interface {
	DeriveDepositStatus(ctx context.Context, depositID common.Hash, messageIDHint *common.Hash) (*models.DerivedDepositStatus, error)
}

// WriteOrchestrator runs the write path for a deposit intent.
type WriteOrchestrator interface {
	Orchestrate(ctx context.Context, intent models.DepositIntent) (models.Outcome, error)
}

// DepositTracker follows a deposit's progress in the background.
// Implemented by worker.Poller.
type DepositTracker interface {
	Track(ctx context.Context, depositID common.Hash, messageIDHint *common.Hash, onUpdate func(worker.Update))
	Refresh() bool
}

// SightingStore records and lists recently seen deposits. Nil-able: the
// service runs fully without history.
type SightingStore interface {
	RecordSighting(ctx context.Context, s *models.DepositSighting) error
	RecentSightings(ctx context.Context, limit int) ([]models.DepositSighting, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	deriver      StatusDeriver
	orchestrator WriteOrchestrator
	tracker      DepositTracker
	store        SightingStore
	metrics      *Metrics
	logger       *zap.Logger
}

// NewHandler creates a new API handler. tracker and store may be nil.
func NewHandler(
	deriver StatusDeriver,
	orchestrator WriteOrchestrator,
	tracker DepositTracker,
	store SightingStore,
	metrics *Metrics,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		deriver:      deriver,
		orchestrator: orchestrator,
		tracker:      tracker,
		store:        store,
		metrics:      metrics,
		logger:       logger,
	}
}

// HandleHealth returns service health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: "1.0.0",
	})
}

// HandleGetDepositStatus handles GET /api/v1/deposits/{depositId}/status.
// Always returns the complete 7-stage structure, even under partial outage.
func (h *Handler) HandleGetDepositStatus(w http.ResponseWriter, r *http.Request) {
	rawID := mux.Vars(r)["depositId"]
	if !hash32Re.MatchString(rawID) {
		respondError(w, http.StatusBadRequest, "depositId must be a 0x-prefixed 32-byte hex value", nil)
		return
	}
	depositID := common.HexToHash(rawID)

	var messageIDHint *common.Hash
	if raw := r.URL.Query().Get("messageId"); raw != "" {
		if !hash32Re.MatchString(raw) {
			respondError(w, http.StatusBadRequest, "messageId must be a 0x-prefixed 32-byte hex value", nil)
			return
		}
		id := common.HexToHash(raw)
		messageIDHint = &id
	}

	status, err := h.deriver.DeriveDepositStatus(r.Context(), depositID, messageIDHint)
	if err != nil {
		h.metrics.incStatusQuery("error")
		h.logger.Error("Status derivation failed",
			zap.String("deposit_id", rawID),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to derive deposit status", err)
		return
	}

	h.metrics.incStatusQuery("ok")
	respondJSON(w, http.StatusOK, status)
}

// HandleCreateDeposit handles POST /api/v1/deposits: runs the orchestrator
// and, when history is enabled, records a sighting.
func (h *Handler) HandleCreateDeposit(w http.ResponseWriter, r *http.Request) {
	var req CreateDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	intent, err := intentFromRequest(&req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	outcome, err := h.orchestrator.Orchestrate(r.Context(), *intent)
	if err != nil {
		h.metrics.incOrchestration("error")
		h.logger.Error("Orchestration failed",
			zap.String("deposit_id", req.DepositID),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Orchestration failed", err)
		return
	}
	h.metrics.incOrchestration(string(outcome))

	h.recordSighting(r.Context(), intent, outcome)

	// Follow the deposit's progress in the background; approved deposits
	// have on-chain work still settling.
	if h.tracker != nil && outcome == models.OutcomeApproved {
		h.tracker.Track(context.Background(), intent.DepositID, nil, func(u worker.Update) {
			if u.State == worker.StateTerminal {
				h.logger.Info("Tracked deposit completed",
					zap.String("deposit_id", u.DepositID.Hex()),
					zap.Int("attempts", u.Attempt+1))
			}
		})
	}

	respondJSON(w, http.StatusOK, CreateDepositResponse{
		DepositID: intent.DepositID.Hex(),
		Outcome:   string(outcome),
	})
}

// HandleRefreshDeposit handles POST /api/v1/deposits/refresh: requests an
// immediate re-poll of the tracked deposit, behind the manual cooldown.
func (h *Handler) HandleRefreshDeposit(w http.ResponseWriter, r *http.Request) {
	if h.tracker == nil {
		respondError(w, http.StatusServiceUnavailable, "Tracking is not enabled", nil)
		return
	}

	accepted := h.tracker.Refresh()
	if !accepted {
		h.metrics.incManualRefresh("rejected")
		respondJSON(w, http.StatusTooManyRequests, RefreshResponse{Accepted: false})
		return
	}
	h.metrics.incManualRefresh("accepted")
	respondJSON(w, http.StatusOK, RefreshResponse{Accepted: true})
}

// HandleRecentDeposits handles GET /api/v1/deposits/recent
func (h *Handler) HandleRecentDeposits(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			respondError(w, http.StatusBadRequest, "limit must be between 1 and 100", nil)
			return
		}
		limit = parsed
	}

	response := RecentDepositsResponse{Deposits: []SightingSummary{}}
	if h.store == nil {
		respondJSON(w, http.StatusOK, response)
		return
	}

	sightings, err := h.store.RecentSightings(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list recent deposits", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to list recent deposits", err)
		return
	}

	for _, s := range sightings {
		response.Deposits = append(response.Deposits, SightingSummary{
			DepositID:   s.DepositID,
			MessageID:   s.MessageID,
			Recipient:   s.Recipient,
			Amount:      s.Amount,
			LastOutcome: s.LastOutcome,
			FirstSeenAt: s.FirstSeenAt.UTC().Format(time.RFC3339),
			LastSeenAt:  s.LastSeenAt.UTC().Format(time.RFC3339),
		})
	}
	respondJSON(w, http.StatusOK, response)
}

func (h *Handler) recordSighting(ctx context.Context, intent *models.DepositIntent, outcome models.Outcome) {
	if h.store == nil {
		return
	}

	recipient := intent.To.Hex()
	amount := intent.Amount.String()
	lastOutcome := string(outcome)
	sighting := &models.DepositSighting{
		DepositID:   intent.DepositID.Hex(),
		Recipient:   &recipient,
		Amount:      &amount,
		LastOutcome: &lastOutcome,
	}
	if err := h.store.RecordSighting(ctx, sighting); err != nil {
		// History is advisory; never fail the request over it.
		h.logger.Warn("Failed to record deposit sighting",
			zap.String("deposit_id", sighting.DepositID),
			zap.Error(err))
	}
}

func intentFromRequest(req *CreateDepositRequest) (*models.DepositIntent, error) {
	if !hash32Re.MatchString(req.DepositID) {
		return nil, fmt.Errorf("depositId must be a 0x-prefixed 32-byte hex value")
	}
	if !addressRe.MatchString(req.To) {
		return nil, fmt.Errorf("to must be a 0x-prefixed 20-byte hex address")
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be a positive base-unit decimal string")
	}

	return &models.DepositIntent{
		DepositID: common.HexToHash(req.DepositID),
		To:        common.HexToAddress(req.To),
		Amount:    amount,
		Scenario:  req.Scenario,
	}, nil
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		fmt.Printf("Failed to encode JSON response: %v\n", err)
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errorMsg := message
	if err != nil {
		errorMsg = fmt.Sprintf("%s: %v", message, err)
	}

	respondJSON(w, statusCode, ErrorResponse{
		Error:   message,
		Message: errorMsg,
	})
}
