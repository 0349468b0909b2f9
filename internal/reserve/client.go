// Package reserve is the client for the off-chain risk/reserve service.
package reserve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"greenreserve/offchain/internal/config"
)

// State is the response of GET /reserves.
type State struct {
	AsOfTimestamp       int64  `json:"asOfTimestamp"`
	Scenario            string `json:"scenario"`
	TotalReservesUsd    string `json:"totalReservesUsd"`
	TotalLiabilitiesUsd string `json:"totalLiabilitiesUsd"`
	ReserveRatioBps     string `json:"reserveRatioBps"`
	ProofRef            string `json:"proofRef,omitempty"`
}

// RatioBps parses the reserve ratio. The service reports it as a string.
func (s *State) RatioBps() (int64, error) {
	return strconv.ParseInt(s.ReserveRatioBps, 10, 64)
}

// Healthy reports whether reserves fully cover liabilities (ratio >= 100%).
func (s *State) Healthy() (bool, error) {
	bps, err := s.RatioBps()
	if err != nil {
		return false, fmt.Errorf("invalid reserveRatioBps %q: %w", s.ReserveRatioBps, err)
	}
	return bps >= 10_000, nil
}

// Totals parses the USD reserve and liability figures.
func (s *State) Totals() (reserves, liabilities decimal.Decimal, err error) {
	reserves, err = decimal.NewFromString(s.TotalReservesUsd)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("invalid totalReservesUsd %q: %w", s.TotalReservesUsd, err)
	}
	liabilities, err = decimal.NewFromString(s.TotalLiabilitiesUsd)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("invalid totalLiabilitiesUsd %q: %w", s.TotalLiabilitiesUsd, err)
	}
	return reserves, liabilities, nil
}

// PolicyDecision is the response of GET /policy/kyc.
type PolicyDecision struct {
	Address   string `json:"address"`
	IsAllowed bool   `json:"isAllowed"`
	Reason    string `json:"reason"`
}

// Health is the response of GET /health.
type Health struct {
	OK bool `json:"ok"`
}

// Client talks to the risk/reserve service. Both endpoints are idempotent
// GETs; only 5xx and 429 responses are retried.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	logger     *zap.Logger
}

// NewClient creates a reserve service client
func NewClient(cfg config.ReserveConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		logger:     logger.Named("reserve"),
	}
}

// Reserves fetches the current reserve state, optionally for a named scenario.
func (c *Client) Reserves(ctx context.Context, scenario string) (*State, error) {
	endpoint := c.baseURL + "/reserves"
	if scenario != "" {
		endpoint += "?scenario=" + url.QueryEscape(scenario)
	}

	var state State
	if err := c.getJSON(ctx, endpoint, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// PolicyKYC fetches the allow/block decision for a recipient address.
func (c *Client) PolicyKYC(ctx context.Context, address string) (*PolicyDecision, error) {
	endpoint := c.baseURL + "/policy/kyc?address=" + url.QueryEscape(address)

	var decision PolicyDecision
	if err := c.getJSON(ctx, endpoint, &decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

// CheckHealth probes the service health endpoint.
func (c *Client) CheckHealth(ctx context.Context) (bool, error) {
	var health Health
	if err := c.getJSON(ctx, c.baseURL+"/health", &health); err != nil {
		return false, err
	}
	return health.OK, nil
}

// getJSON performs a GET with bounded retries for retriable status codes.
func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * 500 * time.Millisecond
			c.logger.Debug("Retrying reserve API request",
				zap.String("url", endpoint),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("reserve API request failed: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			err = json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			if err != nil {
				return fmt.Errorf("failed to decode reserve API response: %w", err)
			}
			return nil
		}

		resp.Body.Close()
		lastErr = fmt.Errorf("reserve API returned status %d for %s", resp.StatusCode, endpoint)

		if !retriable(resp.StatusCode) {
			return lastErr
		}
	}

	return lastErr
}

func retriable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
