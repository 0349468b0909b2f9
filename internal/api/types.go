package api

// HealthResponse reports service liveness
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// CreateDepositRequest is the POST /api/v1/deposits body. Amount is a
// base-unit decimal string.
type CreateDepositRequest struct {
	DepositID string `json:"depositId"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Scenario  string `json:"scenario,omitempty"`
}

// CreateDepositResponse carries the orchestrator's outcome
type CreateDepositResponse struct {
	DepositID string `json:"depositId"`
	Outcome   string `json:"outcome"`
}

// RefreshResponse reports whether a manual refresh was accepted
type RefreshResponse struct {
	Accepted bool `json:"accepted"`
}

// SightingSummary is one entry of the recent deposits listing
type SightingSummary struct {
	DepositID   string  `json:"depositId"`
	MessageID   *string `json:"messageId,omitempty"`
	Recipient   *string `json:"recipient,omitempty"`
	Amount      *string `json:"amount,omitempty"`
	LastOutcome *string `json:"lastOutcome,omitempty"`
	FirstSeenAt string  `json:"firstSeenAt"`
	LastSeenAt  string  `json:"lastSeenAt"`
}

// RecentDepositsResponse lists recently seen deposits, newest first
type RecentDepositsResponse struct {
	Deposits []SightingSummary `json:"deposits"`
}

// ErrorResponse is the error body shape for all endpoints
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
