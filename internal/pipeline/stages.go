// Package pipeline holds the shared stage vocabulary for the deposit
// pipeline. The read path (status derivation) and the write path
// (orchestration) both build on these definitions so that a deposit written
// by one is observed identically by the other.
package pipeline

import (
	"greenreserve/offchain/internal/models"
)

// StageOrder is the fixed pipeline order. It is never reordered; new stages
// may only be appended.
var StageOrder = []models.StageID{
	models.StageDepositReceived,
	models.StageReserveCheck,
	models.StagePolicyCheck,
	models.StageMintSource,
	models.StageRelaySend,
	models.StageRelayReceive,
	models.StageDestinationMint,
}

// Dependencies maps each stage to the stages that gate it. ReserveCheck and
// PolicyCheck have no ordering dependency between each other, but both gate
// everything downstream of them.
var Dependencies = map[models.StageID][]models.StageID{
	models.StageDepositReceived: nil,
	models.StageReserveCheck:    {models.StageDepositReceived},
	models.StagePolicyCheck:     {models.StageDepositReceived},
	models.StageMintSource:      {models.StageReserveCheck, models.StagePolicyCheck},
	models.StageRelaySend:       {models.StageMintSource},
	models.StageRelayReceive:    {models.StageRelaySend},
	models.StageDestinationMint: {models.StageRelayReceive},
}

// Index returns the position of a stage in StageOrder, or -1.
func Index(id models.StageID) int {
	for i, s := range StageOrder {
		if s == id {
			return i
		}
	}
	return -1
}

// DeriveStageStatus resolves the status of a chain-observed stage from four
// facts:
//
//	observed       direct evidence for this stage exists (an event, or an
//	               on-chain idempotency flag proving it happened)
//	confirmed      the evidence has reached the chain's confirmation threshold
//	upstreamFailed some strictly earlier stage is bad
//	upstreamKnown  the evidence for this stage and its dependencies could be
//	               gathered at all (false when an endpoint was unreachable)
//
// Direct positive evidence wins over an upstream failure: an on-chain flag
// proving the write happened cannot be argued away by a later policy or
// reserve verdict.
func DeriveStageStatus(observed, confirmed, upstreamFailed, upstreamKnown bool) models.StageStatus {
	switch {
	case observed && confirmed:
		return models.StatusOK
	case observed:
		return models.StatusPending
	case upstreamFailed:
		return models.StatusBad
	case !upstreamKnown:
		return models.StatusUnknown
	default:
		return models.StatusPending
	}
}

// PropagateBad walks a complete, ordered stage list and forces every stage
// downstream of a bad stage to bad, unless that stage already carries direct
// positive evidence (ok, or an observed transaction). Evidence exempts only
// the stage holding it: the failure still taints everything further down,
// because a stage without evidence below a failed check cannot succeed
// without remediation.
func PropagateBad(stages []models.DepositStage) {
	tainted := make(map[models.StageID]bool, len(stages))
	for i := range stages {
		st := &stages[i]

		upstreamBad := false
		for _, dep := range Dependencies[st.ID] {
			if tainted[dep] {
				upstreamBad = true
				break
			}
		}

		if upstreamBad && st.Status != models.StatusOK && st.TxHash == nil && st.Status != models.StatusBad {
			st.Status = models.StatusBad
			st.Reason = ReasonBlockedByChecks
		}
		if upstreamBad || st.Status == models.StatusBad {
			tainted[st.ID] = true
		}
	}
}

// Reason strings surfaced to callers. Alerting matches on these, so they are
// stable constants rather than ad hoc literals at call sites.
const (
	ReasonBlockedByChecks     = "Blocked by failed checks"
	ReasonBlockedByPrevStage  = "Blocked by previous stage"
	ReasonReserveUnavailable  = "Reserve API unavailable"
	ReasonPolicyUnavailable   = "Policy API unavailable"
	ReasonEndpointUnavailable = "Chain endpoint unavailable"
	ReasonRecipientUnknown    = "Recipient not yet observed on-chain"
	ReasonRouterOnlyExecution = "Router executed but receiver did not emit MessageReceived"
)
