package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// StageID identifies one step of the deposit pipeline. The declaration order
// is the causal order: a stage may only depend on stages declared before it.
type StageID string

const (
	StageDepositReceived StageID = "DepositReceived"
	StageReserveCheck    StageID = "ReserveCheck"
	StagePolicyCheck     StageID = "PolicyCheck"
	StageMintSource      StageID = "MintSource"
	StageRelaySend       StageID = "RelaySend"
	StageRelayReceive    StageID = "RelayReceive"
	StageDestinationMint StageID = "DestinationMint"
)

// StageStatus is the verdict for one stage.
type StageStatus string

const (
	// StatusUnknown means no evidence either way and no observed dependency
	// failure, e.g. the chain endpoint was unreachable.
	StatusUnknown StageStatus = "unknown"
	// StatusPending means no terminal evidence yet, but an attempt is
	// plausible or in flight.
	StatusPending StageStatus = "pending"
	// StatusOK means the stage is satisfied, with sufficient confirmations
	// where the stage is chain-observed.
	StatusOK StageStatus = "ok"
	// StatusBad means a strictly earlier stage failed, so this stage cannot
	// succeed without external remediation.
	StatusBad StageStatus = "bad"
)

// Outcome is the write orchestrator's terminal classification.
type Outcome string

const (
	OutcomeBlocked              Outcome = "blocked"
	OutcomeInsufficientReserves Outcome = "insufficient_reserves"
	// OutcomeApproved means no policy or reserve objection was found. It does
	// not assert end-to-end completion; that is only knowable via derivation.
	OutcomeApproved Outcome = "approved"
)

// DepositIntent is the immutable input to the write path. The deposit id is
// the sole correlation key across both chains and the risk service.
type DepositIntent struct {
	DepositID common.Hash
	To        common.Address
	Amount    *big.Int
	Scenario  string // optional risk-service scenario label
}

// DepositStage is one entry of the derived stage list.
type DepositStage struct {
	ID            StageID      `json:"id"`
	Status        StageStatus  `json:"status"`
	Chain         string       `json:"chain,omitempty"`
	TxHash        *common.Hash `json:"txHash,omitempty"`
	BlockNumber   *uint64      `json:"blockNumber,omitempty"`
	Confirmations *uint64      `json:"confirmations,omitempty"`
	MessageID     *common.Hash `json:"messageId,omitempty"`
	Reason        string       `json:"reason,omitempty"`
}

// TransferDetails carries the decoded recipient and amount of an observed
// mint, relay-send or relay-receive event.
type TransferDetails struct {
	MessageID *common.Hash   `json:"messageId,omitempty"`
	To        common.Address `json:"to"`
	Amount    *big.Int       `json:"amount"`
}

// DerivedDepositStatus is a pure function of current chain and risk-service
// state. It has no lifecycle of its own and is recomputed on every query.
type DerivedDepositStatus struct {
	DepositID     common.Hash      `json:"depositId"`
	Stages        []DepositStage   `json:"stages"`
	MintObserved  *TransferDetails `json:"mintObserved,omitempty"`
	RelaySent     *TransferDetails `json:"relaySent,omitempty"`
	RelayReceived *TransferDetails `json:"relayReceived,omitempty"`
}

// Stage returns the entry for the given stage id, or nil.
func (d *DerivedDepositStatus) Stage(id StageID) *DepositStage {
	for i := range d.Stages {
		if d.Stages[i].ID == id {
			return &d.Stages[i]
		}
	}
	return nil
}

// Terminal reports whether the pipeline has completed end to end.
func (d *DerivedDepositStatus) Terminal() bool {
	s := d.Stage(StageDestinationMint)
	return s != nil && s.Status == StatusOK
}

// DepositSighting is one row of the recently-seen deposit history. It records
// that an identifier passed through this service; it is not deposit state,
// which is always re-derived from chain and risk-service evidence.
type DepositSighting struct {
	ID          int64     `db:"id"`
	DepositID   string    `db:"deposit_id"`
	MessageID   *string   `db:"message_id"`
	Recipient   *string   `db:"recipient"`
	Amount      *string   `db:"amount"`
	LastOutcome *string   `db:"last_outcome"`
	FirstSeenAt time.Time `db:"first_seen_at"`
	LastSeenAt  time.Time `db:"last_seen_at"`
}
