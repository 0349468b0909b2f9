package evm

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrEndpointUnavailable marks failures where the chain endpoint could not be
// reached or answered with a transport-level error. Callers must keep this
// distinct from "not found": absence of evidence is not evidence of failure.
var ErrEndpointUnavailable = errors.New("chain endpoint unavailable")

// SubmitResult classifies a submitted write once its receipt is available.
type SubmitResult struct {
	TxHash      common.Hash
	BlockNumber uint64
	// Status is the receipt status code (1 = success).
	Status uint64
	// ReceiverStatus is the receiver-side execution status code (0 = success)
	// when the write path surfaces one; nil when not applicable.
	ReceiverStatus *uint8
	// Logs are the receipt logs, used to recover the relay message id
	// without an extra scan.
	Logs []*types.Log
	// Err carries the submission error message for audit logging.
	Err string
}

// Succeeded reports whether both the transaction and, when present, the
// receiver-side execution completed.
func (r *SubmitResult) Succeeded() bool {
	if r.Status != types.ReceiptStatusSuccessful {
		return false
	}
	if r.ReceiverStatus != nil && *r.ReceiverStatus != 0 {
		return false
	}
	return true
}

// Backend abstracts one chain's RPC surface: log queries, height queries,
// read-only calls, transaction submission and receipt lookup. The production
// implementation is Client; tests substitute fakes per chain.
type Backend interface {
	// BlockNumber returns the latest (ideally finalized) block height.
	BlockNumber(ctx context.Context) (uint64, error)
	// FilterLogs queries logs by address, topics and block range.
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	// CallContract executes a read-only contract call at the latest block.
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	// SubmitTransaction signs, sends and waits for the receipt of a write.
	SubmitTransaction(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (*SubmitResult, error)
	// TransactionReceipt looks up the receipt for a known transaction hash.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}
