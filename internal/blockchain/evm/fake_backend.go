package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FakeBackend is an in-memory Backend for tests. FilterLogs applies the same
// address, topic and range semantics as a real node over the Logs slice, so
// scan behavior is exercised realistically without an RPC endpoint.
type FakeBackend struct {
	Latest      uint64
	Logs        []types.Log
	Unavailable bool

	// CallFn handles read-only contract calls; nil returns empty data.
	CallFn func(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	// SubmitFn handles writes; nil fails the submission.
	SubmitFn func(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (*SubmitResult, error)
	// Receipts serves TransactionReceipt lookups by hash.
	Receipts map[common.Hash]*types.Receipt

	// Submissions records every write for idempotency assertions.
	Submissions []FakeSubmission
}

// FakeSubmission is one recorded write.
type FakeSubmission struct {
	To   common.Address
	Data []byte
}

func (f *FakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	if f.Unavailable {
		return 0, ErrEndpointUnavailable
	}
	return f.Latest, nil
}

func (f *FakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if f.Unavailable {
		return nil, ErrEndpointUnavailable
	}

	var out []types.Log
	for _, log := range f.Logs {
		if !matchesQuery(&log, q) {
			continue
		}
		out = append(out, log)
	}
	return out, nil
}

func matchesQuery(log *types.Log, q ethereum.FilterQuery) bool {
	if q.FromBlock != nil && log.BlockNumber < q.FromBlock.Uint64() {
		return false
	}
	if q.ToBlock != nil && log.BlockNumber > q.ToBlock.Uint64() {
		return false
	}
	if len(q.Addresses) > 0 {
		found := false
		for _, addr := range q.Addresses {
			if addr == log.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for i, allowed := range q.Topics {
		if len(allowed) == 0 {
			continue // wildcard position
		}
		if i >= len(log.Topics) {
			return false
		}
		found := false
		for _, topic := range allowed {
			if topic == log.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (f *FakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	if f.Unavailable {
		return nil, ErrEndpointUnavailable
	}
	if f.CallFn == nil {
		return make([]byte, 32), nil
	}
	return f.CallFn(ctx, msg)
}

func (f *FakeBackend) SubmitTransaction(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (*SubmitResult, error) {
	if f.Unavailable {
		return nil, ErrEndpointUnavailable
	}
	f.Submissions = append(f.Submissions, FakeSubmission{To: to, Data: data})
	if f.SubmitFn == nil {
		return nil, ErrEndpointUnavailable
	}
	return f.SubmitFn(ctx, to, data, gasLimit)
}

func (f *FakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.Unavailable {
		return nil, ErrEndpointUnavailable
	}
	if receipt, ok := f.Receipts[txHash]; ok {
		return receipt, nil
	}
	return nil, ethereum.NotFound
}

// BoolResult ABI-encodes a bool return value.
func BoolResult(v bool) []byte {
	out := make([]byte, 32)
	if v {
		out[31] = 1
	}
	return out
}

// AddressResult ABI-encodes an address return value.
func AddressResult(addr common.Address) []byte {
	out := make([]byte, 32)
	copy(out[12:], addr.Bytes())
	return out
}

// Uint256Result ABI-encodes a uint256 return value.
func Uint256Result(v *big.Int) []byte {
	out := make([]byte, 32)
	v.FillBytes(out)
	return out
}
