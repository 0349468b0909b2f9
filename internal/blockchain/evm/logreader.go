package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"greenreserve/offchain/internal/config"
)

// Window is the block range a scan actually searched, kept for diagnostics.
type Window struct {
	From uint64
	To   uint64
}

func (w Window) String() string {
	return fmt.Sprintf("%d..%d", w.From, w.To)
}

// RouterExecution is a decoded router MessageExecuted event. It proves the
// transport delivered a message, independent of whether the destination
// business logic succeeded.
type RouterExecution struct {
	MessageID           common.Hash
	SourceChainSelector uint64
	OffRamp             common.Address
	Commitment          common.Hash
	Log                 types.Log
}

// LogReader retrieves pipeline events for one chain within bounded
// recent-block windows and computes confirmations against the latest height.
// It is stateless per call; one instance per chain is shared freely.
type LogReader struct {
	backend Backend
	chain   *config.ChainConfig
	logger  *zap.Logger
}

// NewLogReader creates a log reader for one chain
func NewLogReader(backend Backend, chain *config.ChainConfig, logger *zap.Logger) *LogReader {
	return &LogReader{
		backend: backend,
		chain:   chain,
		logger:  logger.Named("logreader").With(zap.String("chain", chain.Name)),
	}
}

// ChainName returns the chain this reader scans.
func (r *LogReader) ChainName() string {
	return r.chain.Name
}

// Confirmations returns max(0, latest - eventBlock + 1).
func (r *LogReader) Confirmations(latest, eventBlock uint64) uint64 {
	if latest < eventBlock {
		return 0
	}
	return latest - eventBlock + 1
}

// Confirmed reports whether an event block has reached this chain's
// confirmation threshold.
func (r *LogReader) Confirmed(latest, eventBlock uint64) bool {
	return r.Confirmations(latest, eventBlock) >= r.chain.Confirmations
}

// Threshold returns the chain's configured confirmation threshold.
func (r *LogReader) Threshold() uint64 {
	return r.chain.Confirmations
}

// LatestBlock returns the chain's latest block height.
func (r *LogReader) LatestBlock(ctx context.Context) (uint64, error) {
	return r.backend.BlockNumber(ctx)
}

func clampFrom(to, lookback uint64) uint64 {
	if to <= lookback {
		return 0
	}
	return to - lookback
}

// FindLatest scans the chain's lookback window for the most recent log
// matching the given address and topic filter. Returns nil when no log
// matched; a non-nil error only for endpoint failures, which callers must
// treat differently from "not found". Ties are broken by highest block
// height, then by scan order within that block.
func (r *LogReader) FindLatest(ctx context.Context, address common.Address, topics [][]common.Hash, latest uint64) (*types.Log, Window, error) {
	window := Window{From: clampFrom(latest, r.chain.LookbackBlocks), To: latest}

	logs, err := r.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(window.From),
		ToBlock:   new(big.Int).SetUint64(window.To),
		Addresses: []common.Address{address},
		Topics:    topics,
	})
	if err != nil {
		return nil, window, err
	}

	var found *types.Log
	for i := range logs {
		if found == nil || logs[i].BlockNumber >= found.BlockNumber {
			found = &logs[i]
		}
	}

	if found == nil {
		r.logger.Debug("No matching log in window",
			zap.String("address", address.Hex()),
			zap.String("window", window.String()))
	}
	return found, window, nil
}

// FindRouterExecuted scans the router's generic MessageExecuted events and
// matches the relay message id decoded from the unindexed payload. This
// captures the case where the destination contract reverted after the router
// already executed the message.
func (r *LogReader) FindRouterExecuted(ctx context.Context, router common.Address, messageID common.Hash, latest uint64) (*RouterExecution, Window, error) {
	lookback := r.chain.RouterLookbackBlocks
	if lookback == 0 || lookback > r.chain.LookbackBlocks {
		lookback = r.chain.LookbackBlocks
	}
	window := Window{From: clampFrom(latest, lookback), To: latest}

	logs, err := r.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(window.From),
		ToBlock:   new(big.Int).SetUint64(window.To),
		Addresses: []common.Address{router},
		Topics:    [][]common.Hash{{MessageExecutedID}},
	})
	if err != nil {
		return nil, window, err
	}

	var found *RouterExecution
	for i := range logs {
		exec, err := decodeRouterExecuted(&logs[i])
		if err != nil {
			r.logger.Warn("Failed to decode MessageExecuted log",
				zap.String("tx_hash", logs[i].TxHash.Hex()),
				zap.Error(err))
			continue
		}
		if exec.MessageID != messageID {
			continue
		}
		if found == nil || exec.Log.BlockNumber >= found.Log.BlockNumber {
			found = exec
		}
	}

	return found, window, nil
}

// decodeRouterExecuted unpacks the fully unindexed MessageExecuted payload.
func decodeRouterExecuted(log *types.Log) (*RouterExecution, error) {
	values, err := routerABI.Unpack("MessageExecuted", log.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack MessageExecuted: %w", err)
	}
	if len(values) != 4 {
		return nil, fmt.Errorf("unexpected MessageExecuted field count: %d", len(values))
	}

	messageID, ok := values[0].([32]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected messageId type %T", values[0])
	}
	selector, ok := values[1].(uint64)
	if !ok {
		return nil, fmt.Errorf("unexpected sourceChainSelector type %T", values[1])
	}
	offRamp, ok := values[2].(common.Address)
	if !ok {
		return nil, fmt.Errorf("unexpected offRamp type %T", values[2])
	}
	commitment, ok := values[3].([32]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected calldataHash type %T", values[3])
	}

	return &RouterExecution{
		MessageID:           common.Hash(messageID),
		SourceChainSelector: selector,
		OffRamp:             offRamp,
		Commitment:          common.Hash(commitment),
		Log:                 *log,
	}, nil
}

// MessageIDFromReceiptLogs extracts the relay message id from a send
// transaction's own receipt logs. Cheap and precise compared to a window
// scan; returns nil when the sender did not emit MessageSent.
func MessageIDFromReceiptLogs(sender common.Address, logs []*types.Log) *common.Hash {
	for _, log := range logs {
		if log.Address != sender {
			continue
		}
		if len(log.Topics) < 3 || log.Topics[0] != MessageSentID {
			continue
		}
		messageID := log.Topics[1]
		return &messageID
	}
	return nil
}
