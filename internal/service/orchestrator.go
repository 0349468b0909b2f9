package service

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"greenreserve/offchain/internal/blockchain/evm"
	"greenreserve/offchain/internal/config"
	"greenreserve/offchain/internal/models"
)

// Orchestrator performs the write path for one deposit intent: policy and
// reserve checks, then the mint and relay-send writes, each gated by an
// on-chain idempotency read so that re-invocation for the same identifier
// never double-spends. Writes are strictly sequential; every decision is
// logged with enough detail to reconstruct it offline.
type Orchestrator struct {
	risk RiskService

	sourceContracts *evm.Contracts
	sourceReader    *evm.LogReader
	destContracts   *evm.Contracts
	destReader      *evm.LogReader

	sourceCfg *config.ChainConfig
	destCfg   *config.ChainConfig

	logger *zap.Logger
}

// NewOrchestrator creates a write orchestrator over the two chain backends
func NewOrchestrator(risk RiskService, sourceBackend, destBackend evm.Backend, cfg *config.Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		risk:            risk,
		sourceContracts: evm.NewContracts(sourceBackend),
		sourceReader:    evm.NewLogReader(sourceBackend, &cfg.Source, logger),
		destContracts:   evm.NewContracts(destBackend),
		destReader:      evm.NewLogReader(destBackend, &cfg.Dest, logger),
		sourceCfg:       &cfg.Source,
		destCfg:         &cfg.Dest,
		logger:          logger.Named("orchestrator"),
	}
}

// Orchestrate decides whether to approve a deposit intent and, if approved,
// performs the mint and relay writes. It returns an error only for malformed
// input, missing required configuration, or a risk service outage that makes
// the decision impossible; every on-chain result is classified into the
// returned outcome instead of raised.
//
// The approved outcome does not assert end-to-end completion: it means no
// policy or reserve objection was found and no local reason to stop was
// detected. Completion is only knowable through the status deriver.
func (o *Orchestrator) Orchestrate(ctx context.Context, intent models.DepositIntent) (models.Outcome, error) {
	if intent.DepositID == (common.Hash{}) {
		return "", fmt.Errorf("deposit id must not be zero")
	}
	if intent.To == (common.Address{}) {
		return "", fmt.Errorf("recipient address must not be zero")
	}
	if intent.Amount == nil || intent.Amount.Sign() <= 0 {
		return "", fmt.Errorf("amount must be positive")
	}
	if o.sourceCfg.IssuerAddress == "" {
		return "", fmt.Errorf("no issuer address configured")
	}
	if o.sourceCfg.SenderAddress == "" {
		return "", fmt.Errorf("no sender address configured")
	}
	if o.destCfg.ReceiverAddress == "" {
		return "", fmt.Errorf("no receiver address configured")
	}

	logger := o.logger.With(
		zap.String("deposit_id", intent.DepositID.Hex()),
		zap.String("to", intent.To.Hex()),
		zap.String("amount", intent.Amount.String()))

	logger.Info("Orchestration started", zap.String("scenario", intent.Scenario))

	// Both checks are always evaluated, even though one failure suffices to
	// block: both verdicts belong in the audit log.
	reserveState, err := o.risk.Reserves(ctx, intent.Scenario)
	if err != nil {
		return "", fmt.Errorf("reserve check unavailable: %w", err)
	}
	healthy, err := reserveState.Healthy()
	if err != nil {
		return "", fmt.Errorf("reserve check unusable: %w", err)
	}

	decision, err := o.risk.PolicyKYC(ctx, intent.To.Hex())
	if err != nil {
		return "", fmt.Errorf("policy check unavailable: %w", err)
	}

	logger.Info("Checks evaluated",
		zap.String("reserve_ratio_bps", reserveState.ReserveRatioBps),
		zap.Bool("reserves_healthy", healthy),
		zap.Bool("policy_allowed", decision.IsAllowed),
		zap.String("policy_reason", decision.Reason))

	// Advisory sanity check; logged, never fatal.
	o.checkChainSupport(ctx, logger)

	if !decision.IsAllowed {
		logger.Info("Deposit blocked by policy", zap.String("reason", decision.Reason))
		return models.OutcomeBlocked, nil
	}
	if !healthy {
		logger.Info("Deposit rejected: insufficient reserves",
			zap.String("reserve_ratio_bps", reserveState.ReserveRatioBps))
		return models.OutcomeInsufficientReserves, nil
	}

	issuer := common.HexToAddress(o.sourceCfg.IssuerAddress)

	// Idempotency guard before minting.
	used, err := o.sourceContracts.UsedDepositID(ctx, issuer, intent.DepositID)
	if err != nil {
		return "", fmt.Errorf("usedDepositId read failed before mint: %w", err)
	}
	if used {
		logger.Info("Mint skipped: deposit id already used")
		return models.OutcomeApproved, nil
	}

	mintResult, err := o.sourceContracts.Mint(ctx, issuer, intent.To, intent.Amount, intent.DepositID, o.sourceCfg.WriteGasLimit)
	if err != nil {
		// The mint did not complete; checks passed, so this is approved but
		// must be retried externally rather than automatically, to avoid
		// double submission.
		logger.Error("Mint submission failed", zap.Error(err))
		return models.OutcomeApproved, nil
	}

	logger.Info("Mint result",
		zap.String("tx_hash", mintResult.TxHash.Hex()),
		zap.Uint64("tx_status", mintResult.Status),
		zap.Any("receiver_status", mintResult.ReceiverStatus),
		zap.String("error", mintResult.Err))

	if !mintResult.Succeeded() {
		logger.Error("Mint did not succeed, skipping relay send")
		return models.OutcomeApproved, nil
	}

	return o.relay(ctx, logger, intent)
}

// relay performs the second half of the write sequence: the idempotency
// guard, fee estimate, send write and the best-effort follow-ups.
func (o *Orchestrator) relay(ctx context.Context, logger *zap.Logger, intent models.DepositIntent) (models.Outcome, error) {
	sender := common.HexToAddress(o.sourceCfg.SenderAddress)
	receiver := common.HexToAddress(o.destCfg.ReceiverAddress)

	// Sender on-chain configuration, read for the audit trail.
	if senderCfg, err := o.sourceContracts.ReadSenderConfig(ctx, sender); err != nil {
		logger.Warn("Sender config read failed", zap.Error(err))
	} else {
		logger.Info("Sender on-chain config",
			zap.Uint64("dest_chain_selector", senderCfg.DestinationChainSelector),
			zap.String("dest_receiver", senderCfg.DestinationReceiver.Hex()),
			zap.String("operator", senderCfg.Operator.Hex()),
			zap.String("gas_limit", senderCfg.GasLimit.String()),
			zap.String("router", senderCfg.Router.Hex()),
			zap.Uint64("expected_dest_chain_selector", o.destCfg.ChainSelector),
			zap.String("expected_receiver", receiver.Hex()))
	}

	// Idempotency guard before relaying.
	processed, err := o.destContracts.ProcessedDepositID(ctx, receiver, intent.DepositID)
	if err != nil {
		// Without the guard we must not write; the mint is done and the
		// relay can be re-invoked once the destination answers again.
		logger.Error("processedDepositId read failed, skipping relay send", zap.Error(err))
		return models.OutcomeApproved, nil
	}
	if processed {
		logger.Info("Relay send skipped: deposit id already processed")
		return models.OutcomeApproved, nil
	}

	// Fee estimate is diagnostic only; it never gates the send.
	if fee, err := o.sourceContracts.EstimateFee(ctx, sender, intent.To, intent.Amount, intent.DepositID); err != nil {
		logger.Warn("Relay fee estimate failed", zap.Error(err))
	} else {
		logger.Info("Relay fee estimated", zap.String("fee_wei", fee.String()))
	}

	sendResult, err := o.sourceContracts.Send(ctx, sender, intent.To, intent.Amount, intent.DepositID, o.sourceCfg.WriteGasLimit)
	if err != nil {
		logger.Error("Relay send submission failed", zap.Error(err))
		return models.OutcomeApproved, nil
	}

	logger.Info("Relay send result",
		zap.String("tx_hash", sendResult.TxHash.Hex()),
		zap.Uint64("tx_status", sendResult.Status),
		zap.Any("receiver_status", sendResult.ReceiverStatus),
		zap.String("error", sendResult.Err))

	if !sendResult.Succeeded() {
		logger.Error("Relay send did not succeed")
		return models.OutcomeApproved, nil
	}

	messageID := o.recoverMessageID(ctx, logger, sender, intent.DepositID, sendResult)
	if messageID != nil {
		o.probeDestination(ctx, logger, receiver, *messageID)
	}

	return models.OutcomeApproved, nil
}

// recoverMessageID extracts the relay message id, first from the send
// transaction's own receipt logs, then by a bounded scan correlated by
// deposit id. Absence is logged but non-fatal: derivation still has the
// router-scan fallback.
func (o *Orchestrator) recoverMessageID(ctx context.Context, logger *zap.Logger, sender common.Address, depositID common.Hash, sendResult *evm.SubmitResult) *common.Hash {
	if messageID := evm.MessageIDFromReceiptLogs(sender, sendResult.Logs); messageID != nil {
		logger.Info("Relay message id from receipt", zap.String("message_id", messageID.Hex()))
		return messageID
	}

	latest, err := o.sourceReader.LatestBlock(ctx)
	if err != nil {
		logger.Warn("Message id scan skipped: source unreachable", zap.Error(err))
		return nil
	}

	log, window, err := o.sourceReader.FindLatest(ctx, sender,
		[][]common.Hash{{evm.MessageSentID}, {}, {depositID}}, latest)
	if err != nil {
		logger.Warn("Message id scan failed", zap.String("window", window.String()), zap.Error(err))
		return nil
	}
	if log == nil || len(log.Topics) < 2 {
		logger.Warn("Relay message id not found", zap.String("window", window.String()))
		return nil
	}

	messageID := log.Topics[1]
	logger.Info("Relay message id from scan",
		zap.String("message_id", messageID.Hex()),
		zap.String("window", window.String()))
	return &messageID
}

// probeDestination observes, without blocking on finality, whether the
// destination already saw the message: the receiver's own event first, the
// router-executed event as fallback.
func (o *Orchestrator) probeDestination(ctx context.Context, logger *zap.Logger, receiver common.Address, messageID common.Hash) {
	latest, err := o.destReader.LatestBlock(ctx)
	if err != nil {
		logger.Warn("Destination probe skipped: destination unreachable", zap.Error(err))
		return
	}

	log, window, err := o.destReader.FindLatest(ctx, receiver,
		[][]common.Hash{{evm.MessageReceivedID}, {messageID}}, latest)
	if err != nil {
		logger.Warn("Destination receive scan failed", zap.String("window", window.String()), zap.Error(err))
	} else if log != nil {
		logger.Info("Destination receive observed",
			zap.String("tx_hash", log.TxHash.Hex()),
			zap.Uint64("block", log.BlockNumber),
			zap.String("window", window.String()))
		return
	} else {
		logger.Info("Destination receive not yet observed", zap.String("window", window.String()))
	}

	router, err := o.destContracts.GetRouter(ctx, receiver)
	if err != nil {
		logger.Warn("getRouter read failed", zap.Error(err))
		return
	}

	exec, window, err := o.destReader.FindRouterExecuted(ctx, router, messageID, latest)
	if err != nil {
		logger.Warn("Router executed scan failed", zap.String("window", window.String()), zap.Error(err))
		return
	}
	if exec != nil {
		logger.Info("Router executed observed",
			zap.Uint64("source_chain_selector", exec.SourceChainSelector),
			zap.String("off_ramp", exec.OffRamp.Hex()),
			zap.String("commitment", exec.Commitment.Hex()),
			zap.String("tx_hash", exec.Log.TxHash.Hex()))
	} else {
		logger.Info("Router executed not yet observed", zap.String("window", window.String()))
	}
}

// checkChainSupport asks the source router whether the destination selector
// is reachable. Advisory only.
func (o *Orchestrator) checkChainSupport(ctx context.Context, logger *zap.Logger) {
	if o.sourceCfg.RouterAddress == "" {
		return
	}

	router := common.HexToAddress(o.sourceCfg.RouterAddress)
	supported, err := o.sourceContracts.IsChainSupported(ctx, router, o.destCfg.ChainSelector)
	if err != nil {
		logger.Warn("Chain support check failed", zap.Error(err))
		return
	}
	logger.Info("Chain support checked",
		zap.Uint64("dest_chain_selector", o.destCfg.ChainSelector),
		zap.Bool("supported", supported))
}
