// Package service implements the two halves of the deposit pipeline core:
// the read-side status deriver and the write-side orchestrator. The two do
// not depend on each other at runtime, but both build on the pipeline
// package so a deposit written by one is observed identically by the other.
package service

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"greenreserve/offchain/internal/blockchain/evm"
	"greenreserve/offchain/internal/config"
	"greenreserve/offchain/internal/models"
	"greenreserve/offchain/internal/pipeline"
	"greenreserve/offchain/internal/reserve"
)

// RiskService is the read surface of the off-chain risk/reserve service.
type RiskService interface {
	Reserves(ctx context.Context, scenario string) (*reserve.State, error)
	PolicyKYC(ctx context.Context, address string) (*reserve.PolicyDecision, error)
}

// Deriver reconstructs a deposit's pipeline state from two chains' event
// logs and the risk service. It keeps no state of its own: the chains and
// the risk service are the source of truth, and every query re-derives from
// scratch.
type Deriver struct {
	risk RiskService

	sourceReader    *evm.LogReader
	sourceContracts *evm.Contracts
	destReader      *evm.LogReader
	destContracts   *evm.Contracts

	sourceCfg *config.ChainConfig
	destCfg   *config.ChainConfig

	tokens *TokenInfoCache
	logger *zap.Logger
}

// NewDeriver creates a status deriver over the two chain backends
func NewDeriver(risk RiskService, sourceBackend, destBackend evm.Backend, cfg *config.Config, logger *zap.Logger) *Deriver {
	sourceContracts := evm.NewContracts(sourceBackend)
	return &Deriver{
		risk:            risk,
		sourceReader:    evm.NewLogReader(sourceBackend, &cfg.Source, logger),
		sourceContracts: sourceContracts,
		destReader:      evm.NewLogReader(destBackend, &cfg.Dest, logger),
		destContracts:   evm.NewContracts(destBackend),
		sourceCfg:       &cfg.Source,
		destCfg:         &cfg.Dest,
		tokens:          NewTokenInfoCache(sourceContracts, logger),
		logger:          logger.Named("deriver"),
	}
}

// chainScan is the joined result of one chain's concurrent evidence queries.
type chainScan struct {
	reachable bool
	latest    uint64
	mintLog   *types.Log
	sentLog   *types.Log
	usedFlag  bool
	recvLog   *types.Log
}

// DeriveDepositStatus computes the full 7-stage status for a deposit id. The
// optional message id hint covers the case where the send event has scrolled
// out of the scan window but the caller knows the id from out-of-band data.
// Evidence failures never surface as errors; they degrade the affected
// stages to unknown.
func (d *Deriver) DeriveDepositStatus(ctx context.Context, depositID common.Hash, messageIDHint *common.Hash) (*models.DerivedDepositStatus, error) {
	if depositID == (common.Hash{}) {
		return nil, fmt.Errorf("deposit id must not be zero")
	}

	var (
		wg sync.WaitGroup

		reserveState *reserve.State
		reserveErr   error
		source       chainScan
		dest         chainScan
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		reserveState, reserveErr = d.risk.Reserves(ctx, "")
	}()
	go func() {
		defer wg.Done()
		source = d.scanSource(ctx, depositID)
	}()
	go func() {
		defer wg.Done()
		dest = d.scanDest(ctx, depositID)
	}()
	wg.Wait()

	// Relay message id: prefer the observed send event, fall back to the
	// caller's hint.
	var messageID *common.Hash
	if source.sentLog != nil && len(source.sentLog.Topics) > 1 {
		id := source.sentLog.Topics[1]
		messageID = &id
	} else if messageIDHint != nil && *messageIDHint != (common.Hash{}) {
		messageID = messageIDHint
	}

	// Router-executed fallback: only worth probing when the receiver's own
	// event is absent but the message id is known.
	var routerExec *evm.RouterExecution
	if dest.reachable && dest.recvLog == nil && messageID != nil {
		routerExec = d.probeRouterExecuted(ctx, *messageID, dest.latest)
	}

	stages := make([]models.DepositStage, 0, len(pipeline.StageOrder))

	// DepositReceived: the identifier existing as input is itself the receipt.
	stages = append(stages, models.DepositStage{
		ID:     models.StageDepositReceived,
		Status: models.StatusOK,
	})

	reserveStage := d.reserveStage(reserveState, reserveErr)
	stages = append(stages, reserveStage)

	policyStage := d.policyStage(ctx, source, dest)
	stages = append(stages, policyStage)

	checksFailed := reserveStage.Status == models.StatusBad || policyStage.Status == models.StatusBad

	mintStage := d.mintStage(source, checksFailed)
	stages = append(stages, mintStage)

	sendStage := d.sendStage(source, mintStage, messageID)
	stages = append(stages, sendStage)

	receiveStage := d.receiveStage(dest, routerExec, sendStage, messageID)
	stages = append(stages, receiveStage)

	destMintStage := d.destinationMintStage(dest, routerExec, receiveStage, messageID)
	stages = append(stages, destMintStage)

	pipeline.PropagateBad(stages)

	status := &models.DerivedDepositStatus{
		DepositID: depositID,
		Stages:    stages,
	}
	status.MintObserved = transferFromLog(source.mintLog, 2, nil)
	status.RelaySent = transferFromLog(source.sentLog, 3, messageID)
	if dest.recvLog != nil && len(dest.recvLog.Topics) > 1 {
		id := dest.recvLog.Topics[1]
		status.RelayReceived = transferFromLog(dest.recvLog, 3, &id)
	}

	if status.MintObserved != nil {
		d.logMintAmount(ctx, depositID, status.MintObserved)
	}

	d.logger.Debug("Deposit status derived",
		zap.String("deposit_id", depositID.Hex()),
		zap.String("mint", string(mintStage.Status)),
		zap.String("relay_send", string(sendStage.Status)),
		zap.String("relay_receive", string(receiveStage.Status)),
		zap.String("destination_mint", string(destMintStage.Status)))

	return status, nil
}

// logMintAmount annotates the observed mint with the issued token's metadata.
// Best effort: metadata failures are logged without it.
func (d *Deriver) logMintAmount(ctx context.Context, depositID common.Hash, mint *models.TransferDetails) {
	fields := []zap.Field{
		zap.String("deposit_id", depositID.Hex()),
		zap.String("to", mint.To.Hex()),
		zap.String("amount", mint.Amount.String()),
	}
	if d.sourceCfg.TokenAddress != "" {
		if info, err := d.tokens.Get(ctx, common.HexToAddress(d.sourceCfg.TokenAddress)); err == nil {
			fields = append(fields,
				zap.String("token_symbol", info.Symbol),
				zap.Uint8("token_decimals", info.Decimals))
		}
	}
	d.logger.Debug("Mint observed", fields...)
}

// scanSource gathers source-chain evidence: the mint and send events, and
// the issuer idempotency flag when the mint event is absent.
func (d *Deriver) scanSource(ctx context.Context, depositID common.Hash) chainScan {
	scan := chainScan{}

	latest, err := d.sourceReader.LatestBlock(ctx)
	if err != nil {
		d.logger.Warn("Source chain unreachable", zap.Error(err))
		return scan
	}
	scan.reachable = true
	scan.latest = latest

	if d.sourceCfg.IssuerAddress != "" {
		issuer := common.HexToAddress(d.sourceCfg.IssuerAddress)
		log, window, err := d.sourceReader.FindLatest(ctx, issuer,
			[][]common.Hash{{evm.MintApprovedID}, {depositID}}, latest)
		if err != nil {
			d.logger.Warn("Mint log scan failed", zap.String("window", window.String()), zap.Error(err))
			scan.reachable = false
			return scan
		}
		scan.mintLog = log

		// The event log may have scrolled out of the window while the
		// on-chain flag still proves the mint happened.
		if log == nil {
			used, err := d.sourceContracts.UsedDepositID(ctx, issuer, depositID)
			if err != nil {
				d.logger.Warn("usedDepositId read failed", zap.Error(err))
			} else {
				scan.usedFlag = used
			}
		}
	}

	if d.sourceCfg.SenderAddress != "" {
		sender := common.HexToAddress(d.sourceCfg.SenderAddress)
		log, window, err := d.sourceReader.FindLatest(ctx, sender,
			[][]common.Hash{{evm.MessageSentID}, {}, {depositID}}, latest)
		if err != nil {
			d.logger.Warn("Send log scan failed", zap.String("window", window.String()), zap.Error(err))
			scan.reachable = false
			return scan
		}
		scan.sentLog = log
	}

	return scan
}

// scanDest gathers destination-chain evidence: the receiver's own event.
func (d *Deriver) scanDest(ctx context.Context, depositID common.Hash) chainScan {
	scan := chainScan{}

	latest, err := d.destReader.LatestBlock(ctx)
	if err != nil {
		d.logger.Warn("Destination chain unreachable", zap.Error(err))
		return scan
	}
	scan.reachable = true
	scan.latest = latest

	if d.destCfg.ReceiverAddress != "" {
		receiver := common.HexToAddress(d.destCfg.ReceiverAddress)
		log, window, err := d.destReader.FindLatest(ctx, receiver,
			[][]common.Hash{{evm.MessageReceivedID}, {}, {depositID}}, latest)
		if err != nil {
			d.logger.Warn("Receive log scan failed", zap.String("window", window.String()), zap.Error(err))
			scan.reachable = false
			return scan
		}
		scan.recvLog = log
	}

	return scan
}

// probeRouterExecuted resolves the receiver's router and scans its generic
// executed events for the message id. Best effort: any failure returns nil.
func (d *Deriver) probeRouterExecuted(ctx context.Context, messageID common.Hash, latest uint64) *evm.RouterExecution {
	if d.destCfg.ReceiverAddress == "" {
		return nil
	}

	receiver := common.HexToAddress(d.destCfg.ReceiverAddress)
	router, err := d.destContracts.GetRouter(ctx, receiver)
	if err != nil {
		d.logger.Warn("getRouter read failed", zap.Error(err))
		return nil
	}

	exec, window, err := d.destReader.FindRouterExecuted(ctx, router, messageID, latest)
	if err != nil {
		d.logger.Warn("Router executed scan failed", zap.String("window", window.String()), zap.Error(err))
		return nil
	}
	if exec != nil {
		d.logger.Info("Router executed message without receiver event",
			zap.String("message_id", messageID.Hex()),
			zap.Uint64("source_chain_selector", exec.SourceChainSelector),
			zap.String("off_ramp", exec.OffRamp.Hex()),
			zap.String("tx_hash", exec.Log.TxHash.Hex()))
	}
	return exec
}

func (d *Deriver) reserveStage(state *reserve.State, err error) models.DepositStage {
	stage := models.DepositStage{ID: models.StageReserveCheck}

	if err != nil || state == nil {
		stage.Status = models.StatusUnknown
		stage.Reason = pipeline.ReasonReserveUnavailable
		return stage
	}

	healthy, parseErr := state.Healthy()
	if parseErr != nil {
		stage.Status = models.StatusUnknown
		stage.Reason = fmt.Sprintf("Reserve ratio unparseable: %v", parseErr)
		return stage
	}

	if healthy {
		stage.Status = models.StatusOK
	} else {
		stage.Status = models.StatusBad
	}
	stage.Reason = fmt.Sprintf("reserveRatioBps=%s", state.ReserveRatioBps)
	return stage
}

// policyStage resolves the recipient from whichever event observed it and
// queries the allow/block decision. Without an observed recipient there is
// nothing to check against, which is unknown, not bad.
func (d *Deriver) policyStage(ctx context.Context, source, dest chainScan) models.DepositStage {
	stage := models.DepositStage{ID: models.StagePolicyCheck}

	recipient := recipientFromLogs(source.mintLog, source.sentLog, dest.recvLog)
	if recipient == nil {
		stage.Status = models.StatusUnknown
		stage.Reason = pipeline.ReasonRecipientUnknown
		return stage
	}

	decision, err := d.risk.PolicyKYC(ctx, recipient.Hex())
	if err != nil {
		stage.Status = models.StatusUnknown
		stage.Reason = pipeline.ReasonPolicyUnavailable
		return stage
	}

	if decision.IsAllowed {
		stage.Status = models.StatusOK
	} else {
		stage.Status = models.StatusBad
	}
	stage.Reason = decision.Reason
	return stage
}

func (d *Deriver) mintStage(source chainScan, checksFailed bool) models.DepositStage {
	stage := models.DepositStage{ID: models.StageMintSource}

	observed := source.mintLog != nil || source.usedFlag
	// The idempotency flag is on-chain state at the latest block; it needs
	// no extra confirmations.
	confirmed := source.usedFlag
	if source.mintLog != nil {
		confirmed = d.sourceReader.Confirmed(source.latest, source.mintLog.BlockNumber)
	}

	stage.Status = pipeline.DeriveStageStatus(observed, confirmed, checksFailed, source.reachable)
	d.fillChainFields(&stage, d.sourceCfg.Name, d.sourceReader, source.mintLog, source.latest)

	switch {
	case stage.Status == models.StatusOK:
	case source.mintLog != nil && stage.Status == models.StatusPending:
		stage.Reason = d.confirmationReason(d.sourceReader, source.latest, source.mintLog.BlockNumber)
	case stage.Status == models.StatusBad:
		stage.Reason = pipeline.ReasonBlockedByChecks
	case stage.Status == models.StatusUnknown:
		stage.Reason = pipeline.ReasonEndpointUnavailable
	default:
		stage.Reason = "Mint event not yet observed"
	}
	return stage
}

func (d *Deriver) sendStage(source chainScan, mintStage models.DepositStage, messageID *common.Hash) models.DepositStage {
	stage := models.DepositStage{ID: models.StageRelaySend, MessageID: messageID}

	observed := source.sentLog != nil
	confirmed := observed && d.sourceReader.Confirmed(source.latest, source.sentLog.BlockNumber)
	upstreamFailed := mintStage.Status == models.StatusBad
	upstreamKnown := source.reachable && mintStage.Status != models.StatusUnknown

	stage.Status = pipeline.DeriveStageStatus(observed, confirmed, upstreamFailed, upstreamKnown)
	d.fillChainFields(&stage, d.sourceCfg.Name, d.sourceReader, source.sentLog, source.latest)

	switch {
	case stage.Status == models.StatusOK:
	case observed && stage.Status == models.StatusPending:
		stage.Reason = d.confirmationReason(d.sourceReader, source.latest, source.sentLog.BlockNumber)
	case stage.Status == models.StatusBad:
		stage.Reason = pipeline.ReasonBlockedByPrevStage
	case stage.Status == models.StatusUnknown:
		stage.Reason = pipeline.ReasonEndpointUnavailable
	default:
		stage.Reason = "Relay send not yet observed"
	}
	return stage
}

func (d *Deriver) receiveStage(dest chainScan, routerExec *evm.RouterExecution, sendStage models.DepositStage, messageID *common.Hash) models.DepositStage {
	stage := models.DepositStage{ID: models.StageRelayReceive, MessageID: messageID}

	var evidence *types.Log
	if dest.recvLog != nil {
		evidence = dest.recvLog
	} else if routerExec != nil {
		evidence = &routerExec.Log
	}

	observed := evidence != nil
	confirmed := observed && d.destReader.Confirmed(dest.latest, evidence.BlockNumber)
	upstreamFailed := sendStage.Status == models.StatusBad
	upstreamKnown := dest.reachable && messageID != nil

	stage.Status = pipeline.DeriveStageStatus(observed, confirmed, upstreamFailed, upstreamKnown)
	d.fillChainFields(&stage, d.destCfg.Name, d.destReader, evidence, dest.latest)

	switch {
	case stage.Status == models.StatusOK:
	case observed && stage.Status == models.StatusPending:
		stage.Reason = d.confirmationReason(d.destReader, dest.latest, evidence.BlockNumber)
	case stage.Status == models.StatusBad:
		stage.Reason = pipeline.ReasonBlockedByPrevStage
	case stage.Status == models.StatusUnknown && !dest.reachable:
		stage.Reason = pipeline.ReasonEndpointUnavailable
	case stage.Status == models.StatusUnknown:
		stage.Reason = "Relay message id unknown"
	default:
		stage.Reason = "Relay delivery not yet observed"
	}
	return stage
}

func (d *Deriver) destinationMintStage(dest chainScan, routerExec *evm.RouterExecution, receiveStage models.DepositStage, messageID *common.Hash) models.DepositStage {
	stage := models.DepositStage{ID: models.StageDestinationMint, MessageID: messageID}

	observed := dest.recvLog != nil
	confirmed := observed && d.destReader.Confirmed(dest.latest, dest.recvLog.BlockNumber)
	upstreamFailed := receiveStage.Status == models.StatusBad
	upstreamKnown := dest.reachable && receiveStage.Status != models.StatusUnknown

	stage.Status = pipeline.DeriveStageStatus(observed, confirmed, upstreamFailed, upstreamKnown)
	d.fillChainFields(&stage, d.destCfg.Name, d.destReader, dest.recvLog, dest.latest)

	switch {
	case stage.Status == models.StatusOK:
	case observed && stage.Status == models.StatusPending:
		stage.Reason = d.confirmationReason(d.destReader, dest.latest, dest.recvLog.BlockNumber)
	case stage.Status == models.StatusBad:
		stage.Reason = pipeline.ReasonBlockedByPrevStage
	case receiveStage.Status == models.StatusOK && routerExec != nil:
		// Transport delivered the message but the destination contract never
		// emitted its own event: a downstream contract-level failure worth
		// surfacing, not a benign pending state.
		stage.Reason = pipeline.ReasonRouterOnlyExecution
	case stage.Status == models.StatusUnknown && !dest.reachable:
		stage.Reason = pipeline.ReasonEndpointUnavailable
	case stage.Status == models.StatusUnknown:
		stage.Reason = "Relay delivery unknown"
	default:
		stage.Reason = "Destination mint not yet observed"
	}
	return stage
}

func (d *Deriver) fillChainFields(stage *models.DepositStage, chain string, reader *evm.LogReader, log *types.Log, latest uint64) {
	if log == nil {
		return
	}
	stage.Chain = chain
	txHash := log.TxHash
	stage.TxHash = &txHash
	blockNumber := log.BlockNumber
	stage.BlockNumber = &blockNumber
	confs := reader.Confirmations(latest, log.BlockNumber)
	stage.Confirmations = &confs
}

func (d *Deriver) confirmationReason(reader *evm.LogReader, latest, eventBlock uint64) string {
	return fmt.Sprintf("Waiting for confirmations (%d/%d)", reader.Confirmations(latest, eventBlock), reader.Threshold())
}

// recipientFromLogs extracts the recipient address from the first event that
// carries one. The mint event indexes it at topic 2, the relay events at
// topic 3.
func recipientFromLogs(mintLog, sentLog, recvLog *types.Log) *common.Address {
	if mintLog != nil && len(mintLog.Topics) > 2 {
		addr := common.BytesToAddress(mintLog.Topics[2].Bytes())
		return &addr
	}
	for _, log := range []*types.Log{sentLog, recvLog} {
		if log != nil && len(log.Topics) > 3 {
			addr := common.BytesToAddress(log.Topics[3].Bytes())
			return &addr
		}
	}
	return nil
}

// transferFromLog decodes the recipient and amount of an observed pipeline
// event. topicIdx is the topic position of the recipient address.
func transferFromLog(log *types.Log, topicIdx int, messageID *common.Hash) *models.TransferDetails {
	if log == nil || len(log.Topics) <= topicIdx || len(log.Data) < 32 {
		return nil
	}
	return &models.TransferDetails{
		MessageID: messageID,
		To:        common.BytesToAddress(log.Topics[topicIdx].Bytes()),
		Amount:    new(big.Int).SetBytes(log.Data[:32]),
	}
}
