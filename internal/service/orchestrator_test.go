package service

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"greenreserve/offchain/internal/blockchain/evm"
	"greenreserve/offchain/internal/models"
)

func testIntent() models.DepositIntent {
	return models.DepositIntent{
		DepositID: testDepositID,
		To:        testRecipient,
		Amount:    new(big.Int).Set(testAmount),
	}
}

// orchestratorChainState is the mutable on-chain state the fakes answer from,
// so idempotency flags can flip between invocations like a real chain.
type orchestratorChainState struct {
	used      bool
	processed bool
}

func sourceCallFn(state *orchestratorChainState) func(context.Context, ethereum.CallMsg) ([]byte, error) {
	return func(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
		switch string(msg.Data[:4]) {
		case methodSelector("usedDepositId(bytes32)"):
			return evm.BoolResult(state.used), nil
		case methodSelector("isChainSupported(uint64)"):
			return evm.BoolResult(true), nil
		case methodSelector("destinationChainSelector()"):
			return evm.Uint256Result(big.NewInt(2002)), nil
		case methodSelector("destinationReceiver()"):
			return evm.AddressResult(testReceiver), nil
		case methodSelector("operator()"):
			return evm.AddressResult(common.HexToAddress("0x0b")), nil
		case methodSelector("gasLimit()"):
			return evm.Uint256Result(big.NewInt(200_000)), nil
		case methodSelector("router()"):
			return evm.AddressResult(testSrcRouter), nil
		case methodSelector("estimateFee(address,uint256,bytes32)"):
			return evm.Uint256Result(big.NewInt(42_000)), nil
		}
		return nil, ethereum.NotFound
	}
}

func destCallFn(state *orchestratorChainState) func(context.Context, ethereum.CallMsg) ([]byte, error) {
	return func(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
		switch string(msg.Data[:4]) {
		case methodSelector("processedDepositId(bytes32)"):
			return evm.BoolResult(state.processed), nil
		case methodSelector("getRouter()"):
			return evm.AddressResult(testRouter), nil
		}
		return nil, ethereum.NotFound
	}
}

// sourceSubmitFn answers writes to the issuer and the sender with successful
// receipts and flips the chain state flags like the contracts would.
func sourceSubmitFn(state *orchestratorChainState) func(context.Context, common.Address, []byte, uint64) (*evm.SubmitResult, error) {
	return func(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (*evm.SubmitResult, error) {
		switch to {
		case testIssuer:
			state.used = true
			return &evm.SubmitResult{
				TxHash: common.HexToHash("0xaa01"),
				Status: types.ReceiptStatusSuccessful,
			}, nil
		case testSender:
			state.processed = false
			sent := sentLogAt(101)
			return &evm.SubmitResult{
				TxHash: common.HexToHash("0xaa02"),
				Status: types.ReceiptStatusSuccessful,
				Logs:   []*types.Log{&sent},
			}, nil
		}
		return nil, errors.New("unexpected write target")
	}
}

func newTestOrchestrator(t *testing.T, risk RiskService, source, dest *evm.FakeBackend) *Orchestrator {
	t.Helper()
	return NewOrchestrator(risk, source, dest, testConfig(), zap.NewNop())
}

func TestOrchestrateApprovedFullFlow(t *testing.T) {
	state := &orchestratorChainState{}
	source := &evm.FakeBackend{
		Latest:   200,
		CallFn:   sourceCallFn(state),
		SubmitFn: sourceSubmitFn(state),
	}
	dest := &evm.FakeBackend{
		Latest: 60,
		Logs:   []types.Log{recvLogAt(50)},
		CallFn: destCallFn(state),
	}

	outcome, err := newTestOrchestrator(t, healthyRisk(), source, dest).Orchestrate(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if outcome != models.OutcomeApproved {
		t.Fatalf("outcome: got %s, want %s", outcome, models.OutcomeApproved)
	}

	if len(source.Submissions) != 2 {
		t.Fatalf("got %d source writes, want 2 (mint + relay send)", len(source.Submissions))
	}
	if source.Submissions[0].To != testIssuer {
		t.Errorf("first write to %s, want issuer", source.Submissions[0].To.Hex())
	}
	if source.Submissions[1].To != testSender {
		t.Errorf("second write to %s, want sender", source.Submissions[1].To.Hex())
	}
	if len(dest.Submissions) != 0 {
		t.Errorf("destination must never be written to, got %d writes", len(dest.Submissions))
	}
}

func TestOrchestrateIdempotentReinvocation(t *testing.T) {
	state := &orchestratorChainState{}
	source := &evm.FakeBackend{
		Latest:   200,
		CallFn:   sourceCallFn(state),
		SubmitFn: sourceSubmitFn(state),
	}
	dest := &evm.FakeBackend{
		Latest: 60,
		Logs:   []types.Log{recvLogAt(50)},
		CallFn: destCallFn(state),
	}
	orch := newTestOrchestrator(t, healthyRisk(), source, dest)

	if _, err := orch.Orchestrate(context.Background(), testIntent()); err != nil {
		t.Fatalf("first Orchestrate: %v", err)
	}

	outcome, err := orch.Orchestrate(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("second Orchestrate: %v", err)
	}
	if outcome != models.OutcomeApproved {
		t.Fatalf("second outcome: got %s, want %s", outcome, models.OutcomeApproved)
	}
	if len(source.Submissions) != 2 {
		t.Fatalf("re-invocation issued new writes: %d total, want 2", len(source.Submissions))
	}
}

func TestOrchestrateBlockedByPolicy(t *testing.T) {
	state := &orchestratorChainState{}
	source := &evm.FakeBackend{Latest: 200, CallFn: sourceCallFn(state)}
	dest := &evm.FakeBackend{Latest: 60, CallFn: destCallFn(state)}
	risk := &fakeRisk{ratioBps: "10432", allowed: false, reason: "Address blocked by KYC policy"}

	outcome, err := newTestOrchestrator(t, risk, source, dest).Orchestrate(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if outcome != models.OutcomeBlocked {
		t.Fatalf("outcome: got %s, want %s", outcome, models.OutcomeBlocked)
	}
	if len(source.Submissions) != 0 {
		t.Fatalf("blocked intent issued %d writes", len(source.Submissions))
	}
}

func TestOrchestrateInsufficientReserves(t *testing.T) {
	state := &orchestratorChainState{}
	source := &evm.FakeBackend{Latest: 200, CallFn: sourceCallFn(state)}
	dest := &evm.FakeBackend{Latest: 60, CallFn: destCallFn(state)}
	risk := &fakeRisk{ratioBps: "9000", allowed: true}

	outcome, err := newTestOrchestrator(t, risk, source, dest).Orchestrate(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if outcome != models.OutcomeInsufficientReserves {
		t.Fatalf("outcome: got %s, want %s", outcome, models.OutcomeInsufficientReserves)
	}
	if len(source.Submissions) != 0 {
		t.Fatalf("rejected intent issued %d writes", len(source.Submissions))
	}
}

func TestOrchestratePolicyBlocksBeforeReserves(t *testing.T) {
	// Both checks fail; policy wins the classification.
	state := &orchestratorChainState{}
	source := &evm.FakeBackend{Latest: 200, CallFn: sourceCallFn(state)}
	dest := &evm.FakeBackend{Latest: 60, CallFn: destCallFn(state)}
	risk := &fakeRisk{ratioBps: "9000", allowed: false, reason: "Address blocked by KYC policy"}

	outcome, err := newTestOrchestrator(t, risk, source, dest).Orchestrate(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if outcome != models.OutcomeBlocked {
		t.Fatalf("outcome: got %s, want %s", outcome, models.OutcomeBlocked)
	}
}

func TestOrchestrateMintFailureStopsBeforeRelay(t *testing.T) {
	state := &orchestratorChainState{}
	source := &evm.FakeBackend{
		Latest: 200,
		CallFn: sourceCallFn(state),
		SubmitFn: func(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (*evm.SubmitResult, error) {
			return &evm.SubmitResult{
				TxHash: common.HexToHash("0xaa01"),
				Status: types.ReceiptStatusFailed,
				Err:    "execution reverted",
			}, nil
		},
	}
	dest := &evm.FakeBackend{Latest: 60, CallFn: destCallFn(state)}

	outcome, err := newTestOrchestrator(t, healthyRisk(), source, dest).Orchestrate(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if outcome != models.OutcomeApproved {
		t.Fatalf("outcome: got %s, want %s", outcome, models.OutcomeApproved)
	}
	if len(source.Submissions) != 1 {
		t.Fatalf("got %d writes, want 1 (mint only, no relay after failure)", len(source.Submissions))
	}
}

func TestOrchestrateReceiverStatusFailureStopsBeforeRelay(t *testing.T) {
	receiverStatus := uint8(2)
	state := &orchestratorChainState{}
	source := &evm.FakeBackend{
		Latest: 200,
		CallFn: sourceCallFn(state),
		SubmitFn: func(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (*evm.SubmitResult, error) {
			return &evm.SubmitResult{
				TxHash:         common.HexToHash("0xaa01"),
				Status:         types.ReceiptStatusSuccessful,
				ReceiverStatus: &receiverStatus,
			}, nil
		},
	}
	dest := &evm.FakeBackend{Latest: 60, CallFn: destCallFn(state)}

	outcome, err := newTestOrchestrator(t, healthyRisk(), source, dest).Orchestrate(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if outcome != models.OutcomeApproved {
		t.Fatalf("outcome: got %s, want %s", outcome, models.OutcomeApproved)
	}
	if len(source.Submissions) != 1 {
		t.Fatalf("got %d writes, want 1", len(source.Submissions))
	}
}

func TestOrchestrateSkipsRelayWhenAlreadyProcessed(t *testing.T) {
	state := &orchestratorChainState{processed: true}
	source := &evm.FakeBackend{
		Latest:   200,
		CallFn:   sourceCallFn(state),
		SubmitFn: sourceSubmitFn(state),
	}
	dest := &evm.FakeBackend{Latest: 60, CallFn: destCallFn(state)}

	outcome, err := newTestOrchestrator(t, healthyRisk(), source, dest).Orchestrate(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if outcome != models.OutcomeApproved {
		t.Fatalf("outcome: got %s, want %s", outcome, models.OutcomeApproved)
	}
	if len(source.Submissions) != 1 {
		t.Fatalf("got %d writes, want 1 (mint only, relay already processed)", len(source.Submissions))
	}
}

func TestOrchestrateRiskUnavailableIsAnError(t *testing.T) {
	state := &orchestratorChainState{}
	source := &evm.FakeBackend{Latest: 200, CallFn: sourceCallFn(state)}
	dest := &evm.FakeBackend{Latest: 60, CallFn: destCallFn(state)}
	risk := &fakeRisk{stateErr: errors.New("connection refused")}

	_, err := newTestOrchestrator(t, risk, source, dest).Orchestrate(context.Background(), testIntent())
	if err == nil {
		t.Fatal("expected error when the risk service is unavailable")
	}
	if len(source.Submissions) != 0 {
		t.Fatalf("unclassifiable intent issued %d writes", len(source.Submissions))
	}
}

func TestOrchestrateRejectsMalformedIntent(t *testing.T) {
	state := &orchestratorChainState{}
	source := &evm.FakeBackend{Latest: 200, CallFn: sourceCallFn(state)}
	dest := &evm.FakeBackend{Latest: 60, CallFn: destCallFn(state)}
	orch := newTestOrchestrator(t, healthyRisk(), source, dest)

	tests := []struct {
		name   string
		intent models.DepositIntent
	}{
		{"zero deposit id", models.DepositIntent{To: testRecipient, Amount: big.NewInt(1)}},
		{"zero recipient", models.DepositIntent{DepositID: testDepositID, Amount: big.NewInt(1)}},
		{"nil amount", models.DepositIntent{DepositID: testDepositID, To: testRecipient}},
		{"zero amount", models.DepositIntent{DepositID: testDepositID, To: testRecipient, Amount: big.NewInt(0)}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := orch.Orchestrate(context.Background(), tc.intent); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
