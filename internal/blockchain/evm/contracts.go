package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Contract ABIs for the deposit pipeline. The issuer and sender live on the
// source chain, the receiver and its transport router on the destination
// chain.

const IssuerABIJSON = `[
	{"type":"function","name":"usedDepositId","stateMutability":"view","inputs":[{"name":"depositId","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"},{"name":"depositId","type":"bytes32"}],"outputs":[]},
	{"type":"event","name":"MintApproved","inputs":[{"name":"depositId","type":"bytes32","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

const SenderABIJSON = `[
	{"type":"function","name":"destinationChainSelector","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint64"}]},
	{"type":"function","name":"destinationReceiver","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"operator","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"gasLimit","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"router","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"estimateFee","stateMutability":"view","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"},{"name":"depositId","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"send","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"},{"name":"depositId","type":"bytes32"}],"outputs":[{"name":"","type":"bytes32"}]},
	{"type":"event","name":"MessageSent","inputs":[{"name":"messageId","type":"bytes32","indexed":true},{"name":"depositId","type":"bytes32","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

const ReceiverABIJSON = `[
	{"type":"function","name":"processedDepositId","stateMutability":"view","inputs":[{"name":"depositId","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"getRouter","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"event","name":"MessageReceived","inputs":[{"name":"messageId","type":"bytes32","indexed":true},{"name":"depositId","type":"bytes32","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

const RouterABIJSON = `[
	{"type":"function","name":"isChainSupported","stateMutability":"view","inputs":[{"name":"chainSelector","type":"uint64"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"MessageExecuted","inputs":[{"name":"messageId","type":"bytes32","indexed":false},{"name":"sourceChainSelector","type":"uint64","indexed":false},{"name":"offRamp","type":"address","indexed":false},{"name":"calldataHash","type":"bytes32","indexed":false}]}
]`

const ERC20ABIJSON = `[
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

var (
	issuerABI   abi.ABI
	senderABI   abi.ABI
	receiverABI abi.ABI
	routerABI   abi.ABI
	erc20ABI    abi.ABI

	// Event topic0 hashes used to filter logs.
	MintApprovedID    common.Hash
	MessageSentID     common.Hash
	MessageReceivedID common.Hash
	MessageExecutedID common.Hash
)

func init() {
	issuerABI = mustParseABI(IssuerABIJSON)
	senderABI = mustParseABI(SenderABIJSON)
	receiverABI = mustParseABI(ReceiverABIJSON)
	routerABI = mustParseABI(RouterABIJSON)
	erc20ABI = mustParseABI(ERC20ABIJSON)

	MintApprovedID = issuerABI.Events["MintApproved"].ID
	MessageSentID = senderABI.Events["MessageSent"].ID
	MessageReceivedID = receiverABI.Events["MessageReceived"].ID
	MessageExecutedID = routerABI.Events["MessageExecuted"].ID
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid contract ABI: %v", err))
	}
	return parsed
}

// Contracts packs and unpacks calls against the pipeline contracts through a
// chain backend.
type Contracts struct {
	backend Backend
}

// NewContracts binds the contract call surface to a backend
func NewContracts(backend Backend) *Contracts {
	return &Contracts{backend: backend}
}

func (c *Contracts) callBool(ctx context.Context, contractABI abi.ABI, addr common.Address, method string, args ...interface{}) (bool, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return false, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data})
	if err != nil {
		return false, fmt.Errorf("%s call failed: %w", method, err)
	}

	var out bool
	if err := contractABI.UnpackIntoInterface(&out, method, result); err != nil {
		return false, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	return out, nil
}

// UsedDepositID reads the issuer's idempotency flag for a deposit id.
func (c *Contracts) UsedDepositID(ctx context.Context, issuer common.Address, depositID common.Hash) (bool, error) {
	return c.callBool(ctx, issuerABI, issuer, "usedDepositId", depositID)
}

// ProcessedDepositID reads the receiver's idempotency flag for a deposit id.
func (c *Contracts) ProcessedDepositID(ctx context.Context, receiver common.Address, depositID common.Hash) (bool, error) {
	return c.callBool(ctx, receiverABI, receiver, "processedDepositId", depositID)
}

// IsChainSupported asks the source router whether it can reach a destination
// chain selector.
func (c *Contracts) IsChainSupported(ctx context.Context, router common.Address, chainSelector uint64) (bool, error) {
	return c.callBool(ctx, routerABI, router, "isChainSupported", chainSelector)
}

// GetRouter reads the transport router address from the receiver contract.
func (c *Contracts) GetRouter(ctx context.Context, receiver common.Address) (common.Address, error) {
	data, err := receiverABI.Pack("getRouter")
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to pack getRouter: %w", err)
	}

	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &receiver, Data: data})
	if err != nil {
		return common.Address{}, fmt.Errorf("getRouter call failed: %w", err)
	}

	var out common.Address
	if err := receiverABI.UnpackIntoInterface(&out, "getRouter", result); err != nil {
		return common.Address{}, fmt.Errorf("failed to unpack getRouter result: %w", err)
	}
	return out, nil
}

// EstimateFee reads the relay fee quote from the sender contract.
func (c *Contracts) EstimateFee(ctx context.Context, sender, to common.Address, amount *big.Int, depositID common.Hash) (*big.Int, error) {
	data, err := senderABI.Pack("estimateFee", to, amount, depositID)
	if err != nil {
		return nil, fmt.Errorf("failed to pack estimateFee: %w", err)
	}

	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &sender, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimateFee call failed: %w", err)
	}

	var out *big.Int
	if err := senderABI.UnpackIntoInterface(&out, "estimateFee", result); err != nil {
		return nil, fmt.Errorf("failed to unpack estimateFee result: %w", err)
	}
	return out, nil
}

// SenderConfig mirrors the sender contract's on-chain configuration. Read for
// audit logging before a relay send.
type SenderConfig struct {
	DestinationChainSelector uint64
	DestinationReceiver      common.Address
	Operator                 common.Address
	GasLimit                 *big.Int
	Router                   common.Address
}

// ReadSenderConfig reads the sender contract's introspection getters.
func (c *Contracts) ReadSenderConfig(ctx context.Context, sender common.Address) (*SenderConfig, error) {
	cfg := &SenderConfig{}

	if err := c.callInto(ctx, senderABI, sender, "destinationChainSelector", &cfg.DestinationChainSelector); err != nil {
		return nil, err
	}
	if err := c.callInto(ctx, senderABI, sender, "destinationReceiver", &cfg.DestinationReceiver); err != nil {
		return nil, err
	}
	if err := c.callInto(ctx, senderABI, sender, "operator", &cfg.Operator); err != nil {
		return nil, err
	}
	if err := c.callInto(ctx, senderABI, sender, "gasLimit", &cfg.GasLimit); err != nil {
		return nil, err
	}
	if err := c.callInto(ctx, senderABI, sender, "router", &cfg.Router); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Contracts) callInto(ctx context.Context, contractABI abi.ABI, addr common.Address, method string, out interface{}) error {
	data, err := contractABI.Pack(method)
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", method, err)
	}

	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data})
	if err != nil {
		return fmt.Errorf("%s call failed: %w", method, err)
	}

	if err := contractABI.UnpackIntoInterface(out, method, result); err != nil {
		return fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	return nil
}

// TokenSymbol reads an ERC20 symbol. Immutable per contract, safe to memoize.
func (c *Contracts) TokenSymbol(ctx context.Context, token common.Address) (string, error) {
	var out string
	if err := c.callInto(ctx, erc20ABI, token, "symbol", &out); err != nil {
		return "", err
	}
	return out, nil
}

// TokenDecimals reads an ERC20 decimals value.
func (c *Contracts) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	var out uint8
	if err := c.callInto(ctx, erc20ABI, token, "decimals", &out); err != nil {
		return 0, err
	}
	return out, nil
}

// Mint submits the issuer mint write for a deposit.
func (c *Contracts) Mint(ctx context.Context, issuer, to common.Address, amount *big.Int, depositID common.Hash, gasLimit uint64) (*SubmitResult, error) {
	data, err := issuerABI.Pack("mint", to, amount, depositID)
	if err != nil {
		return nil, fmt.Errorf("failed to pack mint: %w", err)
	}
	return c.backend.SubmitTransaction(ctx, issuer, data, gasLimit)
}

// Send submits the relay send write for a deposit.
func (c *Contracts) Send(ctx context.Context, sender, to common.Address, amount *big.Int, depositID common.Hash, gasLimit uint64) (*SubmitResult, error) {
	data, err := senderABI.Pack("send", to, amount, depositID)
	if err != nil {
		return nil, fmt.Errorf("failed to pack send: %w", err)
	}
	return c.backend.SubmitTransaction(ctx, sender, data, gasLimit)
}
