package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"greenreserve/offchain/internal/config"
)

const (
	callTimeout    = 15 * time.Second
	receiptTimeout = 3 * time.Minute
)

// Client is the production Backend: one long-lived RPC connection per chain,
// constructed once at startup and passed explicitly into the deriver and the
// orchestrator.
type Client struct {
	ethClient   *ethclient.Client
	chainConfig *config.ChainConfig
	privateKey  *ecdsa.PrivateKey
	fromAddress common.Address
	logger      *zap.Logger
}

// NewClient creates an EVM client for the specified chain. The operator key
// is optional; a client without one can read but not write.
func NewClient(chainCfg *config.ChainConfig, operatorPrivateKey string, logger *zap.Logger) (*Client, error) {
	ethClient, err := ethclient.Dial(chainCfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint %s: %w", chainCfg.RPCEndpoint, err)
	}

	c := &Client{
		ethClient:   ethClient,
		chainConfig: chainCfg,
		logger:      logger.Named("evm").With(zap.String("chain", chainCfg.Name)),
	}

	if operatorPrivateKey != "" {
		privateKeyHex := strings.TrimPrefix(operatorPrivateKey, "0x")
		privateKey, err := crypto.HexToECDSA(privateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}

		publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("failed to cast public key to ECDSA")
		}

		c.privateKey = privateKey
		c.fromAddress = crypto.PubkeyToAddress(*publicKey)
	}

	c.logger.Info("EVM client initialized",
		zap.String("chain", chainCfg.Name),
		zap.String("operator_address", c.fromAddress.Hex()),
		zap.Bool("can_write", c.privateKey != nil))

	return c, nil
}

// Close closes the underlying RPC connection
func (c *Client) Close() {
	c.ethClient.Close()
}

// ChainName returns the configured chain name
func (c *Client) ChainName() string {
	return c.chainConfig.Name
}

// OperatorAddress returns the operator's address
func (c *Client) OperatorAddress() common.Address {
	return c.fromAddress
}

// BlockNumber returns the latest block height
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	height, err := c.ethClient.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: block number query failed: %v", ErrEndpointUnavailable, err)
	}
	return height, nil
}

// FilterLogs queries logs by address, topics and block range
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	logs, err := c.ethClient.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: log query failed: %v", ErrEndpointUnavailable, err)
	}
	return logs, nil
}

// CallContract executes a read-only contract call at the latest block
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	result, err := c.ethClient.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: contract call failed: %v", ErrEndpointUnavailable, err)
	}
	return result, nil
}

// TransactionReceipt gets the receipt for a transaction
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	receipt, err := c.ethClient.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("%w: receipt lookup failed: %v", ErrEndpointUnavailable, err)
	}
	return receipt, nil
}

// SubmitTransaction signs and sends a transaction, waits for its receipt and
// classifies the result. The returned SubmitResult is non-nil whenever the
// transaction made it on-chain, even if it reverted.
func (c *Client) SubmitTransaction(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (*SubmitResult, error) {
	if c.privateKey == nil {
		return nil, fmt.Errorf("no operator key configured for chain %s", c.chainConfig.Name)
	}

	chainID, err := c.ethClient.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: chain id query failed: %v", ErrEndpointUnavailable, err)
	}

	nonce, err := c.ethClient.PendingNonceAt(ctx, c.fromAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce query failed: %v", ErrEndpointUnavailable, err)
	}

	gasPrice, err := c.ethClient.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas price query failed: %v", ErrEndpointUnavailable, err)
	}

	if gasLimit == 0 {
		estimated, err := c.ethClient.EstimateGas(ctx, ethereum.CallMsg{
			From: c.fromAddress,
			To:   &to,
			Data: data,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to estimate gas: %w", err)
		}
		// 20% buffer
		gasLimit = estimated * 120 / 100
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), c.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.ethClient.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	c.logger.Info("Transaction sent",
		zap.String("tx_hash", signedTx.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit))

	receipt, err := c.waitForReceipt(ctx, signedTx.Hash())
	if err != nil {
		return nil, err
	}

	result := &SubmitResult{
		TxHash:      signedTx.Hash(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		Status:      receipt.Status,
		Logs:        receipt.Logs,
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		result.Err = "transaction reverted"
	}
	return result, nil
}

// waitForReceipt polls until the transaction is mined or the timeout elapses
func (c *Client) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for transaction %s", txHash.Hex())
		case <-ticker.C:
			receipt, err := c.ethClient.TransactionReceipt(ctx, txHash)
			if err == nil && receipt != nil {
				return receipt, nil
			}
			// Not mined yet, keep waiting.
		}
	}
}
