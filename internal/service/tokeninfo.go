package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"greenreserve/offchain/internal/blockchain/evm"
)

// TokenInfo is the immutable metadata of an ERC20 contract.
type TokenInfo struct {
	Symbol   string
	Decimals uint8
}

// TokenInfoCache memoizes token metadata per contract. Symbol and decimals
// are immutable, so entries never expire. Safe for concurrent use.
type TokenInfoCache struct {
	contracts *evm.Contracts
	logger    *zap.Logger

	mu    sync.RWMutex
	cache map[common.Address]TokenInfo
}

// NewTokenInfoCache creates a token metadata cache backed by one chain
func NewTokenInfoCache(contracts *evm.Contracts, logger *zap.Logger) *TokenInfoCache {
	return &TokenInfoCache{
		contracts: contracts,
		logger:    logger.Named("tokeninfo"),
		cache:     make(map[common.Address]TokenInfo),
	}
}

// Get returns the metadata for a token contract, fetching it once.
func (c *TokenInfoCache) Get(ctx context.Context, token common.Address) (TokenInfo, error) {
	c.mu.RLock()
	info, ok := c.cache[token]
	c.mu.RUnlock()
	if ok {
		return info, nil
	}

	symbol, err := c.contracts.TokenSymbol(ctx, token)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("failed to read token symbol: %w", err)
	}
	decimals, err := c.contracts.TokenDecimals(ctx, token)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("failed to read token decimals: %w", err)
	}

	info = TokenInfo{Symbol: symbol, Decimals: decimals}

	c.mu.Lock()
	c.cache[token] = info
	c.mu.Unlock()

	c.logger.Debug("Token metadata cached",
		zap.String("token", token.Hex()),
		zap.String("symbol", info.Symbol),
		zap.Uint8("decimals", info.Decimals))

	return info, nil
}
