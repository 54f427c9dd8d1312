// Package chain watches ledger contracts for deposit events and turns
// confirmed deposits into credit-ledger entries. One observer goroutine
// runs per configured chain; a single creditor resolves owners and
// grants credits across all of them.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"

	"github.com/manaforge-ai/manaforge/internal/models"
)

// RPC is the read surface the observer needs from a chain node.
// *ethclient.Client satisfies it.
type RPC interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Dial connects to a chain RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return client, nil
}

// depositTopic identifies the ledger contract's
// Deposit(address from, address asset, uint256 amount) event, both
// addresses indexed.
var depositTopic = eventTopic("Deposit(address,address,uint256)")

func eventTopic(signature string) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return common.BytesToHash(h.Sum(nil))
}

// normalizeAddress lowercases a hex address so database keys compare
// bytewise regardless of checksum casing.
func normalizeAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// depositFromLog decodes one deposit event. The asset token address maps
// to a symbol via the chain's configured asset table; unmapped tokens
// keep the raw address and get rejected downstream as unsupported.
func depositFromLog(chainName string, assets map[string]string, lg types.Log) (*models.Deposit, error) {
	if len(lg.Topics) != 3 {
		return nil, fmt.Errorf("deposit log %s:%d: want 3 topics, got %d", lg.TxHash.Hex(), lg.Index, len(lg.Topics))
	}
	if len(lg.Data) < 32 {
		return nil, fmt.Errorf("deposit log %s:%d: short data", lg.TxHash.Hex(), lg.Index)
	}

	wallet := normalizeAddress(common.BytesToAddress(lg.Topics[1].Bytes()))
	tokenAddr := normalizeAddress(common.BytesToAddress(lg.Topics[2].Bytes()))
	asset, ok := assets[tokenAddr]
	if !ok {
		asset = tokenAddr
	}

	amount := new(big.Int).SetBytes(lg.Data[:32])
	txHash := lg.TxHash.Hex()

	return &models.Deposit{
		ChainEventID:  models.ChainEventID(chainName, txHash, uint64(lg.Index)),
		Chain:         chainName,
		TxHash:        txHash,
		LogIndex:      uint64(lg.Index),
		BlockNumber:   lg.BlockNumber,
		BlockHash:     lg.BlockHash.Hex(),
		WalletAddress: wallet,
		Asset:         asset,
		RawAmount:     decimal.NewFromBigInt(amount, 0),
	}, nil
}
