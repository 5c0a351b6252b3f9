package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// BalanceReader is the minimal chain access needed to check a wallet.
type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
}

// Client defines the chain operations the agent relies on.
type Client interface {
	BalanceReader
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
