package web3

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
)

// ChainSnapshot represents summarized network metadata for reporting.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Client defines the read-only surface the daemon needs from a chain.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}
