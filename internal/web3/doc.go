// Package web3 provides connectivity to real EVM networks: chain definitions
// loaded from YAML, an RPC client abstraction, and on-chain price quotes that
// feed the swap adapter with the market rate between the native asset and the
// stable asset.
package web3
