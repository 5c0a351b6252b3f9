// Package web3 holds the oracle agent's on-chain identity: a secp256k1 key
// derived from the agent seed, envelope signing and signer recovery, and a
// wallet balance check against an EVM RPC endpoint.
package web3
