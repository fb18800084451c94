// Package gateway defines the trading capability the engine drives: swap
// quoting and execution, balance inspection, and native transfers. The
// engine treats the chain behind this interface as an external collaborator;
// internal/gateway also ships a simulated implementation used by tests and
// the simulation binary.
package gateway

import (
	"errors"

	"github.com/ksred/volume-engine/internal/keys"
)

// NativeMint is the wrapped-SOL mint address, used as the native leg of
// every quote.
const NativeMint = "So11111111111111111111111111111111111111112"

var (
	ErrNoRoute           = errors.New("gateway: no route for token pair")
	ErrInsufficientFunds = errors.New("gateway: insufficient funds")
	ErrExecutionFailed   = errors.New("gateway: swap execution failed")
)

// Quote prices a swap of InAmount base units of InputMint into OutputMint.
// Native amounts are lamports; token amounts are token base units.
type Quote struct {
	InputMint   string  `json:"input_mint"`
	OutputMint  string  `json:"output_mint"`
	InAmount    uint64  `json:"in_amount"`
	OutAmount   uint64  `json:"out_amount"`
	Price       float64 `json:"price"` // output units per input unit
	PriceImpact float64 `json:"price_impact"`
}

// SwapResult is the outcome of an executed swap.
type SwapResult struct {
	Signature   string  `json:"signature"`
	OutAmount   uint64  `json:"out_amount"`
	PriceImpact float64 `json:"price_impact"`
}

// Gateway executes swaps and transfers on behalf of derived wallets. All
// methods are blocking; swap confirmation latency dominates a tick.
type Gateway interface {
	Quote(inputMint, outputMint string, amountIn uint64) (*Quote, error)
	Swap(wallet *keys.Keypair, quote *Quote) (*SwapResult, error)
	TokenBalance(address, mint string) (uint64, error)
	NativeBalance(address string) (uint64, error)
	Transfer(from *keys.Keypair, to string, lamports uint64) (string, error)
}
