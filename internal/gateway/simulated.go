package gateway

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"

	"github.com/ksred/volume-engine/internal/keys"
)

// txFeeLamports is the flat network fee charged per simulated transaction.
const txFeeLamports = 5_000

// Simulated is an in-process trading gateway backed by an in-memory ledger
// of native and token balances. It models the properties the engine cares
// about when it cannot reach a real aggregator: confirmation latency, a
// non-unit success rate, swap fees and size-dependent price impact.
type Simulated struct {
	// MinLatency and MaxLatency bound the simulated confirmation delay in
	// milliseconds.
	MinLatency int
	MaxLatency int

	// SuccessRate is the probability a swap confirms.
	SuccessRate float64

	// SwapFeeRate is the fraction of swap output taken as aggregator fee.
	SwapFeeRate float64

	// TokensPerLamport is the baseline price of the simulated pool.
	TokensPerLamport float64

	mu     sync.Mutex
	native map[string]uint64            // address -> lamports
	tokens map[string]map[string]uint64 // address -> mint -> base units
	rng    *rand.Rand
}

// NewSimulated returns a gateway with production-shaped behaviour: tens of
// milliseconds of latency and a 95% swap success rate.
func NewSimulated() *Simulated {
	return &Simulated{
		MinLatency:       5,
		MaxLatency:       30,
		SuccessRate:      0.95,
		SwapFeeRate:      0.003,
		TokensPerLamport: 20,
		native:           make(map[string]uint64),
		tokens:           make(map[string]map[string]uint64),
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewDeterministic returns a gateway with zero latency and a 100% success
// rate, for tests that assert on exact ledger movements.
func NewDeterministic() *Simulated {
	g := NewSimulated()
	g.MinLatency = 0
	g.MaxLatency = 0
	g.SuccessRate = 1
	g.rng = rand.New(rand.NewSource(1))
	return g
}

// Credit funds an address out of thin air. Test and simulation helper; the
// stand-in for a user paying from an external wallet.
func (g *Simulated) Credit(address string, lamports uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.native[address] += lamports
}

// NativeBalance returns the lamport balance of an address.
func (g *Simulated) NativeBalance(address string) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.native[address], nil
}

// TokenBalance returns the token base-unit balance of an address for a mint.
func (g *Simulated) TokenBalance(address, mint string) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tokens[address][mint], nil
}

// Transfer moves lamports between addresses, charging the flat network fee
// to the sender.
func (g *Simulated) Transfer(from *keys.Keypair, to string, lamports uint64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	fromAddr := from.Address()
	if g.native[fromAddr] < lamports+txFeeLamports {
		return "", fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientFunds,
			fromAddr, g.native[fromAddr], lamports+txFeeLamports)
	}

	g.native[fromAddr] -= lamports + txFeeLamports
	g.native[to] += lamports

	sig := g.newSignature()
	log.Debug().
		Str("from", fromAddr).
		Str("to", to).
		Uint64("lamports", lamports).
		Str("signature", sig).
		Msg("simulated transfer")
	return sig, nil
}

// Quote prices a swap against the simulated pool. Only native<->token routes
// exist; token-to-token is unroutable.
func (g *Simulated) Quote(inputMint, outputMint string, amountIn uint64) (*Quote, error) {
	if amountIn == 0 {
		return nil, fmt.Errorf("%w: zero input amount", ErrNoRoute)
	}

	var rate float64
	switch {
	case inputMint == NativeMint && outputMint != NativeMint:
		rate = g.TokensPerLamport
	case inputMint != NativeMint && outputMint == NativeMint:
		rate = 1 / g.TokensPerLamport
	default:
		return nil, ErrNoRoute
	}

	impact := float64(amountIn) * rate / 1e13
	if impact > 0.05 {
		impact = 0.05
	}

	out := uint64(float64(amountIn) * rate * (1 - g.SwapFeeRate) * (1 - impact))
	return &Quote{
		InputMint:   inputMint,
		OutputMint:  outputMint,
		InAmount:    amountIn,
		OutAmount:   out,
		Price:       rate,
		PriceImpact: impact,
	}, nil
}

// Swap executes a quoted swap for the wallet, simulating confirmation
// latency and the configured success rate before touching the ledger.
func (g *Simulated) Swap(wallet *keys.Keypair, quote *Quote) (*SwapResult, error) {
	g.sleepLatency()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rng.Float64() > g.SuccessRate {
		return nil, ErrExecutionFailed
	}

	addr := wallet.Address()
	if quote.InputMint == NativeMint {
		// Buy: spend native plus the network fee, receive tokens.
		need := quote.InAmount + txFeeLamports
		if g.native[addr] < need {
			return nil, fmt.Errorf("%w: %s holds %d lamports, swap needs %d",
				ErrInsufficientFunds, addr, g.native[addr], need)
		}
		g.native[addr] -= need
		g.creditToken(addr, quote.OutputMint, quote.OutAmount)
	} else {
		// Sell: spend tokens, receive native net of the network fee.
		if g.tokens[addr][quote.InputMint] < quote.InAmount {
			return nil, fmt.Errorf("%w: %s holds %d of %s, swap needs %d",
				ErrInsufficientFunds, addr, g.tokens[addr][quote.InputMint],
				quote.InputMint, quote.InAmount)
		}
		g.tokens[addr][quote.InputMint] -= quote.InAmount
		if quote.OutAmount > txFeeLamports {
			g.native[addr] += quote.OutAmount - txFeeLamports
		}
	}

	return &SwapResult{
		Signature:   g.newSignature(),
		OutAmount:   quote.OutAmount,
		PriceImpact: quote.PriceImpact,
	}, nil
}

func (g *Simulated) creditToken(address, mint string, amount uint64) {
	if g.tokens[address] == nil {
		g.tokens[address] = make(map[string]uint64)
	}
	g.tokens[address][mint] += amount
}

func (g *Simulated) sleepLatency() {
	if g.MaxLatency <= 0 {
		return
	}
	g.mu.Lock()
	latency := g.rng.Intn(g.MaxLatency-g.MinLatency+1) + g.MinLatency
	g.mu.Unlock()
	time.Sleep(time.Duration(latency) * time.Millisecond)
}

// newSignature fabricates a base58 signature of on-chain shape. Caller holds
// the mutex.
func (g *Simulated) newSignature() string {
	sig := make([]byte, 64)
	g.rng.Read(sig)
	return base58.Encode(sig)
}
