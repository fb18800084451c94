package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/volume-engine/internal/keys"
)

const testSecret = "0001020304050607080910111213141516171819202122232425262728293031"

const testMint = "TokenMint1111111111111111111111111111111111"

func testWallet(t *testing.T, salt string) *keys.Keypair {
	t.Helper()
	d, err := keys.NewDeriver(testSecret)
	require.NoError(t, err)
	return d.Derive(keys.LabelTask, salt)
}

func TestTransferMovesFundsAndChargesFee(t *testing.T) {
	g := NewDeterministic()
	from := testWallet(t, "from")
	g.Credit(from.Address(), 1_000_000)

	sig, err := g.Transfer(from, "destination", 500_000)
	require.NoError(t, err)
	assert.NotEmpty(t, sig)

	fromBal, _ := g.NativeBalance(from.Address())
	toBal, _ := g.NativeBalance("destination")
	assert.Equal(t, uint64(1_000_000-500_000-txFeeLamports), fromBal)
	assert.Equal(t, uint64(500_000), toBal)
}

func TestTransferRejectsOverdraw(t *testing.T) {
	g := NewDeterministic()
	from := testWallet(t, "poor")
	g.Credit(from.Address(), 10_000)

	_, err := g.Transfer(from, "destination", 10_000)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Failed transfers must not move anything.
	bal, _ := g.NativeBalance(from.Address())
	assert.Equal(t, uint64(10_000), bal)
}

func TestQuoteRejectsTokenToToken(t *testing.T) {
	g := NewDeterministic()
	_, err := g.Quote(testMint, "OtherMint", 1_000)
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestBuyThenSellRoundTrip(t *testing.T) {
	g := NewDeterministic()
	w := testWallet(t, "trader")
	g.Credit(w.Address(), 200_000_000)

	buy, err := g.Quote(NativeMint, testMint, 100_000_000)
	require.NoError(t, err)
	assert.Greater(t, buy.OutAmount, uint64(0))

	res, err := g.Swap(w, buy)
	require.NoError(t, err)
	assert.Equal(t, buy.OutAmount, res.OutAmount)

	tokenBal, _ := g.TokenBalance(w.Address(), testMint)
	assert.Equal(t, buy.OutAmount, tokenBal)

	sell, err := g.Quote(testMint, NativeMint, tokenBal)
	require.NoError(t, err)
	_, err = g.Swap(w, sell)
	require.NoError(t, err)

	tokenBal, _ = g.TokenBalance(w.Address(), testMint)
	assert.Equal(t, uint64(0), tokenBal)

	// Round trip loses fees and impact, never gains.
	nativeBal, _ := g.NativeBalance(w.Address())
	assert.Less(t, nativeBal, uint64(200_000_000))
}

func TestSwapFailsWithoutFunds(t *testing.T) {
	g := NewDeterministic()
	w := testWallet(t, "empty")

	q, err := g.Quote(NativeMint, testMint, 50_000_000)
	require.NoError(t, err)

	_, err = g.Swap(w, q)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}
