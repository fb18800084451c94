package sweep

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/volume-engine/internal/config"
	"github.com/ksred/volume-engine/internal/database"
	"github.com/ksred/volume-engine/internal/gateway"
	"github.com/ksred/volume-engine/internal/keys"
	"github.com/ksred/volume-engine/internal/types"
)

const testMasterSecret = "0001020304050607080910111213141516171819202122232425262728293031"

func newTestService(t *testing.T) (*Service, *gateway.Simulated) {
	t.Helper()

	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := database.NewDatabase(dsn)
	require.NoError(t, err)

	deriver, err := keys.NewDeriver(testMasterSecret)
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.MasterSecret = testMasterSecret

	gw := gateway.NewDeterministic()
	return NewService(db, gw, deriver, &cfg), gw
}

func insertOrder(t *testing.T, s *Service, orderID string, totalCost uint64) *types.Order {
	t.Helper()
	order := &types.Order{
		OrderID:        orderID,
		UserID:         "user-1",
		TokenAddress:   "TokenMintA",
		PoolAddress:    "PoolA",
		Status:         types.OrderStatusPendingPayment,
		TotalCost:      totalCost,
		PaymentAddress: s.deriver.PaymentKeypair(orderID).Address(),
	}
	require.NoError(t, s.db.db.Create(order).Error)
	return order
}

func reload(t *testing.T, s *Service, orderID string) *types.Order {
	t.Helper()
	var order types.Order
	require.NoError(t, s.db.db.Where("order_id = ?", orderID).First(&order).Error)
	return &order
}

func TestSweepSkipsUnfundedOrder(t *testing.T) {
	s, _ := newTestService(t)
	insertOrder(t, s, "ORD_1", 1_000_000_000)

	summary := s.RunPass()
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 0, summary.Swept)
	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, summary.Errors)

	assert.Equal(t, types.OrderStatusPendingPayment, reload(t, s, "ORD_1").Status)
}

func TestSweepSkipsDust(t *testing.T) {
	s, gw := newTestService(t)
	order := insertOrder(t, s, "ORD_1", 1_000_000_000)

	// Below the dust threshold.
	gw.Credit(order.PaymentAddress, s.cfg.MinSweepLamports-1)

	summary := s.RunPass()
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, types.OrderStatusPendingPayment, reload(t, s, "ORD_1").Status)
}

func TestSweepWaitsOnUnderpayment(t *testing.T) {
	s, gw := newTestService(t)
	order := insertOrder(t, s, "ORD_1", 1_000_000_000)

	// Clearly above dust but well short of the order cost.
	gw.Credit(order.PaymentAddress, 500_000)

	summary := s.RunPass()
	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, summary.Errors)

	got := reload(t, s, "ORD_1")
	assert.Equal(t, types.OrderStatusPendingPayment, got.Status)
	assert.Empty(t, got.PaymentSignature)

	// Funds stay untouched while waiting.
	balance, err := s.gw.NativeBalance(order.PaymentAddress)
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000), balance)
}

func TestSweepSplitsPaymentExactly(t *testing.T) {
	s, gw := newTestService(t)
	const totalCost = 1_000_000_000
	order := insertOrder(t, s, "ORD_1", totalCost)
	gw.Credit(order.PaymentAddress, totalCost)

	summary := s.RunPass()
	assert.Equal(t, 1, summary.Swept)
	assert.Empty(t, summary.Errors)

	// 5% fee off the full balance, reserve withheld for network fees,
	// everything else into the order's budget wallet.
	wantFee := uint64(totalCost) * uint64(s.cfg.FeeRateBps) / 10_000
	wantOps := uint64(totalCost) - wantFee - s.cfg.NetworkFeeReserve

	feeBalance, err := s.gw.NativeBalance(s.feesTreasury)
	require.NoError(t, err)
	assert.Equal(t, wantFee, feeBalance)

	opsBalance, err := s.gw.NativeBalance(s.deriver.OpsBudgetKeypair("ORD_1").Address())
	require.NoError(t, err)
	assert.Equal(t, wantOps, opsBalance)

	// The two transfer fees consume the reserve exactly.
	paymentBalance, err := s.gw.NativeBalance(order.PaymentAddress)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), paymentBalance)

	got := reload(t, s, "ORD_1")
	assert.Equal(t, types.OrderStatusPaymentConfirmed, got.Status)
	assert.True(t, ParseReceipt(got.PaymentSignature).Complete())
}

func TestSweepIsIdempotent(t *testing.T) {
	s, gw := newTestService(t)
	order := insertOrder(t, s, "ORD_1", 1_000_000_000)
	gw.Credit(order.PaymentAddress, 1_000_000_000)

	first := s.RunPass()
	require.Equal(t, 1, first.Swept)

	feeBefore, err := s.gw.NativeBalance(s.feesTreasury)
	require.NoError(t, err)

	second := s.RunPass()
	assert.Equal(t, 0, second.Swept)
	assert.Equal(t, 1, second.Skipped)
	assert.Empty(t, second.Errors)

	feeAfter, err := s.gw.NativeBalance(s.feesTreasury)
	require.NoError(t, err)
	assert.Equal(t, feeBefore, feeAfter)
}

func TestSweepResumesAfterFeeLeg(t *testing.T) {
	s, gw := newTestService(t)
	order := insertOrder(t, s, "ORD_1", 1_000_000_000)

	// A previous pass landed the fee leg and crashed before the ops leg;
	// the remaining balance belongs entirely to the budget.
	order.PaymentSignature = Receipt{FeeSig: "earlier-sig"}.String()
	require.NoError(t, s.db.UpdateOrder(order))
	gw.Credit(order.PaymentAddress, 200_000)

	summary := s.RunPass()
	assert.Equal(t, 1, summary.Swept)
	assert.Empty(t, summary.Errors)

	// No second fee is taken on the retry pass.
	feeBalance, err := s.gw.NativeBalance(s.feesTreasury)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), feeBalance)

	opsBalance, err := s.gw.NativeBalance(s.deriver.OpsBudgetKeypair("ORD_1").Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(200_000)-s.cfg.NetworkFeeReserve, opsBalance)

	got := reload(t, s, "ORD_1")
	receipt := ParseReceipt(got.PaymentSignature)
	assert.Equal(t, "earlier-sig", receipt.FeeSig)
	assert.True(t, receipt.Complete())
	assert.Equal(t, types.OrderStatusPaymentConfirmed, got.Status)
}

func TestSweepResumesAfterOpsLeg(t *testing.T) {
	s, gw := newTestService(t)
	order := insertOrder(t, s, "ORD_1", 1_000_000_000)

	// A previous pass landed the ops leg and crashed before the fee leg;
	// the remaining balance is the outstanding fee, not a fresh split.
	order.PaymentSignature = Receipt{OpsSig: "earlier-sig"}.String()
	require.NoError(t, s.db.UpdateOrder(order))
	gw.Credit(order.PaymentAddress, 50_010_000)

	summary := s.RunPass()
	assert.Equal(t, 1, summary.Swept)
	assert.Empty(t, summary.Errors)

	feeBalance, err := s.gw.NativeBalance(s.feesTreasury)
	require.NoError(t, err)
	assert.Equal(t, uint64(50_010_000)-s.cfg.NetworkFeeReserve, feeBalance)

	// Nothing more goes to the budget on the retry pass.
	opsBalance, err := s.gw.NativeBalance(s.deriver.OpsBudgetKeypair("ORD_1").Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), opsBalance)

	got := reload(t, s, "ORD_1")
	receipt := ParseReceipt(got.PaymentSignature)
	assert.Equal(t, "earlier-sig", receipt.OpsSig)
	assert.True(t, receipt.Complete())
	assert.Equal(t, types.OrderStatusPaymentConfirmed, got.Status)
}

func TestSweepCompletesAtZeroFeeRate(t *testing.T) {
	s, gw := newTestService(t)
	s.cfg.FeeRateBps = 0

	const totalCost = 1_000_000_000
	order := insertOrder(t, s, "ORD_1", totalCost)
	gw.Credit(order.PaymentAddress, totalCost)

	summary := s.RunPass()
	assert.Equal(t, 1, summary.Swept)
	assert.Empty(t, summary.Errors)

	// No fee is collected, but the receipt still completes and the order
	// confirms.
	feeBalance, err := s.gw.NativeBalance(s.feesTreasury)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), feeBalance)

	opsBalance, err := s.gw.NativeBalance(s.deriver.OpsBudgetKeypair("ORD_1").Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(totalCost)-s.cfg.NetworkFeeReserve, opsBalance)

	got := reload(t, s, "ORD_1")
	assert.Equal(t, types.OrderStatusPaymentConfirmed, got.Status)
	assert.True(t, ParseReceipt(got.PaymentSignature).Complete())

	second := s.RunPass()
	assert.Equal(t, 0, second.Swept)
}

func TestSweepSkipsForeignPaymentAddress(t *testing.T) {
	s, gw := newTestService(t)
	order := insertOrder(t, s, "ORD_1", 1_000_000_000)

	// An address this deriver cannot sign for.
	order.PaymentAddress = "ForeignAddress111111111111111111111111111111"
	require.NoError(t, s.db.UpdateOrder(order))
	gw.Credit(order.PaymentAddress, 2_000_000_000)

	summary := s.RunPass()
	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, summary.Errors)

	balance, err := s.gw.NativeBalance(order.PaymentAddress)
	require.NoError(t, err)
	assert.Equal(t, uint64(2_000_000_000), balance)
}

func TestSweepIgnoresTerminalOrders(t *testing.T) {
	s, gw := newTestService(t)
	order := insertOrder(t, s, "ORD_1", 1_000_000_000)
	order.Status = types.OrderStatusCancelled
	require.NoError(t, s.db.UpdateOrder(order))
	gw.Credit(order.PaymentAddress, 2_000_000_000)

	summary := s.RunPass()
	assert.Equal(t, 0, summary.Processed)
}

func TestSweepLeavesTopUpAfterCompleteReceipt(t *testing.T) {
	s, gw := newTestService(t)
	order := insertOrder(t, s, "ORD_1", 1_000_000_000)
	gw.Credit(order.PaymentAddress, 1_000_000_000)
	require.Equal(t, 1, s.RunPass().Swept)

	// Order progressed to running, then the user paid the same address
	// again. The receipt is complete, so the pass must leave it alone.
	got := reload(t, s, "ORD_1")
	got.Status = types.OrderStatusRunning
	require.NoError(t, s.db.UpdateOrder(got))
	gw.Credit(order.PaymentAddress, 500_000_000)

	summary := s.RunPass()
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 0, summary.Swept)

	balance, err := s.gw.NativeBalance(order.PaymentAddress)
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000_000), balance)
}
