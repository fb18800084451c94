package scheduler

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/volume-engine/internal/config"
	"github.com/ksred/volume-engine/internal/database"
	"github.com/ksred/volume-engine/internal/gateway"
	"github.com/ksred/volume-engine/internal/keys"
	"github.com/ksred/volume-engine/internal/types"
)

const testMasterSecret = "0001020304050607080910111213141516171819202122232425262728293031"

func newTestService(t *testing.T, mutate func(*config.Config)) (*Service, *gateway.Simulated) {
	t.Helper()

	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := database.NewDatabase(dsn)
	require.NoError(t, err)

	deriver, err := keys.NewDeriver(testMasterSecret)
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.MasterSecret = testMasterSecret
	if mutate != nil {
		mutate(&cfg)
	}

	gw := gateway.NewDeterministic()
	return NewService(db, gw, deriver, &cfg), gw
}

// insertConfirmedOrder seeds a paid order and funds its budget wallet.
func insertConfirmedOrder(t *testing.T, s *Service, gw *gateway.Simulated, orderID string, tasks int, budget uint64) *types.Order {
	t.Helper()
	order := &types.Order{
		OrderID:        orderID,
		UserID:         "user-1",
		TokenAddress:   "TokenMintA",
		PoolAddress:    "PoolA",
		VolumeTarget:   100_000,
		DurationHours:  24,
		TasksCount:     tasks,
		Status:         types.OrderStatusPaymentConfirmed,
		PaymentAddress: s.deriver.PaymentKeypair(orderID).Address(),
	}
	require.NoError(t, s.db.db.Create(order).Error)
	if budget > 0 {
		gw.Credit(s.deriver.OpsBudgetKeypair(orderID).Address(), budget)
	}
	return order
}

func reloadOrder(t *testing.T, s *Service, orderID string) *types.Order {
	t.Helper()
	var order types.Order
	require.NoError(t, s.db.db.Where("order_id = ?", orderID).First(&order).Error)
	return &order
}

func TestPassStartsConfirmedOrderAndTicksTasks(t *testing.T) {
	s, gw := newTestService(t, nil)
	insertConfirmedOrder(t, s, gw, "ORD_1", 2, 1_000_000_000)

	summary := s.RunPass()
	assert.Equal(t, 1, summary.OrdersStarted)
	assert.Equal(t, 1, summary.OrdersProcessed)
	assert.Equal(t, 2, summary.TasksExecuted)
	assert.Equal(t, 0, summary.TasksFailed)
	assert.Empty(t, summary.Errors)

	order := reloadOrder(t, s, "ORD_1")
	assert.Equal(t, types.OrderStatusRunning, order.Status)
	assert.NotNil(t, order.StartedAt)

	tasks, err := s.db.GetTasksByOrder("ORD_1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, types.TaskStatusRunning, task.Status)
		assert.Equal(t, 1, task.CyclesCompleted)
		assert.Equal(t, s.cfg.CyclesPerTask, task.TotalCycles)
		assert.Equal(t, 24*60/s.cfg.CyclesPerTask, task.IntervalMinutes)
		assert.InDelta(t, 50_000, task.TargetVolume, 0.01)
		assert.NotNil(t, task.LastTransactionAt)

		// Wallet is re-derivable from the task ID.
		assert.Equal(t, s.deriver.TaskKeypair(task.TaskID).Address(), task.WalletAddress)

		txs, err := s.db.GetTransactionsByTask(task.TaskID)
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, types.TransactionTypeBuy, txs[0].Type)
		assert.Equal(t, types.TransactionStatusConfirmed, txs[0].Status)
		assert.GreaterOrEqual(t, txs[0].AmountLamports, s.cfg.TradeMinLamports)
		assert.LessOrEqual(t, txs[0].AmountLamports, s.cfg.TradeMaxLamports)
		assert.NotZero(t, txs[0].AmountTokens)
	}
}

func TestSellFollowsBuy(t *testing.T) {
	s, gw := newTestService(t, nil)
	insertConfirmedOrder(t, s, gw, "ORD_1", 1, 1_000_000_000)

	require.Equal(t, 1, s.RunPass().TasksExecuted)

	tasks, err := s.db.GetTasksByOrder("ORD_1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]

	// Wallet holds tokens after the buy.
	held, err := s.gw.TokenBalance(task.WalletAddress, "TokenMintA")
	require.NoError(t, err)
	assert.NotZero(t, held)

	// Fast-forward past the cycle interval.
	past := time.Now().Add(-time.Duration(task.IntervalMinutes+1) * time.Minute)
	task.LastTransactionAt = &past
	require.NoError(t, s.db.UpdateTask(&task))

	require.Equal(t, 1, s.RunPass().TasksExecuted)

	txs, err := s.db.GetTransactionsByTask(task.TaskID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, types.TransactionTypeBuy, txs[0].Type)
	assert.Equal(t, types.TransactionTypeSell, txs[1].Type)

	// The sell closes the position entirely.
	held, err = s.gw.TokenBalance(task.WalletAddress, "TokenMintA")
	require.NoError(t, err)
	assert.Zero(t, held)

	tasks, err = s.db.GetTasksByOrder("ORD_1")
	require.NoError(t, err)
	assert.Equal(t, 2, tasks[0].CyclesCompleted)
}

func TestTaskNotDueBeforeInterval(t *testing.T) {
	s, gw := newTestService(t, nil)
	insertConfirmedOrder(t, s, gw, "ORD_1", 1, 1_000_000_000)

	require.Equal(t, 1, s.RunPass().TasksExecuted)

	// Immediately after a tick the task waits out its interval.
	summary := s.RunPass()
	assert.Equal(t, 0, summary.TasksExecuted)
	assert.Equal(t, 0, summary.TasksFailed)
}

func TestOrderCompletesWhenAllTasksFinish(t *testing.T) {
	s, gw := newTestService(t, func(cfg *config.Config) {
		cfg.CyclesPerTask = 1
	})
	insertConfirmedOrder(t, s, gw, "ORD_1", 2, 1_000_000_000)

	summary := s.RunPass()
	assert.Equal(t, 2, summary.TasksExecuted)
	assert.Equal(t, 1, summary.OrdersCompleted)

	order := reloadOrder(t, s, "ORD_1")
	assert.Equal(t, types.OrderStatusCompleted, order.Status)
	assert.NotNil(t, order.CompletedAt)

	tasks, err := s.db.GetTasksByOrder("ORD_1")
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, types.TaskStatusCompleted, task.Status)
		assert.InDelta(t, task.TargetVolume, task.CurrentVolume, 0.01)
	}

	// A completed order is never scheduled again.
	again := s.RunPass()
	assert.Equal(t, 0, again.OrdersProcessed)
}

func TestUnfundedBudgetFailsTask(t *testing.T) {
	s, gw := newTestService(t, nil)
	insertConfirmedOrder(t, s, gw, "ORD_1", 1, 0)

	summary := s.RunPass()
	assert.Equal(t, 1, summary.TasksFailed)
	assert.Equal(t, 0, summary.TasksExecuted)

	tasks, err := s.db.GetTasksByOrder("ORD_1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.TaskStatusFailed, tasks[0].Status)
	assert.Equal(t, 0, tasks[0].CyclesCompleted)

	txs, err := s.db.GetTransactionsByTask(tasks[0].TaskID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, types.TransactionStatusFailed, txs[0].Status)
	assert.Contains(t, txs[0].ErrorMessage, "budget")
	assert.True(t, strings.HasPrefix(txs[0].Signature, "failed-"))
}

func TestFailedTaskRetriesAfterCooldown(t *testing.T) {
	s, gw := newTestService(t, func(cfg *config.Config) {
		cfg.RetryCooldown = 0
	})
	insertConfirmedOrder(t, s, gw, "ORD_1", 1, 0)

	require.Equal(t, 1, s.RunPass().TasksFailed)

	// Fund the budget; with no cooldown the failed task is due again.
	gw.Credit(s.deriver.OpsBudgetKeypair("ORD_1").Address(), 1_000_000_000)

	summary := s.RunPass()
	assert.Equal(t, 1, summary.TasksExecuted)
	assert.Equal(t, 0, summary.TasksFailed)

	tasks, err := s.db.GetTasksByOrder("ORD_1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, tasks[0].Status)
	assert.Equal(t, 1, tasks[0].CyclesCompleted)
}

func TestFailedTaskWaitsOutCooldown(t *testing.T) {
	s, gw := newTestService(t, nil)
	insertConfirmedOrder(t, s, gw, "ORD_1", 1, 0)

	require.Equal(t, 1, s.RunPass().TasksFailed)
	gw.Credit(s.deriver.OpsBudgetKeypair("ORD_1").Address(), 1_000_000_000)

	// Default cooldown has not elapsed.
	summary := s.RunPass()
	assert.Equal(t, 0, summary.TasksExecuted)
	assert.Equal(t, 0, summary.TasksFailed)
}

func TestBudgetReserveIsNeverDisbursed(t *testing.T) {
	s, gw := newTestService(t, nil)
	// Budget below the reserve: nothing may be disbursed at all.
	insertConfirmedOrder(t, s, gw, "ORD_1", 1, s.cfg.BudgetReserve)

	summary := s.RunPass()
	assert.Equal(t, 1, summary.TasksFailed)

	budgetBalance, err := s.gw.NativeBalance(s.deriver.OpsBudgetKeypair("ORD_1").Address())
	require.NoError(t, err)
	assert.Equal(t, s.cfg.BudgetReserve, budgetBalance)
}

func TestClaimOrderIsExclusive(t *testing.T) {
	s, _ := newTestService(t, nil)
	order := &types.Order{
		OrderID: "ORD_1",
		UserID:  "user-1",
		Status:  types.OrderStatusRunning,
	}
	require.NoError(t, s.db.db.Create(order).Error)

	claimed, err := s.db.ClaimOrder("ORD_1", 0)
	require.NoError(t, err)
	assert.True(t, claimed)

	// A concurrent pass holding the stale version loses the race.
	claimed, err = s.db.ClaimOrder("ORD_1", 0)
	require.NoError(t, err)
	assert.False(t, claimed)

	claimed, err = s.db.ClaimOrder("ORD_1", 1)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestRecreatesMissingTasks(t *testing.T) {
	s, gw := newTestService(t, nil)
	order := insertConfirmedOrder(t, s, gw, "ORD_1", 2, 1_000_000_000)

	// A partially applied start: running order, no tasks.
	order.Status = types.OrderStatusRunning
	require.NoError(t, s.db.UpdateOrder(order))

	summary := s.RunPass()
	assert.Equal(t, 2, summary.TasksExecuted)

	tasks, err := s.db.GetTasksByOrder("ORD_1")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}
