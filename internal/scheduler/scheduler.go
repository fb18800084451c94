// Package scheduler drives each running order's tasks through buy/sell
// cycles. A pass is a stateless batch: due-ness is recomputed from stored
// timestamps every time, so restarts and overlapping triggers are safe. Each
// due task gets exactly one tick per pass, funded from the order's isolated
// budget wallet.
package scheduler

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/volume-engine/internal/config"
	"github.com/ksred/volume-engine/internal/gateway"
	"github.com/ksred/volume-engine/internal/keys"
	"github.com/ksred/volume-engine/internal/types"
	"github.com/ksred/volume-engine/pkg/response"
)

var ErrInsufficientBudget = errors.New("scheduler: insufficient budget for task funding")

type Service struct {
	db      *Database
	gw      gateway.Gateway
	deriver *keys.Deriver
	cfg     *config.Config

	opsTreasury string
}

func NewService(gormDB *gorm.DB, gw gateway.Gateway, deriver *keys.Deriver, cfg *config.Config) *Service {
	return &Service{
		db:          NewDatabase(gormDB),
		gw:          gw,
		deriver:     deriver,
		cfg:         cfg,
		opsTreasury: deriver.OperationsTreasury().Address(),
	}
}

// RunPass starts any freshly confirmed orders, then advances every due task
// of every running order by one tick. One order's failure never aborts the
// pass for the others.
func (s *Service) RunPass() *types.ScheduleSummary {
	logger := log.With().Str("service", "scheduler").Logger()

	summary := &types.ScheduleSummary{}

	confirmed, err := s.db.GetOrdersByStatus(types.OrderStatusPaymentConfirmed)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("fetch confirmed orders: %v", err))
	}
	for i := range confirmed {
		order := &confirmed[i]
		if err := s.startOrder(order); err != nil {
			logger.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to start order")
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: start: %v", order.OrderID, err))
			continue
		}
		summary.OrdersStarted++
	}

	running, err := s.db.GetOrdersByStatus(types.OrderStatusRunning)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("fetch running orders: %v", err))
		return summary
	}

	logger.Info().Int("running_orders", len(running)).Msg("starting scheduling pass")

	for i := range running {
		order := &running[i]

		claimed, err := s.db.ClaimOrder(order.OrderID, order.LockVersion)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: claim: %v", order.OrderID, err))
			continue
		}
		if !claimed {
			// Another pass owns this order right now.
			logger.Debug().Str("order_id", order.OrderID).Msg("order claimed elsewhere, skipping")
			continue
		}
		order.LockVersion++

		s.processOrder(order, summary)
		summary.OrdersProcessed++
	}

	logger.Info().
		Int("orders_processed", summary.OrdersProcessed).
		Int("orders_started", summary.OrdersStarted).
		Int("orders_completed", summary.OrdersCompleted).
		Int("tasks_executed", summary.TasksExecuted).
		Int("tasks_failed", summary.TasksFailed).
		Int("errors", len(summary.Errors)).
		Msg("scheduling pass completed")

	return summary
}

// startOrder transitions a confirmed order to running and creates its tasks.
// A task-creation failure rolls the order to failed, stopping further
// scheduling.
func (s *Service) startOrder(order *types.Order) error {
	order.Status = types.OrderStatusRunning
	if order.StartedAt == nil {
		now := time.Now()
		order.StartedAt = &now
	}
	if err := s.db.UpdateOrder(order); err != nil {
		return err
	}

	if err := s.createTasks(order); err != nil {
		order.Status = types.OrderStatusFailed
		if uerr := s.db.UpdateOrder(order); uerr != nil {
			return fmt.Errorf("create tasks: %v; mark failed: %w", err, uerr)
		}
		return fmt.Errorf("create tasks: %w", err)
	}

	log.Info().
		Str("order_id", order.OrderID).
		Int("tasks", order.TasksCount).
		Msg("order started, tasks created")
	return nil
}

// createTasks bulk-creates the order's tasks, each with a wallet address
// derived from its task ID so the wallet stays recoverable.
func (s *Service) createTasks(order *types.Order) error {
	interval := order.DurationHours * 60 / s.cfg.CyclesPerTask
	if interval < 1 {
		interval = 1
	}

	tasks := make([]types.Task, 0, order.TasksCount)
	for i := 0; i < order.TasksCount; i++ {
		taskID := "TSK_" + uuid.New().String()
		tasks = append(tasks, types.Task{
			TaskID:          taskID,
			OrderID:         order.OrderID,
			WalletAddress:   s.deriver.TaskKeypair(taskID).Address(),
			Status:          types.TaskStatusPending,
			TargetVolume:    order.VolumeTarget / float64(order.TasksCount),
			IntervalMinutes: interval,
			TotalCycles:     s.cfg.CyclesPerTask,
			CreatedAt:       time.Now(),
			UpdatedAt:       time.Now(),
		})
	}
	return s.db.CreateTasks(tasks)
}

// processOrder ticks every due task of one order, then checks completion.
func (s *Service) processOrder(order *types.Order, summary *types.ScheduleSummary) {
	logger := log.With().
		Str("service", "scheduler").
		Str("order_id", order.OrderID).
		Logger()

	tasks, err := s.db.GetTasksByOrder(order.OrderID)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s: fetch tasks: %v", order.OrderID, err))
		return
	}

	// Self-heal: a running order with no tasks means a partially applied
	// start; recreate them now.
	if len(tasks) == 0 {
		logger.Warn().Msg("running order has no tasks, recreating")
		if err := s.createTasks(order); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: recreate tasks: %v", order.OrderID, err))
			return
		}
		tasks, err = s.db.GetTasksByOrder(order.OrderID)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: fetch tasks: %v", order.OrderID, err))
			return
		}
	}

	now := time.Now()
	for i := range tasks {
		task := &tasks[i]
		if task.Status == types.TaskStatusCompleted {
			continue
		}
		if !s.due(task, now) {
			continue
		}

		if err := s.tick(order, task); err != nil {
			logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("task tick failed")
			summary.TasksFailed++
			continue
		}
		summary.TasksExecuted++
	}

	allCompleted := len(tasks) > 0
	for i := range tasks {
		if tasks[i].Status != types.TaskStatusCompleted {
			allCompleted = false
			break
		}
	}
	if allCompleted {
		order.Status = types.OrderStatusCompleted
		if order.CompletedAt == nil {
			completedAt := time.Now()
			order.CompletedAt = &completedAt
		}
		if err := s.db.UpdateOrder(order); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: mark completed: %v", order.OrderID, err))
			return
		}
		summary.OrdersCompleted++
		logger.Info().Msg("all tasks completed, order finished")
	}
}

// due decides whether a task gets a tick this pass, purely from stored
// timestamps. Pending tasks are always due; failed tasks retry after a fixed
// cooldown; running tasks wait out their cycle interval.
func (s *Service) due(task *types.Task, now time.Time) bool {
	switch task.Status {
	case types.TaskStatusPending:
		return true
	case types.TaskStatusCompleted:
		return false
	case types.TaskStatusFailed:
		return task.LastTransactionAt == nil ||
			now.Sub(*task.LastTransactionAt) >= s.cfg.RetryCooldown
	default:
		if task.LastTransactionAt == nil {
			return true
		}
		return now.Sub(*task.LastTransactionAt) >= time.Duration(task.IntervalMinutes)*time.Minute
	}
}

// tick executes one buy-or-sell leg for a task. A wallet holding tokens from
// a prior buy sells its full balance, closing the position; otherwise it
// buys a randomized amount funded from the order's budget. Every attempt is
// recorded as a Transaction; one successful tick counts as one cycle.
func (s *Service) tick(order *types.Order, task *types.Task) error {
	wallet := s.deriver.TaskKeypair(task.TaskID)

	tokenBalance, err := s.gw.TokenBalance(wallet.Address(), order.TokenAddress)
	if err != nil {
		return s.failTick(task, types.TransactionTypeBuy, 0, fmt.Errorf("token balance: %w", err))
	}

	var (
		quote  *gateway.Quote
		txType string
	)
	if tokenBalance > 0 {
		txType = types.TransactionTypeSell
		quote, err = s.gw.Quote(order.TokenAddress, gateway.NativeMint, tokenBalance)
		if err != nil {
			return s.failTick(task, txType, 0, fmt.Errorf("sell quote: %w", err))
		}
	} else {
		txType = types.TransactionTypeBuy
		size := s.randomTradeSize()
		if err := s.ensureFunded(order, wallet, size+s.cfg.TickFeeBuffer); err != nil {
			return s.failTick(task, txType, size, err)
		}
		quote, err = s.gw.Quote(gateway.NativeMint, order.TokenAddress, size)
		if err != nil {
			return s.failTick(task, txType, size, fmt.Errorf("buy quote: %w", err))
		}
	}

	result, err := s.gw.Swap(wallet, quote)
	if err != nil {
		return s.failTick(task, txType, quote.InAmount, fmt.Errorf("swap: %w", err))
	}

	tx := &types.Transaction{
		TaskID:    task.TaskID,
		Signature: result.Signature,
		Type:      txType,
		Price:     quote.Price,
		Status:    types.TransactionStatusConfirmed,
		CreatedAt: time.Now(),
	}
	if txType == types.TransactionTypeBuy {
		tx.AmountLamports = quote.InAmount
		tx.AmountTokens = result.OutAmount
	} else {
		tx.AmountLamports = result.OutAmount
		tx.AmountTokens = quote.InAmount
	}
	if err := s.db.CreateTransaction(tx); err != nil {
		log.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to record transaction")
	}

	now := time.Now()
	if task.CyclesCompleted < task.TotalCycles {
		task.CyclesCompleted++
	}
	task.CurrentVolume = task.TargetVolume * float64(task.CyclesCompleted) / float64(task.TotalCycles)
	task.LastTransactionAt = &now
	if task.CyclesCompleted >= task.TotalCycles {
		task.Status = types.TaskStatusCompleted
	} else {
		task.Status = types.TaskStatusRunning
	}
	if err := s.db.UpdateTask(task); err != nil {
		return err
	}

	// After a position-closing sell, return any residual balance above the
	// rent-exempt minimum to the operations treasury.
	if txType == types.TransactionTypeSell {
		s.sweepResidual(wallet)
	}

	return nil
}

// failTick records the failed attempt with a synthetic unique signature,
// stamps the retry cooldown and marks the task failed. Cycles are not
// incremented on failure.
func (s *Service) failTick(task *types.Task, txType string, amount uint64, tickErr error) error {
	tx := &types.Transaction{
		TaskID:         task.TaskID,
		Signature:      "failed-" + uuid.New().String(),
		Type:           txType,
		AmountLamports: amount,
		Status:         types.TransactionStatusFailed,
		ErrorMessage:   tickErr.Error(),
		CreatedAt:      time.Now(),
	}
	if err := s.db.CreateTransaction(tx); err != nil {
		log.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to record failed transaction")
	}

	now := time.Now()
	task.Status = types.TaskStatusFailed
	task.LastTransactionAt = &now
	if err := s.db.UpdateTask(task); err != nil {
		log.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to update failed task")
	}

	return tickErr
}

// ensureFunded tops the task wallet up to need lamports from the order's
// budget wallet. Disbursement is capped at the budget's balance minus the
// reserve; a shortfall beyond the cap fails without attempting a transfer.
func (s *Service) ensureFunded(order *types.Order, wallet *keys.Keypair, need uint64) error {
	balance, err := s.gw.NativeBalance(wallet.Address())
	if err != nil {
		return fmt.Errorf("wallet balance: %w", err)
	}
	if balance >= need {
		return nil
	}
	shortfall := need - balance

	budget := s.deriver.OpsBudgetKeypair(order.OrderID)
	budgetBalance, err := s.gw.NativeBalance(budget.Address())
	if err != nil {
		return fmt.Errorf("budget balance: %w", err)
	}

	var available uint64
	if budgetBalance > s.cfg.BudgetReserve {
		available = budgetBalance - s.cfg.BudgetReserve
	}
	if available < shortfall {
		return fmt.Errorf("%w: need %d lamports, budget has %d available", ErrInsufficientBudget, shortfall, available)
	}

	if _, err := s.gw.Transfer(budget, wallet.Address(), shortfall); err != nil {
		return fmt.Errorf("fund task wallet: %w", err)
	}
	return nil
}

// sweepResidual returns a drained task wallet's leftover native balance to
// the operations treasury. Best effort: failures are logged, never
// propagated into the tick result.
func (s *Service) sweepResidual(wallet *keys.Keypair) {
	balance, err := s.gw.NativeBalance(wallet.Address())
	if err != nil || balance <= s.cfg.RentExemptMin {
		return
	}

	amount := balance - s.cfg.RentExemptMin
	if _, err := s.gw.Transfer(wallet, s.opsTreasury, amount); err != nil {
		log.Warn().Err(err).
			Str("wallet", wallet.Address()).
			Uint64("lamports", amount).
			Msg("residual sweep failed")
		return
	}
	log.Debug().
		Str("wallet", wallet.Address()).
		Uint64("lamports", amount).
		Msg("residual balance returned to treasury")
}

// randomTradeSize picks a buy size inside the configured band so trade sizes
// do not fingerprint as uniform.
func (s *Service) randomTradeSize() uint64 {
	span := s.cfg.TradeMaxLamports - s.cfg.TradeMinLamports + 1
	return s.cfg.TradeMinLamports + rand.Uint64()%span
}

// GinHandlers contains HTTP handlers for the scheduler trigger surface
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// RunPassHandler handles POST requests from the periodic scheduling trigger.
// Requires internal authentication.
func (h *GinHandlers) RunPassHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary := h.service.RunPass()
		if len(summary.Errors) > 0 {
			response.PartialSuccess(c, summary)
			return
		}
		response.Success(c, summary)
	}
}
