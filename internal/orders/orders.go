package orders

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/volume-engine/internal/auth"
	"github.com/ksred/volume-engine/internal/config"
	"github.com/ksred/volume-engine/internal/keys"
	"github.com/ksred/volume-engine/internal/types"
	"github.com/ksred/volume-engine/pkg/response"
)

var (
	ErrNotFound          = errors.New("orders: order not found")
	ErrInvalidTransition = errors.New("orders: invalid status transition")
	ErrNotCancellable    = errors.New("orders: only unpaid orders can be cancelled")
	ErrInvalidRequest    = errors.New("orders: invalid order parameters")
)

// baseVolumePerTaskUSD is the USD notional one task works through at the
// baseline 24h duration.
const baseVolumePerTaskUSD = 50_000

// durationFactors scales the task count by order duration: shorter runs need
// more parallel tasks to hit the target in time. Entries are ordered by
// maxHours; the last factor applies to anything longer.
var durationFactors = []struct {
	maxHours int
	factor   float64
}{
	{6, 2.0},
	{12, 1.5},
	{24, 1.0},
	{48, 0.75},
	{168, 0.5},
}

func durationFactor(hours int) float64 {
	for _, e := range durationFactors {
		if hours <= e.maxHours {
			return e.factor
		}
	}
	return durationFactors[len(durationFactors)-1].factor
}

// Service manages the order lifecycle: draft creation, cost calculation,
// payment confirmation and status transitions.
type Service struct {
	db      *Database
	deriver *keys.Deriver
	cfg     *config.Config
}

func NewService(gormDB *gorm.DB, deriver *keys.Deriver, cfg *config.Config) *Service {
	return &Service{
		db:      NewDatabase(gormDB),
		deriver: deriver,
		cfg:     cfg,
	}
}

// DraftRequest carries the user's current selections. Zero values leave the
// corresponding draft field untouched.
type DraftRequest struct {
	TokenAddress  string  `json:"token_address"`
	PoolAddress   string  `json:"pool_address"`
	VolumeTarget  float64 `json:"volume_target"`
	DurationHours int     `json:"duration_hours"`
}

// ComputeCost prices an order configuration. Task count scales up with
// volume and down with duration; there is always at least one task.
func (s *Service) ComputeCost(volumeTarget float64, durationHours int) (*types.CostQuote, error) {
	if volumeTarget <= 0 {
		return nil, fmt.Errorf("%w: volume target must be positive", ErrInvalidRequest)
	}
	if durationHours < 1 {
		return nil, fmt.Errorf("%w: duration must be at least one hour", ErrInvalidRequest)
	}

	tasks := int(math.Ceil(volumeTarget / baseVolumePerTaskUSD * durationFactor(durationHours)))
	if tasks < 1 {
		tasks = 1
	}

	return &types.CostQuote{
		TasksCount:  tasks,
		CostPerTask: s.cfg.CostPerTaskLamports,
		TotalCost:   uint64(tasks) * s.cfg.CostPerTaskLamports,
	}, nil
}

// CreateOrUpdateDraft reuses the user's active draft when one exists,
// applying the new selections and extending its expiry; otherwise it creates
// a fresh draft with its payment address already derived and attached. At
// most one unexpired draft exists per user.
func (s *Service) CreateOrUpdateDraft(userID string, req DraftRequest) (*types.Order, error) {
	now := time.Now()

	draft, err := s.db.GetActiveDraft(userID, now)
	if err != nil {
		return nil, err
	}

	if draft == nil {
		orderID := "ORD_" + uuid.New().String()
		expires := now.Add(s.cfg.DraftTTL)
		draft = &types.Order{
			OrderID: orderID,
			UserID:  userID,
			// Token and pool stay placeholders until the user selects them.
			TokenAddress: types.TokenPlaceholder,
			PoolAddress:  types.TokenPlaceholder,
			Status:       types.OrderStatusPendingPayment,
			// The payment address is derived before the draft is ever
			// surfaced, so the user can never see a stale placeholder.
			PaymentAddress: s.deriver.PaymentKeypair(orderID).Address(),
			ExpiresAt:      &expires,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.applySelections(draft, req); err != nil {
			return nil, err
		}
		if err := s.db.CreateOrder(draft); err != nil {
			return nil, err
		}
		log.Info().
			Str("order_id", draft.OrderID).
			Str("user_id", userID).
			Str("payment_address", draft.PaymentAddress).
			Msg("created draft order")
		return draft, nil
	}

	if err := s.applySelections(draft, req); err != nil {
		return nil, err
	}
	expires := now.Add(s.cfg.DraftTTL)
	draft.ExpiresAt = &expires
	if err := s.db.UpdateOrder(draft); err != nil {
		return nil, err
	}
	return draft, nil
}

func (s *Service) applySelections(order *types.Order, req DraftRequest) error {
	if req.TokenAddress != "" {
		order.TokenAddress = req.TokenAddress
	}
	if req.PoolAddress != "" {
		order.PoolAddress = req.PoolAddress
	}
	if req.VolumeTarget > 0 {
		order.VolumeTarget = req.VolumeTarget
	}
	if req.DurationHours > 0 {
		order.DurationHours = req.DurationHours
	}

	if order.VolumeTarget > 0 && order.DurationHours > 0 {
		quote, err := s.ComputeCost(order.VolumeTarget, order.DurationHours)
		if err != nil {
			return err
		}
		order.TasksCount = quote.TasksCount
		order.CostPerTask = quote.CostPerTask
		order.TotalCost = quote.TotalCost
	}
	return nil
}

// ConfirmPayment transitions an order to payment_confirmed and stores the
// payment reference. Calling it again is a no-op: downstream task creation
// keys off the status transition, which happens at most once.
func (s *Service) ConfirmPayment(orderID, receipt string) (*types.Order, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrNotFound
	}

	switch order.Status {
	case types.OrderStatusPendingPayment:
		order.Status = types.OrderStatusPaymentConfirmed
		if order.PaymentSignature == "" {
			order.PaymentSignature = receipt
		}
		if err := s.db.UpdateOrder(order); err != nil {
			return nil, err
		}
		log.Info().
			Str("order_id", orderID).
			Msg("payment confirmed")
		return order, nil
	case types.OrderStatusPaymentConfirmed, types.OrderStatusRunning,
		types.OrderStatusPaused, types.OrderStatusCompleted:
		// Already confirmed or past it.
		return order, nil
	default:
		return nil, fmt.Errorf("%w: cannot confirm payment from %s", ErrInvalidTransition, order.Status)
	}
}

// MarkRunning moves a confirmed or paused order to running. StartedAt is
// stamped only on the first transition.
func (s *Service) MarkRunning(orderID string) (*types.Order, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrNotFound
	}

	if order.Status != types.OrderStatusPaymentConfirmed && order.Status != types.OrderStatusPaused {
		return nil, fmt.Errorf("%w: cannot run from %s", ErrInvalidTransition, order.Status)
	}

	order.Status = types.OrderStatusRunning
	if order.StartedAt == nil {
		now := time.Now()
		order.StartedAt = &now
	}
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, err
	}
	return order, nil
}

// Pause suspends a running order. Tasks stop being due until it resumes.
func (s *Service) Pause(orderID string) (*types.Order, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrNotFound
	}
	if order.Status != types.OrderStatusRunning {
		return nil, fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, order.Status)
	}
	order.Status = types.OrderStatusPaused
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, err
	}
	return order, nil
}

// MarkCompleted finishes an order, stamping CompletedAt and forcing any
// still-running tasks to completed.
func (s *Service) MarkCompleted(orderID string) (*types.Order, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrNotFound
	}
	if order.Status != types.OrderStatusRunning {
		return nil, fmt.Errorf("%w: cannot complete from %s", ErrInvalidTransition, order.Status)
	}

	if err := s.db.ForceTaskStatus(orderID, types.TaskStatusRunning, types.TaskStatusCompleted); err != nil {
		return nil, err
	}

	order.Status = types.OrderStatusCompleted
	if order.CompletedAt == nil {
		now := time.Now()
		order.CompletedAt = &now
	}
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, err
	}
	log.Info().Str("order_id", orderID).Msg("order completed")
	return order, nil
}

// MarkFailed moves any non-terminal order to failed.
func (s *Service) MarkFailed(orderID, reason string) (*types.Order, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrNotFound
	}

	switch order.Status {
	case types.OrderStatusCompleted, types.OrderStatusCancelled,
		types.OrderStatusFailed, types.OrderStatusExpired:
		return nil, fmt.Errorf("%w: cannot fail from terminal state %s", ErrInvalidTransition, order.Status)
	}

	order.Status = types.OrderStatusFailed
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, err
	}
	log.Warn().
		Str("order_id", orderID).
		Str("reason", reason).
		Msg("order failed")
	return order, nil
}

// Cancel cancels an order that has not been paid for yet.
func (s *Service) Cancel(orderID, userID string) (*types.Order, error) {
	order, err := s.db.GetOrderByOrderIDAndUserID(orderID, userID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrNotFound
	}
	if order.Status != types.OrderStatusPendingPayment {
		return nil, ErrNotCancellable
	}

	order.Status = types.OrderStatusCancelled
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, err
	}
	return order, nil
}

// DeleteDraft destroys a pending-payment order outright. Orders past that
// state are never deleted.
func (s *Service) DeleteDraft(orderID string) error {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return ErrNotFound
	}
	if order.Status != types.OrderStatusPendingPayment {
		return ErrNotCancellable
	}
	return s.db.DeleteOrder(orderID)
}

// ExpireStaleDrafts marks abandoned, never-configured drafts as expired and
// returns how many were touched.
func (s *Service) ExpireStaleDrafts() (int, error) {
	stale, err := s.db.GetStaleDrafts(time.Now())
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range stale {
		stale[i].Status = types.OrderStatusExpired
		if err := s.db.UpdateOrder(&stale[i]); err != nil {
			log.Error().Err(err).Str("order_id", stale[i].OrderID).Msg("failed to expire draft")
			continue
		}
		expired++
	}
	return expired, nil
}

// GetOrder retrieves an order by its ID.
func (s *Service) GetOrder(orderID string) (*types.Order, error) {
	return s.db.GetOrder(orderID)
}

// GetOrderForUser retrieves an order scoped to its owner.
func (s *Service) GetOrderForUser(orderID, userID string) (*types.Order, error) {
	return s.db.GetOrderByOrderIDAndUserID(orderID, userID)
}

// GetOrderTasks lists the tasks of an order.
func (s *Service) GetOrderTasks(orderID string) ([]types.Task, error) {
	return s.db.GetTasksByOrder(orderID)
}

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// QuoteHandler handles POST requests to price an order configuration.
func (h *GinHandlers) QuoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			VolumeTarget  float64 `json:"volume_target" binding:"required"`
			DurationHours int     `json:"duration_hours" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		quote, err := h.service.ComputeCost(req.VolumeTarget, req.DurationHours)
		if errors.Is(err, ErrInvalidRequest) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, quote, err)
	}
}

// CreateDraftHandler handles POST requests to create or update the caller's
// draft order. Requires a valid JWT token.
func (h *GinHandlers) CreateDraftHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, exists := c.Get("claims")
		if !exists {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}
		userID := auth.GetClientID(claims)
		if userID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		var req DraftRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.CreateOrUpdateDraft(userID, req)
		if errors.Is(err, ErrInvalidRequest) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, order, err)
	}
}

// GetOrderHandler handles GET requests for a single order, scoped to the
// authenticated user.
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, exists := c.Get("claims")
		if !exists {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}
		userID := auth.GetClientID(claims)
		if userID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		orderID := c.Param("order_id")
		order, err := h.service.GetOrderForUser(orderID, userID)
		if err != nil || order == nil {
			response.NotFound(c, "Order not found")
			return
		}
		response.Success(c, order)
	}
}

// GetOrderTasksHandler handles GET requests for an order's tasks.
func (h *GinHandlers) GetOrderTasksHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, exists := c.Get("claims")
		if !exists {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}
		userID := auth.GetClientID(claims)

		orderID := c.Param("order_id")
		order, err := h.service.GetOrderForUser(orderID, userID)
		if err != nil || order == nil {
			response.NotFound(c, "Order not found")
			return
		}

		tasks, err := h.service.GetOrderTasks(orderID)
		response.Handle(c, tasks, err)
	}
}

// CancelOrderHandler handles DELETE requests to cancel an unpaid order.
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, exists := c.Get("claims")
		if !exists {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}
		userID := auth.GetClientID(claims)

		orderID := c.Param("order_id")
		order, err := h.service.Cancel(orderID, userID)
		switch {
		case errors.Is(err, ErrNotFound):
			response.NotFound(c, "Order not found")
		case errors.Is(err, ErrNotCancellable):
			response.Conflict(c, "Order can no longer be cancelled")
		default:
			response.Handle(c, order, err)
		}
	}
}

// ConfirmPaymentHandler handles POST requests from the payment confirmation
// flow. Internal route.
func (h *GinHandlers) ConfirmPaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		var req struct {
			Signature string `json:"signature"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.ConfirmPayment(orderID, req.Signature)
		switch {
		case errors.Is(err, ErrNotFound):
			response.NotFound(c, "Order not found")
		case errors.Is(err, ErrInvalidTransition):
			response.Conflict(c, err.Error())
		default:
			response.Handle(c, order, err)
		}
	}
}
