// Package sweep moves funds from paid order payment addresses into the
// service-fee treasury and the order's isolated operations budget, exactly
// once per order. Passes are stateless: all sweep state lives in the order's
// receipt field, so overlapping or restarted passes converge on the same
// result.
package sweep

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/volume-engine/internal/config"
	"github.com/ksred/volume-engine/internal/gateway"
	"github.com/ksred/volume-engine/internal/keys"
	"github.com/ksred/volume-engine/internal/types"
	"github.com/ksred/volume-engine/pkg/response"
)

// outcome classifies what one pass did with one order.
type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSwept
	outcomePartial
)

type Service struct {
	db      *Database
	gw      gateway.Gateway
	deriver *keys.Deriver
	cfg     *config.Config

	feesTreasury string
}

func NewService(gormDB *gorm.DB, gw gateway.Gateway, deriver *keys.Deriver, cfg *config.Config) *Service {
	return &Service{
		db:           NewDatabase(gormDB),
		gw:           gw,
		deriver:      deriver,
		cfg:          cfg,
		feesTreasury: deriver.FeesTreasury().Address(),
	}
}

// RunPass sweeps every candidate order once. One order's failure never
// blocks the rest; errors are collected into the summary.
func (s *Service) RunPass() *types.SweepSummary {
	logger := log.With().Str("service", "sweep").Logger()

	summary := &types.SweepSummary{}

	orders, err := s.db.GetSweepCandidates()
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("fetch candidates: %v", err))
		return summary
	}

	logger.Info().Int("candidates", len(orders)).Msg("starting sweep pass")

	for i := range orders {
		order := &orders[i]
		summary.Processed++

		result, err := s.sweepOrder(order)
		if err != nil {
			logger.Error().Err(err).Str("order_id", order.OrderID).Msg("sweep failed for order")
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", order.OrderID, err))
		}
		switch result {
		case outcomeSwept:
			summary.Swept++
		case outcomeSkipped:
			summary.Skipped++
		}
	}

	logger.Info().
		Int("processed", summary.Processed).
		Int("swept", summary.Swept).
		Int("skipped", summary.Skipped).
		Int("errors", len(summary.Errors)).
		Msg("sweep pass completed")

	return summary
}

// sweepOrder runs the per-order sweep algorithm. Both transfer legs are
// attempted independently; whatever lands is recorded in the receipt so a
// later pass resends only the missing leg.
func (s *Service) sweepOrder(order *types.Order) (outcome, error) {
	logger := log.With().
		Str("service", "sweep").
		Str("order_id", order.OrderID).
		Logger()

	receipt := ParseReceipt(order.PaymentSignature)
	if receipt.Complete() {
		return outcomeSkipped, nil
	}

	// Re-derive the payment keypair; a mismatch means a legacy or foreign
	// address this service cannot sign for.
	paymentKey := s.deriver.PaymentKeypair(order.OrderID)
	if paymentKey.Address() != order.PaymentAddress {
		logger.Warn().
			Str("stored", order.PaymentAddress).
			Str("derived", paymentKey.Address()).
			Msg("payment address mismatch, skipping order")
		return outcomeSkipped, nil
	}

	balance, err := s.gw.NativeBalance(order.PaymentAddress)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("balance query: %w", err)
	}

	if balance < s.cfg.MinSweepLamports {
		return outcomeSkipped, nil
	}

	// Underpaid orders wait for more funds; only matters before the first
	// leg lands, afterwards the balance has already been reduced by it.
	if !receipt.Started() && balance+s.cfg.UnderpayTolerance < order.TotalCost {
		logger.Debug().
			Uint64("balance", balance).
			Uint64("expected", order.TotalCost).
			Msg("payment below expected cost, waiting")
		return outcomeSkipped, nil
	}

	// On a retry pass one leg may already have landed, in which case the
	// whole remaining balance belongs to the missing leg: the split was
	// taken from the original balance, so it must not be recomputed from
	// what is left.
	var serviceFee, opsAmount uint64
	switch {
	case receipt.OpsSig != "":
		if balance <= s.cfg.NetworkFeeReserve {
			return outcomeSkipped, nil
		}
		serviceFee = balance - s.cfg.NetworkFeeReserve
	case receipt.FeeSig != "":
		if balance <= s.cfg.NetworkFeeReserve {
			return outcomeSkipped, nil
		}
		opsAmount = balance - s.cfg.NetworkFeeReserve
	default:
		serviceFee = balance * uint64(s.cfg.FeeRateBps) / 10_000
		if balance <= serviceFee+s.cfg.NetworkFeeReserve {
			return outcomeSkipped, nil
		}
		opsAmount = balance - serviceFee - s.cfg.NetworkFeeReserve
	}

	transferred := false
	var legErr error

	if receipt.FeeSig == "" {
		if serviceFee == 0 {
			// A zero fee rate leaves nothing to collect; mark the leg
			// satisfied so the receipt can still complete.
			receipt.FeeSig = legNone
			transferred = true
		} else {
			sig, err := s.gw.Transfer(paymentKey, s.feesTreasury, serviceFee)
			if err != nil {
				legErr = fmt.Errorf("fee leg: %w", err)
			} else {
				receipt.FeeSig = sig
				transferred = true
				logger.Info().Uint64("lamports", serviceFee).Str("signature", sig).Msg("service fee swept")
			}
		}
	}

	// The ops leg is attempted even when the fee leg failed; the legs are
	// independent and each records its own signature.
	if receipt.OpsSig == "" {
		budgetAddr := s.deriver.OpsBudgetKeypair(order.OrderID).Address()
		sig, err := s.gw.Transfer(paymentKey, budgetAddr, opsAmount)
		if err != nil {
			if legErr != nil {
				legErr = fmt.Errorf("%v; ops leg: %w", legErr, err)
			} else {
				legErr = fmt.Errorf("ops leg: %w", err)
			}
		} else {
			receipt.OpsSig = sig
			transferred = true
			logger.Info().
				Uint64("lamports", opsAmount).
				Str("budget_address", budgetAddr).
				Str("signature", sig).
				Msg("operations budget funded")
		}
	}

	if transferred {
		order.PaymentSignature = receipt.String()
		if receipt.Complete() && order.Status == types.OrderStatusPendingPayment {
			order.Status = types.OrderStatusPaymentConfirmed
		}
		if err := s.db.UpdateOrder(order); err != nil {
			// The transfers landed but the receipt write failed; the next
			// pass re-reads balances and the unique signatures keep the
			// ledger consistent.
			return outcomePartial, fmt.Errorf("record receipt: %w", err)
		}
	}

	if legErr != nil {
		return outcomePartial, legErr
	}
	if receipt.Complete() && transferred {
		return outcomeSwept, nil
	}
	return outcomeSkipped, nil
}

// GinHandlers contains HTTP handlers for the sweep trigger surface
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// RunPassHandler handles POST requests from the periodic sweep trigger.
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
