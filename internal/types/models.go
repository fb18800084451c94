package types

import (
	"time"

	"gorm.io/gorm"
)

// Order statuses. Transitions only move forward along
// pending_payment -> payment_confirmed -> running -> completed, with side
// exits to cancelled (pending_payment only), failed (any non-terminal state)
// and expired (abandoned drafts). running may bounce through paused.
const (
	OrderStatusPendingPayment   = "pending_payment"
	OrderStatusPaymentConfirmed = "payment_confirmed"
	OrderStatusRunning          = "running"
	OrderStatusPaused           = "paused"
	OrderStatusCompleted        = "completed"
	OrderStatusCancelled        = "cancelled"
	OrderStatusFailed           = "failed"
	OrderStatusExpired          = "expired"
)

// Task statuses.
const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// Transaction legs.
const (
	TransactionTypeBuy  = "buy"
	TransactionTypeSell = "sell"
)

// Transaction statuses.
const (
	TransactionStatusConfirmed = "confirmed"
	TransactionStatusFailed    = "failed"
)

// TokenPlaceholder marks a draft order whose token and pool have not been
// selected yet.
const TokenPlaceholder = "pending"

// Order is a volume-generation order. PaymentAddress holds only the derived
// public key; the corresponding private key is reconstructed from the master
// secret on demand and never stored. PaymentSignature carries the user's
// payment reference until the sweep runs, after which it holds the sweep
// receipt (fee and ops transfer signatures).
type Order struct {
	gorm.Model       `json:"-"`
	OrderID          string     `gorm:"uniqueIndex" json:"order_id"`
	UserID           string     `gorm:"index" json:"user_id"`
	TokenAddress     string     `json:"token_address"`
	PoolAddress      string     `json:"pool_address"`
	VolumeTarget     float64    `json:"volume_target"` // USD notional
	DurationHours    int        `json:"duration_hours"`
	TasksCount       int        `json:"tasks_count"`
	CostPerTask      uint64     `json:"cost_per_task"` // lamports
	TotalCost        uint64     `json:"total_cost"`    // lamports
	Status           string     `gorm:"index" json:"status"`
	PaymentAddress   string     `json:"payment_address"`
	PaymentSignature string     `json:"payment_signature,omitempty"`
	LockVersion      int        `json:"-"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Task is one ephemeral trading wallet working a share of an order's volume
// target. WalletAddress is deterministically derived from the task ID so the
// wallet remains spendable across restarts.
type Task struct {
	gorm.Model        `json:"-"`
	TaskID            string     `gorm:"uniqueIndex" json:"task_id"`
	OrderID           string     `gorm:"index" json:"order_id"`
	WalletAddress     string     `json:"wallet_address"`
	Status            string     `gorm:"index" json:"status"`
	TargetVolume      float64    `json:"target_volume"`
	CurrentVolume     float64    `json:"current_volume"`
	IntervalMinutes   int        `json:"interval_minutes"`
	CyclesCompleted   int        `json:"cycles_completed"`
	TotalCycles       int        `json:"total_cycles"`
	LastTransactionAt *time.Time `json:"last_transaction_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Transaction is the append-only record of one executed or attempted swap
// leg. Failed attempts get a synthetic unique signature so retries stay
// distinguishable.
type Transaction struct {
	gorm.Model     `json:"-"`
	TaskID         string    `gorm:"index" json:"task_id"`
	Signature      string    `gorm:"uniqueIndex" json:"signature"`
	Type           string    `json:"type"` // buy or sell
	AmountLamports uint64    `json:"amount_lamports"`
	AmountTokens   uint64    `json:"amount_tokens"` // token base units
	Price          float64   `json:"price"`
	Status         string    `json:"status"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
