// Package config loads engine configuration from the environment. A .env
// file is honoured when present so secrets can be injected at deploy time
// without shell exports.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the engine. MasterSecret is the only
// required value: without it no wallet can be derived and no fund-moving
// operation may start.
type Config struct {
	Env       string
	Port      string
	DBPath    string
	JWTSecret string

	// MasterSecret is the hex-encoded 32-byte root secret for key
	// derivation. Validated by keys.NewDeriver at startup.
	MasterSecret string

	// FeeRateBps is the service fee taken off each swept payment, in basis
	// points.
	FeeRateBps int

	// MinSweepLamports is the dust threshold below which a payment address
	// is not worth sweeping.
	MinSweepLamports uint64

	// NetworkFeeReserve is held back from the ops leg of a sweep to cover
	// the two transfer fees.
	NetworkFeeReserve uint64

	// UnderpayTolerance is the slack allowed between a payment balance and
	// the order's expected total cost before the sweep treats it as
	// insufficient.
	UnderpayTolerance uint64

	// TradeMinLamports and TradeMaxLamports bound the randomized per-tick
	// buy size.
	TradeMinLamports uint64
	TradeMaxLamports uint64

	// TickFeeBuffer is the native balance a task wallet must hold on top of
	// the trade size to cover swap fees.
	TickFeeBuffer uint64

	// BudgetReserve is never disbursed from a per-order budget wallet, so
	// the budget always retains enough to pay its own transfer fees.
	BudgetReserve uint64

	// RentExemptMin is left behind when residual task-wallet balances are
	// swept back to the operations treasury.
	RentExemptMin uint64

	CyclesPerTask       int
	CostPerTaskLamports uint64

	// RetryCooldown is the due-ness cooldown applied to failed tasks.
	RetryCooldown time.Duration

	SweepInterval    time.Duration
	ScheduleInterval time.Duration

	// DraftTTL is how long an unconfigured draft order stays reusable
	// before it expires.
	DraftTTL time.Duration
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Env:                 "development",
		Port:                "8080",
		DBPath:              "volume.db",
		JWTSecret:           "volume-secret-key",
		FeeRateBps:          500, // 5%
		MinSweepLamports:    100_000,
		NetworkFeeReserve:   10_000,
		UnderpayTolerance:   10_000,
		TradeMinLamports:    50_000_000,  // 0.05 SOL
		TradeMaxLamports:    200_000_000, // 0.2 SOL
		TickFeeBuffer:       1_000_000,
		BudgetReserve:       5_000_000,
		RentExemptMin:       890_880,
		CyclesPerTask:       10,
		CostPerTaskLamports: 500_000_000, // 0.5 SOL
		RetryCooldown:       5 * time.Minute,
		SweepInterval:       2 * time.Minute,
		ScheduleInterval:    1 * time.Minute,
		DraftTTL:            30 * time.Minute,
	}
}

// Load builds the configuration from defaults plus VOLUME_* environment
// overrides. A malformed override is a startup error rather than a silent
// fallback to the default. The returned config has been validated.
func Load() (*Config, error) {
	// Load .env if present; ignore when missing.
	_ = godotenv.Load()

	cfg := Defaults()

	setStr(&cfg.Env, "ENV")
	setStr(&cfg.Port, "PORT")
	setStr(&cfg.DBPath, "VOLUME_DB_PATH")
	setStr(&cfg.JWTSecret, "VOLUME_JWT_SECRET")
	setStr(&cfg.MasterSecret, "VOLUME_MASTER_SECRET")

	for _, err := range []error{
		setInt(&cfg.FeeRateBps, "VOLUME_FEE_RATE_BPS"),
		setUint64(&cfg.MinSweepLamports, "VOLUME_MIN_SWEEP_LAMPORTS"),
		setUint64(&cfg.NetworkFeeReserve, "VOLUME_NETWORK_FEE_RESERVE"),
		setUint64(&cfg.UnderpayTolerance, "VOLUME_UNDERPAY_TOLERANCE"),
		setUint64(&cfg.TradeMinLamports, "VOLUME_TRADE_MIN_LAMPORTS"),
		setUint64(&cfg.TradeMaxLamports, "VOLUME_TRADE_MAX_LAMPORTS"),
		setUint64(&cfg.TickFeeBuffer, "VOLUME_TICK_FEE_BUFFER"),
		setUint64(&cfg.BudgetReserve, "VOLUME_BUDGET_RESERVE"),
		setUint64(&cfg.RentExemptMin, "VOLUME_RENT_EXEMPT_MIN"),
		setInt(&cfg.CyclesPerTask, "VOLUME_CYCLES_PER_TASK"),
		setUint64(&cfg.CostPerTaskLamports, "VOLUME_COST_PER_TASK_LAMPORTS"),
		setDuration(&cfg.RetryCooldown, "VOLUME_RETRY_COOLDOWN"),
		setDuration(&cfg.SweepInterval, "VOLUME_SWEEP_INTERVAL"),
		setDuration(&cfg.ScheduleInterval, "VOLUME_SCHEDULE_INTERVAL"),
		setDuration(&cfg.DraftTTL, "VOLUME_DRAFT_TTL"),
	} {
		if err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the startup invariants that are cheap to check without
// deriving keys. The master secret itself is validated by keys.NewDeriver.
func (c *Config) Validate() error {
	if c.MasterSecret == "" {
		return fmt.Errorf("config: VOLUME_MASTER_SECRET is required")
	}
	if c.FeeRateBps < 0 || c.FeeRateBps >= 10_000 {
		return fmt.Errorf("config: fee rate %d bps out of range [0, 10000)", c.FeeRateBps)
	}
	if c.TradeMinLamports == 0 || c.TradeMaxLamports < c.TradeMinLamports {
		return fmt.Errorf("config: invalid trade size band [%d, %d]", c.TradeMinLamports, c.TradeMaxLamports)
	}
	if c.CyclesPerTask < 1 {
		return fmt.Errorf("config: cycles per task must be at least 1, got %d", c.CyclesPerTask)
	}
	if c.CostPerTaskLamports == 0 {
		return fmt.Errorf("config: cost per task must be positive")
	}
	return nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: invalid integer %q", key, v)
	}
	*dst = n
	return nil
}

func setUint64(dst *uint64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: %s: invalid unsigned integer %q", key, v)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: invalid duration %q", key, v)
	}
	*dst = d
	return nil
}
