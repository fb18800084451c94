package migrations

import (
	"github.com/ksred/volume-engine/internal/types"
	"gorm.io/gorm"
)

// AddTransactionLedger creates the append-only transaction table. The unique
// index on signature is what prevents double-accounting the same on-chain
// event.
func AddTransactionLedger(db *gorm.DB) error {
	return db.AutoMigrate(&types.Transaction{})
}
