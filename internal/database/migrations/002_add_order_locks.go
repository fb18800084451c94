package migrations

import (
	"github.com/ksred/volume-engine/internal/types"
	"gorm.io/gorm"
)

// AddOrderLocks adds the lock_version column used by the scheduler to claim
// an order before mutating its tasks. Claims are a conditional update on the
// stored version, so overlapping passes cannot work the same order twice.
func AddOrderLocks(db *gorm.DB) error {
	return db.AutoMigrate(&types.Order{})
}
