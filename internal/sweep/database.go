package sweep

import (
	"time"

	"github.com/ksred/volume-engine/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetSweepCandidates returns orders whose payment address may hold funds
// worth sweeping. Confirmed and running orders stay candidates so an order
// with an incomplete receipt, such as one confirmed manually, still gets its
// remaining leg on a later pass.
func (d *Database) GetSweepCandidates() ([]types.Order, error) {
	var orders []types.Order
	err := d.db.
		Where("status IN ?", []string{
			types.OrderStatusPendingPayment,
			types.OrderStatusPaymentConfirmed,
			types.OrderStatusRunning,
		}).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) UpdateOrder(order *types.Order) error {
	order.UpdatedAt = time.Now()
	return d.db.Save(order).Error
}
