package scheduler

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

func (d *Database) GetOrdersByStatus(status string) ([]types.Order, error) {
	var orders []types.Order
	if err := d.db.Where("status = ?", status).Order("created_at ASC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// ClaimOrder bumps the order's lock version only if it still matches the
// version the pass read. A false return means another pass claimed the order
// first and this pass must leave it alone.
func (d *Database) ClaimOrder(orderID string, version int) (bool, error) {
	result := d.db.Model(&types.Order{}).
		Where("order_id = ? AND lock_version = ?", orderID, version).
		Updates(map[string]interface{}{
			"lock_version": version + 1,
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (d *Database) GetTasksByOrder(orderID string) ([]types.Task, error) {
	var tasks []types.Task
	if err := d.db.Where("order_id = ?", orderID).Order("created_at ASC").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (d *Database) CreateTasks(tasks []types.Task) error {
	return d.db.Create(&tasks).Error
}

func (d *Database) UpdateTask(task *types.Task) error {
	task.UpdatedAt = time.Now()
	return d.db.Save(task).Error
}

func (d *Database) UpdateOrder(order *types.Order) error {
	order.UpdatedAt = time.Now()
	return d.db.Save(order).Error
}

func (d *Database) CreateTransaction(tx *types.Transaction) error {
	return d.db.Create(tx).Error
}

func (d *Database) GetTransactionsByTask(taskID string) ([]types.Transaction, error) {
	var txs []types.Transaction
	if err := d.db.Where("task_id = ?", taskID).Order("created_at ASC").Find(&txs).Error; err != nil {
		return nil, err
	}
	return txs, nil
}
