package orders

import (
	"errors"
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

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByOrderIDAndUserID(orderID, userID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ? AND user_id = ?", orderID, userID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// GetActiveDraft returns the user's unexpired pending-payment order, if any.
// The service guarantees at most one exists at a time.
func (d *Database) GetActiveDraft(userID string, now time.Time) (*types.Order, error) {
	var order types.Order
	err := d.db.
		Where("user_id = ? AND status = ? AND expires_at > ?", userID, types.OrderStatusPendingPayment, now).
		Order("created_at DESC").
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) UpdateOrder(order *types.Order) error {
	order.UpdatedAt = time.Now()
	return d.db.Save(order).Error
}

// GetStaleDrafts returns pending-payment orders whose expiry has passed and
// whose token was never configured.
func (d *Database) GetStaleDrafts(now time.Time) ([]types.Order, error) {
	var stale []types.Order
	err := d.db.
		Where("status = ? AND token_address = ? AND expires_at <= ?",
			types.OrderStatusPendingPayment, types.TokenPlaceholder, now).
		Find(&stale).Error
	if err != nil {
		return nil, err
	}
	return stale, nil
}

func (d *Database) GetTasksByOrder(orderID string) ([]types.Task, error) {
	var tasks []types.Task
	if err := d.db.Where("order_id = ?", orderID).Order("created_at ASC").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// ForceTaskStatus moves every task of an order in status from to status to.
// Used when an order is completed with stragglers still marked running.
func (d *Database) ForceTaskStatus(orderID, from, to string) error {
	return d.db.Model(&types.Task{}).
		Where("order_id = ? AND status = ?", orderID, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now(),
		}).Error
}

// DeleteOrder removes an order and its tasks in one transaction. Only drafts
// may be deleted; the service enforces the status precondition.
func (d *Database) DeleteOrder(orderID string) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Where("order_id = ?", orderID).Delete(&types.Task{}).Error; err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Where("order_id = ?", orderID).Delete(&types.Order{}).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}
