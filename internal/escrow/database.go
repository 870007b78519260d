package escrow

import (
	"errors"
	"time"

	"github.com/ksred/escrow-api/internal/errs"
	"github.com/ksred/escrow-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetOrder(orderID uint64) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func getOrderTx(tx *gorm.DB, orderID uint64) (*types.Order, error) {
	var order types.Order
	if err := tx.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// ListFundedPastDeadline returns orders still FUNDED whose execution
// deadline has elapsed. Candidates only: the sweeper re-validates each
// order under its lock before transitioning it.
func (d *Database) ListFundedPastDeadline(now time.Time) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.
		Where("status = ? AND execution_deadline <= ?", types.StatusFunded, now).
		Find(&orders).Error
	return orders, err
}

// ListDisputedPastWindow returns orders still DISPUTED whose dispute was
// opened at or before the cutoff.
func (d *Database) ListDisputedPastWindow(cutoff time.Time) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.
		Where("status = ? AND dispute_opened_at <= ?", types.StatusDisputed, cutoff).
		Find(&orders).Error
	return orders, err
}

func (d *Database) transaction(fn func(tx *gorm.DB) error) error {
	return d.db.Transaction(fn)
}
