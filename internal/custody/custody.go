// Package custody holds account balances and per-order escrow funds. All
// mutating methods run inside a caller-supplied transaction so an order
// transition and its transfers commit or roll back together.
package custody

import (
	"errors"
	"fmt"
	"time"

	"github.com/ksred/escrow-api/internal/errs"
	"gorm.io/gorm"
)

var (
	ErrNoEscrowBalance = errors.New("no escrow balance for order")
	ErrValueMismatch   = errors.New("transfers do not match escrowed amount")
)

// Account is a party's available balance in minor units.
type Account struct {
	gorm.Model `json:"-"`
	Identity   string    `gorm:"uniqueIndex" json:"identity"`
	Balance    int64     `json:"balance"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EscrowBalance is the amount held in custody for one order.
type EscrowBalance struct {
	gorm.Model `json:"-"`
	OrderID    uint64    `gorm:"uniqueIndex" json:"order_id"`
	Amount     int64     `json:"amount"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Transfer is one credit leg of a release out of escrow.
type Transfer struct {
	Identity string
	Amount   int64
}

type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Seed credits an account outside any escrow flow. Used at startup, by the
// simulator and by tests to fund clients.
func (l *Ledger) Seed(identity string, amount int64) error {
	return credit(l.db, identity, amount)
}

// Balance returns the available balance for an identity. Unknown identities
// have a zero balance.
func (l *Ledger) Balance(identity string) (int64, error) {
	var account Account
	if err := l.db.Where("identity = ?", identity).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return account.Balance, nil
}

// EscrowedAmount returns the amount currently held for an order, zero once
// released.
func (l *Ledger) EscrowedAmount(orderID uint64) (int64, error) {
	var escrow EscrowBalance
	if err := l.db.Where("order_id = ?", orderID).First(&escrow).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return escrow.Amount, nil
}

// DebitToEscrow moves amount from the client's available balance into the
// order's escrow balance. Fails with errs.ErrInsufficientFunds without touching
// anything when the balance does not cover the amount.
func (l *Ledger) DebitToEscrow(tx *gorm.DB, client string, orderID uint64, amount int64) error {
	result := tx.Model(&Account{}).
		Where("identity = ? AND balance >= ?", client, amount).
		Update("balance", gorm.Expr("balance - ?", amount))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errs.ErrInsufficientFunds
	}

	escrow := EscrowBalance{
		OrderID: orderID,
		Amount:  amount,
	}
	if err := tx.Create(&escrow).Error; err != nil {
		return fmt.Errorf("create escrow balance: %w", err)
	}

	return nil
}

// ReleaseFromEscrow pays the order's escrowed funds out across the given
// transfers. The transfers must sum exactly to the escrowed amount; zero
// legs are skipped. The escrow row is deleted so a second release finds
// nothing to pay.
func (l *Ledger) ReleaseFromEscrow(tx *gorm.DB, orderID uint64, transfers []Transfer) error {
	var escrow EscrowBalance
	if err := tx.Where("order_id = ?", orderID).First(&escrow).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoEscrowBalance
		}
		return err
	}

	var total int64
	for _, t := range transfers {
		total += t.Amount
	}
	if total != escrow.Amount {
		return fmt.Errorf("%w: escrowed %d, transfers %d", ErrValueMismatch, escrow.Amount, total)
	}

	for _, t := range transfers {
		if t.Amount == 0 {
			continue
		}
		if err := credit(tx, t.Identity, t.Amount); err != nil {
			return err
		}
	}

	if err := tx.Unscoped().Delete(&escrow).Error; err != nil {
		return fmt.Errorf("clear escrow balance: %w", err)
	}

	return nil
}

func credit(tx *gorm.DB, identity string, amount int64) error {
	result := tx.Model(&Account{}).
		Where("identity = ?", identity).
		Update("balance", gorm.Expr("balance + ?", amount))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	account := Account{
		Identity: identity,
		Balance:  amount,
	}
	return tx.Create(&account).Error
}
