package database

import (
	"github.com/ksred/escrow-api/internal/custody"
	"github.com/ksred/escrow-api/internal/dispute"
	"github.com/ksred/escrow-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase() (*gorm.DB, error) {
	return Open("escrow.db")
}

// Open connects to the given sqlite DSN and migrates the escrow schema.
// Tests pass an in-memory DSN.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&types.Order{},
		&dispute.Vote{},
		&custody.Account{},
		&custody.EscrowBalance{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
