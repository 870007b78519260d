package types

import (
	"time"

	"gorm.io/gorm"
)

// Order statuses. Transitions only move forward:
// FUNDED -> DISPUTED -> {RESOLVED | REFUNDED}, or FUNDED -> {RESOLVED | EXPIRED}.
const (
	StatusFunded   = "FUNDED"
	StatusDisputed = "DISPUTED"
	StatusResolved = "RESOLVED"
	StatusRefunded = "REFUNDED"
	StatusExpired  = "EXPIRED"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusResolved, StatusRefunded, StatusExpired:
		return true
	}
	return false
}

// Order is an escrow order record. Amounts are integer minor units.
// Referrer is the empty string when no referrer was designated.
type Order struct {
	gorm.Model        `json:"-"`
	OrderID           uint64     `gorm:"uniqueIndex" json:"order_id"`
	Client            string     `json:"client"`
	Performer         string     `json:"performer"`
	Referrer          string     `json:"referrer,omitempty"`
	Amount            int64      `json:"amount"`
	Status            string     `json:"status"` // FUNDED, DISPUTED, RESOLVED, REFUNDED, EXPIRED
	ClientConfirmed   bool       `json:"client_confirmed"`
	DisputeOpenedAt   *time.Time `json:"dispute_opened_at,omitempty"`
	ExecutionDeadline time.Time  `json:"execution_deadline"`
	VotesClient       uint32     `json:"votes_client"`
	VotesPerformer    uint32     `json:"votes_performer"`
	TotalVotes        uint32     `json:"total_votes"`
	FinalizeNonce     uint32     `json:"finalize_nonce"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
