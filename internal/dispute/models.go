package dispute

import (
	"time"

	"gorm.io/gorm"
)

// Vote choices.
const (
	ChoiceClient    = "CLIENT"
	ChoicePerformer = "PERFORMER"
)

// Finalize outcomes.
const (
	OutcomeClient    = "CLIENT_FAVORED"
	OutcomePerformer = "PERFORMER_FAVORED"
)

// Vote records one arbiter's vote on one order. The composite unique index
// backs the one-vote-per-voter rule.
type Vote struct {
	gorm.Model `json:"-"`
	OrderID    uint64    `gorm:"uniqueIndex:idx_vote_order_voter" json:"order_id"`
	Voter      string    `gorm:"uniqueIndex:idx_vote_order_voter" json:"voter"`
	Choice     string    `json:"choice"` // CLIENT or PERFORMER
	CreatedAt  time.Time `json:"created_at"`
}

// FinalizeResult reports how a dispute was settled.
type FinalizeResult struct {
	OrderID        uint64 `json:"order_id"`
	Outcome        string `json:"outcome"`
	PerformerPart  int64  `json:"performer_part,omitempty"`
	PlatformPart   int64  `json:"platform_part,omitempty"`
	ReferrerPart   int64  `json:"referrer_part,omitempty"`
	AmountReturned int64  `json:"amount_returned,omitempty"`
	VotesClient    uint32 `json:"votes_client"`
	VotesPerformer uint32 `json:"votes_performer"`
}
