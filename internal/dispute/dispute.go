// Package dispute manages vote casting and dispute finalization on top of
// the order ledger.
package dispute

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/escrow-api/internal/errs"
	"github.com/ksred/escrow-api/internal/escrow"
	"github.com/ksred/escrow-api/internal/events"
	"github.com/ksred/escrow-api/internal/types"
	"github.com/ksred/escrow-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var ErrInvalidChoice = errors.New("vote choice must be CLIENT or PERFORMER")

const (
	// DefaultDisputeWindow is how long a dispute stays open before it may
	// be finalized without quorum. Matches the countdown shown to users.
	DefaultDisputeWindow = 24 * time.Hour

	// DefaultQuorum is the vote participation that makes a dispute
	// finalizable before its window elapses.
	DefaultQuorum = 5
)

// Roster is the arbitration participant allow-list.
type Roster interface {
	IsArbiter(identity string) bool
}

// StaticRoster is an in-memory Roster populated at startup.
type StaticRoster struct {
	members map[string]struct{}
}

func NewStaticRoster(identities ...string) *StaticRoster {
	r := &StaticRoster{members: make(map[string]struct{})}
	for _, id := range identities {
		r.members[id] = struct{}{}
	}
	return r
}

func (r *StaticRoster) Add(identity string) {
	r.members[identity] = struct{}{}
}

func (r *StaticRoster) IsArbiter(identity string) bool {
	_, ok := r.members[identity]
	return ok
}

// Options configures the arbiter.
type Options struct {
	DisputeWindow time.Duration
	Quorum        uint32
}

// Service tallies votes and finalizes disputes. All order mutation goes
// through the ledger so vote counters and payouts stay single-writer.
type Service struct {
	ledger  *escrow.Service
	roster  Roster
	window  time.Duration
	quorum  uint32
	nowFunc func() time.Time
}

func NewService(ledger *escrow.Service, roster Roster, opts Options) *Service {
	window := opts.DisputeWindow
	if window <= 0 {
		window = DefaultDisputeWindow
	}
	quorum := opts.Quorum
	if quorum == 0 {
		quorum = DefaultQuorum
	}

	return &Service{
		ledger:  ledger,
		roster:  roster,
		window:  window,
		quorum:  quorum,
		nowFunc: time.Now,
	}
}

// SetNowFunc replaces the wall-clock source. Tests use this to move time.
func (s *Service) SetNowFunc(now func() time.Time) {
	s.nowFunc = now
}

// Window returns the configured dispute window.
func (s *Service) Window() time.Duration {
	return s.window
}

// CastVote records one arbiter vote on a disputed order. A voter gets one
// vote per order; the order's own principals may not vote even when they
// sit on the roster.
func (s *Service) CastVote(orderID uint64, voter, choice string) error {
	if choice != ChoiceClient && choice != ChoicePerformer {
		return ErrInvalidChoice
	}

	err := s.ledger.Mutate(orderID, func(tx *gorm.DB, order *types.Order) ([]events.Event, error) {
		if order.Status != types.StatusDisputed {
			return nil, errs.ErrWrongState
		}
		if !s.roster.IsArbiter(voter) {
			return nil, errs.ErrUnauthorizedVoter
		}
		if voter == order.Client || voter == order.Performer {
			return nil, errs.ErrUnauthorizedVoter
		}

		var existing int64
		if err := tx.Model(&Vote{}).
			Where("order_id = ? AND voter = ?", orderID, voter).
			Count(&existing).Error; err != nil {
			return nil, err
		}
		if existing > 0 {
			return nil, errs.ErrAlreadyVoted
		}

		vote := Vote{
			OrderID: orderID,
			Voter:   voter,
			Choice:  choice,
		}
		if err := tx.Create(&vote).Error; err != nil {
			return nil, err
		}

		switch choice {
		case ChoiceClient:
			order.VotesClient++
		case ChoicePerformer:
			order.VotesPerformer++
		}
		order.TotalVotes++

		return nil, nil
	})
	if err != nil {
		return err
	}

	log.Info().
		Uint64("order_id", orderID).
		Str("voter", voter).
		Str("choice", choice).
		Str("service", "dispute").
		Msg("vote cast")
	return nil
}

// Finalize settles a disputed order once quorum is reached or the dispute
// window has elapsed. Majority decides; a tie refunds the client. The
// finalize nonce guards against a tally ever paying out twice.
func (s *Service) Finalize(orderID uint64) (*FinalizeResult, error) {
	logger := log.With().
		Uint64("order_id", orderID).
		Str("service", "dispute").
		Logger()

	var result FinalizeResult
	err := s.ledger.Mutate(orderID, func(tx *gorm.DB, order *types.Order) ([]events.Event, error) {
		if order.Status != types.StatusDisputed {
			if order.FinalizeNonce > 0 {
				return nil, errs.ErrAlreadyFinalized
			}
			return nil, errs.ErrWrongState
		}

		if !s.ready(order) {
			return nil, errs.ErrNotReady
		}

		result = FinalizeResult{
			OrderID:        orderID,
			VotesClient:    order.VotesClient,
			VotesPerformer: order.VotesPerformer,
		}

		var evt events.Event
		if order.VotesPerformer > order.VotesClient {
			split, released, err := s.ledger.PayoutSplit(tx, order)
			if err != nil {
				return nil, err
			}
			result.Outcome = OutcomePerformer
			result.PerformerPart = split.PerformerPart
			result.PlatformPart = split.PlatformPart
			result.ReferrerPart = split.ReferrerPart
			evt = released
		} else {
			refunded, err := s.ledger.RefundFull(tx, order, types.StatusRefunded)
			if err != nil {
				return nil, err
			}
			result.Outcome = OutcomeClient
			result.AmountReturned = order.Amount
			evt = refunded
		}

		order.FinalizeNonce++

		return []events.Event{evt}, nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("finalize failed")
		return nil, err
	}

	logger.Info().
		Str("outcome", result.Outcome).
		Uint32("votes_client", result.VotesClient).
		Uint32("votes_performer", result.VotesPerformer).
		Msg("dispute finalized")

	return &result, nil
}

func (s *Service) ready(order *types.Order) bool {
	if order.TotalVotes >= s.quorum {
		return true
	}
	if order.DisputeOpenedAt == nil {
		return false
	}
	return !s.nowFunc().Before(order.DisputeOpenedAt.Add(s.window))
}

// GinHandlers contains HTTP handlers for dispute endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CastVoteRequest carries one vote. The voter is the authenticated caller.
type CastVoteRequest struct {
	Choice string `json:"choice" binding:"required"`
}

// CastVoteHandler handles POST requests casting arbiter votes
func (h *GinHandlers) CastVoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		voter := c.GetString("identity")
		if voter == "" {
			response.Unauthorized(c, "Missing caller identity")
			return
		}

		orderID, ok := orderIDParam(c)
		if !ok {
			return
		}

		var req CastVoteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.service.CastVote(orderID, voter, req.Choice); err != nil {
			if errors.Is(err, ErrInvalidChoice) {
				response.BadRequest(c, err.Error())
				return
			}
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"order_id": orderID, "choice": req.Choice})
	}
}

// FinalizeHandler handles POST requests settling a dispute
func (h *GinHandlers) FinalizeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := orderIDParam(c)
		if !ok {
			return
		}

		result, err := h.service.Finalize(orderID)
		response.Handle(c, result, err)
	}
}

func orderIDParam(c *gin.Context) (uint64, bool) {
	orderID, err := strconv.ParseUint(c.Param("order_id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "order_id must be a positive integer")
		return 0, false
	}
	return orderID, true
}
