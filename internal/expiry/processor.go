// Package expiry forces terminal transitions on orders whose deadlines
// have elapsed, so no order can remain in limbo indefinitely.
package expiry

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/escrow-api/internal/escrow"
	"github.com/ksred/escrow-api/internal/events"
	"github.com/ksred/escrow-api/internal/types"
	"github.com/ksred/escrow-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const DefaultSweepInterval = time.Minute

// errNotEligible aborts a sweep mutation when re-validation under the
// order lock finds the order already transitioned by a concurrent caller.
var errNotEligible = errors.New("order no longer eligible for sweep")

// Options configures the sweeper.
type Options struct {
	// DisputeWindow must match the arbiter's window so stale disputes get
	// the same default-refund outcome as a finalize tie.
	DisputeWindow time.Duration
	// SweepInterval overrides DefaultSweepInterval when positive.
	SweepInterval time.Duration
}

// Processor periodically sweeps expired orders. Sweep is also callable
// directly and is safe to run repeatedly and concurrently with itself.
type Processor struct {
	ledger        *escrow.Service
	disputeWindow time.Duration
	sweepInterval time.Duration
	nowFunc       func() time.Time
}

func NewProcessor(ledger *escrow.Service, opts Options) *Processor {
	interval := opts.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	return &Processor{
		ledger:        ledger,
		disputeWindow: opts.DisputeWindow,
		sweepInterval: interval,
		nowFunc:       time.Now,
	}
}

// SetNowFunc replaces the wall-clock source. Tests use this to move time.
func (p *Processor) SetNowFunc(now func() time.Time) {
	p.nowFunc = now
}

// Start begins the sweep loop, stopping on context cancellation.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "expiry_processor").Logger()
	logger.Info().Msg("starting expiry processor")

	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down expiry processor")
			return
		case <-ticker.C:
			swept, err := p.Sweep()
			if err != nil {
				logger.Error().Err(err).Msg("sweep failed")
				continue
			}
			if len(swept) > 0 {
				logger.Info().Ints64("order_ids", toInt64s(swept)).Msg("swept expired orders")
			}
		}
	}
}

// Sweep transitions every order past its deadline and returns the ids it
// moved. FUNDED orders past their execution deadline are refunded in full
// and marked EXPIRED; DISPUTED orders past the dispute window with no
// finalize get the default client refund. Candidates are re-validated
// under the order lock immediately before mutation.
func (p *Processor) Sweep() ([]uint64, error) {
	now := p.nowFunc()
	var swept []uint64

	expired, err := p.ledger.DB().ListFundedPastDeadline(now)
	if err != nil {
		return swept, err
	}
	for i := range expired {
		orderID := expired[i].OrderID
		if p.sweepOne(orderID, now, p.expireFunded) {
			swept = append(swept, orderID)
		}
	}

	stale, err := p.ledger.DB().ListDisputedPastWindow(now.Add(-p.disputeWindow))
	if err != nil {
		return swept, err
	}
	for i := range stale {
		orderID := stale[i].OrderID
		if p.sweepOne(orderID, now, p.refundStaleDispute) {
			swept = append(swept, orderID)
		}
	}

	return swept, nil
}

type sweepFn func(tx *gorm.DB, order *types.Order, now time.Time) (events.Event, error)

func (p *Processor) sweepOne(orderID uint64, now time.Time, fn sweepFn) bool {
	err := p.ledger.Mutate(orderID, func(tx *gorm.DB, order *types.Order) ([]events.Event, error) {
		evt, err := fn(tx, order, now)
		if err != nil {
			return nil, err
		}
		return []events.Event{evt}, nil
	})
	if err != nil {
		if !errors.Is(err, errNotEligible) {
			log.Error().
				Err(err).
				Uint64("order_id", orderID).
				Str("component", "expiry_processor").
				Msg("failed to sweep order")
		}
		return false
	}
	return true
}

func (p *Processor) expireFunded(tx *gorm.DB, order *types.Order, now time.Time) (events.Event, error) {
	if order.Status != types.StatusFunded || order.ExecutionDeadline.After(now) {
		return nil, errNotEligible
	}
	return p.ledger.RefundFull(tx, order, types.StatusExpired)
}

func (p *Processor) refundStaleDispute(tx *gorm.DB, order *types.Order, now time.Time) (events.Event, error) {
	if order.Status != types.StatusDisputed || order.DisputeOpenedAt == nil {
		return nil, errNotEligible
	}
	if order.DisputeOpenedAt.Add(p.disputeWindow).After(now) {
		return nil, errNotEligible
	}
	return p.ledger.RefundFull(tx, order, types.StatusRefunded)
}

func toInt64s(ids []uint64) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

// GinHandlers contains HTTP handlers for sweep endpoints
type GinHandlers struct {
	processor *Processor
}

func NewGinHandlers(processor *Processor) *GinHandlers {
	return &GinHandlers{
		processor: processor,
	}
}

// SweepHandler handles POST requests triggering an immediate sweep
func (h *GinHandlers) SweepHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		swept, err := h.processor.Sweep()
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		if swept == nil {
			swept = []uint64{}
		}
		response.Success(c, gin.H{"transitioned": swept})
	}
}
