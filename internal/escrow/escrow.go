// Package escrow owns the order ledger: order records, the status state
// machine and custody accounting. All other components mutate orders
// through this package so every transition happens under the order's lock,
// inside one transaction.
package escrow

import (
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/escrow-api/internal/custody"
	"github.com/ksred/escrow-api/internal/errs"
	"github.com/ksred/escrow-api/internal/events"
	"github.com/ksred/escrow-api/internal/settlement"
	"github.com/ksred/escrow-api/internal/signature"
	"github.com/ksred/escrow-api/internal/types"
	"github.com/ksred/escrow-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// DefaultExecutionDeadline is how long a performer has to produce a signed
// completion before the order becomes sweepable.
const DefaultExecutionDeadline = 72 * time.Hour

// Options configures the ledger.
type Options struct {
	// PlatformTreasury receives the platform share of every payout.
	PlatformTreasury string
	// ExecutionDeadline overrides DefaultExecutionDeadline when positive.
	ExecutionDeadline time.Duration
}

// Service is the order ledger.
type Service struct {
	db                *Database
	custody           *custody.Ledger
	verifier          *signature.Verifier
	bus               *events.Bus
	locks             *lockTable
	platformTreasury  string
	executionDeadline time.Duration
	nowFunc           func() time.Time
}

func NewService(gormDB *gorm.DB, ledger *custody.Ledger, verifier *signature.Verifier, bus *events.Bus, opts Options) *Service {
	deadline := opts.ExecutionDeadline
	if deadline <= 0 {
		deadline = DefaultExecutionDeadline
	}

	return &Service{
		db:                NewDatabase(gormDB),
		custody:           ledger,
		verifier:          verifier,
		bus:               bus,
		locks:             newLockTable(),
		platformTreasury:  opts.PlatformTreasury,
		executionDeadline: deadline,
		nowFunc:           time.Now,
	}
}

// SetNowFunc replaces the wall-clock source. Tests use this to move time.
func (s *Service) SetNowFunc(now func() time.Time) {
	s.nowFunc = now
}

// Now returns the ledger's current wall-clock time.
func (s *Service) Now() time.Time {
	return s.nowFunc()
}

// DB exposes the read side of the ledger for sibling services.
func (s *Service) DB() *Database {
	return s.db
}

// CreateOrder debits amount from the client into custody and inserts a
// FUNDED order. The id is caller-supplied and must be unused.
func (s *Service) CreateOrder(orderID uint64, client, performer, referrer string, amount int64) (*types.Order, error) {
	logger := log.With().
		Uint64("order_id", orderID).
		Str("service", "escrow").
		Logger()

	if amount <= 0 {
		return nil, errs.ErrInvalidAmount
	}
	if !signature.IsWellFormedAddress(client) || !signature.IsWellFormedAddress(performer) {
		return nil, errs.ErrInvalidParty
	}
	if performer == client {
		return nil, errs.ErrInvalidParty
	}
	if referrer != "" && !signature.IsWellFormedAddress(referrer) {
		return nil, errs.ErrInvalidParty
	}

	l := s.locks.acquire(orderID)
	defer l.Unlock()

	now := s.nowFunc()
	order := &types.Order{
		OrderID:           orderID,
		Client:            client,
		Performer:         performer,
		Referrer:          referrer,
		Amount:            amount,
		Status:            types.StatusFunded,
		ExecutionDeadline: now.Add(s.executionDeadline),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err := s.db.transaction(func(tx *gorm.DB) error {
		if _, err := getOrderTx(tx, orderID); err == nil {
			return errs.ErrDuplicateOrder
		} else if !errors.Is(err, errs.ErrOrderNotFound) {
			return err
		}

		if err := s.custody.DebitToEscrow(tx, client, orderID, amount); err != nil {
			return err
		}

		return tx.Create(order).Error
	})
	if err != nil {
		logger.Error().Err(err).Msg("order creation failed")
		return nil, err
	}

	s.bus.Publish(events.OrderCreated{
		OrderID:   orderID,
		Client:    client,
		Performer: performer,
		Amount:    amount,
		Referrer:  referrer,
	})

	logger.Info().
		Int64("amount", amount).
		Str("client", client).
		Str("performer", performer).
		Msg("order funded")

	return order, nil
}

// GetOrder returns the full order record.
func (s *Service) GetOrder(orderID uint64) (*types.Order, error) {
	return s.db.GetOrder(orderID)
}

// Mutate runs fn against the order under its lock, inside one transaction.
// The order is saved and the returned events published only if fn and the
// commit both succeed, so listeners never observe an uncommitted transition.
func (s *Service) Mutate(orderID uint64, fn func(tx *gorm.DB, order *types.Order) ([]events.Event, error)) error {
	l := s.locks.acquire(orderID)
	defer l.Unlock()

	var pending []events.Event
	err := s.db.transaction(func(tx *gorm.DB) error {
		order, err := getOrderTx(tx, orderID)
		if err != nil {
			return err
		}

		evts, err := fn(tx, order)
		if err != nil {
			return err
		}

		order.UpdatedAt = s.nowFunc()
		if err := tx.Save(order).Error; err != nil {
			return err
		}

		pending = evts
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range pending {
		s.bus.Publish(e)
	}
	return nil
}

// ConfirmCompletion releases the order on a client-accepted completion
// signature. The signature must verify as the performer signing the
// canonical digest for exactly this order on this deployment.
func (s *Service) ConfirmCompletion(orderID uint64, caller string, executorSignature []byte) (*settlement.Split, error) {
	logger := log.With().
		Uint64("order_id", orderID).
		Str("service", "escrow").
		Logger()

	var out settlement.Split
	err := s.Mutate(orderID, func(tx *gorm.DB, order *types.Order) ([]events.Event, error) {
		if order.Client != caller {
			return nil, errs.ErrUnauthorized
		}
		if order.Status != types.StatusFunded {
			return nil, errs.ErrWrongState
		}
		if err := s.verifier.VerifyCompletion(orderID, order.Performer, executorSignature); err != nil {
			return nil, err
		}

		split, evt, err := s.PayoutSplit(tx, order)
		if err != nil {
			return nil, err
		}

		order.ClientConfirmed = true
		out = split
		return []events.Event{evt}, nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("completion confirmation failed")
		return nil, err
	}

	logger.Info().
		Int64("performer_part", out.PerformerPart).
		Int64("platform_part", out.PlatformPart).
		Int64("referrer_part", out.ReferrerPart).
		Msg("order released")

	return &out, nil
}

// OpenDispute moves a FUNDED order to DISPUTED. Only the order's client may
// open a dispute.
func (s *Service) OpenDispute(orderID uint64, caller string) error {
	err := s.Mutate(orderID, func(tx *gorm.DB, order *types.Order) ([]events.Event, error) {
		if order.Client != caller {
			return nil, errs.ErrUnauthorized
		}
		if order.Status != types.StatusFunded {
			return nil, errs.ErrWrongState
		}

		now := s.nowFunc()
		order.Status = types.StatusDisputed
		order.DisputeOpenedAt = &now

		return []events.Event{events.DisputeOpened{OrderID: orderID}}, nil
	})
	if err != nil {
		return err
	}

	log.Info().
		Uint64("order_id", orderID).
		Str("service", "escrow").
		Msg("dispute opened")
	return nil
}

// PayoutSplit moves the escrowed amount out of custody in three parts and
// marks the order RESOLVED. Must run inside Mutate. The transfers sum to
// the order amount exactly; the custody ledger rejects anything else.
func (s *Service) PayoutSplit(tx *gorm.DB, order *types.Order) (settlement.Split, events.Event, error) {
	if types.IsTerminal(order.Status) {
		return settlement.Split{}, nil, errs.ErrWrongState
	}

	split := settlement.ComputeSplit(order.Amount, order.Referrer != "")

	transfers := []custody.Transfer{
		{Identity: order.Performer, Amount: split.PerformerPart},
		{Identity: s.platformTreasury, Amount: split.PlatformPart},
	}
	if order.Referrer != "" {
		transfers = append(transfers, custody.Transfer{Identity: order.Referrer, Amount: split.ReferrerPart})
	}

	if err := s.custody.ReleaseFromEscrow(tx, order.OrderID, transfers); err != nil {
		return settlement.Split{}, nil, err
	}

	order.Status = types.StatusResolved

	evt := events.Released{
		OrderID:       order.OrderID,
		PerformerPart: split.PerformerPart,
		PlatformPart:  split.PlatformPart,
		ReferrerPart:  split.ReferrerPart,
	}
	return split, evt, nil
}

// RefundFull returns the whole escrowed amount to the client and marks the
// order with the given terminal status (REFUNDED or EXPIRED). Must run
// inside Mutate.
func (s *Service) RefundFull(tx *gorm.DB, order *types.Order, terminalStatus string) (events.Event, error) {
	if types.IsTerminal(order.Status) {
		return nil, errs.ErrWrongState
	}

	transfers := []custody.Transfer{
		{Identity: order.Client, Amount: order.Amount},
	}
	if err := s.custody.ReleaseFromEscrow(tx, order.OrderID, transfers); err != nil {
		return nil, err
	}

	order.Status = terminalStatus

	return events.Refunded{
		OrderID:        order.OrderID,
		AmountReturned: order.Amount,
	}, nil
}

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderRequest funds a new order. The client is the authenticated
// caller; the body names the counterparties.
type CreateOrderRequest struct {
	OrderID   uint64 `json:"order_id" binding:"required"`
	Performer string `json:"performer" binding:"required"`
	Referrer  string `json:"referrer"`
	Amount    int64  `json:"amount" binding:"required"`
}

// ConfirmCompletionRequest carries the performer's completion signature,
// hex encoded.
type ConfirmCompletionRequest struct {
	ExecutorSignature string `json:"executor_signature" binding:"required"`
}

// CreateOrderHandler handles POST requests to fund new orders
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetString("identity")
		if caller == "" {
			response.Unauthorized(c, "Missing caller identity")
			return
		}

		var req CreateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.CreateOrder(req.OrderID, caller, req.Performer, req.Referrer, req.Amount)
		response.Handle(c, order, err)
	}
}

// GetOrderHandler handles GET requests for the full order record
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := orderIDParam(c)
		if !ok {
			return
		}

		order, err := h.service.GetOrder(orderID)
		response.Handle(c, order, err)
	}
}

// ConfirmCompletionHandler handles POST requests accepting a performer's
// signed completion
func (h *GinHandlers) ConfirmCompletionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetString("identity")
		if caller == "" {
			response.Unauthorized(c, "Missing caller identity")
			return
		}

		orderID, ok := orderIDParam(c)
		if !ok {
			return
		}

		var req ConfirmCompletionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		sig, err := hex.DecodeString(req.ExecutorSignature)
		if err != nil {
			response.BadRequest(c, "executor_signature must be hex encoded")
			return
		}

		split, err := h.service.ConfirmCompletion(orderID, caller, sig)
		response.Handle(c, split, err)
	}
}

// OpenDisputeHandler handles POST requests opening a dispute
func (h *GinHandlers) OpenDisputeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetString("identity")
		if caller == "" {
			response.Unauthorized(c, "Missing caller identity")
			return
		}

		orderID, ok := orderIDParam(c)
		if !ok {
			return
		}

		if err := h.service.OpenDispute(orderID, caller); err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"order_id": orderID, "status": types.StatusDisputed})
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
