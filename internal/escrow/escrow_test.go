package escrow_test

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ksred/escrow-api/internal/custody"
	"github.com/ksred/escrow-api/internal/database"
	"github.com/ksred/escrow-api/internal/errs"
	"github.com/ksred/escrow-api/internal/escrow"
	"github.com/ksred/escrow-api/internal/events"
	"github.com/ksred/escrow-api/internal/signature"
	"github.com/ksred/escrow-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dbCounter atomic.Uint64

// fixture wires a full ledger against a fresh in-memory database.
type fixture struct {
	ledger  *escrow.Service
	custody *custody.Ledger
	bus     *events.Bus
	keyring *signature.StaticKeyring

	client       string
	performer    string
	performerKey ed25519.PrivateKey
	referrer     string
	treasury     string
}

const (
	testContextID = "testnet"
	testLedgerID  = "escrow-test"
)

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:escrow_test_%d?mode=memory&cache=shared", dbCounter.Add(1))
	db, err := database.Open(dsn)
	require.NoError(t, err)

	keyring := signature.NewStaticKeyring()
	verifier := signature.NewVerifier(testContextID, testLedgerID, keyring)
	bus := events.NewBus()
	custodyLedger := custody.NewLedger(db)

	clientPub, _ := signature.DemoKey("test-client")
	performerPub, performerPriv := signature.DemoKey("test-performer")
	referrerPub, _ := signature.DemoKey("test-referrer")
	treasuryPub, _ := signature.DemoKey("test-treasury")

	f := &fixture{
		custody:      custodyLedger,
		bus:          bus,
		keyring:      keyring,
		client:       keyring.Register(clientPub),
		performer:    keyring.Register(performerPub),
		performerKey: performerPriv,
		referrer:     signature.AddressFromPublicKey(referrerPub),
		treasury:     signature.AddressFromPublicKey(treasuryPub),
	}

	f.ledger = escrow.NewService(db, custodyLedger, verifier, bus, escrow.Options{
		PlatformTreasury: f.treasury,
	})

	require.NoError(t, custodyLedger.Seed(f.client, 1_000_000))
	return f
}

func (f *fixture) completionSig(orderID uint64) []byte {
	return signature.SignCompletion(f.performerKey, testContextID, testLedgerID, orderID)
}

func (f *fixture) balance(t *testing.T, identity string) int64 {
	t.Helper()
	balance, err := f.custody.Balance(identity)
	require.NoError(t, err)
	return balance
}

func TestCreateOrderFundsEscrow(t *testing.T) {
	f := newFixture(t)

	order, err := f.ledger.CreateOrder(101, f.client, f.performer, f.referrer, 5000)
	require.NoError(t, err)

	assert.Equal(t, types.StatusFunded, order.Status)
	assert.Equal(t, int64(1_000_000-5000), f.balance(t, f.client))

	escrowed, err := f.custody.EscrowedAmount(101)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), escrowed)

	got, err := f.ledger.GetOrder(101)
	require.NoError(t, err)
	assert.Equal(t, f.client, got.Client)
	assert.Equal(t, f.performer, got.Performer)
	assert.False(t, got.ClientConfirmed)
	assert.False(t, got.ExecutionDeadline.IsZero())
}

func TestCreateOrderRejectsDuplicateID(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateOrder(101, f.client, f.performer, "", 5000)
	require.NoError(t, err)

	_, err = f.ledger.CreateOrder(101, f.client, f.performer, "", 5000)
	assert.ErrorIs(t, err, errs.ErrDuplicateOrder)

	// The failed attempt must not have debited the client again.
	assert.Equal(t, int64(1_000_000-5000), f.balance(t, f.client))
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateOrder(101, f.client, f.performer, "", 0)
	assert.ErrorIs(t, err, errs.ErrInvalidAmount)

	_, err = f.ledger.CreateOrder(101, f.client, f.performer, "", -500)
	assert.ErrorIs(t, err, errs.ErrInvalidAmount)

	_, err = f.ledger.CreateOrder(101, f.client, "not-an-address", "", 5000)
	assert.ErrorIs(t, err, errs.ErrInvalidParty)

	_, err = f.ledger.CreateOrder(101, f.client, f.client, "", 5000)
	assert.ErrorIs(t, err, errs.ErrInvalidParty)

	_, err = f.ledger.CreateOrder(101, f.client, f.performer, "short", 5000)
	assert.ErrorIs(t, err, errs.ErrInvalidParty)

	_, err = f.ledger.GetOrder(101)
	assert.ErrorIs(t, err, errs.ErrOrderNotFound)
}

func TestCreateOrderInsufficientFunds(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateOrder(101, f.client, f.performer, "", 2_000_000)
	assert.ErrorIs(t, err, errs.ErrInsufficientFunds)

	assert.Equal(t, int64(1_000_000), f.balance(t, f.client))
	_, err = f.ledger.GetOrder(101)
	assert.ErrorIs(t, err, errs.ErrOrderNotFound)
}

func TestConfirmCompletionSplitsWithReferrer(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateOrder(101, f.client, f.performer, f.referrer, 100)
	require.NoError(t, err)

	split, err := f.ledger.ConfirmCompletion(101, f.client, f.completionSig(101))
	require.NoError(t, err)

	assert.Equal(t, int64(90), split.PerformerPart)
	assert.Equal(t, int64(5), split.PlatformPart)
	assert.Equal(t, int64(5), split.ReferrerPart)

	assert.Equal(t, int64(90), f.balance(t, f.performer))
	assert.Equal(t, int64(5), f.balance(t, f.treasury))
	assert.Equal(t, int64(5), f.balance(t, f.referrer))

	order, err := f.ledger.GetOrder(101)
	require.NoError(t, err)
	assert.Equal(t, types.StatusResolved, order.Status)
	assert.True(t, order.ClientConfirmed)

	escrowed, err := f.custody.EscrowedAmount(101)
	require.NoError(t, err)
	assert.Zero(t, escrowed)
}

func TestConfirmCompletionFoldsReferrerShareIntoPlatform(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateOrder(101, f.client, f.performer, "", 100)
	require.NoError(t, err)

	split, err := f.ledger.ConfirmCompletion(101, f.client, f.completionSig(101))
	require.NoError(t, err)

	assert.Equal(t, int64(90), split.PerformerPart)
	assert.Equal(t, int64(10), split.PlatformPart)
	assert.Zero(t, split.ReferrerPart)

	assert.Equal(t, int64(90), f.balance(t, f.performer))
	assert.Equal(t, int64(10), f.balance(t, f.treasury))
}

func TestConfirmCompletionConservesValueOnOddAmounts(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateOrder(101, f.client, f.performer, f.referrer, 33)
	require.NoError(t, err)

	split, err := f.ledger.ConfirmCompletion(101, f.client, f.completionSig(101))
	require.NoError(t, err)

	assert.Equal(t, int64(33), split.PerformerPart+split.PlatformPart+split.ReferrerPart)
}

func TestConfirmCompletionRejectsNonClient(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateOrder(101, f.client, f.performer, "", 5000)
	require.NoError(t, err)

	_, err = f.ledger.ConfirmCompletion(101, f.performer, f.completionSig(101))
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	order, err := f.ledger.GetOrder(101)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFunded, order.Status)
}

func TestConfirmCompletionRejectsCrossOrderSignature(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateOrder(101, f.client, f.performer, "", 5000)
	require.NoError(t, err)
	_, err = f.ledger.CreateOrder(102, f.client, f.performer, "", 5000)
	require.NoError(t, err)

	_, err = f.ledger.ConfirmCompletion(101, f.client, f.completionSig(102))
	assert.ErrorIs(t, err, errs.ErrInvalidSignature)

	// A failed verification must leave the escrow untouched.
	escrowed, err := f.custody.EscrowedAmount(101)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), escrowed)
}

func TestConfirmCompletionOnlyOnce(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateOrder(101, f.client, f.performer, "", 5000)
	require.NoError(t, err)

	_, err = f.ledger.ConfirmCompletion(101, f.client, f.completionSig(101))
	require.NoError(t, err)

	_, err = f.ledger.ConfirmCompletion(101, f.client, f.completionSig(101))
	assert.ErrorIs(t, err, errs.ErrWrongState)

	// The performer got paid exactly once.
	assert.Equal(t, int64(4500), f.balance(t, f.performer))
}

func TestConfirmCompletionUnknownOrder(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.ConfirmCompletion(999, f.client, f.completionSig(999))
	assert.ErrorIs(t, err, errs.ErrOrderNotFound)
}

func TestOpenDisputeClientOnly(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateOrder(101, f.client, f.performer, "", 5000)
	require.NoError(t, err)

	err = f.ledger.OpenDispute(101, f.performer)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	require.NoError(t, f.ledger.OpenDispute(101, f.client))

	order, err := f.ledger.GetOrder(101)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDisputed, order.Status)
	require.NotNil(t, order.DisputeOpenedAt)

	// A dispute cannot be opened twice, nor on a non-FUNDED order.
	err = f.ledger.OpenDispute(101, f.client)
	assert.ErrorIs(t, err, errs.ErrWrongState)
}

func TestOpenDisputeAfterResolveRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateOrder(101, f.client, f.performer, "", 5000)
	require.NoError(t, err)
	_, err = f.ledger.ConfirmCompletion(101, f.client, f.completionSig(101))
	require.NoError(t, err)

	err = f.ledger.OpenDispute(101, f.client)
	assert.ErrorIs(t, err, errs.ErrWrongState)
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var seen []string
	f.bus.Subscribe(func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type())

		// By the time a listener runs the transition is committed and
		// readable.
		if e.Type() == events.TypeReleased {
			order, err := f.ledger.GetOrder(101)
			assert.NoError(t, err)
			assert.Equal(t, types.StatusResolved, order.Status)
		}
	})

	_, err := f.ledger.CreateOrder(101, f.client, f.performer, "", 5000)
	require.NoError(t, err)
	_, err = f.ledger.ConfirmCompletion(101, f.client, f.completionSig(101))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{events.TypeOrderCreated, events.TypeReleased}, seen)
}

func TestNoEventOnFailedMutation(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateOrder(101, f.client, f.performer, "", 5000)
	require.NoError(t, err)

	var mu sync.Mutex
	count := 0
	f.bus.Subscribe(func(events.Event) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	_, err = f.ledger.ConfirmCompletion(101, f.client, []byte("bad"))
	assert.ErrorIs(t, err, errs.ErrInvalidSignature)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}

func TestConcurrentConfirmReleasesOnce(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateOrder(101, f.client, f.performer, "", 5000)
	require.NoError(t, err)

	sig := f.completionSig(101)

	const attempts = 8
	var successes atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.ledger.ConfirmCompletion(101, f.client, sig); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int64(4500), f.balance(t, f.performer))

	escrowed, err := f.custody.EscrowedAmount(101)
	require.NoError(t, err)
	assert.Zero(t, escrowed)
}

func TestExecutionDeadlineFromOptions(t *testing.T) {
	f := newFixture(t)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f.ledger.SetNowFunc(func() time.Time { return now })

	order, err := f.ledger.CreateOrder(101, f.client, f.performer, "", 5000)
	require.NoError(t, err)

	assert.Equal(t, now.Add(escrow.DefaultExecutionDeadline), order.ExecutionDeadline)
}
