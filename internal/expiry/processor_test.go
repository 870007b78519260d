package expiry_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ksred/escrow-api/internal/custody"
	"github.com/ksred/escrow-api/internal/database"
	"github.com/ksred/escrow-api/internal/escrow"
	"github.com/ksred/escrow-api/internal/events"
	"github.com/ksred/escrow-api/internal/expiry"
	"github.com/ksred/escrow-api/internal/signature"
	"github.com/ksred/escrow-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dbCounter atomic.Uint64

type fixture struct {
	ledger    *escrow.Service
	processor *expiry.Processor
	custody   *custody.Ledger

	client    string
	performer string

	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:expiry_test_%d?mode=memory&cache=shared", dbCounter.Add(1))
	db, err := database.Open(dsn)
	require.NoError(t, err)

	keyring := signature.NewStaticKeyring()
	verifier := signature.NewVerifier("testnet", "escrow-test", keyring)
	custodyLedger := custody.NewLedger(db)

	clientPub, _ := signature.DemoKey("test-client")
	performerPub, _ := signature.DemoKey("test-performer")
	treasuryPub, _ := signature.DemoKey("test-treasury")

	f := &fixture{
		custody:   custodyLedger,
		client:    signature.AddressFromPublicKey(clientPub),
		performer: signature.AddressFromPublicKey(performerPub),
		now:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	f.ledger = escrow.NewService(db, custodyLedger, verifier, events.NewBus(), escrow.Options{
		PlatformTreasury:  signature.AddressFromPublicKey(treasuryPub),
		ExecutionDeadline: 72 * time.Hour,
	})
	f.ledger.SetNowFunc(func() time.Time { return f.now })

	f.processor = expiry.NewProcessor(f.ledger, expiry.Options{
		DisputeWindow: 24 * time.Hour,
	})
	f.processor.SetNowFunc(func() time.Time { return f.now })

	require.NoError(t, custodyLedger.Seed(f.client, 1_000_000))
	return f
}

func (f *fixture) balance(t *testing.T, identity string) int64 {
	t.Helper()
	balance, err := f.custody.Balance(identity)
	require.NoError(t, err)
	return balance
}

func TestSweepExpiresFundedPastDeadline(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateOrder(101, f.client, f.performer, "", 5000)
	require.NoError(t, err)

	f.now = f.now.Add(73 * time.Hour)

	swept, err := f.processor.Sweep()
	require.NoError(t, err)
	assert.Equal(t, []uint64{101}, swept)

	order, err := f.ledger.GetOrder(101)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExpired, order.Status)

	// Full refund back to the client.
	assert.Equal(t, int64(1_000_000), f.balance(t, f.client))
	escrowed, err := f.custody.EscrowedAmount(101)
	require.NoError(t, err)
	assert.Zero(t, escrowed)
}

func TestSweepRefundsStaleDispute(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateOrder(101, f.client, f.performer, "", 5000)
	require.NoError(t, err)
	require.NoError(t, f.ledger.OpenDispute(101, f.client))

	f.now = f.now.Add(25 * time.Hour)

	swept, err := f.processor.Sweep()
	require.NoError(t, err)
	assert.Equal(t, []uint64{101}, swept)

	order, err := f.ledger.GetOrder(101)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRefunded, order.Status)
	assert.Equal(t, int64(1_000_000), f.balance(t, f.client))
}

func TestSweepIgnoresFreshOrders(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateOrder(101, f.client, f.performer, "", 5000)
	require.NoError(t, err)
	_, err = f.ledger.CreateOrder(102, f.client, f.performer, "", 5000)
	require.NoError(t, err)
	require.NoError(t, f.ledger.OpenDispute(102, f.client))

	f.now = f.now.Add(time.Hour)

	swept, err := f.processor.Sweep()
	require.NoError(t, err)
	assert.Empty(t, swept)

	order, err := f.ledger.GetOrder(101)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFunded, order.Status)

	order, err = f.ledger.GetOrder(102)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDisputed, order.Status)
}

func TestSweepDisputeWithinWindowNotSwept(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateOrder(101, f.client, f.performer, "", 5000)
	require.NoError(t, err)

	// Disputing stops the execution-deadline clock; only the dispute
	// window applies from here.
	f.now = f.now.Add(73 * time.Hour)
	require.NoError(t, f.ledger.OpenDispute(101, f.client))

	swept, err := f.processor.Sweep()
	require.NoError(t, err)
	assert.Empty(t, swept)
}

func TestSweepRepeatIsNoOp(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateOrder(101, f.client, f.performer, "", 5000)
	require.NoError(t, err)

	f.now = f.now.Add(73 * time.Hour)

	swept, err := f.processor.Sweep()
	require.NoError(t, err)
	assert.Len(t, swept, 1)

	swept, err = f.processor.Sweep()
	require.NoError(t, err)
	assert.Empty(t, swept)

	// Refunded exactly once.
	assert.Equal(t, int64(1_000_000), f.balance(t, f.client))
}

func TestSweepMixedBatch(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateOrder(101, f.client, f.performer, "", 1000)
	require.NoError(t, err)
	_, err = f.ledger.CreateOrder(102, f.client, f.performer, "", 2000)
	require.NoError(t, err)
	require.NoError(t, f.ledger.OpenDispute(102, f.client))
	_, err = f.ledger.CreateOrder(103, f.client, f.performer, "", 3000)
	require.NoError(t, err)

	f.now = f.now.Add(74 * time.Hour)

	swept, err := f.processor.Sweep()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{101, 102, 103}, swept)

	for _, tc := range []struct {
		orderID uint64
		status  string
	}{
		{101, types.StatusExpired},
		{102, types.StatusRefunded},
		{103, types.StatusExpired},
	} {
		order, err := f.ledger.GetOrder(tc.orderID)
		require.NoError(t, err)
		assert.Equal(t, tc.status, order.Status, "order %d", tc.orderID)
	}

	assert.Equal(t, int64(1_000_000), f.balance(t, f.client))
}

func TestStartStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)

	processor := expiry.NewProcessor(f.ledger, expiry.Options{
		DisputeWindow: 24 * time.Hour,
		SweepInterval: 10 * time.Millisecond,
	})
	processor.SetNowFunc(func() time.Time { return f.now })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		processor.Start(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processor did not stop on context cancellation")
	}
}
