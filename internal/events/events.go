// Package events is the in-process notification bus for escrow lifecycle
// events. Publishing is synchronous, so listeners observe events in the
// order the ledger committed them.
package events

import "sync"

// Event names.
const (
	TypeOrderCreated  = "order.created"
	TypeDisputeOpened = "dispute.opened"
	TypeReleased      = "released"
	TypeRefunded      = "refunded"
)

type Event interface {
	Type() string
}

// OrderCreated is emitted when funds enter custody for a new order.
type OrderCreated struct {
	OrderID   uint64 `json:"order_id"`
	Client    string `json:"client"`
	Performer string `json:"performer"`
	Amount    int64  `json:"amount"`
	Referrer  string `json:"referrer,omitempty"`
}

func (OrderCreated) Type() string { return TypeOrderCreated }

// DisputeOpened is emitted when the client contests an order.
type DisputeOpened struct {
	OrderID uint64 `json:"order_id"`
}

func (DisputeOpened) Type() string { return TypeDisputeOpened }

// Released is emitted when escrowed funds are paid out in parts.
type Released struct {
	OrderID       uint64 `json:"order_id"`
	PerformerPart int64  `json:"performer_part"`
	PlatformPart  int64  `json:"platform_part"`
	ReferrerPart  int64  `json:"referrer_part"`
}

func (Released) Type() string { return TypeReleased }

// Refunded is emitted when the full escrowed amount returns to the client.
type Refunded struct {
	OrderID        uint64 `json:"order_id"`
	AmountReturned int64  `json:"amount_returned"`
}

func (Refunded) Type() string { return TypeRefunded }

type Listener func(Event)

// Bus fans events out to subscribed listeners. Safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	for _, l := range listeners {
		l(e)
	}
}
