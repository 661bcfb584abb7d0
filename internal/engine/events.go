package engine

import "sync"

type EventType string

const (
	EventOwnerAnnounce  EventType = "OwnerAnnounce"
	EventTradeReceived  EventType = "TradeReceived"
	EventTradeExpired   EventType = "TradeExpired"
	EventTradeMatched   EventType = "TradeMatched"
	EventTradeRejected  EventType = "TradeRejected"
	EventEnergySupplied EventType = "EnergySupplied"
)

// Rejection reasons carried on TradeRejected events.
const (
	ReasonUnmeetableDemand = "unmeetable demand at bid price"
	ReasonUndemandedSupply = "undemanded supply at ask price"
)

// Event is a structured record of an observable engine outcome. Fields not
// relevant to a given type are left at their zero value.
type Event struct {
	Type          EventType `json:"type"`
	Owner         string    `json:"owner,omitempty"`
	Trader        string    `json:"trader,omitempty"`
	Buyer         string    `json:"buyer,omitempty"`
	Seller        string    `json:"seller,omitempty"`
	BucketID      uint64    `json:"bucket_id"`
	Side          Side      `json:"side,omitempty"`
	OfferID       uint64    `json:"offer_id"`
	TradeID       uint64    `json:"trade_id"`
	Energy        uint64    `json:"energy"`
	Price         uint64    `json:"price"`
	ClearingPrice uint64    `json:"clearing_price"`
	Refund        uint64    `json:"refund"`
	Payment       uint64    `json:"payment"`
	Supplied      bool      `json:"supplied"`
	Reason        string    `json:"reason,omitempty"`
}

// EventSink receives engine events in emission order.
type EventSink interface {
	Emit(Event)
}

// SinkFunc adapts a function to an EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// MultiSink fans events out to several sinks in order.
func MultiSink(sinks ...EventSink) EventSink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			if s != nil {
				s.Emit(e)
			}
		}
	})
}

// MemorySink appends events to a slice. Used by tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of everything emitted so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
