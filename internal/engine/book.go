package engine

import (
	"fmt"
	"time"
)

type Side string

const (
	SideBid Side = "BID"
	SideAsk Side = "ASK"
)

type BucketStatus string

const (
	BucketOpen    BucketStatus = "OPEN"
	BucketClosed  BucketStatus = "CLOSED"
	BucketCleared BucketStatus = "CLEARED"
)

// Offer is one side of the book: a bid (buy, funds escrowed up front) or an
// ask (sell, no escrow). OfferID is the ordinal within its bucket and side.
type Offer struct {
	Trader  string `json:"trader"`
	Energy  uint64 `json:"energy"`
	Price   uint64 `json:"price"`
	OfferID uint64 `json:"offer_id"`
}

// Trade is one seller's confirmed contribution toward one buyer's fully
// filled demand. A single bid may produce several trades, one per
// participating ask.
type Trade struct {
	Buyer    string `json:"buyer"`
	Seller   string `json:"seller"`
	Energy   uint64 `json:"energy"`
	Supplied bool   `json:"supplied"`
}

// TradeBucket is the match result of one rolled bucket. Every trade in it is
// priced at ClearingPrice.
type TradeBucket struct {
	ClearingPrice uint64  `json:"clearing_price"`
	Trades        []Trade `json:"trades"`
}

// bucket holds one collection interval's offers. Lists are append-only while
// the bucket is OPEN; both are purged once the bucket reaches CLEARED.
type bucket struct {
	status BucketStatus
	start  time.Time
	bids   []Offer
	asks   []Offer
}

// appendBid validates and appends a bid. value is the escrow received with
// the order and must equal energy*price exactly.
func (b *bucket) appendBid(trader string, energy, price, value uint64) (Offer, error) {
	if b.status != BucketOpen {
		return Offer{}, fmt.Errorf("%w: bucket not open", ErrInvalidOrder)
	}
	if energy == 0 {
		return Offer{}, fmt.Errorf("%w: energy must be positive", ErrInvalidOrder)
	}
	if price == 0 {
		return Offer{}, fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	}
	if value != energy*price {
		return Offer{}, fmt.Errorf("%w: escrow value must equal energy*price", ErrInvalidOrder)
	}
	o := Offer{Trader: trader, Energy: energy, Price: price, OfferID: uint64(len(b.bids))}
	b.bids = append(b.bids, o)
	return o, nil
}

// appendAsk validates and appends an ask. Asks carry no escrow.
func (b *bucket) appendAsk(trader string, energy, price uint64) (Offer, error) {
	if b.status != BucketOpen {
		return Offer{}, fmt.Errorf("%w: bucket not open", ErrInvalidOrder)
	}
	if energy == 0 {
		return Offer{}, fmt.Errorf("%w: energy must be positive", ErrInvalidOrder)
	}
	if price == 0 {
		return Offer{}, fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	}
	o := Offer{Trader: trader, Energy: energy, Price: price, OfferID: uint64(len(b.asks))}
	b.asks = append(b.asks, o)
	return o, nil
}

// purge drops the offer lists once the bucket's trades have been cleared,
// bounding storage. Reads past this point fail with a lookup error.
func (b *bucket) purge() {
	b.bids = nil
	b.asks = nil
}
