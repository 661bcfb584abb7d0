package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "engine")

// ExpiryPolicy selects the payee when an unsupplied trade is reconciled at
// the next roll. The default pays the seller who stood ready to deliver;
// PayBuyerOnExpiry inverts that for deployments that prefer to make the
// buyer whole instead.
type ExpiryPolicy func(t Trade) string

func PaySellerOnExpiry(t Trade) string { return t.Seller }
func PayBuyerOnExpiry(t Trade) string  { return t.Buyer }

// Auction is the periodic uniform-price double-auction engine. Offers are
// collected into time-bounded buckets; the operator's Roll closes the current
// bucket, matches it, disburses refunds, reconciles the previous bucket's
// unsupplied trades and opens the next bucket, all atomically.
//
// The engine is strictly sequential: every operation, reads included, runs on
// the engine goroutine via the command channel, so callers observe either the
// state before a roll or after it, never in between.
type Auction struct {
	owner    string
	duration time.Duration
	ledger   *EscrowLedger
	sink     EventSink
	nowFn    func() time.Time
	expiry   ExpiryPolicy

	currentID uint64
	buckets   map[uint64]*bucket
	results   map[uint64]*TradeBucket

	cmdCh chan command
}

// Config wires the engine's collaborators. Transfer is the value-transfer
// capability of the substrate; Sink receives every event; Now and Expiry
// default to the wall clock and seller-pays expiry.
type Config struct {
	Owner    string
	Duration time.Duration
	Transfer TransferFunc
	Sink     EventSink
	Now      func() time.Time
	Expiry   ExpiryPolicy
}

// New constructs the engine with bucket 0 open and cfg.Owner as operator.
func New(cfg Config) *Auction {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Expiry == nil {
		cfg.Expiry = PaySellerOnExpiry
	}
	a := &Auction{
		owner:    cfg.Owner,
		duration: cfg.Duration,
		ledger:   NewEscrowLedger(cfg.Transfer),
		sink:     cfg.Sink,
		nowFn:    cfg.Now,
		expiry:   cfg.Expiry,
		buckets:  make(map[uint64]*bucket),
		results:  make(map[uint64]*TradeBucket),
		cmdCh:    make(chan command, 64),
	}
	a.buckets[0] = &bucket{status: BucketOpen, start: a.nowFn()}
	a.emit(Event{Type: EventOwnerAnnounce, Owner: cfg.Owner})
	return a
}

// Run drives the engine goroutine until ctx is done. Every public operation
// blocks until the engine has executed its command.
func (a *Auction) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-a.cmdCh:
			cmd.exec(a)
		}
	}
}

func (a *Auction) emit(e Event) {
	if a.sink != nil {
		a.sink.Emit(e)
	}
}

// ── Commands ─────────────────────────────────────────

type command interface{ exec(a *Auction) }

type submitCmd struct {
	side   Side
	trader string
	energy uint64
	price  uint64
	value  uint64
	ch     chan<- submitReply
}

type submitReply struct {
	offer Offer
	err   error
}

type rollCmd struct {
	caller string
	ch     chan<- error
}

type deliverCmd struct {
	caller   string
	bucketID uint64
	tradeID  uint64
	ch       chan<- error
}

type readCmd struct {
	fn   func(a *Auction)
	done chan struct{}
}

func (c submitCmd) exec(a *Auction) {
	if c.side == SideBid {
		o, err := a.submitBid(c.trader, c.energy, c.price, c.value)
		c.ch <- submitReply{offer: o, err: err}
		return
	}
	o, err := a.submitAsk(c.trader, c.energy, c.price)
	c.ch <- submitReply{offer: o, err: err}
}

func (c rollCmd) exec(a *Auction)    { c.ch <- a.roll(c.caller) }
func (c deliverCmd) exec(a *Auction) { c.ch <- a.markDelivered(c.caller, c.bucketID, c.tradeID) }
func (c readCmd) exec(a *Auction)    { c.fn(a); close(c.done) }

// SubmitBid appends a buy order to the open bucket. value is the escrow
// received with the order and must equal energy*price.
func (a *Auction) SubmitBid(trader string, energy, price, value uint64) (Offer, error) {
	ch := make(chan submitReply, 1)
	a.cmdCh <- submitCmd{side: SideBid, trader: trader, energy: energy, price: price, value: value, ch: ch}
	r := <-ch
	return r.offer, r.err
}

// SubmitAsk appends a sell offer to the open bucket.
func (a *Auction) SubmitAsk(trader string, energy, price uint64) (Offer, error) {
	ch := make(chan submitReply, 1)
	a.cmdCh <- submitCmd{side: SideAsk, trader: trader, energy: energy, price: price, ch: ch}
	r := <-ch
	return r.offer, r.err
}

// Roll is the operator's sole entry point: it reconciles the previous
// bucket, closes and matches the current one, pays refunds and opens the
// next bucket.
func (a *Auction) Roll(caller string) error {
	ch := make(chan error, 1)
	a.cmdCh <- rollCmd{caller: caller, ch: ch}
	return <-ch
}

// MarkDelivered is the seller's settlement path: it flags the trade supplied
// and releases the buyer's escrowed payment to the seller.
func (a *Auction) MarkDelivered(caller string, bucketID, tradeID uint64) error {
	ch := make(chan error, 1)
	a.cmdCh <- deliverCmd{caller: caller, bucketID: bucketID, tradeID: tradeID, ch: ch}
	return <-ch
}

func (a *Auction) read(fn func(a *Auction)) {
	done := make(chan struct{})
	a.cmdCh <- readCmd{fn: fn, done: done}
	<-done
}

// ── Operations (engine goroutine only) ───────────────

func (a *Auction) submitBid(trader string, energy, price, value uint64) (Offer, error) {
	cur := a.buckets[a.currentID]
	o, err := cur.appendBid(trader, energy, price, value)
	if err != nil {
		return Offer{}, err
	}
	a.ledger.Deposit(value)
	a.emit(Event{
		Type:     EventTradeReceived,
		Trader:   trader,
		BucketID: a.currentID,
		Side:     SideBid,
		OfferID:  o.OfferID,
		Energy:   energy,
		Price:    price,
	})
	return o, nil
}

func (a *Auction) submitAsk(trader string, energy, price uint64) (Offer, error) {
	cur := a.buckets[a.currentID]
	o, err := cur.appendAsk(trader, energy, price)
	if err != nil {
		return Offer{}, err
	}
	a.emit(Event{
		Type:     EventTradeReceived,
		Trader:   trader,
		BucketID: a.currentID,
		Side:     SideAsk,
		OfferID:  o.OfferID,
		Energy:   energy,
		Price:    price,
	})
	return o, nil
}

// roll stages every effect first (expiry payments, match result, refunds)
// and only then commits bucket state and emits events, so a ledger failure
// leaves the engine exactly as it was.
func (a *Auction) roll(caller string) error {
	if caller != a.owner {
		return fmt.Errorf("%w: only the operator may roll", ErrUnauthorized)
	}
	cur := a.buckets[a.currentID]
	now := a.nowFn()
	if now.Before(cur.start.Add(a.duration)) {
		return fmt.Errorf("%w: bucket %d open until %s", ErrTooEarly, a.currentID, cur.start.Add(a.duration).Format(time.RFC3339))
	}

	// Reconcile the previous bucket: every still-unsupplied trade pays out
	// at the clearing price to the expiry payee.
	var (
		payments []Payment
		expired  []Event
	)
	if a.currentID > 0 {
		prevID := a.currentID - 1
		prev := a.results[prevID]
		for tid, t := range prev.Trades {
			if t.Supplied {
				continue
			}
			amount := t.Energy * prev.ClearingPrice
			payments = append(payments, Payment{To: a.expiry(t), Amount: amount})
			expired = append(expired, Event{
				Type:     EventTradeExpired,
				Buyer:    t.Buyer,
				Seller:   t.Seller,
				BucketID: prevID,
				TradeID:  uint64(tid),
				Refund:   amount,
			})
		}
	}

	res := matchBucket(a.currentID, cur.bids, cur.asks)
	for _, r := range res.refunds {
		payments = append(payments, Payment{To: r.trader, Amount: r.amount})
	}

	if err := a.ledger.PayAll(payments); err != nil {
		return err
	}

	// Commit.
	if a.currentID > 0 {
		prev := a.buckets[a.currentID-1]
		prev.status = BucketCleared
		prev.purge()
	}
	rolledID := a.currentID
	cur.status = BucketClosed
	a.results[rolledID] = &TradeBucket{ClearingPrice: res.clearingPrice, Trades: res.trades}
	a.currentID++
	a.buckets[a.currentID] = &bucket{status: BucketOpen, start: now}

	for _, e := range expired {
		a.emit(e)
	}
	for _, e := range res.events {
		a.emit(e)
	}

	log.WithFields(logrus.Fields{
		"bucket":         rolledID,
		"clearing_price": res.clearingPrice,
		"trades":         len(res.trades),
		"expired":        len(expired),
		"held":           a.ledger.Held(),
	}).Info("bucket rolled")
	return nil
}

func (a *Auction) markDelivered(caller string, bucketID, tradeID uint64) error {
	tb, ok := a.results[bucketID]
	if !ok {
		return fmt.Errorf("%w: bucket %d has no trades", ErrInvalidTrade, bucketID)
	}
	if tradeID >= uint64(len(tb.Trades)) {
		return fmt.Errorf("%w: trade %d out of range", ErrInvalidTrade, tradeID)
	}
	t := &tb.Trades[tradeID]
	if t.Seller != caller {
		return fmt.Errorf("%w: only the seller may mark delivery", ErrUnauthorized)
	}
	if t.Supplied {
		return fmt.Errorf("%w: trade %d/%d", ErrAlreadySupplied, bucketID, tradeID)
	}
	if a.buckets[bucketID].status == BucketCleared {
		// The seller was already paid when the trade expired at the
		// following roll.
		return fmt.Errorf("%w: trade %d/%d reconciled at expiry", ErrAlreadySupplied, bucketID, tradeID)
	}

	payment := t.Energy * tb.ClearingPrice
	if err := a.ledger.Pay(t.Seller, payment); err != nil {
		return err
	}
	t.Supplied = true
	a.emit(Event{
		Type:     EventEnergySupplied,
		Seller:   t.Seller,
		Buyer:    t.Buyer,
		BucketID: bucketID,
		TradeID:  tradeID,
		Energy:   t.Energy,
		Payment:  payment,
	})
	return nil
}

// ── Read-only getters ────────────────────────────────

func (a *Auction) Owner() string {
	var out string
	a.read(func(a *Auction) { out = a.owner })
	return out
}

func (a *Auction) CurrentBucketID() uint64 {
	var out uint64
	a.read(func(a *Auction) { out = a.currentID })
	return out
}

func (a *Auction) BucketStatus(bucketID uint64) (BucketStatus, error) {
	var (
		out BucketStatus
		err error
	)
	a.read(func(a *Auction) {
		b, ok := a.buckets[bucketID]
		if !ok {
			err = fmt.Errorf("%w: bucket %d", ErrNotFound, bucketID)
			return
		}
		out = b.status
	})
	return out, err
}

// Bid returns the bucket's bid at index. Fails once the bucket's offer lists
// have been purged.
func (a *Auction) Bid(bucketID, index uint64) (Offer, error) {
	return a.offerAt(bucketID, index, SideBid)
}

// Ask returns the bucket's ask at index. Fails once the bucket's offer lists
// have been purged.
func (a *Auction) Ask(bucketID, index uint64) (Offer, error) {
	return a.offerAt(bucketID, index, SideAsk)
}

func (a *Auction) offerAt(bucketID, index uint64, side Side) (Offer, error) {
	var (
		out Offer
		err error
	)
	a.read(func(a *Auction) {
		b, ok := a.buckets[bucketID]
		if !ok {
			err = fmt.Errorf("%w: bucket %d", ErrNotFound, bucketID)
			return
		}
		list := b.bids
		if side == SideAsk {
			list = b.asks
		}
		if index >= uint64(len(list)) {
			err = fmt.Errorf("%w: %s %d in bucket %d", ErrNotFound, side, index, bucketID)
			return
		}
		out = list[index]
	})
	return out, err
}

// TradeBucketAt returns a copy of the bucket's match result. Defined only
// for rolled buckets.
func (a *Auction) TradeBucketAt(bucketID uint64) (TradeBucket, error) {
	var (
		out TradeBucket
		err error
	)
	a.read(func(a *Auction) {
		tb, ok := a.results[bucketID]
		if !ok {
			err = fmt.Errorf("%w: bucket %d not rolled", ErrNotFound, bucketID)
			return
		}
		out = copyTradeBucket(tb)
	})
	return out, err
}

// LastTradeBucket returns the most recently rolled bucket's match result.
func (a *Auction) LastTradeBucket() (TradeBucket, error) {
	var (
		out TradeBucket
		err error
	)
	a.read(func(a *Auction) {
		if a.currentID == 0 {
			err = fmt.Errorf("%w: no bucket rolled yet", ErrNotFound)
			return
		}
		out = copyTradeBucket(a.results[a.currentID-1])
	})
	return out, err
}

func (a *Auction) LastTradeBucketTradeCount() uint64 {
	var out uint64
	a.read(func(a *Auction) {
		if a.currentID > 0 {
			out = uint64(len(a.results[a.currentID-1].Trades))
		}
	})
	return out
}

func (a *Auction) LastTradeBucketClearingPrice() uint64 {
	var out uint64
	a.read(func(a *Auction) {
		if a.currentID > 0 {
			out = a.results[a.currentID-1].ClearingPrice
		}
	})
	return out
}

// Held reports total value in escrow custody.
func (a *Auction) Held() uint64 {
	var out uint64
	a.read(func(a *Auction) { out = a.ledger.Held() })
	return out
}

func copyTradeBucket(tb *TradeBucket) TradeBucket {
	out := TradeBucket{ClearingPrice: tb.ClearingPrice, Trades: make([]Trade, len(tb.Trades))}
	copy(out.Trades, tb.Trades)
	return out
}
