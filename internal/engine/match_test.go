package engine

import (
	"reflect"
	"testing"
)

func bid(trader string, energy, price, id uint64) Offer {
	return Offer{Trader: trader, Energy: energy, Price: price, OfferID: id}
}

func ask(trader string, energy, price, id uint64) Offer {
	return Offer{Trader: trader, Energy: energy, Price: price, OfferID: id}
}

func TestMatchExactSinglePair(t *testing.T) {
	res := matchBucket(0,
		[]Offer{bid("B1", 1, 1, 0)},
		[]Offer{ask("S1", 1, 1, 0)},
	)
	if res.clearingPrice != 1 {
		t.Fatalf("expected clearing price 1, got %d", res.clearingPrice)
	}
	want := []Trade{{Buyer: "B1", Seller: "S1", Energy: 1}}
	if !reflect.DeepEqual(res.trades, want) {
		t.Fatalf("trades = %+v, want %+v", res.trades, want)
	}
	if len(res.refunds) != 0 {
		t.Fatalf("expected no refunds, got %+v", res.refunds)
	}
}

func TestMatchOverpaidBidRefundsDifference(t *testing.T) {
	res := matchBucket(0,
		[]Offer{bid("B1", 1, 2, 0)},
		[]Offer{ask("S1", 2, 1, 0)},
	)
	if res.clearingPrice != 1 {
		t.Fatalf("expected clearing price 1, got %d", res.clearingPrice)
	}
	if len(res.trades) != 1 || res.trades[0].Energy != 1 {
		t.Fatalf("trades = %+v", res.trades)
	}
	// B1 escrowed 2 but pays 1 at the clearing price.
	if len(res.refunds) != 1 || res.refunds[0] != (refund{trader: "B1", amount: 1}) {
		t.Fatalf("refunds = %+v", res.refunds)
	}
	// The leftover ask unit is rejected with no monetary transfer.
	var sawAskReject bool
	for _, e := range res.events {
		if e.Type == EventTradeRejected && e.Side == SideAsk {
			sawAskReject = true
			if e.Refund != 0 || e.Reason != ReasonUndemandedSupply {
				t.Fatalf("ask rejection = %+v", e)
			}
		}
	}
	if !sawAskReject {
		t.Fatal("expected a TradeRejected event for the unused ask")
	}
}

func TestMatchUnmetBidFullEscrowRefund(t *testing.T) {
	res := matchBucket(0, []Offer{bid("B1", 1, 1, 0)}, nil)
	if res.clearingPrice != 0 {
		t.Fatalf("expected clearing price 0, got %d", res.clearingPrice)
	}
	if len(res.trades) != 0 {
		t.Fatalf("expected no trades, got %+v", res.trades)
	}
	if len(res.refunds) != 1 || res.refunds[0] != (refund{trader: "B1", amount: 1}) {
		t.Fatalf("refunds = %+v", res.refunds)
	}
	if len(res.events) != 1 || res.events[0].Type != EventTradeRejected ||
		res.events[0].Side != SideBid || res.events[0].Reason != ReasonUnmeetableDemand {
		t.Fatalf("events = %+v", res.events)
	}
}

func TestMatchRolledBackBidLeavesSupplyForLaterBids(t *testing.T) {
	// B1 bids higher but wants 2 units; the single 1-unit ask cannot fill it,
	// so B1 is rolled back and the cheaper B2 fills instead.
	res := matchBucket(0,
		[]Offer{bid("B1", 2, 2, 0), bid("B2", 1, 1, 1)},
		[]Offer{ask("S1", 1, 1, 0)},
	)
	if res.clearingPrice != 1 {
		t.Fatalf("expected clearing price 1, got %d", res.clearingPrice)
	}
	want := []Trade{{Buyer: "B2", Seller: "S1", Energy: 1}}
	if !reflect.DeepEqual(res.trades, want) {
		t.Fatalf("trades = %+v, want %+v", res.trades, want)
	}
	if len(res.refunds) != 1 || res.refunds[0] != (refund{trader: "B1", amount: 4}) {
		t.Fatalf("refunds = %+v", res.refunds)
	}
}

func TestMatchPartiallyTouchedAskRestoredOnRollback(t *testing.T) {
	// B1 drains 2 of S1's units but cannot complete; the rollback must put
	// both units back so B2 can take them.
	res := matchBucket(0,
		[]Offer{bid("B1", 3, 2, 0), bid("B2", 2, 2, 1)},
		[]Offer{ask("S1", 2, 1, 0)},
	)
	want := []Trade{{Buyer: "B2", Seller: "S1", Energy: 2}}
	if !reflect.DeepEqual(res.trades, want) {
		t.Fatalf("trades = %+v, want %+v", res.trades, want)
	}
	if res.clearingPrice != 1 {
		t.Fatalf("expected clearing price 1, got %d", res.clearingPrice)
	}
	// B1 is refunded its full escrow of 6; B2 escrowed 4 and pays 2*1=2.
	if len(res.refunds) != 2 ||
		res.refunds[0] != (refund{trader: "B1", amount: 6}) ||
		res.refunds[1] != (refund{trader: "B2", amount: 2}) {
		t.Fatalf("refunds = %+v", res.refunds)
	}
}

func TestMatchUniformPriceAcrossCheaperAsks(t *testing.T) {
	// One bid spanning three asks: every trade settles at the marginal
	// (last) ask's price, and the bid is refunded down to it.
	res := matchBucket(0,
		[]Offer{bid("B1", 3, 5, 0)},
		[]Offer{ask("S1", 1, 1, 0), ask("S2", 1, 2, 1), ask("S3", 1, 3, 2)},
	)
	if res.clearingPrice != 3 {
		t.Fatalf("expected clearing price 3, got %d", res.clearingPrice)
	}
	if len(res.trades) != 3 {
		t.Fatalf("expected 3 trades, got %+v", res.trades)
	}
	// Escrowed 15, pays 3*3=9.
	if len(res.refunds) != 1 || res.refunds[0] != (refund{trader: "B1", amount: 6}) {
		t.Fatalf("refunds = %+v", res.refunds)
	}
	for _, e := range res.events {
		if e.Type == EventTradeMatched && e.ClearingPrice != 3 {
			t.Fatalf("matched event not at clearing price: %+v", e)
		}
	}
}

func TestMatchCursorAdvancesPastEmptiedAsks(t *testing.T) {
	res := matchBucket(0,
		[]Offer{bid("B1", 2, 3, 0), bid("B2", 1, 3, 1)},
		[]Offer{ask("S1", 1, 1, 0), ask("S2", 1, 2, 1), ask("S3", 1, 3, 2)},
	)
	want := []Trade{
		{Buyer: "B1", Seller: "S1", Energy: 1},
		{Buyer: "B1", Seller: "S2", Energy: 1},
		{Buyer: "B2", Seller: "S3", Energy: 1},
	}
	if !reflect.DeepEqual(res.trades, want) {
		t.Fatalf("trades = %+v, want %+v", res.trades, want)
	}
	if res.clearingPrice != 3 {
		t.Fatalf("expected clearing price 3, got %d", res.clearingPrice)
	}
}

func TestMatchEqualPricesKeepInsertionOrder(t *testing.T) {
	res := matchBucket(0,
		[]Offer{bid("B1", 1, 2, 0)},
		[]Offer{ask("S1", 1, 2, 0), ask("S2", 1, 2, 1)},
	)
	if len(res.trades) != 1 || res.trades[0].Seller != "S1" {
		t.Fatalf("expected first-inserted ask to match, got %+v", res.trades)
	}
}

func TestMatchEventOrder(t *testing.T) {
	// Unmet bid, matched pair, unused ask: events must come in the order
	// rejected bids, rejected asks, matched trades.
	res := matchBucket(7,
		[]Offer{bid("B1", 5, 9, 0), bid("B2", 1, 2, 1)},
		[]Offer{ask("S1", 1, 1, 0), ask("S2", 3, 8, 1)},
	)
	var kinds []string
	for _, e := range res.events {
		switch {
		case e.Type == EventTradeRejected && e.Side == SideBid:
			kinds = append(kinds, "bid-reject")
		case e.Type == EventTradeRejected && e.Side == SideAsk:
			kinds = append(kinds, "ask-reject")
		case e.Type == EventTradeMatched:
			kinds = append(kinds, "matched")
		}
	}
	want := []string{"bid-reject", "ask-reject", "matched"}
	if !reflect.DeepEqual(kinds, want) {
		t.Fatalf("event order = %v, want %v", kinds, want)
	}
	for _, e := range res.events {
		if e.BucketID != 7 {
			t.Fatalf("event carries wrong bucket id: %+v", e)
		}
	}
}
