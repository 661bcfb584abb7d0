package engine

// refund is a staged repayment to a bidder (rejected escrow or overpayment).
type refund struct {
	trader string
	amount uint64
}

// matchResult is everything a roll needs to commit for one closed bucket:
// the confirmed trades, the uniform clearing price, the staged bidder
// refunds, and the rejection/match events in emission order.
type matchResult struct {
	clearingPrice uint64
	trades        []Trade
	refunds       []refund
	events        []Event
}

// matchBucket runs merit-order matching over a closed bucket's offers.
//
// Bids are consumed in descending price order, asks in ascending order, both
// stable so equal-priced offers match in insertion order. A bid either fills
// completely or not at all: if the reachable asks cannot cover its full
// demand, every ask it touched is restored and the bid is rejected, then
// matching continues with the next bid. Partial bid fills are never
// confirmed.
//
// The clearing price is the unit price of the marginal ask that completed the
// last committed bid, and applies uniformly to every confirmed trade. Filled
// bids therefore get back energy*(bid price - clearing price) as an
// overpayment refund; rejected bids get their full escrow back. The bid-price
// ordering guarantees the clearing price never exceeds a committed bid's
// price, so the subtraction cannot wrap.
func matchBucket(bucketID uint64, bids, asks []Offer) matchResult {
	sortedBids := sortOffersByPrice(bids, Descending)
	sortedAsks := sortOffersByPrice(asks, Ascending)

	bidRemaining := make([]uint64, len(sortedBids))
	for i, b := range sortedBids {
		bidRemaining[i] = b.Energy
	}
	askRemaining := make([]uint64, len(sortedAsks))
	for j, a := range sortedAsks {
		askRemaining[j] = a.Energy
	}

	var (
		trades   []Trade
		clearing uint64
		cursor   int
	)

	for i := range sortedBids {
		bid := sortedBids[i]
		if cursor >= len(sortedAsks) || bid.Price < sortedAsks[cursor].Price {
			break
		}

		// Tentative walk: consume asks from the cursor, remembering each
		// touched ask's pre-trade energy so a failed fill can be undone.
		type touched struct {
			idx    int
			before uint64
		}
		var (
			restore   []touched
			tentative []Trade
			emptied   int
			fillPrice uint64
			filled    bool
		)
		rem := bidRemaining[i]
		for j := cursor; j < len(sortedAsks); j++ {
			ask := sortedAsks[j]
			if bid.Price < ask.Price {
				break
			}
			restore = append(restore, touched{idx: j, before: askRemaining[j]})
			take := rem
			if askRemaining[j] < take {
				take = askRemaining[j]
			}
			rem -= take
			askRemaining[j] -= take
			if askRemaining[j] == 0 {
				emptied++
			}
			tentative = append(tentative, Trade{Buyer: bid.Trader, Seller: ask.Trader, Energy: take})
			if rem == 0 {
				fillPrice = ask.Price
				filled = true
				break
			}
		}

		if !filled {
			// All-or-nothing: undo the touched asks and reject this bid.
			// Later (cheaper) bids may still fill from the restored supply.
			for _, t := range restore {
				askRemaining[t.idx] = t.before
			}
			continue
		}

		bidRemaining[i] = 0
		clearing = fillPrice
		trades = append(trades, tentative...)
		cursor += emptied
	}

	res := matchResult{clearingPrice: clearing, trades: trades}

	// Refund accounting: rejected bids first (sorted-bid order), then unused
	// asks, then the confirmed trades. This is also the event emission order.
	for i, bid := range sortedBids {
		if bidRemaining[i] > 0 {
			amt := bidRemaining[i] * bid.Price
			res.refunds = append(res.refunds, refund{trader: bid.Trader, amount: amt})
			res.events = append(res.events, Event{
				Type:     EventTradeRejected,
				Trader:   bid.Trader,
				BucketID: bucketID,
				Side:     SideBid,
				OfferID:  bid.OfferID,
				Refund:   amt,
				Reason:   ReasonUnmeetableDemand,
			})
			continue
		}
		if over := bid.Energy * (bid.Price - clearing); over > 0 {
			res.refunds = append(res.refunds, refund{trader: bid.Trader, amount: over})
		}
	}
	for j, ask := range sortedAsks {
		if askRemaining[j] > 0 {
			res.events = append(res.events, Event{
				Type:     EventTradeRejected,
				Trader:   ask.Trader,
				BucketID: bucketID,
				Side:     SideAsk,
				OfferID:  ask.OfferID,
				Reason:   ReasonUndemandedSupply,
			})
		}
	}
	for tid, t := range trades {
		res.events = append(res.events, Event{
			Type:          EventTradeMatched,
			Buyer:         t.Buyer,
			Seller:        t.Seller,
			BucketID:      bucketID,
			TradeID:       uint64(tid),
			Energy:        t.Energy,
			ClearingPrice: clearing,
			Supplied:      false,
		})
	}
	return res
}
