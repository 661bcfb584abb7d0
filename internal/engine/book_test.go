package engine

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestAppendAssignsOrdinalOfferIDs(t *testing.T) {
	b := &bucket{status: BucketOpen, start: time.Unix(0, 0)}

	o1, err := b.appendBid("u1", 2, 3, 6)
	if err != nil {
		t.Fatalf("appendBid: %v", err)
	}
	o2, err := b.appendBid("u2", 1, 5, 5)
	if err != nil {
		t.Fatalf("appendBid: %v", err)
	}
	if o1.OfferID != 0 || o2.OfferID != 1 {
		t.Fatalf("expected bid ids 0,1 got %d,%d", o1.OfferID, o2.OfferID)
	}

	// Ask ids count independently of bids.
	a1, err := b.appendAsk("u3", 4, 2)
	if err != nil {
		t.Fatalf("appendAsk: %v", err)
	}
	if a1.OfferID != 0 {
		t.Fatalf("expected ask id 0, got %d", a1.OfferID)
	}
	if len(b.bids) != 2 || len(b.asks) != 1 {
		t.Fatalf("expected 2 bids 1 ask, got %d/%d", len(b.bids), len(b.asks))
	}
}

func TestAppendBidValidation(t *testing.T) {
	tests := []struct {
		name    string
		energy  uint64
		price   uint64
		value   uint64
		wantMsg string
	}{
		{"zero energy", 0, 5, 0, "energy must be positive"},
		{"zero price", 3, 0, 0, "price must be positive"},
		{"value mismatch", 3, 5, 14, "escrow value must equal energy*price"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := &bucket{status: BucketOpen}
			_, err := b.appendBid("u1", tc.energy, tc.price, tc.value)
			if !errors.Is(err, ErrInvalidOrder) {
				t.Fatalf("expected ErrInvalidOrder, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Fatalf("expected cause %q in %q", tc.wantMsg, err.Error())
			}
			if len(b.bids) != 0 {
				t.Fatal("rejected bid must not be appended")
			}
		})
	}
}

func TestAppendAskValidation(t *testing.T) {
	b := &bucket{status: BucketOpen}
	if _, err := b.appendAsk("u1", 0, 5); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder for zero energy, got %v", err)
	}
	if _, err := b.appendAsk("u1", 5, 0); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder for zero price, got %v", err)
	}
	if len(b.asks) != 0 {
		t.Fatal("rejected asks must not be appended")
	}
}

func TestAppendRejectedWhenNotOpen(t *testing.T) {
	for _, st := range []BucketStatus{BucketClosed, BucketCleared} {
		b := &bucket{status: st}
		if _, err := b.appendBid("u1", 1, 1, 1); !errors.Is(err, ErrInvalidOrder) {
			t.Fatalf("status %s: expected ErrInvalidOrder, got %v", st, err)
		}
		if _, err := b.appendAsk("u1", 1, 1); !errors.Is(err, ErrInvalidOrder) {
			t.Fatalf("status %s: expected ErrInvalidOrder, got %v", st, err)
		}
	}
}

func TestPurgeDropsOfferLists(t *testing.T) {
	b := &bucket{status: BucketOpen}
	b.appendBid("u1", 1, 1, 1)
	b.appendAsk("u2", 1, 1)
	b.status = BucketCleared
	b.purge()
	if b.bids != nil || b.asks != nil {
		t.Fatal("purge must drop both offer lists")
	}
}
