package ws

import (
	"testing"

	"github.com/stretchr/testify/require"

	"energy-exchange/internal/engine"
)

func TestSubscriberWatchFilter(t *testing.T) {
	s := &subscriber{}
	require.True(t, s.wants(engine.Event{Trader: "t1"}), "no filter means full stream")

	s.setWatch([]string{"t1"})
	require.True(t, s.wants(engine.Event{Trader: "t1"}))
	require.True(t, s.wants(engine.Event{Buyer: "t1", Seller: "t2"}))
	require.True(t, s.wants(engine.Event{Seller: "t1"}))
	require.False(t, s.wants(engine.Event{Trader: "t2"}))
	require.False(t, s.wants(engine.Event{}), "zero identities never match a filter")

	s.setWatch(nil)
	require.True(t, s.wants(engine.Event{Trader: "t2"}), "empty watch resets to full stream")
}

func TestBroadcastFansOutByFilter(t *testing.T) {
	h := NewHub()
	all := &subscriber{out: make(chan []byte, 4)}
	only1 := &subscriber{out: make(chan []byte, 4)}
	only1.setWatch([]string{"t1"})
	h.subs[all] = struct{}{}
	h.subs[only1] = struct{}{}

	h.Broadcast(engine.Event{Type: engine.EventTradeReceived, Trader: "t2"})
	require.Len(t, all.out, 1)
	require.Len(t, only1.out, 0)

	h.Broadcast(engine.Event{Type: engine.EventTradeMatched, Buyer: "t1", Seller: "t2"})
	require.Len(t, all.out, 2)
	require.Len(t, only1.out, 1)
}

func TestBroadcastSkipsSlowSubscribers(t *testing.T) {
	h := NewHub()
	slow := &subscriber{out: make(chan []byte, 1)}
	h.subs[slow] = struct{}{}

	h.Broadcast(engine.Event{Type: engine.EventTradeReceived, Trader: "t1"})
	h.Broadcast(engine.Event{Type: engine.EventTradeReceived, Trader: "t1"})
	require.Len(t, slow.out, 1, "a full buffer drops the frame instead of blocking")
}
