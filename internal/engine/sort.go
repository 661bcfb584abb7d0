package engine

import "sort"

type Direction int

const (
	Ascending Direction = iota
	Descending
)

// sortOffersByPrice returns a copy of offers stably ordered by unit price in
// the given direction. Equal-priced offers keep their insertion order, which
// is what makes matching deterministic.
func sortOffersByPrice(offers []Offer, dir Direction) []Offer {
	out := make([]Offer, len(offers))
	copy(out, offers)
	sort.SliceStable(out, func(i, j int) bool {
		if dir == Ascending {
			return out[i].Price < out[j].Price
		}
		return out[i].Price > out[j].Price
	})
	return out
}
