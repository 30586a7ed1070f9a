package payments

import (
	"fmt"

	"github.com/warp/billing-ledger/generic"
)

// GrantSlice is a unit of item quantity traceable to the entry that granted it.
type GrantSlice struct {
	Ref
	Quantity int64
}

// GrantSlices is a time-ordered sequence of slices for one item.
// Quantities are always positive; a slice that reaches zero is removed.
type GrantSlices []GrantSlice

// Add appends a new slice. Non-positive quantities are ignored.
func (g *GrantSlices) Add(ref Ref, quantity int64) {
	if quantity <= 0 {
		return
	}
	*g = append(*g, GrantSlice{Ref: ref, Quantity: quantity})
}

// Total is the quantity still held across all slices.
func (g GrantSlices) Total() int64 {
	var total int64
	for _, s := range g {
		total += s.Quantity
	}
	return total
}

// Latest returns the most recently added slice.
func (g GrantSlices) Latest() (GrantSlice, bool) {
	if len(g) == 0 {
		return GrantSlice{}, false
	}
	return g[len(g)-1], true
}

// ConsumeFIFO removes quantity oldest-first and reports how much was taken
// from each slice. Nothing is consumed when the slices hold too little.
func (g *GrantSlices) ConsumeFIFO(quantity int64) ([]GrantSlice, error) {
	if quantity <= 0 {
		return nil, nil
	}
	if total := g.Total(); total < quantity {
		return nil, fmt.Errorf("%w: need %d, hold %d", generic.ErrInsufficientGrant, quantity, total)
	}

	var consumed []GrantSlice
	remaining := quantity
	kept := (*g)[:0]
	for _, s := range *g {
		if remaining > 0 {
			take := min(s.Quantity, remaining)
			consumed = append(consumed, GrantSlice{Ref: s.Ref, Quantity: take})
			s.Quantity -= take
			remaining -= take
		}
		if s.Quantity > 0 {
			kept = append(kept, s)
		}
	}
	*g = kept
	return consumed, nil
}

// ConsumeSpecific removes quantity from the slice created by ref.
func (g *GrantSlices) ConsumeSpecific(ref Ref, quantity int64) error {
	for i, s := range *g {
		if s.Ref != ref {
			continue
		}
		if s.Quantity < quantity {
			return fmt.Errorf("%w: slice %s holds %d, need %d", generic.ErrInsufficientGrant, ref, s.Quantity, quantity)
		}
		(*g)[i].Quantity -= quantity
		if (*g)[i].Quantity == 0 {
			*g = append((*g)[:i], (*g)[i+1:]...)
		}
		return nil
	}
	return fmt.Errorf("%w: slice %s not found", generic.ErrInsufficientGrant, ref)
}
