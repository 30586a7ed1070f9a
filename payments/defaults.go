package payments

import (
	"github.com/warp/billing-ledger/generic"
)

// =============================================================================
// DEFAULT PRODUCTS - Entitlements every customer receives without a purchase
// =============================================================================

// defaultProductsChange diffs the previous default item state against a new
// snapshot. Decreases consume the difference oldest-first, increases grant
// the delta. Every surviving item is restamped with this transaction so
// renewal chains from older snapshots stop.
func (e *Engine) defaultProductsChange(ev DefaultProductsChangeEvent) error {
	row, ok := e.seeds.Snapshots[ev.SnapshotID]
	if !ok {
		return missing("default-products-snapshot", ev.SnapshotID)
	}
	txID := "default-products:" + row.ID

	head := DefaultProductsChange{Snapshot: row.Snapshot}
	if e.lastDflt != nil {
		head.Adjustment = Adjusting(Ref{TransactionID: *e.lastDflt, EntryIndex: 0})
	}
	entries := []Entry{head}

	productIDs := make(map[string]struct{})
	for id := range e.defaults {
		productIDs[id] = struct{}{}
	}
	for id := range row.Snapshot {
		productIDs[id] = struct{}{}
	}

	next := make(map[string]map[string]*ActiveDefaultItemState)
	for _, pid := range sortedKeys(productIDs) {
		prevItems := e.defaults[pid]
		product, inSnapshot := row.Snapshot[pid]

		itemIDs := make(map[string]struct{})
		for id := range prevItems {
			itemIDs[id] = struct{}{}
		}
		if inSnapshot {
			for id := range product.IncludedItems {
				itemIDs[id] = struct{}{}
			}
		}

		for _, itemID := range sortedKeys(itemIDs) {
			state := prevItems[itemID]
			if state == nil {
				state = &ActiveDefaultItemState{}
			}
			var cfg IncludedItem
			if inSnapshot {
				cfg = product.IncludedItems[itemID]
			}
			newQty := max(cfg.Quantity, 0)

			switch {
			case newQty < state.Quantity:
				consumed, err := state.Grants.ConsumeFIFO(state.Quantity - newQty)
				if err != nil {
					return grantIntegrity(txID, err)
				}
				for _, slice := range consumed {
					entries = append(entries, DefaultProductItemExpire{
						Adjustment: Adjusting(slice.Ref),
						ProductID:  pid,
						ItemID:     itemID,
						Quantity:   slice.Quantity,
					})
				}
			case newQty > state.Quantity:
				ref := Ref{TransactionID: txID, EntryIndex: len(entries)}
				entries = append(entries, DefaultProductItemGrant{
					ProductID:           pid,
					ItemID:              itemID,
					Quantity:            newQty - state.Quantity,
					ExpiresWhenRepeated: cfg.Expires == ExpiresWhenRepeated,
				})
				state.Grants.Add(ref, newQty-state.Quantity)
			}

			if newQty == 0 {
				continue
			}
			state.Quantity = newQty
			state.Repeat = cfg.Repeat
			state.ExpiresWhenRepeated = cfg.Expires == ExpiresWhenRepeated
			state.SourceTxID = txID
			if next[pid] == nil {
				next[pid] = make(map[string]*ActiveDefaultItemState)
			}
			next[pid][itemID] = state
		}
	}

	if err := e.emit(newTransaction(txID, TxDefaultProductsChange, ev.At(), false, entries)); err != nil {
		return err
	}
	e.defaults = next
	e.lastDflt = &txID
	e.scheduleDefaultRepeats(txID, ev.At())
	return nil
}

func (e *Engine) scheduleDefaultRepeats(causedBy string, from generic.Millis) {
	groups := make(map[string]*DefaultItemRepeatEvent)
	for _, pid := range sortedKeys(e.defaults) {
		items := e.defaults[pid]
		for _, itemID := range sortedKeys(items) {
			state := items[itemID]
			if state.Repeat == nil || state.SourceTxID != causedBy {
				continue
			}
			k := state.Repeat.Key()
			g, ok := groups[k]
			if !ok {
				g = &DefaultItemRepeatEvent{
					seedAt:   seedAt{at: state.Repeat.AddTo(from)},
					CausedBy: causedBy,
					Repeat:   *state.Repeat,
				}
				groups[k] = g
			}
			g.Items = append(g.Items, DefaultItemKey{ProductID: pid, ItemID: itemID})
		}
	}
	for _, k := range sortedKeys(groups) {
		e.queue.Push(*groups[k])
	}
}

// defaultItemRepeat renews default items. Items configured to expire when
// repeated first give back their configured quantity, oldest slices first;
// extra quantity accumulated by non-expiring renewals is left in place.
func (e *Engine) defaultItemRepeat(ev DefaultItemRepeatEvent) error {
	txID := repeatTransactionID(ev.CausedBy, ev.At(), ev.Repeat)
	var (
		entries []Entry
		next    []DefaultItemKey
	)
	for _, key := range ev.Items {
		state := e.defaults[key.ProductID][key.ItemID]
		if state == nil || state.SourceTxID != ev.CausedBy || !generic.SameInterval(state.Repeat, &ev.Repeat) {
			continue
		}
		if state.ExpiresWhenRepeated {
			consumed, err := state.Grants.ConsumeFIFO(min(state.Quantity, state.Grants.Total()))
			if err != nil {
				return grantIntegrity(txID, err)
			}
			for _, slice := range consumed {
				entries = append(entries, DefaultProductItemExpire{
					Adjustment: Adjusting(slice.Ref),
					ProductID:  key.ProductID,
					ItemID:     key.ItemID,
					Quantity:   slice.Quantity,
				})
			}
		}
		ref := Ref{TransactionID: txID, EntryIndex: len(entries)}
		entries = append(entries, DefaultProductItemChange{
			ProductID:           key.ProductID,
			ItemID:              key.ItemID,
			Quantity:            state.Quantity,
			ExpiresWhenRepeated: state.ExpiresWhenRepeated,
		})
		state.Grants.Add(ref, state.Quantity)
		next = append(next, key)
	}
	if len(entries) == 0 {
		return nil
	}

	tx := newTransaction(txID, TxDefaultItemGrantRepeat, ev.At(), false, entries)
	tx.Details = map[string]string{"source_transaction_id": ev.CausedBy}
	if err := e.emit(tx); err != nil {
		return err
	}

	ev.seedAt = seedAt{at: ev.Repeat.AddTo(ev.At())}
	ev.Items = next
	e.queue.Push(ev)
	return nil
}
