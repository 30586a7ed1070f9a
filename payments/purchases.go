package payments

import (
	"github.com/warp/billing-ledger/generic"
)

// =============================================================================
// ENTRY LAYOUT - Shared by the engine and the refund validator
// =============================================================================

// PurchaseLayout says where each entry sits in a purchase transaction:
//
//	[active-subscription-start]  subscriptions only
//	[money-transfer]             unless test mode or no selected price
//	product-grant
//	item-quantity-change ...     one per granted item, sorted by item id
type PurchaseLayout struct {
	Kind             PurchaseType
	HasMoneyTransfer bool
	ItemCount        int
}

// GrantIndex is the index of the product-grant entry.
func (l PurchaseLayout) GrantIndex() int {
	i := 0
	if l.Kind == PurchaseSubscription {
		i++
	}
	if l.HasMoneyTransfer {
		i++
	}
	return i
}

// EntryCount is the total number of entries.
func (l PurchaseLayout) EntryCount() int {
	return l.GrantIndex() + 1 + l.ItemCount
}

type purchasedItem struct {
	ItemGrantSpec
	Total int64
}

// purchasedItems multiplies each included item by the purchase quantity and
// keeps those that grant something.
func purchasedItems(product Product, quantity int64) []purchasedItem {
	var out []purchasedItem
	for _, spec := range product.GrantedItems() {
		if total := spec.Quantity * quantity; total > 0 {
			out = append(out, purchasedItem{ItemGrantSpec: spec, Total: total})
		}
	}
	return out
}

// LayoutFor computes the layout of a purchase transaction from its row data.
func LayoutFor(kind PurchaseType, testMode bool, product Product, priceID *string, quantity int64) PurchaseLayout {
	_, priced := product.SelectedPrice(priceID)
	return PurchaseLayout{
		Kind:             kind,
		HasMoneyTransfer: priced && !testMode,
		ItemCount:        len(purchasedItems(product, quantity)),
	}
}

// =============================================================================
// PURCHASE START
// =============================================================================

type purchaseStart struct {
	kind      PurchaseType
	id        string
	customer  generic.Customer
	testMode  bool
	productID *string
	priceID   *string
	product   Product
	quantity  int64
	at        generic.Millis
	anchor    generic.Millis
}

func (e *Engine) subscriptionStart(ev SubscriptionStartEvent) error {
	sub, ok := e.seeds.Subscriptions[ev.SubscriptionID]
	if !ok {
		return missing("subscription", ev.SubscriptionID)
	}
	anchor := generic.FromTime(sub.CreatedAt)
	if sub.BillingCycleAnchor != nil {
		anchor = generic.FromTime(*sub.BillingCycleAnchor)
	}
	return e.startPurchase(purchaseStart{
		kind:      PurchaseSubscription,
		id:        sub.ID,
		customer:  sub.Customer,
		testMode:  sub.TestMode,
		productID: sub.ProductID,
		priceID:   sub.PriceID,
		product:   sub.Product,
		quantity:  sub.Quantity,
		at:        ev.At(),
		anchor:    anchor,
	})
}

func (e *Engine) oneTimePurchase(ev OneTimePurchaseEvent) error {
	p, ok := e.seeds.Purchases[ev.PurchaseID]
	if !ok {
		return missing("one-time-purchase", ev.PurchaseID)
	}
	return e.startPurchase(purchaseStart{
		kind:      PurchaseOneTimePurchase,
		id:        p.ID,
		customer:  p.Customer,
		testMode:  p.TestMode,
		productID: p.ProductID,
		priceID:   p.PriceID,
		product:   p.Product,
		quantity:  p.Quantity,
		at:        ev.At(),
		anchor:    ev.At(),
	})
}

func (e *Engine) startPurchase(in purchaseStart) error {
	var entries []Entry
	txType := TxOneTimePurchase
	if in.kind == PurchaseSubscription {
		txType = TxSubscriptionStart
		entries = append(entries, ActiveSubscriptionStart{
			Customer:       in.customer,
			SubscriptionID: in.id,
			ProductID:      in.productID,
			Product:        in.product,
		})
	}

	var charged map[string]string
	if price, ok := in.product.SelectedPrice(in.priceID); ok && !in.testMode {
		amounts, err := ChargedAmount(price, in.quantity)
		if err != nil {
			return err
		}
		charged = amounts
		entries = append(entries, MoneyTransfer{
			Customer:      in.customer,
			ChargedAmount: charged,
			NetAmount:     NetAmount(charged),
		})
	}

	items := purchasedItems(in.product, in.quantity)
	grantIndex := len(entries)
	grant := ProductGrant{
		Customer:    in.customer,
		ProductID:   in.productID,
		Product:     in.product,
		PriceID:     in.priceID,
		Quantity:    in.quantity,
		CycleAnchor: in.anchor,
	}
	id := in.id
	if in.kind == PurchaseSubscription {
		grant.SubscriptionID = &id
	} else {
		grant.OneTimePurchaseID = &id
	}
	if len(items) > 0 {
		grant.ItemQuantityChangeIndices = make(map[string]int, len(items))
	}
	entries = append(entries, grant)

	state := &ActivePurchaseState{
		Kind:         in.kind,
		PurchaseID:   in.id,
		Customer:     in.customer,
		TestMode:     in.testMode,
		Quantity:     in.quantity,
		ProductID:    in.productID,
		Product:      in.product,
		ProductGrant: Ref{TransactionID: in.id, EntryIndex: grantIndex},
		Charged:      charged,
		Items:        make(map[string]*PurchasedItemState, len(items)),
	}
	for _, it := range items {
		idx := len(entries)
		grant.ItemQuantityChangeIndices[it.ItemID] = idx
		entries = append(entries, ItemQuantityChange{
			Customer: in.customer,
			ItemID:   it.ItemID,
			Quantity: it.Total,
		})
		item := &PurchasedItemState{Expires: it.Expires, Repeat: it.Repeat}
		item.Grants.Add(Ref{TransactionID: in.id, EntryIndex: idx}, it.Total)
		state.Items[it.ItemID] = item
	}

	if err := e.emit(newTransaction(in.id, txType, in.at, in.testMode, entries)); err != nil {
		return err
	}
	key := purchaseKey(in.kind, in.id)
	e.purchases[key] = state
	e.scheduleItemRepeats(key, in.id, in.anchor, state)
	return nil
}

// scheduleItemRepeats queues one renewal per distinct repeat interval.
func (e *Engine) scheduleItemRepeats(key, causedBy string, from generic.Millis, state *ActivePurchaseState) {
	groups := make(map[string]*ItemGrantRepeatEvent)
	for _, itemID := range sortedKeys(state.Items) {
		item := state.Items[itemID]
		if item.Repeat == nil {
			continue
		}
		latest, ok := item.Grants.Latest()
		if !ok {
			continue
		}
		k := item.Repeat.Key()
		g, exists := groups[k]
		if !exists {
			g = &ItemGrantRepeatEvent{
				seedAt:      seedAt{at: item.Repeat.AddTo(from)},
				PurchaseKey: key,
				CausedBy:    causedBy,
				Repeat:      *item.Repeat,
			}
			groups[k] = g
		}
		g.Items = append(g.Items, RepeatingItem{
			ItemID:              itemID,
			Quantity:            latest.Quantity,
			ExpiresWhenRepeated: item.Expires == ExpiresWhenRepeated,
			Adjusted:            latest.Ref,
		})
	}
	for _, k := range sortedKeys(groups) {
		e.queue.Push(*groups[k])
	}
}

// =============================================================================
// RENEWALS
// =============================================================================

func (e *Engine) subscriptionRenewal(ev SubscriptionRenewalEvent) error {
	inv, ok := e.seeds.Invoices[ev.InvoiceID]
	if !ok {
		return missing("subscription-invoice", ev.InvoiceID)
	}
	sub, ok := e.seeds.Subscriptions[inv.SubscriptionID]
	if !ok {
		return missing("subscription", inv.SubscriptionID)
	}
	if _, active := e.purchases[purchaseKey(PurchaseSubscription, sub.ID)]; !active {
		return nil
	}

	charged := map[string]string{}
	if price, ok := sub.Product.SelectedPrice(sub.PriceID); ok {
		amounts, err := ChargedAmount(price, sub.Quantity)
		if err != nil {
			return err
		}
		charged = amounts
	}
	entries := []Entry{MoneyTransfer{
		Customer:      sub.Customer,
		ChargedAmount: charged,
		NetAmount:     NetAmount(charged),
	}}
	return e.emit(newTransaction(inv.ID, TxSubscriptionRenewal, ev.At(), sub.TestMode, entries))
}

func (e *Engine) itemGrantRepeat(ev ItemGrantRepeatEvent) error {
	state, ok := e.purchases[ev.PurchaseKey]
	if !ok {
		return nil
	}

	txID := repeatTransactionID(ev.CausedBy, ev.At(), ev.Repeat)
	var (
		entries []Entry
		next    []RepeatingItem
	)
	for _, ri := range ev.Items {
		item, ok := state.Items[ri.ItemID]
		if !ok || !generic.SameInterval(item.Repeat, &ev.Repeat) {
			continue
		}
		if ri.ExpiresWhenRepeated {
			entries = append(entries, ItemQuantityExpire{
				Adjustment: Adjusting(ri.Adjusted),
				Customer:   state.Customer,
				ItemID:     ri.ItemID,
				Quantity:   ri.Quantity,
			})
			if err := item.Grants.ConsumeSpecific(ri.Adjusted, ri.Quantity); err != nil {
				return grantIntegrity(txID, err)
			}
		}
		ref := Ref{TransactionID: txID, EntryIndex: len(entries)}
		entries = append(entries, ItemQuantityChange{
			Customer: state.Customer,
			ItemID:   ri.ItemID,
			Quantity: ri.Quantity,
		})
		item.Grants.Add(ref, ri.Quantity)
		ri.Adjusted = ref
		next = append(next, ri)
	}
	if len(entries) == 0 {
		return nil
	}

	tx := newTransaction(txID, TxItemGrantRenewal, ev.At(), state.TestMode, entries)
	tx.Details = map[string]string{"source_transaction_id": ev.CausedBy}
	if err := e.emit(tx); err != nil {
		return err
	}

	ev.seedAt = seedAt{at: ev.Repeat.AddTo(ev.At())}
	ev.Items = next
	e.queue.Push(ev)
	return nil
}

// =============================================================================
// END, CANCEL, REFUND
// =============================================================================

func (e *Engine) subscriptionEnd(ev SubscriptionEndEvent) error {
	sub, ok := e.seeds.Subscriptions[ev.SubscriptionID]
	if !ok {
		return missing("subscription", ev.SubscriptionID)
	}
	key := purchaseKey(PurchaseSubscription, sub.ID)
	state, ok := e.purchases[key]
	if !ok {
		return nil
	}

	entries := []Entry{
		ActiveSubscriptionStop{Customer: state.Customer, SubscriptionID: sub.ID},
		revocation(state),
	}
	entries = append(entries, purchaseExpiries(state)...)
	delete(e.purchases, key)
	return e.emit(newTransaction(sub.ID+":end", TxSubscriptionEnd, ev.At(), state.TestMode, entries))
}

func (e *Engine) subscriptionCancel(ev SubscriptionCancelEvent) error {
	sub, ok := e.seeds.Subscriptions[ev.SubscriptionID]
	if !ok {
		return missing("subscription", ev.SubscriptionID)
	}
	state, ok := e.purchases[purchaseKey(PurchaseSubscription, sub.ID)]
	if !ok {
		return nil
	}
	entries := []Entry{ActiveSubscriptionChange{
		Customer:       state.Customer,
		SubscriptionID: sub.ID,
		ChangeType:     ChangeCancel,
	}}
	return e.emit(newTransaction(sub.ID+":cancel", TxSubscriptionCancel, ev.At(), state.TestMode, entries))
}

func (e *Engine) subscriptionRefund(ev SubscriptionRefundEvent) error {
	sub, ok := e.seeds.Subscriptions[ev.SubscriptionID]
	if !ok {
		return missing("subscription", ev.SubscriptionID)
	}
	return e.refund(PurchaseSubscription, sub.ID, ev.At())
}

func (e *Engine) oneTimePurchaseRefund(ev OneTimePurchaseRefundEvent) error {
	p, ok := e.seeds.Purchases[ev.PurchaseID]
	if !ok {
		return missing("one-time-purchase", ev.PurchaseID)
	}
	return e.refund(PurchaseOneTimePurchase, p.ID, ev.At())
}

func (e *Engine) refund(kind PurchaseType, id string, at generic.Millis) error {
	key := purchaseKey(kind, id)
	state, ok := e.purchases[key]
	if !ok {
		return nil
	}

	var entries []Entry
	if state.Charged != nil {
		negated := NegateCharged(state.Charged)
		entries = append(entries, MoneyTransfer{
			Customer:      state.Customer,
			ChargedAmount: negated,
			NetAmount:     NetAmount(negated),
		})
	}
	entries = append(entries, revocation(state))
	entries = append(entries, purchaseExpiries(state)...)
	if kind == PurchaseSubscription {
		entries = append(entries, ActiveSubscriptionStop{Customer: state.Customer, SubscriptionID: id})
	}
	delete(e.purchases, key)
	return e.emit(newTransaction(id+":refund", TxPurchaseRefund, at, state.TestMode, entries))
}

func revocation(state *ActivePurchaseState) ProductRevocation {
	return ProductRevocation{
		Adjustment: Adjusting(state.ProductGrant),
		Customer:   state.Customer,
		Quantity:   state.Quantity,
	}
}

// purchaseExpiries expires every remaining slice of items that only last
// as long as the purchase.
func purchaseExpiries(state *ActivePurchaseState) []Entry {
	var entries []Entry
	for _, itemID := range sortedKeys(state.Items) {
		item := state.Items[itemID]
		if item.Expires != ExpiresWhenPurchaseExpires {
			continue
		}
		for _, slice := range item.Grants {
			entries = append(entries, ItemQuantityExpire{
				Adjustment: Adjusting(slice.Ref),
				Customer:   state.Customer,
				ItemID:     itemID,
				Quantity:   slice.Quantity,
			})
		}
		item.Grants = nil
	}
	return entries
}

// =============================================================================
// MANUAL CHANGES
// =============================================================================

func (e *Engine) manualItemQuantityChange(ev ItemQuantityChangeEvent) error {
	row, ok := e.seeds.Changes[ev.ChangeID]
	if !ok {
		return missing("item-quantity-change", ev.ChangeID)
	}
	entries := []Entry{ItemQuantityChange{
		Customer:  row.Customer,
		ItemID:    row.ItemID,
		Quantity:  row.Quantity,
		ExpiresAt: generic.FromTimePtr(row.ExpiresAt),
	}}
	return e.emit(newTransaction(row.ID, TxManualItemQuantityChange, ev.At(), false, entries))
}
