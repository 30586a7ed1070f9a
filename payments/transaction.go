package payments

import (
	"encoding/json"
	"sort"

	"github.com/warp/billing-ledger/generic"
)

// =============================================================================
// TRANSACTION - Immutable ledger record
// =============================================================================

// TransactionType is the kind of event a transaction records.
type TransactionType string

const (
	TxSubscriptionStart        TransactionType = "subscription-start"
	TxSubscriptionRenewal      TransactionType = "subscription-renewal"
	TxSubscriptionEnd          TransactionType = "subscription-end"
	TxSubscriptionCancel       TransactionType = "subscription-cancel"
	TxOneTimePurchase          TransactionType = "one-time-purchase"
	TxPurchaseRefund           TransactionType = "purchase-refund"
	TxItemGrantRenewal         TransactionType = "item-grant-renewal"
	TxManualItemQuantityChange TransactionType = "manual-item-quantity-change"
	TxDefaultProductsChange    TransactionType = "default-products-change"
	TxDefaultItemGrantRepeat   TransactionType = "default-product-item-grant-repeat"
)

// TransactionTypes lists every transaction type.
var TransactionTypes = []TransactionType{
	TxSubscriptionStart, TxSubscriptionRenewal, TxSubscriptionEnd, TxSubscriptionCancel,
	TxOneTimePurchase, TxPurchaseRefund, TxItemGrantRenewal, TxManualItemQuantityChange,
	TxDefaultProductsChange, TxDefaultItemGrantRepeat,
}

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	for _, known := range TransactionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Transaction is one immutable ledger record. Corrections are new
// transactions whose entries point back at what they adjust.
type Transaction struct {
	ID          string
	Type        TransactionType
	CreatedAt   generic.Millis
	EffectiveAt generic.Millis
	Entries     []Entry
	AdjustedBy  []Ref
	TestMode    bool
	Details     map[string]string
}

// Entry returns the entry at index, or nil when out of range.
func (t Transaction) Entry(index int) Entry {
	if index < 0 || index >= len(t.Entries) {
		return nil
	}
	return t.Entries[index]
}

type transactionJSON struct {
	ID          string            `json:"id"`
	Type        TransactionType   `json:"type"`
	CreatedAt   generic.Millis    `json:"created_at_millis"`
	EffectiveAt generic.Millis    `json:"effective_at_millis"`
	Entries     []json.RawMessage `json:"entries"`
	AdjustedBy  []refJSON         `json:"adjusted_by"`
	TestMode    bool              `json:"test_mode"`
	Details     map[string]string `json:"details,omitempty"`
}

type refJSON struct {
	TransactionID string `json:"transaction_id"`
	EntryIndex    int    `json:"entry_index"`
}

func (t Transaction) MarshalJSON() ([]byte, error) {
	out := transactionJSON{
		ID:          t.ID,
		Type:        t.Type,
		CreatedAt:   t.CreatedAt,
		EffectiveAt: t.EffectiveAt,
		Entries:     make([]json.RawMessage, 0, len(t.Entries)),
		AdjustedBy:  make([]refJSON, 0, len(t.AdjustedBy)),
		TestMode:    t.TestMode,
		Details:     t.Details,
	}
	for _, e := range t.Entries {
		raw, err := MarshalEntry(e)
		if err != nil {
			return nil, err
		}
		out.Entries = append(out.Entries, raw)
	}
	for _, r := range t.AdjustedBy {
		out.AdjustedBy = append(out.AdjustedBy, refJSON{TransactionID: r.TransactionID, EntryIndex: r.EntryIndex})
	}
	return json.Marshal(out)
}

func (t *Transaction) UnmarshalJSON(data []byte) error {
	var in transactionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if !in.Type.Valid() {
		return &generic.ValidationError{Field: "transaction.type", Reason: "unknown type " + string(in.Type)}
	}
	out := Transaction{
		ID:          in.ID,
		Type:        in.Type,
		CreatedAt:   in.CreatedAt,
		EffectiveAt: in.EffectiveAt,
		Entries:     make([]Entry, 0, len(in.Entries)),
		TestMode:    in.TestMode,
		Details:     in.Details,
	}
	for _, raw := range in.Entries {
		e, err := UnmarshalEntry(raw)
		if err != nil {
			return err
		}
		out.Entries = append(out.Entries, e)
	}
	for _, r := range in.AdjustedBy {
		out.AdjustedBy = append(out.AdjustedBy, Ref{TransactionID: r.TransactionID, EntryIndex: r.EntryIndex})
	}
	*t = out
	return nil
}

// Newer orders transactions by created time descending, then id descending.
func Newer(a, b Transaction) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID > b.ID
}

// SortNewestFirst sorts in place by (created desc, id desc).
func SortNewestFirst(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool { return Newer(txs[i], txs[j]) })
}

// LinkAdjustments returns copies of txs with AdjustedBy filled from the
// entries that reference them. Emitted transactions are never touched;
// references to transactions outside txs are ignored.
func LinkAdjustments(txs []Transaction) []Transaction {
	index := make(map[string]int, len(txs))
	out := make([]Transaction, len(txs))
	for i, tx := range txs {
		tx.AdjustedBy = []Ref{}
		out[i] = tx
		index[tx.ID] = i
	}
	for _, tx := range txs {
		for i, entry := range tx.Entries {
			ref, ok := entry.Adjusts()
			if !ok {
				continue
			}
			if j, found := index[ref.TransactionID]; found {
				out[j].AdjustedBy = append(out[j].AdjustedBy, Ref{TransactionID: tx.ID, EntryIndex: i})
			}
		}
	}
	return out
}
