/*
entry.go - Tagged-union ledger entries

PURPOSE:
  An Entry is one effect inside a Transaction: a product grant, an item
  grant, an expiry, a money transfer and so on. Entries are a closed set of
  Go types behind the sealed Entry interface; a type switch over them is the
  only way to interpret a ledger.

BACK-REFERENCES:
  Entries that reverse, expire or revoke an earlier effect carry a Ref: the
  (transaction id, entry index) of the entry they adjust. References are
  values, never pointers, so a ledger is acyclic and serialisable.

WIRE FORMAT:
  Every entry is a JSON object with a "type" tag and snake_case fields:

    {"type":"item-quantity-expire","adjusted_transaction_id":"sub-1",
     "adjusted_entry_index":3,"customer_type":"user","customer_id":"u1",
     "item_id":"seats","quantity":4}

  Decoding rejects unknown tags and enforces the adjustment rules of each
  kind (see validate methods).

SEE ALSO:
  - transaction.go: Container and ordering
  - engine.go: The only producer of entries
*/
package payments

import (
	"encoding/json"
	"fmt"

	"github.com/warp/billing-ledger/generic"
)

// EntryType is the wire tag of an entry.
type EntryType string

const (
	EntryActiveSubscriptionStart  EntryType = "active-subscription-start"
	EntryActiveSubscriptionStop   EntryType = "active-subscription-stop"
	EntryActiveSubscriptionChange EntryType = "active-subscription-change"
	EntryProductGrant             EntryType = "product-grant"
	EntryProductRevocation        EntryType = "product-revocation"
	EntryItemQuantityChange       EntryType = "item-quantity-change"
	EntryItemQuantityExpire       EntryType = "item-quantity-expire"
	EntryMoneyTransfer            EntryType = "money-transfer"
	EntryDefaultProductsChange    EntryType = "default-products-change"
	EntryDefaultProductItemGrant  EntryType = "default-product-item-grant"
	EntryDefaultProductItemChange EntryType = "default-product-item-change"
	EntryDefaultProductItemExpire EntryType = "default-product-item-expire"
)

// Ref addresses one entry of one transaction.
type Ref struct {
	TransactionID string
	EntryIndex    int
}

func (r Ref) String() string { return fmt.Sprintf("%s#%d", r.TransactionID, r.EntryIndex) }

// Adjustment is the nullable back-reference carried by every entry.
type Adjustment struct {
	AdjustedTransactionID *string `json:"adjusted_transaction_id"`
	AdjustedEntryIndex    *int    `json:"adjusted_entry_index"`
}

// Adjusting builds an Adjustment pointing at ref.
func Adjusting(ref Ref) Adjustment {
	id, idx := ref.TransactionID, ref.EntryIndex
	return Adjustment{AdjustedTransactionID: &id, AdjustedEntryIndex: &idx}
}

// Adjusts returns the referenced entry, if any.
func (a Adjustment) Adjusts() (Ref, bool) {
	if a.AdjustedTransactionID == nil || a.AdjustedEntryIndex == nil {
		return Ref{}, false
	}
	return Ref{TransactionID: *a.AdjustedTransactionID, EntryIndex: *a.AdjustedEntryIndex}, true
}

func (a Adjustment) validate(kind EntryType, rule adjustmentRule) error {
	if (a.AdjustedTransactionID == nil) != (a.AdjustedEntryIndex == nil) {
		return &generic.ValidationError{Field: string(kind), Reason: "adjusted_transaction_id and adjusted_entry_index must be set together"}
	}
	_, set := a.Adjusts()
	switch {
	case rule == adjustmentRequired && !set:
		return &generic.ValidationError{Field: string(kind), Reason: "adjustment reference is required"}
	case rule == adjustmentForbidden && set:
		return &generic.ValidationError{Field: string(kind), Reason: "adjustment reference is not allowed"}
	}
	return nil
}

type adjustmentRule int

const (
	adjustmentOptional adjustmentRule = iota
	adjustmentRequired
	adjustmentForbidden
)

// Entry is implemented by exactly the entry types in this file.
type Entry interface {
	Type() EntryType
	Adjusts() (Ref, bool)
	validate() error
}

// =============================================================================
// SUBSCRIPTION LIFECYCLE
// =============================================================================

type ActiveSubscriptionStart struct {
	Adjustment
	generic.Customer
	SubscriptionID string  `json:"subscription_id"`
	ProductID      *string `json:"product_id"`
	Product        Product `json:"product"`
}

type ActiveSubscriptionStop struct {
	Adjustment
	generic.Customer
	SubscriptionID string `json:"subscription_id"`
}

// SubscriptionChangeType describes an active-subscription-change.
type SubscriptionChangeType string

const (
	ChangeCancel     SubscriptionChangeType = "cancel"
	ChangeReactivate SubscriptionChangeType = "reactivate"
	ChangeSwitch     SubscriptionChangeType = "switch"
)

type ActiveSubscriptionChange struct {
	Adjustment
	generic.Customer
	SubscriptionID string                 `json:"subscription_id"`
	ChangeType     SubscriptionChangeType `json:"change_type"`
	ProductID      *string                `json:"product_id,omitempty"`
	Product        *Product               `json:"product,omitempty"`
}

// =============================================================================
// PRODUCTS
// =============================================================================

type ProductGrant struct {
	Adjustment
	generic.Customer
	ProductID                 *string        `json:"product_id"`
	Product                   Product        `json:"product"`
	PriceID                   *string        `json:"price_id"`
	Quantity                  int64          `json:"quantity"`
	CycleAnchor               generic.Millis `json:"cycle_anchor"`
	SubscriptionID            *string        `json:"subscription_id,omitempty"`
	OneTimePurchaseID         *string        `json:"one_time_purchase_id,omitempty"`
	ItemQuantityChangeIndices map[string]int `json:"item_quantity_change_indices,omitempty"`
}

type ProductRevocation struct {
	Adjustment
	generic.Customer
	Quantity int64 `json:"quantity"`
}

// =============================================================================
// ITEMS
// =============================================================================

type ItemQuantityChange struct {
	Adjustment
	generic.Customer
	ItemID    string          `json:"item_id"`
	Quantity  int64           `json:"quantity"`
	ExpiresAt *generic.Millis `json:"expires_at_millis,omitempty"`
}

type ItemQuantityExpire struct {
	Adjustment
	generic.Customer
	ItemID   string `json:"item_id"`
	Quantity int64  `json:"quantity"`
}

// =============================================================================
// MONEY
// =============================================================================

type MoneyTransfer struct {
	Adjustment
	generic.Customer
	ChargedAmount map[string]string `json:"charged_amount"`
	NetAmount     map[string]string `json:"net_amount"`
}

// =============================================================================
// DEFAULT PRODUCTS
// =============================================================================

type DefaultProductsChange struct {
	Adjustment
	Snapshot DefaultProductsSnapshot `json:"snapshot"`
}

type DefaultProductItemGrant struct {
	Adjustment
	ProductID           string `json:"product_id"`
	ItemID              string `json:"item_id"`
	Quantity            int64  `json:"quantity"`
	ExpiresWhenRepeated bool   `json:"expires_when_repeated"`
}

type DefaultProductItemChange struct {
	Adjustment
	ProductID           string `json:"product_id"`
	ItemID              string `json:"item_id"`
	Quantity            int64  `json:"quantity"`
	ExpiresWhenRepeated bool   `json:"expires_when_repeated"`
}

type DefaultProductItemExpire struct {
	Adjustment
	ProductID string `json:"product_id"`
	ItemID    string `json:"item_id"`
	Quantity  int64  `json:"quantity"`
}

// =============================================================================
// TYPE TAGS AND RULES
// =============================================================================

func (ActiveSubscriptionStart) Type() EntryType  { return EntryActiveSubscriptionStart }
func (ActiveSubscriptionStop) Type() EntryType   { return EntryActiveSubscriptionStop }
func (ActiveSubscriptionChange) Type() EntryType { return EntryActiveSubscriptionChange }
func (ProductGrant) Type() EntryType             { return EntryProductGrant }
func (ProductRevocation) Type() EntryType        { return EntryProductRevocation }
func (ItemQuantityChange) Type() EntryType       { return EntryItemQuantityChange }
func (ItemQuantityExpire) Type() EntryType       { return EntryItemQuantityExpire }
func (MoneyTransfer) Type() EntryType            { return EntryMoneyTransfer }
func (DefaultProductsChange) Type() EntryType    { return EntryDefaultProductsChange }
func (DefaultProductItemGrant) Type() EntryType  { return EntryDefaultProductItemGrant }
func (DefaultProductItemChange) Type() EntryType { return EntryDefaultProductItemChange }
func (DefaultProductItemExpire) Type() EntryType { return EntryDefaultProductItemExpire }

func (e ActiveSubscriptionStart) validate() error {
	return e.Adjustment.validate(e.Type(), adjustmentOptional)
}

func (e ActiveSubscriptionStop) validate() error {
	return e.Adjustment.validate(e.Type(), adjustmentOptional)
}

func (e ActiveSubscriptionChange) validate() error {
	switch e.ChangeType {
	case ChangeCancel, ChangeReactivate, ChangeSwitch:
	default:
		return &generic.ValidationError{Field: "change_type", Reason: fmt.Sprintf("unknown change %q", e.ChangeType)}
	}
	return e.Adjustment.validate(e.Type(), adjustmentOptional)
}

func (e ProductGrant) validate() error {
	if e.SubscriptionID != nil && e.OneTimePurchaseID != nil {
		return &generic.ValidationError{Field: string(e.Type()), Reason: "subscription_id and one_time_purchase_id are mutually exclusive"}
	}
	return e.Adjustment.validate(e.Type(), adjustmentForbidden)
}

func (e ProductRevocation) validate() error {
	return e.Adjustment.validate(e.Type(), adjustmentRequired)
}

func (e ItemQuantityChange) validate() error {
	return e.Adjustment.validate(e.Type(), adjustmentOptional)
}

func (e ItemQuantityExpire) validate() error {
	return e.Adjustment.validate(e.Type(), adjustmentRequired)
}

func (e MoneyTransfer) validate() error {
	return e.Adjustment.validate(e.Type(), adjustmentOptional)
}

func (e DefaultProductsChange) validate() error {
	return e.Adjustment.validate(e.Type(), adjustmentOptional)
}

func (e DefaultProductItemGrant) validate() error {
	return e.Adjustment.validate(e.Type(), adjustmentOptional)
}

func (e DefaultProductItemChange) validate() error {
	return e.Adjustment.validate(e.Type(), adjustmentOptional)
}

func (e DefaultProductItemExpire) validate() error {
	return e.Adjustment.validate(e.Type(), adjustmentRequired)
}

// =============================================================================
// CODEC
// =============================================================================

// MarshalEntry encodes an entry with its "type" tag.
func MarshalEntry(e Entry) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, err := json.Marshal(e.Type())
	if err != nil {
		return nil, err
	}
	fields["type"] = tag
	return json.Marshal(fields)
}

// UnmarshalEntry decodes a tagged entry. Unknown tags are an error.
func UnmarshalEntry(data []byte) (Entry, error) {
	var head struct {
		Type EntryType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	var (
		entry Entry
		err   error
	)
	switch head.Type {
	case EntryActiveSubscriptionStart:
		entry, err = decodeAs[ActiveSubscriptionStart](data)
	case EntryActiveSubscriptionStop:
		entry, err = decodeAs[ActiveSubscriptionStop](data)
	case EntryActiveSubscriptionChange:
		entry, err = decodeAs[ActiveSubscriptionChange](data)
	case EntryProductGrant:
		entry, err = decodeAs[ProductGrant](data)
	case EntryProductRevocation:
		entry, err = decodeAs[ProductRevocation](data)
	case EntryItemQuantityChange:
		entry, err = decodeAs[ItemQuantityChange](data)
	case EntryItemQuantityExpire:
		entry, err = decodeAs[ItemQuantityExpire](data)
	case EntryMoneyTransfer:
		entry, err = decodeAs[MoneyTransfer](data)
	case EntryDefaultProductsChange:
		entry, err = decodeAs[DefaultProductsChange](data)
	case EntryDefaultProductItemGrant:
		entry, err = decodeAs[DefaultProductItemGrant](data)
	case EntryDefaultProductItemChange:
		entry, err = decodeAs[DefaultProductItemChange](data)
	case EntryDefaultProductItemExpire:
		entry, err = decodeAs[DefaultProductItemExpire](data)
	default:
		return nil, fmt.Errorf("%w: %q", generic.ErrUnknownEntryType, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s entry: %w", head.Type, err)
	}
	if err := entry.validate(); err != nil {
		return nil, err
	}
	return entry, nil
}

func decodeAs[T Entry](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
