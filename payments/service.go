package payments

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/billing-ledger/generic"
)

// Service is the query entry point over the ledger.
type Service struct {
	Store         Store
	Clock         func() time.Time
	Logger        zerolog.Logger
	ListCacheSize int
}

// NewService creates a ledger service reading from store.
func NewService(store Store, logger zerolog.Logger) *Service {
	return &Service{
		Store:         store,
		Clock:         time.Now,
		Logger:        logger,
		ListCacheSize: defaultListCacheSize,
	}
}

// Now returns the service clock as Millis.
func (s *Service) Now() generic.Millis {
	return generic.FromTime(s.Clock())
}

// NewList returns a transaction list replaying up to the current instant.
func (s *Service) NewList(tenancy generic.TenancyID) *TransactionList {
	return s.NewListAt(tenancy, s.Now())
}

// NewListAt returns a transaction list replaying up to at.
func (s *Service) NewListAt(tenancy generic.TenancyID, at generic.Millis) *TransactionList {
	return NewTransactionList(s.Store, tenancy, at, s.ListCacheSize, s.Logger)
}

// CustomerTransactions returns every transaction relevant to a customer at
// an instant, newest first.
func (s *Service) CustomerTransactions(ctx context.Context, tenancy generic.TenancyID, customer generic.Customer, at generic.Millis) ([]Transaction, error) {
	list := s.NewListAt(tenancy, at)
	return list.All(ctx, ListFilter{CustomerType: customer.Type, CustomerID: customer.ID})
}

// ItemBalance returns the quantity of an item a customer holds at an instant.
func (s *Service) ItemBalance(ctx context.Context, tenancy generic.TenancyID, itemID string, customer generic.Customer, at generic.Millis) (int64, error) {
	txs, err := s.CustomerTransactions(ctx, tenancy, customer, at)
	if err != nil {
		return 0, err
	}
	records, err := ItemRecords(txs, itemID, customer)
	if err != nil {
		return 0, err
	}
	return generic.BalanceAt(records, at), nil
}

// OwnedProducts returns the products a customer holds at an instant.
func (s *Service) OwnedProducts(ctx context.Context, tenancy generic.TenancyID, customer generic.Customer, at generic.Millis) ([]OwnedProduct, error) {
	txs, err := s.CustomerTransactions(ctx, tenancy, customer, at)
	if err != nil {
		return nil, err
	}
	return OwnedProducts(txs, customer), nil
}
