package api

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/warp/billing-ledger/payments"
)

// LogProcessor is a payments.Processor that accepts every call and logs
// it. `serve` uses it when no processor integration is configured.
type LogProcessor struct {
	Logger zerolog.Logger
}

var _ payments.Processor = LogProcessor{}

func (p LogProcessor) Refund(_ context.Context, paymentID string, amountMinorUnits int64, currency string) error {
	p.Logger.Info().
		Str("payment_id", paymentID).
		Int64("amount_minor_units", amountMinorUnits).
		Str("currency", currency).
		Msg("processor refund")
	return nil
}

func (p LogProcessor) UpdateSubscriptionQuantity(_ context.Context, processorSubscriptionID string, quantity int64, cancelAtPeriodEnd bool) error {
	p.Logger.Info().
		Str("processor_subscription_id", processorSubscriptionID).
		Int64("quantity", quantity).
		Bool("cancel_at_period_end", cancelAtPeriodEnd).
		Msg("processor subscription update")
	return nil
}
