package payments

import (
	"context"

	"github.com/sokoflow/backend/pkg/logging"
)

// LogPayout acknowledges approved withdrawals without moving money.
// Tenants are paid out through a manual B2C batch until the Daraja B2C
// rail is wired; the transaction record is the batch's source of truth.
type LogPayout struct {
	logger *logging.Logger
}

// NewLogPayout builds the dispatcher.
func NewLogPayout(logger *logging.Logger) *LogPayout {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogPayout{logger: logger.WithComponent("payout")}
}

// Dispatch records the payout intent.
func (p *LogPayout) Dispatch(_ context.Context, tenantID, txnID string, amount float64, currency string) error {
	p.logger.Info("payout queued for manual batch",
		"tenant_id", tenantID, "txn_id", txnID, "amount", amount, "currency", currency)
	return nil
}
