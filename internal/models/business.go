package models

import "github.com/google/uuid"

// Business is the owning merchant account. The merchant credential
// authenticates calls to the payment gateway, the income wallet receives the
// debit leg of booked proposals, and the API secret signs ledger access
// tokens.
type Business struct {
	Name           string    `json:"name"`
	Domain         string    `json:"domain"`
	MerchantID     string    `json:"-"`
	IncomeWalletID uuid.UUID `json:"income_wallet_id"`
	LedgerURL      string    `json:"ledger_url"`
	APISecret      string    `json:"-"`
}
