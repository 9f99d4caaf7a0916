package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Participant struct {
	WalletID uuid.UUID       `json:"wallet_id"`
	Amount   decimal.Decimal `json:"amount"`
}

// Proposal is the balanced transfer booked on the ledger after a successful
// purchase. It is never persisted here, only posted.
type Proposal struct {
	Amount       decimal.Decimal `json:"amount"`
	Description  string          `json:"description,omitempty"`
	Note         string          `json:"note,omitempty"`
	Currency     string          `json:"currency"`
	TaskStatus   string          `json:"task_status"`
	Participants []Participant   `json:"participants"`
	MetaData     map[string]any  `json:"meta_data,omitempty"`
}

// Balanced reports whether the participant amounts sum to zero.
func (p Proposal) Balanced() bool {
	sum := decimal.Zero
	for _, part := range p.Participants {
		sum = sum.Add(part.Amount)
	}
	return sum.IsZero()
}
