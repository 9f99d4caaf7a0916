package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	pkgerrors "github.com/ufaas/payping-ipg/pkg/errors"
)

type PurchaseStatus string

const (
	StatusInit     PurchaseStatus = "INIT"
	StatusPending  PurchaseStatus = "PENDING"
	StatusSuccess  PurchaseStatus = "SUCCESS"
	StatusFailed   PurchaseStatus = "FAILED"
	StatusRefunded PurchaseStatus = "REFUNDED"
)

// ParseStatus normalizes a raw stored status string to its canonical variant.
func ParseStatus(raw string) (PurchaseStatus, error) {
	switch PurchaseStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusInit:
		return StatusInit, nil
	case StatusPending:
		return StatusPending, nil
	case StatusSuccess:
		return StatusSuccess, nil
	case StatusFailed:
		return StatusFailed, nil
	case StatusRefunded:
		return StatusRefunded, nil
	default:
		return "", fmt.Errorf("unknown purchase status %q", raw)
	}
}

// Terminal reports whether the status can never change again through verify.
func (s PurchaseStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusRefunded
}

type Purchase struct {
	UID          uuid.UUID  `json:"uid"`
	BusinessName string     `json:"business_name"`
	UserID       *uuid.UUID `json:"user_id,omitempty"`

	WalletID    uuid.UUID       `json:"wallet_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Phone       string          `json:"phone,omitempty"`
	CallbackURL string          `json:"callback_url"`
	IsTest      bool            `json:"is_test"`

	Status        PurchaseStatus `json:"status"`
	Code          string         `json:"code,omitempty"`
	RefID         string         `json:"ref_id,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	VerifiedAt    *time.Time     `json:"verified_at,omitempty"`

	MetaData map[string]any `json:"meta_data,omitempty"`
	Reports  []string       `json:"reports,omitempty"`

	IsDeleted bool      `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Started applies INIT -> PENDING. The gateway code is assigned exactly once
// and never reassigned.
func (p *Purchase) Started(code string) error {
	if code == "" {
		return fmt.Errorf("%w: empty gateway code", pkgerrors.ErrPurchaseDataInvalid)
	}
	if p.Status != StatusInit || p.Code != "" {
		return fmt.Errorf("%w: cannot start purchase %s in status %s", pkgerrors.ErrInvalidTransition, p.UID, p.Status)
	}
	p.Code = code
	p.Status = StatusPending
	return nil
}

// Succeed applies PENDING -> SUCCESS and records the gateway reference.
func (p *Purchase) Succeed(refID string, at time.Time) error {
	if p.Status != StatusPending {
		return fmt.Errorf("%w: cannot verify purchase %s in status %s", pkgerrors.ErrInvalidTransition, p.UID, p.Status)
	}
	p.RefID = refID
	p.Status = StatusSuccess
	p.VerifiedAt = &at
	p.Report(fmt.Sprintf("purchase successfully verified with ref_id %q", refID))
	return nil
}

// Fail applies PENDING -> FAILED, keeping the reason for reconciliation.
func (p *Purchase) Fail(reason string) error {
	if p.Status != StatusPending {
		return fmt.Errorf("%w: cannot fail purchase %s in status %s", pkgerrors.ErrInvalidTransition, p.UID, p.Status)
	}
	p.Status = StatusFailed
	p.FailureReason = reason
	p.Report(fmt.Sprintf("purchase failed because of %q", reason))
	return nil
}

// Refund applies SUCCESS -> REFUNDED. Triggered manually, never by verify.
func (p *Purchase) Refund() error {
	if p.Status != StatusSuccess {
		return fmt.Errorf("%w: cannot refund purchase %s in status %s", pkgerrors.ErrInvalidTransition, p.UID, p.Status)
	}
	p.Status = StatusRefunded
	p.Report("purchase refunded")
	return nil
}

func (p *Purchase) IsSuccessful() bool {
	return p.Status == StatusSuccess
}

// Report appends an audit note to the purchase.
func (p *Purchase) Report(note string) {
	p.Reports = append(p.Reports, note)
}

// LastReport returns the most recent audit note.
func (p *Purchase) LastReport() string {
	if len(p.Reports) == 0 {
		return ""
	}
	return p.Reports[len(p.Reports)-1]
}

// MergeMeta folds callback parameters into the purchase meta data.
func (p *Purchase) MergeMeta(extra map[string]any) {
	if len(extra) == 0 {
		return
	}
	if p.MetaData == nil {
		p.MetaData = make(map[string]any, len(extra))
	}
	for k, v := range extra {
		p.MetaData[k] = v
	}
}
