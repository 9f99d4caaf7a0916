package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ufaas/payping-ipg/internal/models"
)

// PurchaseRepository persists purchases. Lifecycle transitions are
// compare-and-set updates keyed on the current status, so a purchase leaves
// PENDING at most once even under concurrent callbacks.
type PurchaseRepository interface {
	Create(ctx context.Context, purchase *models.Purchase) error
	GetByUID(ctx context.Context, uid uuid.UUID) (*models.Purchase, error)
	GetByCode(ctx context.Context, businessName, code string) (*models.Purchase, error)
	SetStarted(ctx context.Context, uid uuid.UUID, code string) (*models.Purchase, error)
	SetVerified(ctx context.Context, uid uuid.UUID, refID string, verifiedAt time.Time, report string) (*models.Purchase, error)
	SetFailed(ctx context.Context, uid uuid.UUID, reason string, report string) (*models.Purchase, error)
	SetRefunded(ctx context.Context, uid uuid.UUID) (*models.Purchase, error)
	UpdateMeta(ctx context.Context, uid uuid.UUID, meta map[string]any) error
	UpdatePhone(ctx context.Context, uid uuid.UUID, phone string) error
}
