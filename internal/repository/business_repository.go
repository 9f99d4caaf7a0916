package repository

import (
	"context"

	"github.com/ufaas/payping-ipg/internal/models"
)

type BusinessRepository interface {
	GetByName(ctx context.Context, name string) (*models.Business, error)
}
