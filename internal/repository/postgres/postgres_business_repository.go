package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ufaas/payping-ipg/internal/models"
	pkgerrors "github.com/ufaas/payping-ipg/pkg/errors"
)

type PostgresBusinessRepository struct {
	db *sql.DB
}

func NewPostgresBusinessRepository(db *sql.DB) *PostgresBusinessRepository {
	return &PostgresBusinessRepository{db: db}
}

func (r *PostgresBusinessRepository) GetByName(ctx context.Context, name string) (*models.Business, error) {
	if name == "" {
		return nil, fmt.Errorf("business name cannot be empty")
	}

	query := `SELECT name, domain, merchant_id, income_wallet_id, ledger_url, api_secret FROM businesses WHERE name = $1`

	var business models.Business
	err := r.db.QueryRowContext(ctx, query, name).Scan(
		&business.Name,
		&business.Domain,
		&business.MerchantID,
		&business.IncomeWalletID,
		&business.LedgerURL,
		&business.APISecret,
	)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, pkgerrors.ErrBusinessNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to get business by name: %w", err)
	}

	return &business, nil
}
