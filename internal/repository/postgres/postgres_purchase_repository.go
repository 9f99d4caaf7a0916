package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	stderrors "errors"

	"github.com/google/uuid"
	"github.com/ufaas/payping-ipg/internal/infrastructure/observability"
	"github.com/ufaas/payping-ipg/internal/models"
	pkgerrors "github.com/ufaas/payping-ipg/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const purchaseColumns = `uid, business_name, user_id, wallet_id, amount, description, phone, callback_url, is_test, status, code, ref_id, failure_reason, verified_at, meta_data, reports, created_at, updated_at`

type PostgresPurchaseRepository struct {
	db *sql.DB
}

func NewPostgresPurchaseRepository(db *sql.DB) *PostgresPurchaseRepository {
	return &PostgresPurchaseRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row rowScanner) (*models.Purchase, error) {
	var (
		p                                  models.Purchase
		userID, code, refID, failureReason sql.NullString
		verifiedAt                         sql.NullTime
		rawStatus                          string
		metaData, reports                  []byte
	)
	err := row.Scan(
		&p.UID, &p.BusinessName, &userID, &p.WalletID, &p.Amount,
		&p.Description, &p.Phone, &p.CallbackURL, &p.IsTest, &rawStatus,
		&code, &refID, &failureReason, &verifiedAt,
		&metaData, &reports, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// Stored statuses may predate the canonical enum; normalize on the way in.
	status, err := models.ParseStatus(rawStatus)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrPurchaseDataInvalid, err)
	}
	p.Status = status

	if userID.Valid {
		id, err := uuid.Parse(userID.String)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid user_id: %v", pkgerrors.ErrPurchaseDataInvalid, err)
		}
		p.UserID = &id
	}
	p.Code = code.String
	p.RefID = refID.String
	p.FailureReason = failureReason.String
	if verifiedAt.Valid {
		t := verifiedAt.Time
		p.VerifiedAt = &t
	}
	if len(metaData) > 0 {
		if err := json.Unmarshal(metaData, &p.MetaData); err != nil {
			return nil, fmt.Errorf("%w: invalid meta_data: %v", pkgerrors.ErrPurchaseDataInvalid, err)
		}
	}
	if len(reports) > 0 {
		if err := json.Unmarshal(reports, &p.Reports); err != nil {
			return nil, fmt.Errorf("%w: invalid reports: %v", pkgerrors.ErrPurchaseDataInvalid, err)
		}
	}
	return &p, nil
}

func (r *PostgresPurchaseRepository) Create(ctx context.Context, purchase *models.Purchase) error {
	var err error
	tracer := otel.Tracer("purchase-repository")
	ctx, span := tracer.Start(ctx, "CreatePurchase")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("CreatePurchase", status).Inc()
		observability.RepositoryDuration.WithLabelValues("CreatePurchase").Observe(time.Since(start).Seconds())
	}()

	if purchase == nil {
		err = fmt.Errorf("%w: purchase is nil", pkgerrors.ErrPurchaseDataInvalid)
		return err
	}

	span.SetAttributes(
		attribute.String("purchase_uid", purchase.UID.String()),
		attribute.String("business", purchase.BusinessName),
	)

	var userID any
	if purchase.UserID != nil {
		userID = purchase.UserID.String()
	}
	metaData, err := json.Marshal(purchase.MetaData)
	if err != nil {
		return fmt.Errorf("failed to marshal meta_data: %w", err)
	}

	query := `
	INSERT INTO purchases (uid, business_name, user_id, wallet_id, amount, description, phone, callback_url, is_test, status, meta_data)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	RETURNING created_at, updated_at
	`
	err = r.db.QueryRowContext(ctx, query,
		purchase.UID, purchase.BusinessName, userID, purchase.WalletID,
		purchase.Amount, purchase.Description, purchase.Phone,
		purchase.CallbackURL, purchase.IsTest, string(purchase.Status), metaData,
	).Scan(&purchase.CreatedAt, &purchase.UpdatedAt)
	if err != nil {
		slog.Error("failed to create purchase", "purchase_uid", purchase.UID, "error", err)
		return fmt.Errorf("failed to create purchase: %w", err)
	}

	slog.Info("purchase created", "purchase_uid", purchase.UID, "business", purchase.BusinessName)
	return nil
}

func (r *PostgresPurchaseRepository) GetByUID(ctx context.Context, uid uuid.UUID) (*models.Purchase, error) {
	var err error
	tracer := otel.Tracer("purchase-repository")
	ctx, span := tracer.Start(ctx, "GetPurchaseByUID")
	span.SetAttributes(attribute.String("purchase_uid", uid.String()))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("GetPurchaseByUID", status).Inc()
		observability.RepositoryDuration.WithLabelValues("GetPurchaseByUID").Observe(time.Since(start).Seconds())
	}()

	query := fmt.Sprintf(`SELECT %s FROM purchases WHERE uid = $1 AND is_deleted = FALSE`, purchaseColumns)
	purchase, err := scanPurchase(r.db.QueryRowContext(ctx, query, uid))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrPurchaseNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get purchase by uid", "purchase_uid", uid, "error", err)
		return nil, fmt.Errorf("failed to get purchase by uid: %w", err)
	}
	return purchase, nil
}

// GetByCode resolves the authoritative purchase for a gateway callback.
// A (business, code) pair identifies at most one purchase.
func (r *PostgresPurchaseRepository) GetByCode(ctx context.Context, businessName, code string) (*models.Purchase, error) {
	var err error
	tracer := otel.Tracer("purchase-repository")
	ctx, span := tracer.Start(ctx, "GetPurchaseByCode")
	span.SetAttributes(attribute.String("business", businessName), attribute.String("code", code))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("GetPurchaseByCode", status).Inc()
		observability.RepositoryDuration.WithLabelValues("GetPurchaseByCode").Observe(time.Since(start).Seconds())
	}()

	query := fmt.Sprintf(`SELECT %s FROM purchases WHERE business_name = $1 AND code = $2 AND is_deleted = FALSE`, purchaseColumns)
	purchase, err := scanPurchase(r.db.QueryRowContext(ctx, query, businessName, code))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrPurchaseNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get purchase by code", "business", businessName, "code", code, "error", err)
		return nil, fmt.Errorf("failed to get purchase by code: %w", err)
	}
	return purchase, nil
}

// SetStarted applies INIT -> PENDING. The status and code guards in the
// WHERE clause make the transition atomic: a second start finds no row.
func (r *PostgresPurchaseRepository) SetStarted(ctx context.Context, uid uuid.UUID, code string) (*models.Purchase, error) {
	return r.transition(ctx, "SetStarted", `
		UPDATE purchases
		SET status = 'PENDING', code = $2, updated_at = NOW()
		WHERE uid = $1 AND status = 'INIT' AND code IS NULL AND is_deleted = FALSE
		RETURNING `+purchaseColumns,
		uid, code)
}

// SetVerified applies PENDING -> SUCCESS exactly once.
func (r *PostgresPurchaseRepository) SetVerified(ctx context.Context, uid uuid.UUID, refID string, verifiedAt time.Time, report string) (*models.Purchase, error) {
	reports, err := json.Marshal([]string{report})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return r.transition(ctx, "SetVerified", `
		UPDATE purchases
		SET status = 'SUCCESS', ref_id = $2, verified_at = $3,
		    reports = COALESCE(reports, '[]'::jsonb) || $4::jsonb, updated_at = NOW()
		WHERE uid = $1 AND status = 'PENDING' AND is_deleted = FALSE
		RETURNING `+purchaseColumns,
		uid, refID, verifiedAt, reports)
}

// SetFailed applies PENDING -> FAILED exactly once.
func (r *PostgresPurchaseRepository) SetFailed(ctx context.Context, uid uuid.UUID, reason string, report string) (*models.Purchase, error) {
	reports, err := json.Marshal([]string{report})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return r.transition(ctx, "SetFailed", `
		UPDATE purchases
		SET status = 'FAILED', failure_reason = $2,
		    reports = COALESCE(reports, '[]'::jsonb) || $3::jsonb, updated_at = NOW()
		WHERE uid = $1 AND status = 'PENDING' AND is_deleted = FALSE
		RETURNING `+purchaseColumns,
		uid, reason, reports)
}

// SetRefunded applies SUCCESS -> REFUNDED, the manual terminal state.
func (r *PostgresPurchaseRepository) SetRefunded(ctx context.Context, uid uuid.UUID) (*models.Purchase, error) {
	return r.transition(ctx, "SetRefunded", `
		UPDATE purchases
		SET status = 'REFUNDED', updated_at = NOW()
		WHERE uid = $1 AND status = 'SUCCESS' AND is_deleted = FALSE
		RETURNING `+purchaseColumns,
		uid)
}

func (r *PostgresPurchaseRepository) transition(ctx context.Context, method, query string, args ...any) (*models.Purchase, error) {
	var err error
	tracer := otel.Tracer("purchase-repository")
	ctx, span := tracer.Start(ctx, method)
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues(method, status).Inc()
		observability.RepositoryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	purchase, err := scanPurchase(r.db.QueryRowContext(ctx, query, args...))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrInvalidTransition
		slog.Warn("purchase transition rejected", "method", method, "error", err)
		return nil, err
	}
	if err != nil {
		slog.Error("purchase transition failed", "method", method, "error", err)
		return nil, fmt.Errorf("purchase transition failed: %w", err)
	}

	slog.Info("purchase transition applied", "method", method, "purchase_uid", purchase.UID, "status", purchase.Status)
	return purchase, nil
}

func (r *PostgresPurchaseRepository) UpdateMeta(ctx context.Context, uid uuid.UUID, meta map[string]any) error {
	var err error
	tracer := otel.Tracer("purchase-repository")
	ctx, span := tracer.Start(ctx, "UpdatePurchaseMeta")
	span.SetAttributes(attribute.String("purchase_uid", uid.String()))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("UpdatePurchaseMeta", status).Inc()
		observability.RepositoryDuration.WithLabelValues("UpdatePurchaseMeta").Observe(time.Since(start).Seconds())
	}()

	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal meta_data: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE purchases SET meta_data = $2, updated_at = NOW() WHERE uid = $1 AND is_deleted = FALSE`, uid, raw)
	if err != nil {
		slog.Error("failed to update purchase meta_data", "purchase_uid", uid, "error", err)
		return fmt.Errorf("failed to update meta_data: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = pkgerrors.ErrPurchaseNotFound
		return err
	}
	return nil
}

func (r *PostgresPurchaseRepository) UpdatePhone(ctx context.Context, uid uuid.UUID, phone string) error {
	var err error
	tracer := otel.Tracer("purchase-repository")
	ctx, span := tracer.Start(ctx, "UpdatePurchasePhone")
	span.SetAttributes(attribute.String("purchase_uid", uid.String()))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("UpdatePurchasePhone", status).Inc()
		observability.RepositoryDuration.WithLabelValues("UpdatePurchasePhone").Observe(time.Since(start).Seconds())
	}()

	res, err := r.db.ExecContext(ctx, `UPDATE purchases SET phone = $2, updated_at = NOW() WHERE uid = $1 AND is_deleted = FALSE`, uid, phone)
	if err != nil {
		slog.Error("failed to update purchase phone", "purchase_uid", uid, "error", err)
		return fmt.Errorf("failed to update phone: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = pkgerrors.ErrPurchaseNotFound
		return err
	}
	return nil
}
