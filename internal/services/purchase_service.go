package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	stderrors "errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/ufaas/payping-ipg/internal/gateway"
	"github.com/ufaas/payping-ipg/internal/infrastructure/auth"
	"github.com/ufaas/payping-ipg/internal/infrastructure/kafka"
	"github.com/ufaas/payping-ipg/internal/infrastructure/redis"
	"github.com/ufaas/payping-ipg/internal/ledger"
	"github.com/ufaas/payping-ipg/internal/models"
	"github.com/ufaas/payping-ipg/internal/repository"
	pkgerrors "github.com/ufaas/payping-ipg/pkg/errors"
	"github.com/ufaas/payping-ipg/pkg/numtools"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const purchasesTopic = "purchases"

// Options carries the deployment-level knobs of the purchase flows. The
// subdivision factor is fixed per deployment, never derived from the tenant.
type Options struct {
	BasePath          string
	Currency          string
	AmountSubdivision int64
	MinAmount         decimal.Decimal
}

type CreatePurchaseRequest struct {
	UserID      *uuid.UUID
	WalletID    uuid.UUID
	Amount      decimal.Decimal
	Description string
	CallbackURL string
	Phone       string
	IsTest      bool
}

// StartResult mirrors the payload the start endpoint returns to callers.
type StartResult struct {
	Status bool   `json:"status"`
	Code   string `json:"code"`
	URL    string `json:"url"`
}

type PurchaseService interface {
	CreatePurchase(ctx context.Context, business *models.Business, req CreatePurchaseRequest) (*models.Purchase, error)
	GetPurchase(ctx context.Context, businessName string, uid uuid.UUID) (*models.Purchase, error)
	GetPurchaseByUID(ctx context.Context, uid uuid.UUID) (*models.Purchase, error)
	UpdatePhone(ctx context.Context, purchase *models.Purchase, phone string) error
	StartPurchase(ctx context.Context, business *models.Business, purchase *models.Purchase) (*StartResult, error)
	VerifyPurchase(ctx context.Context, business *models.Business, item *models.Purchase, code, refID string, extra map[string]any) (*models.Purchase, error)
	RefundPurchase(ctx context.Context, business *models.Business, purchase *models.Purchase) (*models.Purchase, error)
	CreateProposal(ctx context.Context, business *models.Business, purchase *models.Purchase) error
}

type purchaseService struct {
	purchases   repository.PurchaseRepository
	gateway     gateway.GatewayClient
	ledger      ledger.LedgerClient
	redisClient redis.RedisClient
	producer    kafka.KafkaProducer
	tokens      auth.TokenIssuer
	opts        Options
}

func NewPurchaseService(
	purchases repository.PurchaseRepository,
	gatewayClient gateway.GatewayClient,
	ledgerClient ledger.LedgerClient,
	redisClient redis.RedisClient,
	producer kafka.KafkaProducer,
	tokens auth.TokenIssuer,
	opts Options,
) *purchaseService {
	return &purchaseService{
		purchases:   purchases,
		gateway:     gatewayClient,
		ledger:      ledgerClient,
		redisClient: redisClient,
		producer:    producer,
		tokens:      tokens,
		opts:        opts,
	}
}

func (s *purchaseService) CreatePurchase(ctx context.Context, business *models.Business, req CreatePurchaseRequest) (*models.Purchase, error) {
	tracer := otel.Tracer("purchase-service")
	ctx, span := tracer.Start(ctx, "CreatePurchase")
	defer span.End()

	if !isValidURL(req.CallbackURL) {
		span.SetStatus(codes.Error, "invalid callback url")
		return nil, fmt.Errorf("%w: %q", pkgerrors.ErrCallbackURLNotSet, req.CallbackURL)
	}
	if !req.Amount.IsPositive() {
		span.SetStatus(codes.Error, "invalid amount")
		return nil, fmt.Errorf("%w: amount must be positive, got %s", pkgerrors.ErrPurchaseDataInvalid, req.Amount)
	}

	purchase := &models.Purchase{
		UID:          uuid.New(),
		BusinessName: business.Name,
		UserID:       req.UserID,
		WalletID:     req.WalletID,
		Amount:       req.Amount,
		Description:  req.Description,
		Phone:        req.Phone,
		CallbackURL:  req.CallbackURL,
		IsTest:       req.IsTest,
		Status:       models.StatusInit,
	}

	if err := s.purchases.Create(ctx, purchase); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "purchase creation failed")
		return nil, err
	}

	s.publish(purchase.UID.String(), map[string]any{
		"event_type":   "purchase.created",
		"purchase_uid": purchase.UID,
		"business":     business.Name,
		"amount":       purchase.Amount,
		"is_test":      purchase.IsTest,
		"created_at":   time.Now().UTC().Format(time.RFC3339),
	})

	slog.Info("purchase created", "purchase_uid", purchase.UID, "business", business.Name, "amount", purchase.Amount)
	return purchase, nil
}

func (s *purchaseService) GetPurchase(ctx context.Context, businessName string, uid uuid.UUID) (*models.Purchase, error) {
	purchase, err := s.purchases.GetByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if purchase.BusinessName != businessName {
		return nil, pkgerrors.ErrPurchaseNotFound
	}
	return purchase, nil
}

func (s *purchaseService) GetPurchaseByUID(ctx context.Context, uid uuid.UUID) (*models.Purchase, error) {
	return s.purchases.GetByUID(ctx, uid)
}

func (s *purchaseService) UpdatePhone(ctx context.Context, purchase *models.Purchase, phone string) error {
	if err := s.purchases.UpdatePhone(ctx, purchase.UID, phone); err != nil {
		return err
	}
	purchase.Phone = phone
	return nil
}

// StartPurchase registers the purchase with the gateway and applies
// INIT -> PENDING. A purchase that is already PENDING is returned as-is:
// its code is assigned at most once and never reassigned. Gateway failure
// leaves the purchase in INIT so the caller may retry.
func (s *purchaseService) StartPurchase(ctx context.Context, business *models.Business, purchase *models.Purchase) (*StartResult, error) {
	tracer := otel.Tracer("purchase-service")
	ctx, span := tracer.Start(ctx, "StartPurchase")
	defer span.End()

	if purchase.Status == models.StatusPending && purchase.Code != "" {
		slog.Info("purchase already started", "purchase_uid", purchase.UID, "code", purchase.Code)
		return &StartResult{Status: true, Code: purchase.Code, URL: s.gateway.PaymentURL(purchase.Code)}, nil
	}
	if purchase.Status != models.StatusInit {
		span.SetStatus(codes.Error, "purchase not startable")
		return nil, fmt.Errorf("%w: cannot start purchase %s in status %s", pkgerrors.ErrInvalidTransition, purchase.UID, purchase.Status)
	}

	if business.MerchantID == "" {
		span.SetStatus(codes.Error, "merchant id not set")
		return nil, fmt.Errorf("%w: business %s", pkgerrors.ErrMerchantIDNotSet, business.Name)
	}
	if !isValidURL(purchase.CallbackURL) {
		span.SetStatus(codes.Error, "invalid callback url")
		return nil, fmt.Errorf("%w: %q", pkgerrors.ErrCallbackURLNotSet, purchase.CallbackURL)
	}
	if purchase.Amount.LessThan(s.opts.MinAmount) {
		span.SetStatus(codes.Error, "amount below minimum")
		return nil, fmt.Errorf("%w: minimum amount to start purchase is %s, got %s", pkgerrors.ErrAmountLessThanMinimum, s.opts.MinAmount, purchase.Amount)
	}

	amount, err := numtools.GatewayUnits(purchase.Amount, s.opts.AmountSubdivision)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "amount normalization failed")
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrPurchaseDataInvalid, err)
	}

	returnURL := fmt.Sprintf("https://%s%s/purchases/%s/verify", business.Domain, s.opts.BasePath, purchase.UID)
	code, err := s.gateway.Start(ctx, business.MerchantID, gateway.StartRequest{
		Amount:        amount,
		Description:   purchase.Description,
		ReturnURL:     returnURL,
		ClientRefID:   purchase.UID.String(),
		PayerIdentity: purchase.Phone,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway start failed")
		slog.Error("gateway start failed", "purchase_uid", purchase.UID, "business", business.Name, "error", err)
		if stderrors.Is(err, pkgerrors.ErrCouldNotStartPurchase) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrCouldNotStartPurchase, err)
	}

	if err := purchase.Started(code); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start transition rejected")
		return nil, err
	}
	updated, err := s.purchases.SetStarted(ctx, purchase.UID, code)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start transition failed")
		return nil, err
	}
	*purchase = *updated

	s.publish(purchase.UID.String(), map[string]any{
		"event_type":   "purchase.started",
		"purchase_uid": purchase.UID,
		"business":     business.Name,
		"code":         code,
		"created_at":   time.Now().UTC().Format(time.RFC3339),
	})

	slog.Info("purchase started", "purchase_uid", purchase.UID, "code", code)
	return &StartResult{Status: true, Code: code, URL: s.gateway.PaymentURL(code)}, nil
}

// VerifyPurchase settles the purchase referenced by a gateway callback. A
// gateway rejection is not an error here: it becomes a FAILED purchase, so
// the HTTP layer can always redirect the payer back to the merchant. Only a
// resolution failure (unknown code, uid mismatch) returns an error.
func (s *purchaseService) VerifyPurchase(ctx context.Context, business *models.Business, item *models.Purchase, code, refID string, extra map[string]any) (*models.Purchase, error) {
	tracer := otel.Tracer("purchase-service")
	ctx, span := tracer.Start(ctx, "VerifyPurchase")
	defer span.End()

	// Serialize concurrent callbacks for the same purchase. The repository's
	// compare-and-set transition is the correctness guarantee; the lock keeps
	// duplicates from racing to the gateway.
	lockKey := fmt.Sprintf("purchase:%s:verify", item.UID)
	ok, err := s.redisClient.SetNX(ctx, lockKey, "locked", 30*time.Second)
	if err != nil {
		slog.Error("failed to acquire verify lock", "purchase_uid", item.UID, "error", err)
	} else if !ok {
		// Another callback for this purchase is in flight. Return the stored
		// purchase so the payer still ends up on the merchant callback URL.
		slog.Info("verification already in progress", "purchase_uid", item.UID)
		return s.purchases.GetByUID(ctx, item.UID)
	} else {
		defer s.redisClient.Del(ctx, lockKey)
	}

	purchase, err := s.purchases.GetByCode(ctx, business.Name, code)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "purchase not resolved")
		if stderrors.Is(err, pkgerrors.ErrPurchaseNotFound) {
			return nil, fmt.Errorf("%w: %s", pkgerrors.ErrPurchaseNotFound, code)
		}
		return nil, err
	}

	if purchase.UID != item.UID {
		span.SetStatus(codes.Error, "uid mismatch")
		slog.Error("purchase uid does not match callback", "purchase_uid", purchase.UID, "item_uid", item.UID, "code", code)
		return nil, fmt.Errorf("%w: uid does not match for %s", pkgerrors.ErrGatewayMismatch, code)
	}

	// Duplicate callback or a re-submitted return URL: no-op.
	if purchase.Status.Terminal() {
		slog.Info("purchase already terminal, verify is a no-op", "purchase_uid", purchase.UID, "status", purchase.Status)
		return purchase, nil
	}

	if len(extra) > 0 {
		purchase.MergeMeta(extra)
		if err := s.purchases.UpdateMeta(ctx, purchase.UID, purchase.MetaData); err != nil {
			slog.Error("failed to persist callback meta_data", "purchase_uid", purchase.UID, "error", err)
		}
	}

	amount, err := numtools.GatewayUnits(purchase.Amount, s.opts.AmountSubdivision)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrPurchaseDataInvalid, err)
	}

	var (
		updated   *models.Purchase
		applyErr  error
		eventType string
	)
	if verifyErr := s.gateway.Verify(ctx, business.MerchantID, amount, refID); verifyErr != nil {
		slog.Error("gateway verify failed", "purchase_uid", purchase.UID, "ref_id", refID, "error", verifyErr)
		eventType = "purchase.failed"
		if applyErr = purchase.Fail(verifyErr.Error()); applyErr == nil {
			updated, applyErr = s.purchases.SetFailed(ctx, purchase.UID, purchase.FailureReason, purchase.LastReport())
		}
	} else {
		eventType = "purchase.succeeded"
		if applyErr = purchase.Succeed(refID, time.Now().UTC()); applyErr == nil {
			updated, applyErr = s.purchases.SetVerified(ctx, purchase.UID, purchase.RefID, *purchase.VerifiedAt, purchase.LastReport())
		}
	}

	if applyErr != nil {
		// A concurrent callback won the compare-and-set; the stored purchase
		// already carries the terminal outcome.
		if stderrors.Is(applyErr, pkgerrors.ErrInvalidTransition) {
			return s.purchases.GetByUID(ctx, purchase.UID)
		}
		span.RecordError(applyErr)
		span.SetStatus(codes.Error, "verify transition failed")
		return nil, applyErr
	}

	s.publish(updated.UID.String(), map[string]any{
		"event_type":   eventType,
		"purchase_uid": updated.UID,
		"business":     business.Name,
		"status":       updated.Status,
		"ref_id":       updated.RefID,
		"created_at":   time.Now().UTC().Format(time.RFC3339),
	})

	slog.Info("purchase verified", "purchase_uid", updated.UID, "status", updated.Status, "ref_id", refID)
	return updated, nil
}

// RefundPurchase applies SUCCESS -> REFUNDED, the manual terminal transition.
func (s *purchaseService) RefundPurchase(ctx context.Context, business *models.Business, purchase *models.Purchase) (*models.Purchase, error) {
	tracer := otel.Tracer("purchase-service")
	ctx, span := tracer.Start(ctx, "RefundPurchase")
	defer span.End()

	if err := purchase.Refund(); err != nil {
		span.SetStatus(codes.Error, "purchase not refundable")
		return nil, err
	}
	updated, err := s.purchases.SetRefunded(ctx, purchase.UID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refund transition failed")
		return nil, err
	}
	*purchase = *updated

	s.publish(updated.UID.String(), map[string]any{
		"event_type":   "purchase.refunded",
		"purchase_uid": updated.UID,
		"business":     business.Name,
		"ref_id":       updated.RefID,
		"created_at":   time.Now().UTC().Format(time.RFC3339),
	})

	slog.Info("purchase refunded", "purchase_uid", updated.UID, "business", business.Name)
	return updated, nil
}

// CreateProposal books a balanced two-party transfer on the ledger for a
// successful purchase. The redis guard keeps the booking at most once; a
// ledger failure releases it and leaves the purchase SUCCESS but unbooked.
func (s *purchaseService) CreateProposal(ctx context.Context, business *models.Business, purchase *models.Purchase) error {
	tracer := otel.Tracer("purchase-service")
	ctx, span := tracer.Start(ctx, "CreateProposal")
	defer span.End()

	if !purchase.IsSuccessful() {
		span.SetStatus(codes.Error, "purchase not successful")
		return fmt.Errorf("%w: proposal requires a successful purchase, got %s", pkgerrors.ErrPayPing, purchase.Status)
	}

	bookKey := fmt.Sprintf("purchase:%s:proposal", purchase.UID)
	ok, err := s.redisClient.SetNX(ctx, bookKey, "booked", 24*time.Hour)
	if err != nil {
		slog.Error("failed to set proposal guard", "purchase_uid", purchase.UID, "error", err)
	} else if !ok {
		slog.Info("proposal already booked", "purchase_uid", purchase.UID)
		return nil
	}

	proposal := models.Proposal{
		Amount:      purchase.Amount,
		Description: purchase.Description,
		Currency:    s.opts.Currency,
		TaskStatus:  "init",
		Participants: []models.Participant{
			{WalletID: purchase.WalletID, Amount: purchase.Amount},
			{WalletID: business.IncomeWalletID, Amount: purchase.Amount.Neg()},
		},
	}
	if !proposal.Balanced() {
		span.SetStatus(codes.Error, "unbalanced proposal")
		return fmt.Errorf("%w: proposal participants do not sum to zero", pkgerrors.ErrPurchaseDataInvalid)
	}

	accessToken, err := s.tokens.Issue(business)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token issue failed")
		s.redisClient.Del(ctx, bookKey)
		return fmt.Errorf("%w: failed to get access token: %v", pkgerrors.ErrProposalRejected, err)
	}

	if err := s.ledger.CreateProposal(ctx, business.LedgerURL, accessToken, proposal); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "proposal rejected")
		s.redisClient.Del(ctx, bookKey)
		s.publish(purchase.UID.String(), map[string]any{
			"event_type":   "purchase.proposal_failed",
			"purchase_uid": purchase.UID,
			"business":     business.Name,
			"error":        err.Error(),
			"created_at":   time.Now().UTC().Format(time.RFC3339),
		})
		slog.Error("proposal booking failed, purchase left unbooked", "purchase_uid", purchase.UID, "error", err)
		return err
	}

	s.publish(purchase.UID.String(), map[string]any{
		"event_type":   "purchase.proposal_booked",
		"purchase_uid": purchase.UID,
		"business":     business.Name,
		"amount":       purchase.Amount,
		"created_at":   time.Now().UTC().Format(time.RFC3339),
	})

	slog.Info("proposal booked", "purchase_uid", purchase.UID, "amount", purchase.Amount)
	return nil
}

func (s *purchaseService) publish(key string, event map[string]any) {
	raw, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal event", "key", key, "error", err)
		return
	}
	go func() {
		retries := 3
		for i := 0; i < retries; i++ {
			if err := s.producer.Send(context.Background(), purchasesTopic, key, raw); err == nil {
				return
			}
			time.Sleep(time.Second * time.Duration(i+1))
		}
		slog.Error("failed to send purchase event after retries", "key", key)
	}()
}

func isValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
