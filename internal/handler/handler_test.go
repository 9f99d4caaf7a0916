package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/ufaas/payping-ipg/internal/models"
	service "github.com/ufaas/payping-ipg/internal/services"
	pkgerrors "github.com/ufaas/payping-ipg/pkg/errors"
)

type fakeService struct {
	purchases map[uuid.UUID]*models.Purchase

	lastCreateReq service.CreatePurchaseRequest
	createErr     error

	startResult *service.StartResult
	startErr    error

	verifyResult *models.Purchase
	verifyErr    error
	verifyCalls  int

	proposalErr   error
	proposalCalls int

	refundCalls int

	phoneUpdates []string
}

func newFakeService() *fakeService {
	return &fakeService{purchases: make(map[uuid.UUID]*models.Purchase)}
}

func (f *fakeService) CreatePurchase(ctx context.Context, business *models.Business, req service.CreatePurchaseRequest) (*models.Purchase, error) {
	f.lastCreateReq = req
	if f.createErr != nil {
		return nil, f.createErr
	}
	p := &models.Purchase{
		UID:          uuid.New(),
		BusinessName: business.Name,
		UserID:       req.UserID,
		WalletID:     req.WalletID,
		Amount:       req.Amount,
		Description:  req.Description,
		CallbackURL:  req.CallbackURL,
		Phone:        req.Phone,
		IsTest:       req.IsTest,
		Status:       models.StatusInit,
	}
	f.purchases[p.UID] = p
	return p, nil
}

func (f *fakeService) GetPurchase(ctx context.Context, businessName string, uid uuid.UUID) (*models.Purchase, error) {
	p, ok := f.purchases[uid]
	if !ok || p.BusinessName != businessName {
		return nil, pkgerrors.ErrPurchaseNotFound
	}
	return p, nil
}

func (f *fakeService) GetPurchaseByUID(ctx context.Context, uid uuid.UUID) (*models.Purchase, error) {
	p, ok := f.purchases[uid]
	if !ok {
		return nil, pkgerrors.ErrPurchaseNotFound
	}
	return p, nil
}

func (f *fakeService) UpdatePhone(ctx context.Context, purchase *models.Purchase, phone string) error {
	f.phoneUpdates = append(f.phoneUpdates, phone)
	purchase.Phone = phone
	return nil
}

func (f *fakeService) StartPurchase(ctx context.Context, business *models.Business, purchase *models.Purchase) (*service.StartResult, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.startResult != nil {
		return f.startResult, nil
	}
	return &service.StartResult{Status: true, Code: "ABC123", URL: "https://api.payping.ir/v2/pay/gotoipg/ABC123"}, nil
}

func (f *fakeService) VerifyPurchase(ctx context.Context, business *models.Business, item *models.Purchase, code, refID string, extra map[string]any) (*models.Purchase, error) {
	f.verifyCalls++
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.verifyResult, nil
}

func (f *fakeService) RefundPurchase(ctx context.Context, business *models.Business, purchase *models.Purchase) (*models.Purchase, error) {
	f.refundCalls++
	if err := purchase.Refund(); err != nil {
		return nil, err
	}
	return purchase, nil
}

func (f *fakeService) CreateProposal(ctx context.Context, business *models.Business, purchase *models.Purchase) error {
	f.proposalCalls++
	return f.proposalErr
}

type fakeBusinesses struct {
	byName map[string]*models.Business
}

func (f *fakeBusinesses) GetByName(ctx context.Context, name string) (*models.Business, error) {
	b, ok := f.byName[name]
	if !ok {
		return nil, pkgerrors.ErrBusinessNotFound
	}
	return b, nil
}

func handlerBusiness() *models.Business {
	return &models.Business{
		Name:           "pixy",
		Domain:         "pixy.ir",
		MerchantID:     "merchant-1",
		IncomeWalletID: uuid.New(),
		LedgerURL:      "https://core.example/api/v1/proposals",
		APISecret:      "api-secret",
	}
}

func newTestRouter(svc *fakeService, business *models.Business) *mux.Router {
	h := NewHandler(svc, &fakeBusinesses{byName: map[string]*models.Business{business.Name: business}})
	r := mux.NewRouter()
	h.RegisterCallbackRoutes(r)
	h.RegisterRoutes(r)
	return r
}

func withBusiness(r *http.Request, business *models.Business) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), "business", business))
}

func TestHandler_CreatePurchase(t *testing.T) {
	t.Run("creates purchase for the tenant", func(t *testing.T) {
		svc := newFakeService()
		business := handlerBusiness()
		router := newTestRouter(svc, business)

		body, _ := json.Marshal(map[string]any{
			"wallet_id":    uuid.New(),
			"amount":       "10000",
			"description":  "gold subscription",
			"callback_url": "https://merchant.example/cb",
		})
		req := httptest.NewRequest("POST", "/purchases", bytes.NewReader(body))
		req = withBusiness(req, business)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusCreated, rec.Code)
		var got models.Purchase
		assert.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
		assert.Equal(t, models.StatusInit, got.Status)
		assert.Equal(t, "pixy", got.BusinessName)
	})

	t.Run("authenticated user owns the purchase", func(t *testing.T) {
		svc := newFakeService()
		business := handlerBusiness()
		router := newTestRouter(svc, business)

		payloadUser := uuid.New()
		tokenUser := uuid.New()
		body, _ := json.Marshal(map[string]any{
			"user_id":      payloadUser,
			"wallet_id":    uuid.New(),
			"amount":       "10000",
			"callback_url": "https://merchant.example/cb",
		})
		req := httptest.NewRequest("POST", "/purchases", bytes.NewReader(body))
		req = withBusiness(req, business)
		req = req.WithContext(context.WithValue(req.Context(), "user_id", tokenUser))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.NotNil(t, svc.lastCreateReq.UserID)
		assert.Equal(t, tokenUser, *svc.lastCreateReq.UserID)
	})

	t.Run("missing tenant", func(t *testing.T) {
		svc := newFakeService()
		business := handlerBusiness()
		router := newTestRouter(svc, business)

		req := httptest.NewRequest("POST", "/purchases", strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandler_GetPurchase(t *testing.T) {
	svc := newFakeService()
	business := handlerBusiness()
	router := newTestRouter(svc, business)

	purchase := &models.Purchase{
		UID:          uuid.New(),
		BusinessName: business.Name,
		Amount:       decimal.NewFromInt(10000),
		Status:       models.StatusPending,
		Code:         "ABC123",
	}
	svc.purchases[purchase.UID] = purchase

	t.Run("found", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/purchases/"+purchase.UID.String(), nil)
		req = withBusiness(req, business)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var got models.Purchase
		assert.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
		assert.Equal(t, purchase.UID, got.UID)
	})

	t.Run("unknown uid", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/purchases/"+uuid.NewString(), nil)
		req = withBusiness(req, business)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		var resp errorResponse
		assert.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "purchase_does_not_exist", resp.Error)
	})

	t.Run("invalid uid", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/purchases/not-a-uuid", nil)
		req = withBusiness(req, business)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandler_StartPurchase(t *testing.T) {
	t.Run("redirects to the gateway", func(t *testing.T) {
		svc := newFakeService()
		business := handlerBusiness()
		router := newTestRouter(svc, business)

		purchase := &models.Purchase{
			UID:          uuid.New(),
			BusinessName: business.Name,
			Amount:       decimal.NewFromInt(10000),
			CallbackURL:  "https://merchant.example/cb",
			Status:       models.StatusInit,
		}
		svc.purchases[purchase.UID] = purchase

		req := httptest.NewRequest("GET", "/purchases/"+purchase.UID.String()+"/start", nil)
		req = withBusiness(req, business)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
		assert.Equal(t, "https://api.payping.ir/v2/pay/gotoipg/ABC123", rec.Header().Get("Location"))
	})

	t.Run("backfills phone from the token", func(t *testing.T) {
		svc := newFakeService()
		business := handlerBusiness()
		router := newTestRouter(svc, business)

		purchase := &models.Purchase{
			UID:          uuid.New(),
			BusinessName: business.Name,
			Amount:       decimal.NewFromInt(10000),
			CallbackURL:  "https://merchant.example/cb",
			Status:       models.StatusInit,
		}
		svc.purchases[purchase.UID] = purchase

		req := httptest.NewRequest("GET", "/purchases/"+purchase.UID.String()+"/start", nil)
		req = withBusiness(req, business)
		req = req.WithContext(context.WithValue(req.Context(), "phone", "09120000000"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
		assert.Equal(t, []string{"09120000000"}, svc.phoneUpdates)
	})

	t.Run("gateway failure maps to 502", func(t *testing.T) {
		svc := newFakeService()
		svc.startErr = fmt.Errorf("%w: gateway returned 500", pkgerrors.ErrCouldNotStartPurchase)
		business := handlerBusiness()
		router := newTestRouter(svc, business)

		purchase := &models.Purchase{
			UID:          uuid.New(),
			BusinessName: business.Name,
			Status:       models.StatusInit,
		}
		svc.purchases[purchase.UID] = purchase

		req := httptest.NewRequest("GET", "/purchases/"+purchase.UID.String()+"/start", nil)
		req = withBusiness(req, business)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestHandler_StartDirectPurchase(t *testing.T) {
	svc := newFakeService()
	business := handlerBusiness()
	router := newTestRouter(svc, business)

	walletID := uuid.New()
	target := fmt.Sprintf("/purchases/start?wallet_id=%s&amount=10000&description=gold&callback_url=%s&test=true",
		walletID, url.QueryEscape("https://merchant.example/cb"))
	req := httptest.NewRequest("GET", target, nil)
	req = withBusiness(req, business)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, walletID, svc.lastCreateReq.WalletID)
	assert.True(t, svc.lastCreateReq.Amount.Equal(decimal.NewFromInt(10000)))
	assert.True(t, svc.lastCreateReq.IsTest)
	assert.Equal(t, "https://merchant.example/cb", svc.lastCreateReq.CallbackURL)
}

func TestHandler_RefundPurchase(t *testing.T) {
	t.Run("refunds a successful purchase", func(t *testing.T) {
		svc := newFakeService()
		business := handlerBusiness()
		router := newTestRouter(svc, business)

		purchase := &models.Purchase{
			UID:          uuid.New(),
			BusinessName: business.Name,
			Amount:       decimal.NewFromInt(10000),
			Status:       models.StatusSuccess,
			RefID:        "REF1",
		}
		svc.purchases[purchase.UID] = purchase

		req := httptest.NewRequest("POST", "/purchases/"+purchase.UID.String()+"/refund", nil)
		req = withBusiness(req, business)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var got models.Purchase
		assert.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
		assert.Equal(t, models.StatusRefunded, got.Status)
		assert.Equal(t, 1, svc.refundCalls)
	})

	t.Run("pending purchase is not refundable", func(t *testing.T) {
		svc := newFakeService()
		business := handlerBusiness()
		router := newTestRouter(svc, business)

		purchase := &models.Purchase{
			UID:          uuid.New(),
			BusinessName: business.Name,
			Status:       models.StatusPending,
			Code:         "ABC123",
		}
		svc.purchases[purchase.UID] = purchase

		req := httptest.NewRequest("POST", "/purchases/"+purchase.UID.String()+"/refund", nil)
		req = withBusiness(req, business)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
		var resp errorResponse
		assert.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "payping_exception", resp.Error)
	})

	t.Run("unknown purchase", func(t *testing.T) {
		svc := newFakeService()
		business := handlerBusiness()
		router := newTestRouter(svc, business)

		req := httptest.NewRequest("POST", "/purchases/"+uuid.NewString()+"/refund", nil)
		req = withBusiness(req, business)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func verifyForm(values url.Values) *strings.Reader {
	return strings.NewReader(values.Encode())
}

func TestHandler_VerifyPurchase(t *testing.T) {
	pendingItem := func(business *models.Business) *models.Purchase {
		return &models.Purchase{
			UID:          uuid.New(),
			BusinessName: business.Name,
			Amount:       decimal.NewFromInt(10000),
			CallbackURL:  "https://merchant.example/cb",
			Status:       models.StatusPending,
			Code:         "ABC123",
		}
	}

	postVerify := func(router *mux.Router, uid uuid.UUID, values url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/purchases/"+uid.String()+"/verify", verifyForm(values))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	t.Run("successful payment books and redirects with success=True", func(t *testing.T) {
		svc := newFakeService()
		business := handlerBusiness()
		router := newTestRouter(svc, business)

		item := pendingItem(business)
		svc.purchases[item.UID] = item

		verified := *item
		verified.Status = models.StatusSuccess
		verified.RefID = "REF1"
		svc.verifyResult = &verified

		rec := postVerify(router, item.UID, url.Values{"code": {"ABC123"}, "refid": {"REF1"}})

		assert.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, "https://merchant.example/cb?success=True", rec.Header().Get("Location"))
		assert.Equal(t, 1, svc.verifyCalls)
		assert.Equal(t, 1, svc.proposalCalls)
	})

	t.Run("failed payment redirects with success=False, no booking", func(t *testing.T) {
		svc := newFakeService()
		business := handlerBusiness()
		router := newTestRouter(svc, business)

		item := pendingItem(business)
		svc.purchases[item.UID] = item

		failed := *item
		failed.Status = models.StatusFailed
		failed.FailureReason = "payment not found"
		svc.verifyResult = &failed

		rec := postVerify(router, item.UID, url.Values{"code": {"ABC123"}, "refid": {"REF1"}})

		assert.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, "https://merchant.example/cb?success=False", rec.Header().Get("Location"))
		assert.Equal(t, 0, svc.proposalCalls)
	})

	t.Run("terminal purchase redirects without reprocessing", func(t *testing.T) {
		svc := newFakeService()
		business := handlerBusiness()
		router := newTestRouter(svc, business)

		item := pendingItem(business)
		item.Status = models.StatusSuccess
		svc.purchases[item.UID] = item

		rec := postVerify(router, item.UID, url.Values{"code": {"ABC123"}, "refid": {"REF1"}})

		assert.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, "https://merchant.example/cb", rec.Header().Get("Location"))
		assert.Equal(t, 0, svc.verifyCalls)
		assert.Equal(t, 0, svc.proposalCalls)
	})

	t.Run("missing code or refid", func(t *testing.T) {
		svc := newFakeService()
		business := handlerBusiness()
		router := newTestRouter(svc, business)

		item := pendingItem(business)
		svc.purchases[item.UID] = item

		rec := postVerify(router, item.UID, url.Values{"code": {"ABC123"}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, 0, svc.verifyCalls)
	})

	t.Run("unknown purchase", func(t *testing.T) {
		svc := newFakeService()
		business := handlerBusiness()
		router := newTestRouter(svc, business)

		rec := postVerify(router, uuid.New(), url.Values{"code": {"ABC123"}, "refid": {"REF1"}})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("gateway mismatch", func(t *testing.T) {
		svc := newFakeService()
		business := handlerBusiness()
		router := newTestRouter(svc, business)

		item := pendingItem(business)
		svc.purchases[item.UID] = item
		svc.verifyErr = fmt.Errorf("%w: uid does not match for ABC123", pkgerrors.ErrGatewayMismatch)

		rec := postVerify(router, item.UID, url.Values{"code": {"ABC123"}, "refid": {"REF1"}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var resp errorResponse
		assert.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "gateway_mismatch", resp.Error)
	})

	t.Run("rejected proposal maps to 502", func(t *testing.T) {
		svc := newFakeService()
		business := handlerBusiness()
		router := newTestRouter(svc, business)

		item := pendingItem(business)
		svc.purchases[item.UID] = item

		verified := *item
		verified.Status = models.StatusSuccess
		svc.verifyResult = &verified
		svc.proposalErr = fmt.Errorf("%w: wallet is frozen", pkgerrors.ErrProposalRejected)

		rec := postVerify(router, item.UID, url.Values{"code": {"ABC123"}, "refid": {"REF1"}})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}
