package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/ufaas/payping-ipg/internal/infrastructure/auth"
	"github.com/ufaas/payping-ipg/internal/models"
	"github.com/ufaas/payping-ipg/internal/repository"
	service "github.com/ufaas/payping-ipg/internal/services"
	pkgerrors "github.com/ufaas/payping-ipg/pkg/errors"
)

type Handler struct {
	service    service.PurchaseService
	businesses repository.BusinessRepository
}

func NewHandler(s service.PurchaseService, businesses repository.BusinessRepository) *Handler {
	return &Handler{service: s, businesses: businesses}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, pkgerrors.ErrPurchaseNotFound), errors.Is(err, pkgerrors.ErrBusinessNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pkgerrors.ErrCouldNotStartPurchase), errors.Is(err, pkgerrors.ErrProposalRejected):
		status = http.StatusBadGateway
	case errors.Is(err, pkgerrors.ErrInvalidTransition):
		status = http.StatusConflict
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: pkgerrors.Code(err), Message: err.Error()})
}

// RegisterRoutes mounts the tenant-authenticated purchase endpoints.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/purchases", h.CreatePurchase).Methods("POST")
	r.HandleFunc("/purchases/start", h.StartDirectPurchase).Methods("GET")
	r.HandleFunc("/purchases/{uid}/start", h.StartPurchase).Methods("GET")
	r.HandleFunc("/purchases/{uid}/refund", h.RefundPurchase).Methods("POST")
	r.HandleFunc("/purchases/{uid}", h.GetPurchase).Methods("GET")
}

// RegisterCallbackRoutes mounts the gateway callback, which carries no
// platform credentials: the tenant is resolved from the stored purchase.
func (h *Handler) RegisterCallbackRoutes(r *mux.Router) {
	r.HandleFunc("/purchases/{uid}/verify", h.VerifyPurchase).Methods("POST")
}

type createPurchaseRequest struct {
	UserID      *uuid.UUID      `json:"user_id,omitempty"`
	WalletID    uuid.UUID       `json:"wallet_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	CallbackURL string          `json:"callback_url"`
	Phone       string          `json:"phone,omitempty"`
	IsTest      bool            `json:"is_test,omitempty"`
}

func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	business, ok := auth.BusinessFromContext(r.Context())
	if !ok {
		h.writeError(w, fmt.Errorf("%w: business not resolved", pkgerrors.ErrBusinessNotFound))
		return
	}

	var req createPurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", pkgerrors.ErrPurchaseDataInvalid, err))
		return
	}

	createReq := service.CreatePurchaseRequest{
		UserID:      req.UserID,
		WalletID:    req.WalletID,
		Amount:      req.Amount,
		Description: req.Description,
		CallbackURL: req.CallbackURL,
		Phone:       req.Phone,
		IsTest:      req.IsTest,
	}
	// The authenticated user owns the purchase regardless of the payload.
	if userID, ok := auth.UserIDFromContext(r.Context()); ok {
		createReq.UserID = &userID
	}

	purchase, err := h.service.CreatePurchase(r.Context(), business, createReq)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(purchase)
}

func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	business, ok := auth.BusinessFromContext(r.Context())
	if !ok {
		h.writeError(w, fmt.Errorf("%w: business not resolved", pkgerrors.ErrBusinessNotFound))
		return
	}

	uid, err := uuid.Parse(mux.Vars(r)["uid"])
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: invalid uid", pkgerrors.ErrPurchaseDataInvalid))
		return
	}

	purchase, err := h.service.GetPurchase(r.Context(), business.Name, uid)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(purchase)
}

// StartDirectPurchase creates and immediately starts a purchase from query
// parameters, ending in the payer redirect.
func (h *Handler) StartDirectPurchase(w http.ResponseWriter, r *http.Request) {
	business, ok := auth.BusinessFromContext(r.Context())
	if !ok {
		h.writeError(w, fmt.Errorf("%w: business not resolved", pkgerrors.ErrBusinessNotFound))
		return
	}

	q := r.URL.Query()
	walletID, err := uuid.Parse(q.Get("wallet_id"))
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: invalid wallet_id", pkgerrors.ErrPurchaseDataInvalid))
		return
	}
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: invalid amount", pkgerrors.ErrPurchaseDataInvalid))
		return
	}

	createReq := service.CreatePurchaseRequest{
		WalletID:    walletID,
		Amount:      amount,
		Description: q.Get("description"),
		CallbackURL: q.Get("callback_url"),
		IsTest:      q.Get("test") == "true",
	}
	if userID, ok := auth.UserIDFromContext(r.Context()); ok {
		createReq.UserID = &userID
	}
	if phone, ok := auth.PhoneFromContext(r.Context()); ok {
		createReq.Phone = phone
	}

	purchase, err := h.service.CreatePurchase(r.Context(), business, createReq)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.startAndRedirect(w, r, business, purchase)
}

func (h *Handler) StartPurchase(w http.ResponseWriter, r *http.Request) {
	business, ok := auth.BusinessFromContext(r.Context())
	if !ok {
		h.writeError(w, fmt.Errorf("%w: business not resolved", pkgerrors.ErrBusinessNotFound))
		return
	}

	uid, err := uuid.Parse(mux.Vars(r)["uid"])
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: invalid uid", pkgerrors.ErrPurchaseDataInvalid))
		return
	}

	purchase, err := h.service.GetPurchase(r.Context(), business.Name, uid)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if phone, ok := auth.PhoneFromContext(r.Context()); ok && purchase.Phone == "" {
		if err := h.service.UpdatePhone(r.Context(), purchase, phone); err != nil {
			slog.Error("failed to backfill phone", "purchase_uid", purchase.UID, "error", err)
		}
	}

	h.startAndRedirect(w, r, business, purchase)
}

// RefundPurchase marks a successful purchase as refunded. The money movement
// itself is reconciled on the ledger side.
func (h *Handler) RefundPurchase(w http.ResponseWriter, r *http.Request) {
	business, ok := auth.BusinessFromContext(r.Context())
	if !ok {
		h.writeError(w, fmt.Errorf("%w: business not resolved", pkgerrors.ErrBusinessNotFound))
		return
	}

	uid, err := uuid.Parse(mux.Vars(r)["uid"])
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: invalid uid", pkgerrors.ErrPurchaseDataInvalid))
		return
	}

	purchase, err := h.service.GetPurchase(r.Context(), business.Name, uid)
	if err != nil {
		h.writeError(w, err)
		return
	}

	refunded, err := h.service.RefundPurchase(r.Context(), business, purchase)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(refunded)
}

func (h *Handler) startAndRedirect(w http.ResponseWriter, r *http.Request, business *models.Business, purchase *models.Purchase) {
	result, err := h.service.StartPurchase(r.Context(), business, purchase)
	if err != nil {
		h.writeError(w, err)
		return
	}
	http.Redirect(w, r, result.URL, http.StatusTemporaryRedirect)
}

// VerifyPurchase handles the gateway callback. Every terminal path redirects
// the payer back to the merchant callback URL; only resolution failures and
// booking errors surface as raw errors.
func (h *Handler) VerifyPurchase(w http.ResponseWriter, r *http.Request) {
	uid, err := uuid.Parse(mux.Vars(r)["uid"])
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: invalid uid", pkgerrors.ErrPurchaseDataInvalid))
		return
	}

	item, err := h.service.GetPurchaseByUID(r.Context(), uid)
	if err != nil {
		h.writeError(w, err)
		return
	}

	business, err := h.businesses.GetByName(r.Context(), item.BusinessName)
	if err != nil {
		h.writeError(w, err)
		return
	}

	// Duplicate callback or a re-submitted return URL: redirect without
	// reprocessing.
	if item.Status != models.StatusPending {
		http.Redirect(w, r, item.CallbackURL, http.StatusSeeOther)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", pkgerrors.ErrPurchaseDataInvalid, err))
		return
	}
	code := r.PostFormValue("code")
	refID := r.PostFormValue("refid")
	if code == "" || refID == "" {
		h.writeError(w, fmt.Errorf("%w: code and refid are required", pkgerrors.ErrPurchaseDataInvalid))
		return
	}

	extra := make(map[string]any)
	for _, field := range []string{"clientrefid", "cardnumber", "cardhashpan"} {
		if v := r.PostFormValue(field); v != "" {
			extra[field] = v
		}
	}

	purchase, err := h.service.VerifyPurchase(r.Context(), business, item, code, refID, extra)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if purchase.IsSuccessful() {
		if err := h.service.CreateProposal(r.Context(), business, purchase); err != nil {
			h.writeError(w, err)
			return
		}
	}

	url := fmt.Sprintf("%s?success=%s", purchase.CallbackURL, successFlag(purchase.IsSuccessful()))
	http.Redirect(w, r, url, http.StatusSeeOther)
}

// Merchants parse a capitalized boolean from the callback query string; the
// casing is part of the contract.
func successFlag(ok bool) string {
	if ok {
		return "True"
	}
	return "False"
}
