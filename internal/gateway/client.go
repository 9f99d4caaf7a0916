package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ufaas/payping-ipg/internal/infrastructure/observability"
	pkgerrors "github.com/ufaas/payping-ipg/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const startTimeout = 10 * time.Second

// GatewayClient talks to the PayPing endpoints. Retries are the gateway's
// responsibility via repeated callbacks, never this client's.
type GatewayClient interface {
	Start(ctx context.Context, merchantID string, req StartRequest) (string, error)
	Verify(ctx context.Context, merchantID string, amount int64, refID string) error
	PaymentURL(code string) string
}

// StartRequest registers a purchase with the gateway.
type StartRequest struct {
	Amount        int64  `json:"amount"`
	Description   string `json:"description"`
	ReturnURL     string `json:"returnUrl"`
	ClientRefID   string `json:"clientRefId"`
	PayerIdentity string `json:"payerIdentity,omitempty"`
}

type startResponse struct {
	Code string `json:"code"`
}

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

// Start obtains the gateway transaction code for a purchase.
func (c *Client) Start(ctx context.Context, merchantID string, req StartRequest) (string, error) {
	var err error
	tracer := otel.Tracer("payping-gateway")
	ctx, span := tracer.Start(ctx, "GatewayStart")
	defer span.End()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.GatewayCalls.WithLabelValues("start", status).Inc()
	}()

	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	body, err := c.post(ctx, c.baseURL, merchantID, req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", pkgerrors.ErrCouldNotStartPurchase, err)
	}

	var resp startResponse
	if err = json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", pkgerrors.ErrCouldNotStartPurchase, err)
	}
	if resp.Code == "" {
		err = fmt.Errorf("%w: %s", pkgerrors.ErrCouldNotStartPurchase, string(body))
		return "", err
	}

	slog.Info("gateway start accepted", "code", resp.Code)
	return resp.Code, nil
}

// Verify confirms a gateway-reported payment actually cleared.
func (c *Client) Verify(ctx context.Context, merchantID string, amount int64, refID string) error {
	var err error
	tracer := otel.Tracer("payping-gateway")
	ctx, span := tracer.Start(ctx, "GatewayVerify")
	defer span.End()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.GatewayCalls.WithLabelValues("verify", status).Inc()
	}()

	payload := map[string]any{
		"amount": amount,
		"refId":  refID,
	}
	if _, err = c.post(ctx, c.baseURL+"/verify", merchantID, payload); err != nil {
		return fmt.Errorf("gateway verify failed: %w", err)
	}

	slog.Info("gateway verify accepted", "ref_id", refID)
	return nil
}

// PaymentURL is the hosted checkout page payers are redirected to.
func (c *Client) PaymentURL(code string) string {
	return fmt.Sprintf("%s/gotoipg/%s", c.baseURL, code)
}

func (c *Client) post(ctx context.Context, url, merchantID string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+merchantID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
