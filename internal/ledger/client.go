package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ufaas/payping-ipg/internal/models"
	pkgerrors "github.com/ufaas/payping-ipg/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// LedgerClient books proposals on the platform ledger.
type LedgerClient interface {
	CreateProposal(ctx context.Context, url, accessToken string, proposal models.Proposal) error
}

type Client struct {
	client *http.Client
}

func NewClient() *Client {
	return &Client{client: &http.Client{}}
}

// CreateProposal posts a balanced transfer to the ledger core. Not retried:
// a failure after a successful purchase is surfaced for reconciliation.
func (c *Client) CreateProposal(ctx context.Context, url, accessToken string, proposal models.Proposal) error {
	var err error
	tracer := otel.Tracer("ledger-client")
	ctx, span := tracer.Start(ctx, "CreateProposal")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	raw, err := json.Marshal(proposal)
	if err != nil {
		return fmt.Errorf("failed to marshal proposal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", pkgerrors.ErrProposalRejected, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", pkgerrors.ErrProposalRejected, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err = fmt.Errorf("%w: ledger returned %d: %s", pkgerrors.ErrProposalRejected, resp.StatusCode, string(body))
		return err
	}

	var parsed map[string]any
	if jsonErr := json.Unmarshal(body, &parsed); jsonErr == nil {
		if msg, ok := parsed["error"]; ok {
			err = fmt.Errorf("%w: %v", pkgerrors.ErrProposalRejected, msg)
			return err
		}
	}

	slog.Info("proposal booked on ledger", "url", url)
	return nil
}
