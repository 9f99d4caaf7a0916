package errors

import "errors"

var (
	ErrPurchaseNotFound      = errors.New("no purchase submitted with this code")
	ErrPurchaseDataInvalid   = errors.New("the data was not valid for PayPing gateway")
	ErrCouldNotStartPurchase = errors.New("did not get start code from PayPing")
	ErrAmountLessThanMinimum = errors.New("amount is less than the minimum purchase amount")
	ErrCallbackURLNotSet     = errors.New("callback url is not set or is not a valid url")
	ErrMerchantIDNotSet      = errors.New("merchant id is not set for business")
	ErrGatewayMismatch       = errors.New("purchase uid does not match the gateway code")
	ErrInvalidTransition     = errors.New("invalid purchase status transition")
	ErrBusinessNotFound      = errors.New("business not found")
	ErrProposalRejected      = errors.New("proposal was rejected by the ledger")
	ErrPayPing               = errors.New("payping exception")
)

// Code maps a domain error to the fixed client-facing error code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrPurchaseNotFound):
		return "purchase_does_not_exist"
	case errors.Is(err, ErrPurchaseDataInvalid):
		return "purchase_data_is_not_valid"
	case errors.Is(err, ErrCouldNotStartPurchase):
		return "could_not_start_purchase"
	case errors.Is(err, ErrAmountLessThanMinimum):
		return "amount_is_less_than_minimum"
	case errors.Is(err, ErrCallbackURLNotSet):
		return "callback_url_not_set"
	case errors.Is(err, ErrMerchantIDNotSet):
		return "merchant_id_not_set"
	case errors.Is(err, ErrGatewayMismatch):
		return "gateway_mismatch"
	case errors.Is(err, ErrBusinessNotFound):
		return "business_not_found"
	case errors.Is(err, ErrProposalRejected):
		return "proposal_rejected"
	default:
		return "payping_exception"
	}
}
