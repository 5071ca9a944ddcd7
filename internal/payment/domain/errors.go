package domain

import (
	"errors"
	"strings"
)

var (
	ErrInvalidOrder         = errors.New("invalid_order")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrOrderNotFound        = errors.New("order_not_found")
	ErrOrderExists          = errors.New("order_exists")
	ErrInvalidNotification  = errors.New("invalid_notification")
	ErrMalformedPayload     = errors.New("malformed_payload")
	ErrInvalidTransition    = errors.New("invalid_payment_transition")
	ErrPaymentFailed        = errors.New("payment_failed")
	ErrNothingToInvoice     = errors.New("nothing_to_invoice")
	ErrAlreadyInvoiced      = errors.New("already_invoiced")
	ErrInvoiceFailed        = errors.New("invoice_failed")
	ErrNotificationInFlight = errors.New("notification_in_flight")
	ErrPaymentRequestFailed = errors.New("payment_request_failed")
	ErrUnsupported          = errors.New("unsupported_operation")

	ErrGatewayRejected          = errors.New("gateway_rejected")
	ErrGatewayUnreachable       = errors.New("gateway_unreachable")
	ErrGatewayMalformedResponse = errors.New("gateway_malformed_response")
)

// GatewayRejectedError carries the human readable message returned by the
// provider when it refuses a payment request.
type GatewayRejectedError struct {
	Message string
}

func (e *GatewayRejectedError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		return ErrGatewayRejected.Error()
	}
	return ErrGatewayRejected.Error() + ": " + msg
}

func (e *GatewayRejectedError) Is(target error) bool {
	return target == ErrGatewayRejected
}

// IsGatewayError reports whether err came from the outbound provider call.
func IsGatewayError(err error) bool {
	return errors.Is(err, ErrGatewayRejected) ||
		errors.Is(err, ErrGatewayUnreachable) ||
		errors.Is(err, ErrGatewayMalformedResponse)
}
