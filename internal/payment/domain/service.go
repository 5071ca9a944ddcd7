package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// MethodCode identifies this payment method on payment records.
const MethodCode = "picpay_standard"

// PaymentMethod is the checkout-facing payment method contract.
type PaymentMethod interface {
	Order(ctx context.Context, order *Order, amount decimal.Decimal) (*PaymentRecord, error)
	Capture(ctx context.Context, order *Order, amount decimal.Decimal) (decimal.Decimal, error)
	Refund(ctx context.Context, order *Order, amount decimal.Decimal) (decimal.Decimal, error)
}

// Lifecycle drives a payment from request to invoice.
type Lifecycle interface {
	PaymentMethod
	Confirm(ctx context.Context, referenceID, authorizationID string) error
	ConsultRequest(ctx context.Context, order *Order) error
	CancelRequest(ctx context.Context, order *Order) error
}

//go:generate mockgen -destination=mocks/mock_gateway.go -package=mocks . Gateway

// Gateway issues the outbound payment creation call.
type Gateway interface {
	CreatePayment(ctx context.Context, order *Order) (PaymentResult, error)
}

// Ledger is the system of record for orders and invoices.
type Ledger interface {
	CreateOrder(ctx context.Context, order *Order) error
	FindOrderByReference(ctx context.Context, referenceID string) (*Order, error)
	FindInvoiceByOrder(ctx context.Context, orderID snowflake.ID) (*Invoice, error)
	// SavePayment persists the payment record and returns any failure.
	SavePayment(ctx context.Context, payment *PaymentRecord) error
	// TrySavePayment persists the payment record best effort. Failures are
	// logged by the implementation and never returned.
	TrySavePayment(ctx context.Context, payment *PaymentRecord)
	// AuthorizePayment records authorizationID on a requested or authorized
	// payment after re-reading it under the order lock. payment is refreshed
	// from storage. An order that already has an invoice yields
	// ErrAlreadyInvoiced.
	AuthorizePayment(ctx context.Context, payment *PaymentRecord, authorizationID string) error
	// FailPayment marks the payment failed unless it is already invoiced, in
	// which case it returns ErrAlreadyInvoiced.
	FailPayment(ctx context.Context, payment *PaymentRecord, reason string) error
	// ReplaceAuthorization overwrites the authorization id of an invoiced
	// payment.
	ReplaceAuthorization(ctx context.Context, payment *PaymentRecord, authorizationID string) error
	// CreateInvoice prepares an invoice for every invoiceable line without
	// writing anything.
	CreateInvoice(ctx context.Context, order *Order) (*Invoice, error)
	// Commit writes the invoice, order and payment status in one transaction.
	Commit(ctx context.Context, invoice *Invoice, order *Order) error
}

// Settings exposes the resolved provider configuration.
type Settings interface {
	Enabled() bool
	NotificationsEnabled() bool
	APIBaseURL() string
	APIToken() string
	SellerToken() string
	BasicAuth() (username string, passwordHash string)
	CallbackURL(referenceID string) string
	ReturnURL(referenceID string) string
	CheckoutMode() string
	RequestTimeout() time.Duration
}

// Locker serializes notification processing per reference.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}
