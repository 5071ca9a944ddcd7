package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/payrelay/internal/clock"
	"github.com/smallbiznis/payrelay/internal/config"
	"github.com/smallbiznis/payrelay/internal/lock"
	"github.com/smallbiznis/payrelay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/payrelay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/payrelay/internal/payment/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	invoicedComment     = "Order invoiced by API notification. Authorization Id: %s"
	defaultLockTTL      = 30 * time.Second
	reasonNothingToBill = "nothing to invoice"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Cfg        config.Config
	GenID      *snowflake.Node
	Clock      clock.Clock
	Ledger     paymentdomain.Ledger
	Gateway    paymentdomain.Gateway
	Settings   paymentdomain.Settings
	Locker     paymentdomain.Locker `optional:"true"`
	ObsMetrics *obsmetrics.Metrics  `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	ledger     paymentdomain.Ledger
	gateway    paymentdomain.Gateway
	settings   paymentdomain.Settings
	locker     paymentdomain.Locker
	lockTTL    time.Duration
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	ttl := p.Cfg.Lock.TTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Service{
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		ledger:     p.Ledger,
		gateway:    p.Gateway,
		settings:   p.Settings,
		locker:     p.Locker,
		lockTTL:    ttl,
		obsMetrics: p.ObsMetrics,
	}
}

func Provide(s *Service) paymentdomain.Lifecycle {
	return s
}

// Order asks the provider for a payment url. A gateway failure marks the
// payment failed and is returned wrapped in ErrPaymentRequestFailed. A payment
// that was already requested is not requested again.
func (s *Service) Order(ctx context.Context, order *paymentdomain.Order, amount decimal.Decimal) (*paymentdomain.PaymentRecord, error) {
	if order == nil || strings.TrimSpace(order.ReferenceID) == "" {
		return nil, paymentdomain.ErrInvalidOrder
	}
	if !amount.IsPositive() {
		return nil, paymentdomain.ErrInvalidAmount
	}

	ctx, span := otel.Tracer("payrelay/payment.service").Start(ctx, "payment.Order")
	defer span.End()
	span.SetAttributes(attribute.String("payment.reference_id", order.ReferenceID))

	log := logger.WithContext(ctx, s.log).With(zap.String("reference_id", order.ReferenceID))

	payment := order.Payment
	if payment == nil {
		payment = &paymentdomain.PaymentRecord{
			OrderID:     order.ID,
			ReferenceID: order.ReferenceID,
			Method:      paymentdomain.MethodCode,
		}
	}
	switch payment.Status {
	case "", paymentdomain.PaymentStatusPending:
	case paymentdomain.PaymentStatusFailed:
		return nil, paymentdomain.ErrPaymentFailed
	default:
		return nil, paymentdomain.ErrInvalidTransition
	}

	payment.Status = paymentdomain.PaymentStatusPending
	payment.ReturnURL = s.settings.ReturnURL(payment.ReferenceID)
	payment.CheckoutMode = s.settings.CheckoutMode()
	if err := s.ledger.SavePayment(ctx, payment); err != nil {
		return nil, err
	}
	order.Payment = payment

	result, err := s.gateway.CreatePayment(ctx, order)
	if err != nil {
		if ferr := s.ledger.FailPayment(ctx, payment, err.Error()); ferr != nil {
			log.Warn("payment failure not saved", zap.Error(ferr))
		}
		s.obsMetrics.RecordPaymentRequest(ctx, "failed")

		span.RecordError(err)
		span.SetStatus(codes.Error, "payment request failed")
		log.Error("payment request failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", paymentdomain.ErrPaymentRequestFailed, err)
	}

	payment.Status = paymentdomain.PaymentStatusRequested
	payment.PaymentURL = &result.PaymentURL
	if result.ProviderPaymentID != "" {
		providerID := result.ProviderPaymentID
		payment.ProviderPaymentID = &providerID
	}
	s.ledger.TrySavePayment(ctx, payment)
	s.obsMetrics.RecordPaymentRequest(ctx, "requested")

	log.Info("payment requested", zap.String("payment_url", result.PaymentURL))
	return payment, nil
}

// Capture reports the order total as settled. Funds are confirmed by
// notification, so nothing is sent to the provider.
func (s *Service) Capture(ctx context.Context, order *paymentdomain.Order, amount decimal.Decimal) (decimal.Decimal, error) {
	return s.settled(ctx, "capture", order, amount), nil
}

// Refund mirrors Capture. Refunds are handled outside this integration.
func (s *Service) Refund(ctx context.Context, order *paymentdomain.Order, amount decimal.Decimal) (decimal.Decimal, error) {
	return s.settled(ctx, "refund", order, amount), nil
}

func (s *Service) settled(ctx context.Context, action string, order *paymentdomain.Order, amount decimal.Decimal) decimal.Decimal {
	if order == nil {
		return decimal.Zero
	}
	logger.WithContext(ctx, s.log).Info("payment action recorded",
		zap.String("action", action),
		zap.String("reference_id", order.ReferenceID),
		zap.String("requested_amount", amount.StringFixed(2)),
		zap.String("grand_total", order.GrandTotal.StringFixed(2)),
	)
	return order.GrandTotal
}

func (s *Service) ConsultRequest(ctx context.Context, order *paymentdomain.Order) error {
	return paymentdomain.ErrUnsupported
}

func (s *Service) CancelRequest(ctx context.Context, order *paymentdomain.Order) error {
	return paymentdomain.ErrUnsupported
}

// Confirm applies a provider authorization to the order with referenceID and
// invoices it. Repeating a confirmation that already produced an invoice is a
// no-op.
func (s *Service) Confirm(ctx context.Context, referenceID, authorizationID string) error {
	referenceID = strings.TrimSpace(referenceID)
	authorizationID = strings.TrimSpace(authorizationID)
	if referenceID == "" || authorizationID == "" {
		return paymentdomain.ErrInvalidNotification
	}

	ctx, span := otel.Tracer("payrelay/payment.service").Start(ctx, "payment.Confirm")
	defer span.End()
	span.SetAttributes(attribute.String("payment.reference_id", referenceID))

	log := logger.WithContext(ctx, s.log).With(
		zap.String("reference_id", referenceID),
		zap.String("authorization_id", authorizationID),
	)

	release, err := s.acquire(ctx, log, referenceID)
	if err != nil {
		return err
	}
	defer release()

	err = s.confirm(ctx, log, referenceID, authorizationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "confirm failed")
	}
	return err
}

func (s *Service) confirm(ctx context.Context, log *zap.Logger, referenceID, authorizationID string) error {
	order, err := s.ledger.FindOrderByReference(ctx, referenceID)
	if err != nil {
		if !errors.Is(err, paymentdomain.ErrOrderNotFound) {
			log.Error("order lookup failed", zap.Error(err))
		}
		return err
	}

	payment := order.Payment
	if payment == nil {
		log.Warn("notification for order without payment request")
		return paymentdomain.ErrInvalidTransition
	}

	switch payment.Status {
	case paymentdomain.PaymentStatusFailed:
		return paymentdomain.ErrPaymentFailed
	case paymentdomain.PaymentStatusPending:
		return paymentdomain.ErrInvalidTransition
	case paymentdomain.PaymentStatusInvoiced:
		return s.reconfirm(ctx, log, payment, authorizationID)
	}

	previous := payment.AuthorizationID
	if err := s.ledger.AuthorizePayment(ctx, payment, authorizationID); err != nil {
		switch {
		case errors.Is(err, paymentdomain.ErrAlreadyInvoiced):
			log.Info("order invoiced since it was loaded")
			return s.reconfirm(ctx, log, payment, authorizationID)
		case errors.Is(err, paymentdomain.ErrPaymentFailed),
			errors.Is(err, paymentdomain.ErrInvalidTransition),
			errors.Is(err, paymentdomain.ErrOrderNotFound):
			return err
		}
		log.Error("authorization not saved", zap.Error(err))
		return fmt.Errorf("%w: %w", paymentdomain.ErrInvoiceFailed, err)
	}
	if previous != nil && *previous != authorizationID {
		log.Warn("authorization id replaced", zap.String("previous_authorization_id", *previous))
	}

	now := s.clock.Now()
	invoice, err := s.ledger.CreateInvoice(ctx, order)
	if err != nil {
		if s.fail(ctx, log, payment, invoiceFailureReason(err)) {
			return s.reconfirm(ctx, log, payment, authorizationID)
		}
		if errors.Is(err, paymentdomain.ErrNothingToInvoice) {
			log.Warn("order has nothing to invoice")
			return paymentdomain.ErrNothingToInvoice
		}
		log.Error("invoice preparation failed", zap.Error(err))
		return fmt.Errorf("%w: %w", paymentdomain.ErrInvoiceFailed, err)
	}

	invoice.Register()
	invoice.Pay(now)
	order.MarkInProcess(now)
	order.AddStatusHistoryComment(s.genID.Generate(), fmt.Sprintf(invoicedComment, authorizationID), false, now)
	payment.Status = paymentdomain.PaymentStatusInvoiced
	order.Payment = payment

	if err := s.ledger.Commit(ctx, invoice, order); err != nil {
		if errors.Is(err, paymentdomain.ErrAlreadyInvoiced) {
			log.Info("order invoiced by a concurrent notification")
			return paymentdomain.ErrAlreadyInvoiced
		}
		log.Error("invoice commit failed", zap.Error(err))
		if s.fail(ctx, log, payment, err.Error()) {
			return s.reconfirm(ctx, log, payment, authorizationID)
		}
		return fmt.Errorf("%w: %w", paymentdomain.ErrInvoiceFailed, err)
	}

	s.obsMetrics.RecordInvoice(ctx, invoice.CaptureCase)
	log.Info("order invoiced",
		zap.String("invoice_number", invoice.Number),
		zap.String("grand_total", invoice.GrandTotal.StringFixed(2)),
	)
	return nil
}

// reconfirm handles a notification for an order that is already invoiced.
func (s *Service) reconfirm(ctx context.Context, log *zap.Logger, payment *paymentdomain.PaymentRecord, authorizationID string) error {
	if payment.HasAuthorization(authorizationID) {
		log.Info("duplicate notification ignored")
		return nil
	}

	previous := ""
	if payment.AuthorizationID != nil {
		previous = *payment.AuthorizationID
	}
	log.Warn("authorization id changed after invoicing", zap.String("previous_authorization_id", previous))

	if err := s.ledger.ReplaceAuthorization(ctx, payment, authorizationID); err != nil {
		log.Error("authorization not saved", zap.Error(err))
		return fmt.Errorf("%w: %w", paymentdomain.ErrInvoiceFailed, err)
	}
	return nil
}

// fail stores reason on the payment. It reports true when the order turned
// out to be invoiced, leaving payment refreshed from storage.
func (s *Service) fail(ctx context.Context, log *zap.Logger, payment *paymentdomain.PaymentRecord, reason string) bool {
	err := s.ledger.FailPayment(ctx, payment, reason)
	if errors.Is(err, paymentdomain.ErrAlreadyInvoiced) {
		log.Info("order invoiced by a concurrent notification")
		return true
	}
	if err != nil {
		log.Warn("payment failure not saved", zap.Error(err))
	}
	return false
}

// acquire takes the per reference lock when a locker is configured. A locker
// that cannot be reached does not block processing since the invoice index
// still rejects duplicates.
func (s *Service) acquire(ctx context.Context, log *zap.Logger, referenceID string) (func(), error) {
	noop := func() {}
	if s.locker == nil {
		return noop, nil
	}

	key := lock.Key(referenceID)
	token, ok, err := s.locker.TryLock(ctx, key, s.lockTTL)
	if err != nil {
		log.Warn("notification lock unavailable", zap.Error(err))
		return noop, nil
	}
	if !ok {
		log.Info("notification already in flight")
		return noop, paymentdomain.ErrNotificationInFlight
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			log.Warn("notification lock release failed", zap.Error(err))
		}
	}, nil
}

func invoiceFailureReason(err error) string {
	if errors.Is(err, paymentdomain.ErrNothingToInvoice) {
		return reasonNothingToBill
	}
	return err.Error()
}
