package webhook

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/payrelay/internal/observability/logger"
	"github.com/smallbiznis/payrelay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/payrelay/internal/payment/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	fieldReferenceID     = "referenceId"
	fieldAuthorizationID = "authorizationId"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Settings  paymentdomain.Settings
	Lifecycle paymentdomain.Lifecycle
	Metrics   *metrics.Metrics `optional:"true"`
}

// Service accepts provider notifications and hands them to the payment
// lifecycle.
type Service struct {
	log       *zap.Logger
	auth      *Authenticator
	lifecycle paymentdomain.Lifecycle
	metrics   *metrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		log:       p.Log.Named("payment.webhook"),
		auth:      NewAuthenticator(p.Settings),
		lifecycle: p.Lifecycle,
		metrics:   p.Metrics,
	}
}

// Handle authenticates, normalizes and confirms a single notification.
// Authentication failures are returned as *AuthError.
func (s *Service) Handle(ctx context.Context, req Request) error {
	ctx, span := otel.Tracer("payrelay/payment.webhook").Start(ctx, "webhook.Handle")
	defer span.End()

	log := logger.WithContext(ctx, s.log)

	if err := s.auth.Validate(req.Method, req.Headers); err != nil {
		log.Warn("notification rejected",
			zap.String("remote_addr", req.RemoteAddr),
			zap.String("reason", err.Error()),
		)
		s.metrics.RecordNotification(ctx, outcomeFor(err))
		span.SetStatus(codes.Error, "rejected")
		return err
	}

	p, err := decode(req)
	if err != nil {
		log.Warn("notification payload unreadable", zap.String("remote_addr", req.RemoteAddr), zap.Error(err))
		s.metrics.RecordNotification(ctx, outcomeFor(err))
		return err
	}

	notification, err := notificationFrom(p.values)
	if err != nil {
		log.Warn("notification missing identifiers",
			zap.String("payload_kind", p.kind.String()),
			zap.Bool("has_reference_id", notification.ReferenceID != ""),
			zap.Bool("has_authorization_id", notification.AuthorizationID != ""),
		)
		s.metrics.RecordNotification(ctx, outcomeFor(err))
		return err
	}
	span.SetAttributes(attribute.String("payment.reference_id", notification.ReferenceID))

	log = log.With(
		zap.String("reference_id", notification.ReferenceID),
		zap.String("authorization_id", notification.AuthorizationID),
	)
	log.Info("notification received", zap.String("payload_kind", p.kind.String()))

	if err := s.lifecycle.Confirm(ctx, notification.ReferenceID, notification.AuthorizationID); err != nil {
		log.Warn("notification not applied", zap.Error(err))
		s.metrics.RecordNotification(ctx, outcomeFor(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "confirm failed")
		return err
	}

	s.metrics.RecordNotification(ctx, "accepted")
	return nil
}

func notificationFrom(params Params) (paymentdomain.InboundNotification, error) {
	ref, _ := params.Get(fieldReferenceID)
	auth, _ := params.Get(fieldAuthorizationID)
	n := paymentdomain.InboundNotification{
		ReferenceID:     strings.TrimSpace(ref),
		AuthorizationID: strings.TrimSpace(auth),
	}
	if n.ReferenceID == "" || n.AuthorizationID == "" {
		return n, paymentdomain.ErrInvalidNotification
	}
	return n, nil
}

func outcomeFor(err error) string {
	var authErr *AuthError
	switch {
	case err == nil:
		return "accepted"
	case errors.As(err, &authErr):
		return "unauthorized"
	case errors.Is(err, paymentdomain.ErrMalformedPayload),
		errors.Is(err, paymentdomain.ErrInvalidNotification):
		return "invalid"
	case errors.Is(err, paymentdomain.ErrOrderNotFound):
		return "unknown_order"
	case errors.Is(err, paymentdomain.ErrNotificationInFlight),
		errors.Is(err, paymentdomain.ErrAlreadyInvoiced):
		return "duplicate"
	default:
		return "failed"
	}
}

func (k payloadKind) String() string {
	if k == payloadJSON {
		return "json"
	}
	return "form"
}
