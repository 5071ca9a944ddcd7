// Package gateway talks to the PicPay e-commerce API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	paymentdomain "github.com/smallbiznis/payrelay/internal/payment/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	paymentsPath = "/payments"
	tokenHeader  = "x-picpay-token"

	// maxResponseBytes bounds how much of a provider response is read.
	maxResponseBytes = 1 << 20
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Settings   paymentdomain.Settings
	HTTPClient *http.Client `optional:"true"`
}

// Client creates payments on the provider.
type Client struct {
	log      *zap.Logger
	settings paymentdomain.Settings
	client   *http.Client
}

func NewClient(p Params) *Client {
	client := p.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		log:      p.Log.Named("payment.gateway"),
		settings: p.Settings,
		client:   client,
	}
}

type paymentRequest struct {
	ReferenceID string              `json:"referenceId"`
	CallbackURL string              `json:"callbackUrl"`
	ReturnURL   string              `json:"returnUrl"`
	Value       json.Number         `json:"value"`
	Buyer       paymentdomain.Buyer `json:"buyer"`
}

type envelope struct {
	Success *flag           `json:"success"`
	Return  json.RawMessage `json:"return"`
}

type paymentReturn struct {
	PaymentURL  string `json:"paymentUrl"`
	PaymentID   string `json:"paymentId"`
	ReferenceID string `json:"referenceId"`
}

// BuildRequest maps an order onto the provider request body.
func (c *Client) BuildRequest(order *paymentdomain.Order) paymentdomain.OutboundPaymentRequest {
	return paymentdomain.OutboundPaymentRequest{
		ReferenceID: order.ReferenceID,
		CallbackURL: c.settings.CallbackURL(order.ReferenceID),
		ReturnURL:   c.settings.ReturnURL(order.ReferenceID),
		Value:       order.GrandTotal.Round(2),
		Buyer:       order.Buyer(),
	}
}

// CreatePayment issues a single payment creation call for order.
func (c *Client) CreatePayment(ctx context.Context, order *paymentdomain.Order) (paymentdomain.PaymentResult, error) {
	if order == nil || strings.TrimSpace(order.ReferenceID) == "" {
		return paymentdomain.PaymentResult{}, paymentdomain.ErrInvalidOrder
	}

	ctx, span := otel.Tracer("payrelay/payment.gateway").Start(ctx, "picpay.CreatePayment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.reference_id", order.ReferenceID))

	result, err := c.createPayment(ctx, c.BuildRequest(order))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create payment failed")
		return paymentdomain.PaymentResult{}, err
	}
	return result, nil
}

func (c *Client) createPayment(ctx context.Context, outbound paymentdomain.OutboundPaymentRequest) (paymentdomain.PaymentResult, error) {
	body, err := json.Marshal(paymentRequest{
		ReferenceID: outbound.ReferenceID,
		CallbackURL: outbound.CallbackURL,
		ReturnURL:   outbound.ReturnURL,
		Value:       json.Number(outbound.Value.StringFixed(2)),
		Buyer:       outbound.Buyer,
	})
	if err != nil {
		return paymentdomain.PaymentResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.settings.RequestTimeout())
	defer cancel()

	endpoint := strings.TrimRight(c.settings.APIBaseURL(), "/") + paymentsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return paymentdomain.PaymentResult{}, fmt.Errorf("%w: %v", paymentdomain.ErrGatewayUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(tokenHeader, c.settings.APIToken())

	c.log.Debug("requesting payment", zap.String("reference_id", outbound.ReferenceID), zap.String("endpoint", endpoint))

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("payment request failed", zap.String("reference_id", outbound.ReferenceID), zap.Error(err))
		return paymentdomain.PaymentResult{}, fmt.Errorf("%w: %v", paymentdomain.ErrGatewayUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return paymentdomain.PaymentResult{}, fmt.Errorf("%w: %v", paymentdomain.ErrGatewayUnreachable, err)
	}

	result, err := parseEnvelope(raw)
	if err != nil {
		c.log.Warn("payment request not accepted",
			zap.String("reference_id", outbound.ReferenceID),
			zap.Int("status", resp.StatusCode),
			zap.Error(err),
		)
		return paymentdomain.PaymentResult{}, err
	}
	return result, nil
}

func parseEnvelope(raw []byte) (paymentdomain.PaymentResult, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return paymentdomain.PaymentResult{}, fmt.Errorf("%w: response is not json", paymentdomain.ErrGatewayUnreachable)
	}

	if env.Success == nil {
		return paymentdomain.PaymentResult{}, fmt.Errorf("%w: success flag missing", paymentdomain.ErrGatewayMalformedResponse)
	}
	if !*env.Success {
		return paymentdomain.PaymentResult{}, &paymentdomain.GatewayRejectedError{Message: rejectionMessage(env.Return)}
	}

	var ret paymentReturn
	if err := json.Unmarshal(env.Return, &ret); err != nil {
		return paymentdomain.PaymentResult{}, paymentdomain.ErrGatewayMalformedResponse
	}
	paymentURL := strings.TrimSpace(ret.PaymentURL)
	if paymentURL == "" {
		return paymentdomain.PaymentResult{}, paymentdomain.ErrGatewayMalformedResponse
	}

	return paymentdomain.PaymentResult{
		PaymentURL:        paymentURL,
		ProviderPaymentID: strings.TrimSpace(ret.PaymentID),
	}, nil
}

func rejectionMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var message string
	if err := json.Unmarshal(raw, &message); err == nil {
		return strings.TrimSpace(message)
	}
	var detail struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &detail); err == nil {
		return strings.TrimSpace(detail.Message)
	}
	return ""
}

// flag decodes the provider's success field, which arrives as a bool, a
// number or a numeric string.
type flag bool

func (f *flag) UnmarshalJSON(data []byte) error {
	text := strings.Trim(strings.TrimSpace(string(data)), `"`)
	switch strings.ToLower(text) {
	case "true", "1":
		*f = true
	case "false", "0", "":
		*f = false
	default:
		return errors.New("invalid success flag")
	}
	return nil
}
