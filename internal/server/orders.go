package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/payrelay/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/payrelay/internal/payment/domain"
	"go.uber.org/zap"
)

const genericPaymentError = "We could not start your payment. Please try again or choose another method."

type createOrderRequest struct {
	ReferenceID string             `json:"referenceId" binding:"required"`
	Currency    string             `json:"currency"`
	Buyer       buyerRequest       `json:"buyer"`
	Items       []orderItemRequest `json:"items" binding:"required,min=1,dive"`
	Metadata    map[string]any     `json:"metadata"`
}

type buyerRequest struct {
	FirstName string `json:"firstName" binding:"required"`
	LastName  string `json:"lastName" binding:"required"`
	Document  string `json:"document" binding:"required"`
	Email     string `json:"email" binding:"required,email"`
	Phone     string `json:"phone"`
}

type orderItemRequest struct {
	SKU   string          `json:"sku" binding:"required"`
	Name  string          `json:"name" binding:"required"`
	Price decimal.Decimal `json:"price"`
	Qty   int64           `json:"qty" binding:"required,gt=0"`
}

type createOrderResponse struct {
	ReferenceID string `json:"referenceId"`
	PaymentURL  string `json:"paymentUrl"`
	Status      string `json:"status"`
}

type orderResponse struct {
	ReferenceID string           `json:"referenceId"`
	Status      string           `json:"status"`
	IsInProcess bool             `json:"isInProcess"`
	Currency    string           `json:"currency"`
	GrandTotal  string           `json:"grandTotal"`
	TotalPaid   string           `json:"totalPaid"`
	Payment     *paymentResponse `json:"payment,omitempty"`
	Invoice     *invoiceResponse `json:"invoice,omitempty"`
	History     []string         `json:"history"`
}

type paymentResponse struct {
	Status          string  `json:"status"`
	PaymentURL      *string `json:"paymentUrl,omitempty"`
	AuthorizationID *string `json:"authorizationId,omitempty"`
	CheckoutMode    string  `json:"checkoutMode,omitempty"`
	FailureReason   *string `json:"failureReason,omitempty"`
}

type invoiceResponse struct {
	Number      string     `json:"number"`
	State       string     `json:"state"`
	CaptureCase string     `json:"captureCase"`
	GrandTotal  string     `json:"grandTotal"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
}

// CreateOrder records the order and asks the provider for a payment url.
func (s *Server) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	order, err := req.toOrder()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	if err := s.ledger.CreateOrder(ctx, order); err != nil {
		AbortWithError(c, err)
		return
	}

	payment, err := s.payments.Order(ctx, order, order.GrandTotal)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrPaymentRequestFailed) {
			logger.WithContext(ctx, s.log).Warn("payment request failed",
				zap.String("reference_id", order.ReferenceID),
				zap.Error(err),
			)
			AbortWithError(c, &gatewayError{message: s.gatewayMessage(err), err: err})
			return
		}
		AbortWithError(c, err)
		return
	}

	resp := createOrderResponse{
		ReferenceID: order.ReferenceID,
		Status:      string(payment.Status),
	}
	if payment.PaymentURL != nil {
		resp.PaymentURL = *payment.PaymentURL
	}
	c.JSON(http.StatusCreated, resp)
}

// GetOrder reports the order together with its payment and invoice.
func (s *Server) GetOrder(c *gin.Context) {
	ctx := c.Request.Context()
	order, err := s.ledger.FindOrderByReference(ctx, c.Param("referenceId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	invoice, err := s.ledger.FindInvoiceByOrder(ctx, order.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newOrderResponse(order, invoice))
}

// gatewayMessage hides provider messages from buyers in production.
func (s *Server) gatewayMessage(err error) string {
	if s.cfg.IsProduction() {
		return genericPaymentError
	}
	var rejected *paymentdomain.GatewayRejectedError
	if errors.As(err, &rejected) && strings.TrimSpace(rejected.Message) != "" {
		return rejected.Message
	}
	return err.Error()
}

func (r createOrderRequest) toOrder() (*paymentdomain.Order, error) {
	currency := strings.ToUpper(strings.TrimSpace(r.Currency))
	if currency == "" {
		currency = "BRL"
	}

	order := &paymentdomain.Order{
		ReferenceID:    strings.TrimSpace(r.ReferenceID),
		Currency:       currency,
		BuyerFirstName: strings.TrimSpace(r.Buyer.FirstName),
		BuyerLastName:  strings.TrimSpace(r.Buyer.LastName),
		BuyerDocument:  strings.TrimSpace(r.Buyer.Document),
		BuyerEmail:     strings.TrimSpace(r.Buyer.Email),
		BuyerPhone:     strings.TrimSpace(r.Buyer.Phone),
		Metadata:       r.Metadata,
	}
	if order.ReferenceID == "" {
		return nil, newValidationError("referenceId", "required", "referenceId is required")
	}

	total := decimal.Zero
	for _, item := range r.Items {
		if item.Price.IsNegative() {
			return nil, newValidationError("items.price", "invalid", "price must not be negative")
		}
		price := item.Price.Round(2)
		order.Items = append(order.Items, paymentdomain.OrderItem{
			SKU:        strings.TrimSpace(item.SKU),
			Name:       strings.TrimSpace(item.Name),
			Price:      price,
			QtyOrdered: item.Qty,
		})
		total = total.Add(price.Mul(decimal.NewFromInt(item.Qty)))
	}
	order.GrandTotal = total.Round(2)
	if !order.GrandTotal.IsPositive() {
		return nil, newValidationError("items", "invalid", "order total must be positive")
	}
	return order, nil
}

func newOrderResponse(order *paymentdomain.Order, invoice *paymentdomain.Invoice) orderResponse {
	resp := orderResponse{
		ReferenceID: order.ReferenceID,
		Status:      string(order.Status),
		IsInProcess: order.IsInProcess,
		Currency:    order.Currency,
		GrandTotal:  order.GrandTotal.StringFixed(2),
		TotalPaid:   order.TotalPaid.StringFixed(2),
		History:     make([]string, 0, len(order.History)),
	}
	for _, h := range order.History {
		resp.History = append(resp.History, h.Comment)
	}
	if p := order.Payment; p != nil {
		resp.Payment = &paymentResponse{
			Status:          string(p.Status),
			PaymentURL:      p.PaymentURL,
			AuthorizationID: p.AuthorizationID,
			CheckoutMode:    p.CheckoutMode,
			FailureReason:   p.FailureReason,
		}
	}
	if invoice != nil {
		resp.Invoice = &invoiceResponse{
			Number:      invoice.Number,
			State:       string(invoice.State),
			CaptureCase: invoice.CaptureCase,
			GrandTotal:  invoice.GrandTotal.StringFixed(2),
			PaidAt:      invoice.PaidAt,
		}
	}
	return resp
}
