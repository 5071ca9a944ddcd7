// Package domain contains the order, payment and invoice models used by the
// PicPay checkout flow.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PaymentStatus represents the payment record lifecycle.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusRequested  PaymentStatus = "requested"
	PaymentStatusAuthorized PaymentStatus = "authorized"
	PaymentStatusInvoiced   PaymentStatus = "invoiced"
	PaymentStatusFailed     PaymentStatus = "failed"
)

// OrderStatus represents the order states touched by this flow.
type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusProcessing     OrderStatus = "processing"
)

// InvoiceState represents invoice lifecycle states.
type InvoiceState string

const (
	InvoiceStateOpen InvoiceState = "open"
	InvoiceStatePaid InvoiceState = "paid"
)

// CaptureOffline marks invoices whose funds were confirmed outside the gateway.
const CaptureOffline = "offline"

const (
	CheckoutModeRedirect = "redirect"
	CheckoutModeIframe   = "iframe"
)

// Buyer is the buyer profile sent to the provider.
type Buyer struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Document  string `json:"document"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
}

// Order is the merchant order as held by the ledger.
type Order struct {
	ID             snowflake.ID         `gorm:"primaryKey"`
	ReferenceID    string               `gorm:"type:text;not null;uniqueIndex:ux_orders_reference_id"`
	Status         OrderStatus          `gorm:"type:text;not null"`
	IsInProcess    bool                 `gorm:"not null;default:false"`
	Currency       string               `gorm:"type:text;not null"`
	GrandTotal     decimal.Decimal      `gorm:"type:numeric(12,2);not null"`
	TotalPaid      decimal.Decimal      `gorm:"type:numeric(12,2);not null;default:0"`
	BuyerFirstName string               `gorm:"type:text;not null"`
	BuyerLastName  string               `gorm:"type:text;not null"`
	BuyerDocument  string               `gorm:"type:text;not null"`
	BuyerEmail     string               `gorm:"type:text;not null"`
	BuyerPhone     string               `gorm:"type:text"`
	Metadata       datatypes.JSONMap    `gorm:"type:jsonb"`
	Items          []OrderItem          `gorm:"foreignKey:OrderID"`
	Payment        *PaymentRecord       `gorm:"foreignKey:OrderID"`
	History        []OrderStatusHistory `gorm:"foreignKey:OrderID"`
	CreatedAt      time.Time            `gorm:"not null"`
	UpdatedAt      time.Time            `gorm:"not null"`
}

// TableName sets the database table name.
func (Order) TableName() string { return "orders" }

// Buyer returns the buyer profile stored on the order.
func (o *Order) Buyer() Buyer {
	return Buyer{
		FirstName: o.BuyerFirstName,
		LastName:  o.BuyerLastName,
		Document:  o.BuyerDocument,
		Email:     o.BuyerEmail,
		Phone:     o.BuyerPhone,
	}
}

// InvoiceableQty is the quantity not yet covered by an invoice.
func (o *Order) InvoiceableQty() int64 {
	var qty int64
	for _, item := range o.Items {
		qty += item.InvoiceableQty()
	}
	return qty
}

// MarkInProcess moves the order out of pending payment.
func (o *Order) MarkInProcess(now time.Time) {
	o.IsInProcess = true
	o.Status = OrderStatusProcessing
	o.UpdatedAt = now
}

// AddStatusHistoryComment appends an audit comment to the order.
func (o *Order) AddStatusHistoryComment(id snowflake.ID, comment string, notified bool, now time.Time) {
	o.History = append(o.History, OrderStatusHistory{
		ID:                 id,
		OrderID:            o.ID,
		Status:             o.Status,
		Comment:            strings.TrimSpace(comment),
		IsCustomerNotified: notified,
		CreatedAt:          now,
	})
}

// OrderItem is a single order line.
type OrderItem struct {
	ID          snowflake.ID    `gorm:"primaryKey"`
	OrderID     snowflake.ID    `gorm:"not null;index"`
	SKU         string          `gorm:"type:text;not null"`
	Name        string          `gorm:"type:text;not null"`
	Price       decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	QtyOrdered  int64           `gorm:"not null"`
	QtyInvoiced int64           `gorm:"not null;default:0"`
}

// TableName sets the database table name.
func (OrderItem) TableName() string { return "order_items" }

// InvoiceableQty is the remaining quantity for this line.
func (i OrderItem) InvoiceableQty() int64 {
	qty := i.QtyOrdered - i.QtyInvoiced
	if qty < 0 {
		return 0
	}
	return qty
}

// OrderStatusHistory is an audit comment attached to an order.
type OrderStatusHistory struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	OrderID            snowflake.ID `gorm:"not null;index"`
	Status             OrderStatus  `gorm:"type:text;not null"`
	Comment            string       `gorm:"type:text;not null"`
	IsCustomerNotified bool         `gorm:"not null;default:false"`
	CreatedAt          time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (OrderStatusHistory) TableName() string { return "order_status_history" }

// PaymentRecord tracks the provider payment attached to an order.
type PaymentRecord struct {
	ID                snowflake.ID  `gorm:"primaryKey"`
	OrderID           snowflake.ID  `gorm:"not null;uniqueIndex:ux_payments_order_id"`
	ReferenceID       string        `gorm:"type:text;not null;uniqueIndex:ux_payments_reference_id"`
	Method            string        `gorm:"type:text;not null"`
	Status            PaymentStatus `gorm:"type:text;not null"`
	ProviderPaymentID *string       `gorm:"type:text"`
	AuthorizationID   *string       `gorm:"type:text"`
	PaymentURL        *string       `gorm:"type:text"`
	ReturnURL         string        `gorm:"type:text"`
	CheckoutMode      string        `gorm:"type:text"`
	FailureReason     *string       `gorm:"type:text"`
	CreatedAt         time.Time     `gorm:"not null"`
	UpdatedAt         time.Time     `gorm:"not null"`
}

// TableName sets the database table name.
func (PaymentRecord) TableName() string { return "order_payments" }

// HasAuthorization reports whether the stored authorization id equals id.
func (p *PaymentRecord) HasAuthorization(id string) bool {
	return p.AuthorizationID != nil && *p.AuthorizationID == id
}

// Fail moves the record to the terminal failed state.
func (p *PaymentRecord) Fail(reason string, now time.Time) {
	reason = strings.TrimSpace(reason)
	p.Status = PaymentStatusFailed
	p.FailureReason = &reason
	p.UpdatedAt = now
}

// Invoice is created at most once per order.
type Invoice struct {
	ID          snowflake.ID    `gorm:"primaryKey"`
	OrderID     snowflake.ID    `gorm:"not null;uniqueIndex:ux_invoices_order_id"`
	Number      string          `gorm:"type:text;not null;uniqueIndex:ux_invoices_number"`
	State       InvoiceState    `gorm:"type:text;not null"`
	CaptureCase string          `gorm:"type:text;not null"`
	Currency    string          `gorm:"type:text;not null"`
	GrandTotal  decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	TotalQty    int64           `gorm:"not null"`
	Items       []InvoiceItem   `gorm:"foreignKey:InvoiceID"`
	PaidAt      *time.Time
	CreatedAt   time.Time `gorm:"not null"`

	order *Order `gorm:"-"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// Order returns the order the invoice was prepared for.
func (inv *Invoice) Order() *Order { return inv.order }

// Register applies the invoiced quantities to the order lines.
func (inv *Invoice) Register() {
	if inv.order == nil {
		return
	}
	for _, line := range inv.Items {
		for i := range inv.order.Items {
			if inv.order.Items[i].ID == line.OrderItemID {
				inv.order.Items[i].QtyInvoiced += line.Qty
			}
		}
	}
	inv.State = InvoiceStateOpen
}

// Pay settles the invoice against the order total.
func (inv *Invoice) Pay(now time.Time) {
	inv.State = InvoiceStatePaid
	inv.PaidAt = &now
	if inv.order != nil {
		inv.order.TotalPaid = inv.order.TotalPaid.Add(inv.GrandTotal)
	}
}

// PrepareInvoice builds an invoice covering every invoiceable line of order.
// It returns ErrNothingToInvoice when no quantity is left to invoice.
func PrepareInvoice(order *Order, genID *snowflake.Node, number string, now time.Time) (*Invoice, error) {
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if order.InvoiceableQty() == 0 {
		return nil, ErrNothingToInvoice
	}

	inv := &Invoice{
		ID:          genID.Generate(),
		OrderID:     order.ID,
		Number:      number,
		CaptureCase: CaptureOffline,
		Currency:    order.Currency,
		GrandTotal:  order.GrandTotal,
		CreatedAt:   now,
		order:       order,
	}
	for _, item := range order.Items {
		qty := item.InvoiceableQty()
		if qty == 0 {
			continue
		}
		inv.Items = append(inv.Items, InvoiceItem{
			ID:          genID.Generate(),
			InvoiceID:   inv.ID,
			OrderItemID: item.ID,
			Qty:         qty,
			RowTotal:    item.Price.Mul(decimal.NewFromInt(qty)).Round(2),
		})
		inv.TotalQty += qty
	}
	return inv, nil
}

// InvoiceItem is an invoiced quantity of an order line.
type InvoiceItem struct {
	ID          snowflake.ID    `gorm:"primaryKey"`
	InvoiceID   snowflake.ID    `gorm:"not null;index"`
	OrderItemID snowflake.ID    `gorm:"not null"`
	Qty         int64           `gorm:"not null"`
	RowTotal    decimal.Decimal `gorm:"type:numeric(12,2);not null"`
}

// TableName sets the database table name.
func (InvoiceItem) TableName() string { return "invoice_items" }

// OutboundPaymentRequest is the body of the provider payment creation call.
type OutboundPaymentRequest struct {
	ReferenceID string
	CallbackURL string
	ReturnURL   string
	Value       decimal.Decimal
	Buyer       Buyer
}

// PaymentResult is what the provider returns for a created payment.
type PaymentResult struct {
	PaymentURL        string
	ProviderPaymentID string
}

// InboundNotification is a provider callback after normalization.
type InboundNotification struct {
	ReferenceID     string
	AuthorizationID string
}
