package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/payrelay/internal/clock"
	"github.com/smallbiznis/payrelay/internal/payment/domain"
	pkgdb "github.com/smallbiznis/payrelay/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupLedger(t *testing.T) (*Ledger, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&domain.Order{},
		&domain.OrderItem{},
		&domain.OrderStatusHistory{},
		&domain.PaymentRecord{},
		&domain.Invoice{},
		&domain.InvoiceItem{},
	))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	return New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)),
	}), db
}

func newOrder(ref string) *domain.Order {
	return &domain.Order{
		ReferenceID:    ref,
		Currency:       "BRL",
		GrandTotal:     decimal.RequireFromString("30.00"),
		BuyerFirstName: "Joao",
		BuyerLastName:  "Souza",
		BuyerDocument:  "987.654.321-00",
		BuyerEmail:     "joao@example.com",
		Metadata:       map[string]any{"channel": "web"},
		Items: []domain.OrderItem{
			{SKU: "A", Name: "Caneca", Price: decimal.RequireFromString("10.00"), QtyOrdered: 1},
			{SKU: "B", Name: "Chaveiro", Price: decimal.RequireFromString("10.00"), QtyOrdered: 2},
		},
	}
}

func TestCreateOrderAndFind(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()

	order := newOrder("REF-1")
	require.NoError(t, ledger.CreateOrder(ctx, order))
	assert.NotZero(t, order.ID)
	assert.Equal(t, domain.OrderStatusPendingPayment, order.Status)

	found, err := ledger.FindOrderByReference(ctx, " REF-1 ")
	require.NoError(t, err)
	assert.Equal(t, order.ID, found.ID)
	assert.Len(t, found.Items, 2)
	assert.Nil(t, found.Payment)
	assert.Equal(t, "web", found.Metadata["channel"])
	assert.Equal(t, int64(3), found.InvoiceableQty())

	err = ledger.CreateOrder(ctx, newOrder("REF-1"))
	assert.ErrorIs(t, err, domain.ErrOrderExists)

	_, err = ledger.FindOrderByReference(ctx, "REF-404")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestSavePaymentUpserts(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()

	order := newOrder("REF-2")
	require.NoError(t, ledger.CreateOrder(ctx, order))

	payment := &domain.PaymentRecord{
		OrderID:     order.ID,
		ReferenceID: order.ReferenceID,
		Method:      domain.MethodCode,
		Status:      domain.PaymentStatusPending,
	}
	require.NoError(t, ledger.SavePayment(ctx, payment))
	id := payment.ID

	url := "https://pay/y"
	payment.Status = domain.PaymentStatusRequested
	payment.PaymentURL = &url
	ledger.TrySavePayment(ctx, payment)

	found, err := ledger.FindOrderByReference(ctx, "REF-2")
	require.NoError(t, err)
	require.NotNil(t, found.Payment)
	assert.Equal(t, id, found.Payment.ID)
	assert.Equal(t, domain.PaymentStatusRequested, found.Payment.Status)
	assert.Equal(t, "https://pay/y", *found.Payment.PaymentURL)
}

func TestCreateInvoiceWritesNothing(t *testing.T) {
	ledger, db := setupLedger(t)
	ctx := context.Background()

	order := newOrder("REF-3")
	require.NoError(t, ledger.CreateOrder(ctx, order))

	invoice, err := ledger.CreateInvoice(ctx, order)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(invoice.Number, "INV-"))
	assert.Equal(t, int64(3), invoice.TotalQty)
	assert.Len(t, invoice.Items, 2)
	assert.Equal(t, "20.00", invoice.Items[1].RowTotal.StringFixed(2))

	var count int64
	require.NoError(t, db.Model(&domain.Invoice{}).Count(&count).Error)
	assert.Zero(t, count)

	found, err := ledger.FindInvoiceByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestCommitRejectsSecondInvoice(t *testing.T) {
	ledger, db := setupLedger(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	order := newOrder("REF-4")
	require.NoError(t, ledger.CreateOrder(ctx, order))
	first, err := ledger.FindOrderByReference(ctx, "REF-4")
	require.NoError(t, err)
	second, err := ledger.FindOrderByReference(ctx, "REF-4")
	require.NoError(t, err)

	invA, err := ledger.CreateInvoice(ctx, first)
	require.NoError(t, err)
	invA.Register()
	invA.Pay(now)
	first.MarkInProcess(now)
	require.NoError(t, ledger.Commit(ctx, invA, first))

	invB, err := ledger.CreateInvoice(ctx, second)
	require.NoError(t, err)
	invB.Register()
	invB.Pay(now)
	second.MarkInProcess(now)
	err = ledger.Commit(ctx, invB, second)
	assert.ErrorIs(t, err, domain.ErrAlreadyInvoiced)

	var count int64
	require.NoError(t, db.Model(&domain.Invoice{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	stored, err := ledger.FindOrderByReference(ctx, "REF-4")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusProcessing, stored.Status)
	assert.Zero(t, stored.InvoiceableQty())
	assert.True(t, decimal.RequireFromString("30.00").Equal(stored.TotalPaid))

	invoice, err := ledger.FindInvoiceByOrder(ctx, stored.ID)
	require.NoError(t, err)
	require.NotNil(t, invoice)
	assert.Equal(t, invA.Number, invoice.Number)
}

func TestUniqueIndexBacksInvoiceConstraint(t *testing.T) {
	ledger, db := setupLedger(t)
	ctx := context.Background()

	order := newOrder("REF-5")
	require.NoError(t, ledger.CreateOrder(ctx, order))

	inv, err := ledger.CreateInvoice(ctx, order)
	require.NoError(t, err)
	require.NoError(t, db.Create(inv).Error)

	dup, err := ledger.CreateInvoice(ctx, order)
	require.NoError(t, err)
	err = db.Omit("Items").Create(dup).Error
	require.Error(t, err)
	assert.True(t, pkgdb.IsDuplicateKeyErr(err))
}

func requestedPayment(t *testing.T, ledger *Ledger, order *domain.Order) *domain.PaymentRecord {
	t.Helper()
	payment := &domain.PaymentRecord{
		OrderID:     order.ID,
		ReferenceID: order.ReferenceID,
		Method:      domain.MethodCode,
		Status:      domain.PaymentStatusRequested,
	}
	require.NoError(t, ledger.SavePayment(context.Background(), payment))
	return payment
}

func commitOrder(t *testing.T, ledger *Ledger, ref, authID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	order, err := ledger.FindOrderByReference(ctx, ref)
	require.NoError(t, err)
	require.NoError(t, ledger.AuthorizePayment(ctx, order.Payment, authID))
	invoice, err := ledger.CreateInvoice(ctx, order)
	require.NoError(t, err)
	invoice.Register()
	invoice.Pay(now)
	order.MarkInProcess(now)
	order.Payment.Status = domain.PaymentStatusInvoiced
	require.NoError(t, ledger.Commit(ctx, invoice, order))
}

func TestAuthorizePaymentReadsStoredRow(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()

	order := newOrder("REF-6")
	require.NoError(t, ledger.CreateOrder(ctx, order))
	requestedPayment(t, ledger, order)

	stale, err := ledger.FindOrderByReference(ctx, "REF-6")
	require.NoError(t, err)
	commitOrder(t, ledger, "REF-6", "AUTH-1")

	err = ledger.AuthorizePayment(ctx, stale.Payment, "AUTH-2")
	assert.ErrorIs(t, err, domain.ErrAlreadyInvoiced)
	assert.Equal(t, domain.PaymentStatusInvoiced, stale.Payment.Status)
	require.NotNil(t, stale.Payment.AuthorizationID)
	assert.Equal(t, "AUTH-1", *stale.Payment.AuthorizationID)

	stored, err := ledger.FindOrderByReference(ctx, "REF-6")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusInvoiced, stored.Payment.Status)
	assert.Equal(t, "AUTH-1", *stored.Payment.AuthorizationID)
}

func TestAuthorizePaymentHealsStatusOfInvoicedOrder(t *testing.T) {
	ledger, db := setupLedger(t)
	ctx := context.Background()

	order := newOrder("REF-7")
	require.NoError(t, ledger.CreateOrder(ctx, order))
	payment := requestedPayment(t, ledger, order)
	commitOrder(t, ledger, "REF-7", "AUTH-1")

	require.NoError(t, db.Model(&domain.PaymentRecord{}).
		Where("id = ?", payment.ID).
		Update("status", domain.PaymentStatusAuthorized).Error)

	err := ledger.AuthorizePayment(ctx, payment, "AUTH-1")
	assert.ErrorIs(t, err, domain.ErrAlreadyInvoiced)
	assert.Equal(t, domain.PaymentStatusInvoiced, payment.Status)

	stored, err := ledger.FindOrderByReference(ctx, "REF-7")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusInvoiced, stored.Payment.Status)
}

func TestAuthorizePaymentRejectsFailedAndPending(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()

	order := newOrder("REF-8")
	require.NoError(t, ledger.CreateOrder(ctx, order))
	payment := requestedPayment(t, ledger, order)
	stale := *payment

	require.NoError(t, ledger.FailPayment(ctx, payment, " gateway down "))
	assert.Equal(t, domain.PaymentStatusFailed, payment.Status)
	require.NotNil(t, payment.FailureReason)
	assert.Equal(t, "gateway down", *payment.FailureReason)

	err := ledger.AuthorizePayment(ctx, &stale, "AUTH-1")
	assert.ErrorIs(t, err, domain.ErrPaymentFailed)
	assert.Equal(t, domain.PaymentStatusFailed, stale.Status)

	other := newOrder("REF-9")
	require.NoError(t, ledger.CreateOrder(ctx, other))
	pending := &domain.PaymentRecord{
		OrderID:     other.ID,
		ReferenceID: other.ReferenceID,
		Method:      domain.MethodCode,
		Status:      domain.PaymentStatusPending,
	}
	require.NoError(t, ledger.SavePayment(ctx, pending))
	assert.ErrorIs(t, ledger.AuthorizePayment(ctx, pending, "AUTH-1"), domain.ErrInvalidTransition)
}

func TestFailPaymentKeepsInvoicedPayment(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()

	order := newOrder("REF-10")
	require.NoError(t, ledger.CreateOrder(ctx, order))
	payment := requestedPayment(t, ledger, order)
	commitOrder(t, ledger, "REF-10", "AUTH-1")

	err := ledger.FailPayment(ctx, payment, "nothing to invoice")
	assert.ErrorIs(t, err, domain.ErrAlreadyInvoiced)
	assert.Equal(t, domain.PaymentStatusInvoiced, payment.Status)
	assert.Nil(t, payment.FailureReason)

	stored, err := ledger.FindOrderByReference(ctx, "REF-10")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusInvoiced, stored.Payment.Status)
	assert.Nil(t, stored.Payment.FailureReason)
}

func TestReplaceAuthorizationOnlyOnInvoicedPayment(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()

	order := newOrder("REF-11")
	require.NoError(t, ledger.CreateOrder(ctx, order))
	payment := requestedPayment(t, ledger, order)

	assert.ErrorIs(t, ledger.ReplaceAuthorization(ctx, payment, "AUTH-2"), domain.ErrInvalidTransition)

	commitOrder(t, ledger, "REF-11", "AUTH-1")
	require.NoError(t, ledger.ReplaceAuthorization(ctx, payment, "AUTH-2"))
	assert.Equal(t, "AUTH-2", *payment.AuthorizationID)

	stored, err := ledger.FindOrderByReference(ctx, "REF-11")
	require.NoError(t, err)
	assert.Equal(t, "AUTH-2", *stored.Payment.AuthorizationID)
	assert.Equal(t, domain.PaymentStatusInvoiced, stored.Payment.Status)
}

func TestCommitRequiresAuthorizedPayment(t *testing.T) {
	ledger, db := setupLedger(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	order := newOrder("REF-12")
	require.NoError(t, ledger.CreateOrder(ctx, order))
	requestedPayment(t, ledger, order)

	loaded, err := ledger.FindOrderByReference(ctx, "REF-12")
	require.NoError(t, err)
	invoice, err := ledger.CreateInvoice(ctx, loaded)
	require.NoError(t, err)
	invoice.Register()
	invoice.Pay(now)
	loaded.MarkInProcess(now)
	loaded.Payment.Status = domain.PaymentStatusInvoiced

	err = ledger.Commit(ctx, invoice, loaded)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	var count int64
	require.NoError(t, db.Model(&domain.Invoice{}).Count(&count).Error)
	assert.Zero(t, count)

	stored, err := ledger.FindOrderByReference(ctx, "REF-12")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRequested, stored.Payment.Status)
	assert.Equal(t, domain.OrderStatusPendingPayment, stored.Status)
}
