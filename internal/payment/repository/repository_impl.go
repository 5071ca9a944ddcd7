package repository

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/payrelay/internal/clock"
	"github.com/smallbiznis/payrelay/internal/observability/logger"
	"github.com/smallbiznis/payrelay/internal/payment/domain"
	"github.com/smallbiznis/payrelay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const invoiceNumberPrefix = "INV-"

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

// Ledger stores orders, payments and invoices with gorm.
type Ledger struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func New(p Params) *Ledger {
	return &Ledger{
		db:    p.DB,
		log:   p.Log.Named("payment.ledger"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func Provide(p Params) domain.Ledger {
	return New(p)
}

func (r *Ledger) CreateOrder(ctx context.Context, order *domain.Order) error {
	if order == nil || strings.TrimSpace(order.ReferenceID) == "" {
		return domain.ErrInvalidOrder
	}
	now := r.clock.Now()
	if order.ID == 0 {
		order.ID = r.genID.Generate()
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusPendingPayment
	}
	order.CreatedAt = now
	order.UpdatedAt = now
	for i := range order.Items {
		if order.Items[i].ID == 0 {
			order.Items[i].ID = r.genID.Generate()
		}
		order.Items[i].OrderID = order.ID
	}

	err := r.db.WithContext(ctx).Omit("Payment", "History").Create(order).Error
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.ErrOrderExists
		}
		return err
	}
	return nil
}

func (r *Ledger) FindOrderByReference(ctx context.Context, referenceID string) (*domain.Order, error) {
	referenceID = strings.TrimSpace(referenceID)
	if referenceID == "" {
		return nil, domain.ErrOrderNotFound
	}

	var order domain.Order
	err := r.db.WithContext(ctx).
		Preload("Items", func(tx *gorm.DB) *gorm.DB { return tx.Order("id") }).
		Preload("History", func(tx *gorm.DB) *gorm.DB { return tx.Order("created_at, id") }).
		Preload("Payment").
		Where("reference_id = ?", referenceID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// FindInvoiceByOrder returns nil without error when the order has no invoice.
func (r *Ledger) FindInvoiceByOrder(ctx context.Context, orderID snowflake.ID) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := r.db.WithContext(ctx).
		Preload("Items", func(tx *gorm.DB) *gorm.DB { return tx.Order("id") }).
		Where("order_id = ?", orderID).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

func (r *Ledger) SavePayment(ctx context.Context, payment *domain.PaymentRecord) error {
	return r.savePayment(r.db.WithContext(ctx), payment)
}

func (r *Ledger) TrySavePayment(ctx context.Context, payment *domain.PaymentRecord) {
	if err := r.SavePayment(ctx, payment); err != nil {
		fields := []zap.Field{zap.Error(err)}
		if payment != nil {
			fields = append(fields,
				zap.String("reference_id", payment.ReferenceID),
				zap.String("status", string(payment.Status)),
			)
		}
		logger.WithContext(ctx, r.log).Warn("payment record not saved", fields...)
	}
}

func (r *Ledger) savePayment(tx *gorm.DB, payment *domain.PaymentRecord) error {
	if payment == nil {
		return errors.New("payment record is nil")
	}
	now := r.clock.Now()
	if payment.ID == 0 {
		payment.ID = r.genID.Generate()
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}
	payment.UpdatedAt = now
	return tx.Save(payment).Error
}

// AuthorizePayment re-reads the payment under the order lock before writing
// the authorization, and copies the stored row back into payment. An order
// that already has an invoice yields ErrAlreadyInvoiced; a payment left in
// requested or authorized is healed to invoiced first.
func (r *Ledger) AuthorizePayment(ctx context.Context, payment *domain.PaymentRecord, authorizationID string) error {
	if payment == nil || payment.ID == 0 {
		return domain.ErrInvalidTransition
	}

	var outcome error
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockOrder(tx, payment.OrderID); err != nil {
			return err
		}

		var invoices int64
		if err := tx.Model(&domain.Invoice{}).Where("order_id = ?", payment.OrderID).Count(&invoices).Error; err != nil {
			return err
		}
		current, err := findPayment(tx, payment.ID)
		if err != nil {
			return err
		}
		now := r.clock.Now()

		if invoices > 0 {
			if current.Status != domain.PaymentStatusInvoiced {
				if err := tx.Model(&domain.PaymentRecord{}).Where("id = ?", current.ID).Updates(map[string]any{
					"status":     domain.PaymentStatusInvoiced,
					"updated_at": now,
				}).Error; err != nil {
					return err
				}
				current.Status = domain.PaymentStatusInvoiced
				current.UpdatedAt = now
			}
			*payment = *current
			outcome = domain.ErrAlreadyInvoiced
			return nil
		}

		switch current.Status {
		case domain.PaymentStatusRequested, domain.PaymentStatusAuthorized:
		case domain.PaymentStatusInvoiced:
			outcome = domain.ErrAlreadyInvoiced
		case domain.PaymentStatusFailed:
			outcome = domain.ErrPaymentFailed
		default:
			outcome = domain.ErrInvalidTransition
		}
		if outcome != nil {
			*payment = *current
			return nil
		}

		if err := tx.Model(&domain.PaymentRecord{}).
			Where("id = ? AND status IN ?", current.ID, []string{
				string(domain.PaymentStatusRequested),
				string(domain.PaymentStatusAuthorized),
			}).
			Updates(map[string]any{
				"authorization_id": authorizationID,
				"status":           domain.PaymentStatusAuthorized,
				"updated_at":       now,
			}).Error; err != nil {
			return err
		}
		auth := authorizationID
		current.AuthorizationID = &auth
		current.Status = domain.PaymentStatusAuthorized
		current.UpdatedAt = now
		*payment = *current
		return nil
	})
	if err != nil {
		return err
	}
	return outcome
}

// FailPayment marks the payment failed unless it is already invoiced. When it
// is, payment is refreshed from storage and ErrAlreadyInvoiced is returned.
func (r *Ledger) FailPayment(ctx context.Context, payment *domain.PaymentRecord, reason string) error {
	if payment == nil || payment.ID == 0 {
		return errors.New("payment record is not stored")
	}
	now := r.clock.Now()
	reason = strings.TrimSpace(reason)

	tx := r.db.WithContext(ctx)
	res := tx.Model(&domain.PaymentRecord{}).
		Where("id = ? AND status <> ?", payment.ID, domain.PaymentStatusInvoiced).
		Updates(map[string]any{
			"status":         domain.PaymentStatusFailed,
			"failure_reason": reason,
			"updated_at":     now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		payment.Fail(reason, now)
		return nil
	}

	current, err := findPayment(tx, payment.ID)
	if err != nil {
		return err
	}
	*payment = *current
	if current.Status == domain.PaymentStatusInvoiced {
		return domain.ErrAlreadyInvoiced
	}
	return nil
}

// ReplaceAuthorization overwrites the authorization id of an invoiced payment.
func (r *Ledger) ReplaceAuthorization(ctx context.Context, payment *domain.PaymentRecord, authorizationID string) error {
	if payment == nil || payment.ID == 0 {
		return domain.ErrInvalidTransition
	}
	now := r.clock.Now()
	res := r.db.WithContext(ctx).Model(&domain.PaymentRecord{}).
		Where("id = ? AND status = ?", payment.ID, domain.PaymentStatusInvoiced).
		Updates(map[string]any{
			"authorization_id": authorizationID,
			"updated_at":       now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrInvalidTransition
	}
	auth := authorizationID
	payment.AuthorizationID = &auth
	payment.UpdatedAt = now
	return nil
}

func (r *Ledger) CreateInvoice(ctx context.Context, order *domain.Order) (*domain.Invoice, error) {
	number, err := newInvoiceNumber()
	if err != nil {
		return nil, err
	}
	return domain.PrepareInvoice(order, r.genID, number, r.clock.Now())
}

// Commit writes the invoice, the order changes and the payment status in one
// transaction. The order row is locked first where the dialect supports it, and
// the unique invoices(order_id) index rejects a second invoice. The payment is
// only moved out of authorized, so a row changed since it was loaded aborts
// the commit with ErrInvalidTransition.
func (r *Ledger) Commit(ctx context.Context, invoice *domain.Invoice, order *domain.Order) error {
	if invoice == nil || order == nil {
		return domain.ErrInvalidOrder
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockOrder(tx, order.ID); err != nil {
			return err
		}

		var existing int64
		if err := tx.Model(&domain.Invoice{}).Where("order_id = ?", order.ID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return domain.ErrAlreadyInvoiced
		}

		if err := tx.Create(invoice).Error; err != nil {
			return err
		}

		for _, item := range order.Items {
			if err := tx.Model(&domain.OrderItem{}).
				Where("id = ?", item.ID).
				Update("qty_invoiced", item.QtyInvoiced).Error; err != nil {
				return err
			}
		}

		if err := tx.Model(&domain.Order{}).Where("id = ?", order.ID).Updates(map[string]any{
			"status":        order.Status,
			"is_in_process": order.IsInProcess,
			"total_paid":    order.TotalPaid,
			"updated_at":    order.UpdatedAt,
		}).Error; err != nil {
			return err
		}

		if len(order.History) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&order.History).Error; err != nil {
				return err
			}
		}

		if p := order.Payment; p != nil {
			now := r.clock.Now()
			res := tx.Model(&domain.PaymentRecord{}).
				Where("id = ? AND status = ?", p.ID, domain.PaymentStatusAuthorized).
				Updates(map[string]any{
					"status":           p.Status,
					"authorization_id": p.AuthorizationID,
					"updated_at":       now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return domain.ErrInvalidTransition
			}
			p.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyInvoiced) || db.IsDuplicateKeyErr(err) {
			return domain.ErrAlreadyInvoiced
		}
		return fmt.Errorf("commit invoice: %w", err)
	}
	return nil
}

func lockOrder(tx *gorm.DB, orderID snowflake.ID) error {
	query := tx.Model(&domain.Order{}).Select("id").Where("id = ?", orderID)
	if tx.Dialector.Name() != "sqlite" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var locked struct{ ID snowflake.ID }
	if err := query.Take(&locked).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrOrderNotFound
		}
		return err
	}
	return nil
}

func findPayment(tx *gorm.DB, id snowflake.ID) (*domain.PaymentRecord, error) {
	var payment domain.PaymentRecord
	if err := tx.Where("id = ?", id).Take(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrInvalidTransition
		}
		return nil, err
	}
	return &payment, nil
}

func newInvoiceNumber() (string, error) {
	id, err := ulid.New(ulid.Now(), rand.Reader)
	if err != nil {
		return "", err
	}
	return invoiceNumberPrefix + id.String(), nil
}
