package payment

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"github.com/ManuelReschke/LingoBill/app/models"
)

// Repository provides DB operations used by the payment store.
type Repository interface {
	Create(ctx context.Context, rec *models.PaymentRecord) error
	FindByOrderID(ctx context.Context, orderID string) (*models.PaymentRecord, error)
	// Update persists next only if the stored status still equals expected.
	// Credentials are written only when withCredentials is set.
	Update(ctx context.Context, next *models.PaymentRecord, expected models.PaymentStatus, withCredentials bool) (bool, error)
	ClearCredentials(ctx context.Context, orderIDs []string) (int64, error)
	MarkCompensated(ctx context.Context, orderID string, at time.Time) (bool, error)
	MarkFulfilled(ctx context.Context, orderID string, at time.Time) (bool, error)
	// Unfulfilled lists DONE one-time and registration records without
	// fulfilled_at that were last touched before the cutoff.
	Unfulfilled(ctx context.Context, before time.Time, limit int) ([]*models.PaymentRecord, error)
	LatestByMembers(ctx context.Context, memberIDs []uint) (map[uint]*models.PaymentRecord, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a payment repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Create(ctx context.Context, rec *models.PaymentRecord) error {
	err := r.db.WithContext(ctx).Create(rec).Error
	if isDuplicateKey(err) {
		return ErrOrderConflict
	}
	return err
}

func (r *gormRepository) FindByOrderID(ctx context.Context, orderID string) (*models.PaymentRecord, error) {
	var rec models.PaymentRecord
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *gormRepository) Update(ctx context.Context, next *models.PaymentRecord, expected models.PaymentStatus, withCredentials bool) (bool, error) {
	updates := map[string]interface{}{
		"status":          next.Status,
		"payment_key":     next.PaymentKey,
		"method":          next.Method,
		"receipt_url":     next.ReceiptURL,
		"approved_at":     next.ApprovedAt,
		"total_amount":    next.TotalAmount,
		"failure_code":    next.FailureCode,
		"failure_message": next.FailureMessage,
	}
	if withCredentials {
		updates["billing_key"] = next.BillingKey
		updates["customer_key"] = next.CustomerKey
	}

	tx := r.db.WithContext(ctx).Model(&models.PaymentRecord{}).
		Where("order_id = ? AND status = ?", next.OrderID, expected).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) ClearCredentials(ctx context.Context, orderIDs []string) (int64, error) {
	if len(orderIDs) == 0 {
		return 0, nil
	}
	// both columns in one statement so the pair never diverges
	tx := r.db.WithContext(ctx).Model(&models.PaymentRecord{}).
		Where("order_id IN ? AND (billing_key IS NOT NULL OR customer_key IS NOT NULL)", orderIDs).
		Updates(map[string]interface{}{
			"billing_key":  nil,
			"customer_key": nil,
		})
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) MarkCompensated(ctx context.Context, orderID string, at time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.PaymentRecord{}).
		Where("order_id = ? AND compensated_at IS NULL", orderID).
		Update("compensated_at", at)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) MarkFulfilled(ctx context.Context, orderID string, at time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.PaymentRecord{}).
		Where("order_id = ? AND status = ? AND fulfilled_at IS NULL", orderID, models.PaymentStatusDone).
		Update("fulfilled_at", at)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) Unfulfilled(ctx context.Context, before time.Time, limit int) ([]*models.PaymentRecord, error) {
	var recs []*models.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND fulfilled_at IS NULL AND source_order_id = '' AND updated_at < ?", models.PaymentStatusDone, before).
		Order("id ASC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *gormRepository) LatestByMembers(ctx context.Context, memberIDs []uint) (map[uint]*models.PaymentRecord, error) {
	out := make(map[uint]*models.PaymentRecord, len(memberIDs))
	if len(memberIDs) == 0 {
		return out, nil
	}

	latest := r.db.Model(&models.PaymentRecord{}).
		Select("MAX(id)").
		Where("member_id IN ?", memberIDs).
		Group("member_id")

	var recs []models.PaymentRecord
	if err := r.db.WithContext(ctx).Where("id IN (?)", latest).Find(&recs).Error; err != nil {
		return nil, err
	}
	for i := range recs {
		out[recs[i].MemberID] = &recs[i]
	}
	return out, nil
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}
