package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"github.com/ManuelReschke/LingoBill/app/models"
)

// Repository provides DB operations used by the ledger.
type Repository interface {
	// Create inserts rows in one statement. A row whose (member, previous)
	// pair is taken fails the whole call with ErrConflict.
	Create(ctx context.Context, subs ...*models.Subscription) error
	Current(ctx context.Context, memberID uint) (*models.Subscription, error)
	ByOrderID(ctx context.Context, memberID uint, orderID string) (*models.Subscription, error)
	// Latest returns the current row of every member matching the filter.
	Latest(ctx context.Context, filter LatestFilter) ([]models.Subscription, error)
	SetAutoRenew(ctx context.Context, id uint, autoRenew bool) error
}

// LatestFilter narrows Latest to current rows that are ACTIVE and ended at or
// before ExpiredBefore.
type LatestFilter struct {
	ExpiredBefore time.Time
	// AutoRenew filters on the flag when set.
	AutoRenew *bool
	// After skips rows up to and including the cursor.
	After *Cursor
	Limit int
}

// Cursor is a position in the (expired_at, id) order of Latest.
type Cursor struct {
	ExpiredAt time.Time
	ID        uint
}

// CursorAt returns the position of sub.
func CursorAt(sub models.Subscription) *Cursor {
	return &Cursor{ExpiredAt: sub.ExpiredAt, ID: sub.ID}
}

// Follows reports whether sub comes after the cursor.
func (c *Cursor) Follows(sub models.Subscription) bool {
	if c == nil {
		return true
	}
	return sub.ExpiredAt.After(c.ExpiredAt) || (sub.ExpiredAt.Equal(c.ExpiredAt) && sub.ID > c.ID)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a subscription repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Create(ctx context.Context, subs ...*models.Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Create(subs).Error
	if isDuplicateKey(err) {
		return ErrConflict
	}
	return err
}

func (r *gormRepository) Current(ctx context.Context, memberID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Where("member_id = ?", memberID).
		Order("started_at DESC, id DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) ByOrderID(ctx context.Context, memberID uint, orderID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Where("member_id = ? AND order_id = ?", memberID, orderID).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) Latest(ctx context.Context, filter LatestFilter) ([]models.Subscription, error) {
	// starts strictly increase along a member's chain, so MAX(started_at) is one row
	latest := r.db.Model(&models.Subscription{}).
		Select("member_id, MAX(started_at) AS started_at").
		Group("member_id")

	q := r.db.WithContext(ctx).
		Table("subscriptions AS s").
		Select("s.*").
		Joins("JOIN (?) AS latest ON latest.member_id = s.member_id AND latest.started_at = s.started_at", latest).
		Where("s.status = ? AND s.expired_at <= ?", models.SubscriptionStatusActive, filter.ExpiredBefore)
	if filter.AutoRenew != nil {
		q = q.Where("s.is_auto_renew = ?", *filter.AutoRenew)
	}
	if c := filter.After; c != nil {
		q = q.Where("(s.expired_at > ? OR (s.expired_at = ? AND s.id > ?))", c.ExpiredAt, c.ExpiredAt, c.ID)
	}
	q = q.Order("s.expired_at ASC, s.id ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var subs []models.Subscription
	if err := q.Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *gormRepository) SetAutoRenew(ctx context.Context, id uint, autoRenew bool) error {
	return r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", id).
		Update("is_auto_renew", autoRenew).Error
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
