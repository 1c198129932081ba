package billing

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/ManuelReschke/LingoBill/app/models"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	FindActivePlan(ctx context.Context, tier string, periodMonths int) (*models.Plan, error)
	FindPlanByID(ctx context.Context, id uint) (*models.Plan, error)
	FindMember(ctx context.Context, id uint) (*models.Member, error)
	UpdateMemberTier(ctx context.Context, memberID uint, tier string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindActivePlan(ctx context.Context, tier string, periodMonths int) (*models.Plan, error) {
	var p models.Plan
	err := r.db.WithContext(ctx).
		Where("tier = ? AND period_months = ? AND is_active = ?", tier, periodMonths, true).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) FindPlanByID(ctx context.Context, id uint) (*models.Plan, error) {
	var p models.Plan
	err := r.db.WithContext(ctx).First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) FindMember(ctx context.Context, id uint) (*models.Member, error) {
	var m models.Member
	err := r.db.WithContext(ctx).First(&m, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) UpdateMemberTier(ctx context.Context, memberID uint, tier string) error {
	tx := r.db.WithContext(ctx).Model(&models.Member{}).
		Where("id = ?", memberID).
		Update("tier", tier)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		// unchanged tier also reports zero rows on MySQL
		var n int64
		if err := r.db.WithContext(ctx).Model(&models.Member{}).Where("id = ?", memberID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrMemberNotFound
		}
	}
	return nil
}
