package models

import "time"

// Plan is a purchasable subscription product: a tier sold for a number of months.
type Plan struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"type:varchar(100);not null" json:"name"`
	Tier         string    `gorm:"type:varchar(32);not null;index:ux_plans_tier_period,unique,priority:1" json:"tier"`
	PeriodMonths int       `gorm:"not null;index:ux_plans_tier_period,unique,priority:2" json:"period_months"`
	Amount       int64     `gorm:"not null" json:"amount"`
	IsActive     bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// EndOf returns the end of a period of this plan starting at start.
func (p *Plan) EndOf(start time.Time) time.Time {
	return start.AddDate(0, p.PeriodMonths, 0)
}
