package models

import "time"

// SubscriptionStatus is the state of one subscription period row.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusExpired  SubscriptionStatus = "EXPIRED"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
)

// Subscription is one period in a member's subscription history. The current
// subscription is the row with the latest StartedAt. Every row names the row
// it was appended after, and (member_id, previous_id) is unique, so a
// member's history is a single chain. OrderID is the payment that bought
// the period and is empty on EXPIRED markers.
type Subscription struct {
	ID          uint               `gorm:"primaryKey" json:"id"`
	MemberID    uint               `gorm:"not null;index:idx_subscriptions_member_started,priority:1;uniqueIndex:ux_subscriptions_member_previous,priority:1" json:"member_id"`
	PreviousID  uint               `gorm:"not null;default:0;uniqueIndex:ux_subscriptions_member_previous,priority:2" json:"previous_id"`
	PlanID      uint               `gorm:"not null" json:"plan_id"`
	OrderID     string             `gorm:"type:varchar(64);not null;default:'';index" json:"order_id,omitempty"`
	StartedAt   time.Time          `gorm:"type:timestamp;not null;index:idx_subscriptions_member_started,priority:2" json:"started_at"`
	ExpiredAt   time.Time          `gorm:"type:timestamp;not null;index" json:"expired_at"`
	Status      SubscriptionStatus `gorm:"type:varchar(16);not null;default:'ACTIVE';index" json:"status"`
	IsAutoRenew bool               `gorm:"not null;default:false" json:"is_auto_renew"`
	CreatedAt   time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsActiveAt reports whether the row grants access at t.
func (s *Subscription) IsActiveAt(t time.Time) bool {
	return s.Status == SubscriptionStatusActive && !t.Before(s.StartedAt) && t.Before(s.ExpiredAt)
}
