package models

import "time"

const (
	MemberTierBasic    = "BASIC"
	MemberTierStandard = "STANDARD"
	MemberTierPremium  = "PREMIUM"
)

// Member is the subset of the member profile the billing core reads and writes.
// Profile management lives elsewhere.
type Member struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"type:varchar(200);not null;uniqueIndex" json:"email"`
	Nickname  string    `gorm:"type:varchar(100);default:''" json:"nickname"`
	Tier      string    `gorm:"type:varchar(32);not null;default:'BASIC'" json:"tier"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
