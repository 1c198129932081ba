package models

import "time"

// PaymentStatus is the lifecycle state of a single payment attempt.
type PaymentStatus string

const (
	PaymentStatusReady               PaymentStatus = "READY"
	PaymentStatusInProgress          PaymentStatus = "IN_PROGRESS"
	PaymentStatusDone                PaymentStatus = "DONE"
	PaymentStatusFailed              PaymentStatus = "FAILED"
	PaymentStatusAutoBillingReady    PaymentStatus = "AUTO_BILLING_READY"
	PaymentStatusAutoBillingPrepared PaymentStatus = "AUTO_BILLING_PREPARED"
	PaymentStatusAutoBillingFailed   PaymentStatus = "AUTO_BILLING_FAILED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusDone, PaymentStatusFailed, PaymentStatusAutoBillingFailed:
		return true
	default:
		return false
	}
}

// PaymentRecord is the append-only audit row of one payment attempt. Rows are
// never deleted; billing credentials may be nulled without touching the rest.
// FulfilledAt is stamped once the subscription and tier a DONE payment paid
// for were granted.
type PaymentRecord struct {
	ID             uint          `gorm:"primaryKey" json:"id"`
	OrderID        string        `gorm:"type:varchar(64);not null;uniqueIndex:ux_payment_records_order_id" json:"order_id"`
	MemberID       uint          `gorm:"not null;index:idx_payment_records_member_created,priority:1" json:"member_id"`
	PlanID         uint          `gorm:"not null" json:"plan_id"`
	Status         PaymentStatus `gorm:"type:varchar(32);not null;index" json:"status"`
	PaymentKey     string        `gorm:"type:varchar(200);default:''" json:"payment_key,omitempty"`
	BillingKey     *string       `gorm:"type:varchar(200);default:null" json:"-"`
	CustomerKey    *string       `gorm:"type:varchar(200);default:null" json:"-"`
	SourceOrderID  string        `gorm:"type:varchar(64);default:''" json:"source_order_id,omitempty"`
	TotalAmount    int64         `gorm:"not null;default:0" json:"total_amount"`
	Method         string        `gorm:"type:varchar(50);default:''" json:"method,omitempty"`
	ReceiptURL     string        `gorm:"type:varchar(512);default:''" json:"receipt_url,omitempty"`
	ApprovedAt     *time.Time    `gorm:"type:timestamp;default:null" json:"approved_at,omitempty"`
	FailureCode    string        `gorm:"type:varchar(100);default:''" json:"failure_code,omitempty"`
	FailureMessage string        `gorm:"type:varchar(512);default:''" json:"failure_message,omitempty"`
	CompensatedAt  *time.Time    `gorm:"type:timestamp;default:null" json:"-"`
	FulfilledAt    *time.Time    `gorm:"type:timestamp;default:null" json:"-"`
	CreatedAt      time.Time     `gorm:"autoCreateTime;index:idx_payment_records_member_created,priority:2" json:"created_at"`
	UpdatedAt      time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasCredentials reports whether both recurring billing credentials are present.
func (p *PaymentRecord) HasCredentials() bool {
	return p.BillingKey != nil && *p.BillingKey != "" && p.CustomerKey != nil && *p.CustomerKey != ""
}

// Credentials returns the billing key and customer key, empty when absent.
func (p *PaymentRecord) Credentials() (billingKey, customerKey string) {
	if !p.HasCredentials() {
		return "", ""
	}
	return *p.BillingKey, *p.CustomerKey
}

// SetCredentials sets or clears both credentials together.
func (p *PaymentRecord) SetCredentials(billingKey, customerKey string) {
	if billingKey == "" || customerKey == "" {
		p.BillingKey = nil
		p.CustomerKey = nil
		return
	}
	bk, ck := billingKey, customerKey
	p.BillingKey = &bk
	p.CustomerKey = &ck
}

// Clone returns a deep copy so transitions never mutate a loaded row.
func (p *PaymentRecord) Clone() *PaymentRecord {
	c := *p
	if p.BillingKey != nil {
		bk := *p.BillingKey
		c.BillingKey = &bk
	}
	if p.CustomerKey != nil {
		ck := *p.CustomerKey
		c.CustomerKey = &ck
	}
	if p.ApprovedAt != nil {
		t := *p.ApprovedAt
		c.ApprovedAt = &t
	}
	if p.CompensatedAt != nil {
		t := *p.CompensatedAt
		c.CompensatedAt = &t
	}
	if p.FulfilledAt != nil {
		t := *p.FulfilledAt
		c.FulfilledAt = &t
	}
	return &c
}
