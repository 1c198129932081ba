package outbox

import (
	"time"

	"github.com/ManuelReschke/LingoBill/internal/pkg/events"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
)

// Message wraps an event with its delivery bookkeeping.
type Message struct {
	ID          string       `json:"id"`
	Event       events.Event `json:"event"`
	Status      Status       `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	ProcessedAt *time.Time   `json:"processed_at,omitempty"`
	ErrorMsg    string       `json:"error_msg,omitempty"`
	RetryCount  int          `json:"retry_count"`
	MaxRetries  int          `json:"max_retries"`
}

func (m *Message) markProcessing() {
	now := time.Now()
	m.Status = StatusProcessing
	m.ProcessedAt = &now
	m.UpdatedAt = now
}

func (m *Message) markFailed(errMsg string) {
	m.Status = StatusFailed
	m.ErrorMsg = errMsg
	m.RetryCount++
	m.UpdatedAt = time.Now()
}

func (m *Message) markRetrying() {
	m.Status = StatusRetrying
	m.UpdatedAt = time.Now()
}

func (m *Message) isRetryable() bool {
	return m.RetryCount < m.MaxRetries
}
