// Package mail sends the member facing payment notifications.
package mail

import (
	"context"
	"fmt"
	"strings"

	"github.com/ManuelReschke/LingoBill/app/models"
	"github.com/ManuelReschke/LingoBill/internal/pkg/events"
	"github.com/ManuelReschke/LingoBill/internal/pkg/outbox"
)

// MemberLookup resolves the member a notification goes to.
type MemberLookup interface {
	Member(ctx context.Context, id uint) (*models.Member, error)
}

// Subscriber is where the notifier registers its handlers.
type Subscriber interface {
	Subscribe(t events.Type, h outbox.Handler)
}

// Notifier turns receipt and billing failure events into mails.
type Notifier struct {
	sender  Sender
	members MemberLookup
}

func NewNotifier(sender Sender, members MemberLookup) *Notifier {
	return &Notifier{sender: sender, members: members}
}

// Register subscribes the notifier to the events it handles.
func (n *Notifier) Register(sub Subscriber) {
	sub.Subscribe(events.TypeReceiptMail, n.HandleReceipt)
	sub.Subscribe(events.TypeBillingFailed, n.HandleBillingFailed)
}

func (n *Notifier) HandleReceipt(ctx context.Context, ev events.Event) error {
	to, name, err := n.recipient(ctx, ev.MemberID)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", name)
	fmt.Fprintf(&b, "thank you for your payment of %d for order %s.\n", ev.Amount, ev.OrderID)
	if ev.ReceiptURL != "" {
		fmt.Fprintf(&b, "Your receipt: %s\n", ev.ReceiptURL)
	}
	return n.sender.Send(to, "Your payment receipt", b.String())
}

func (n *Notifier) HandleBillingFailed(ctx context.Context, ev events.Event) error {
	to, name, err := n.recipient(ctx, ev.MemberID)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", name)
	fmt.Fprintf(&b, "we could not renew your subscription (order %s).\n", ev.OrderID)
	if ev.FailureMessage != "" {
		fmt.Fprintf(&b, "Reason: %s\n", ev.FailureMessage)
	}
	b.WriteString("Your membership has been moved to the basic tier. Register a new payment method to subscribe again.\n")
	return n.sender.Send(to, "Subscription renewal failed", b.String())
}

func (n *Notifier) recipient(ctx context.Context, memberID uint) (string, string, error) {
	m, err := n.members.Member(ctx, memberID)
	if err != nil {
		return "", "", fmt.Errorf("lookup member %d: %w", memberID, err)
	}
	if strings.TrimSpace(m.Email) == "" {
		return "", "", fmt.Errorf("member %d has no email", memberID)
	}
	name := m.Nickname
	if name == "" {
		name = "member"
	}
	return m.Email, name, nil
}
