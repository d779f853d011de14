package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentCreated           PaymentStatus = "created"
	PaymentAttempted         PaymentStatus = "attempted"
	PaymentPaid              PaymentStatus = "paid"
	PaymentFailed            PaymentStatus = "failed"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
)

const RefundProcessed = "processed"

// Refund is an append-only sub-record of a payment. RazorpayRefundID is the
// gateway's id and is unique within the payment.
type Refund struct {
	RazorpayRefundID string          `json:"razorpayRefundId"`
	Amount           decimal.Decimal `json:"amount"`
	Status           string          `json:"status"`
	Reason           string          `json:"reason"`
	Notes            string          `json:"notes,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

type Payment struct {
	ID                string          `json:"id"`
	UserID            string          `json:"userId"`
	OrderID           string          `json:"orderId"`
	RazorpayOrderID   string          `json:"razorpayOrderId"`
	RazorpayPaymentID string          `json:"razorpayPaymentId,omitempty"`
	RazorpaySignature string          `json:"-"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            PaymentStatus   `json:"status"`
	Items             []OrderItem     `json:"items"`
	Method            string          `json:"paymentMethod,omitempty"`
	Receipt           string          `json:"receipt,omitempty"`
	Refunds           []Refund        `json:"refunds,omitempty"`
	RefundedAmount    decimal.Decimal `json:"refundedAmount"`
	PaidAt            *time.Time      `json:"paidAt,omitempty"`
	FailedAt          *time.Time      `json:"failedAt,omitempty"`
	ErrorCode         string          `json:"errorCode,omitempty"`
	ErrorDescription  string          `json:"errorDescription,omitempty"`
	WebhookReceived   bool            `json:"webhookReceived"`
	Verified          bool            `json:"verified"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

func (p *Payment) RemainingRefundable() decimal.Decimal {
	return p.Amount.Sub(p.RefundedAmount)
}

// ApplyRefund appends a refund sub-record and recomputes the payment status
// from refundedAmount vs amount. Status is never set independently of that
// recomputation. A refund id already present is a redelivery and is a no-op.
func (p *Payment) ApplyRefund(r Refund) error {
	for _, existing := range p.Refunds {
		if existing.RazorpayRefundID == r.RazorpayRefundID {
			return nil
		}
	}
	if p.Status == PaymentRefunded {
		return fmt.Errorf("payment %s is already fully refunded", p.ID)
	}
	remaining := p.RemainingRefundable()
	if r.Amount.GreaterThan(remaining) {
		return fmt.Errorf("refund amount (%s) exceeds remaining amount (%s)", r.Amount, remaining)
	}
	if r.Status == "" {
		r.Status = RefundProcessed
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	p.Refunds = append(p.Refunds, r)
	p.RefundedAmount = p.RefundedAmount.Add(r.Amount)
	if p.RefundedAmount.Equal(p.Amount) {
		p.Status = PaymentRefunded
	} else {
		p.Status = PaymentPartiallyRefunded
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}
