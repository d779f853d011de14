package usecase

import (
	"context"
	"encoding/json"
	"time"

	"elearn-backend/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
	EventPaymentRefunded = "payment.refunded"
	EventOrderPaid       = "order.paid"
)

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
		Refund struct {
			Entity refundEntity `json:"entity"`
		} `json:"refund"`
		Order struct {
			Entity orderEntity `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

type paymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Method           string `json:"method"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

type refundEntity struct {
	ID        string            `json:"id"`
	PaymentID string            `json:"payment_id"`
	Amount    int64             `json:"amount"` // minor units
	Notes     map[string]string `json:"notes"`
}

type orderEntity struct {
	ID string `json:"id"`
}

// ProcessWebhook reconciles an asynchronous gateway event against the ledgers.
// The HTTP layer has already acknowledged receipt; errors returned here are
// logged only and the gateway's own retry policy is the recovery path.
func (s *SettlementService) ProcessWebhook(ctx context.Context, body []byte, signature, eventID string) error {
	if s.Dedup != nil && eventID != "" {
		seen, err := s.Dedup.Seen(ctx, eventID)
		if err != nil {
			s.logger().Warn("webhook dedup unavailable", "err", err)
		} else if seen {
			s.logger().Info("duplicate webhook delivery skipped", "eventId", eventID)
			return nil
		}
	}

	if !s.Gateway.WebhookSecretConfigured() {
		if !s.AllowUnverifiedWebhooks {
			return ErrVerification("webhook secret not configured")
		}
		s.logger().Warn("webhook signature verification disabled - no secret configured")
	} else if !s.Gateway.VerifyWebhookSignature(body, signature) {
		return ErrVerification("invalid webhook signature")
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ErrBadRequest("invalid webhook payload")
	}

	switch env.Event {
	case EventPaymentCaptured:
		return s.handleCapturedPayment(ctx, env.Payload.Payment.Entity)
	case EventPaymentFailed:
		return s.handleFailedPayment(ctx, env.Payload.Payment.Entity)
	case EventPaymentRefunded:
		return s.handleRefund(ctx, env.Payload.Refund.Entity)
	case EventOrderPaid:
		s.logger().Info("order paid event received", "remoteOrderId", env.Payload.Order.Entity.ID)
		return nil
	default:
		s.logger().Info("unhandled webhook event", "event", env.Event)
		return nil
	}
}

// handleCapturedPayment converges on the same paid transition as VerifyPayment;
// whichever path runs first wins and the other becomes a no-op.
func (s *SettlementService) handleCapturedPayment(ctx context.Context, e paymentEntity) error {
	var settled *domain.Payment
	err := s.Store.WithinTx(ctx, func(tx SettlementTx) error {
		p, ok := tx.GetPaymentByRemoteOrder(e.OrderID)
		if !ok || p.Status == domain.PaymentPaid {
			return nil
		}
		won, err := tx.SetPaymentPaid(p.ID, PaidUpdate{
			RemotePaymentID: e.ID,
			Method:          e.Method,
			PaidAt:          time.Now().UTC(),
			WebhookReceived: true,
		})
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		o, ok := tx.GetOrder(p.OrderID)
		if !ok {
			return ErrNotFound("order")
		}
		if err := tx.SetOrderStatus(o.ID, domain.OrderCompleted, p.ID); err != nil {
			return err
		}
		if err := s.grantAccess(tx, o.UserID, o.Items); err != nil {
			return err
		}
		settled = p
		return nil
	})
	if err != nil {
		return err
	}
	if settled != nil {
		s.logger().Info("webhook: payment marked as paid", "remotePaymentId", e.ID)
		s.publish("payment.settled", map[string]any{
			"paymentId": settled.ID,
			"orderId":   settled.OrderID,
			"amount":    settled.Amount,
			"currency":  settled.Currency,
		})
	}
	return nil
}

func (s *SettlementService) handleFailedPayment(ctx context.Context, e paymentEntity) error {
	var failed *domain.Payment
	err := s.Store.WithinTx(ctx, func(tx SettlementTx) error {
		p, ok := tx.GetPaymentByRemoteOrder(e.OrderID)
		if !ok || p.Status == domain.PaymentFailed {
			return nil
		}
		won, err := tx.SetPaymentFailed(p.ID, FailedUpdate{
			RemotePaymentID:  e.ID,
			ErrorCode:        e.ErrorCode,
			ErrorDescription: e.ErrorDescription,
			FailedAt:         time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		if err := tx.SetOrderStatus(p.OrderID, domain.OrderFailed, ""); err != nil {
			return err
		}
		failed = p
		return nil
	})
	if err != nil {
		return err
	}
	if failed != nil {
		s.logger().Info("webhook: payment marked as failed", "remotePaymentId", e.ID)
		s.publish("payment.failed", map[string]any{
			"paymentId": failed.ID,
			"orderId":   failed.OrderID,
			"errorCode": e.ErrorCode,
		})
	}
	return nil
}

// handleRefund applies the gateway's authoritative refund amount. Status is
// rederived from refundedAmount on every application.
func (s *SettlementService) handleRefund(ctx context.Context, e refundEntity) error {
	return s.Store.WithinTx(ctx, func(tx SettlementTx) error {
		p, ok := tx.GetPaymentByRemotePayment(e.PaymentID)
		if !ok {
			s.logger().Warn("refund webhook for unknown payment", "remotePaymentId", e.PaymentID)
			return nil
		}
		amount := decimal.NewFromInt(e.Amount).Div(decimal.NewFromInt(100))
		reason := e.Notes["reason"]
		if reason == "" {
			reason = "Refund processed"
		}
		if err := p.ApplyRefund(domain.Refund{
			RazorpayRefundID: e.ID,
			Amount:           amount,
			Reason:           reason,
			Notes:            e.Notes["note"],
		}); err != nil {
			return err
		}
		return tx.PutPayment(p)
	})
}
