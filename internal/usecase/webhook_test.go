package usecase_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"elearn-backend/internal/domain"
	"elearn-backend/internal/infrastructure/razorpay"
	"elearn-backend/internal/usecase"

	"github.com/shopspring/decimal"
)

type fakeDedup struct {
	seen map[string]bool
	err  error
}

func (d *fakeDedup) Seen(ctx context.Context, eventID string) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	if d.seen[eventID] {
		return true, nil
	}
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	d.seen[eventID] = true
	return false, nil
}

func capturedBody(t *testing.T, remoteOrderID, remotePaymentID string) []byte {
	t.Helper()
	return eventBody(t, "payment.captured", map[string]any{
		"payment": map[string]any{"entity": map[string]any{
			"id":       remotePaymentID,
			"order_id": remoteOrderID,
			"method":   "upi",
		}},
	})
}

func eventBody(t *testing.T, event string, payload map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{"event": event, "payload": payload})
	if err != nil {
		t.Fatalf("marshal webhook body: %v", err)
	}
	return body
}

func deliver(t *testing.T, svc *usecase.SettlementService, body []byte, eventID string) error {
	t.Helper()
	sig := razorpay.WebhookSignature(body, testWebhookSecret)
	return svc.ProcessWebhook(context.Background(), body, sig, eventID)
}

func TestProcessWebhook_CapturedSettlesAndGrants(t *testing.T) {
	svc, mem, _, ev := newService(t)
	ctx := context.Background()

	res := createCourseOrder(t, svc)
	body := capturedBody(t, res.Order.ID, "pay_hook")

	if err := deliver(t, svc, body, "evt_1"); err != nil {
		t.Fatalf("ProcessWebhook failed: %v", err)
	}

	payment, _ := mem.GetPayment(ctx, res.PaymentID)
	if payment.Status != domain.PaymentPaid {
		t.Fatalf("payment status: %s", payment.Status)
	}
	if !payment.WebhookReceived {
		t.Fatalf("webhookReceived not set")
	}
	if payment.Method != "upi" {
		t.Fatalf("method: %s", payment.Method)
	}
	order, _ := mem.GetOrder(ctx, res.OrderID)
	if order.Status != domain.OrderCompleted {
		t.Fatalf("order status: %s", order.Status)
	}
	if len(mem.Enrollments("user-1")) != 1 {
		t.Fatalf("enrollment not granted")
	}
	if len(ev.published) != 1 || ev.published[0].event != "payment.settled" {
		t.Fatalf("published events: %+v", ev.published)
	}
}

func TestProcessWebhook_RedeliveryIsNoop(t *testing.T) {
	svc, mem, _, ev := newService(t)

	res := createCourseOrder(t, svc)
	body := capturedBody(t, res.Order.ID, "pay_hook")

	if err := deliver(t, svc, body, "evt_1"); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := deliver(t, svc, body, "evt_2"); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	course, _ := mem.Course("course-1")
	if course.StudentsEnrolled != 1 {
		t.Fatalf("counter moved on redelivery: %d", course.StudentsEnrolled)
	}
	if len(ev.published) != 1 {
		t.Fatalf("settled event republished: %d", len(ev.published))
	}
}

func TestProcessWebhook_AfterVerifyIsNoop(t *testing.T) {
	svc, mem, _, ev := newService(t)
	ctx := context.Background()

	res := createCourseOrder(t, svc)
	if _, err := svc.VerifyPayment(ctx, verifyInput(res, "pay_hook")); err != nil {
		t.Fatalf("VerifyPayment failed: %v", err)
	}
	if err := deliver(t, svc, capturedBody(t, res.Order.ID, "pay_hook"), "evt_1"); err != nil {
		t.Fatalf("webhook after verify: %v", err)
	}

	payment, _ := mem.GetPayment(ctx, res.PaymentID)
	// Checkout callback already verified; webhook must not overwrite that.
	if !payment.Verified {
		t.Fatalf("verified flag lost")
	}
	if len(ev.published) != 1 {
		t.Fatalf("settled event republished: %d", len(ev.published))
	}
}

func TestProcessWebhook_FailedEvent(t *testing.T) {
	svc, mem, _, ev := newService(t)
	ctx := context.Background()

	res := createCourseOrder(t, svc)
	body := eventBody(t, "payment.failed", map[string]any{
		"payment": map[string]any{"entity": map[string]any{
			"id":                "pay_hook",
			"order_id":          res.Order.ID,
			"error_code":        "BAD_REQUEST_ERROR",
			"error_description": "Payment declined by bank",
		}},
	})
	if err := deliver(t, svc, body, "evt_1"); err != nil {
		t.Fatalf("ProcessWebhook failed: %v", err)
	}

	payment, _ := mem.GetPayment(ctx, res.PaymentID)
	if payment.Status != domain.PaymentFailed {
		t.Fatalf("payment status: %s", payment.Status)
	}
	if payment.ErrorCode != "BAD_REQUEST_ERROR" {
		t.Fatalf("error code: %s", payment.ErrorCode)
	}
	order, _ := mem.GetOrder(ctx, res.OrderID)
	if order.Status != domain.OrderFailed {
		t.Fatalf("order status: %s", order.Status)
	}
	if len(ev.published) != 1 || ev.published[0].event != "payment.failed" {
		t.Fatalf("published events: %+v", ev.published)
	}
}

func TestProcessWebhook_FailedAfterPaidIsIgnored(t *testing.T) {
	svc, mem, _, _ := newService(t)
	ctx := context.Background()

	res := createCourseOrder(t, svc)
	if err := deliver(t, svc, capturedBody(t, res.Order.ID, "pay_hook"), "evt_1"); err != nil {
		t.Fatalf("captured delivery: %v", err)
	}
	body := eventBody(t, "payment.failed", map[string]any{
		"payment": map[string]any{"entity": map[string]any{
			"id":       "pay_hook",
			"order_id": res.Order.ID,
		}},
	})
	if err := deliver(t, svc, body, "evt_2"); err != nil {
		t.Fatalf("failed delivery: %v", err)
	}

	payment, _ := mem.GetPayment(ctx, res.PaymentID)
	if payment.Status != domain.PaymentPaid {
		t.Fatalf("late failure overwrote paid: %s", payment.Status)
	}
	order, _ := mem.GetOrder(ctx, res.OrderID)
	if order.Status != domain.OrderCompleted {
		t.Fatalf("late failure overwrote completed order: %s", order.Status)
	}
}

func refundBody(t *testing.T, remotePaymentID string, amountMinor int64, refundID string) []byte {
	t.Helper()
	return eventBody(t, "payment.refunded", map[string]any{
		"refund": map[string]any{"entity": map[string]any{
			"id":         refundID,
			"payment_id": remotePaymentID,
			"amount":     amountMinor,
			"notes":      map[string]string{"reason": "requested_by_customer"},
		}},
	})
}

func TestProcessWebhook_PartialThenFullRefund(t *testing.T) {
	svc, mem, _, _ := newService(t)
	ctx := context.Background()

	res := createCourseOrder(t, svc)
	if err := deliver(t, svc, capturedBody(t, res.Order.ID, "pay_hook"), "evt_1"); err != nil {
		t.Fatalf("captured delivery: %v", err)
	}

	if err := deliver(t, svc, refundBody(t, "pay_hook", 40000, "rfnd_1"), "evt_2"); err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	payment, _ := mem.GetPayment(ctx, res.PaymentID)
	if payment.Status != domain.PaymentPartiallyRefunded {
		t.Fatalf("status after partial refund: %s", payment.Status)
	}
	if !payment.RefundedAmount.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("refundedAmount: %s", payment.RefundedAmount)
	}
	if len(payment.Refunds) != 1 || payment.Refunds[0].Reason != "requested_by_customer" {
		t.Fatalf("refund record: %+v", payment.Refunds)
	}

	if err := deliver(t, svc, refundBody(t, "pay_hook", 59900, "rfnd_2"), "evt_3"); err != nil {
		t.Fatalf("final refund: %v", err)
	}
	payment, _ = mem.GetPayment(ctx, res.PaymentID)
	if payment.Status != domain.PaymentRefunded {
		t.Fatalf("status after full refund: %s", payment.Status)
	}
	if !payment.RefundedAmount.Equal(payment.Amount) {
		t.Fatalf("refundedAmount %s != amount %s", payment.RefundedAmount, payment.Amount)
	}
}

func TestProcessWebhook_RefundRedelivery(t *testing.T) {
	svc, mem, _, _ := newService(t)
	ctx := context.Background()

	res := createCourseOrder(t, svc)
	if err := deliver(t, svc, capturedBody(t, res.Order.ID, "pay_hook"), "evt_1"); err != nil {
		t.Fatalf("captured delivery: %v", err)
	}
	body := refundBody(t, "pay_hook", 40000, "rfnd_1")
	if err := deliver(t, svc, body, "evt_2"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if err := deliver(t, svc, body, "evt_3"); err != nil {
		t.Fatalf("refund redelivery: %v", err)
	}

	payment, _ := mem.GetPayment(ctx, res.PaymentID)
	if len(payment.Refunds) != 1 {
		t.Fatalf("refund duplicated: %d", len(payment.Refunds))
	}
	if !payment.RefundedAmount.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("refund double-counted: %s", payment.RefundedAmount)
	}
}

func TestProcessWebhook_BadSignatureRejected(t *testing.T) {
	svc, mem, _, _ := newService(t)

	res := createCourseOrder(t, svc)
	body := capturedBody(t, res.Order.ID, "pay_hook")

	err := svc.ProcessWebhook(context.Background(), body, "deadbeef", "evt_1")
	if _, ok := err.(usecase.ErrVerification); !ok {
		t.Fatalf("expected verification error, got %v", err)
	}
	payment, _ := mem.GetPayment(context.Background(), res.PaymentID)
	if payment.Status != domain.PaymentCreated {
		t.Fatalf("tampered webhook changed payment: %s", payment.Status)
	}
}

func TestProcessWebhook_NoSecretFailsClosed(t *testing.T) {
	svc, _, gw, _ := newService(t)
	gw.noSecret = true

	res := createCourseOrder(t, svc)
	body := capturedBody(t, res.Order.ID, "pay_hook")

	err := svc.ProcessWebhook(context.Background(), body, "", "evt_1")
	if _, ok := err.(usecase.ErrVerification); !ok {
		t.Fatalf("expected verification error, got %v", err)
	}
}

func TestProcessWebhook_NoSecretDevOverride(t *testing.T) {
	svc, mem, gw, _ := newService(t)
	gw.noSecret = true
	svc.AllowUnverifiedWebhooks = true

	res := createCourseOrder(t, svc)
	body := capturedBody(t, res.Order.ID, "pay_hook")

	if err := svc.ProcessWebhook(context.Background(), body, "", "evt_1"); err != nil {
		t.Fatalf("unsigned delivery with override: %v", err)
	}
	payment, _ := mem.GetPayment(context.Background(), res.PaymentID)
	if payment.Status != domain.PaymentPaid {
		t.Fatalf("payment status: %s", payment.Status)
	}
}

func TestProcessWebhook_DedupSkipsRepeatEventID(t *testing.T) {
	svc, mem, _, _ := newService(t)
	svc.Dedup = &fakeDedup{}

	res := createCourseOrder(t, svc)
	body := capturedBody(t, res.Order.ID, "pay_hook")

	if err := deliver(t, svc, body, "evt_1"); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	body2 := refundBody(t, "pay_hook", 99900, "rfnd_1")
	// Same event id: payload is never even parsed.
	if err := deliver(t, svc, body2, "evt_1"); err != nil {
		t.Fatalf("duplicate event id: %v", err)
	}

	payment, _ := mem.GetPayment(context.Background(), res.PaymentID)
	if payment.Status != domain.PaymentPaid {
		t.Fatalf("deduped event still processed: %s", payment.Status)
	}
}

func TestProcessWebhook_DedupFailureFallsThrough(t *testing.T) {
	svc, mem, _, _ := newService(t)
	svc.Dedup = &fakeDedup{err: fmt.Errorf("redis unavailable")}

	res := createCourseOrder(t, svc)
	if err := deliver(t, svc, capturedBody(t, res.Order.ID, "pay_hook"), "evt_1"); err != nil {
		t.Fatalf("delivery with broken dedup: %v", err)
	}
	payment, _ := mem.GetPayment(context.Background(), res.PaymentID)
	if payment.Status != domain.PaymentPaid {
		t.Fatalf("payment status: %s", payment.Status)
	}
}

func TestProcessWebhook_UnknownEventIgnored(t *testing.T) {
	svc, _, _, _ := newService(t)

	body := eventBody(t, "subscription.activated", map[string]any{})
	if err := deliver(t, svc, body, "evt_1"); err != nil {
		t.Fatalf("unknown event errored: %v", err)
	}
}

func TestProcessWebhook_MalformedBody(t *testing.T) {
	svc, _, _, _ := newService(t)

	body := []byte("{not json")
	err := svc.ProcessWebhook(context.Background(), body, razorpay.WebhookSignature(body, testWebhookSecret), "evt_1")
	if _, ok := err.(usecase.ErrBadRequest); !ok {
		t.Fatalf("expected bad request, got %v", err)
	}
}
