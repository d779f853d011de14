package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"elearn-backend/internal/domain"
	"elearn-backend/internal/infrastructure/razorpay"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SettlementStore is the unit-of-work boundary. Everything inside the fn
// passed to WithinTx commits or rolls back as one transaction.
type SettlementStore interface {
	WithinTx(ctx context.Context, fn func(tx SettlementTx) error) error
	GetOrder(ctx context.Context, id string) (*domain.Order, bool)
	GetPayment(ctx context.Context, id string) (*domain.Payment, bool)
	ListPaymentsByUser(ctx context.Context, userID string, page, limit int) ([]domain.Payment, int, error)
}

type SettlementTx interface {
	CatalogItem(itemType domain.ItemType, id string) (*domain.CatalogItem, bool)
	GetUser(id string) (*domain.User, bool)

	PutOrder(o *domain.Order) error
	GetOrder(id string) (*domain.Order, bool)
	SetOrderStatus(id string, status domain.OrderStatus, paymentID string) error

	PutPayment(p *domain.Payment) error
	GetPaymentByRemoteOrder(remoteOrderID string) (*domain.Payment, bool)
	GetPaymentByRemotePayment(remotePaymentID string) (*domain.Payment, bool)
	// SetPaymentPaid and SetPaymentFailed are conditional transitions: they
	// only apply when the payment is not already in (or past) the target
	// terminal state, and report whether this caller won the transition.
	SetPaymentPaid(id string, upd PaidUpdate) (bool, error)
	SetPaymentFailed(id string, upd FailedUpdate) (bool, error)

	AddEnrollment(userID, courseID string, at time.Time) (bool, error)
	IncrementCourseEnrolled(courseID string) error
	AddNotePurchase(userID, noteID string, at time.Time) (bool, error)
	IncrementNoteDownloads(noteID string) error
	ConfirmCounseling(sessionID, userID string) error
}

type PaidUpdate struct {
	RemotePaymentID string
	Signature       string
	Method          string
	PaidAt          time.Time
	Verified        bool
	WebhookReceived bool
}

type FailedUpdate struct {
	RemotePaymentID  string
	ErrorCode        string
	ErrorDescription string
	FailedAt         time.Time
}

type PaymentGateway interface {
	CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string, notes map[string]string) (*razorpay.RemoteOrder, error)
	FetchOrder(ctx context.Context, remoteOrderID string) (*razorpay.RemoteOrder, error)
	VerifyPaymentSignature(remoteOrderID, remotePaymentID, signature string) bool
	VerifyWebhookSignature(body []byte, signature string) bool
	WebhookSecretConfigured() bool
}

type EventPublisher interface {
	Publish(event string, payload any)
}

type WebhookDedup interface {
	Seen(ctx context.Context, eventID string) (bool, error)
}

type SettlementService struct {
	Store   SettlementStore
	Gateway PaymentGateway
	Events  EventPublisher
	Dedup   WebhookDedup
	// AllowUnverifiedWebhooks lets unsigned webhook deliveries through when no
	// webhook secret is configured. Dev escape hatch only; default is to
	// reject.
	AllowUnverifiedWebhooks bool
	Log                     *slog.Logger
}

var validCurrencies = map[string]bool{"INR": true, "USD": true, "EUR": true}

type OrderItemInput struct {
	ItemID   string `json:"itemId"`
	ItemType string `json:"itemType"`
	Quantity int    `json:"quantity"`
}

type CreateOrderInput struct {
	Items    []OrderItemInput `json:"items"`
	Currency string           `json:"currency"`
	Notes    string           `json:"notes"`
}

type CreateOrderResult struct {
	Order     *razorpay.RemoteOrder `json:"order"`
	OrderID   string                `json:"orderId"`
	PaymentID string                `json:"paymentId"`
	Amount    decimal.Decimal       `json:"amount"`
	Currency  string                `json:"currency"`
}

// CreateOrder prices the requested items from the catalog, persists the order
// and payment ledger rows and creates the remote gateway order, all inside one
// transaction. A gateway failure aborts the already-written order row.
func (s *SettlementService) CreateOrder(ctx context.Context, userID string, in CreateOrderInput) (*CreateOrderResult, error) {
	if len(in.Items) == 0 {
		return nil, ErrBadRequest("items array is required and cannot be empty")
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = "INR"
	}
	if !validCurrencies[currency] {
		return nil, ErrBadRequest(fmt.Sprintf("unsupported currency: %s. Supported: INR, USD, EUR", in.Currency))
	}

	var res *CreateOrderResult
	err := s.Store.WithinTx(ctx, func(tx SettlementTx) error {
		total := decimal.Zero
		items := make([]domain.OrderItem, 0, len(in.Items))
		for _, it := range in.Items {
			if it.ItemID == "" || it.ItemType == "" {
				return ErrBadRequest("each item must have itemId and itemType")
			}
			itemType := domain.ItemType(it.ItemType)
			if !itemType.Valid() {
				return ErrBadRequest("invalid item type: " + it.ItemType)
			}
			ci, ok := tx.CatalogItem(itemType, it.ItemID)
			if !ok {
				return ErrNotFound(fmt.Sprintf("%s with ID %s", itemType, it.ItemID))
			}
			price := ci.UnitPrice()
			if !price.IsPositive() {
				return ErrBadRequest(fmt.Sprintf("invalid price for %s", itemType))
			}
			qty := it.Quantity
			if qty < 1 {
				qty = 1
			}
			total = total.Add(price.Mul(decimal.NewFromInt(int64(qty))))
			items = append(items, domain.OrderItem{
				ItemType: itemType,
				ItemID:   it.ItemID,
				Name:     ci.Title,
				Price:    price,
				Quantity: qty,
			})
		}
		if total.LessThan(decimal.NewFromInt(1)) {
			return ErrBadRequest("total amount must be at least 1 INR")
		}

		now := time.Now().UTC()
		order := &domain.Order{
			ID:          uuid.NewString(),
			UserID:      userID,
			OrderID:     newOrderID(),
			Items:       items,
			TotalAmount: total,
			Discount:    decimal.Zero,
			FinalAmount: total,
			Status:      domain.OrderPending,
			Notes:       in.Notes,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.PutOrder(order); err != nil {
			return err
		}

		remote, err := s.Gateway.CreateOrder(ctx, MinorUnits(total), currency, order.OrderID, map[string]string{
			"orderId": order.ID,
			"userId":  userID,
		})
		if err != nil {
			return err
		}

		payment := &domain.Payment{
			ID:              uuid.NewString(),
			UserID:          userID,
			OrderID:         order.ID,
			RazorpayOrderID: remote.ID,
			Amount:          total,
			Currency:        currency,
			Status:          domain.PaymentCreated,
			Items:           items,
			Receipt:         order.OrderID,
			RefundedAmount:  decimal.Zero,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.PutPayment(payment); err != nil {
			return err
		}

		order.PaymentID = payment.ID
		order.UpdatedAt = time.Now().UTC()
		if err := tx.PutOrder(order); err != nil {
			return err
		}

		res = &CreateOrderResult{
			Order:     remote,
			OrderID:   order.ID,
			PaymentID: payment.ID,
			Amount:    total,
			Currency:  currency,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

type VerifyPaymentInput struct {
	RemoteOrderID   string `json:"razorpay_order_id"`
	RemotePaymentID string `json:"razorpay_payment_id"`
	Signature       string `json:"razorpay_signature"`
	OrderID         string `json:"orderId"`
	Method          string `json:"payment_method"`
}

type PurchasedItem struct {
	ItemID   string          `json:"itemId"`
	ItemType domain.ItemType `json:"itemType"`
}

type VerifyPaymentResult struct {
	PaymentID       string          `json:"paymentId"`
	OrderID         string          `json:"orderId"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	AlreadyVerified bool            `json:"-"`
	PurchasedItems  []PurchasedItem `json:"purchasedItems"`
}

// VerifyPayment authenticates the checkout callback and finalizes payment,
// order and entitlements exactly once. Re-verifying an already-paid payment
// reports success without writing anything.
func (s *SettlementService) VerifyPayment(ctx context.Context, in VerifyPaymentInput) (*VerifyPaymentResult, error) {
	var missing []string
	if in.RemoteOrderID == "" {
		missing = append(missing, "razorpay_order_id")
	}
	if in.RemotePaymentID == "" {
		missing = append(missing, "razorpay_payment_id")
	}
	if in.Signature == "" {
		missing = append(missing, "razorpay_signature")
	}
	if in.OrderID == "" {
		missing = append(missing, "orderId")
	}
	if len(missing) > 0 {
		return nil, ErrBadRequest("missing required fields: " + strings.Join(missing, ", "))
	}

	if !s.Gateway.VerifyPaymentSignature(in.RemoteOrderID, in.RemotePaymentID, in.Signature) {
		err := s.Store.WithinTx(ctx, func(tx SettlementTx) error {
			p, ok := tx.GetPaymentByRemoteOrder(in.RemoteOrderID)
			if !ok {
				return nil
			}
			won, err := tx.SetPaymentFailed(p.ID, FailedUpdate{
				RemotePaymentID:  in.RemotePaymentID,
				ErrorDescription: "Signature verification failed",
				FailedAt:         time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			// A forged replay against an already-settled payment must not
			// downgrade the order.
			if !won {
				return nil
			}
			// Only the order linked to this payment fails; the client-named
			// orderId is not trusted here.
			if o, ok := tx.GetOrder(p.OrderID); ok {
				return tx.SetOrderStatus(o.ID, domain.OrderFailed, "")
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return nil, ErrVerification("payment verification failed - invalid signature")
	}

	var res *VerifyPaymentResult
	err := s.Store.WithinTx(ctx, func(tx SettlementTx) error {
		p, ok := tx.GetPaymentByRemoteOrder(in.RemoteOrderID)
		o, ok2 := tx.GetOrder(in.OrderID)
		if !ok || !ok2 {
			return ErrNotFound("payment or order")
		}

		if p.Status == domain.PaymentPaid {
			res = verifyResult(p, o, true)
			return nil
		}

		method := in.Method
		if method == "" {
			method = "razorpay"
		}
		won, err := tx.SetPaymentPaid(p.ID, PaidUpdate{
			RemotePaymentID: in.RemotePaymentID,
			Signature:       in.Signature,
			Method:          method,
			PaidAt:          time.Now().UTC(),
			Verified:        true,
		})
		if err != nil {
			return err
		}
		if !won {
			// Concurrent webhook delivery got there first.
			res = verifyResult(p, o, true)
			return nil
		}
		if err := tx.SetOrderStatus(o.ID, domain.OrderCompleted, p.ID); err != nil {
			return err
		}
		if err := s.grantAccess(tx, o.UserID, o.Items); err != nil {
			return err
		}
		res = verifyResult(p, o, false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !res.AlreadyVerified {
		s.publish("payment.settled", map[string]any{
			"paymentId": res.PaymentID,
			"orderId":   res.OrderID,
			"amount":    res.Amount,
			"currency":  res.Currency,
		})
	}
	return res, nil
}

func verifyResult(p *domain.Payment, o *domain.Order, already bool) *VerifyPaymentResult {
	return &VerifyPaymentResult{
		PaymentID:       p.ID,
		OrderID:         o.ID,
		Amount:          p.Amount,
		Currency:        p.Currency,
		AlreadyVerified: already,
		PurchasedItems:  purchasedItems(o.Items),
	}
}

func purchasedItems(items []domain.OrderItem) []PurchasedItem {
	out := make([]PurchasedItem, 0, len(items))
	for _, it := range items {
		out = append(out, PurchasedItem{ItemID: it.ItemID, ItemType: it.ItemType})
	}
	return out
}

// grantAccess idempotently extends the user's entitlements. The membership
// test and the append are a single conditional insert, so replaying the same
// items is a no-op and counters move only on first grant.
func (s *SettlementService) grantAccess(tx SettlementTx, userID string, items []domain.OrderItem) error {
	if _, ok := tx.GetUser(userID); !ok {
		return ErrNotFound("user")
	}
	now := time.Now().UTC()
	for _, it := range items {
		switch it.ItemType {
		case domain.ItemCourse:
			added, err := tx.AddEnrollment(userID, it.ItemID, now)
			if err != nil {
				return err
			}
			if added {
				if err := tx.IncrementCourseEnrolled(it.ItemID); err != nil {
					return err
				}
			}
		case domain.ItemNotes:
			added, err := tx.AddNotePurchase(userID, it.ItemID, now)
			if err != nil {
				return err
			}
			if added {
				if err := tx.IncrementNoteDownloads(it.ItemID); err != nil {
					return err
				}
			}
		case domain.ItemCounseling:
			if err := tx.ConfirmCounseling(it.ItemID, userID); err != nil {
				return err
			}
		}
	}
	return nil
}

type PaymentStatusResult struct {
	Order          *domain.Order   `json:"order"`
	Payment        *domain.Payment `json:"payment,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	PurchasedItems []PurchasedItem `json:"purchasedItems"`
}

func (s *SettlementService) PaymentStatus(ctx context.Context, orderID string) (*PaymentStatusResult, error) {
	o, ok := s.Store.GetOrder(ctx, orderID)
	if !ok {
		return nil, ErrNotFound("order")
	}
	res := &PaymentStatusResult{
		Order:          o,
		Amount:         o.FinalAmount,
		Currency:       "INR",
		PurchasedItems: purchasedItems(o.Items),
	}
	if o.PaymentID != "" {
		if p, ok := s.Store.GetPayment(ctx, o.PaymentID); ok {
			res.Payment = p
			res.Currency = p.Currency
		}
	}
	return res, nil
}

// ClampPage normalizes pagination inputs to the supported window. Callers that
// derive page math (totalPages, currentPage) must use the clamped values, not
// the raw client input.
func ClampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 10
	}
	return page, limit
}

func (s *SettlementService) PaymentHistory(ctx context.Context, userID string, page, limit int) ([]domain.Payment, int, error) {
	page, limit = ClampPage(page, limit)
	return s.Store.ListPaymentsByUser(ctx, userID, page, limit)
}

func (s *SettlementService) RemoteOrderStatus(ctx context.Context, remoteOrderID string) (*razorpay.RemoteOrder, error) {
	if remoteOrderID == "" {
		return nil, ErrBadRequest("razorpay order id is required")
	}
	return s.Gateway.FetchOrder(ctx, remoteOrderID)
}

// MinorUnits converts a rupee amount to paise for the gateway boundary.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func newOrderID() string {
	return fmt.Sprintf("ORD_%d_%d", time.Now().UnixMilli(), rand.Intn(1000))
}

func (s *SettlementService) publish(event string, payload any) {
	if s.Events == nil {
		return
	}
	s.Events.Publish(event, payload)
}

func (s *SettlementService) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

type ErrNotFound string

func (e ErrNotFound) Error() string { return string(e) + " not found" }

type ErrBadRequest string

func (e ErrBadRequest) Error() string { return string(e) }

type ErrVerification string

func (e ErrVerification) Error() string { return string(e) }
