package repo

import (
	"context"
	"sync"
	"time"

	"elearn-backend/internal/domain"
	"elearn-backend/internal/usecase"
)

// MemoryStore mirrors PostgresStore for tests and databaseless dev runs.
// WithinTx snapshots all state up front and restores it when the fn fails, so
// abort semantics match the SQL store.
type MemoryStore struct {
	mu sync.Mutex
	st memoryState
}

type memoryState struct {
	users         map[string]domain.User
	courses       map[string]domain.Course
	notes         map[string]domain.Note
	counseling    map[string]domain.CounselingSession
	orders        map[string]domain.Order
	payments      map[string]domain.Payment
	enrollments   map[string]map[string]time.Time
	notePurchases map[string]map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: memoryState{
		users:         map[string]domain.User{},
		courses:       map[string]domain.Course{},
		notes:         map[string]domain.Note{},
		counseling:    map[string]domain.CounselingSession{},
		orders:        map[string]domain.Order{},
		payments:      map[string]domain.Payment{},
		enrollments:   map[string]map[string]time.Time{},
		notePurchases: map[string]map[string]time.Time{},
	}}
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx usecase.SettlementTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.st.clone()
	if err := fn(&memoryTx{st: &s.st}); err != nil {
		s.st = snap
		return err
	}
	return nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, id string) (*domain.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.orders[id]
	if !ok {
		return nil, false
	}
	return &o, true
}

func (s *MemoryStore) GetPayment(ctx context.Context, id string) (*domain.Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.payments[id]
	if !ok {
		return nil, false
	}
	return &p, true
}

func (s *MemoryStore) ListPaymentsByUser(ctx context.Context, userID string, page, limit int) ([]domain.Payment, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]domain.Payment, 0)
	for _, p := range s.st.payments {
		if p.UserID == userID {
			all = append(all, p)
		}
	}
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].CreatedAt.After(all[i].CreatedAt) {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	total := len(all)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (s *MemoryStore) PutUser(u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.users[u.ID] = *u
	return nil
}

func (s *MemoryStore) PutCourse(c *domain.Course) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.courses[c.ID] = *c
	return nil
}

func (s *MemoryStore) PutNote(n *domain.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.notes[n.ID] = *n
	return nil
}

func (s *MemoryStore) PutCounseling(c *domain.CounselingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.counseling[c.ID] = *c
	return nil
}

// Read helpers for tests and dev introspection.

func (s *MemoryStore) Course(id string) (*domain.Course, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.st.courses[id]
	if !ok {
		return nil, false
	}
	return &c, true
}

func (s *MemoryStore) Note(id string) (*domain.Note, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.st.notes[id]
	if !ok {
		return nil, false
	}
	return &n, true
}

func (s *MemoryStore) Counseling(id string) (*domain.CounselingSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.st.counseling[id]
	if !ok {
		return nil, false
	}
	return &c, true
}

func (s *MemoryStore) Enrollments(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0)
	for courseID := range s.st.enrollments[userID] {
		out = append(out, courseID)
	}
	return out
}

func (s *MemoryStore) NotePurchases(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0)
	for noteID := range s.st.notePurchases[userID] {
		out = append(out, noteID)
	}
	return out
}

func (s *MemoryStore) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.orders)
}

func (s *MemoryStore) PaymentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.payments)
}

func (st memoryState) clone() memoryState {
	out := memoryState{
		users:         map[string]domain.User{},
		courses:       map[string]domain.Course{},
		notes:         map[string]domain.Note{},
		counseling:    map[string]domain.CounselingSession{},
		orders:        map[string]domain.Order{},
		payments:      map[string]domain.Payment{},
		enrollments:   map[string]map[string]time.Time{},
		notePurchases: map[string]map[string]time.Time{},
	}
	for k, v := range st.users {
		out.users[k] = v
	}
	for k, v := range st.courses {
		out.courses[k] = v
	}
	for k, v := range st.notes {
		out.notes[k] = v
	}
	for k, v := range st.counseling {
		out.counseling[k] = v
	}
	for k, v := range st.orders {
		v.Items = append([]domain.OrderItem(nil), v.Items...)
		out.orders[k] = v
	}
	for k, v := range st.payments {
		v.Items = append([]domain.OrderItem(nil), v.Items...)
		v.Refunds = append([]domain.Refund(nil), v.Refunds...)
		out.payments[k] = v
	}
	for k, v := range st.enrollments {
		inner := map[string]time.Time{}
		for ik, iv := range v {
			inner[ik] = iv
		}
		out.enrollments[k] = inner
	}
	for k, v := range st.notePurchases {
		inner := map[string]time.Time{}
		for ik, iv := range v {
			inner[ik] = iv
		}
		out.notePurchases[k] = inner
	}
	return out
}

type memoryTx struct {
	st *memoryState
}

func (t *memoryTx) CatalogItem(itemType domain.ItemType, id string) (*domain.CatalogItem, bool) {
	switch itemType {
	case domain.ItemCourse:
		c, ok := t.st.courses[id]
		if !ok {
			return nil, false
		}
		return &domain.CatalogItem{Type: itemType, ID: id, Title: c.Title, Price: c.Price, DiscountedPrice: c.DiscountedPrice}, true
	case domain.ItemNotes:
		n, ok := t.st.notes[id]
		if !ok {
			return nil, false
		}
		return &domain.CatalogItem{Type: itemType, ID: id, Title: n.Title, Price: n.Price, DiscountedPrice: n.DiscountedPrice}, true
	case domain.ItemCounseling:
		c, ok := t.st.counseling[id]
		if !ok {
			return nil, false
		}
		return &domain.CatalogItem{Type: itemType, ID: id, Title: counselingTitle(c.StudentName), Price: c.Fee}, true
	}
	return nil, false
}

func (t *memoryTx) GetUser(id string) (*domain.User, bool) {
	u, ok := t.st.users[id]
	if !ok {
		return nil, false
	}
	return &u, true
}

func (t *memoryTx) PutOrder(o *domain.Order) error {
	cp := *o
	cp.Items = append([]domain.OrderItem(nil), o.Items...)
	t.st.orders[o.ID] = cp
	return nil
}

func (t *memoryTx) GetOrder(id string) (*domain.Order, bool) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, false
	}
	return &o, true
}

func (t *memoryTx) SetOrderStatus(id string, status domain.OrderStatus, paymentID string) error {
	o, ok := t.st.orders[id]
	if !ok {
		return nil
	}
	o.Status = status
	if paymentID != "" {
		o.PaymentID = paymentID
	}
	o.UpdatedAt = time.Now().UTC()
	t.st.orders[id] = o
	return nil
}

func (t *memoryTx) PutPayment(p *domain.Payment) error {
	cp := *p
	cp.Items = append([]domain.OrderItem(nil), p.Items...)
	cp.Refunds = append([]domain.Refund(nil), p.Refunds...)
	t.st.payments[p.ID] = cp
	return nil
}

func (t *memoryTx) GetPaymentByRemoteOrder(remoteOrderID string) (*domain.Payment, bool) {
	for _, p := range t.st.payments {
		if p.RazorpayOrderID == remoteOrderID {
			cp := p
			return &cp, true
		}
	}
	return nil, false
}

func (t *memoryTx) GetPaymentByRemotePayment(remotePaymentID string) (*domain.Payment, bool) {
	for _, p := range t.st.payments {
		if p.RazorpayPaymentID == remotePaymentID && remotePaymentID != "" {
			cp := p
			return &cp, true
		}
	}
	return nil, false
}

func (t *memoryTx) SetPaymentPaid(id string, upd usecase.PaidUpdate) (bool, error) {
	p, ok := t.st.payments[id]
	if !ok {
		return false, nil
	}
	switch p.Status {
	case domain.PaymentPaid, domain.PaymentRefunded, domain.PaymentPartiallyRefunded:
		return false, nil
	}
	p.Status = domain.PaymentPaid
	p.RazorpayPaymentID = upd.RemotePaymentID
	if upd.Signature != "" {
		p.RazorpaySignature = upd.Signature
	}
	if upd.Method != "" {
		p.Method = upd.Method
	}
	paidAt := upd.PaidAt
	p.PaidAt = &paidAt
	p.Verified = p.Verified || upd.Verified
	p.WebhookReceived = p.WebhookReceived || upd.WebhookReceived
	p.UpdatedAt = upd.PaidAt
	t.st.payments[id] = p
	return true, nil
}

func (t *memoryTx) SetPaymentFailed(id string, upd usecase.FailedUpdate) (bool, error) {
	p, ok := t.st.payments[id]
	if !ok {
		return false, nil
	}
	switch p.Status {
	case domain.PaymentFailed, domain.PaymentPaid, domain.PaymentRefunded, domain.PaymentPartiallyRefunded:
		return false, nil
	}
	p.Status = domain.PaymentFailed
	if upd.RemotePaymentID != "" {
		p.RazorpayPaymentID = upd.RemotePaymentID
	}
	failedAt := upd.FailedAt
	p.FailedAt = &failedAt
	p.ErrorCode = upd.ErrorCode
	p.ErrorDescription = upd.ErrorDescription
	p.UpdatedAt = upd.FailedAt
	t.st.payments[id] = p
	return true, nil
}

func (t *memoryTx) AddEnrollment(userID, courseID string, at time.Time) (bool, error) {
	m := t.st.enrollments[userID]
	if m == nil {
		m = map[string]time.Time{}
		t.st.enrollments[userID] = m
	}
	if _, ok := m[courseID]; ok {
		return false, nil
	}
	m[courseID] = at
	return true, nil
}

func (t *memoryTx) IncrementCourseEnrolled(courseID string) error {
	c, ok := t.st.courses[courseID]
	if !ok {
		return nil
	}
	c.StudentsEnrolled++
	t.st.courses[courseID] = c
	return nil
}

func (t *memoryTx) AddNotePurchase(userID, noteID string, at time.Time) (bool, error) {
	m := t.st.notePurchases[userID]
	if m == nil {
		m = map[string]time.Time{}
		t.st.notePurchases[userID] = m
	}
	if _, ok := m[noteID]; ok {
		return false, nil
	}
	m[noteID] = at
	return true, nil
}

func (t *memoryTx) IncrementNoteDownloads(noteID string) error {
	n, ok := t.st.notes[noteID]
	if !ok {
		return nil
	}
	n.Downloads++
	t.st.notes[noteID] = n
	return nil
}

func (t *memoryTx) ConfirmCounseling(sessionID, userID string) error {
	c, ok := t.st.counseling[sessionID]
	if !ok {
		return nil
	}
	c.PaymentStatus = "paid"
	c.Status = "confirmed"
	c.UserID = userID
	t.st.counseling[sessionID] = c
	return nil
}
