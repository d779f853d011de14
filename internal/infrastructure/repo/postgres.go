package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"elearn-backend/internal/domain"
	"elearn-backend/internal/usecase"

	_ "github.com/lib/pq"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT,
			email TEXT,
			created_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ
		);`,
		`CREATE TABLE IF NOT EXISTS courses (
			id TEXT PRIMARY KEY,
			title TEXT,
			price NUMERIC NOT NULL DEFAULT 0,
			discounted_price NUMERIC NOT NULL DEFAULT 0,
			students_enrolled INT NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS notes (
			id TEXT PRIMARY KEY,
			title TEXT,
			price NUMERIC NOT NULL DEFAULT 0,
			discounted_price NUMERIC NOT NULL DEFAULT 0,
			downloads INT NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS counseling_sessions (
			id TEXT PRIMARY KEY,
			student_name TEXT,
			fee NUMERIC NOT NULL DEFAULT 0,
			status TEXT,
			payment_status TEXT,
			user_id TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			order_id TEXT NOT NULL UNIQUE,
			items TEXT NOT NULL,
			total_amount NUMERIC NOT NULL,
			discount NUMERIC NOT NULL DEFAULT 0,
			final_amount NUMERIC NOT NULL,
			status TEXT NOT NULL,
			payment_id TEXT,
			notes TEXT,
			created_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ
		);`,
		`CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			order_record_id TEXT NOT NULL,
			razorpay_order_id TEXT NOT NULL UNIQUE,
			razorpay_payment_id TEXT NOT NULL DEFAULT '',
			razorpay_signature TEXT NOT NULL DEFAULT '',
			amount NUMERIC NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			items TEXT NOT NULL,
			method TEXT NOT NULL DEFAULT '',
			receipt TEXT NOT NULL DEFAULT '',
			refunds TEXT NOT NULL DEFAULT '[]',
			refunded_amount NUMERIC NOT NULL DEFAULT 0,
			paid_at TIMESTAMPTZ,
			failed_at TIMESTAMPTZ,
			error_code TEXT NOT NULL DEFAULT '',
			error_description TEXT NOT NULL DEFAULT '',
			webhook_received BOOLEAN NOT NULL DEFAULT FALSE,
			verified BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS payments_remote_payment_idx
			ON payments (razorpay_payment_id) WHERE razorpay_payment_id <> '';`,
		`CREATE INDEX IF NOT EXISTS payments_user_created_idx ON payments (user_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS user_enrollments (
			user_id TEXT NOT NULL,
			course_id TEXT NOT NULL,
			enrolled_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, course_id)
		);`,
		`CREATE TABLE IF NOT EXISTS user_note_purchases (
			user_id TEXT NOT NULL,
			note_id TEXT NOT NULL,
			purchased_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, note_id)
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx usecase.SettlementTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&postgresTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*domain.Order, bool) {
	return scanOrder(s.db.QueryRowContext(ctx, orderSelect+` WHERE id=$1`, id))
}

func (s *PostgresStore) GetPayment(ctx context.Context, id string) (*domain.Payment, bool) {
	return scanPayment(s.db.QueryRowContext(ctx, paymentSelect+` WHERE id=$1`, id))
}

func (s *PostgresStore) ListPaymentsByUser(ctx context.Context, userID string, page, limit int) ([]domain.Payment, int, error) {
	rows, err := s.db.QueryContext(ctx, paymentSelect+` WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := make([]domain.Payment, 0, limit)
	for rows.Next() {
		if p, ok := scanPayment(rows); ok {
			out = append(out, *p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM payments WHERE user_id=$1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Catalog/account upserts, used by seeding and by the surrounding CRUD app.

func (s *PostgresStore) PutUser(u *domain.User) error {
	_, err := s.db.Exec(`INSERT INTO users (id,name,email,created_at,updated_at) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET name=$2,email=$3,updated_at=$5`,
		u.ID, u.Name, u.Email, u.CreatedAt, u.UpdatedAt)
	return err
}

func (s *PostgresStore) PutCourse(c *domain.Course) error {
	_, err := s.db.Exec(`INSERT INTO courses (id,title,price,discounted_price,students_enrolled) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET title=$2,price=$3,discounted_price=$4,students_enrolled=$5`,
		c.ID, c.Title, c.Price, c.DiscountedPrice, c.StudentsEnrolled)
	return err
}

func (s *PostgresStore) PutNote(n *domain.Note) error {
	_, err := s.db.Exec(`INSERT INTO notes (id,title,price,discounted_price,downloads) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET title=$2,price=$3,discounted_price=$4,downloads=$5`,
		n.ID, n.Title, n.Price, n.DiscountedPrice, n.Downloads)
	return err
}

func (s *PostgresStore) PutCounseling(c *domain.CounselingSession) error {
	_, err := s.db.Exec(`INSERT INTO counseling_sessions (id,student_name,fee,status,payment_status,user_id) VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET student_name=$2,fee=$3,status=$4,payment_status=$5,user_id=$6`,
		c.ID, c.StudentName, c.Fee, c.Status, c.PaymentStatus, c.UserID)
	return err
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) CatalogItem(itemType domain.ItemType, id string) (*domain.CatalogItem, bool) {
	ci := domain.CatalogItem{Type: itemType, ID: id}
	switch itemType {
	case domain.ItemCourse:
		err := t.tx.QueryRow(`SELECT title,price,discounted_price FROM courses WHERE id=$1`, id).
			Scan(&ci.Title, &ci.Price, &ci.DiscountedPrice)
		if err != nil {
			return nil, false
		}
	case domain.ItemNotes:
		err := t.tx.QueryRow(`SELECT title,price,discounted_price FROM notes WHERE id=$1`, id).
			Scan(&ci.Title, &ci.Price, &ci.DiscountedPrice)
		if err != nil {
			return nil, false
		}
	case domain.ItemCounseling:
		var studentName sql.NullString
		err := t.tx.QueryRow(`SELECT student_name,fee FROM counseling_sessions WHERE id=$1`, id).
			Scan(&studentName, &ci.Price)
		if err != nil {
			return nil, false
		}
		ci.Title = counselingTitle(studentName.String)
	default:
		return nil, false
	}
	return &ci, true
}

func counselingTitle(studentName string) string {
	if studentName == "" {
		studentName = "Session"
	}
	return "Counseling - " + studentName
}

func (t *postgresTx) GetUser(id string) (*domain.User, bool) {
	var u domain.User
	err := t.tx.QueryRow(`SELECT id,name,email FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Name, &u.Email)
	if err != nil {
		return nil, false
	}
	return &u, true
}

const orderSelect = `SELECT id,user_id,order_id,items,total_amount,discount,final_amount,status,payment_id,notes,created_at,updated_at FROM orders`

func (t *postgresTx) PutOrder(o *domain.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`INSERT INTO orders (id,user_id,order_id,items,total_amount,discount,final_amount,status,payment_id,notes,created_at,updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET items=$4,total_amount=$5,discount=$6,final_amount=$7,status=$8,payment_id=$9,notes=$10,updated_at=$12`,
		o.ID, o.UserID, o.OrderID, string(items), o.TotalAmount, o.Discount, o.FinalAmount,
		string(o.Status), o.PaymentID, o.Notes, o.CreatedAt, o.UpdatedAt)
	return err
}

func (t *postgresTx) GetOrder(id string) (*domain.Order, bool) {
	return scanOrder(t.tx.QueryRow(orderSelect+` WHERE id=$1`, id))
}

func (t *postgresTx) SetOrderStatus(id string, status domain.OrderStatus, paymentID string) error {
	_, err := t.tx.Exec(`UPDATE orders SET status=$2, payment_id=COALESCE(NULLIF($3,''), payment_id), updated_at=$4 WHERE id=$1`,
		id, string(status), paymentID, time.Now().UTC())
	return err
}

const paymentSelect = `SELECT id,user_id,order_record_id,razorpay_order_id,razorpay_payment_id,razorpay_signature,amount,currency,status,items,method,receipt,refunds,refunded_amount,paid_at,failed_at,error_code,error_description,webhook_received,verified,created_at,updated_at FROM payments`

func (t *postgresTx) PutPayment(p *domain.Payment) error {
	items, err := json.Marshal(p.Items)
	if err != nil {
		return err
	}
	refunds, err := json.Marshal(p.Refunds)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`INSERT INTO payments (id,user_id,order_record_id,razorpay_order_id,razorpay_payment_id,razorpay_signature,amount,currency,status,items,method,receipt,refunds,refunded_amount,paid_at,failed_at,error_code,error_description,webhook_received,verified,created_at,updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		ON CONFLICT (id) DO UPDATE SET razorpay_payment_id=$5,razorpay_signature=$6,status=$9,method=$11,refunds=$13,refunded_amount=$14,paid_at=$15,failed_at=$16,error_code=$17,error_description=$18,webhook_received=$19,verified=$20,updated_at=$22`,
		p.ID, p.UserID, p.OrderID, p.RazorpayOrderID, p.RazorpayPaymentID, p.RazorpaySignature,
		p.Amount, p.Currency, string(p.Status), string(items), p.Method, p.Receipt, string(refunds),
		p.RefundedAmount, nullTime(p.PaidAt), nullTime(p.FailedAt), p.ErrorCode, p.ErrorDescription,
		p.WebhookReceived, p.Verified, p.CreatedAt, p.UpdatedAt)
	return err
}

func (t *postgresTx) GetPaymentByRemoteOrder(remoteOrderID string) (*domain.Payment, bool) {
	return scanPayment(t.tx.QueryRow(paymentSelect+` WHERE razorpay_order_id=$1`, remoteOrderID))
}

func (t *postgresTx) GetPaymentByRemotePayment(remotePaymentID string) (*domain.Payment, bool) {
	// Unpaid rows carry '' in this column; never match on it.
	if remotePaymentID == "" {
		return nil, false
	}
	return scanPayment(t.tx.QueryRow(paymentSelect+` WHERE razorpay_payment_id=$1`, remotePaymentID))
}

func (t *postgresTx) SetPaymentPaid(id string, upd usecase.PaidUpdate) (bool, error) {
	res, err := t.tx.Exec(`UPDATE payments SET
			status='paid',
			razorpay_payment_id=$2,
			razorpay_signature=COALESCE(NULLIF($3,''), razorpay_signature),
			method=COALESCE(NULLIF($4,''), method),
			paid_at=$5,
			verified=verified OR $6,
			webhook_received=webhook_received OR $7,
			updated_at=$5
		WHERE id=$1 AND status NOT IN ('paid','refunded','partially_refunded')`,
		id, upd.RemotePaymentID, upd.Signature, upd.Method, upd.PaidAt, upd.Verified, upd.WebhookReceived)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (t *postgresTx) SetPaymentFailed(id string, upd usecase.FailedUpdate) (bool, error) {
	res, err := t.tx.Exec(`UPDATE payments SET
			status='failed',
			razorpay_payment_id=COALESCE(NULLIF($2,''), razorpay_payment_id),
			failed_at=$3,
			error_code=$4,
			error_description=$5,
			updated_at=$3
		WHERE id=$1 AND status NOT IN ('failed','paid','refunded','partially_refunded')`,
		id, upd.RemotePaymentID, upd.FailedAt, upd.ErrorCode, upd.ErrorDescription)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (t *postgresTx) AddEnrollment(userID, courseID string, at time.Time) (bool, error) {
	res, err := t.tx.Exec(`INSERT INTO user_enrollments (user_id,course_id,enrolled_at) VALUES ($1,$2,$3)
		ON CONFLICT (user_id,course_id) DO NOTHING`, userID, courseID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (t *postgresTx) IncrementCourseEnrolled(courseID string) error {
	_, err := t.tx.Exec(`UPDATE courses SET students_enrolled = students_enrolled + 1 WHERE id=$1`, courseID)
	return err
}

func (t *postgresTx) AddNotePurchase(userID, noteID string, at time.Time) (bool, error) {
	res, err := t.tx.Exec(`INSERT INTO user_note_purchases (user_id,note_id,purchased_at) VALUES ($1,$2,$3)
		ON CONFLICT (user_id,note_id) DO NOTHING`, userID, noteID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (t *postgresTx) IncrementNoteDownloads(noteID string) error {
	_, err := t.tx.Exec(`UPDATE notes SET downloads = downloads + 1 WHERE id=$1`, noteID)
	return err
}

func (t *postgresTx) ConfirmCounseling(sessionID, userID string) error {
	_, err := t.tx.Exec(`UPDATE counseling_sessions SET payment_status='paid', status='confirmed', user_id=$2 WHERE id=$1`,
		sessionID, userID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, bool) {
	var o domain.Order
	var items string
	var paymentID, notes sql.NullString
	err := row.Scan(&o.ID, &o.UserID, &o.OrderID, &items, &o.TotalAmount, &o.Discount, &o.FinalAmount,
		(*string)(&o.Status), &paymentID, &notes, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, false
	}
	o.PaymentID = paymentID.String
	o.Notes = notes.String
	_ = json.Unmarshal([]byte(items), &o.Items)
	return &o, true
}

func scanPayment(row rowScanner) (*domain.Payment, bool) {
	var p domain.Payment
	var items, refunds string
	var paidAt, failedAt sql.NullTime
	err := row.Scan(&p.ID, &p.UserID, &p.OrderID, &p.RazorpayOrderID, &p.RazorpayPaymentID, &p.RazorpaySignature,
		&p.Amount, &p.Currency, (*string)(&p.Status), &items, &p.Method, &p.Receipt, &refunds,
		&p.RefundedAmount, &paidAt, &failedAt, &p.ErrorCode, &p.ErrorDescription,
		&p.WebhookReceived, &p.Verified, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, false
	}
	_ = json.Unmarshal([]byte(items), &p.Items)
	_ = json.Unmarshal([]byte(refunds), &p.Refunds)
	if paidAt.Valid {
		p.PaidAt = &paidAt.Time
	}
	if failedAt.Valid {
		p.FailedAt = &failedAt.Time
	}
	return &p, true
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
