package domain

import "time"

type User struct {
	ID        string    `json:"userId"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Enrollment struct {
	CourseID   string    `json:"course"`
	EnrolledAt time.Time `json:"enrolledAt"`
}

type NotePurchase struct {
	NoteID      string    `json:"note"`
	PurchasedAt time.Time `json:"purchasedAt"`
}
