package domain

import "github.com/shopspring/decimal"

type ItemType string

const (
	ItemCourse     ItemType = "course"
	ItemNotes      ItemType = "notes"
	ItemCounseling ItemType = "counseling"
)

func (t ItemType) Valid() bool {
	switch t {
	case ItemCourse, ItemNotes, ItemCounseling:
		return true
	}
	return false
}

// CatalogItem is the priceable view of a catalog record. Prices are always
// resolved from here, never taken from the client.
type CatalogItem struct {
	Type            ItemType        `json:"type"`
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Price           decimal.Decimal `json:"price"`
	DiscountedPrice decimal.Decimal `json:"discountedPrice"`
}

// UnitPrice prefers the discounted price when one is set. Counseling sessions
// carry their fee in Price and never discount.
func (c *CatalogItem) UnitPrice() decimal.Decimal {
	if c.DiscountedPrice.IsPositive() {
		return c.DiscountedPrice
	}
	return c.Price
}

type Course struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Price            decimal.Decimal `json:"price"`
	DiscountedPrice  decimal.Decimal `json:"discountedPrice"`
	StudentsEnrolled int             `json:"studentsEnrolled"`
}

type Note struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Price           decimal.Decimal `json:"price"`
	DiscountedPrice decimal.Decimal `json:"discountedPrice"`
	Downloads       int             `json:"downloads"`
}

type CounselingSession struct {
	ID            string          `json:"id"`
	StudentName   string          `json:"studentName"`
	Fee           decimal.Decimal `json:"fee"`
	Status        string          `json:"status"`
	PaymentStatus string          `json:"paymentStatus"`
	UserID        string          `json:"userId,omitempty"`
}
