package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base carries the primary key and timestamps shared by every entity.
// IDs are UUID strings assigned on create when the caller left them empty.
type Base struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns a UUID when no ID was provided.
func (b *Base) BeforeCreate(_ *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// StringPtr returns a pointer to s, or nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// SameID reports whether two nullable references point to the same row.
func SameID(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// All lists every persisted entity in migration order.
func All() []any {
	return []any{
		&Customer{}, &Department{}, &Addon{}, &Setting{},
		&Order{}, &OrderPart{}, &OrderCharge{}, &OrderChecklist{},
		&StatusHistory{}, &Note{}, &Attachment{},
		&Quote{}, &QuotePart{}, &QuoteAddonSelection{}, &QuoteVendorItem{}, &QuoteAttachment{},
	}
}
