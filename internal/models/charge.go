package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChargeKind classifies a ledger line.
type ChargeKind string

const (
	ChargeKindLabor    ChargeKind = "LABOR"
	ChargeKindAddon    ChargeKind = "ADDON"
	ChargeKindMaterial ChargeKind = "MATERIAL"
	ChargeKindFee      ChargeKind = "FEE"
	ChargeKindShipping ChargeKind = "SHIPPING"
	ChargeKindDiscount ChargeKind = "DISCOUNT"
)

// Valid reports whether k is a known charge kind.
func (k ChargeKind) Valid() bool {
	switch k {
	case ChargeKindLabor, ChargeKindAddon, ChargeKindMaterial,
		ChargeKindFee, ChargeKindShipping, ChargeKindDiscount:
		return true
	}
	return false
}

// RequiresPart reports whether charges of this kind must target a part.
func (k ChargeKind) RequiresPart() bool {
	return k == ChargeKindLabor || k == ChargeKindAddon
}

// OrderCharge is a billable or non-billable ledger line on an order.
// CompletedAt is the single source of truth for whether the work is done.
type OrderCharge struct {
	Base
	OrderID      string          `gorm:"type:varchar(36);index;not null" json:"order_id"`
	PartID       *string         `gorm:"type:varchar(36);index" json:"part_id,omitempty"`
	Kind         ChargeKind      `gorm:"size:20;not null" json:"kind"`
	DepartmentID *string         `gorm:"type:varchar(36);index" json:"department_id,omitempty"`
	AddonID      *string         `gorm:"type:varchar(36)" json:"addon_id,omitempty"`
	Description  string          `gorm:"size:500" json:"description,omitempty"`
	Quantity     decimal.Decimal `gorm:"type:decimal(12,4);not null" json:"quantity"`
	UnitPrice    decimal.Decimal `gorm:"type:decimal(12,4);not null" json:"unit_price"`
	Billable     bool            `gorm:"not null" json:"billable"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	SortOrder    int             `gorm:"not null" json:"sort_order"`
}

// IsCompleted reports whether the unit of work has been done.
func (c *OrderCharge) IsCompleted() bool {
	return c.CompletedAt != nil
}

// Total returns quantity times unit price; discounts are always negative.
func (c *OrderCharge) Total() decimal.Decimal {
	t := c.Quantity.Mul(c.UnitPrice)
	if c.Kind == ChargeKindDiscount {
		return t.Abs().Neg()
	}
	return t
}

// TracksWork reports whether the charge must be mirrored by a checklist row.
func (c *OrderCharge) TracksWork() bool {
	return c.Kind.RequiresPart() && c.PartID != nil
}
