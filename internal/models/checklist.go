package models

import "time"

// OrderChecklist is a derived row tracking completion of a charge, or of a
// checklist-only addon on a part. PartID, DepartmentID and AddonID are
// denormalized from the charge so routing queries never join the ledger.
type OrderChecklist struct {
	Base
	OrderID      string     `gorm:"type:varchar(36);index;not null" json:"order_id"`
	ChargeID     *string    `gorm:"type:varchar(36);index" json:"charge_id,omitempty"`
	PartID       *string    `gorm:"type:varchar(36);index:idx_checklist_part_dept,priority:1" json:"part_id,omitempty"`
	DepartmentID *string    `gorm:"type:varchar(36);index:idx_checklist_part_dept,priority:2" json:"department_id,omitempty"`
	AddonID      *string    `gorm:"type:varchar(36)" json:"addon_id,omitempty"`
	IsActive     bool       `gorm:"not null" json:"is_active"`
	Completed    bool       `gorm:"not null" json:"completed"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CompletedBy  string     `gorm:"size:100" json:"completed_by,omitempty"`
}

// TableName matches the singular naming used by the routing queries.
func (OrderChecklist) TableName() string {
	return "order_checklist"
}

// IsChargeLinked reports whether the row mirrors a ledger charge.
func (c *OrderChecklist) IsChargeLinked() bool {
	return c.ChargeID != nil
}

// IsReady reports whether the row is outstanding work.
func (c *OrderChecklist) IsReady() bool {
	return c.IsActive && !c.Completed
}
