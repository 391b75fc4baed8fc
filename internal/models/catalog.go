package models

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Department is one stage of the linear production sequence.
type Department struct {
	Base
	Name      string `gorm:"size:100;uniqueIndex;not null" json:"name"`
	SortOrder int    `gorm:"not null;index" json:"sort_order"`
	IsActive  bool   `gorm:"not null" json:"is_active"`
}

// SortDepartments orders departments by SortOrder, then by name for ties.
func SortDepartments(depts []Department) {
	sort.SliceStable(depts, func(i, j int) bool {
		if depts[i].SortOrder != depts[j].SortOrder {
			return depts[i].SortOrder < depts[j].SortOrder
		}
		return depts[i].Name < depts[j].Name
	})
}

// Addon is a catalog service type. AffectsPrice addons become charges;
// checklist-only addons (IsChecklistItem without AffectsPrice) become
// checklist rows directly.
type Addon struct {
	Base
	Name            string          `gorm:"size:150;uniqueIndex;not null" json:"name"`
	Description     string          `gorm:"size:500" json:"description,omitempty"`
	AffectsPrice    bool            `gorm:"not null" json:"affects_price"`
	IsChecklistItem bool            `gorm:"not null" json:"is_checklist_item"`
	DepartmentID    *string         `gorm:"type:varchar(36);index" json:"department_id,omitempty"`
	DefaultRate     decimal.Decimal `gorm:"type:decimal(12,4);not null" json:"default_rate"`
	IsActive        bool            `gorm:"not null" json:"is_active"`
}

// IsChecklistOnly reports whether the addon produces a checklist row without a charge.
func (a *Addon) IsChecklistOnly() bool {
	return a.IsChecklistItem && !a.AffectsPrice
}

// Setting is a key/value installation setting.
type Setting struct {
	Key   string `gorm:"size:100;primaryKey" json:"key"`
	Value string `gorm:"size:500" json:"value"`
}

// SettingRequireApproval gates quote conversion on an approval attachment.
const SettingRequireApproval = "require_approval_before_conversion"
