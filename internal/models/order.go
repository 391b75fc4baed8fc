package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusReceived   OrderStatus = "RECEIVED"
	OrderStatusInProgress OrderStatus = "IN_PROGRESS"
	OrderStatusOnHold     OrderStatus = "ON_HOLD"
	OrderStatusCompleted  OrderStatus = "COMPLETED"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusClosed     OrderStatus = "CLOSED"
)

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusReceived, OrderStatusInProgress, OrderStatusOnHold,
		OrderStatusCompleted, OrderStatusShipped, OrderStatusClosed:
		return true
	}
	return false
}

// OrderPriority ranks orders on the shop floor.
type OrderPriority string

const (
	PriorityLow    OrderPriority = "LOW"
	PriorityNormal OrderPriority = "NORMAL"
	PriorityHigh   OrderPriority = "HIGH"
	PriorityRush   OrderPriority = "RUSH"
)

// Valid reports whether p is a known priority.
func (p OrderPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityRush:
		return true
	}
	return false
}

// Customer is the party an order or quote is made for.
type Customer struct {
	Base
	Name  string `gorm:"size:255;not null;index" json:"name"`
	Email string `gorm:"size:255" json:"email,omitempty"`
	Phone string `gorm:"size:50" json:"phone,omitempty"`
}

// Order is a production order made of one or more parts.
type Order struct {
	Base

	OrderNumber string `gorm:"size:50;uniqueIndex;not null" json:"order_number"`
	// Business is the business unit code; order numbers are scoped by it.
	Business string `gorm:"size:20;index;not null" json:"business"`

	CustomerID string    `gorm:"type:varchar(36);index;not null" json:"customer_id"`
	Customer   *Customer `gorm:"foreignKey:CustomerID" json:"customer,omitempty"`

	Status       OrderStatus   `gorm:"size:20;not null" json:"status"`
	Priority     OrderPriority `gorm:"size:20;not null" json:"priority"`
	DueDate      *time.Time    `gorm:"index" json:"due_date,omitempty"`
	ReceivedDate time.Time     `gorm:"not null" json:"received_date"`

	AssignedMachinistID *string `gorm:"type:varchar(36);index" json:"assigned_machinist_id,omitempty"`
	VendorID            *string `gorm:"type:varchar(36)" json:"vendor_id,omitempty"`
	PONumber            string  `gorm:"size:100" json:"po_number,omitempty"`

	CustomFieldValues datatypes.JSONMap `json:"custom_field_values,omitempty"`
	SourceQuoteID     *string           `gorm:"type:varchar(36);index" json:"source_quote_id,omitempty"`

	Parts     []OrderPart      `gorm:"foreignKey:OrderID" json:"parts,omitempty"`
	Charges   []OrderCharge    `gorm:"foreignKey:OrderID" json:"charges,omitempty"`
	Checklist []OrderChecklist `gorm:"foreignKey:OrderID" json:"checklist,omitempty"`
}

// IsClosed returns true once the order reached its terminal state.
func (o *Order) IsClosed() bool {
	return o.Status == OrderStatusClosed
}

// BillableTotal sums billable charges. Discounts reduce the total.
func (o *Order) BillableTotal() decimal.Decimal {
	total := decimal.Zero
	for _, c := range o.Charges {
		if c.Billable {
			total = total.Add(c.Total())
		}
	}
	return total
}

// OrderPart is one line of work on an order.
type OrderPart struct {
	Base
	OrderID    string  `gorm:"type:varchar(36);index;not null" json:"order_id"`
	PartNumber string  `gorm:"size:100" json:"part_number,omitempty"`
	Quantity   int     `gorm:"not null" json:"quantity"`
	MaterialID *string `gorm:"type:varchar(36)" json:"material_id,omitempty"`
	// CurrentDepartmentID is nil until the part has been routed.
	CurrentDepartmentID *string `gorm:"type:varchar(36);index" json:"current_department_id,omitempty"`
	Notes               string  `gorm:"type:text" json:"notes,omitempty"`
}

// IsRouted reports whether the part currently sits in a department.
func (p *OrderPart) IsRouted() bool {
	return p.CurrentDepartmentID != nil
}

// StatusHistory is the audit trail of an order: status changes, conversions
// and manual department transitions.
type StatusHistory struct {
	Base
	OrderID    string      `gorm:"type:varchar(36);index;not null" json:"order_id"`
	FromStatus OrderStatus `gorm:"size:20" json:"from_status"`
	ToStatus   OrderStatus `gorm:"size:20;not null" json:"to_status"`
	Reason     string      `gorm:"size:500" json:"reason,omitempty"`
	ActorID    string      `gorm:"size:100" json:"actor_id,omitempty"`
}

// TableName keeps the table name singular like the audit log it replaces.
func (StatusHistory) TableName() string {
	return "status_history"
}

// Note is free text attached to an order.
type Note struct {
	Base
	OrderID string `gorm:"type:varchar(36);index;not null" json:"order_id"`
	Body    string `gorm:"type:text;not null" json:"body"`
	ActorID string `gorm:"size:100" json:"actor_id,omitempty"`
}

// Attachment references a stored file or an external URL.
type Attachment struct {
	Base
	OrderID     string `gorm:"type:varchar(36);index;not null" json:"order_id"`
	Filename    string `gorm:"size:255;not null" json:"filename"`
	StoragePath string `gorm:"size:500" json:"storage_path,omitempty"`
	URL         string `gorm:"size:1000" json:"url,omitempty"`
	MimeType    string `gorm:"size:100" json:"mime_type,omitempty"`
	UploadedBy  string `gorm:"size:100" json:"uploaded_by,omitempty"`
}

// IsLink reports whether the attachment points to a URL rather than stored bytes.
func (a *Attachment) IsLink() bool {
	return a.StoragePath == "" && a.URL != ""
}
