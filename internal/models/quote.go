package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Quote is the pre-order aggregate. Its Metadata blob records approval and
// conversion state; a quote converts to exactly one order.
type Quote struct {
	Base
	QuoteNumber string `gorm:"size:50;uniqueIndex;not null" json:"quote_number"`
	Business    string `gorm:"size:20;index;not null" json:"business"`

	CustomerID *string   `gorm:"type:varchar(36);index" json:"customer_id,omitempty"`
	Customer   *Customer `gorm:"foreignKey:CustomerID" json:"customer,omitempty"`

	Priority OrderPriority `gorm:"size:20" json:"priority,omitempty"`
	DueDate  *time.Time    `json:"due_date,omitempty"`
	Notes    string        `gorm:"type:text" json:"notes,omitempty"`

	CustomFieldValues datatypes.JSONMap `json:"custom_field_values,omitempty"`
	Metadata          datatypes.JSONMap `json:"metadata,omitempty"`

	Parts           []QuotePart           `gorm:"foreignKey:QuoteID" json:"parts,omitempty"`
	AddonSelections []QuoteAddonSelection `gorm:"foreignKey:QuoteID" json:"addon_selections,omitempty"`
	VendorItems     []QuoteVendorItem     `gorm:"foreignKey:QuoteID" json:"vendor_items,omitempty"`
	Attachments     []QuoteAttachment     `gorm:"foreignKey:QuoteID" json:"attachments,omitempty"`
}

// QuoteApproval is the "approval" entry of the quote metadata.
type QuoteApproval struct {
	ApprovedAt    *time.Time `json:"approvedAt,omitempty"`
	ApprovedBy    string     `json:"approvedBy,omitempty"`
	AttachmentID  string     `json:"attachmentId,omitempty"`
	AttachmentURL string     `json:"attachmentUrl,omitempty"`
}

// HasAttachment reports whether the approval carries proof.
func (a *QuoteApproval) HasAttachment() bool {
	return a != nil && (a.AttachmentID != "" || a.AttachmentURL != "")
}

// QuoteConversion is the "conversion" entry of the quote metadata.
type QuoteConversion struct {
	OrderID     string    `json:"orderId"`
	OrderNumber string    `json:"orderNumber"`
	ConvertedAt time.Time `json:"convertedAt"`
	ConvertedBy string    `json:"convertedBy,omitempty"`
}

const (
	metaApproval   = "approval"
	metaConversion = "conversion"
)

// Approval decodes the approval metadata, or returns nil when absent.
func (q *Quote) Approval() (*QuoteApproval, error) {
	var a QuoteApproval
	ok, err := decodeMeta(q.Metadata, metaApproval, &a)
	if err != nil || !ok {
		return nil, err
	}
	return &a, nil
}

// Conversion decodes the conversion metadata, or returns nil when the quote
// has not been converted.
func (q *Quote) Conversion() (*QuoteConversion, error) {
	var c QuoteConversion
	ok, err := decodeMeta(q.Metadata, metaConversion, &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

// SetConversion stamps the conversion entry and leaves every other key alone.
func (q *Quote) SetConversion(c QuoteConversion) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	if q.Metadata == nil {
		q.Metadata = datatypes.JSONMap{}
	}
	q.Metadata[metaConversion] = m
	return nil
}

func decodeMeta(meta datatypes.JSONMap, key string, out any) (bool, error) {
	v, ok := meta[key]
	if !ok || v == nil {
		return false, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("metadata %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("metadata %s: %w", key, err)
	}
	return true, nil
}

// QuotePart mirrors an order part before conversion.
type QuotePart struct {
	Base
	QuoteID     string  `gorm:"type:varchar(36);index;not null" json:"quote_id"`
	PartNumber  string  `gorm:"size:100" json:"part_number,omitempty"`
	Description string  `gorm:"size:500" json:"description,omitempty"`
	Quantity    int     `gorm:"not null" json:"quantity"`
	PieceCount  int     `json:"piece_count,omitempty"`
	StockSize   string  `gorm:"size:100" json:"stock_size,omitempty"`
	CutLength   string  `gorm:"size:100" json:"cut_length,omitempty"`
	MaterialID  *string `gorm:"type:varchar(36)" json:"material_id,omitempty"`
	Notes       string  `gorm:"type:text" json:"notes,omitempty"`
	SortOrder   int     `gorm:"not null" json:"sort_order"`
}

// QuoteAddonSelection prices an addon on a quote: units times the rate
// snapshotted when the quote was written. A nil QuotePartID is a legacy
// order-level selection.
type QuoteAddonSelection struct {
	Base
	QuoteID     string          `gorm:"type:varchar(36);index;not null" json:"quote_id"`
	QuotePartID *string         `gorm:"type:varchar(36);index" json:"quote_part_id,omitempty"`
	AddonID     string          `gorm:"type:varchar(36);not null" json:"addon_id"`
	Addon       *Addon          `gorm:"foreignKey:AddonID" json:"addon,omitempty"`
	Units       decimal.Decimal `gorm:"type:decimal(12,4);not null" json:"units"`
	Rate        decimal.Decimal `gorm:"type:decimal(12,4);not null" json:"rate"`
	Notes       string          `gorm:"size:500" json:"notes,omitempty"`
}

// Total is units times the snapshotted rate.
func (s *QuoteAddonSelection) Total() decimal.Decimal {
	return s.Units.Mul(s.Rate)
}

// QuoteVendorItem is outsourced work or material quoted from a vendor.
type QuoteVendorItem struct {
	Base
	QuoteID     string          `gorm:"type:varchar(36);index;not null" json:"quote_id"`
	QuotePartID *string         `gorm:"type:varchar(36)" json:"quote_part_id,omitempty"`
	VendorID    *string         `gorm:"type:varchar(36)" json:"vendor_id,omitempty"`
	Description string          `gorm:"size:500;not null" json:"description"`
	Quantity    decimal.Decimal `gorm:"type:decimal(12,4);not null" json:"quantity"`
	UnitCost    decimal.Decimal `gorm:"type:decimal(12,4);not null" json:"unit_cost"`
}

// QuoteAttachment is a file stored for the quote, or a plain URL.
type QuoteAttachment struct {
	Base
	QuoteID     string `gorm:"type:varchar(36);index;not null" json:"quote_id"`
	Filename    string `gorm:"size:255;not null" json:"filename"`
	StoragePath string `gorm:"size:500" json:"storage_path,omitempty"`
	URL         string `gorm:"size:1000" json:"url,omitempty"`
	MimeType    string `gorm:"size:100" json:"mime_type,omitempty"`
}

// HasStoredFile reports whether bytes must be copied on conversion.
func (a *QuoteAttachment) HasStoredFile() bool {
	return a.StoragePath != ""
}
