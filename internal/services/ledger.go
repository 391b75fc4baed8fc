package services

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/diewo77/go-jobshop/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ChargeLedger owns every write to order charges. Each mutation runs
// ledger write, checklist sync and department initialization in one
// transaction, so callers never have to remember the follow-up steps.
type ChargeLedger struct {
	db      *gorm.DB
	sync    *ChecklistSynchronizer
	router  *DepartmentRouter
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewChargeLedger(db *gorm.DB, sync *ChecklistSynchronizer, router *DepartmentRouter, logger *slog.Logger, metrics *Metrics) *ChargeLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChargeLedger{db: db, sync: sync, router: router, log: logger, metrics: metrics, now: time.Now}
}

// CreateChargeInput describes a new ledger line.
type CreateChargeInput struct {
	PartID       *string           `json:"part_id"`
	Kind         models.ChargeKind `json:"kind"`
	DepartmentID *string           `json:"department_id"`
	AddonID      *string           `json:"addon_id"`
	Description  string            `json:"description"`
	Quantity     decimal.Decimal   `json:"quantity"`
	UnitPrice    decimal.Decimal   `json:"unit_price"`
	Billable     bool              `json:"billable"`
	SortOrder    *int              `json:"sort_order"`
	Completed    bool              `json:"completed"`
	Actor        string            `json:"-"`
}

// UpdateChargeInput changes only the fields that are set. ClearPart detaches
// the charge from its part, which LABOR and ADDON charges reject.
type UpdateChargeInput struct {
	PartID       *string            `json:"part_id"`
	ClearPart    bool               `json:"clear_part"`
	Kind         *models.ChargeKind `json:"kind"`
	DepartmentID *string            `json:"department_id"`
	AddonID      *string            `json:"addon_id"`
	Description  *string            `json:"description"`
	Quantity     *decimal.Decimal   `json:"quantity"`
	UnitPrice    *decimal.Decimal   `json:"unit_price"`
	Billable     *bool              `json:"billable"`
	SortOrder    *int               `json:"sort_order"`
	Completed    *bool              `json:"completed"`
	Actor        string             `json:"-"`
}

// MutationResult reports the derived writes of a charge mutation.
type MutationResult struct {
	Sync   SyncResult `json:"sync"`
	Routed int        `json:"routed"`
}

// applyChargeMutation runs write, then checklist sync, then any after steps,
// then department initialization for the order, all in one transaction.
func (l *ChargeLedger) applyChargeMutation(ctx context.Context, orderID, op string, write func(tx *gorm.DB) error, after ...func(tx *gorm.DB) error) (MutationResult, error) {
	var res MutationResult
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := openOrder(tx, orderID); err != nil {
			return err
		}
		if err := write(tx); err != nil {
			return err
		}
		sr, err := l.sync.syncTx(tx, orderID)
		if err != nil {
			return err
		}
		res.Sync = sr
		for _, step := range after {
			if err := step(tx); err != nil {
				return err
			}
		}
		res.Routed, err = l.router.reinitOrderTx(tx, orderID)
		return err
	})
	if err != nil {
		return MutationResult{}, err
	}
	l.metrics.chargeMutation(op)
	l.metrics.syncWrites(res.Sync)
	l.metrics.routed(res.Routed)
	l.log.Debug("charge mutation applied", "order_id", orderID, "op", op,
		"checklist_writes", res.Sync.Writes(), "routed", res.Routed)
	return res, nil
}

// openOrder loads an order that may still be changed.
func openOrder(tx *gorm.DB, orderID string) (*models.Order, error) {
	var o models.Order
	if err := tx.First(&o, "id = ?", orderID).Error; err != nil {
		return nil, lookup(err, "order %s", orderID)
	}
	if o.IsClosed() {
		return nil, precondition("order %s is closed", o.OrderNumber)
	}
	return &o, nil
}

// validateCharge checks kind rules and references. ADDON charges without a
// department inherit the addon's department.
func validateCharge(tx *gorm.DB, c *models.OrderCharge) error {
	if !c.Kind.Valid() {
		return invalid("unknown charge kind %q", c.Kind)
	}
	if c.Kind.RequiresPart() && c.PartID == nil {
		return invalid("%s charges require a part", c.Kind)
	}
	if c.Quantity.IsNegative() {
		return invalid("quantity must not be negative")
	}
	if c.PartID != nil {
		var n int64
		if err := tx.Model(&models.OrderPart{}).Where("id = ? AND order_id = ?", *c.PartID, c.OrderID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return notFound("part %s does not belong to this order", *c.PartID)
		}
	}
	if c.AddonID != nil {
		var addon models.Addon
		if err := tx.First(&addon, "id = ?", *c.AddonID).Error; err != nil {
			return lookup(err, "addon %s", *c.AddonID)
		}
		if c.Kind == models.ChargeKindAddon && c.DepartmentID == nil {
			c.DepartmentID = addon.DepartmentID
		}
		if c.Description == "" {
			c.Description = addon.Name
		}
	}
	if c.DepartmentID != nil {
		var n int64
		if err := tx.Model(&models.Department{}).Where("id = ?", *c.DepartmentID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return notFound("department %s", *c.DepartmentID)
		}
	}
	return nil
}

func nextChargeSortOrder(tx *gorm.DB, orderID string) (int, error) {
	var top int
	if err := tx.Model(&models.OrderCharge{}).Where("order_id = ?", orderID).
		Select("COALESCE(MAX(sort_order), -1)").Scan(&top).Error; err != nil {
		return 0, err
	}
	return top + 1, nil
}

// CreateCharge adds a ledger line to an order.
func (l *ChargeLedger) CreateCharge(ctx context.Context, orderID string, in CreateChargeInput) (*models.OrderCharge, error) {
	c := models.OrderCharge{
		OrderID:      orderID,
		PartID:       in.PartID,
		Kind:         in.Kind,
		DepartmentID: in.DepartmentID,
		AddonID:      in.AddonID,
		Description:  in.Description,
		Quantity:     in.Quantity,
		UnitPrice:    in.UnitPrice,
		Billable:     in.Billable,
	}
	if in.Completed {
		at := l.now()
		c.CompletedAt = &at
	}
	_, err := l.applyChargeMutation(ctx, orderID, "create", func(tx *gorm.DB) error {
		if err := validateCharge(tx, &c); err != nil {
			return err
		}
		if in.SortOrder != nil {
			c.SortOrder = *in.SortOrder
		} else {
			n, err := nextChargeSortOrder(tx, orderID)
			if err != nil {
				return err
			}
			c.SortOrder = n
		}
		return tx.Create(&c).Error
	}, func(tx *gorm.DB) error {
		if !in.Completed {
			return nil
		}
		return attributeCompletion(tx, c.ID, in.Actor)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCharge changes a charge, including retargeting it to another part,
// department or kind.
func (l *ChargeLedger) UpdateCharge(ctx context.Context, orderID, chargeID string, in UpdateChargeInput) (*models.OrderCharge, error) {
	var c models.OrderCharge
	var wasDone bool
	_, err := l.applyChargeMutation(ctx, orderID, "update", func(tx *gorm.DB) error {
		if err := tx.First(&c, "id = ? AND order_id = ?", chargeID, orderID).Error; err != nil {
			return lookup(err, "charge %s", chargeID)
		}
		wasDone = c.IsCompleted()
		switch {
		case in.ClearPart:
			c.PartID = nil
		case in.PartID != nil:
			c.PartID = in.PartID
		}
		if in.Kind != nil {
			c.Kind = *in.Kind
		}
		if in.DepartmentID != nil {
			c.DepartmentID = models.StringPtr(*in.DepartmentID)
		}
		if in.AddonID != nil {
			c.AddonID = models.StringPtr(*in.AddonID)
		}
		if in.Description != nil {
			c.Description = *in.Description
		}
		if in.Quantity != nil {
			c.Quantity = *in.Quantity
		}
		if in.UnitPrice != nil {
			c.UnitPrice = *in.UnitPrice
		}
		if in.Billable != nil {
			c.Billable = *in.Billable
		}
		if in.SortOrder != nil {
			c.SortOrder = *in.SortOrder
		}
		if in.Completed != nil {
			switch {
			case *in.Completed && c.CompletedAt == nil:
				at := l.now()
				c.CompletedAt = &at
			case !*in.Completed:
				c.CompletedAt = nil
			}
		}
		if err := validateCharge(tx, &c); err != nil {
			return err
		}
		return tx.Save(&c).Error
	}, func(tx *gorm.DB) error {
		switch done := c.IsCompleted(); {
		case done && !wasDone:
			return attributeCompletion(tx, c.ID, in.Actor)
		case !done && wasDone:
			return attributeCompletion(tx, c.ID, "")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteCharge removes a charge. Its active checklist rows are deactivated
// first so no active row ever points at a missing charge.
func (l *ChargeLedger) DeleteCharge(ctx context.Context, orderID, chargeID string) error {
	_, err := l.applyChargeMutation(ctx, orderID, "delete", func(tx *gorm.DB) error {
		var c models.OrderCharge
		if err := tx.First(&c, "id = ? AND order_id = ?", chargeID, orderID).Error; err != nil {
			return lookup(err, "charge %s", chargeID)
		}
		if err := tx.Model(&models.OrderChecklist{}).
			Where("charge_id = ? AND is_active = ?", c.ID, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Delete(&c).Error
	})
	return err
}

// ListChargesInput pages an order's charges. Cursor is the opaque NextCursor
// of the previous page.
type ListChargesInput struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}

type ChargePage struct {
	Charges    []models.OrderCharge `json:"charges"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// ListCharges returns the order's charges by sort order, then creation time,
// using keyset pagination on (sort_order, created_at, id).
func (l *ChargeLedger) ListCharges(ctx context.Context, orderID string, in ListChargesInput) (*ChargePage, error) {
	db := l.db.WithContext(ctx)
	var n int64
	if err := db.Model(&models.Order{}).Where("id = ?", orderID).Count(&n).Error; err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, notFound("order %s", orderID)
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)

	q := db.Where("order_id = ?", orderID)
	if in.Cursor != "" {
		sort, at, id, err := decodeChargeCursor(in.Cursor)
		if err != nil {
			return nil, err
		}
		q = q.Where("sort_order > ? OR (sort_order = ? AND (created_at > ? OR (created_at = ? AND id > ?)))",
			sort, sort, at, at, id)
	}
	var charges []models.OrderCharge
	if err := q.Order("sort_order, created_at, id").Limit(limit + 1).Find(&charges).Error; err != nil {
		return nil, err
	}
	page := &ChargePage{Charges: charges}
	if len(charges) > limit {
		page.Charges = charges[:limit]
		last := page.Charges[limit-1]
		page.NextCursor = encodeCursor(last.CreatedAt, strconv.Itoa(last.SortOrder)+":"+last.ID)
	}
	return page, nil
}

func decodeChargeCursor(c string) (int, time.Time, string, error) {
	at, key, err := decodeCursor(c)
	if err != nil {
		return 0, time.Time{}, "", err
	}
	sortKey, id, ok := strings.Cut(key, ":")
	sort, convErr := strconv.Atoi(sortKey)
	if !ok || id == "" || convErr != nil {
		return 0, time.Time{}, "", invalid("malformed cursor")
	}
	return sort, at, id, nil
}

// ToggleChecklistItem marks a checklist row done or not done. A row backed by
// a charge writes the charge's CompletedAt and lets the synchronizer mirror
// it; an addon-only row is updated directly.
func (l *ChargeLedger) ToggleChecklistItem(ctx context.Context, orderID, checklistID string, completed bool, actor string) (*models.OrderChecklist, error) {
	var row models.OrderChecklist
	_, err := l.applyChargeMutation(ctx, orderID, "toggle", func(tx *gorm.DB) error {
		if err := tx.First(&row, "id = ? AND order_id = ?", checklistID, orderID).Error; err != nil {
			return lookup(err, "checklist item %s", checklistID)
		}
		if !row.IsActive {
			return precondition("checklist item %s is inactive", checklistID)
		}
		now := l.now()
		if !row.IsChargeLinked() {
			if row.Completed == completed {
				return nil
			}
			return setRowCompletion(tx, &row, completed, actor, now)
		}
		if !completed {
			if err := tx.Model(&models.OrderCharge{}).Where("id = ?", *row.ChargeID).
				Update("completed_at", nil).Error; err != nil {
				return err
			}
			return attributeCompletion(tx, *row.ChargeID, "")
		}
		// Completing an already completed charge keeps the first stamp.
		stamp := tx.Model(&models.OrderCharge{}).Where("id = ? AND completed_at IS NULL", *row.ChargeID).
			Update("completed_at", now)
		if stamp.Error != nil {
			return stamp.Error
		}
		if stamp.RowsAffected == 0 {
			return nil
		}
		return attributeCompletion(tx, *row.ChargeID, actor)
	})
	if err != nil {
		return nil, err
	}
	if err := l.db.WithContext(ctx).First(&row, "id = ?", checklistID).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// attributeCompletion records who completed a charge on its active checklist row.
func attributeCompletion(tx *gorm.DB, chargeID, actor string) error {
	return tx.Model(&models.OrderChecklist{}).
		Where("charge_id = ? AND is_active = ?", chargeID, true).
		Update("completed_by", actor).Error
}
