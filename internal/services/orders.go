package services

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"time"

	"github.com/diewo77/go-jobshop/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OrderService creates and edits orders and their parts. Like the charge
// ledger it re-runs checklist sync and department initialization whenever
// parts change.
type OrderService struct {
	db      *gorm.DB
	sync    *ChecklistSynchronizer
	router  *DepartmentRouter
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewOrderService(db *gorm.DB, sync *ChecklistSynchronizer, router *DepartmentRouter, logger *slog.Logger, metrics *Metrics) *OrderService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderService{db: db, sync: sync, router: router, log: logger, metrics: metrics, now: time.Now}
}

// PartInput describes a part. ChecklistAddonIDs names checklist-only addons
// to track on the part.
type PartInput struct {
	PartNumber        string   `json:"part_number"`
	Quantity          int      `json:"quantity"`
	MaterialID        *string  `json:"material_id"`
	Notes             string   `json:"notes"`
	ChecklistAddonIDs []string `json:"checklist_addon_ids"`
}

type CreateOrderInput struct {
	Business            string               `json:"business"`
	CustomerID          string               `json:"customer_id"`
	Priority            models.OrderPriority `json:"priority"`
	DueDate             *time.Time           `json:"due_date"`
	AssignedMachinistID *string              `json:"assigned_machinist_id"`
	VendorID            *string              `json:"vendor_id"`
	PONumber            string               `json:"po_number"`
	CustomFieldValues   map[string]any       `json:"custom_field_values"`
	Parts               []PartInput          `json:"parts"`
	Actor               string               `json:"-"`
}

func checkParts(parts []PartInput) error {
	if len(parts) == 0 {
		return invalid("an order needs at least one part")
	}
	for i, p := range parts {
		if p.Quantity <= 0 {
			return invalid("part %d: quantity must be positive", i+1)
		}
	}
	return nil
}

// CreateOrder allocates a number, stores the order with its parts and their
// checklist addons, and routes the parts.
func (s *OrderService) CreateOrder(ctx context.Context, in CreateOrderInput) (*models.Order, error) {
	if strings.TrimSpace(in.Business) == "" {
		return nil, invalid("business unit is required")
	}
	if in.CustomerID == "" {
		return nil, invalid("customer is required")
	}
	if in.Priority == "" {
		in.Priority = models.PriorityNormal
	}
	if !in.Priority.Valid() {
		return nil, invalid("unknown priority %q", in.Priority)
	}
	if err := checkParts(in.Parts); err != nil {
		return nil, err
	}

	var order models.Order
	var res MutationResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var customer models.Customer
		if err := tx.First(&customer, "id = ?", in.CustomerID).Error; err != nil {
			return lookup(err, "customer %s", in.CustomerID)
		}
		number, err := NextOrderNumber(tx, in.Business)
		if err != nil {
			return err
		}
		order = models.Order{
			OrderNumber:         number,
			Business:            strings.ToUpper(strings.TrimSpace(in.Business)),
			CustomerID:          customer.ID,
			Status:              models.OrderStatusReceived,
			Priority:            in.Priority,
			DueDate:             in.DueDate,
			ReceivedDate:        s.now(),
			AssignedMachinistID: in.AssignedMachinistID,
			VendorID:            in.VendorID,
			PONumber:            in.PONumber,
			CustomFieldValues:   mergeFields(nil, in.CustomFieldValues),
		}
		if err := tx.Omit(clause.Associations).Create(&order).Error; err != nil {
			return err
		}
		for _, p := range in.Parts {
			if _, err := s.createPart(tx, order.ID, p); err != nil {
				return err
			}
		}
		if err := tx.Create(&models.StatusHistory{
			OrderID:  order.ID,
			ToStatus: models.OrderStatusReceived,
			Reason:   "Order created",
			ActorID:  in.Actor,
		}).Error; err != nil {
			return err
		}
		res, err = s.resyncTx(tx, order.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.record(res)
	s.log.Info("order created", "order_id", order.ID, "order_number", order.OrderNumber, "actor", in.Actor)
	return loadOrder(s.db.WithContext(ctx), order.ID)
}

func (s *OrderService) createPart(tx *gorm.DB, orderID string, in PartInput) (*models.OrderPart, error) {
	p := models.OrderPart{
		OrderID:    orderID,
		PartNumber: in.PartNumber,
		Quantity:   in.Quantity,
		MaterialID: in.MaterialID,
		Notes:      in.Notes,
	}
	if err := tx.Create(&p).Error; err != nil {
		return nil, err
	}
	if _, err := s.sync.CreateAddonChecklistEntries(tx, orderID, p.ID, in.ChecklistAddonIDs); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *OrderService) resyncTx(tx *gorm.DB, orderID string) (MutationResult, error) {
	var res MutationResult
	var err error
	if res.Sync, err = s.sync.syncTx(tx, orderID); err != nil {
		return res, err
	}
	res.Routed, err = s.router.reinitOrderTx(tx, orderID)
	return res, err
}

func (s *OrderService) record(res MutationResult) {
	s.metrics.syncWrites(res.Sync)
	s.metrics.routed(res.Routed)
}

// Resync reconciles the checklist of one order with its charges and routes
// any part left without a department.
func (s *OrderService) Resync(ctx context.Context, orderID string) (MutationResult, error) {
	var res MutationResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Order{}).Where("id = ?", orderID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return notFound("order %s", orderID)
		}
		var err error
		res, err = s.resyncTx(tx, orderID)
		return err
	})
	if err != nil {
		return MutationResult{}, err
	}
	s.record(res)
	s.log.Debug("order resynced", "order_id", orderID, "writes", res.Sync.Writes(), "routed", res.Routed)
	return res, nil
}

// loadOrder returns an order with its customer, parts, charges and checklist.
func loadOrder(db *gorm.DB, orderID string) (*models.Order, error) {
	var o models.Order
	err := db.
		Preload("Customer").
		Preload("Parts", func(db *gorm.DB) *gorm.DB { return db.Order("created_at, id") }).
		Preload("Charges", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order, created_at") }).
		Preload("Checklist", func(db *gorm.DB) *gorm.DB { return db.Order("created_at, id") }).
		First(&o, "id = ?", orderID).Error
	if err != nil {
		return nil, lookup(err, "order %s", orderID)
	}
	return &o, nil
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return loadOrder(s.db.WithContext(ctx), orderID)
}

// ListOrdersInput filters and pages the order list. Cursor is the opaque
// NextCursor of the previous page.
type ListOrdersInput struct {
	Business   string             `json:"business"`
	Status     models.OrderStatus `json:"status"`
	CustomerID string             `json:"customer_id"`
	Cursor     string             `json:"cursor"`
	Limit      int                `json:"limit"`
}

type OrderPage struct {
	Orders     []models.Order `json:"orders"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// ListOrders returns orders newest first using keyset pagination on
// (created_at, id).
func (s *OrderService) ListOrders(ctx context.Context, in ListOrdersInput) (*OrderPage, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)

	q := s.db.WithContext(ctx).Model(&models.Order{}).Preload("Customer")
	if in.Business != "" {
		q = q.Where("business = ?", strings.ToUpper(in.Business))
	}
	if in.Status != "" {
		if !in.Status.Valid() {
			return nil, invalid("unknown status %q", in.Status)
		}
		q = q.Where("status = ?", in.Status)
	}
	if in.CustomerID != "" {
		q = q.Where("customer_id = ?", in.CustomerID)
	}
	if in.Cursor != "" {
		at, id, err := decodeCursor(in.Cursor)
		if err != nil {
			return nil, err
		}
		q = q.Where("created_at < ? OR (created_at = ? AND id < ?)", at, at, id)
	}

	var orders []models.Order
	if err := q.Order("created_at DESC, id DESC").Limit(limit + 1).Find(&orders).Error; err != nil {
		return nil, err
	}
	page := &OrderPage{Orders: orders}
	if len(orders) > limit {
		page.Orders = orders[:limit]
		last := page.Orders[limit-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}

func encodeCursor(at time.Time, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(at.Format(time.RFC3339Nano) + "|" + id))
}

func decodeCursor(c string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return time.Time{}, "", invalid("malformed cursor")
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return time.Time{}, "", invalid("malformed cursor")
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", invalid("malformed cursor")
	}
	return at, id, nil
}

// UpdateOrderInput changes only the fields that are set.
type UpdateOrderInput struct {
	Status              *models.OrderStatus   `json:"status"`
	Priority            *models.OrderPriority `json:"priority"`
	DueDate             *time.Time            `json:"due_date"`
	ClearDueDate        bool                  `json:"clear_due_date"`
	AssignedMachinistID *string               `json:"assigned_machinist_id"`
	VendorID            *string               `json:"vendor_id"`
	PONumber            *string               `json:"po_number"`
	CustomFieldValues   map[string]any        `json:"custom_field_values"`
	Reason              string                `json:"reason"`
	Actor               string                `json:"-"`
}

// UpdateOrder edits an order. A status change appends a history row.
// Closed orders accept no further changes.
func (s *OrderService) UpdateOrder(ctx context.Context, orderID string, in UpdateOrderInput) (*models.Order, error) {
	if in.Status != nil && !in.Status.Valid() {
		return nil, invalid("unknown status %q", *in.Status)
	}
	if in.Priority != nil && !in.Priority.Valid() {
		return nil, invalid("unknown priority %q", *in.Priority)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := openOrder(tx, orderID)
		if err != nil {
			return err
		}
		updates := map[string]any{}
		if in.Priority != nil {
			updates["priority"] = *in.Priority
		}
		switch {
		case in.ClearDueDate:
			updates["due_date"] = nil
		case in.DueDate != nil:
			updates["due_date"] = *in.DueDate
		}
		if in.AssignedMachinistID != nil {
			updates["assigned_machinist_id"] = models.StringPtr(*in.AssignedMachinistID)
		}
		if in.VendorID != nil {
			updates["vendor_id"] = models.StringPtr(*in.VendorID)
		}
		if in.PONumber != nil {
			updates["po_number"] = *in.PONumber
		}
		if in.CustomFieldValues != nil {
			updates["custom_field_values"] = mergeFields(o.CustomFieldValues, in.CustomFieldValues)
		}
		if in.Status != nil && *in.Status != o.Status {
			updates["status"] = *in.Status
			reason := in.Reason
			if reason == "" {
				reason = "Status changed"
			}
			if err := tx.Create(&models.StatusHistory{
				OrderID:    o.ID,
				FromStatus: o.Status,
				ToStatus:   *in.Status,
				Reason:     reason,
				ActorID:    in.Actor,
			}).Error; err != nil {
				return err
			}
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&models.Order{}).Where("id = ?", o.ID).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return loadOrder(s.db.WithContext(ctx), orderID)
}

// History returns the audit trail of an order, oldest first.
func (s *OrderService) History(ctx context.Context, orderID string) ([]models.StatusHistory, error) {
	db := s.db.WithContext(ctx)
	var n int64
	if err := db.Model(&models.Order{}).Where("id = ?", orderID).Count(&n).Error; err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, notFound("order %s", orderID)
	}
	var rows []models.StatusHistory
	if err := db.Where("order_id = ?", orderID).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// AddPartInput adds a part; CloneChargesFrom copies another part's charges
// with their completion reset.
type AddPartInput struct {
	PartInput
	CloneChargesFrom *string `json:"clone_charges_from"`
	Actor            string  `json:"-"`
}

func (s *OrderService) AddPart(ctx context.Context, orderID string, in AddPartInput) (*models.OrderPart, error) {
	if err := checkParts([]PartInput{in.PartInput}); err != nil {
		return nil, err
	}
	var part *models.OrderPart
	var res MutationResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := openOrder(tx, orderID); err != nil {
			return err
		}
		var err error
		if part, err = s.createPart(tx, orderID, in.PartInput); err != nil {
			return err
		}
		if in.CloneChargesFrom != nil {
			if err := cloneCharges(tx, orderID, *in.CloneChargesFrom, part.ID); err != nil {
				return err
			}
		}
		res, err = s.resyncTx(tx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.record(res)
	if err := s.db.WithContext(ctx).First(part, "id = ?", part.ID).Error; err != nil {
		return nil, err
	}
	s.log.Debug("part added", "order_id", orderID, "part_id", part.ID, "actor", in.Actor)
	return part, nil
}

func cloneCharges(tx *gorm.DB, orderID, fromPartID, toPartID string) error {
	var n int64
	if err := tx.Model(&models.OrderPart{}).Where("id = ? AND order_id = ?", fromPartID, orderID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return notFound("part %s does not belong to this order", fromPartID)
	}
	var src []models.OrderCharge
	if err := tx.Where("order_id = ? AND part_id = ?", orderID, fromPartID).Order("sort_order, created_at").Find(&src).Error; err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	next, err := nextChargeSortOrder(tx, orderID)
	if err != nil {
		return err
	}
	clones := make([]models.OrderCharge, len(src))
	for i, c := range src {
		c.Base = models.Base{}
		c.PartID = models.StringPtr(toPartID)
		c.CompletedAt = nil
		c.SortOrder = next + i
		clones[i] = c
	}
	return tx.Create(&clones).Error
}

type UpdatePartInput struct {
	PartNumber *string `json:"part_number"`
	Quantity   *int    `json:"quantity"`
	MaterialID *string `json:"material_id"`
	Notes      *string `json:"notes"`
}

func (s *OrderService) UpdatePart(ctx context.Context, orderID, partID string, in UpdatePartInput) (*models.OrderPart, error) {
	if in.Quantity != nil && *in.Quantity <= 0 {
		return nil, invalid("quantity must be positive")
	}
	var part models.OrderPart
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := openOrder(tx, orderID); err != nil {
			return err
		}
		if err := tx.First(&part, "id = ? AND order_id = ?", partID, orderID).Error; err != nil {
			return lookup(err, "part %s", partID)
		}
		updates := map[string]any{}
		if in.PartNumber != nil {
			updates["part_number"] = *in.PartNumber
		}
		if in.Quantity != nil {
			updates["quantity"] = *in.Quantity
		}
		if in.MaterialID != nil {
			updates["material_id"] = models.StringPtr(*in.MaterialID)
		}
		if in.Notes != nil {
			updates["notes"] = *in.Notes
		}
		if len(updates) == 0 {
			return nil
		}
		if err := tx.Model(&part).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&part, "id = ?", partID).Error
	})
	if err != nil {
		return nil, err
	}
	return &part, nil
}

// DeletePart removes a part with its charges. The last part of an order
// cannot be deleted. Checklist rows are deactivated, never removed.
func (s *OrderService) DeletePart(ctx context.Context, orderID, partID string) error {
	var res MutationResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := openOrder(tx, orderID)
		if err != nil {
			return err
		}
		var part models.OrderPart
		if err := tx.First(&part, "id = ? AND order_id = ?", partID, orderID).Error; err != nil {
			return lookup(err, "part %s", partID)
		}
		var count int64
		if err := tx.Model(&models.OrderPart{}).Where("order_id = ?", orderID).Count(&count).Error; err != nil {
			return err
		}
		if count <= 1 {
			return precondition("order %s must keep at least one part", o.OrderNumber)
		}
		if err := deactivatePartRows(tx, orderID, partID); err != nil {
			return err
		}
		if err := tx.Where("order_id = ? AND part_id = ?", orderID, partID).Delete(&models.OrderCharge{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&part).Error; err != nil {
			return err
		}
		res, err = s.resyncTx(tx, orderID)
		return err
	})
	if err != nil {
		return err
	}
	s.record(res)
	return nil
}
