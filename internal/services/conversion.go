package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/diewo77/go-jobshop/internal/models"
	"github.com/diewo77/go-jobshop/internal/storage"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UnassignedSelectionPolicy decides what happens to addon selections that
// are not tied to a quote part.
type UnassignedSelectionPolicy string

const (
	// AttachToFirstPart puts them on the first part of the new order.
	AttachToFirstPart UnassignedSelectionPolicy = "first_part"
	// SkipUnassigned drops them.
	SkipUnassigned UnassignedSelectionPolicy = "skip"
)

// ParseUnassignedSelectionPolicy accepts "" as the default policy.
func ParseUnassignedSelectionPolicy(s string) (UnassignedSelectionPolicy, error) {
	switch p := UnassignedSelectionPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return AttachToFirstPart, nil
	case AttachToFirstPart, SkipUnassigned:
		return p, nil
	}
	return "", fmt.Errorf("unknown unassigned selection policy %q", s)
}

// PartOverride replaces the quote's parts at conversion time. Selections that
// referenced QuotePartID follow the override to its new order part.
type PartOverride struct {
	QuotePartID string  `json:"quote_part_id,omitempty"`
	PartNumber  string  `json:"part_number"`
	Description string  `json:"description"`
	Quantity    int     `json:"quantity"`
	PieceCount  int     `json:"piece_count"`
	StockSize   string  `json:"stock_size"`
	CutLength   string  `json:"cut_length"`
	MaterialID  *string `json:"material_id"`
	Notes       string  `json:"notes"`
}

// ConvertOptions are per-call overrides applied on top of the quote.
type ConvertOptions struct {
	DueDate           *time.Time            `json:"due_date"`
	Priority          *models.OrderPriority `json:"priority"`
	Parts             []PartOverride        `json:"parts"`
	CustomFieldValues map[string]any        `json:"custom_field_values"`
	Actor             string                `json:"-"`
}

// ConversionResult is the order produced by a conversion and its derived writes.
type ConversionResult struct {
	Order             *models.Order `json:"order"`
	Sync              SyncResult    `json:"sync"`
	Routed            int           `json:"routed"`
	SkippedSelections int           `json:"skipped_selections"`
	ChecklistEntries  int           `json:"checklist_entries"`
}

// QuoteConversionEngine promotes a quote into an order exactly once.
type QuoteConversionEngine struct {
	db       *gorm.DB
	storage  storage.Storage
	settings Settings
	sync     *ChecklistSynchronizer
	router   *DepartmentRouter
	policy   UnassignedSelectionPolicy
	log      *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

func NewQuoteConversionEngine(db *gorm.DB, store storage.Storage, settings Settings, sync *ChecklistSynchronizer,
	router *DepartmentRouter, policy UnassignedSelectionPolicy, logger *slog.Logger, metrics *Metrics) *QuoteConversionEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == "" {
		policy = AttachToFirstPart
	}
	return &QuoteConversionEngine{
		db: db, storage: store, settings: settings, sync: sync, router: router,
		policy: policy, log: logger, metrics: metrics, now: time.Now,
	}
}

func (e *QuoteConversionEngine) loadQuote(ctx context.Context, quoteID string) (*models.Quote, error) {
	var q models.Quote
	err := e.db.WithContext(ctx).
		Preload("Customer").
		Preload("Parts", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order, created_at") }).
		Preload("AddonSelections", func(db *gorm.DB) *gorm.DB { return db.Order("created_at, id") }).
		Preload("AddonSelections.Addon").
		Preload("VendorItems", func(db *gorm.DB) *gorm.DB { return db.Order("created_at, id") }).
		Preload("Attachments", func(db *gorm.DB) *gorm.DB { return db.Order("created_at, id") }).
		First(&q, "id = ?", quoteID).Error
	if err != nil {
		return nil, lookup(err, "quote %s", quoteID)
	}
	return &q, nil
}

func alreadyConverted(q *models.Quote) error {
	conv, err := q.Conversion()
	if err != nil {
		return err
	}
	if conv != nil {
		return conflict("quote %s was already converted to order %s", q.QuoteNumber, conv.OrderNumber)
	}
	return nil
}

// Convert creates an order from a quote. Preconditions are checked before
// the transaction opens; any failure inside it leaves no partial order.
// Checklist sync and department initialization run after commit.
func (e *QuoteConversionEngine) Convert(ctx context.Context, quoteID string, opts ConvertOptions) (res *ConversionResult, err error) {
	defer func() { e.metrics.conversion(err) }()

	q, err := e.loadQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if err := alreadyConverted(q); err != nil {
		return nil, err
	}
	if q.CustomerID == nil {
		return nil, invalid("quote %s has no customer", q.QuoteNumber)
	}
	if e.settings != nil {
		required, err := e.settings.RequireApprovalBeforeConversion(ctx)
		if err != nil {
			return nil, err
		}
		if required {
			appr, err := q.Approval()
			if err != nil {
				return nil, err
			}
			if !appr.HasAttachment() {
				return nil, precondition("quote %s needs an approval attachment before conversion", q.QuoteNumber)
			}
		}
	}
	if opts.Priority != nil && !opts.Priority.Valid() {
		return nil, invalid("unknown priority %q", *opts.Priority)
	}
	parts := effectiveParts(q, opts.Parts)
	if len(parts) == 0 {
		return nil, invalid("quote %s has no parts", q.QuoteNumber)
	}
	for i, p := range parts {
		if p.Quantity <= 0 {
			return nil, invalid("part %d: quantity must be positive", i+1)
		}
	}

	res = &ConversionResult{}
	var order models.Order
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var fresh models.Quote
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "quote_number", "metadata").First(&fresh, "id = ?", q.ID).Error; err != nil {
			return lookup(err, "quote %s", q.ID)
		}
		if err := alreadyConverted(&fresh); err != nil {
			return err
		}

		number, err := NextOrderNumber(tx, q.Business)
		if err != nil {
			return err
		}
		now := e.now()
		order = models.Order{
			OrderNumber:       number,
			Business:          strings.ToUpper(strings.TrimSpace(q.Business)),
			CustomerID:        *q.CustomerID,
			Status:            models.OrderStatusReceived,
			Priority:          pickPriority(opts.Priority, q.Priority),
			DueDate:           q.DueDate,
			ReceivedDate:      now,
			CustomFieldValues: mergeFields(q.CustomFieldValues, opts.CustomFieldValues),
			SourceQuoteID:     &q.ID,
		}
		if opts.DueDate != nil {
			order.DueDate = opts.DueDate
		}
		if err := tx.Omit(clause.Associations).Create(&order).Error; err != nil {
			return err
		}

		byQuotePart := make(map[string]string, len(parts))
		orderParts := make([]models.OrderPart, len(parts))
		for i, p := range parts {
			orderParts[i] = models.OrderPart{
				OrderID:    order.ID,
				PartNumber: p.PartNumber,
				Quantity:   p.Quantity,
				MaterialID: p.MaterialID,
				Notes:      composePartNotes(p),
			}
		}
		if err := tx.Create(&orderParts).Error; err != nil {
			return err
		}
		for i, p := range parts {
			if p.QuotePartID != "" {
				byQuotePart[p.QuotePartID] = orderParts[i].ID
			}
		}

		if err := e.copyAttachments(ctx, tx, q, &order, opts.Actor); err != nil {
			return err
		}

		work := e.deriveCharges(q, order.ID, orderParts[0].ID, byQuotePart)
		res.SkippedSelections = work.skipped
		if len(work.charges) > 0 {
			if err := tx.Create(&work.charges).Error; err != nil {
				return err
			}
		}
		for _, partID := range work.partOrder {
			n, err := e.sync.CreateAddonChecklistEntries(tx, order.ID, partID, work.checklist[partID])
			if err != nil {
				return err
			}
			res.ChecklistEntries += n
		}

		if err := tx.Create(&models.StatusHistory{
			OrderID:    order.ID,
			FromStatus: models.OrderStatusReceived,
			ToStatus:   models.OrderStatusReceived,
			Reason:     "Converted from quote " + q.QuoteNumber,
			ActorID:    opts.Actor,
		}).Error; err != nil {
			return err
		}
		if body := composeConversionNote(q); body != "" {
			if err := tx.Create(&models.Note{OrderID: order.ID, Body: body, ActorID: opts.Actor}).Error; err != nil {
				return err
			}
		}

		if err := fresh.SetConversion(models.QuoteConversion{
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			ConvertedAt: now,
			ConvertedBy: opts.Actor,
		}); err != nil {
			return err
		}
		return tx.Model(&models.Quote{}).Where("id = ?", q.ID).Update("metadata", fresh.Metadata).Error
	})
	if err != nil {
		return nil, err
	}

	res.Sync, err = e.sync.Sync(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("order %s created, checklist sync failed: %w", order.OrderNumber, err)
	}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res.Routed, err = e.router.reinitOrderTx(tx, order.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("order %s created, department initialization failed: %w", order.OrderNumber, err)
	}
	e.metrics.routed(res.Routed)

	res.Order, err = loadOrder(e.db.WithContext(ctx), order.ID)
	if err != nil {
		return nil, err
	}
	e.log.Info("quote converted", "quote", q.QuoteNumber, "order_id", order.ID,
		"order_number", order.OrderNumber, "actor", opts.Actor,
		"parts", len(parts), "skipped_selections", res.SkippedSelections,
		"checklist_entries", res.ChecklistEntries)
	return res, nil
}

// effectiveParts returns the overrides when given, otherwise the quote parts.
func effectiveParts(q *models.Quote, overrides []PartOverride) []PartOverride {
	if len(overrides) > 0 {
		return overrides
	}
	out := make([]PartOverride, len(q.Parts))
	for i, p := range q.Parts {
		out[i] = PartOverride{
			QuotePartID: p.ID,
			PartNumber:  p.PartNumber,
			Description: p.Description,
			Quantity:    p.Quantity,
			PieceCount:  p.PieceCount,
			StockSize:   p.StockSize,
			CutLength:   p.CutLength,
			MaterialID:  p.MaterialID,
			Notes:       p.Notes,
		}
	}
	return out
}

func pickPriority(override *models.OrderPriority, quoted models.OrderPriority) models.OrderPriority {
	switch {
	case override != nil:
		return *override
	case quoted.Valid():
		return quoted
	}
	return models.PriorityNormal
}

func mergeFields(base datatypes.JSONMap, overrides map[string]any) datatypes.JSONMap {
	if len(base) == 0 && len(overrides) == 0 {
		return nil
	}
	out := make(datatypes.JSONMap, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func composePartNotes(p PartOverride) string {
	var lines []string
	if s := strings.TrimSpace(p.Description); s != "" {
		lines = append(lines, s)
	}
	if p.PieceCount > 0 {
		lines = append(lines, fmt.Sprintf("Pieces: %d", p.PieceCount))
	}
	if s := strings.TrimSpace(p.StockSize); s != "" {
		lines = append(lines, "Stock size: "+s)
	}
	if s := strings.TrimSpace(p.CutLength); s != "" {
		lines = append(lines, "Cut length: "+s)
	}
	if s := strings.TrimSpace(p.Notes); s != "" {
		lines = append(lines, s)
	}
	return strings.Join(lines, "\n")
}

// composeConversionNote carries the quote notes and a summary of vendor
// items, which do not become charges.
func composeConversionNote(q *models.Quote) string {
	var b strings.Builder
	if s := strings.TrimSpace(q.Notes); s != "" {
		b.WriteString(s)
	}
	if len(q.VendorItems) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Vendor items:")
		for _, v := range q.VendorItems {
			fmt.Fprintf(&b, "\n- %s (%s x %s)", v.Description, v.Quantity.String(), v.UnitCost.StringFixed(2))
		}
	}
	return b.String()
}

// copyAttachments re-homes stored files under the new order and copies URL
// attachments by reference.
func (e *QuoteConversionEngine) copyAttachments(ctx context.Context, tx *gorm.DB, q *models.Quote, order *models.Order, actor string) error {
	if len(q.Attachments) == 0 {
		return nil
	}
	customer := ""
	if q.Customer != nil {
		customer = q.Customer.Name
	}
	atts := make([]models.Attachment, 0, len(q.Attachments))
	for _, a := range q.Attachments {
		att := models.Attachment{
			OrderID:    order.ID,
			Filename:   a.Filename,
			URL:        a.URL,
			MimeType:   a.MimeType,
			UploadedBy: actor,
		}
		if a.HasStoredFile() {
			if e.storage == nil {
				return ioFailure(a.StoragePath, fmt.Errorf("no storage configured"))
			}
			data, err := e.storage.ReadBytes(ctx, a.StoragePath)
			if err != nil {
				return ioFailure(a.StoragePath, err)
			}
			p, err := e.storage.WriteBytes(ctx, order.Business, customer, order.OrderNumber, a.Filename, data)
			if err != nil {
				return ioFailure(a.Filename, err)
			}
			att.StoragePath = p
		}
		atts = append(atts, att)
	}
	return tx.Create(&atts).Error
}

// derivedWork is what addon selections turn into on the new order: ADDON
// charges, and checklist-only addons keyed by the order part they land on.
type derivedWork struct {
	charges   []models.OrderCharge
	checklist map[string][]string
	partOrder []string
	skipped   int
}

// deriveCharges turns addon selections into ADDON charges. Checklist-only
// addons never become charges; they are collected per part instead.
// Selections with no target part, and priced selections whose addon has no
// department, are skipped. A charge is billable when its addon affects price.
func (e *QuoteConversionEngine) deriveCharges(q *models.Quote, orderID, firstPartID string, byQuotePart map[string]string) derivedWork {
	w := derivedWork{checklist: map[string][]string{}}
	for _, s := range q.AddonSelections {
		if s.Addon == nil {
			w.skipped++
			continue
		}
		var partID string
		switch {
		case s.QuotePartID != nil:
			partID = byQuotePart[*s.QuotePartID]
		case e.policy == AttachToFirstPart:
			partID = firstPartID
		}
		if partID == "" {
			w.skipped++
			continue
		}
		if s.Addon.IsChecklistOnly() {
			if _, ok := w.checklist[partID]; !ok {
				w.partOrder = append(w.partOrder, partID)
			}
			w.checklist[partID] = append(w.checklist[partID], s.AddonID)
			continue
		}
		if s.Addon.DepartmentID == nil {
			w.skipped++
			continue
		}
		desc := s.Addon.Name
		if n := strings.TrimSpace(s.Notes); n != "" {
			desc += " - " + n
		}
		w.charges = append(w.charges, models.OrderCharge{
			OrderID:      orderID,
			PartID:       models.StringPtr(partID),
			Kind:         models.ChargeKindAddon,
			DepartmentID: s.Addon.DepartmentID,
			AddonID:      models.StringPtr(s.AddonID),
			Description:  desc,
			Quantity:     s.Units,
			UnitPrice:    s.Rate,
			Billable:     s.Addon.AffectsPrice,
			SortOrder:    len(w.charges),
		})
	}
	return w
}
