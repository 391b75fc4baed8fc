package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/diewo77/go-jobshop/internal/models"
	"gorm.io/gorm"
)

// SyncResult counts the writes performed by one reconciliation pass.
type SyncResult struct {
	Created     int `json:"created"`
	Activated   int `json:"activated"`
	Deactivated int `json:"deactivated"`
	Corrected   int `json:"corrected"`
}

// Writes is the total number of rows touched.
func (r SyncResult) Writes() int {
	return r.Created + r.Activated + r.Deactivated + r.Corrected
}

func (r *SyncResult) add(o SyncResult) {
	r.Created += o.Created
	r.Activated += o.Activated
	r.Deactivated += o.Deactivated
	r.Corrected += o.Corrected
}

// ChecklistSynchronizer keeps the checklist of an order in agreement with its
// charge ledger. Every LABOR or ADDON charge on a part has exactly one active
// checklist row whose completed flag mirrors the charge's CompletedAt.
type ChecklistSynchronizer struct {
	db      *gorm.DB
	log     *slog.Logger
	metrics *Metrics
}

func NewChecklistSynchronizer(db *gorm.DB, logger *slog.Logger, metrics *Metrics) *ChecklistSynchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChecklistSynchronizer{db: db, log: logger, metrics: metrics}
}

// Sync reconciles one order in its own transaction.
func (s *ChecklistSynchronizer) Sync(ctx context.Context, orderID string) (SyncResult, error) {
	var res SyncResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = s.syncTx(tx, orderID)
		return err
	})
	if err != nil {
		return SyncResult{}, err
	}
	s.metrics.syncWrites(res)
	if res.Writes() > 0 {
		s.log.Debug("checklist synchronized", "order_id", orderID,
			"created", res.Created, "activated", res.Activated,
			"deactivated", res.Deactivated, "corrected", res.Corrected)
	}
	return res, nil
}

// SyncAll reconciles every order, one transaction per order.
func (s *ChecklistSynchronizer) SyncAll(ctx context.Context) (SyncResult, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&models.Order{}).Order("created_at").Pluck("id", &ids).Error; err != nil {
		return SyncResult{}, err
	}
	var total SyncResult
	for _, id := range ids {
		res, err := s.Sync(ctx, id)
		if err != nil {
			return total, err
		}
		total.add(res)
	}
	return total, nil
}

// syncTx runs create, activate, deactivate and completion sync, in that
// order, inside tx.
func (s *ChecklistSynchronizer) syncTx(tx *gorm.DB, orderID string) (SyncResult, error) {
	var res SyncResult

	var charges []models.OrderCharge
	if err := tx.Where("order_id = ?", orderID).Order("sort_order, created_at, id").Find(&charges).Error; err != nil {
		return res, err
	}
	var rows []models.OrderChecklist
	if err := tx.Where("order_id = ? AND charge_id IS NOT NULL", orderID).Order("created_at, id").Find(&rows).Error; err != nil {
		return res, err
	}

	chargeKeys := make(map[string]*models.OrderCharge, len(charges))
	for i := range charges {
		if charges[i].TracksWork() {
			chargeKeys[charges[i].ID] = &charges[i]
		}
	}
	byCharge := make(map[string][]*models.OrderChecklist, len(rows))
	for i := range rows {
		id := *rows[i].ChargeID
		byCharge[id] = append(byCharge[id], &rows[i])
	}

	// Create.
	var creates []models.OrderChecklist
	for i := range charges {
		c := &charges[i]
		if _, ok := chargeKeys[c.ID]; !ok || len(byCharge[c.ID]) > 0 {
			continue
		}
		creates = append(creates, checklistRowFor(c))
	}
	if len(creates) > 0 {
		if err := tx.Create(&creates).Error; err != nil {
			return res, err
		}
		res.Created = len(creates)
	}

	// The oldest active row of a charge is its primary; with none active, the
	// oldest row is. Any other active row for the same charge is a duplicate.
	primary := make(map[string]*models.OrderChecklist, len(byCharge))
	for id, group := range byCharge {
		p := group[0]
		for _, r := range group {
			if r.IsActive {
				p = r
				break
			}
		}
		primary[id] = p
	}

	// Activate.
	var activate []string
	for id, p := range primary {
		if _, ok := chargeKeys[id]; ok && !p.IsActive {
			activate = append(activate, p.ID)
			p.IsActive = true
		}
	}
	if len(activate) > 0 {
		if err := setActive(tx, activate, true); err != nil {
			return res, err
		}
		res.Activated = len(activate)
	}

	// Deactivate.
	var deactivate []string
	for id, group := range byCharge {
		_, live := chargeKeys[id]
		for _, r := range group {
			if r.IsActive && (!live || r != primary[id]) {
				deactivate = append(deactivate, r.ID)
				r.IsActive = false
			}
		}
	}
	if len(deactivate) > 0 {
		if err := setActive(tx, deactivate, false); err != nil {
			return res, err
		}
		res.Deactivated = len(deactivate)
	}

	// Completion sync, which also realigns the completion stamp and the
	// denormalized routing columns when a charge was retargeted.
	for id, c := range chargeKeys {
		p, ok := primary[id]
		if !ok {
			continue
		}
		done := c.IsCompleted()
		if p.Completed == done &&
			sameTime(p.CompletedAt, c.CompletedAt) &&
			models.SameID(p.PartID, c.PartID) &&
			models.SameID(p.DepartmentID, c.DepartmentID) &&
			models.SameID(p.AddonID, c.AddonID) {
			continue
		}
		updates := map[string]any{
			"completed":     done,
			"completed_at":  c.CompletedAt,
			"part_id":       c.PartID,
			"department_id": c.DepartmentID,
			"addon_id":      c.AddonID,
		}
		if err := tx.Model(&models.OrderChecklist{}).Where("id = ?", p.ID).Updates(updates).Error; err != nil {
			return res, err
		}
		res.Corrected++
	}

	return res, nil
}

func checklistRowFor(c *models.OrderCharge) models.OrderChecklist {
	id := c.ID
	return models.OrderChecklist{
		OrderID:      c.OrderID,
		ChargeID:     &id,
		PartID:       c.PartID,
		DepartmentID: c.DepartmentID,
		AddonID:      c.AddonID,
		IsActive:     true,
		Completed:    c.IsCompleted(),
		CompletedAt:  c.CompletedAt,
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func setActive(tx *gorm.DB, ids []string, active bool) error {
	return tx.Model(&models.OrderChecklist{}).Where("id IN ?", ids).Update("is_active", active).Error
}

// CreateAddonChecklistEntries adds checklist rows for checklist-only addons on
// a part. These rows have no charge; they are keyed by (part, addon). Existing
// pairs are reactivated rather than duplicated. It returns the number of rows
// written.
func (s *ChecklistSynchronizer) CreateAddonChecklistEntries(tx *gorm.DB, orderID, partID string, addonIDs []string) (int, error) {
	ids := uniqueStrings(addonIDs)
	if len(ids) == 0 {
		return 0, nil
	}
	var addons []models.Addon
	if err := tx.Where("id IN ?", ids).Find(&addons).Error; err != nil {
		return 0, err
	}
	if len(addons) != len(ids) {
		return 0, notFound("one or more checklist addons do not exist")
	}
	for _, a := range addons {
		if !a.IsChecklistOnly() {
			return 0, invalid("addon %q is not a checklist-only addon", a.Name)
		}
	}

	var existing []models.OrderChecklist
	if err := tx.Where("order_id = ? AND part_id = ? AND charge_id IS NULL AND addon_id IN ?", orderID, partID, ids).
		Find(&existing).Error; err != nil {
		return 0, err
	}
	have := make(map[string]models.OrderChecklist, len(existing))
	for _, r := range existing {
		have[models.Deref(r.AddonID)] = r
	}

	written := 0
	var reactivate []string
	var creates []models.OrderChecklist
	for _, a := range addons {
		if r, ok := have[a.ID]; ok {
			if !r.IsActive {
				reactivate = append(reactivate, r.ID)
			}
			continue
		}
		pid, aid := partID, a.ID
		creates = append(creates, models.OrderChecklist{
			OrderID:      orderID,
			PartID:       &pid,
			AddonID:      &aid,
			DepartmentID: a.DepartmentID,
			IsActive:     true,
		})
	}
	if len(creates) > 0 {
		if err := tx.Create(&creates).Error; err != nil {
			return 0, err
		}
		written += len(creates)
	}
	if len(reactivate) > 0 {
		if err := setActive(tx, reactivate, true); err != nil {
			return 0, err
		}
		written += len(reactivate)
	}
	return written, nil
}

// deactivatePartRows retires every checklist row of a part that is being removed.
func deactivatePartRows(tx *gorm.DB, orderID, partID string) error {
	return tx.Model(&models.OrderChecklist{}).
		Where("order_id = ? AND part_id = ? AND is_active = ?", orderID, partID, true).
		Update("is_active", false).Error
}

// setRowCompletion toggles a checklist row that has no charge behind it.
func setRowCompletion(tx *gorm.DB, row *models.OrderChecklist, completed bool, actor string, now time.Time) error {
	updates := map[string]any{"completed": completed}
	if completed {
		updates["completed_at"] = now
		updates["completed_by"] = actor
	} else {
		updates["completed_at"] = nil
		updates["completed_by"] = ""
	}
	return tx.Model(&models.OrderChecklist{}).Where("id = ?", row.ID).Updates(updates).Error
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
