package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/diewo77/go-jobshop/internal/models"
	"gorm.io/gorm"
)

// DepartmentRouter decides which department a part occupies and moves parts
// between departments on operator request.
type DepartmentRouter struct {
	db      *gorm.DB
	log     *slog.Logger
	metrics *Metrics
}

func NewDepartmentRouter(db *gorm.DB, logger *slog.Logger, metrics *Metrics) *DepartmentRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DepartmentRouter{db: db, log: logger, metrics: metrics}
}

// IsPartReadyForDepartment reports whether the part sits in departmentID and
// still has at least one active, incomplete checklist entry there. Entries
// that name a different part are ignored.
func IsPartReadyForDepartment(part *models.OrderPart, checklist []models.OrderChecklist, departmentID string) bool {
	if part == nil || part.CurrentDepartmentID == nil || *part.CurrentDepartmentID != departmentID {
		return false
	}
	for i := range checklist {
		c := &checklist[i]
		if c.PartID != nil && *c.PartID != part.ID {
			continue
		}
		if models.Deref(c.DepartmentID) == departmentID && c.IsReady() {
			return true
		}
	}
	return false
}

// InitialDepartment walks departments in the given order and returns the first
// one holding outstanding work in checklist. ok is false when nothing is
// outstanding anywhere.
func InitialDepartment(departments []models.Department, checklist []models.OrderChecklist) (id string, ok bool) {
	pending := make(map[string]bool, len(checklist))
	for i := range checklist {
		if checklist[i].IsReady() && checklist[i].DepartmentID != nil {
			pending[*checklist[i].DepartmentID] = true
		}
	}
	for _, d := range departments {
		if pending[d.ID] {
			return d.ID, true
		}
	}
	return "", false
}

func activeDepartments(tx *gorm.DB) ([]models.Department, error) {
	var depts []models.Department
	if err := tx.Where("is_active = ?", true).Find(&depts).Error; err != nil {
		return nil, err
	}
	models.SortDepartments(depts)
	return depts, nil
}

// assignInitialTx routes every unrouted part among partIDs. Parts that already
// have a department are left alone. It returns how many parts were assigned.
func (r *DepartmentRouter) assignInitialTx(tx *gorm.DB, partIDs []string) (int, error) {
	if len(partIDs) == 0 {
		return 0, nil
	}
	var parts []models.OrderPart
	if err := tx.Where("id IN ? AND current_department_id IS NULL", partIDs).Find(&parts).Error; err != nil {
		return 0, err
	}
	if len(parts) == 0 {
		return 0, nil
	}
	depts, err := activeDepartments(tx)
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(parts))
	for i, p := range parts {
		ids[i] = p.ID
	}
	var rows []models.OrderChecklist
	if err := tx.Where("part_id IN ? AND is_active = ? AND completed = ?", ids, true, false).Find(&rows).Error; err != nil {
		return 0, err
	}
	byPart := make(map[string][]models.OrderChecklist, len(parts))
	for _, row := range rows {
		byPart[*row.PartID] = append(byPart[*row.PartID], row)
	}

	assigned := 0
	for _, p := range parts {
		deptID, ok := InitialDepartment(depts, byPart[p.ID])
		if !ok {
			continue
		}
		res := tx.Model(&models.OrderPart{}).
			Where("id = ? AND current_department_id IS NULL", p.ID).
			Update("current_department_id", deptID)
		if res.Error != nil {
			return assigned, res.Error
		}
		assigned += int(res.RowsAffected)
	}
	return assigned, nil
}

// reinitOrderTx routes the unrouted parts of one order.
func (r *DepartmentRouter) reinitOrderTx(tx *gorm.DB, orderID string) (int, error) {
	var ids []string
	if err := tx.Model(&models.OrderPart{}).
		Where("order_id = ? AND current_department_id IS NULL", orderID).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	return r.assignInitialTx(tx, ids)
}

// AssignInitialDepartment routes a single part and returns its department,
// which is nil when the part has no outstanding work.
func (r *DepartmentRouter) AssignInitialDepartment(ctx context.Context, partID string) (*string, error) {
	var part models.OrderPart
	var assigned int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&part, "id = ?", partID).Error; err != nil {
			return lookup(err, "part %s", partID)
		}
		if part.IsRouted() {
			return nil
		}
		n, err := r.assignInitialTx(tx, []string{partID})
		if err != nil {
			return err
		}
		assigned = n
		return tx.First(&part, "id = ?", partID).Error
	})
	if err != nil {
		return nil, err
	}
	r.metrics.routed(assigned)
	return part.CurrentDepartmentID, nil
}

const backfillBatch = 500

// BackfillDepartments runs the initializer over every part that has no
// department yet and returns the number of parts assigned.
func (r *DepartmentRouter) BackfillDepartments(ctx context.Context) (int, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&models.OrderPart{}).
		Where("current_department_id IS NULL").
		Order("created_at").
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	total := 0
	for start := 0; start < len(ids); start += backfillBatch {
		end := min(start+backfillBatch, len(ids))
		var n int
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			n, err = r.assignInitialTx(tx, ids[start:end])
			return err
		})
		if err != nil {
			return total, err
		}
		total += n
	}
	r.metrics.routed(total)
	r.log.Info("department backfill finished", "candidates", len(ids), "assigned", total)
	return total, nil
}

// TransitionInput moves PartIDs of one order from FromDepartmentID to
// ToDepartmentID. A nil FromDepartmentID means the parts are unassigned.
type TransitionInput struct {
	OrderID          string   `json:"order_id"`
	PartIDs          []string `json:"part_ids"`
	FromDepartmentID *string  `json:"from_department_id"`
	ToDepartmentID   string   `json:"to_department_id"`
	Reason           string   `json:"reason,omitempty"`
	Actor            string   `json:"-"`
}

// TransitionResult describes a completed move.
type TransitionResult struct {
	Moved          int    `json:"moved"`
	FromDepartment string `json:"from_department"`
	ToDepartment   string `json:"to_department"`
	HistoryID      string `json:"history_id"`
}

const unassignedLabel = "Unassigned"

// TransitionPartsDepartment moves all named parts or none. Every part must
// currently sit in FromDepartmentID; the update re-checks that condition so
// two operators racing on the same parts cannot both succeed.
func (r *DepartmentRouter) TransitionPartsDepartment(ctx context.Context, in TransitionInput) (res *TransitionResult, err error) {
	defer func() { r.metrics.transition(err) }()

	partIDs := uniqueStrings(in.PartIDs)
	switch {
	case in.OrderID == "":
		return nil, invalid("order id is required")
	case len(partIDs) == 0:
		return nil, invalid("at least one part is required")
	case in.ToDepartmentID == "":
		return nil, invalid("target department is required")
	case in.FromDepartmentID != nil && *in.FromDepartmentID == in.ToDepartmentID:
		return nil, invalid("parts are already in the target department")
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.Order
		if err := tx.First(&order, "id = ?", in.OrderID).Error; err != nil {
			return lookup(err, "order %s", in.OrderID)
		}
		var to models.Department
		if err := tx.First(&to, "id = ?", in.ToDepartmentID).Error; err != nil {
			return lookup(err, "department %s", in.ToDepartmentID)
		}
		if !to.IsActive {
			return precondition("department %s is not active", to.Name)
		}
		fromLabel := unassignedLabel
		if in.FromDepartmentID != nil {
			var from models.Department
			if err := tx.First(&from, "id = ?", *in.FromDepartmentID).Error; err != nil {
				return lookup(err, "department %s", *in.FromDepartmentID)
			}
			fromLabel = from.Name
		}

		var parts []models.OrderPart
		if err := tx.Where("id IN ? AND order_id = ?", partIDs, in.OrderID).Find(&parts).Error; err != nil {
			return err
		}
		if len(parts) != len(partIDs) {
			return notFound("one or more parts do not belong to order %s", order.OrderNumber)
		}
		for _, p := range parts {
			if !models.SameID(p.CurrentDepartmentID, in.FromDepartmentID) {
				return precondition("part %s is not in department %s", partLabel(p), fromLabel)
			}
		}

		q := tx.Model(&models.OrderPart{}).Where("id IN ? AND order_id = ?", partIDs, in.OrderID)
		if in.FromDepartmentID == nil {
			q = q.Where("current_department_id IS NULL")
		} else {
			q = q.Where("current_department_id = ?", *in.FromDepartmentID)
		}
		upd := q.Update("current_department_id", to.ID)
		if upd.Error != nil {
			return upd.Error
		}
		if int(upd.RowsAffected) != len(partIDs) {
			return precondition("parts moved concurrently; expected %d, updated %d", len(partIDs), upd.RowsAffected)
		}

		reason := fmt.Sprintf("Moved %d part(s) from %s to %s", len(partIDs), fromLabel, to.Name)
		if s := strings.TrimSpace(in.Reason); s != "" {
			reason += ": " + s
		}
		h := models.StatusHistory{
			OrderID:    order.ID,
			FromStatus: order.Status,
			ToStatus:   order.Status,
			Reason:     reason,
			ActorID:    in.Actor,
		}
		if err := tx.Create(&h).Error; err != nil {
			return err
		}
		res = &TransitionResult{Moved: len(partIDs), FromDepartment: fromLabel, ToDepartment: to.Name, HistoryID: h.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("parts transitioned", "order_id", in.OrderID, "actor", in.Actor,
		"parts", res.Moved, "from", res.FromDepartment, "to", res.ToDepartment)
	return res, nil
}

func partLabel(p models.OrderPart) string {
	if p.PartNumber != "" {
		return p.PartNumber
	}
	return p.ID
}

// FeedOrder groups the ready parts of one order on a department feed.
type FeedOrder struct {
	OrderID         string               `json:"order_id"`
	OrderNumber     string               `json:"order_number"`
	Priority        models.OrderPriority `json:"priority"`
	DueDate         *time.Time           `json:"due_date,omitempty"`
	CustomerName    string               `json:"customer_name"`
	ReadyPartsCount int                  `json:"ready_parts_count"`
	Parts           []models.OrderPart   `json:"parts"`
}

// DepartmentFeed lists parts sitting in a department that still have ready
// work there, grouped by order and sorted by due date. Orders without a due
// date come last. Parts with nothing ready are left out even though they are
// physically in the department.
func (r *DepartmentRouter) DepartmentFeed(ctx context.Context, departmentID string) ([]FeedOrder, error) {
	db := r.db.WithContext(ctx)
	var dept models.Department
	if err := db.First(&dept, "id = ?", departmentID).Error; err != nil {
		return nil, lookup(err, "department %s", departmentID)
	}

	var parts []models.OrderPart
	if err := db.Where("current_department_id = ?", departmentID).Order("created_at, id").Find(&parts).Error; err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return []FeedOrder{}, nil
	}
	partIDs := make([]string, len(parts))
	for i, p := range parts {
		partIDs[i] = p.ID
	}
	var rows []models.OrderChecklist
	if err := db.Where("part_id IN ? AND department_id = ? AND is_active = ?", partIDs, departmentID, true).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	byPart := make(map[string][]models.OrderChecklist, len(parts))
	for _, row := range rows {
		byPart[*row.PartID] = append(byPart[*row.PartID], row)
	}

	ready := make(map[string][]models.OrderPart)
	var orderIDs []string
	for i := range parts {
		p := &parts[i]
		if !IsPartReadyForDepartment(p, byPart[p.ID], departmentID) {
			continue
		}
		if _, seen := ready[p.OrderID]; !seen {
			orderIDs = append(orderIDs, p.OrderID)
		}
		ready[p.OrderID] = append(ready[p.OrderID], *p)
	}
	if len(orderIDs) == 0 {
		return []FeedOrder{}, nil
	}

	var orders []models.Order
	if err := db.Preload("Customer").Where("id IN ?", orderIDs).Find(&orders).Error; err != nil {
		return nil, err
	}
	feed := make([]FeedOrder, 0, len(orders))
	for _, o := range orders {
		f := FeedOrder{
			OrderID:         o.ID,
			OrderNumber:     o.OrderNumber,
			Priority:        o.Priority,
			DueDate:         o.DueDate,
			ReadyPartsCount: len(ready[o.ID]),
			Parts:           ready[o.ID],
		}
		if o.Customer != nil {
			f.CustomerName = o.Customer.Name
		}
		feed = append(feed, f)
	}
	sort.SliceStable(feed, func(i, j int) bool {
		a, b := feed[i].DueDate, feed[j].DueDate
		switch {
		case a == nil && b == nil:
			return feed[i].OrderNumber < feed[j].OrderNumber
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.Before(*b)
		}
		return feed[i].OrderNumber < feed[j].OrderNumber
	})
	return feed, nil
}
