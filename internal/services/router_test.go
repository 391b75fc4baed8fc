package services

import (
	"context"
	"testing"

	"github.com/diewo77/go-jobshop/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPartReadyForDepartment(t *testing.T) {
	dept1, dept2 := "dept-1", "dept-2"
	tests := []struct {
		name    string
		current *string
		entry   models.OrderChecklist
		want    bool
	}{
		{"active incomplete entry", &dept1, models.OrderChecklist{DepartmentID: &dept1, IsActive: true}, true},
		{"entry completed", &dept1, models.OrderChecklist{DepartmentID: &dept1, IsActive: true, Completed: true}, false},
		{"entry inactive", &dept1, models.OrderChecklist{DepartmentID: &dept1}, false},
		{"part elsewhere", &dept2, models.OrderChecklist{DepartmentID: &dept1, IsActive: true}, false},
		{"part unrouted", nil, models.OrderChecklist{DepartmentID: &dept1, IsActive: true}, false},
		{"entry for another department", &dept1, models.OrderChecklist{DepartmentID: &dept2, IsActive: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			part := &models.OrderPart{CurrentDepartmentID: tt.current}
			got := IsPartReadyForDepartment(part, []models.OrderChecklist{tt.entry}, dept1)
			assert.Equal(t, tt.want, got)
		})
	}

	part := &models.OrderPart{CurrentDepartmentID: &dept1}
	assert.False(t, IsPartReadyForDepartment(part, nil, dept1), "no entries at all")
	assert.False(t, IsPartReadyForDepartment(nil, nil, dept1))
}

func TestInitialDepartment(t *testing.T) {
	depts := []models.Department{{Base: models.Base{ID: "m"}}, {Base: models.Base{ID: "f"}}}
	f, m := "f", "m"

	id, ok := InitialDepartment(depts, []models.OrderChecklist{
		{DepartmentID: &f, IsActive: true},
		{DepartmentID: &m, IsActive: true, Completed: true},
	})
	assert.True(t, ok)
	assert.Equal(t, "f", id)

	_, ok = InitialDepartment(depts, []models.OrderChecklist{{DepartmentID: &m, IsActive: true, Completed: true}})
	assert.False(t, ok)
}

func TestAssignInitialDepartment_FirstDepartmentWithOpenWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.newOrder(t, 1)
	part := o.Parts[0].ID

	f.charge(t, o.ID, models.ChargeKindAddon, &part, &f.finishing.ID, true)
	assert.Nil(t, f.part(t, part).CurrentDepartmentID, "completed work does not route")

	f.charge(t, o.ID, models.ChargeKindLabor, &part, &f.machining.ID, false)
	assert.Equal(t, f.machining.ID, models.Deref(f.part(t, part).CurrentDepartmentID))

	// Same result from the explicit initializer on a cleared part.
	require.NoError(t, f.db.Model(&models.OrderPart{}).Where("id = ?", part).Update("current_department_id", nil).Error)
	dept, err := f.router.AssignInitialDepartment(ctx, part)
	require.NoError(t, err)
	assert.Equal(t, f.machining.ID, models.Deref(dept))
}

func TestAssignInitialDepartment_NoOpenWork(t *testing.T) {
	f := newFixture(t)
	o := f.newOrder(t, 1)

	dept, err := f.router.AssignInitialDepartment(context.Background(), o.Parts[0].ID)
	require.NoError(t, err)
	assert.Nil(t, dept)

	_, err = f.router.AssignInitialDepartment(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAssignInitialDepartment_SkipsInactiveDepartments(t *testing.T) {
	f := newFixture(t)
	o := f.newOrder(t, 1)
	part := o.Parts[0].ID
	require.NoError(t, f.db.Model(&models.Department{}).Where("id = ?", f.machining.ID).Update("is_active", false).Error)

	f.charge(t, o.ID, models.ChargeKindLabor, &part, &f.machining.ID, false)
	f.charge(t, o.ID, models.ChargeKindLabor, &part, &f.shipping.ID, false)
	assert.Equal(t, f.shipping.ID, models.Deref(f.part(t, part).CurrentDepartmentID))
}

func TestBackfillDepartments(t *testing.T) {
	f := newFixture(t)
	o := f.newOrder(t, 2)
	p1, p2 := o.Parts[0].ID, o.Parts[1].ID
	f.charge(t, o.ID, models.ChargeKindLabor, &p1, &f.finishing.ID, false)
	require.NoError(t, f.db.Model(&models.OrderPart{}).Where("order_id = ?", o.ID).Update("current_department_id", nil).Error)

	n, err := f.router.BackfillDepartments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, f.finishing.ID, models.Deref(f.part(t, p1).CurrentDepartmentID))
	assert.Nil(t, f.part(t, p2).CurrentDepartmentID)
}

// routedOrder returns an order whose two parts both sit in Machining.
func routedOrder(t *testing.T, f *fixture) (*models.Order, string, string) {
	t.Helper()
	o := f.newOrder(t, 2)
	p1, p2 := o.Parts[0].ID, o.Parts[1].ID
	f.charge(t, o.ID, models.ChargeKindLabor, &p1, &f.machining.ID, false)
	f.charge(t, o.ID, models.ChargeKindLabor, &p2, &f.machining.ID, false)
	require.Equal(t, f.machining.ID, models.Deref(f.part(t, p1).CurrentDepartmentID))
	require.Equal(t, f.machining.ID, models.Deref(f.part(t, p2).CurrentDepartmentID))
	return o, p1, p2
}

func TestTransitionPartsDepartment_AllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, p1, p2 := routedOrder(t, f)

	res, err := f.router.TransitionPartsDepartment(ctx, TransitionInput{
		OrderID:          o.ID,
		PartIDs:          []string{p1, p2},
		FromDepartmentID: &f.machining.ID,
		ToDepartmentID:   f.finishing.ID,
		Actor:            "op-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Moved)
	assert.Equal(t, f.finishing.ID, models.Deref(f.part(t, p1).CurrentDepartmentID))
	assert.Equal(t, f.finishing.ID, models.Deref(f.part(t, p2).CurrentDepartmentID))

	var h models.StatusHistory
	require.NoError(t, f.db.First(&h, "id = ?", res.HistoryID).Error)
	assert.Equal(t, "op-1", h.ActorID)
	assert.Equal(t, "Moved 2 part(s) from Machining to Finishing", h.Reason)

	// A late request based on stale state must fail and write nothing.
	_, err = f.router.TransitionPartsDepartment(ctx, TransitionInput{
		OrderID:          o.ID,
		PartIDs:          []string{p1},
		FromDepartmentID: &f.machining.ID,
		ToDepartmentID:   f.shipping.ID,
		Actor:            "op-2",
	})
	assert.ErrorIs(t, err, ErrPreconditionFailed)
	assert.Equal(t, f.finishing.ID, models.Deref(f.part(t, p1).CurrentDepartmentID))

	var count int64
	require.NoError(t, f.db.Model(&models.StatusHistory{}).Where("order_id = ? AND actor_id = ?", o.ID, "op-2").Count(&count).Error)
	assert.Zero(t, count)
}

func TestTransitionPartsDepartment_MixedSourcesMoveNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, p1, p2 := routedOrder(t, f)
	require.NoError(t, f.db.Model(&models.OrderPart{}).Where("id = ?", p2).Update("current_department_id", f.finishing.ID).Error)

	_, err := f.router.TransitionPartsDepartment(ctx, TransitionInput{
		OrderID:          o.ID,
		PartIDs:          []string{p1, p2},
		FromDepartmentID: &f.machining.ID,
		ToDepartmentID:   f.shipping.ID,
	})
	assert.ErrorIs(t, err, ErrPreconditionFailed)
	assert.Equal(t, f.machining.ID, models.Deref(f.part(t, p1).CurrentDepartmentID))
	assert.Equal(t, f.finishing.ID, models.Deref(f.part(t, p2).CurrentDepartmentID))
}

func TestTransitionPartsDepartment_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, p1, _ := routedOrder(t, f)
	other := f.newOrder(t, 1)

	inactive := models.Department{Name: "Retired", SortOrder: 9}
	require.NoError(t, f.db.Create(&inactive).Error)

	tests := []struct {
		name string
		in   TransitionInput
		want error
	}{
		{"no parts", TransitionInput{OrderID: o.ID, ToDepartmentID: f.finishing.ID}, ErrValidation},
		{"same department", TransitionInput{OrderID: o.ID, PartIDs: []string{p1}, FromDepartmentID: &f.machining.ID, ToDepartmentID: f.machining.ID}, ErrValidation},
		{"unknown order", TransitionInput{OrderID: "missing", PartIDs: []string{p1}, ToDepartmentID: f.finishing.ID}, ErrNotFound},
		{"unknown target", TransitionInput{OrderID: o.ID, PartIDs: []string{p1}, ToDepartmentID: "missing"}, ErrNotFound},
		{"inactive target", TransitionInput{OrderID: o.ID, PartIDs: []string{p1}, FromDepartmentID: &f.machining.ID, ToDepartmentID: inactive.ID}, ErrPreconditionFailed},
		{"part of another order", TransitionInput{OrderID: o.ID, PartIDs: []string{other.Parts[0].ID}, ToDepartmentID: f.finishing.ID}, ErrNotFound},
		{"stated unassigned but routed", TransitionInput{OrderID: o.ID, PartIDs: []string{p1}, ToDepartmentID: f.finishing.ID}, ErrPreconditionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.router.TransitionPartsDepartment(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestTransitionPartsDepartment_FromUnassigned(t *testing.T) {
	f := newFixture(t)
	o := f.newOrder(t, 1)
	part := o.Parts[0].ID

	res, err := f.router.TransitionPartsDepartment(context.Background(), TransitionInput{
		OrderID:        o.ID,
		PartIDs:        []string{part},
		ToDepartmentID: f.shipping.ID,
		Reason:         "walk-in",
	})
	require.NoError(t, err)
	assert.Equal(t, unassignedLabel, res.FromDepartment)
	assert.Equal(t, f.shipping.ID, models.Deref(f.part(t, part).CurrentDepartmentID))
}

func TestTransitionMetrics(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	f.router.metrics = NewMetrics(reg)
	o, p1, _ := routedOrder(t, f)

	in := TransitionInput{OrderID: o.ID, PartIDs: []string{p1}, FromDepartmentID: &f.machining.ID, ToDepartmentID: f.finishing.ID}
	_, err := f.router.TransitionPartsDepartment(context.Background(), in)
	require.NoError(t, err)
	_, err = f.router.TransitionPartsDepartment(context.Background(), in)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.router.metrics.transitions.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.router.metrics.transitions.WithLabelValues("error")))
}

func TestDepartmentFeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	late := f.newOrder(t, 1)
	early := f.newOrder(t, 2)
	undated := f.newOrder(t, 1)
	require.NoError(t, f.db.Model(&models.Order{}).Where("id = ?", late.ID).Update("due_date", at(20)).Error)
	require.NoError(t, f.db.Model(&models.Order{}).Where("id = ?", early.ID).Update("due_date", at(5)).Error)

	for _, o := range []*models.Order{late, early, undated} {
		for _, p := range o.Parts {
			f.charge(t, o.ID, models.ChargeKindLabor, ptr(p.ID), &f.machining.ID, false)
		}
	}
	// A part parked in Machining with nothing left to do stays off the feed.
	var row models.OrderChecklist
	require.NoError(t, f.db.First(&row, "part_id = ?", early.Parts[1].ID).Error)
	_, err := f.ledger.ToggleChecklistItem(ctx, early.ID, row.ID, true, "op")
	require.NoError(t, err)
	require.Equal(t, f.machining.ID, models.Deref(f.part(t, early.Parts[1].ID).CurrentDepartmentID))

	feed, err := f.router.DepartmentFeed(ctx, f.machining.ID)
	require.NoError(t, err)
	require.Len(t, feed, 3)
	assert.Equal(t, early.ID, feed[0].OrderID)
	assert.Equal(t, 1, feed[0].ReadyPartsCount)
	assert.Equal(t, "Acme Corp", feed[0].CustomerName)
	assert.Equal(t, late.ID, feed[1].OrderID)
	assert.Equal(t, undated.ID, feed[2].OrderID)

	feed, err = f.router.DepartmentFeed(ctx, f.finishing.ID)
	require.NoError(t, err)
	assert.Empty(t, feed)

	_, err = f.router.DepartmentFeed(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
