package services

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/diewo77/go-jobshop/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// A single connection keeps the shared in-memory database alive.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type fixture struct {
	db      *gorm.DB
	metrics *Metrics
	sync    *ChecklistSynchronizer
	router  *DepartmentRouter
	ledger  *ChargeLedger
	orders  *OrderService

	machining models.Department
	finishing models.Department
	shipping  models.Department
	customer  models.Customer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	f := &fixture{db: db, metrics: NewMetrics(nil)}
	f.sync = NewChecklistSynchronizer(db, nil, f.metrics)
	f.router = NewDepartmentRouter(db, nil, f.metrics)
	f.ledger = NewChargeLedger(db, f.sync, f.router, nil, f.metrics)
	f.orders = NewOrderService(db, f.sync, f.router, nil, f.metrics)

	f.machining = models.Department{Name: "Machining", SortOrder: 0, IsActive: true}
	f.finishing = models.Department{Name: "Finishing", SortOrder: 1, IsActive: true}
	f.shipping = models.Department{Name: "Shipping", SortOrder: 2, IsActive: true}
	for _, d := range []*models.Department{&f.machining, &f.finishing, &f.shipping} {
		require.NoError(t, db.Create(d).Error)
	}
	f.customer = models.Customer{Name: "Acme Corp"}
	require.NoError(t, db.Create(&f.customer).Error)
	return f
}

// newOrder creates an order with n parts through OrderService.
func (f *fixture) newOrder(t *testing.T, n int) *models.Order {
	t.Helper()
	parts := make([]PartInput, n)
	for i := range parts {
		parts[i] = PartInput{PartNumber: fmt.Sprintf("P%d", i+1), Quantity: 1}
	}
	o, err := f.orders.CreateOrder(context.Background(), CreateOrderInput{
		Business:   "MS",
		CustomerID: f.customer.ID,
		Parts:      parts,
		Actor:      "tester",
	})
	require.NoError(t, err)
	require.Len(t, o.Parts, n)
	return o
}

func (f *fixture) charge(t *testing.T, orderID string, kind models.ChargeKind, partID, deptID *string, completed bool) *models.OrderCharge {
	t.Helper()
	c, err := f.ledger.CreateCharge(context.Background(), orderID, CreateChargeInput{
		PartID:       partID,
		Kind:         kind,
		DepartmentID: deptID,
		Quantity:     decimal.NewFromInt(1),
		UnitPrice:    decimal.RequireFromString("85.00"),
		Billable:     true,
		Completed:    completed,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) part(t *testing.T, partID string) models.OrderPart {
	t.Helper()
	var p models.OrderPart
	require.NoError(t, f.db.First(&p, "id = ?", partID).Error)
	return p
}

func (f *fixture) rowsForCharge(t *testing.T, chargeID string) []models.OrderChecklist {
	t.Helper()
	var rows []models.OrderChecklist
	require.NoError(t, f.db.Where("charge_id = ?", chargeID).Order("created_at").Find(&rows).Error)
	return rows
}

// assertChecklistInvariant checks that every LABOR or ADDON charge on a part
// has exactly one active row and that the row's completion matches.
func assertChecklistInvariant(t *testing.T, db *gorm.DB, orderID string) {
	t.Helper()
	var charges []models.OrderCharge
	require.NoError(t, db.Where("order_id = ?", orderID).Find(&charges).Error)
	var rows []models.OrderChecklist
	require.NoError(t, db.Where("order_id = ? AND charge_id IS NOT NULL AND is_active = ?", orderID, true).Find(&rows).Error)

	active := map[string][]models.OrderChecklist{}
	for _, r := range rows {
		active[*r.ChargeID] = append(active[*r.ChargeID], r)
	}
	relevant := 0
	for _, c := range charges {
		if !c.TracksWork() {
			require.Empty(t, active[c.ID], "charge %s should not have a checklist row", c.ID)
			continue
		}
		relevant++
		require.Len(t, active[c.ID], 1, "charge %s", c.ID)
		r := active[c.ID][0]
		require.Equal(t, c.IsCompleted(), r.Completed, "charge %s completion", c.ID)
		require.True(t, models.SameID(c.DepartmentID, r.DepartmentID), "charge %s department", c.ID)
	}
	require.Len(t, rows, relevant)
}

func ptr[T any](v T) *T { return &v }

func at(day int) time.Time {
	return time.Date(2026, 4, day, 12, 0, 0, 0, time.UTC)
}
