package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/diewo77/go-jobshop/internal/models"
	"github.com/diewo77/go-jobshop/internal/storage/mocks"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"gorm.io/datatypes"
)

type staticSettings struct {
	requireApproval bool
	err             error
}

func (s staticSettings) RequireApprovalBeforeConversion(context.Context) (bool, error) {
	return s.requireApproval, s.err
}

type quoteFixture struct {
	quote     models.Quote
	part1     models.QuotePart
	part2     models.QuotePart
	anodize   models.Addon
	deburr    models.Addon
	noDept    models.Addon
	drawing   models.QuoteAttachment
	reference models.QuoteAttachment
}

// seedQuote stores a quote with two parts, three part-level selections (one
// for an addon without a department), one legacy order-level selection, one
// vendor item, a stored file and a URL attachment.
func seedQuote(t *testing.T, f *fixture) *quoteFixture {
	t.Helper()
	q := &quoteFixture{}
	q.anodize = models.Addon{Name: "Anodize", AffectsPrice: true, DepartmentID: &f.finishing.ID, IsActive: true}
	q.deburr = models.Addon{Name: "Deburr", AffectsPrice: true, DepartmentID: &f.machining.ID, IsActive: true}
	q.noDept = models.Addon{Name: "Rush handling", AffectsPrice: true, IsActive: true}
	for _, a := range []*models.Addon{&q.anodize, &q.deburr, &q.noDept} {
		require.NoError(t, f.db.Create(a).Error)
	}

	q.quote = models.Quote{
		QuoteNumber:       "Q-1001",
		Business:          "MS",
		CustomerID:        &f.customer.ID,
		Priority:          models.PriorityHigh,
		DueDate:           ptr(at(15)),
		Notes:             "Customer supplies material",
		CustomFieldValues: datatypes.JSONMap{"drawing_rev": "B"},
	}
	q.quote.Metadata = datatypes.JSONMap{
		"approval": map[string]any{"approvedBy": "buyer@acme", "attachmentId": "att-po"},
	}
	require.NoError(t, f.db.Create(&q.quote).Error)

	q.part1 = models.QuotePart{QuoteID: q.quote.ID, PartNumber: "BRKT-1", Description: "Bracket", Quantity: 10, PieceCount: 20, StockSize: "1x2 6061", CutLength: "4in", SortOrder: 0}
	q.part2 = models.QuotePart{QuoteID: q.quote.ID, PartNumber: "PLT-2", Quantity: 5, Notes: "Break edges", SortOrder: 1}
	require.NoError(t, f.db.Create(&q.part1).Error)
	require.NoError(t, f.db.Create(&q.part2).Error)

	selections := []models.QuoteAddonSelection{
		{QuoteID: q.quote.ID, QuotePartID: &q.part1.ID, AddonID: q.anodize.ID, Units: decimal.NewFromInt(10), Rate: decimal.RequireFromString("2.50")},
		{QuoteID: q.quote.ID, QuotePartID: &q.part2.ID, AddonID: q.deburr.ID, Units: decimal.NewFromInt(1), Rate: decimal.RequireFromString("30")},
		{QuoteID: q.quote.ID, QuotePartID: &q.part2.ID, AddonID: q.noDept.ID, Units: decimal.NewFromInt(1), Rate: decimal.RequireFromString("50")},
		{QuoteID: q.quote.ID, AddonID: q.deburr.ID, Units: decimal.NewFromInt(2), Rate: decimal.RequireFromString("15"), Notes: "legacy"},
	}
	for i := range selections {
		require.NoError(t, f.db.Create(&selections[i]).Error)
	}
	require.NoError(t, f.db.Create(&models.QuoteVendorItem{
		QuoteID: q.quote.ID, Description: "Heat treat", Quantity: decimal.NewFromInt(10), UnitCost: decimal.RequireFromString("3.2"),
	}).Error)

	q.drawing = models.QuoteAttachment{QuoteID: q.quote.ID, Filename: "bracket.pdf", StoragePath: "quotes/Q-1001/bracket.pdf", MimeType: "application/pdf"}
	q.reference = models.QuoteAttachment{QuoteID: q.quote.ID, Filename: "drawing rev B", URL: "https://files.example.com/drawings/rev-b"}
	require.NoError(t, f.db.Create(&q.drawing).Error)
	require.NoError(t, f.db.Create(&q.reference).Error)
	return q
}

func newEngine(f *fixture, store *mocks.MockStorage, settings Settings, policy UnassignedSelectionPolicy) *QuoteConversionEngine {
	return NewQuoteConversionEngine(f.db, store, settings, f.sync, f.router, policy, nil, f.metrics)
}

func expectAttachmentCopy(store *mocks.MockStorage) {
	store.EXPECT().ReadBytes(gomock.Any(), "quotes/Q-1001/bracket.pdf").Return([]byte("%PDF"), nil)
	store.EXPECT().WriteBytes(gomock.Any(), "MS", "Acme Corp", "MS-00001", "bracket.pdf", []byte("%PDF")).
		Return("MS/Acme_Corp/MS-00001/bracket.pdf", nil)
}

func TestConvert_CreatesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := seedQuote(t, f)
	store := mocks.NewMockStorage(gomock.NewController(t))
	expectAttachmentCopy(store)
	engine := newEngine(f, store, staticSettings{requireApproval: true}, AttachToFirstPart)

	res, err := engine.Convert(ctx, q.quote.ID, ConvertOptions{Actor: "sales-1"})
	require.NoError(t, err)
	o := res.Order

	assert.Equal(t, "MS-00001", o.OrderNumber)
	assert.Equal(t, models.OrderStatusReceived, o.Status)
	assert.Equal(t, models.PriorityHigh, o.Priority)
	assert.Equal(t, q.quote.ID, models.Deref(o.SourceQuoteID))
	assert.Equal(t, "B", o.CustomFieldValues["drawing_rev"])
	require.NotNil(t, o.DueDate)
	assert.True(t, o.DueDate.Equal(at(15)))

	require.Len(t, o.Parts, 2)
	assert.Equal(t, "BRKT-1", o.Parts[0].PartNumber)
	assert.Equal(t, "Bracket\nPieces: 20\nStock size: 1x2 6061\nCut length: 4in", o.Parts[0].Notes)
	assert.Equal(t, "Break edges", o.Parts[1].Notes)

	// Anodize on part 1, deburr on part 2, legacy deburr on part 1; the
	// addon without a department is skipped.
	require.Len(t, o.Charges, 3)
	assert.Equal(t, 1, res.SkippedSelections)
	for _, c := range o.Charges {
		assert.Equal(t, models.ChargeKindAddon, c.Kind)
		assert.NotNil(t, c.DepartmentID)
	}
	assert.Equal(t, o.Parts[0].ID, models.Deref(o.Charges[0].PartID))
	assert.True(t, o.Charges[0].Total().Equal(decimal.RequireFromString("25")))
	assert.Equal(t, o.Parts[1].ID, models.Deref(o.Charges[1].PartID))
	assert.Equal(t, o.Parts[0].ID, models.Deref(o.Charges[2].PartID))
	assert.Equal(t, "Deburr - legacy", o.Charges[2].Description)

	// Checklist manifests after commit and parts get routed.
	assert.Equal(t, 3, res.Sync.Created)
	assertChecklistInvariant(t, f.db, o.ID)
	assert.Equal(t, f.machining.ID, models.Deref(o.Parts[0].CurrentDepartmentID))
	assert.Equal(t, f.machining.ID, models.Deref(o.Parts[1].CurrentDepartmentID))

	var atts []models.Attachment
	require.NoError(t, f.db.Where("order_id = ?", o.ID).Order("filename").Find(&atts).Error)
	require.Len(t, atts, 2)
	assert.Equal(t, "MS/Acme_Corp/MS-00001/bracket.pdf", atts[0].StoragePath)
	assert.Equal(t, "https://files.example.com/drawings/rev-b", atts[1].URL)
	assert.Empty(t, atts[1].StoragePath)

	var history []models.StatusHistory
	require.NoError(t, f.db.Where("order_id = ?", o.ID).Find(&history).Error)
	require.Len(t, history, 1)
	assert.Equal(t, models.OrderStatusReceived, history[0].FromStatus)
	assert.Equal(t, models.OrderStatusReceived, history[0].ToStatus)
	assert.Equal(t, "Converted from quote Q-1001", history[0].Reason)
	assert.Equal(t, "sales-1", history[0].ActorID)

	var note models.Note
	require.NoError(t, f.db.First(&note, "order_id = ?", o.ID).Error)
	assert.Contains(t, note.Body, "Customer supplies material")
	assert.Contains(t, note.Body, "- Heat treat (10 x 3.20)")

	var stored models.Quote
	require.NoError(t, f.db.First(&stored, "id = ?", q.quote.ID).Error)
	conv, err := stored.Conversion()
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, o.ID, conv.OrderID)
	assert.Equal(t, "MS-00001", conv.OrderNumber)
	appr, err := stored.Approval()
	require.NoError(t, err)
	assert.Equal(t, "buyer@acme", appr.ApprovedBy, "approval metadata is untouched")
}

func TestConvert_ChecklistOnlyAddonGetsRowNotCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := seedQuote(t, f)
	crate := models.Addon{Name: "Crate check", IsChecklistItem: true, DepartmentID: &f.shipping.ID, IsActive: true}
	require.NoError(t, f.db.Create(&crate).Error)
	require.NoError(t, f.db.Create(&models.QuoteAddonSelection{
		QuoteID: q.quote.ID, QuotePartID: &q.part2.ID, AddonID: crate.ID, Units: decimal.NewFromInt(1), Rate: decimal.RequireFromString("40"),
	}).Error)
	store := mocks.NewMockStorage(gomock.NewController(t))
	expectAttachmentCopy(store)

	res, err := newEngine(f, store, nil, AttachToFirstPart).Convert(ctx, q.quote.ID, ConvertOptions{})
	require.NoError(t, err)
	o := res.Order

	require.Len(t, o.Charges, 3)
	for _, c := range o.Charges {
		assert.NotEqual(t, crate.ID, models.Deref(c.AddonID), "checklist-only addon is never charged")
	}
	assert.True(t, o.BillableTotal().Equal(decimal.RequireFromString("85")), "got %s", o.BillableTotal())
	assert.Equal(t, 1, res.ChecklistEntries)
	assert.Equal(t, 1, res.SkippedSelections)

	var rows []models.OrderChecklist
	require.NoError(t, f.db.Where("order_id = ? AND charge_id IS NULL", o.ID).Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, crate.ID, models.Deref(rows[0].AddonID))
	var plate models.OrderPart
	require.NoError(t, f.db.First(&plate, "order_id = ? AND part_number = ?", o.ID, "PLT-2").Error)
	assert.Equal(t, plate.ID, models.Deref(rows[0].PartID))
	assert.Equal(t, f.shipping.ID, models.Deref(rows[0].DepartmentID))
	assert.True(t, rows[0].IsActive)
	assertChecklistInvariant(t, f.db, o.ID)
}

func TestConvert_SecondAttemptConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := seedQuote(t, f)
	store := mocks.NewMockStorage(gomock.NewController(t))
	expectAttachmentCopy(store)
	engine := newEngine(f, store, nil, AttachToFirstPart)

	_, err := engine.Convert(ctx, q.quote.ID, ConvertOptions{})
	require.NoError(t, err)

	var before int64
	require.NoError(t, f.db.Model(&models.StatusHistory{}).Count(&before).Error)

	_, err = engine.Convert(ctx, q.quote.ID, ConvertOptions{})
	require.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "MS-00001")

	var orders, after int64
	require.NoError(t, f.db.Model(&models.Order{}).Count(&orders).Error)
	require.NoError(t, f.db.Model(&models.StatusHistory{}).Count(&after).Error)
	assert.Equal(t, int64(1), orders)
	assert.Equal(t, before, after)
}

func TestConvert_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := seedQuote(t, f)
	store := mocks.NewMockStorage(gomock.NewController(t))

	t.Run("approval attachment required", func(t *testing.T) {
		require.NoError(t, f.db.Model(&models.Quote{}).Where("id = ?", q.quote.ID).
			Update("metadata", datatypes.JSONMap{"approval": map[string]any{"approvedBy": "x"}}).Error)
		_, err := newEngine(f, store, staticSettings{requireApproval: true}, "").Convert(ctx, q.quote.ID, ConvertOptions{})
		assert.ErrorIs(t, err, ErrPreconditionFailed)
	})
	t.Run("settings failure", func(t *testing.T) {
		_, err := newEngine(f, store, staticSettings{err: errors.New("boom")}, "").Convert(ctx, q.quote.ID, ConvertOptions{})
		assert.EqualError(t, err, "boom")
	})
	t.Run("unknown quote", func(t *testing.T) {
		_, err := newEngine(f, store, nil, "").Convert(ctx, "missing", ConvertOptions{})
		assert.ErrorIs(t, err, ErrNotFound)
	})
	t.Run("bad priority", func(t *testing.T) {
		p := models.OrderPriority("SOMEDAY")
		_, err := newEngine(f, store, nil, "").Convert(ctx, q.quote.ID, ConvertOptions{Priority: &p})
		assert.ErrorIs(t, err, ErrValidation)
	})
	t.Run("no customer", func(t *testing.T) {
		require.NoError(t, f.db.Model(&models.Quote{}).Where("id = ?", q.quote.ID).Update("customer_id", nil).Error)
		_, err := newEngine(f, store, nil, "").Convert(ctx, q.quote.ID, ConvertOptions{})
		assert.ErrorIs(t, err, ErrValidation)
	})

	var n int64
	require.NoError(t, f.db.Model(&models.Order{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestConvert_NoParts(t *testing.T) {
	f := newFixture(t)
	q := models.Quote{QuoteNumber: "Q-EMPTY", Business: "MS", CustomerID: &f.customer.ID}
	require.NoError(t, f.db.Create(&q).Error)
	engine := newEngine(f, mocks.NewMockStorage(gomock.NewController(t)), nil, "")

	_, err := engine.Convert(context.Background(), q.ID, ConvertOptions{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestConvert_AttachmentFailureLeavesNoOrder(t *testing.T) {
	f := newFixture(t)
	q := seedQuote(t, f)
	store := mocks.NewMockStorage(gomock.NewController(t))
	store.EXPECT().ReadBytes(gomock.Any(), "quotes/Q-1001/bracket.pdf").Return(nil, errors.New("no such file"))
	engine := newEngine(f, store, nil, "")

	_, err := engine.Convert(context.Background(), q.quote.ID, ConvertOptions{})
	require.ErrorIs(t, err, ErrIO)
	assert.Contains(t, err.Error(), "quotes/Q-1001/bracket.pdf")

	for _, m := range []any{&models.Order{}, &models.OrderPart{}, &models.OrderCharge{}, &models.StatusHistory{}, &models.Attachment{}} {
		var n int64
		require.NoError(t, f.db.Model(m).Count(&n).Error)
		assert.Zero(t, n, "%T", m)
	}
	var stored models.Quote
	require.NoError(t, f.db.First(&stored, "id = ?", q.quote.ID).Error)
	conv, err := stored.Conversion()
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestConvert_SkipPolicyAndOverrides(t *testing.T) {
	f := newFixture(t)
	q := seedQuote(t, f)
	store := mocks.NewMockStorage(gomock.NewController(t))
	expectAttachmentCopy(store)
	engine := newEngine(f, store, nil, SkipUnassigned)

	rush := models.PriorityRush
	due := at(2)
	res, err := engine.Convert(context.Background(), q.quote.ID, ConvertOptions{
		DueDate:  &due,
		Priority: &rush,
		Parts: []PartOverride{
			{QuotePartID: q.part2.ID, PartNumber: "PLT-2B", Quantity: 8},
		},
		CustomFieldValues: map[string]any{"drawing_rev": "C", "heat": "H42"},
	})
	require.NoError(t, err)
	o := res.Order

	assert.Equal(t, models.PriorityRush, o.Priority)
	assert.True(t, o.DueDate.Equal(due))
	assert.Equal(t, "C", o.CustomFieldValues["drawing_rev"])
	assert.Equal(t, "H42", o.CustomFieldValues["heat"])
	require.Len(t, o.Parts, 1)
	assert.Equal(t, 8, o.Parts[0].Quantity)

	// Only the part 2 deburr survives: part 1 is gone, the no-department
	// addon is skipped and the legacy selection is dropped by policy.
	require.Len(t, o.Charges, 1)
	assert.Equal(t, q.deburr.ID, models.Deref(o.Charges[0].AddonID))
	assert.Equal(t, 3, res.SkippedSelections)
}

func TestParseUnassignedSelectionPolicy(t *testing.T) {
	tests := []struct {
		in   string
		want UnassignedSelectionPolicy
		ok   bool
	}{
		{"", AttachToFirstPart, true},
		{"first_part", AttachToFirstPart, true},
		{" SKIP ", SkipUnassigned, true},
		{"random", "", false},
	}
	for _, tt := range tests {
		got, err := ParseUnassignedSelectionPolicy(tt.in)
		if tt.ok {
			require.NoError(t, err, tt.in)
			assert.Equal(t, tt.want, got)
		} else {
			assert.Error(t, err, tt.in)
		}
	}
}

func TestComposeConversionNote(t *testing.T) {
	assert.Empty(t, composeConversionNote(&models.Quote{}))
	got := composeConversionNote(&models.Quote{VendorItems: []models.QuoteVendorItem{
		{Description: "Plating", Quantity: decimal.NewFromInt(2), UnitCost: decimal.RequireFromString("7")},
	}})
	assert.True(t, strings.HasPrefix(got, "Vendor items:"))
	assert.Contains(t, got, "- Plating (2 x 7.00)")
}
