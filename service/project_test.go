package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"buildsite/ledger"
	"buildsite/models"
	"buildsite/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeMedia struct {
	deleted []uint
	err     error
}

func (f *fakeMedia) DeleteProjectMedia(_ context.Context, projectID uint) (int, error) {
	f.deleted = append(f.deleted, projectID)
	return 1, f.err
}

func newProjectService(t *testing.T) (*gorm.DB, *ProjectService, *fakeMedia) {
	t.Helper()
	db := testutil.OpenDB(t)
	media := &fakeMedia{}
	r := ledger.NewReconciler(ledger.Options{Strict: true, DefaultCurrency: "USD"})
	return db, NewProjectService(db, r, media), media
}

func ledgerInput(t *testing.T, assignments, groups, expenses string) ledger.Input {
	t.Helper()
	var in ledger.Input
	var err error
	in.Assignments, err = ledger.ParseAssignments(json.RawMessage(assignments))
	require.NoError(t, err)
	in.InstallmentGroups, err = ledger.ParseInstallmentGroups(json.RawMessage(groups))
	require.NoError(t, err)
	in.Expenses, err = ledger.ParseExpenses(json.RawMessage(expenses))
	require.NoError(t, err)
	return in
}

func seedInvestors(t *testing.T, db *gorm.DB, names ...string) []uint {
	t.Helper()
	ids := make([]uint, 0, len(names))
	for i, name := range names {
		inv := models.Investor{InvestorNo: "INV-20260101-00" + string(rune('1'+i)), Name: name}
		require.NoError(t, db.Create(&inv).Error)
		ids = append(ids, inv.ID)
	}
	return ids
}

func date(s string) time.Time {
	t, _ := time.ParseInLocation("2006-01-02", s, time.Local)
	return t
}

func createProject(t *testing.T, svc *ProjectService, patch ProjectPatch) *models.Project {
	t.Helper()
	if !patch.Title.IsSet() {
		patch.Title = Set("住宅楼")
	}
	res, err := svc.Create(context.Background(), patch)
	require.NoError(t, err)
	return res.Project
}

func TestProjectService_Create(t *testing.T) {
	db, svc, _ := newProjectService(t)
	seedInvestors(t, db, "A")

	res, err := svc.Create(context.Background(), ProjectPatch{
		Title:     Set(" 住宅楼 "),
		Location:  Set("深圳"),
		Budget:    Set(decimal.RequireFromString("1500000.50")),
		StartDate: Set(date("2026-01-01")),
		Ledger:    ledgerInput(t, `[{"investorId":"1","investmentAmount":2000}]`, "", `[{"item":"Cement","amount":500}]`),
	})
	require.NoError(t, err)

	p := res.Project
	assert.Equal(t, "住宅楼", p.Title)
	assert.Equal(t, models.ProjectStatusPlanning, p.Status)
	assert.Equal(t, uint(1), p.Version)
	assert.True(t, p.Budget.Valid)
	assert.Equal(t, "1500000.5", p.Budget.Decimal.String())
	assert.Len(t, p.Investors, 1)
	assert.Len(t, p.Investments, 1)
	assert.Len(t, p.Expenses, 1)
	require.NotNil(t, res.Ledger)
	assert.Equal(t, 1, res.Ledger.Expenses)
}

func TestProjectService_Create_Validation(t *testing.T) {
	_, svc, _ := newProjectService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, ProjectPatch{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, ProjectPatch{Title: Set("  ")})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, ProjectPatch{Title: Set("A"), Status: Set("demolished")})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, ProjectPatch{Title: Set("A"), Progress: Set(101)})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, ProjectPatch{Title: Set("A"), StartDate: Set(date("2026-05-01")), EndDate: Set(date("2026-04-01"))})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, ProjectPatch{Title: Set("A"), CustomerID: Set(uint(42))})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProjectService_Update_RejectsClearingRequiredScalars(t *testing.T) {
	db, svc, _ := newProjectService(t)
	p := createProject(t, svc, ProjectPatch{Progress: Set(30), Published: Set(true)})
	ctx := context.Background()

	_, err := svc.Update(ctx, p.ID, ProjectPatch{Progress: Clear[int]()})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = svc.Update(ctx, p.ID, ProjectPatch{Published: Clear[bool]()})
	assert.ErrorIs(t, err, ErrValidation)

	var got models.Project
	require.NoError(t, db.First(&got, p.ID).Error)
	assert.Equal(t, 30, got.Progress)
	assert.True(t, got.Published)
	assert.Equal(t, uint(1), got.Version)
}

func TestProjectService_Create_RejectsUnstorableMoney(t *testing.T) {
	_, svc, _ := newProjectService(t)
	ctx := context.Background()

	for _, v := range []string{"-1", "100.555", "10000000000000"} {
		_, err := svc.Create(ctx, ProjectPatch{Title: Set("A"), Budget: Set(decimal.RequireFromString(v))})
		assert.ErrorIs(t, err, ErrValidation, v)
		_, err = svc.Create(ctx, ProjectPatch{Title: Set("A"), ActualCost: Set(decimal.RequireFromString(v))})
		assert.ErrorIs(t, err, ErrValidation, v)
	}

	_, err := svc.Create(ctx, ProjectPatch{Title: Set("A"), Budget: Set(decimal.RequireFromString("9999999999999.99"))})
	assert.NoError(t, err)
}

func TestProjectService_Update_PartialScalars(t *testing.T) {
	_, svc, _ := newProjectService(t)
	p := createProject(t, svc, ProjectPatch{
		Location:  Set("深圳"),
		Budget:    Set(decimal.NewFromInt(100)),
		StartDate: Set(date("2026-01-01")),
		Notes:     Set("备注"),
	})

	res, err := svc.Update(context.Background(), p.ID, ProjectPatch{
		Title:     Set("办公楼"),
		Budget:    Clear[decimal.Decimal](),
		StartDate: Clear[time.Time](),
		Notes:     Set(""),
		Progress:  Set(40),
		Published: Set(true),
	})
	require.NoError(t, err)

	got := res.Project
	assert.Equal(t, "办公楼", got.Title)
	assert.Equal(t, "深圳", got.Location)
	assert.False(t, got.Budget.Valid)
	assert.Nil(t, got.StartDate)
	assert.Equal(t, "", got.Notes)
	assert.Equal(t, 40, got.Progress)
	assert.True(t, got.Published)
	assert.Equal(t, uint(2), got.Version)
	assert.Nil(t, res.Ledger)
}

func TestProjectService_Update_InstallmentScenario(t *testing.T) {
	db, svc, _ := newProjectService(t)
	seedInvestors(t, db, "A")
	p := createProject(t, svc, ProjectPatch{})

	res, err := svc.Update(context.Background(), p.ID, ProjectPatch{
		Ledger: ledgerInput(t, "", `[{"investorId":"1","payments":[{"amount":1000},{"amount":500}]}]`, ""),
	})
	require.NoError(t, err)

	inv := res.Project.Investments
	require.Len(t, inv, 2)
	assert.Equal(t, 1, inv[0].InstallmentNo)
	assert.Equal(t, "1000", inv[0].Amount.String())
	assert.Equal(t, 2, inv[1].InstallmentNo)
	assert.Equal(t, "500", inv[1].Amount.String())
	require.Len(t, res.Project.Investors, 1)
	require.NotNil(t, res.Project.Investors[0].Investor)
	assert.Equal(t, "A", res.Project.Investors[0].Investor.Name)
}

func TestProjectService_Update_LegacyScenario(t *testing.T) {
	db, svc, _ := newProjectService(t)
	seedInvestors(t, db, "A")
	p := createProject(t, svc, ProjectPatch{})

	res, err := svc.Update(context.Background(), p.ID, ProjectPatch{
		Ledger: ledgerInput(t, `[{"investorId":"1","investmentAmount":2000}]`, "", ""),
	})
	require.NoError(t, err)
	require.Len(t, res.Project.Investments, 1)
	assert.Equal(t, 1, res.Project.Investments[0].InstallmentNo)
	assert.Equal(t, "2000", res.Project.Investments[0].Amount.String())
}

func TestProjectService_Update_InvalidExpenseRejectsWholeUpdate(t *testing.T) {
	_, svc, _ := newProjectService(t)
	p := createProject(t, svc, ProjectPatch{
		Ledger: ledgerInput(t, "", "", `[{"item":"Sand","amount":80}]`),
	})

	_, err := svc.Update(context.Background(), p.ID, ProjectPatch{
		Title:  Set("改名"),
		Ledger: ledgerInput(t, "", "", `[{"item":"Cement","amount":500},{"item":"","amount":100}]`),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	var verr *ledger.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 1, verr.Rejected[0].Index)

	got, err := svc.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "住宅楼", got.Title)
	assert.Equal(t, uint(1), got.Version)
	require.Len(t, got.Expenses, 1)
	assert.Equal(t, "Sand", got.Expenses[0].Item)
}

func TestProjectService_Update_LenientReportsRejectedRows(t *testing.T) {
	db := testutil.OpenDB(t)
	svc := NewProjectService(db, ledger.NewReconciler(ledger.Options{Strict: false}), nil)
	p := createProject(t, svc, ProjectPatch{})

	res, err := svc.Update(context.Background(), p.ID, ProjectPatch{
		Ledger: ledgerInput(t, "", "", `[{"item":"Cement","amount":500},{"item":"","amount":100}]`),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Ledger)
	require.Len(t, res.Ledger.Rejected, 1)
	assert.Equal(t, ledger.CollectionExpenses, res.Ledger.Rejected[0].Collection)
	require.Len(t, res.Project.Expenses, 1)
	assert.Equal(t, "Cement", res.Project.Expenses[0].Item)
}

func TestProjectService_Update_VersionConflict(t *testing.T) {
	_, svc, _ := newProjectService(t)
	p := createProject(t, svc, ProjectPatch{})
	ctx := context.Background()

	v := p.Version
	_, err := svc.Update(ctx, p.ID, ProjectPatch{Title: Set("第一次"), ExpectedVersion: &v})
	require.NoError(t, err)

	// 第二个写入者仍持有旧版本号
	_, err = svc.Update(ctx, p.ID, ProjectPatch{
		Title:           Set("第二次"),
		ExpectedVersion: &v,
		Ledger:          ledgerInput(t, "", "", `[{"item":"Steel","amount":1}]`),
	})
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "第一次", got.Title)
	assert.Equal(t, uint(2), got.Version)
	assert.Empty(t, got.Expenses)
}

func TestProjectService_Update_NotFound(t *testing.T) {
	_, svc, _ := newProjectService(t)
	_, err := svc.Update(context.Background(), 404, ProjectPatch{Title: Set("x")})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProjectService_Update_UnknownInvestor(t *testing.T) {
	db, svc, _ := newProjectService(t)
	seedInvestors(t, db, "A")
	p := createProject(t, svc, ProjectPatch{
		Ledger: ledgerInput(t, `[{"investorId":1,"investmentAmount":10}]`, "", ""),
	})

	_, err := svc.Update(context.Background(), p.ID, ProjectPatch{
		Title:  Set("改名"),
		Ledger: ledgerInput(t, `[{"investorId":77}]`, "", ""),
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, ledger.ErrUnknownInvestor)

	got, err := svc.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "住宅楼", got.Title)
	assert.Len(t, got.Investors, 1)
}

func TestProjectService_Update_StoreFailureRollsBackEverything(t *testing.T) {
	db, svc, _ := newProjectService(t)
	seedInvestors(t, db, "A", "B")
	p := createProject(t, svc, ProjectPatch{
		Ledger: ledgerInput(t, `[{"investorId":1,"investmentAmount":10}]`, "", `[{"item":"Sand","amount":80}]`),
	})

	errInjected := errors.New("disk full")
	require.NoError(t, db.Callback().Update().Before("gorm:update").Register("test:fail_project_update", func(d *gorm.DB) {
		if d.Statement.Table == "projects" {
			d.AddError(errInjected)
		}
	}))

	_, err := svc.Update(context.Background(), p.ID, ProjectPatch{
		Title:  Set("改名"),
		Ledger: ledgerInput(t, `[{"investorId":2,"investmentAmount":99}]`, "", `[]`),
	})
	require.ErrorIs(t, err, errInjected)

	got, err := svc.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "住宅楼", got.Title)
	require.Len(t, got.Investors, 1)
	assert.Equal(t, uint(1), got.Investors[0].InvestorID)
	assert.Len(t, got.Expenses, 1)
}

func TestProjectService_Update_DateOrderAgainstStoredValue(t *testing.T) {
	_, svc, _ := newProjectService(t)
	p := createProject(t, svc, ProjectPatch{StartDate: Set(date("2026-06-01"))})

	_, err := svc.Update(context.Background(), p.ID, ProjectPatch{EndDate: Set(date("2026-05-01"))})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Update(context.Background(), p.ID, ProjectPatch{StartDate: Clear[time.Time](), EndDate: Set(date("2026-05-01"))})
	assert.NoError(t, err)
}

func TestProjectService_Update_Customer(t *testing.T) {
	db, svc, _ := newProjectService(t)
	c := models.Customer{CustomerNo: "CUS-20260101-001", Name: "客户"}
	require.NoError(t, db.Create(&c).Error)
	p := createProject(t, svc, ProjectPatch{})

	res, err := svc.Update(context.Background(), p.ID, ProjectPatch{CustomerID: Set(c.ID)})
	require.NoError(t, err)
	require.NotNil(t, res.Project.Customer)
	assert.Equal(t, "客户", res.Project.Customer.Name)

	res, err = svc.Update(context.Background(), p.ID, ProjectPatch{CustomerID: Clear[uint]()})
	require.NoError(t, err)
	assert.Nil(t, res.Project.CustomerID)

	_, err = svc.Update(context.Background(), p.ID, ProjectPatch{CustomerID: Set(uint(999))})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProjectService_Get_OrdersCollections(t *testing.T) {
	db, svc, _ := newProjectService(t)
	ids := seedInvestors(t, db, "A", "B")
	p := createProject(t, svc, ProjectPatch{
		Ledger: ledgerInput(t, "",
			`[{"investorId":2,"payments":[{"amount":7}]},{"investorId":1,"payments":[{"amount":1},{"amount":2}]}]`,
			`[{"item":"Jan","amount":1,"expenseDate":"2026-01-01"},{"item":"NoDate","amount":2},{"item":"Mar","amount":3,"expenseDate":"2026-03-01"}]`,
		),
	})

	got, err := svc.Get(context.Background(), p.ID)
	require.NoError(t, err)

	var order []string
	for _, e := range got.Expenses {
		order = append(order, e.Item)
	}
	assert.Equal(t, []string{"Mar", "Jan", "NoDate"}, order)

	require.Len(t, got.Investments, 3)
	assert.Equal(t, ids[0], got.Investments[0].InvestorID)
	assert.Equal(t, 1, got.Investments[0].InstallmentNo)
	assert.Equal(t, 2, got.Investments[1].InstallmentNo)
	assert.Equal(t, ids[1], got.Investments[2].InvestorID)

	_, err = svc.Get(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProjectService_Delete(t *testing.T) {
	db, svc, media := newProjectService(t)
	seedInvestors(t, db, "A")
	p := createProject(t, svc, ProjectPatch{
		Ledger: ledgerInput(t, `[{"investorId":1,"investmentAmount":10}]`, "", `[{"item":"Sand","amount":80}]`),
	})
	other := createProject(t, svc, ProjectPatch{
		Title:  Set("其他"),
		Ledger: ledgerInput(t, `[{"investorId":1,"investmentAmount":20}]`, "", ""),
	})

	media.err = errors.New("bucket unavailable")
	require.NoError(t, svc.Delete(context.Background(), p.ID))
	assert.Equal(t, []uint{p.ID}, media.deleted)

	_, err := svc.Get(context.Background(), p.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	var n int64
	db.Model(&models.ProjectInvestor{}).Where("project_id = ?", p.ID).Count(&n)
	assert.Zero(t, n)
	db.Model(&models.InvestmentInstallment{}).Where("project_id = ?", p.ID).Count(&n)
	assert.Zero(t, n)
	db.Model(&models.ProjectExpense{}).Where("project_id = ?", p.ID).Count(&n)
	assert.Zero(t, n)

	kept, err := svc.Get(context.Background(), other.ID)
	require.NoError(t, err)
	assert.Len(t, kept.Investors, 1)

	assert.ErrorIs(t, svc.Delete(context.Background(), p.ID), ErrNotFound)
}

func TestProjectService_ListAndPublished(t *testing.T) {
	_, svc, _ := newProjectService(t)
	ctx := context.Background()
	createProject(t, svc, ProjectPatch{Title: Set("深圳住宅"), Published: Set(true), Type: Set("residential"), Budget: Set(decimal.NewFromInt(5))})
	hidden := createProject(t, svc, ProjectPatch{Title: Set("广州仓库"), Type: Set("industrial")})
	createProject(t, svc, ProjectPatch{Title: Set("深圳办公"), Published: Set(true), Type: Set("commercial"), Status: Set(models.ProjectStatusCompleted)})

	list, total, err := svc.List(ctx, ProjectQuery{Keyword: "深圳"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, list, 2)

	list, total, err = svc.List(ctx, ProjectQuery{Status: models.ProjectStatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "深圳办公", list[0].Title)

	list, total, err = svc.List(ctx, ProjectQuery{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, list, 1)

	pub, total, err := svc.ListPublished(ctx, 1, 10, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, pub, 2)

	pub, _, err = svc.ListPublished(ctx, 1, 10, "residential")
	require.NoError(t, err)
	require.Len(t, pub, 1)
	assert.Equal(t, "深圳住宅", pub[0].Title)

	_, err = svc.GetPublished(ctx, hidden.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNormalizePage(t *testing.T) {
	page, size := normalizePage(0, 0)
	assert.Equal(t, 1, page)
	assert.Equal(t, 10, size)
	_, size = normalizePage(3, 500)
	assert.Equal(t, 100, size)
}
