package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"buildsite/models"
	"buildsite/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db        *gorm.DB
	project   uint
	other     uint
	investorA uint
	investorB uint
}

func setupLedger(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)

	a := models.Investor{InvestorNo: "INV-20261019-001", Name: "A"}
	b := models.Investor{InvestorNo: "INV-20261019-002", Name: "B"}
	require.NoError(t, db.Create(&a).Error)
	require.NoError(t, db.Create(&b).Error)

	p := models.Project{Title: "住宅楼", Status: models.ProjectStatusPlanning}
	o := models.Project{Title: "办公楼", Status: models.ProjectStatusPlanning}
	require.NoError(t, db.Create(&p).Error)
	require.NoError(t, db.Create(&o).Error)

	return &fixture{db: db, project: p.ID, other: o.ID, investorA: a.ID, investorB: b.ID}
}

func mustInput(t *testing.T, assignments, groups, expenses string) Input {
	t.Helper()
	var in Input
	var err error
	in.Assignments, err = ParseAssignments(json.RawMessage(assignments))
	require.NoError(t, err)
	in.InstallmentGroups, err = ParseInstallmentGroups(json.RawMessage(groups))
	require.NoError(t, err)
	in.Expenses, err = ParseExpenses(json.RawMessage(expenses))
	require.NoError(t, err)
	return in
}

func (f *fixture) reconcile(t *testing.T, r *Reconciler, projectID uint, in Input) (Report, error) {
	t.Helper()
	var report Report
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		report, err = r.Reconcile(context.Background(), tx, projectID, in)
		return err
	})
	return report, err
}

type snapshot struct {
	Assignments  []models.ProjectInvestor
	Installments []models.InvestmentInstallment
	Expenses     []models.ProjectExpense
}

func (f *fixture) snapshot(t *testing.T, projectID uint) snapshot {
	t.Helper()
	var s snapshot
	require.NoError(t, f.db.Where("project_id = ?", projectID).Order("investor_id").Find(&s.Assignments).Error)
	require.NoError(t, f.db.Where("project_id = ?", projectID).Order("investor_id, installment_no").Find(&s.Installments).Error)
	require.NoError(t, f.db.Where("project_id = ?", projectID).Order("id").Find(&s.Expenses).Error)
	return s
}

// 去掉自增 ID 和时间戳，只比较业务内容
type installmentKey struct {
	InvestorID    uint
	InstallmentNo int
	Amount        string
}

func installmentKeys(rows []models.InvestmentInstallment) []installmentKey {
	keys := make([]installmentKey, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, installmentKey{r.InvestorID, r.InstallmentNo, r.Amount.String()})
	}
	return keys
}

func expenseItems(rows []models.ProjectExpense) []string {
	items := make([]string, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.Item+":"+r.Amount.String()+":"+r.Currency)
	}
	return items
}

func strict() *Reconciler {
	return NewReconciler(Options{Strict: true, DefaultCurrency: "USD"})
}

func TestReconcile_InstallmentGroups(t *testing.T) {
	f := setupLedger(t)
	in := mustInput(t, "", `[{"investorId":"1","payments":[{"amount":1000},{"amount":500,"paidAt":"2026-03-01"}]}]`, "")

	report, err := f.reconcile(t, strict(), f.project, in)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Assignments)
	assert.Equal(t, 2, report.Installments)

	s := f.snapshot(t, f.project)
	assert.Equal(t, []installmentKey{
		{f.investorA, 1, "1000"},
		{f.investorA, 2, "500"},
	}, installmentKeys(s.Installments))
	assert.Nil(t, s.Installments[0].PaidAt)
	require.NotNil(t, s.Installments[1].PaidAt)
	assert.Equal(t, "2026-03-01", s.Installments[1].PaidAt.Format("2006-01-02"))

	// 分期引用的投资人自动建立分配，金额为空
	require.Len(t, s.Assignments, 1)
	assert.Equal(t, f.investorA, s.Assignments[0].InvestorID)
	assert.False(t, s.Assignments[0].InvestmentAmount.Valid)
}

func TestReconcile_LegacyAssignmentAmount(t *testing.T) {
	f := setupLedger(t)
	in := mustInput(t, `[{"investorId":"1","investmentAmount":2000}]`, "", "")

	_, err := f.reconcile(t, strict(), f.project, in)
	require.NoError(t, err)

	s := f.snapshot(t, f.project)
	assert.Equal(t, []installmentKey{{f.investorA, 1, "2000"}}, installmentKeys(s.Installments))
	require.Len(t, s.Assignments, 1)
	assert.True(t, s.Assignments[0].InvestmentAmount.Valid)
	assert.True(t, s.Assignments[0].InvestmentAmount.Decimal.Equal(decimal.NewFromInt(2000)))
}

func TestReconcile_ExpensesStrictRejectsWholeBatch(t *testing.T) {
	f := setupLedger(t)
	in := mustInput(t, "", "", `[{"item":"Cement","amount":500},{"item":"","amount":100}]`)

	_, err := f.reconcile(t, strict(), f.project, in)
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Rejected, 1)
	assert.Equal(t, Rejection{Collection: CollectionExpenses, Group: -1, Index: 1, Reason: "缺少支出项目"}, verr.Rejected[0])
	assert.Contains(t, err.Error(), "expenses[1]")

	assert.Empty(t, f.snapshot(t, f.project).Expenses)
}

func TestReconcile_RejectsUnstorableAmounts(t *testing.T) {
	f := setupLedger(t)
	in := mustInput(t, "", "",
		`[{"item":"Cement","amount":"12345678901234567.89"},{"item":"Sand","amount":"100.555"},{"item":"Steel","amount":"-50"},{"item":"Brick","amount":"20.10"}]`)

	_, err := f.reconcile(t, strict(), f.project, in)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Rejected, 3)
	for i, rj := range verr.Rejected {
		assert.Equal(t, CollectionExpenses, rj.Collection)
		assert.Equal(t, i, rj.Index)
	}
	assert.Empty(t, f.snapshot(t, f.project).Expenses)
}

func TestReconcile_RejectsUnstorableInvestmentAmounts(t *testing.T) {
	f := setupLedger(t)
	in := mustInput(t,
		`[{"investorId":"1","investmentAmount":"0.125"}]`,
		`[{"investorId":"2","payments":[{"amount":100},{"amount":-5}]}]`,
		"")

	_, err := f.reconcile(t, strict(), f.project, in)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Rejected, 2)
	assert.Equal(t, Rejection{Collection: CollectionAssignments, Group: -1, Index: 0, Reason: verr.Rejected[0].Reason}, verr.Rejected[0])
	assert.Equal(t, CollectionInstallments, verr.Rejected[1].Collection)
	assert.Equal(t, 0, verr.Rejected[1].Group)
	assert.Equal(t, 1, verr.Rejected[1].Index)

	s := f.snapshot(t, f.project)
	assert.Empty(t, s.Assignments)
	assert.Empty(t, s.Installments)
}

func TestReconcile_ExpensesLenientReportsDroppedRows(t *testing.T) {
	f := setupLedger(t)
	r := NewReconciler(Options{Strict: false, DefaultCurrency: "CNY"})
	in := mustInput(t, "", "", `[{"item":"Cement","amount":500},{"item":"","amount":100},{"item":"Steel","amount":"abc"}]`)

	report, err := f.reconcile(t, r, f.project, in)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expenses)
	require.Len(t, report.Rejected, 2)
	assert.Equal(t, 1, report.Rejected[0].Index)
	assert.Equal(t, 2, report.Rejected[1].Index)

	assert.Equal(t, []string{"Cement:500:CNY"}, expenseItems(f.snapshot(t, f.project).Expenses))
}

func TestReconcile_Idempotent(t *testing.T) {
	f := setupLedger(t)
	in := mustInput(t,
		`[{"investorId":1,"investmentAmount":3000},{"investorId":2}]`,
		`[{"investorId":1,"payments":[{"amount":1000},{"amount":2000}]},{"investorId":2,"payments":[{"amount":"750.25"}]}]`,
		`[{"phase":"基础","category":"材料","item":"Cement","amount":500,"expenseDate":"2026-02-01"},{"item":"Labor","amount":1200,"currency":"cny"}]`,
	)

	_, err := f.reconcile(t, strict(), f.project, in)
	require.NoError(t, err)
	first := f.snapshot(t, f.project)

	_, err = f.reconcile(t, strict(), f.project, in)
	require.NoError(t, err)
	second := f.snapshot(t, f.project)

	assert.Equal(t, installmentKeys(first.Installments), installmentKeys(second.Installments))
	assert.Equal(t, expenseItems(first.Expenses), expenseItems(second.Expenses))
	require.Len(t, second.Assignments, 2)
	assert.Len(t, first.Assignments, 2)
	assert.Equal(t, []string{"Cement:500:USD", "Labor:1200:CNY"}, expenseItems(second.Expenses))
}

func TestReconcile_OmittedCollectionUntouched(t *testing.T) {
	f := setupLedger(t)
	_, err := f.reconcile(t, strict(), f.project, mustInput(t,
		`[{"investorId":1,"investmentAmount":100}]`, "",
		`[{"item":"Cement","amount":500},{"item":"Sand","amount":80}]`,
	))
	require.NoError(t, err)
	before := f.snapshot(t, f.project)

	// 只修改投资人
	_, err = f.reconcile(t, strict(), f.project, mustInput(t, `[{"investorId":2,"investmentAmount":900}]`, "", ""))
	require.NoError(t, err)
	after := f.snapshot(t, f.project)

	assert.Equal(t, before.Expenses, after.Expenses)
	require.Len(t, after.Assignments, 1)
	assert.Equal(t, f.investorB, after.Assignments[0].InvestorID)

	// 只修改支出
	_, err = f.reconcile(t, strict(), f.project, mustInput(t, "", "", `[{"item":"Steel","amount":42}]`))
	require.NoError(t, err)
	final := f.snapshot(t, f.project)
	assert.Equal(t, after.Assignments, final.Assignments)
	assert.Equal(t, after.Installments, final.Installments)
	assert.Equal(t, []string{"Steel:42:USD"}, expenseItems(final.Expenses))
}

func TestReconcile_DeduplicatesAssignments(t *testing.T) {
	f := setupLedger(t)
	in := mustInput(t,
		`[{"investorId":1,"investmentAmount":100},{"investorId":"1","investmentAmount":300},{"investorId":1}]`,
		`[{"investorId":"1","payments":[{"amount":50}]},{"investorId":2,"payments":[]}]`,
		"",
	)

	report, err := f.reconcile(t, strict(), f.project, in)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Assignments)

	s := f.snapshot(t, f.project)
	require.Len(t, s.Assignments, 2)
	assert.Equal(t, f.investorA, s.Assignments[0].InvestorID)
	assert.True(t, s.Assignments[0].InvestmentAmount.Decimal.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, f.investorB, s.Assignments[1].InvestorID)
	assert.False(t, s.Assignments[1].InvestmentAmount.Valid)
}

func TestReconcile_InstallmentNumbersContiguous(t *testing.T) {
	f := setupLedger(t)
	in := mustInput(t, "",
		`[{"investorId":1,"payments":[{"amount":1},{"amount":2},{"amount":3}]},
		  {"investorId":2,"payments":[{"amount":10},{"amount":20}]},
		  {"investorId":1,"payments":[{"amount":4}]}]`,
		"",
	)

	_, err := f.reconcile(t, strict(), f.project, in)
	require.NoError(t, err)

	numbers := make(map[uint][]int)
	for _, row := range f.snapshot(t, f.project).Installments {
		numbers[row.InvestorID] = append(numbers[row.InvestorID], row.InstallmentNo)
	}
	assert.Equal(t, []int{1, 2, 3, 4}, numbers[f.investorA])
	assert.Equal(t, []int{1, 2}, numbers[f.investorB])

	// 减少期数后重新编号
	_, err = f.reconcile(t, strict(), f.project, mustInput(t, "", `[{"investorId":1,"payments":[{"amount":9}]}]`, ""))
	require.NoError(t, err)
	assert.Equal(t, []installmentKey{{f.investorA, 1, "9"}}, installmentKeys(f.snapshot(t, f.project).Installments))
}

func TestReconcile_LenientInstallmentsStayContiguous(t *testing.T) {
	f := setupLedger(t)
	r := NewReconciler(Options{Strict: false})
	in := mustInput(t, "", `[{"investorId":1,"payments":[{"amount":1},{"amount":"x"},{"amount":3}]},{"investorId":"bad","payments":[{"amount":5}]}]`, "")

	report, err := f.reconcile(t, r, f.project, in)
	require.NoError(t, err)
	assert.Equal(t, []Rejection{
		{Collection: CollectionInstallments, Group: 0, Index: 1, Reason: "金额不是数字: x"},
		{Collection: CollectionInstallments, Group: 1, Index: -1, Reason: "投资人 ID 无效: bad"},
	}, report.Rejected)
	assert.Equal(t, []installmentKey{{f.investorA, 1, "1"}, {f.investorA, 2, "3"}}, installmentKeys(f.snapshot(t, f.project).Installments))
}

func TestReconcile_OtherProjectsUntouched(t *testing.T) {
	f := setupLedger(t)
	seed := mustInput(t, `[{"investorId":1,"investmentAmount":100}]`, "", `[{"item":"Cement","amount":500}]`)
	_, err := f.reconcile(t, strict(), f.other, seed)
	require.NoError(t, err)
	before := f.snapshot(t, f.other)

	_, err = f.reconcile(t, strict(), f.project, mustInput(t, `[]`, `[]`, `[]`))
	require.NoError(t, err)
	_, err = f.reconcile(t, strict(), f.project, seed)
	require.NoError(t, err)

	assert.Equal(t, before, f.snapshot(t, f.other))
}

func TestReconcile_PresentEmptyClears(t *testing.T) {
	f := setupLedger(t)
	_, err := f.reconcile(t, strict(), f.project, mustInput(t,
		`[{"investorId":1,"investmentAmount":100}]`,
		`[{"investorId":2,"payments":[{"amount":5}]}]`,
		`[{"item":"Cement","amount":500}]`,
	))
	require.NoError(t, err)

	report, err := f.reconcile(t, strict(), f.project, mustInput(t, `null`, "", `[]`))
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)

	s := f.snapshot(t, f.project)
	assert.Empty(t, s.Assignments)
	assert.Empty(t, s.Installments)
	assert.Empty(t, s.Expenses)
}

func TestReconcile_UnknownInvestor(t *testing.T) {
	f := setupLedger(t)
	_, err := f.reconcile(t, strict(), f.project, mustInput(t, `[{"investorId":1,"investmentAmount":100}]`, "", ""))
	require.NoError(t, err)
	before := f.snapshot(t, f.project)

	_, err = f.reconcile(t, strict(), f.project, mustInput(t, `[{"investorId":1},{"investorId":99}]`, "", ""))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownInvestor)
	var uerr *UnknownInvestorError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, []uint{99}, uerr.IDs)

	assert.Equal(t, before, f.snapshot(t, f.project))
}

func TestReconcile_FailureLeavesLedgerIntact(t *testing.T) {
	f := setupLedger(t)
	_, err := f.reconcile(t, strict(), f.project, mustInput(t,
		`[{"investorId":1,"investmentAmount":100}]`,
		`[{"investorId":1,"payments":[{"amount":60},{"amount":40}]}]`,
		`[{"item":"Cement","amount":500}]`,
	))
	require.NoError(t, err)
	before := f.snapshot(t, f.project)

	// 投资人分配和分期已重写之后，在写入支出时失败
	errInjected := errors.New("injected failure")
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("test:fail_expenses", func(d *gorm.DB) {
		if d.Statement.Table == "project_expenses" {
			d.AddError(errInjected)
		}
	}))

	_, err = f.reconcile(t, strict(), f.project, mustInput(t,
		`[{"investorId":2,"investmentAmount":999}]`,
		`[{"investorId":2,"payments":[{"amount":999}]}]`,
		`[{"item":"Steel","amount":1}]`,
	))
	require.ErrorIs(t, err, errInjected)

	assert.Equal(t, before, f.snapshot(t, f.project))
}

func TestReconcile_CancelledContext(t *testing.T) {
	f := setupLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, err := strict().Reconcile(ctx, tx, f.project, mustInput(t, "", "", `[{"item":"Cement","amount":500}]`))
		return err
	})
	require.Error(t, err)
	assert.Empty(t, f.snapshot(t, f.project).Expenses)
}

func TestPrepare_NoDatabaseAccess(t *testing.T) {
	plan, err := strict().Prepare(Input{Expenses: Of(ExpenseRow{Item: " Cement ", Amount: json.RawMessage(`500`)})})
	require.NoError(t, err)
	require.Len(t, plan.expenses, 1)
	assert.Equal(t, "Cement", plan.expenses[0].Item)
	assert.Equal(t, "USD", plan.expenses[0].Currency)
	assert.False(t, plan.touchInvestors)

	assert.True(t, Input{}.Empty())
	assert.False(t, Input{Assignments: Of[AssignmentRow]()}.Empty())
}
