// Package ledger 同步项目账目：投资人分配、投资分期、支出明细
//
// 三类集合都采用整体替换：调用方提供的集合即为期望状态，未提供的集合保持不变。
// 所有删除和插入在调用方传入的同一事务中执行。
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"buildsite/logger"
	"buildsite/metrics"
	"buildsite/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 集合名称，用于拒绝行报告和指标
const (
	CollectionAssignments  = "assignments"
	CollectionInstallments = "installments"
	CollectionExpenses     = "expenses"
)

// ErrUnknownInvestor 引用了不存在的投资人
var ErrUnknownInvestor = errors.New("投资人不存在")

// Input 三类账目的期望状态
type Input struct {
	Assignments       Collection[AssignmentRow]
	InstallmentGroups Collection[InstallmentGroup]
	Expenses          Collection[ExpenseRow]
}

// Empty 三个集合都未提供
func (in Input) Empty() bool {
	return !in.Assignments.Present() && !in.InstallmentGroups.Present() && !in.Expenses.Present()
}

// Rejection 一条无效行
// Group 仅用于分期付款，表示所在分组下标；其他集合为 -1
// Index 为行在集合（或分组 payments）中的下标；整组无效时为 -1
type Rejection struct {
	Collection string `json:"collection"`
	Group      int    `json:"group"`
	Index      int    `json:"index"`
	Reason     string `json:"reason"`
}

func (r Rejection) String() string {
	if r.Group >= 0 {
		return fmt.Sprintf("%s[%d].payments[%d]: %s", r.Collection, r.Group, r.Index, r.Reason)
	}
	return fmt.Sprintf("%s[%d]: %s", r.Collection, r.Index, r.Reason)
}

// ValidationError 严格模式下存在无效行，整次同步被拒绝
type ValidationError struct {
	Rejected []Rejection
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Rejected))
	for _, r := range e.Rejected {
		parts = append(parts, r.String())
	}
	return "账目数据校验失败: " + strings.Join(parts, "; ")
}

// UnknownInvestorError 列出不存在的投资人
type UnknownInvestorError struct {
	IDs []uint
}

func (e *UnknownInvestorError) Error() string {
	return fmt.Sprintf("投资人不存在: %v", e.IDs)
}

func (e *UnknownInvestorError) Is(target error) bool {
	return target == ErrUnknownInvestor
}

// Report 同步结果
type Report struct {
	Assignments  int         `json:"assignments"`
	Installments int         `json:"installments"`
	Expenses     int         `json:"expenses"`
	Rejected     []Rejection `json:"rejected,omitempty"`
}

// Options 同步选项
type Options struct {
	// Strict 为 true 时任一无效行拒绝整次同步，否则跳过无效行并在 Report.Rejected 中报告
	Strict          bool
	DefaultCurrency string
}

// Reconciler 账目同步器
type Reconciler struct {
	opts Options
}

// NewReconciler 创建同步器
func NewReconciler(opts Options) *Reconciler {
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "USD"
	}
	return &Reconciler{opts: opts}
}

type assignment struct {
	investorID uint
	amount     decimal.NullDecimal
}

type payment struct {
	amount decimal.Decimal
	paidAt *time.Time
}

type group struct {
	investorID uint
	payments   []payment
}

// Plan 校验后的写入计划，可在事务外构造
type Plan struct {
	touchInvestors bool
	touchExpenses  bool
	assignments    []assignment
	groups         []group
	hasGroups      bool
	expenses       []models.ProjectExpense
	rejected       []Rejection
}

// Rejected 被跳过的无效行
func (p *Plan) Rejected() []Rejection {
	return p.rejected
}

// investorIDs 计划引用的全部投资人（去重，按出现顺序）
func (p *Plan) investorIDs() []uint {
	seen := make(map[uint]bool)
	var ids []uint
	add := func(id uint) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, a := range p.assignments {
		add(a.investorID)
	}
	for _, g := range p.groups {
		add(g.investorID)
	}
	return ids
}

// Prepare 校验输入并生成写入计划，不访问数据库
func (r *Reconciler) Prepare(in Input) (*Plan, error) {
	p := &Plan{
		touchInvestors: in.Assignments.Present() || in.InstallmentGroups.Present(),
		touchExpenses:  in.Expenses.Present(),
		hasGroups:      in.InstallmentGroups.Present(),
	}
	reject := func(collection string, g, i int, reason string) {
		p.rejected = append(p.rejected, Rejection{Collection: collection, Group: g, Index: i, Reason: reason})
	}

	// 同一投资人重复出现时合并为一行，后出现的金额覆盖先出现的
	byInvestor := make(map[uint]int)
	for i, row := range in.Assignments.Items() {
		id, err := ParseInvestorID(row.InvestorID)
		if err != nil {
			reject(CollectionAssignments, -1, i, err.Error())
			continue
		}
		amount, ok, err := ParseAmount(row.InvestmentAmount)
		if err != nil {
			reject(CollectionAssignments, -1, i, err.Error())
			continue
		}
		a := assignment{investorID: id, amount: decimal.NullDecimal{Decimal: amount, Valid: ok}}
		if idx, dup := byInvestor[id]; dup {
			if ok {
				p.assignments[idx].amount = a.amount
			}
			continue
		}
		byInvestor[id] = len(p.assignments)
		p.assignments = append(p.assignments, a)
	}

	// 同一投资人的多个分组按出现顺序合并，期数连续编号
	groupIdx := make(map[uint]int)
	for gi, row := range in.InstallmentGroups.Items() {
		id, err := ParseInvestorID(row.InvestorID)
		if err != nil {
			reject(CollectionInstallments, gi, -1, err.Error())
			continue
		}
		var payments []payment
		for pi, pr := range row.Payments {
			amount, ok, err := ParseAmount(pr.Amount)
			if err != nil {
				reject(CollectionInstallments, gi, pi, err.Error())
				continue
			}
			if !ok {
				reject(CollectionInstallments, gi, pi, "缺少金额")
				continue
			}
			paidAt, err := ParseDate(pr.PaidAt)
			if err != nil {
				reject(CollectionInstallments, gi, pi, err.Error())
				continue
			}
			payments = append(payments, payment{amount: amount, paidAt: paidAt})
		}
		if idx, dup := groupIdx[id]; dup {
			p.groups[idx].payments = append(p.groups[idx].payments, payments...)
			continue
		}
		groupIdx[id] = len(p.groups)
		p.groups = append(p.groups, group{investorID: id, payments: payments})
	}

	for i, row := range in.Expenses.Items() {
		item := strings.TrimSpace(row.Item)
		if item == "" {
			reject(CollectionExpenses, -1, i, "缺少支出项目")
			continue
		}
		amount, ok, err := ParseAmount(row.Amount)
		if err != nil {
			reject(CollectionExpenses, -1, i, err.Error())
			continue
		}
		if !ok {
			reject(CollectionExpenses, -1, i, "缺少金额")
			continue
		}
		date, err := ParseDate(row.ExpenseDate)
		if err != nil {
			reject(CollectionExpenses, -1, i, err.Error())
			continue
		}
		currency := strings.ToUpper(strings.TrimSpace(row.Currency))
		if currency == "" {
			currency = r.opts.DefaultCurrency
		}
		p.expenses = append(p.expenses, models.ProjectExpense{
			Phase:       strings.TrimSpace(row.Phase),
			Category:    strings.TrimSpace(row.Category),
			Item:        item,
			Amount:      amount,
			Currency:    currency,
			ExpenseDate: date,
			Notes:       row.Notes,
		})
	}

	if len(p.rejected) > 0 {
		counts := make(map[string]int)
		for _, rj := range p.rejected {
			counts[rj.Collection]++
		}
		for collection, n := range counts {
			metrics.RecordRejectedRows(collection, n)
		}
		if r.opts.Strict {
			return nil, &ValidationError{Rejected: p.rejected}
		}
	}
	return p, nil
}

// Reconcile 校验并在 tx 中同步 projectID 的账目
func (r *Reconciler) Reconcile(ctx context.Context, tx *gorm.DB, projectID uint, in Input) (Report, error) {
	plan, err := r.Prepare(in)
	if err != nil {
		return Report{}, err
	}
	return r.Apply(ctx, tx, projectID, plan)
}

// Apply 在 tx 中执行写入计划
func (r *Reconciler) Apply(ctx context.Context, tx *gorm.DB, projectID uint, plan *Plan) (Report, error) {
	report := Report{Rejected: plan.rejected}
	tx = tx.WithContext(ctx)
	log := logger.FromContext(ctx)

	if ids := plan.investorIDs(); len(ids) > 0 {
		if err := checkInvestors(tx, ids); err != nil {
			return report, err
		}
	}

	if plan.touchInvestors {
		n, err := replaceAssignments(tx, projectID, plan)
		if err != nil {
			return report, fmt.Errorf("同步投资人分配失败: %w", err)
		}
		report.Assignments = n

		n, err = replaceInstallments(tx, projectID, plan)
		if err != nil {
			return report, fmt.Errorf("同步投资分期失败: %w", err)
		}
		report.Installments = n
	}

	if plan.touchExpenses {
		n, err := replaceExpenses(tx, projectID, plan.expenses)
		if err != nil {
			return report, fmt.Errorf("同步支出明细失败: %w", err)
		}
		report.Expenses = n
	}

	log.Debug("账目同步完成",
		zap.Uint("project_id", projectID),
		zap.Int("assignments", report.Assignments),
		zap.Int("installments", report.Installments),
		zap.Int("expenses", report.Expenses),
		zap.Int("rejected", len(report.Rejected)),
	)
	return report, nil
}

func checkInvestors(tx *gorm.DB, ids []uint) error {
	var found []uint
	if err := tx.Model(&models.Investor{}).Where("id IN ?", ids).Pluck("id", &found).Error; err != nil {
		return err
	}
	exists := make(map[uint]bool, len(found))
	for _, id := range found {
		exists[id] = true
	}
	var missing []uint
	for _, id := range ids {
		if !exists[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return &UnknownInvestorError{IDs: missing}
	}
	return nil
}

// replaceAssignments 分配行为 assignments 与分期分组引用的投资人并集，金额只取自 assignments
func replaceAssignments(tx *gorm.DB, projectID uint, plan *Plan) (int, error) {
	if err := tx.Where("project_id = ?", projectID).Delete(&models.ProjectInvestor{}).Error; err != nil {
		return 0, err
	}

	amounts := make(map[uint]decimal.NullDecimal, len(plan.assignments))
	for _, a := range plan.assignments {
		amounts[a.investorID] = a.amount
	}
	ids := plan.investorIDs()
	if len(ids) == 0 {
		return 0, nil
	}

	rows := make([]models.ProjectInvestor, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, models.ProjectInvestor{
			ProjectID:        projectID,
			InvestorID:       id,
			InvestmentAmount: amounts[id],
		})
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// replaceInstallments 有分期分组时按 payments 顺序编号；
// 只提供 assignments 时，每个带金额的投资人生成一期（旧版单金额格式）
func replaceInstallments(tx *gorm.DB, projectID uint, plan *Plan) (int, error) {
	if err := tx.Where("project_id = ?", projectID).Delete(&models.InvestmentInstallment{}).Error; err != nil {
		return 0, err
	}

	var rows []models.InvestmentInstallment
	if plan.hasGroups {
		for _, g := range plan.groups {
			for i, p := range g.payments {
				rows = append(rows, models.InvestmentInstallment{
					ProjectID:     projectID,
					InvestorID:    g.investorID,
					InstallmentNo: i + 1,
					Amount:        p.amount,
					PaidAt:        p.paidAt,
				})
			}
		}
	} else {
		for _, a := range plan.assignments {
			if !a.amount.Valid {
				continue
			}
			rows = append(rows, models.InvestmentInstallment{
				ProjectID:     projectID,
				InvestorID:    a.investorID,
				InstallmentNo: 1,
				Amount:        a.amount.Decimal,
			})
		}
	}

	if len(rows) == 0 {
		return 0, nil
	}
	if err := tx.Create(&rows).Error; err != nil {
		return 0, err
	}
	return len(rows), nil
}

func replaceExpenses(tx *gorm.DB, projectID uint, expenses []models.ProjectExpense) (int, error) {
	if err := tx.Where("project_id = ?", projectID).Delete(&models.ProjectExpense{}).Error; err != nil {
		return 0, err
	}
	if len(expenses) == 0 {
		return 0, nil
	}

	rows := make([]models.ProjectExpense, len(expenses))
	for i, e := range expenses {
		e.ProjectID = projectID
		rows[i] = e
	}
	if err := tx.Create(&rows).Error; err != nil {
		return 0, err
	}
	return len(rows), nil
}
