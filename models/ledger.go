package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProjectInvestor 项目-投资人分配，(project_id, investor_id) 唯一
type ProjectInvestor struct {
	ID               uint                `json:"id" gorm:"primaryKey"`
	ProjectID        uint                `json:"project_id" gorm:"not null;uniqueIndex:uk_project_investor"`
	InvestorID       uint                `json:"investor_id" gorm:"not null;uniqueIndex:uk_project_investor;index"`
	InvestmentAmount decimal.NullDecimal `json:"investment_amount" gorm:"type:decimal(15,2)"`
	CreatedAt        time.Time           `json:"created_at"`

	Investor *Investor `json:"investor,omitempty" gorm:"foreignKey:InvestorID;constraint:OnDelete:RESTRICT"`
}

// TableName 设置表名
func (ProjectInvestor) TableName() string {
	return "project_investors"
}

// InvestmentInstallment 投资分期付款
// 同一 (project_id, investor_id) 下 installment_no 从 1 开始连续
type InvestmentInstallment struct {
	ID            uint            `json:"id" gorm:"primaryKey"`
	ProjectID     uint            `json:"project_id" gorm:"not null;uniqueIndex:uk_installment"`
	InvestorID    uint            `json:"investor_id" gorm:"not null;uniqueIndex:uk_installment;index"`
	InstallmentNo int             `json:"installment_no" gorm:"not null;uniqueIndex:uk_installment"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:decimal(15,2);not null"`
	PaidAt        *time.Time      `json:"paid_at"`
	CreatedAt     time.Time       `json:"created_at"`

	Investor *Investor `json:"-" gorm:"foreignKey:InvestorID;constraint:OnDelete:RESTRICT"`
}

// TableName 设置表名
func (InvestmentInstallment) TableName() string {
	return "investment_installments"
}

// ProjectExpense 项目支出明细
type ProjectExpense struct {
	ID          uint            `json:"id" gorm:"primaryKey"`
	ProjectID   uint            `json:"project_id" gorm:"not null;index"`
	Phase       string          `json:"phase" gorm:"size:100"`
	Category    string          `json:"category" gorm:"size:100"`
	Item        string          `json:"item" gorm:"size:255;not null"`
	Amount      decimal.Decimal `json:"amount" gorm:"type:decimal(15,2);not null"`
	Currency    string          `json:"currency" gorm:"size:8"`
	ExpenseDate *time.Time      `json:"expense_date" gorm:"index"`
	Notes       string          `json:"notes" gorm:"type:text"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TableName 设置表名
func (ProjectExpense) TableName() string {
	return "project_expenses"
}
