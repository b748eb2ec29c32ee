package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// 项目状态
const (
	ProjectStatusPlanning   = "planning"
	ProjectStatusInProgress = "in_progress"
	ProjectStatusCompleted  = "completed"
	ProjectStatusOnHold     = "on_hold"
)

// GetProjectStatuses 获取所有项目状态
func GetProjectStatuses() []string {
	return []string{
		ProjectStatusPlanning,
		ProjectStatusInProgress,
		ProjectStatusCompleted,
		ProjectStatusOnHold,
	}
}

// IsValidProjectStatus 状态是否合法
func IsValidProjectStatus(s string) bool {
	for _, v := range GetProjectStatuses() {
		if v == s {
			return true
		}
	}
	return false
}

// Project 工程项目
// 项目独占投资人分配、投资分期、支出明细三类账目，删除项目时级联删除
type Project struct {
	ID          uint                `json:"id" gorm:"primaryKey"`
	Title       string              `json:"title" gorm:"size:200;not null"`
	Description string              `json:"description" gorm:"type:text"`
	Location    string              `json:"location" gorm:"size:255"`
	Type        string              `json:"type" gorm:"size:50;index"`
	Status      string              `json:"status" gorm:"size:20;default:planning;index"`
	CustomerID  *uint               `json:"customer_id" gorm:"index"`
	Budget      decimal.NullDecimal `json:"budget" gorm:"type:decimal(15,2)"`
	ActualCost  decimal.NullDecimal `json:"actual_cost" gorm:"type:decimal(15,2)"`
	StartDate   *time.Time          `json:"start_date"`
	EndDate     *time.Time          `json:"end_date"`
	Progress    int                 `json:"progress" gorm:"default:0"`
	Published   bool                `json:"published" gorm:"default:false;index"`
	Notes       string              `json:"notes" gorm:"type:text"`
	Version     uint                `json:"version" gorm:"not null;default:1"` // 乐观锁版本号，每次更新 +1
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`

	Customer    *Customer               `json:"customer,omitempty" gorm:"foreignKey:CustomerID;constraint:OnDelete:SET NULL"`
	Investors   []ProjectInvestor       `json:"investors" gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE"`
	Investments []InvestmentInstallment `json:"investments" gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE"`
	Expenses    []ProjectExpense        `json:"expenses" gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE"`
}

// TableName 设置表名
func (Project) TableName() string {
	return "projects"
}
