package models

import "time"

// Customer 客户，CustomerNo 格式 CUS-YYYYMMDD-NNN
type Customer struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	CustomerNo string    `json:"customer_no" gorm:"size:20;not null;uniqueIndex"`
	Name       string    `json:"name" gorm:"size:100;not null"`
	Email      string    `json:"email" gorm:"size:100"`
	Phone      string    `json:"phone" gorm:"size:30"`
	Company    string    `json:"company" gorm:"size:150"`
	Address    string    `json:"address" gorm:"size:255"`
	Notes      string    `json:"notes" gorm:"type:text"`
	IsActive   bool      `json:"is_active" gorm:"default:true"`
	CreatedAt  time.Time `json:"created_at" gorm:"index"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName 设置表名
func (Customer) TableName() string {
	return "customers"
}

// Investor 投资人，InvestorNo 格式 INV-YYYYMMDD-NNN
// 投资人独立存在，账目行只引用不拥有
type Investor struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	InvestorNo string    `json:"investor_no" gorm:"size:20;not null;uniqueIndex"`
	Name       string    `json:"name" gorm:"size:100;not null"`
	Email      string    `json:"email" gorm:"size:100"`
	Phone      string    `json:"phone" gorm:"size:30"`
	Address    string    `json:"address" gorm:"size:255"`
	Notes      string    `json:"notes" gorm:"type:text"`
	IsActive   bool      `json:"is_active" gorm:"default:true"`
	CreatedAt  time.Time `json:"created_at" gorm:"index"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName 设置表名
func (Investor) TableName() string {
	return "investors"
}
