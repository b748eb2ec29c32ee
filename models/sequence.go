package models

// DailySequence 按 (kind, day) 计数的编号计数器
type DailySequence struct {
	ID      uint   `gorm:"primaryKey"`
	Kind    string `gorm:"size:8;not null;uniqueIndex:uk_kind_day"`
	Day     string `gorm:"size:8;not null;uniqueIndex:uk_kind_day"` // YYYYMMDD
	Counter int    `gorm:"not null;default:0"`
}

// TableName 设置表名
func (DailySequence) TableName() string {
	return "daily_sequences"
}
