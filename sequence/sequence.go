// Package sequence 生成按日递增的可读编号，格式 <PREFIX>-<YYYYMMDD>-<NNN>
package sequence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"buildsite/metrics"

	"gorm.io/gorm"
)

// Kind 编号类别，取值即编号前缀
type Kind string

const (
	KindCustomer Kind = "CUS"
	KindInvestor Kind = "INV"
)

// MaxSequence 每个类别每天最多发放的编号数，序号固定三位
const MaxSequence = 999

// ErrSequenceExhausted 当日编号已用尽
var ErrSequenceExhausted = errors.New("当日编号已用尽")

// Pattern 合法编号
var Pattern = regexp.MustCompile(`^(CUS|INV)-\d{8}-\d{3}$`)

// SeedFunc 返回当天该类别已使用的最大序号，计数器首次使用当天时以此为起点
type SeedFunc func() (int64, error)

// Counter 返回 (kind, day) 的下一个序号（从 1 开始）
// tx 为调用方的事务，实现可以在其中加锁以保证与后续插入原子提交
type Counter interface {
	Next(ctx context.Context, tx *gorm.DB, kind Kind, day time.Time, seed SeedFunc) (int, error)
	// Sync 把计数器抬高到不小于 floor，编号冲突后重试前调用
	Sync(ctx context.Context, tx *gorm.DB, kind Kind, day time.Time, floor int64) error
}

// Sequencer 编号生成器
type Sequencer struct {
	counter Counter
	now     func() time.Time
}

// Option Sequencer 选项
type Option func(*Sequencer)

// WithClock 替换时钟，测试使用
func WithClock(now func() time.Time) Option {
	return func(s *Sequencer) {
		s.now = now
	}
}

// New 创建编号生成器
func New(counter Counter, opts ...Option) *Sequencer {
	s := &Sequencer{counter: counter, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Next 在 tx 中生成 kind 的下一个编号
func (s *Sequencer) Next(ctx context.Context, tx *gorm.DB, kind Kind) (string, error) {
	src, err := sourceFor(kind)
	if err != nil {
		return "", err
	}
	now := s.now().In(time.Local)

	seq, err := s.counter.Next(ctx, tx, kind, now, func() (int64, error) {
		return issued(ctx, tx, src, kind, now)
	})
	if err != nil {
		return "", fmt.Errorf("生成%s编号失败: %w", kind, err)
	}
	if seq > MaxSequence {
		return "", fmt.Errorf("%s %s: %w", kind, DayKey(now), ErrSequenceExhausted)
	}

	metrics.RecordSequenceIssued(string(kind))
	return Format(kind, now, seq), nil
}

// Resync 按已落库的编号校正计数器
func (s *Sequencer) Resync(ctx context.Context, tx *gorm.DB, kind Kind) error {
	src, err := sourceFor(kind)
	if err != nil {
		return err
	}
	now := s.now().In(time.Local)
	floor, err := issued(ctx, tx, src, kind, now)
	if err != nil {
		return err
	}
	return s.counter.Sync(ctx, tx, kind, now, floor)
}

// Format 格式化编号
func Format(kind Kind, day time.Time, seq int) string {
	return fmt.Sprintf("%s-%s-%03d", kind, DayKey(day), seq)
}

// DayKey 日期部分 YYYYMMDD
func DayKey(t time.Time) string {
	return t.Format("20060102")
}

// DayRange 返回 t 所在自然日的 [开始, 结束]
func DayRange(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	end := start.Add(24*time.Hour - time.Nanosecond)
	return start, end
}

// CountCreated 统计 table 中 created_at 落在 day 当天的行数
func CountCreated(ctx context.Context, tx *gorm.DB, table string, day time.Time) (int64, error) {
	start, end := DayRange(day)
	var n int64
	err := tx.WithContext(ctx).Table(table).
		Where("created_at >= ? AND created_at <= ?", start, end).
		Count(&n).Error
	return n, err
}

// MaxIssued 返回 day 当天已落库编号的最大序号，没有时为 0
func MaxIssued(ctx context.Context, tx *gorm.DB, table, column string, kind Kind, day time.Time) (int64, error) {
	prefix := string(kind) + "-" + DayKey(day) + "-"
	var last sql.NullString
	err := tx.WithContext(ctx).Table(table).
		Select("MAX("+column+")").
		Where(column+" LIKE ?", prefix+"%").
		Row().Scan(&last)
	if err != nil {
		return 0, err
	}
	if !last.Valid || len(last.String) <= len(prefix) {
		return 0, nil
	}
	n, err := strconv.ParseInt(last.String[len(prefix):], 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// issued 当天已使用的序号：行数与最大编号取较大者
// 只看行数时，删除过当天记录会导致重复发号
func issued(ctx context.Context, tx *gorm.DB, src source, kind Kind, day time.Time) (int64, error) {
	count, err := CountCreated(ctx, tx, src.table, day)
	if err != nil {
		return 0, err
	}
	highest, err := MaxIssued(ctx, tx, src.table, src.column, kind, day)
	if err != nil {
		return 0, err
	}
	if highest > count {
		return highest, nil
	}
	return count, nil
}

type source struct {
	table  string
	column string
}

func sourceFor(kind Kind) (source, error) {
	switch kind {
	case KindCustomer:
		return source{table: "customers", column: "customer_no"}, nil
	case KindInvestor:
		return source{table: "investors", column: "investor_no"}, nil
	default:
		return source{}, fmt.Errorf("未知的编号类别: %q", kind)
	}
}
