package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformed 账目字段存在但无法解析
var ErrMalformed = errors.New("账目数据格式错误")

// Collection 可选的期望状态集合
// 零值表示调用方未提供该集合（不修改）；Present 为 true 时即使为空也会清空已有行
type Collection[T any] struct {
	present bool
	items   []T
}

// Of 构造已提供的集合
func Of[T any](items ...T) Collection[T] {
	return Collection[T]{present: true, items: items}
}

// Omitted 构造未提供的集合
func Omitted[T any]() Collection[T] {
	return Collection[T]{}
}

// Present 调用方是否提供了该集合
func (c Collection[T]) Present() bool {
	return c.present
}

// Items 集合元素
func (c Collection[T]) Items() []T {
	return c.items
}

// Len 元素个数
func (c Collection[T]) Len() int {
	return len(c.items)
}

// AssignmentRow 投资人分配（investorsJson 的元素）
type AssignmentRow struct {
	InvestorID       json.RawMessage `json:"investorId"`
	InvestmentAmount json.RawMessage `json:"investmentAmount,omitempty"`
}

// PaymentRow 单次付款
type PaymentRow struct {
	Amount json.RawMessage `json:"amount"`
	PaidAt json.RawMessage `json:"paidAt,omitempty"`
}

// InstallmentGroup 某投资人的分期付款（investorPaymentsJson 的元素）
type InstallmentGroup struct {
	InvestorID json.RawMessage `json:"investorId"`
	Payments   []PaymentRow    `json:"payments"`
}

// ExpenseRow 支出明细（expensesJson 的元素）
type ExpenseRow struct {
	Phase       string          `json:"phase,omitempty"`
	Category    string          `json:"category,omitempty"`
	Item        string          `json:"item"`
	Amount      json.RawMessage `json:"amount"`
	Currency    string          `json:"currency,omitempty"`
	ExpenseDate json.RawMessage `json:"expenseDate,omitempty"`
	Notes       string          `json:"notes,omitempty"`
}

// ParseAssignments 解析 investorsJson
func ParseAssignments(raw json.RawMessage) (Collection[AssignmentRow], error) {
	return parseCollection[AssignmentRow]("investorsJson", raw)
}

// ParseInstallmentGroups 解析 investorPaymentsJson
func ParseInstallmentGroups(raw json.RawMessage) (Collection[InstallmentGroup], error) {
	return parseCollection[InstallmentGroup]("investorPaymentsJson", raw)
}

// ParseExpenses 解析 expensesJson
func ParseExpenses(raw json.RawMessage) (Collection[ExpenseRow], error) {
	return parseCollection[ExpenseRow]("expensesJson", raw)
}

// parseCollection 支持三种形式：
//   - 字段缺失或空字符串：未提供
//   - null：已提供，为空
//   - JSON 数组，或内容为 JSON 数组的字符串（旧版表单字段）
func parseCollection[T any](field string, raw json.RawMessage) (Collection[T], error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Omitted[T](), nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Collection[T]{}, fmt.Errorf("%w: %s: %v", ErrMalformed, field, err)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return Omitted[T](), nil
		}
		raw = json.RawMessage(s)
	}

	if bytes.Equal(raw, []byte("null")) {
		return Of[T](), nil
	}
	if raw[0] != '[' {
		return Collection[T]{}, fmt.Errorf("%w: %s 必须是数组", ErrMalformed, field)
	}

	var items []T
	if err := json.Unmarshal(raw, &items); err != nil {
		return Collection[T]{}, fmt.Errorf("%w: %s: %v", ErrMalformed, field, err)
	}
	if items == nil {
		items = []T{}
	}
	return Of(items...), nil
}

// isBlank 缺失、null 或空字符串
func isBlank(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return true
	}
	var s string
	if raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// scalarText 取 JSON 数字或字符串的文本
func scalarText(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return strings.TrimSpace(s), true
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return string(raw), true
	default:
		return "", false
	}
}

// ParseInvestorID 投资人 ID，接受正整数或数字字符串
func ParseInvestorID(raw json.RawMessage) (uint, error) {
	if isBlank(raw) {
		return 0, errors.New("缺少投资人")
	}
	s, ok := scalarText(raw)
	if !ok {
		return 0, errors.New("投资人 ID 无效")
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("投资人 ID 无效: %s", s)
	}
	return uint(id), nil
}

// ParseAmount 金额，接受数字或数字字符串；缺失时 ok 为 false，超出 CheckAmount 范围时返回错误
func ParseAmount(raw json.RawMessage) (amount decimal.Decimal, ok bool, err error) {
	if isBlank(raw) {
		return decimal.Zero, false, nil
	}
	s, valid := scalarText(raw)
	if !valid {
		return decimal.Zero, false, errors.New("金额不是数字")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("金额不是数字: %s", s)
	}
	if err := CheckAmount(d); err != nil {
		return decimal.Zero, false, err
	}
	return d, true, nil
}

// maxAmount 金额列为 decimal(15,2)，整数部分最多 13 位
var maxAmount = decimal.New(1, 13)

// CheckAmount 金额必须非负、最多两位小数且能存入 decimal(15,2)
func CheckAmount(d decimal.Decimal) error {
	switch {
	case d.IsNegative():
		return fmt.Errorf("金额不能为负数: %s", d.String())
	case d.Exponent() < -2 && !d.Equal(d.Round(2)):
		return fmt.Errorf("金额最多两位小数: %s", d.String())
	case d.Abs().GreaterThanOrEqual(maxAmount):
		return fmt.Errorf("金额超出范围: %s", d.String())
	}
	return nil
}

// ParseDate 日期，接受 YYYY-MM-DD 或 RFC3339；缺失返回 nil
func ParseDate(raw json.RawMessage) (*time.Time, error) {
	if isBlank(raw) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errors.New("日期必须是字符串")
	}
	return ParseDateString(s)
}

// ParseDateString 解析日期字符串，空串返回 nil
func ParseDateString(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return &t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	return nil, fmt.Errorf("日期格式无效: %s", s)
}
