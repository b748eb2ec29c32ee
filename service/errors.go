package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"buildsite/ledger"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("记录不存在")
	// ErrValidation 参数校验失败
	ErrValidation = errors.New("参数校验失败")
	// ErrVersionConflict 记录已被其他请求修改
	ErrVersionConflict = errors.New("数据已被修改，请刷新后重试")
	// ErrInUse 记录仍被引用
	ErrInUse = errors.New("记录仍被引用，无法删除")
	// ErrTransactionAborted 事务因锁等待或死锁中止，可重试
	ErrTransactionAborted = errors.New("数据库繁忙，请稍后重试")
)

// MySQL 死锁与锁等待超时
const (
	mysqlErrDeadlock        = 1213
	mysqlErrLockWaitTimeout = 1205
)

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsRetryable 调用方可原样重试
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionAborted)
}

// translate 把存储层和账目错误转换为服务层错误，已转换的错误原样返回
func translate(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrValidation),
		errors.Is(err, ErrVersionConflict), errors.Is(err, ErrInUse),
		errors.Is(err, ErrTransactionAborted):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, ledger.ErrUnknownInvestor):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, ledger.ErrMalformed):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return fmt.Errorf("%w: %w", ErrInUse, err)
	case errors.Is(err, context.DeadlineExceeded), isLockConflict(err):
		return fmt.Errorf("%w: %w", ErrTransactionAborted, err)
	}

	var verr *ledger.ValidationError
	if errors.As(err, &verr) {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return err
}

func isLockConflict(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlErrDeadlock || me.Number == mysqlErrLockWaitTimeout
	}
	// sqlite 只能通过错误文本判断
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
