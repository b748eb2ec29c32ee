package service

import (
	"bytes"
	"encoding/json"
)

// Field 部分更新字段：未设置（保持原值）、设置为值、清空
type Field[T any] struct {
	set   bool
	null  bool
	value T
}

// Set 设置为 v
func Set[T any](v T) Field[T] {
	return Field[T]{set: true, value: v}
}

// Clear 清空
func Clear[T any]() Field[T] {
	return Field[T]{set: true, null: true}
}

// IsSet 是否提供了该字段
func (f Field[T]) IsSet() bool {
	return f.set
}

// IsNull 是否要求清空
func (f Field[T]) IsNull() bool {
	return f.set && f.null
}

// Value 设置的值，未设置或清空时为零值
func (f Field[T]) Value() T {
	return f.value
}

// UnmarshalJSON null 表示清空，字段缺失时不会被调用
func (f *Field[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*f = Clear[T]()
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Set(v)
	return nil
}
