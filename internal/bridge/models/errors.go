package models

import (
	"errors"
	"fmt"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("not found")

// StorageError 存储层错误（注册表 / 消息账本 / 管理员表）
type StorageError struct {
	Op  string
	Err error
}

// NewStorageError 包装存储错误
func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ResolutionError Telegram 标识无法解析为实体
type ResolutionError struct {
	Identifier string
	Err        error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve %q: %v", e.Identifier, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// SendFailure Delta Chat 写入失败
type SendFailure struct {
	ChatID int64
	Err    error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("failed to send to chat %d: %v", e.ChatID, e.Err)
}

func (e *SendFailure) Unwrap() error { return e.Err }

// IsNotFound 判断是否为记录不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
