// Package errors 提供應用程式錯誤處理
//
// 計數快取層的錯誤以「種類」區分，呼叫端依 Code 分支，而非比對錯誤字串：
//   - CONNECTION_UNAVAILABLE：重試預算用盡仍無法連上 Redis
//   - CACHE_COMMAND：單一 Redis 命令失敗（暫時性）
//   - DURABLE_WRITE：對帳時單筆資料庫寫入失敗
//   - UNEXPECTED：其他（含 recover 到的 panic）
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeConnectionUnavailable 快取連線不可用
	ErrCodeConnectionUnavailable = "CONNECTION_UNAVAILABLE"
	// ErrCodeCacheCommand 快取命令失敗
	ErrCodeCacheCommand = "CACHE_COMMAND"
	// ErrCodeDurableWrite 持久層寫入失敗
	ErrCodeDurableWrite = "DURABLE_WRITE"
	// ErrCodeUnexpected 未預期錯誤
	ErrCodeUnexpected = "UNEXPECTED"
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeUnauthorized 認證失敗
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is，同 Code 即視為相同
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回附帶詳細資訊的副本（預定義錯誤是共用的，不能原地修改）
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrConnectionUnavailable Redis 連線不可用
	ErrConnectionUnavailable = New(ErrCodeConnectionUnavailable, "cache connection unavailable")

	// ErrCacheCommand Redis 命令失敗
	ErrCacheCommand = New(ErrCodeCacheCommand, "cache command failed")

	// ErrDurableWrite 資料庫寫入失敗
	ErrDurableWrite = New(ErrCodeDurableWrite, "durable write failed")

	// ErrUnexpected 未預期錯誤
	ErrUnexpected = New(ErrCodeUnexpected, "unexpected error")

	// ErrPostNotFound 文章不存在
	ErrPostNotFound = New(ErrCodeNotFound, "post not found")

	// ErrUnauthorized 認證失敗
	ErrUnauthorized = New(ErrCodeUnauthorized, "unauthorized")

	// ErrInvalidPostID 無效的文章 ID
	ErrInvalidPostID = New(ErrCodeInvalidInput, "invalid post id")
)

// KindOf 返回錯誤種類；非 AppError 一律視為 UNEXPECTED，nil 返回空字串
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeUnexpected
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsConnectionUnavailable 檢查是否為連線不可用錯誤
func IsConnectionUnavailable(err error) bool {
	return hasCode(err, ErrCodeConnectionUnavailable)
}

// IsCacheCommand 檢查是否為快取命令錯誤
func IsCacheCommand(err error) bool {
	return hasCode(err, ErrCodeCacheCommand)
}

// IsDurableWrite 檢查是否為持久層寫入錯誤
func IsDurableWrite(err error) bool {
	return hasCode(err, ErrCodeDurableWrite)
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsUnauthorized 檢查是否為認證錯誤
func IsUnauthorized(err error) bool {
	return hasCode(err, ErrCodeUnauthorized)
}

// IsInvalidInput 檢查是否為無效輸入錯誤
func IsInvalidInput(err error) bool {
	return hasCode(err, ErrCodeInvalidInput)
}
