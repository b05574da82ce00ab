// Package logger 提供結構化日誌功能
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// contextKey 用於上下文的鍵類型
type contextKey string

const (
	// RequestIDKey 請求 ID 的上下文鍵
	RequestIDKey contextKey = "request_id"
	// PrincipalKey 認證後主體 ID 的上下文鍵
	PrincipalKey contextKey = "principal"
)

// Options 日誌設定
type Options struct {
	Level     string
	Format    string // json 或 text
	Output    string // stdout、stderr 或檔案路徑
	AddSource bool
	TimeZone  string // 例如 Asia/Taipei；空字串使用 UTC
}

// New 依設定建立日誌記錄器，並設為 slog 預設值
func New(opts Options) (*slog.Logger, error) {
	var output io.Writer
	switch opts.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		// #nosec G304 - 路徑來自配置檔，非使用者輸入
		file, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, err
		}
		output = file
	}

	logger := slog.New(NewHandler(output, opts))
	slog.SetDefault(logger)
	return logger, nil
}

// NewHandler 建立帶上下文資訊的 slog.Handler
func NewHandler(w io.Writer, opts Options) slog.Handler {
	loc := time.UTC
	if opts.TimeZone != "" {
		if l, err := time.LoadLocation(opts.TimeZone); err == nil {
			loc = l
		}
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     ParseLevel(opts.Level),
		AddSource: opts.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// 自定義時間格式
			if a.Key == slog.TimeKey && len(groups) == 0 {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.In(loc).Format("2006-01-02 15:04:05.000"))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, handlerOpts)
	default:
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	return &contextHandler{Handler: handler}
}

// ParseLevel 解析日誌級別
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// contextHandler 從上下文中提取資訊的處理器
type contextHandler struct {
	slog.Handler
}

// Handle 處理日誌記錄
func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		r.AddAttrs(slog.String("request_id", requestID))
	}

	if principal, ok := ctx.Value(PrincipalKey).(string); ok && principal != "" {
		r.AddAttrs(slog.String("principal", principal))
	}

	return h.Handler.Handle(ctx, r)
}

// WithAttrs 保留上下文包裝
func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup 保留上下文包裝
func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// WithRequestID 添加請求 ID 到上下文
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithPrincipal 添加主體 ID 到上下文
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

// Principal 從上下文取出主體 ID
func Principal(ctx context.Context) string {
	p, _ := ctx.Value(PrincipalKey).(string)
	return p
}

// Discard 返回丟棄所有輸出的記錄器（測試用）
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
