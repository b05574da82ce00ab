package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/koopa0/system-design/post-counter-cache/pkg/errors"
	"github.com/koopa0/system-design/post-counter-cache/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler HTTP 請求處理器
type Handler struct {
	cache    *CounterCache
	posts    PostReader
	auth     Authorizer
	metrics  *Metrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(cache *CounterCache, posts PostReader, auth Authorizer, metrics *Metrics, gatherer prometheus.Gatherer, logger *slog.Logger) *Handler {
	return &Handler{
		cache:    cache,
		posts:    posts,
		auth:     auth,
		metrics:  metrics,
		gatherer: gatherer,
		logger:   logger.With("component", "http"),
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈：請求 ID -> 恢復 -> 日誌 -> 認證 -> 業務處理
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.requestID(h.recoverer(h.loggerMiddleware(handler)))
	}
	api := func(handler http.HandlerFunc) http.HandlerFunc {
		return wrap(h.authenticate(handler))
	}

	// API 路由
	mux.HandleFunc("POST /api/v1/posts/{id}/views", api(h.incrementViews))
	mux.HandleFunc("POST /api/v1/posts/{id}/hearts", api(h.incrementHearts))
	mux.HandleFunc("DELETE /api/v1/posts/{id}/hearts", api(h.decrementHearts))
	mux.HandleFunc("GET /api/v1/posts/{id}/stats", api(h.getStats))
	mux.HandleFunc("DELETE /api/v1/posts/{id}/stats", api(h.clearStats))

	// 健康檢查與指標
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /ready", wrap(h.ready))
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// 響應結構
type counterResponse struct {
	Success      bool   `json:"success"`
	PostID       int64  `json:"post_id,omitempty"`
	CurrentValue int64  `json:"current_value"`
	Error        string `json:"error,omitempty"`
}

type statsResponse struct {
	PostID int64 `json:"post_id"`
	Views  int64 `json:"views"`
	Hearts int64 `json:"hearts"`
}

type readyResponse struct {
	Status   string `json:"status"`
	Cache    string `json:"cache"`
	Database string `json:"database"`
}

// incrementViews 瀏覽數加一
func (h *Handler) incrementViews(w http.ResponseWriter, r *http.Request) {
	id, ok := h.postID(w, r)
	if !ok {
		return
	}

	h.respondJSON(w, counterResponse{
		Success:      true,
		PostID:       id,
		CurrentValue: h.cache.IncrementViews(r.Context(), id),
	})
}

// incrementHearts 按愛心
func (h *Handler) incrementHearts(w http.ResponseWriter, r *http.Request) {
	id, ok := h.postID(w, r)
	if !ok {
		return
	}

	h.respondJSON(w, counterResponse{
		Success:      true,
		PostID:       id,
		CurrentValue: h.cache.IncrementHearts(r.Context(), id),
	})
}

// decrementHearts 取消愛心
func (h *Handler) decrementHearts(w http.ResponseWriter, r *http.Request) {
	id, ok := h.postID(w, r)
	if !ok {
		return
	}

	h.respondJSON(w, counterResponse{
		Success:      true,
		PostID:       id,
		CurrentValue: h.cache.DecrementHearts(r.Context(), id),
	})
}

// getStats 返回瀏覽數與愛心數；快取為空時從持久層讀取並預熱
func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	id, ok := h.postID(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	resp := statsResponse{
		PostID: id,
		Views:  h.cache.GetViews(ctx, id),
		Hearts: h.cache.GetHearts(ctx, id),
	}

	if resp.Views == 0 && resp.Hearts == 0 {
		views, hearts, err := h.posts.GetCounters(ctx, id)
		switch {
		case apperrors.IsNotFound(err):
			h.respondAppError(w, err)
			return
		case err != nil:
			h.logger.ErrorContext(ctx, "read durable counters failed", "post_id", id, "error", err)
		case views > 0 || hearts > 0:
			resp.Views, resp.Hearts = views, hearts
			if err := h.cache.SyncStats(ctx, id, views, hearts); err != nil {
				h.logger.WarnContext(ctx, "seed cache failed", "post_id", id, "error", err)
			}
		}
	}

	h.respondJSON(w, resp)
}

// clearStats 刪除文章的快取計數
func (h *Handler) clearStats(w http.ResponseWriter, r *http.Request) {
	id, ok := h.postID(w, r)
	if !ok {
		return
	}

	if err := h.cache.ClearStats(r.Context(), id); err != nil {
		h.logger.ErrorContext(r.Context(), "clear stats failed", "post_id", id, "error", err)
		h.respondError(w, "cache unavailable", http.StatusServiceUnavailable)
		return
	}

	h.respondJSON(w, counterResponse{Success: true, PostID: id})
}

// postID 解析路徑中的文章 ID 並確認文章存在；失敗時已寫入響應
func (h *Handler) postID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.respondAppError(w, apperrors.ErrInvalidPostID.WithDetails("id="+raw))
		return 0, false
	}

	exists, err := h.posts.PostExists(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "check post failed", "post_id", id, "error", err)
		h.respondError(w, "internal server error", http.StatusInternalServerError)
		return 0, false
	}
	if !exists {
		h.respondAppError(w, apperrors.ErrPostNotFound)
		return 0, false
	}
	return id, true
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// ready 就緒檢查；快取不可用時仍可服務（降級到 backlog），只回報狀態
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{Status: "ready", Cache: "up", Database: "up"}
	if !h.cache.Available() {
		resp.Cache = "degraded"
	}

	if p, ok := h.posts.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			resp.Status, resp.Database = "not ready", "down"
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(resp)
			return
		}
	}

	h.respondJSON(w, resp)
}

// 中間件
// requestID 沿用上游的 X-Request-ID，沒有則產生
func (h *Handler) requestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	}
}

// authenticate 驗證 Bearer token，通過後將主體 ID 放入上下文
func (h *Handler) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			h.respondAppError(w, apperrors.ErrUnauthorized)
			return
		}

		principal, err := h.auth.Verify(r.Context(), strings.TrimSpace(token))
		if err != nil {
			h.logger.WarnContext(r.Context(), "authentication failed", "error", err)
			h.respondAppError(w, apperrors.ErrUnauthorized)
			return
		}

		next(w, r.WithContext(logger.WithPrincipal(r.Context(), principal)))
	}
}

// loggerMiddleware 記錄請求日誌
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以捕獲狀態碼
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next(ww, r)

		h.metrics.HTTPRequests.WithLabelValues(r.Pattern, strconv.Itoa(ww.statusCode)).Inc()
		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	}
}

// recoverer 恢復 panic
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.ErrorContext(r.Context(), "panic recovered", "error", err)
				h.respondError(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// respondAppError 依錯誤碼決定狀態碼
func (h *Handler) respondAppError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.KindOf(err) {
	case apperrors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case apperrors.ErrCodeUnauthorized:
		status = http.StatusUnauthorized
	case apperrors.ErrCodeNotFound:
		status = http.StatusNotFound
	}

	message := "internal server error"
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && status != http.StatusInternalServerError {
		message = appErr.Message
	}
	h.respondError(w, message, status)
}

func (h *Handler) respondError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(counterResponse{
		Success: false,
		Error:   message,
	}); err != nil {
		h.logger.Error("failed to encode error response", "error", err, "message", message)
	}
}

// responseWriter 包裝以捕獲狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
