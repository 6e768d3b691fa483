package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Encore/cache"
	"Encore/config"
	"Encore/core/auth"
	"Encore/core/billing"
	"Encore/core/email"
	"Encore/core/live"
	"Encore/core/play"
	"Encore/logger"
	"Encore/repository"
	"Encore/storage"

	"github.com/gorilla/mux"
)

const maxJSONBody = 1 << 20

// Trending 热门榜数据源，由 cache.PlayCounter 提供
type Trending interface {
	Trending(ctx context.Context, now time.Time, days int, limit int64) ([]cache.TrendingEntry, error)
}

// Deps carries everything the HTTP handlers need.
type Deps struct {
	Config *config.Config

	Users         repository.UserRepository
	Artists       repository.ArtistRepository
	Tracks        repository.TrackRepository
	Likes         repository.LikeRepository
	Playlists     repository.PlaylistRepository
	Plays         repository.PlayRepository
	Earnings      repository.EarningRepository
	Tiers         repository.TierRepository
	Subscriptions repository.SubscriptionRepository
	Purchases     repository.PurchaseRepository
	Ads           repository.AdRepository
	Subscribers   repository.SubscriberRepository
	EmailLogs     repository.EmailLogRepository

	Tokens   *auth.TokenManager
	Store    storage.ObjectStore
	Recorder *play.Recorder
	Trending Trending
	Billing  *billing.Service
	Mailer   *email.Mailer
	Hub      *live.Hub
	Proxies  TrustedProxies

	// Ping checks backing services for /healthz. Optional.
	Ping func(ctx context.Context) error
}

// APIHandler 处理所有API请求
type APIHandler struct {
	Deps
	now func() time.Time
}

// NewAPIHandler 创建新的API处理器
func NewAPIHandler(deps Deps) *APIHandler {
	return &APIHandler{Deps: deps, now: time.Now}
}

// apiResponse is the envelope of every JSON response.
type apiResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// listPage is the payload of paginated listings.
type listPage struct {
	Items  interface{} `json:"items"`
	Total  int64       `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("[HTTP] 写入响应失败", logger.ErrorField(err))
	}
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, apiResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiResponse{Success: false, Message: message})
}

func writePage(w http.ResponseWriter, items interface{}, total int64, opts repository.ListOptions) {
	limit, offset := opts.Page()
	writeData(w, http.StatusOK, listPage{Items: items, Total: total, Limit: limit, Offset: offset})
}

// writeServiceError maps domain errors to HTTP statuses. Anything unknown is
// logged and reported as a 500 with the generic message.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, message string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, play.ErrTrackUnavailable):
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrDuplicate), errors.Is(err, repository.ErrConflict),
		errors.Is(err, billing.ErrAlreadyOwned):
		status = http.StatusConflict
	case errors.Is(err, billing.ErrFreeTrack), errors.Is(err, billing.ErrInvalidAmount),
		errors.Is(err, billing.ErrInvalidSignature):
		status = http.StatusBadRequest
	case errors.Is(err, email.ErrEmailDisabled), errors.Is(err, billing.ErrNotConfigured):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		// 客户端已断开
		status = 499
	}

	if status >= http.StatusInternalServerError {
		logger.Error("[HTTP] "+message,
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.ErrorField(err))
		writeError(w, status, message)
		return
	}
	logger.Warn("[HTTP] "+message,
		logger.String("path", r.URL.Path),
		logger.ErrorField(err))
	writeError(w, status, err.Error())
}

// decodeJSON reads a JSON body of at most maxJSONBody bytes into v.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// pathID parses the named mux variable as a positive id.
func pathID(r *http.Request, name string) (int64, error) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return id, nil
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil {
		return v
	}
	return def
}

// listOptions reads the shared filter/sort/pagination query parameters.
func listOptions(r *http.Request) repository.ListOptions {
	q := r.URL.Query()
	return repository.ListOptions{
		Query:     strings.TrimSpace(q.Get("q")),
		Genre:     q.Get("genre"),
		Status:    q.Get("status"),
		Placement: q.Get("placement"),
		Role:      q.Get("role"),
		Sort:      q.Get("sort"),
		Order:     q.Get("order"),
		Limit:     queryInt(r, "limit", 0),
		Offset:    queryInt(r, "offset", 0),
	}
}

// HealthHandler reports liveness and, when configured, backing service health.
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{"status": "ok", "time": h.now().UTC()}
	if h.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ping(ctx); err != nil {
			logger.Warn("[Health] 依赖服务检查失败", logger.ErrorField(err))
			status["status"] = "degraded"
			status["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	writeJSON(w, http.StatusOK, status)
}
