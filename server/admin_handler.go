package server

import (
	"context"
	"net/http"
	"time"

	"Encore/logger"
	"Encore/model"
	"Encore/storage"
)

// usageReporter is implemented by *storage.Store.
type usageReporter interface {
	Usage(ctx context.Context, prefix string) (*storage.BucketUsage, error)
}

// AdminStats is the admin overview payload.
type AdminStats struct {
	UsersByRole         map[model.Role]int64   `json:"usersByRole"`
	TracksByStatus      map[string]int64       `json:"tracksByStatus"`
	SubscriptionsStatus map[string]int64       `json:"subscriptionsByStatus"`
	PlaysLast24h        int64                  `json:"playsLast24h"`
	SalesCents          int64                  `json:"salesCents"`
	Earnings            *model.EarningsSummary `json:"earnings"`
	Storage             *storage.BucketUsage   `json:"storage,omitempty"`
}

// StatusRequest is the body of the admin status endpoints.
type StatusRequest struct {
	Status string `json:"status"`
}

// RoleRequest is the body of PUT /api/admin/users/{id}/role.
type RoleRequest struct {
	Role model.Role `json:"role"`
}

// AdminStatsHandler 管理后台总览。?storage=true 时额外统计存储桶用量
func (h *APIHandler) AdminStatsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats := &AdminStats{}
	var err error

	if stats.UsersByRole, err = h.Users.CountByRole(ctx); err != nil {
		writeServiceError(w, r, err, "Failed to count users")
		return
	}
	if stats.TracksByStatus, err = h.Tracks.CountByStatus(ctx); err != nil {
		writeServiceError(w, r, err, "Failed to count tracks")
		return
	}
	if stats.SubscriptionsStatus, err = h.Subscriptions.CountByStatus(ctx); err != nil {
		writeServiceError(w, r, err, "Failed to count subscriptions")
		return
	}
	if stats.PlaysLast24h, err = h.Plays.CountSince(ctx, h.now().Add(-24*time.Hour)); err != nil {
		writeServiceError(w, r, err, "Failed to count plays")
		return
	}
	if stats.SalesCents, err = h.Purchases.SumPaid(ctx); err != nil {
		writeServiceError(w, r, err, "Failed to sum sales")
		return
	}
	if stats.Earnings, err = h.Earnings.Totals(ctx); err != nil {
		writeServiceError(w, r, err, "Failed to sum earnings")
		return
	}

	if r.URL.Query().Get("storage") == "true" {
		if reporter, ok := h.Store.(usageReporter); ok {
			usage, err := reporter.Usage(ctx, "")
			if err != nil {
				logger.Warn("[Admin] 统计存储用量失败", logger.ErrorField(err))
			} else {
				stats.Storage = usage
			}
		}
	}
	writeData(w, http.StatusOK, stats)
}

// AdminUsersHandler lists users, filterable by ?role= and ?status=.
func (h *APIHandler) AdminUsersHandler(w http.ResponseWriter, r *http.Request) {
	opts := listOptions(r)
	users, total, err := h.Users.ListUsers(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, err, "Failed to list users")
		return
	}
	writePage(w, nonNil(users), total, opts)
}

// AdminUserStatusHandler suspends or reactivates an account.
func (h *APIHandler) AdminUserStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req StatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Status != model.UserStatusActive && req.Status != model.UserStatusSuspended {
		writeError(w, http.StatusBadRequest, "Status must be active or suspended")
		return
	}
	if adminID, _ := GetUserIDFromContext(r.Context()); adminID == id {
		writeError(w, http.StatusConflict, "You cannot change your own status")
		return
	}

	if err := h.Users.UpdateStatus(r.Context(), id, req.Status); err != nil {
		writeServiceError(w, r, err, "Failed to update user status")
		return
	}
	logger.Info("[Admin] 用户状态变更", logger.Int64("userId", id), logger.String("status", req.Status))
	writeData(w, http.StatusOK, map[string]interface{}{"id": id, "status": req.Status})
}

// AdminUserRoleHandler 修改用户角色
func (h *APIHandler) AdminUserRoleHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req RoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Role.Valid() {
		writeError(w, http.StatusBadRequest, "Role must be fan, creator or admin")
		return
	}
	if adminID, _ := GetUserIDFromContext(r.Context()); adminID == id {
		writeError(w, http.StatusConflict, "You cannot change your own role")
		return
	}

	if err := h.Users.UpdateRole(r.Context(), id, req.Role); err != nil {
		writeServiceError(w, r, err, "Failed to update user role")
		return
	}
	logger.Info("[Admin] 用户角色变更", logger.Int64("userId", id), logger.String("role", string(req.Role)))
	writeData(w, http.StatusOK, map[string]interface{}{"id": id, "role": req.Role})
}

// AdminTracksHandler lists tracks in every status.
func (h *APIHandler) AdminTracksHandler(w http.ResponseWriter, r *http.Request) {
	opts := listOptions(r)
	tracks, total, err := h.Tracks.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, err, "Failed to list tracks")
		return
	}
	writePage(w, nonNil(tracks), total, opts)
}

// AdminTrackStatusHandler 歌曲审核：下架或恢复
func (h *APIHandler) AdminTrackStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req StatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch req.Status {
	case model.TrackStatusPublished, model.TrackStatusDraft, model.TrackStatusRemoved:
	default:
		writeError(w, http.StatusBadRequest, "Status must be draft, published or removed")
		return
	}

	track, err := h.Tracks.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load track")
		return
	}
	if track == nil {
		writeError(w, http.StatusNotFound, "Track not found")
		return
	}
	if req.Status == model.TrackStatusPublished && track.AudioKey == "" {
		writeError(w, http.StatusConflict, "Track has no audio")
		return
	}

	if err := h.Tracks.UpdateStatus(r.Context(), id, req.Status); err != nil {
		writeServiceError(w, r, err, "Failed to update track status")
		return
	}
	logger.Info("[Admin] 歌曲状态变更",
		logger.Int64("trackId", id),
		logger.String("from", track.Status),
		logger.String("to", req.Status))
	writeData(w, http.StatusOK, map[string]interface{}{"id": id, "status": req.Status})
}

// AdminAdsHandler lists ads for moderation, filterable by ?status=.
func (h *APIHandler) AdminAdsHandler(w http.ResponseWriter, r *http.Request) {
	opts := listOptions(r)
	ads, total, err := h.Ads.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, err, "Failed to list ads")
		return
	}
	writePage(w, nonNil(ads), total, opts)
}

// AdminAdStatusHandler approves or rejects an ad.
func (h *APIHandler) AdminAdStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req StatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch req.Status {
	case model.AdApproved, model.AdRejected, model.AdPending:
	default:
		writeError(w, http.StatusBadRequest, "Status must be approved, rejected or pending")
		return
	}
	if err := h.Ads.UpdateStatus(r.Context(), id, req.Status); err != nil {
		writeServiceError(w, r, err, "Failed to update ad status")
		return
	}
	logger.Info("[Admin] 广告审核", logger.Int64("adId", id), logger.String("status", req.Status))
	writeData(w, http.StatusOK, map[string]interface{}{"id": id, "status": req.Status})
}

// AdminEmailsHandler lists the email delivery log, filterable by ?status=.
func (h *APIHandler) AdminEmailsHandler(w http.ResponseWriter, r *http.Request) {
	opts := listOptions(r)
	logs, total, err := h.EmailLogs.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, err, "Failed to list email logs")
		return
	}
	writePage(w, nonNil(logs), total, opts)
}

var _ usageReporter = (*storage.Store)(nil)
