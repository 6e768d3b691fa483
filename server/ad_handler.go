package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"Encore/logger"
	"Encore/model"
)

var adPlacements = map[string]bool{
	"sidebar": true,
	"banner":  true,
	"player":  true,
}

// AdRequest is the body of POST /api/ads.
type AdRequest struct {
	Title     string     `json:"title"`
	ImageURL  string     `json:"imageUrl"`
	TargetURL string     `json:"targetUrl"`
	Placement string     `json:"placement"`
	StartsAt  *time.Time `json:"startsAt"`
	EndsAt    *time.Time `json:"endsAt"`
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (req *AdRequest) validate() string {
	req.Title = strings.TrimSpace(req.Title)
	switch {
	case req.Title == "":
		return "Title is required"
	case !validURL(req.TargetURL):
		return "targetUrl must be an http(s) URL"
	case req.ImageURL != "" && !validURL(req.ImageURL):
		return "imageUrl must be an http(s) URL"
	case !adPlacements[req.Placement]:
		return "placement must be sidebar, banner or player"
	case req.StartsAt != nil && req.EndsAt != nil && !req.EndsAt.After(*req.StartsAt):
		return "endsAt must be after startsAt"
	}
	return ""
}

// ListAdsHandler serves the live ads of a placement and counts an impression
// for each one returned.
func (h *APIHandler) ListAdsHandler(w http.ResponseWriter, r *http.Request) {
	placement := r.URL.Query().Get("placement")
	if placement != "" && !adPlacements[placement] {
		writeError(w, http.StatusBadRequest, "Unknown placement")
		return
	}
	limit := queryInt(r, "limit", 3)
	if limit < 1 || limit > 10 {
		limit = 3
	}

	ads, err := h.Ads.Live(r.Context(), placement, h.now(), limit)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load ads")
		return
	}
	if len(ads) > 0 {
		ids := make([]int64, len(ads))
		for i, ad := range ads {
			ids[i] = ad.ID
		}
		// 曝光计数失败不影响展示
		if err := h.Ads.RecordImpressions(r.Context(), ids); err != nil {
			logger.Warn("[Ads] 曝光计数失败", logger.ErrorField(err))
		}
	}
	writeData(w, http.StatusOK, nonNil(ads))
}

// AdClickHandler 记录点击并返回跳转地址
func (h *APIHandler) AdClickHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ad, err := h.Ads.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load ad")
		return
	}
	if ad == nil || !ad.LiveAt(h.now()) {
		writeError(w, http.StatusNotFound, "Ad not found")
		return
	}
	if err := h.Ads.RecordClick(r.Context(), id); err != nil {
		writeServiceError(w, r, err, "Failed to record click")
		return
	}
	writeData(w, http.StatusOK, map[string]string{"targetUrl": ad.TargetURL})
}

// CreateAdHandler submits an ad for moderation. New ads start pending.
func (h *APIHandler) CreateAdHandler(w http.ResponseWriter, r *http.Request) {
	var req AdRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	userID, _ := GetUserIDFromContext(r.Context())
	ad := &model.Ad{
		OwnerID:   userID,
		Title:     req.Title,
		ImageURL:  req.ImageURL,
		TargetURL: req.TargetURL,
		Placement: req.Placement,
		Status:    model.AdPending,
		StartsAt:  req.StartsAt,
		EndsAt:    req.EndsAt,
	}
	if err := h.Ads.Create(r.Context(), ad); err != nil {
		writeServiceError(w, r, err, "Failed to create ad")
		return
	}
	logger.Info("[Ads] 新广告待审核", logger.Int64("adId", ad.ID), logger.Int64("ownerId", userID))
	writeData(w, http.StatusCreated, ad)
}
