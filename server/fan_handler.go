package server

import (
	"net/http"

	"Encore/model"
	"Encore/repository"
)

// FanDashboard is the fan landing page payload.
type FanDashboard struct {
	LikedCount    int64                 `json:"likedCount"`
	PlaylistCount int64                 `json:"playlistCount"`
	RecentLikes   []*model.Track        `json:"recentLikes"`
	Playlists     []*model.Playlist     `json:"playlists"`
	Subscriptions []*model.Subscription `json:"subscriptions"`
	Purchases     []*model.Purchase     `json:"purchases"`
	SpentCents    int64                 `json:"spentCents"`
}

// FanDashboardHandler 粉丝看板：点赞、歌单、订阅与购买
func (h *APIHandler) FanDashboardHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := GetUserIDFromContext(ctx)

	recent, likedCount, err := h.Likes.LikedTracks(ctx, userID, repository.ListOptions{Limit: 5})
	if err != nil {
		writeServiceError(w, r, err, "Failed to load liked tracks")
		return
	}
	playlists, err := h.Playlists.ListByUser(ctx, userID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load playlists")
		return
	}
	subs, err := h.Subscriptions.ListByUser(ctx, userID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load subscriptions")
		return
	}
	purchases, err := h.Purchases.ListByUser(ctx, userID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load purchases")
		return
	}

	dash := &FanDashboard{
		LikedCount:    likedCount,
		PlaylistCount: int64(len(playlists)),
		RecentLikes:   nonNil(recent),
		Playlists:     nonNil(playlists),
		Subscriptions: nonNil(subs),
		Purchases:     nonNil(purchases),
	}
	for _, p := range purchases {
		if p.Status == model.PurchasePaid {
			dash.SpentCents += p.AmountCents
		}
	}
	writeData(w, http.StatusOK, dash)
}

// FanLikesHandler 粉丝点赞的歌曲，分页
func (h *APIHandler) FanLikesHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())
	opts := listOptions(r)
	tracks, total, err := h.Likes.LikedTracks(r.Context(), userID, opts)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load liked tracks")
		return
	}
	views := make([]trackView, len(tracks))
	for i, t := range tracks {
		views[i] = trackView{Track: t, Liked: true}
	}
	writePage(w, views, total, opts)
}

// FanSubscriptionsHandler lists the fan's memberships, newest first.
func (h *APIHandler) FanSubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())
	subs, err := h.Subscriptions.ListByUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load subscriptions")
		return
	}
	writeData(w, http.StatusOK, nonNil(subs))
}

// FanPurchasesHandler lists the fan's track purchases.
func (h *APIHandler) FanPurchasesHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())
	purchases, err := h.Purchases.ListByUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load purchases")
		return
	}
	writeData(w, http.StatusOK, nonNil(purchases))
}

// nonNil makes empty lists encode as [] instead of null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
