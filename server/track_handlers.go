package server

import (
	"net/http"
	"strings"

	"Encore/core/play"
	"Encore/logger"
	"Encore/model"
	"Encore/repository"

	"github.com/gorilla/mux"
)

// trackView 带有当前用户点赞状态的歌曲
type trackView struct {
	*model.Track
	Liked bool `json:"liked"`
}

// trendingEntry is one row of the trending chart.
type trendingEntry struct {
	Rank  int          `json:"rank"`
	Plays int64        `json:"plays"`
	Track *model.Track `json:"track"`
}

// PlayRequest is the body of POST /api/music/tracks/{id}/play.
type PlayRequest struct {
	PlayedSeconds int    `json:"playedSeconds"`
	Source        string `json:"source"`
}

func (h *APIHandler) withLiked(r *http.Request, tracks []*model.Track) ([]trackView, error) {
	views := make([]trackView, len(tracks))
	for i, t := range tracks {
		views[i] = trackView{Track: t}
	}
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil || len(tracks) == 0 {
		return views, nil
	}

	ids := make([]int64, len(tracks))
	for i, t := range tracks {
		ids[i] = t.ID
	}
	liked, err := h.Likes.LikedSet(r.Context(), userID, ids)
	if err != nil {
		return nil, err
	}
	for i := range views {
		views[i].Liked = liked[views[i].ID]
	}
	return views, nil
}

// ListTracksHandler 公开曲库，支持搜索、流派过滤和排序
func (h *APIHandler) ListTracksHandler(w http.ResponseWriter, r *http.Request) {
	opts := listOptions(r)
	opts.Status = model.TrackStatusPublished

	tracks, total, err := h.Tracks.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, err, "Failed to list tracks")
		return
	}
	views, err := h.withLiked(r, tracks)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load likes")
		return
	}
	writePage(w, views, total, opts)
}

// canSee reports whether the caller may view an unpublished track.
func (h *APIHandler) canSee(r *http.Request, track *model.Track) (bool, error) {
	if track.Status == model.TrackStatusPublished {
		return true, nil
	}
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return false, nil
	}
	if claims.Role == model.RoleAdmin {
		return true, nil
	}
	artist, err := h.Artists.GetByUserID(r.Context(), claims.UserID)
	if err != nil {
		return false, err
	}
	return artist != nil && artist.ID == track.ArtistID, nil
}

// GetTrackHandler returns one track. Drafts are visible to their artist only.
func (h *APIHandler) GetTrackHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	track, err := h.Tracks.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load track")
		return
	}
	if track != nil {
		if ok, err := h.canSee(r, track); err != nil {
			writeServiceError(w, r, err, "Failed to load track")
			return
		} else if !ok {
			track = nil
		}
	}
	if track == nil {
		writeError(w, http.StatusNotFound, "Track not found")
		return
	}

	views, err := h.withLiked(r, []*model.Track{track})
	if err != nil {
		writeServiceError(w, r, err, "Failed to load likes")
		return
	}
	writeData(w, http.StatusOK, views[0])
}

// StreamTrackHandler hands out a short-lived presigned URL for the audio file.
func (h *APIHandler) StreamTrackHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	track, err := h.Tracks.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load track")
		return
	}
	if track == nil || !track.IsPlayable() {
		writeError(w, http.StatusNotFound, "Track not available")
		return
	}

	ttl := h.Config.StreamURLTTL
	url, err := h.Store.PresignedGet(r.Context(), track.AudioKey, ttl)
	if err != nil {
		writeServiceError(w, r, err, "Failed to create stream URL")
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"url":       url,
		"expiresIn": int(ttl.Seconds()),
	})
}

// RecordPlayHandler stores a play event. Anonymous listeners are identified
// by client IP.
func (h *APIHandler) RecordPlayHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body PlayRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	userID, _ := GetUserIDFromContext(r.Context())
	event, err := h.Recorder.Record(r.Context(), play.Request{
		TrackID:       id,
		UserID:        userID,
		ClientIP:      h.Proxies.ClientIP(r),
		Source:        body.Source,
		PlayedSeconds: body.PlayedSeconds,
	})
	if err != nil {
		writeServiceError(w, r, err, "Failed to record play")
		return
	}
	writeData(w, http.StatusCreated, event)
}

// LikeHandler likes (POST) or unlikes (DELETE) a track. Both are idempotent.
func (h *APIHandler) LikeHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, _ := GetUserIDFromContext(r.Context())

	track, err := h.Tracks.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load track")
		return
	}
	if track == nil || track.Status != model.TrackStatusPublished {
		writeError(w, http.StatusNotFound, "Track not found")
		return
	}

	var changed bool
	liked := r.Method == http.MethodPost
	if liked {
		changed, err = h.Likes.Like(r.Context(), userID, id)
	} else {
		changed, err = h.Likes.Unlike(r.Context(), userID, id)
	}
	if err != nil {
		writeServiceError(w, r, err, "Failed to update like")
		return
	}

	logger.Debug("[Like] 点赞状态更新",
		logger.Int64("userId", userID),
		logger.Int64("trackId", id),
		logger.Bool("liked", liked),
		logger.Bool("changed", changed))
	writeData(w, http.StatusOK, map[string]interface{}{"trackId": id, "liked": liked, "changed": changed})
}

// TrendingHandler 近 N 天播放量排行
func (h *APIHandler) TrendingHandler(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)
	if days < 1 || days > 7 {
		days = 7
	}
	limit := queryInt(r, "limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	entries, err := h.Trending.Trending(r.Context(), h.now(), days, int64(limit))
	if err != nil {
		writeServiceError(w, r, err, "Failed to load trending tracks")
		return
	}
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.TrackID
	}
	tracks, err := h.Tracks.GetByIDs(r.Context(), ids)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load trending tracks")
		return
	}
	byID := make(map[int64]*model.Track, len(tracks))
	for _, t := range tracks {
		byID[t.ID] = t
	}

	chart := make([]trendingEntry, 0, len(entries))
	for _, e := range entries {
		t, ok := byID[e.TrackID]
		// 已下架的歌曲不上榜
		if !ok || t.Status != model.TrackStatusPublished {
			continue
		}
		chart = append(chart, trendingEntry{Rank: len(chart) + 1, Plays: e.Plays, Track: t})
	}
	writeData(w, http.StatusOK, chart)
}

// ListArtistsHandler lists artists; ?featured=true returns the featured row.
func (h *APIHandler) ListArtistsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("featured") == "true" {
		artists, err := h.Artists.Featured(r.Context(), queryInt(r, "limit", 6))
		if err != nil {
			writeServiceError(w, r, err, "Failed to list featured artists")
			return
		}
		writeData(w, http.StatusOK, artists)
		return
	}

	opts := listOptions(r)
	artists, total, err := h.Artists.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, err, "Failed to list artists")
		return
	}
	writePage(w, artists, total, opts)
}

// GetArtistHandler returns an artist page: profile, published tracks and tiers.
func (h *APIHandler) GetArtistHandler(w http.ResponseWriter, r *http.Request) {
	slug := strings.ToLower(mux.Vars(r)["slug"])
	artist, err := h.Artists.GetBySlug(r.Context(), slug)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load artist")
		return
	}
	if artist == nil {
		writeError(w, http.StatusNotFound, "Artist not found")
		return
	}

	tracks, _, err := h.Tracks.List(r.Context(), repository.ListOptions{
		ArtistID: artist.ID,
		Status:   model.TrackStatusPublished,
		Sort:     "plays",
		Limit:    50,
	})
	if err != nil {
		writeServiceError(w, r, err, "Failed to load artist tracks")
		return
	}
	tiers, err := h.Tiers.ListByArtist(r.Context(), artist.ID, true)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load tiers")
		return
	}
	subscribers, err := h.Subscriptions.CountActiveByArtist(r.Context(), artist.ID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to count subscribers")
		return
	}

	writeData(w, http.StatusOK, &model.ArtistProfile{
		Artist:          artist,
		Tracks:          tracks,
		Tiers:           tiers,
		SubscriberCount: subscribers,
	})
}
