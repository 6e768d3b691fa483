package server

import (
	"net/http"
	"strings"

	"Encore/logger"
	"Encore/model"
)

// PlaylistRequest is the body of playlist create and update calls.
type PlaylistRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPublic    bool   `json:"isPublic"`
}

// AddTrackRequest is the body of POST /api/playlists/{id}/tracks.
type AddTrackRequest struct {
	TrackID int64 `json:"trackId"`
}

const maxPlaylistName = 150

// loadPlaylist fetches the playlist in the {id} path variable. Private
// playlists are only visible to their owner; when write is set, only the
// owner passes.
func (h *APIHandler) loadPlaylist(w http.ResponseWriter, r *http.Request, write bool) *model.Playlist {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil
	}
	playlist, err := h.Playlists.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load playlist")
		return nil
	}

	userID, _ := GetUserIDFromContext(r.Context())
	owner := playlist != nil && playlist.UserID == userID
	if playlist == nil || (!owner && (write || !playlist.IsPublic)) {
		writeError(w, http.StatusNotFound, "Playlist not found")
		return nil
	}
	return playlist
}

// ListPlaylistsHandler 当前用户的播放列表
func (h *APIHandler) ListPlaylistsHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())
	playlists, err := h.Playlists.ListByUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to list playlists")
		return
	}
	if playlists == nil {
		playlists = []*model.Playlist{}
	}
	writeData(w, http.StatusOK, playlists)
}

func (req *PlaylistRequest) validate() string {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return "Playlist name is required"
	}
	if len(req.Name) > maxPlaylistName {
		return "Playlist name is too long"
	}
	return ""
}

// CreatePlaylistHandler 创建播放列表
func (h *APIHandler) CreatePlaylistHandler(w http.ResponseWriter, r *http.Request) {
	var req PlaylistRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	userID, _ := GetUserIDFromContext(r.Context())
	playlist := &model.Playlist{
		UserID:      userID,
		Name:        req.Name,
		Description: req.Description,
		IsPublic:    req.IsPublic,
	}
	if err := h.Playlists.Create(r.Context(), playlist); err != nil {
		writeServiceError(w, r, err, "Failed to create playlist")
		return
	}
	logger.Info("[Playlist] 创建播放列表", logger.Int64("userId", userID), logger.Int64("playlistId", playlist.ID))
	writeData(w, http.StatusCreated, playlist)
}

// GetPlaylistHandler returns a playlist with its ordered tracks.
func (h *APIHandler) GetPlaylistHandler(w http.ResponseWriter, r *http.Request) {
	playlist := h.loadPlaylist(w, r, false)
	if playlist == nil {
		return
	}
	tracks, err := h.Playlists.Tracks(r.Context(), playlist.ID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load playlist tracks")
		return
	}
	if tracks == nil {
		tracks = []*model.Track{}
	}
	writeData(w, http.StatusOK, &model.PlaylistWithTracks{Playlist: playlist, Tracks: tracks})
}

// UpdatePlaylistHandler 修改名称、描述和可见性
func (h *APIHandler) UpdatePlaylistHandler(w http.ResponseWriter, r *http.Request) {
	playlist := h.loadPlaylist(w, r, true)
	if playlist == nil {
		return
	}
	var req PlaylistRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	playlist.Name = req.Name
	playlist.Description = req.Description
	playlist.IsPublic = req.IsPublic
	if err := h.Playlists.Update(r.Context(), playlist); err != nil {
		writeServiceError(w, r, err, "Failed to update playlist")
		return
	}
	writeData(w, http.StatusOK, playlist)
}

// DeletePlaylistHandler 删除播放列表
func (h *APIHandler) DeletePlaylistHandler(w http.ResponseWriter, r *http.Request) {
	playlist := h.loadPlaylist(w, r, true)
	if playlist == nil {
		return
	}
	if err := h.Playlists.Delete(r.Context(), playlist.ID); err != nil {
		writeServiceError(w, r, err, "Failed to delete playlist")
		return
	}
	writeData(w, http.StatusOK, map[string]int64{"deleted": playlist.ID})
}

// AddPlaylistTrackHandler appends a published track to the end of a playlist.
func (h *APIHandler) AddPlaylistTrackHandler(w http.ResponseWriter, r *http.Request) {
	playlist := h.loadPlaylist(w, r, true)
	if playlist == nil {
		return
	}
	var req AddTrackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	track, err := h.Tracks.GetByID(r.Context(), req.TrackID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load track")
		return
	}
	if track == nil || track.Status != model.TrackStatusPublished {
		writeError(w, http.StatusNotFound, "Track not found")
		return
	}

	position, err := h.Playlists.AddTrack(r.Context(), playlist.ID, track.ID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to add track to playlist")
		return
	}
	writeData(w, http.StatusCreated, map[string]interface{}{
		"playlistId": playlist.ID,
		"trackId":    track.ID,
		"position":   position,
	})
}

// RemovePlaylistTrackHandler removes a track and closes the gap in positions.
func (h *APIHandler) RemovePlaylistTrackHandler(w http.ResponseWriter, r *http.Request) {
	playlist := h.loadPlaylist(w, r, true)
	if playlist == nil {
		return
	}
	trackID, err := pathID(r, "track_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Playlists.RemoveTrack(r.Context(), playlist.ID, trackID); err != nil {
		writeServiceError(w, r, err, "Failed to remove track from playlist")
		return
	}
	writeData(w, http.StatusOK, map[string]int64{"playlistId": playlist.ID, "trackId": trackID})
}
