package server

import (
	"net/http"
	"time"

	"Encore/logger"
	"Encore/model"

	"github.com/gorilla/websocket"
)

// LiveHello is the first message a creator receives on /ws/creator/stats.
type LiveHello struct {
	ArtistID      int64  `json:"artistId"`
	PlaysToday    int64  `json:"playsToday"`
	CountedToday  int64  `json:"countedToday"`
	Subscribers   int64  `json:"subscribers"`
	ServerVersion string `json:"serverVersion"`
}

const liveProtocolVersion = "1"

func (h *APIHandler) upgrader() *websocket.Upgrader {
	origin := "*"
	if h.Config != nil && h.Config.CORSOrigin != "" {
		origin = h.Config.CORSOrigin
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if origin == "*" {
				return true
			}
			got := r.Header.Get("Origin")
			return got == "" || got == origin
		},
	}
}

// CreatorStatsSocketHandler streams live play events of the caller's tracks.
// Browsers cannot set headers on a WebSocket handshake, so the token may also
// come in ?token=.
func (h *APIHandler) CreatorStatsSocketHandler(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		token := r.URL.Query().Get("token")
		if token == "" {
			writeError(w, http.StatusUnauthorized, "token is required")
			return
		}
		parsed, status, msg := h.authenticate(r, token)
		if parsed == nil {
			writeError(w, status, msg)
			return
		}
		claims = parsed
		r = r.WithContext(withClaims(r.Context(), claims))
	}
	if claims.Role != model.RoleCreator && claims.Role != model.RoleAdmin {
		writeError(w, http.StatusForbidden, "Insufficient permissions")
		return
	}
	artist := h.currentArtist(w, r)
	if artist == nil {
		return
	}

	now := h.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	stats, err := h.Plays.StatsByArtist(r.Context(), artist.ID, today)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load play stats")
		return
	}
	subscribers, err := h.Subscriptions.CountActiveByArtist(r.Context(), artist.ID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to count subscribers")
		return
	}

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写过错误响应
		logger.Warn("[Live] WebSocket 升级失败", logger.ErrorField(err))
		return
	}
	hello := &LiveHello{
		ArtistID:      artist.ID,
		PlaysToday:    stats.TotalPlays,
		CountedToday:  stats.CountedPlays,
		Subscribers:   subscribers,
		ServerVersion: liveProtocolVersion,
	}
	h.Hub.Attach(conn, artist.ID, claims.UserID, hello)
	logger.Info("[Live] 创作者已连接", logger.Int64("artistId", artist.ID), logger.Int64("userId", claims.UserID))
}
