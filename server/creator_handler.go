package server

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"Encore/logger"
	"Encore/model"
	"Encore/repository"
	"Encore/storage"
)

const (
	maxAudioUpload    = 200 << 20
	maxCoverUpload    = 10 << 20
	minTierPriceCents = 50
	dashboardDays     = 30
	dayLayout         = "2006-01-02"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ProfileRequest creates or updates the caller's artist profile.
type ProfileRequest struct {
	Name  string `json:"name"`
	Slug  string `json:"slug"`
	Bio   string `json:"bio"`
	Genre string `json:"genre"`
}

// TrackRequest is the body of creator track create/update calls.
type TrackRequest struct {
	Title      string `json:"title"`
	Genre      string `json:"genre"`
	Duration   int    `json:"duration"`
	PriceCents int64  `json:"priceCents"`
	Explicit   bool   `json:"explicit"`
	// Status may move a track between draft and published.
	Status string `json:"status"`
}

// TierRequest is the body of POST /api/creator/tiers.
type TierRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	PriceCents  int64    `json:"priceCents"`
	Interval    string   `json:"interval"`
	Perks       []string `json:"perks"`
}

// CreatorDashboard 创作者看板
type CreatorDashboard struct {
	Artist          *model.Artist           `json:"artist"`
	Stats           *repository.PlayStats   `json:"stats"`
	DailyPlays      []repository.DailyPlays `json:"dailyPlays"`
	TopTracks       []*model.Track          `json:"topTracks"`
	TrackCount      int64                   `json:"trackCount"`
	SubscriberCount int64                   `json:"subscriberCount"`
	Earnings        *model.EarningsSummary  `json:"earnings"`
	LiveSessions    int                     `json:"liveSessions"`
}

// currentArtist loads the caller's artist profile, writing 404 when the
// creator has not set one up yet.
func (h *APIHandler) currentArtist(w http.ResponseWriter, r *http.Request) *model.Artist {
	userID, _ := GetUserIDFromContext(r.Context())
	artist, err := h.Artists.GetByUserID(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load artist profile")
		return nil
	}
	if artist == nil {
		writeError(w, http.StatusNotFound, "Artist profile not found, create it first")
		return nil
	}
	return artist
}

// ownTrack loads the {id} track and checks it belongs to artist.
func (h *APIHandler) ownTrack(w http.ResponseWriter, r *http.Request, artist *model.Artist) *model.Track {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil
	}
	track, err := h.Tracks.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load track")
		return nil
	}
	if track == nil || track.ArtistID != artist.ID {
		writeError(w, http.StatusNotFound, "Track not found")
		return nil
	}
	return track
}

// UpsertProfileHandler 创建或更新艺人资料
func (h *APIHandler) UpsertProfileHandler(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Slug = strings.ToLower(strings.TrimSpace(req.Slug))
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Artist name is required")
		return
	}
	if req.Slug != "" && !slugPattern.MatchString(req.Slug) {
		writeError(w, http.StatusBadRequest, "Slug may contain lowercase letters, digits and dashes only")
		return
	}

	userID, _ := GetUserIDFromContext(r.Context())
	artist, err := h.Artists.GetByUserID(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load artist profile")
		return
	}

	status := http.StatusOK
	if artist == nil {
		if req.Slug == "" {
			writeError(w, http.StatusBadRequest, "Slug is required")
			return
		}
		artist = &model.Artist{UserID: userID, Slug: req.Slug}
		status = http.StatusCreated
	}
	artist.Name = req.Name
	artist.Bio = req.Bio
	artist.Genre = req.Genre
	// slug 创建后可改，但必须唯一
	if req.Slug != "" {
		artist.Slug = req.Slug
	}

	if status == http.StatusCreated {
		err = h.Artists.Create(r.Context(), artist)
	} else {
		err = h.Artists.Update(r.Context(), artist)
	}
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			writeError(w, http.StatusConflict, "Slug is already taken")
			return
		}
		writeServiceError(w, r, err, "Failed to save artist profile")
		return
	}
	logger.Info("[Creator] 保存艺人资料", logger.Int64("artistId", artist.ID), logger.String("slug", artist.Slug))
	writeData(w, status, artist)
}

// CreatorDashboardHandler returns the last 30 days of plays and earnings,
// the top tracks, the subscriber count and open live stat sessions.
func (h *APIHandler) CreatorDashboardHandler(w http.ResponseWriter, r *http.Request) {
	artist := h.currentArtist(w, r)
	if artist == nil {
		return
	}
	ctx := r.Context()
	now := h.now().UTC()
	since := now.AddDate(0, 0, -dashboardDays)

	stats, err := h.Plays.StatsByArtist(ctx, artist.ID, since)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load play stats")
		return
	}
	daily, err := h.Plays.DailyByArtist(ctx, artist.ID, since)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load play stats")
		return
	}
	top, err := h.Tracks.TopByArtist(ctx, artist.ID, 5)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load top tracks")
		return
	}
	_, trackCount, err := h.Tracks.List(ctx, repository.ListOptions{ArtistID: artist.ID, Limit: 1})
	if err != nil {
		writeServiceError(w, r, err, "Failed to count tracks")
		return
	}
	subscribers, err := h.Subscriptions.CountActiveByArtist(ctx, artist.ID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to count subscribers")
		return
	}
	earnings, err := h.Earnings.Range(ctx, artist.ID, since.Format(dayLayout), now.Format(dayLayout))
	if err != nil {
		writeServiceError(w, r, err, "Failed to load earnings")
		return
	}

	dash := &CreatorDashboard{
		Artist:          artist,
		Stats:           stats,
		DailyPlays:      nonNil(daily),
		TopTracks:       nonNil(top),
		TrackCount:      trackCount,
		SubscriberCount: subscribers,
		Earnings:        repository.Summarize(earnings),
	}
	if h.Hub != nil {
		dash.LiveSessions = h.Hub.ClientCount(artist.ID)
	}
	writeData(w, http.StatusOK, dash)
}

// CreatorTracksHandler lists every track of the caller, drafts included.
func (h *APIHandler) CreatorTracksHandler(w http.ResponseWriter, r *http.Request) {
	artist := h.currentArtist(w, r)
	if artist == nil {
		return
	}
	opts := listOptions(r)
	opts.ArtistID = artist.ID
	tracks, total, err := h.Tracks.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, err, "Failed to list tracks")
		return
	}
	writePage(w, nonNil(tracks), total, opts)
}

func (req *TrackRequest) validate() string {
	req.Title = strings.TrimSpace(req.Title)
	switch {
	case req.Title == "":
		return "Title is required"
	case len(req.Title) > 255:
		return "Title is too long"
	case req.Duration < 0:
		return "Duration must not be negative"
	case req.PriceCents < 0:
		return "Price must not be negative"
	case req.PriceCents > 0 && req.PriceCents < minTierPriceCents:
		return "Price must be 0 or at least 50 cents"
	}
	return ""
}

// CreateTrackHandler 创建草稿歌曲，音频稍后上传
func (h *APIHandler) CreateTrackHandler(w http.ResponseWriter, r *http.Request) {
	artist := h.currentArtist(w, r)
	if artist == nil {
		return
	}
	var req TrackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	genre := req.Genre
	if genre == "" {
		genre = artist.Genre
	}
	track := &model.Track{
		ArtistID:   artist.ID,
		Title:      req.Title,
		Genre:      genre,
		Duration:   req.Duration,
		PriceCents: req.PriceCents,
		Explicit:   req.Explicit,
		Status:     model.TrackStatusDraft,
	}
	if err := h.Tracks.Create(r.Context(), track); err != nil {
		writeServiceError(w, r, err, "Failed to create track")
		return
	}
	logger.Info("[Creator] 创建歌曲", logger.Int64("artistId", artist.ID), logger.Int64("trackId", track.ID))
	writeData(w, http.StatusCreated, track)
}

// UpdateTrackHandler edits metadata and publishes or unpublishes a track.
// Tracks removed by an admin stay removed.
func (h *APIHandler) UpdateTrackHandler(w http.ResponseWriter, r *http.Request) {
	artist := h.currentArtist(w, r)
	if artist == nil {
		return
	}
	track := h.ownTrack(w, r, artist)
	if track == nil {
		return
	}
	var req TrackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if req.Status != "" && req.Status != track.Status {
		if track.Status == model.TrackStatusRemoved {
			writeError(w, http.StatusConflict, "Track was removed by moderation")
			return
		}
		switch req.Status {
		case model.TrackStatusPublished:
			if track.AudioKey == "" {
				writeError(w, http.StatusConflict, "Upload audio before publishing")
				return
			}
			now := h.now()
			if track.PublishedAt == nil {
				track.PublishedAt = &now
			}
		case model.TrackStatusDraft:
		default:
			writeError(w, http.StatusBadRequest, "Status must be draft or published")
			return
		}
		track.Status = req.Status
	}

	track.Title = req.Title
	if req.Genre != "" {
		track.Genre = req.Genre
	}
	track.Duration = req.Duration
	track.PriceCents = req.PriceCents
	track.Explicit = req.Explicit
	if err := h.Tracks.Update(r.Context(), track); err != nil {
		writeServiceError(w, r, err, "Failed to update track")
		return
	}
	writeData(w, http.StatusOK, track)
}

// DeleteTrackHandler deletes a track and its stored objects.
func (h *APIHandler) DeleteTrackHandler(w http.ResponseWriter, r *http.Request) {
	artist := h.currentArtist(w, r)
	if artist == nil {
		return
	}
	track := h.ownTrack(w, r, artist)
	if track == nil {
		return
	}
	if err := h.Tracks.Delete(r.Context(), track.ID); err != nil {
		writeServiceError(w, r, err, "Failed to delete track")
		return
	}
	for _, key := range []string{track.AudioKey, track.CoverKey} {
		if key == "" {
			continue
		}
		// 对象删除失败只记录，行已经删掉了
		if err := h.Store.Remove(r.Context(), key); err != nil {
			logger.Warn("[Creator] 删除对象失败", logger.String("key", key), logger.ErrorField(err))
		}
	}
	logger.Info("[Creator] 删除歌曲", logger.Int64("trackId", track.ID))
	writeData(w, http.StatusOK, map[string]int64{"deleted": track.ID})
}

// UploadAudioHandler stores the multipart "file" field as the track's audio.
func (h *APIHandler) UploadAudioHandler(w http.ResponseWriter, r *http.Request) {
	h.upload(w, r, maxAudioUpload, storage.AudioContentType, storage.AudioKey, func(t *model.Track, key string) {
		t.AudioKey = key
	})
}

// UploadCoverHandler stores the multipart "file" field as the track's cover.
func (h *APIHandler) UploadCoverHandler(w http.ResponseWriter, r *http.Request) {
	h.upload(w, r, maxCoverUpload, storage.ImageContentType, storage.CoverKey, func(t *model.Track, key string) {
		t.CoverKey = key
	})
}

func (h *APIHandler) upload(
	w http.ResponseWriter,
	r *http.Request,
	limit int64,
	contentType func(string) (string, bool),
	keyFor func(artistID, trackID int64, filename string) string,
	apply func(*model.Track, string),
) {
	artist := h.currentArtist(w, r)
	if artist == nil {
		return
	}
	track := h.ownTrack(w, r, artist)
	if track == nil {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer file.Close()

	ct, ok := contentType(header.Filename)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unsupported file type")
		return
	}
	key := keyFor(artist.ID, track.ID, header.Filename)
	if err := h.Store.Put(r.Context(), key, file, header.Size, ct); err != nil {
		writeServiceError(w, r, err, "Failed to store file")
		return
	}

	apply(track, key)
	if err := h.Tracks.Update(r.Context(), track); err != nil {
		writeServiceError(w, r, err, "Failed to update track")
		return
	}
	logger.Info("[Creator] 上传文件",
		logger.Int64("trackId", track.ID),
		logger.String("key", key),
		logger.String("size", storage.FormatSize(header.Size)))
	writeData(w, http.StatusOK, map[string]interface{}{
		"track": track,
		"key":   key,
		"size":  header.Size,
	})
}

// CreatorTiersHandler lists the caller's tiers, inactive ones included.
func (h *APIHandler) CreatorTiersHandler(w http.ResponseWriter, r *http.Request) {
	artist := h.currentArtist(w, r)
	if artist == nil {
		return
	}
	tiers, err := h.Tiers.ListByArtist(r.Context(), artist.ID, false)
	if err != nil {
		writeServiceError(w, r, err, "Failed to list tiers")
		return
	}
	writeData(w, http.StatusOK, nonNil(tiers))
}

// CreateTierHandler 新建订阅档位
func (h *APIHandler) CreateTierHandler(w http.ResponseWriter, r *http.Request) {
	artist := h.currentArtist(w, r)
	if artist == nil {
		return
	}
	var req TierRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Interval == "" {
		req.Interval = model.IntervalMonth
	}
	switch {
	case req.Name == "":
		writeError(w, http.StatusBadRequest, "Tier name is required")
		return
	case req.PriceCents < minTierPriceCents:
		writeError(w, http.StatusBadRequest, "Tier price must be at least 50 cents")
		return
	case req.Interval != model.IntervalMonth && req.Interval != model.IntervalYear:
		writeError(w, http.StatusBadRequest, "Interval must be month or year")
		return
	}

	tier := &model.SubscriptionTier{
		ArtistID:    artist.ID,
		Name:        req.Name,
		Description: req.Description,
		PriceCents:  req.PriceCents,
		Interval:    req.Interval,
		Perks:       model.StringList(req.Perks),
		Active:      true,
	}
	if err := h.Tiers.Create(r.Context(), tier); err != nil {
		writeServiceError(w, r, err, "Failed to create tier")
		return
	}
	writeData(w, http.StatusCreated, tier)
}

// CreatorSubscribersHandler lists paying members, or the mailing list with
// ?list=mailing.
func (h *APIHandler) CreatorSubscribersHandler(w http.ResponseWriter, r *http.Request) {
	artist := h.currentArtist(w, r)
	if artist == nil {
		return
	}
	opts := listOptions(r)
	if r.URL.Query().Get("list") == "mailing" {
		subs, total, err := h.Subscribers.ListByArtist(r.Context(), &artist.ID, opts)
		if err != nil {
			writeServiceError(w, r, err, "Failed to list subscribers")
			return
		}
		writePage(w, nonNil(subs), total, opts)
		return
	}

	members, total, err := h.Subscriptions.ListByArtist(r.Context(), artist.ID, opts)
	if err != nil {
		writeServiceError(w, r, err, "Failed to list subscribers")
		return
	}
	writePage(w, nonNil(members), total, opts)
}

// CreatorInviteHandler invites someone to the caller's mailing list.
func (h *APIHandler) CreatorInviteHandler(w http.ResponseWriter, r *http.Request) {
	artist := h.currentArtist(w, r)
	if artist == nil {
		return
	}
	h.invite(w, r, artist)
}

// CreatorEarningsHandler returns daily earnings in [from, to], defaulting to
// the last 30 days.
func (h *APIHandler) CreatorEarningsHandler(w http.ResponseWriter, r *http.Request) {
	artist := h.currentArtist(w, r)
	if artist == nil {
		return
	}
	now := h.now().UTC()
	from, err := parseDay(r.URL.Query().Get("from"), now.AddDate(0, 0, -dashboardDays))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be YYYY-MM-DD")
		return
	}
	to, err := parseDay(r.URL.Query().Get("to"), now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "to must be YYYY-MM-DD")
		return
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to must not be before from")
		return
	}

	rows, err := h.Earnings.Range(r.Context(), artist.ID, from.Format(dayLayout), to.Format(dayLayout))
	if err != nil {
		writeServiceError(w, r, err, "Failed to load earnings")
		return
	}
	writeData(w, http.StatusOK, repository.Summarize(rows))
}

func parseDay(raw string, def time.Time) (time.Time, error) {
	if raw == "" {
		return def, nil
	}
	return time.Parse(dayLayout, raw)
}
