package play

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"Encore/cache"
	"Encore/logger"
	"Encore/metrics"
	"Encore/model"
	"Encore/repository"

	"github.com/google/uuid"
)

// ErrTrackUnavailable is returned for plays of missing or unpublished tracks.
var ErrTrackUnavailable = errors.New("track is not available")

const (
	// DefaultMinSeconds 计费播放的最短收听时长
	DefaultMinSeconds = 30
	// DefaultDedupeWindow 同一听众重复播放不计费的窗口
	DefaultDedupeWindow = 10 * time.Minute
)

// Counter buffers counted plays until the royalty job flushes them.
type Counter interface {
	Incr(ctx context.Context, trackID, artistID int64, at time.Time) error
}

// Deduper reports whether a listener's play is the first within window.
type Deduper interface {
	FirstWithin(ctx context.Context, listener string, trackID int64, window time.Duration) (bool, error)
}

// Broadcaster pushes live events to an artist's connected dashboards.
type Broadcaster interface {
	Publish(artistID int64, event interface{})
}

// Request is one play report from a client.
type Request struct {
	TrackID       int64
	UserID        int64  // 0 for anonymous listeners
	ClientIP      string // used to identify anonymous listeners
	Source        string
	PlayedSeconds int
}

// LiveEvent is pushed to the artist's stats socket for each counted play.
type LiveEvent struct {
	Type       string    `json:"type"`
	TrackID    int64     `json:"trackId"`
	TrackTitle string    `json:"trackTitle"`
	Source     string    `json:"source"`
	At         time.Time `json:"at"`
}

// Options tunes the counting rules.
type Options struct {
	MinSeconds   int
	DedupeWindow time.Duration
}

// Recorder validates and stores play events and decides which count.
type Recorder struct {
	tracks  repository.TrackRepository
	plays   repository.PlayRepository
	counter Counter
	dedupe  Deduper
	live    Broadcaster
	opts    Options
	now     func() time.Time
}

// NewRecorder creates a Recorder. live may be nil.
func NewRecorder(tracks repository.TrackRepository, plays repository.PlayRepository, counter Counter, dedupe Deduper, live Broadcaster, opts Options) *Recorder {
	if opts.MinSeconds <= 0 {
		opts.MinSeconds = DefaultMinSeconds
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = DefaultDedupeWindow
	}
	return &Recorder{
		tracks:  tracks,
		plays:   plays,
		counter: counter,
		dedupe:  dedupe,
		live:    live,
		opts:    opts,
		now:     time.Now,
	}
}

// Threshold returns how many seconds of track must be heard for a play to count.
func (r *Recorder) Threshold(track *model.Track) int {
	if track.Duration > 0 && track.Duration < r.opts.MinSeconds {
		return track.Duration
	}
	return r.opts.MinSeconds
}

// Record stores a play event. Every valid request is persisted; Counted is
// set only when the listen passed the threshold and was not a repeat inside
// the dedupe window.
func (r *Recorder) Record(ctx context.Context, req Request) (*model.PlayEvent, error) {
	track, err := r.tracks.GetByID(ctx, req.TrackID)
	if err != nil {
		return nil, fmt.Errorf("failed to load track: %w", err)
	}
	if track == nil || track.Status != model.TrackStatusPublished {
		return nil, ErrTrackUnavailable
	}

	played := req.PlayedSeconds
	if played < 0 {
		played = 0
	}
	if track.Duration > 0 && played > track.Duration {
		played = track.Duration
	}

	listener := listenerHash(req)
	now := r.now()
	counted := played >= r.Threshold(track)
	if counted && r.dedupe != nil {
		first, err := r.dedupe.FirstWithin(ctx, listener, track.ID, r.opts.DedupeWindow)
		if err != nil {
			// Redis 不可用时不计费，事件照常落库
			logger.Warn("[Play] 去重检查失败，本次播放不计费",
				logger.Int64("trackId", track.ID),
				logger.ErrorField(err))
			counted = false
		} else {
			counted = first
		}
	}

	// 先写计数再落库，Counted 只在计数成功时为 true
	if counted {
		if err := r.counter.Incr(ctx, track.ID, track.ArtistID, now); err != nil {
			logger.Error("[Play] 播放计数写入 Redis 失败，本次播放不计费",
				logger.Int64("trackId", track.ID),
				logger.ErrorField(err))
			counted = false
		}
	}

	event := &model.PlayEvent{
		ID:            uuid.NewString(),
		TrackID:       track.ID,
		ArtistID:      track.ArtistID,
		Source:        normalizeSource(req.Source),
		ClientHash:    listener,
		PlayedSeconds: played,
		Counted:       counted,
		CreatedAt:     now,
	}
	if req.UserID != 0 {
		uid := req.UserID
		event.UserID = &uid
	}
	if err := r.plays.Create(ctx, event); err != nil {
		if counted {
			logger.Error("[Play] 播放已计数但事件落库失败",
				logger.String("eventId", event.ID),
				logger.Int64("trackId", track.ID),
				logger.ErrorField(err))
		}
		return nil, err
	}
	metrics.RecordPlay(counted)

	if !counted {
		return event, nil
	}

	if r.live != nil {
		r.live.Publish(track.ArtistID, LiveEvent{
			Type:       "play",
			TrackID:    track.ID,
			TrackTitle: track.Title,
			Source:     event.Source,
			At:         now,
		})
	}
	return event, nil
}

// listenerHash identifies a listener without storing the raw IP.
func listenerHash(req Request) string {
	key := "ip:" + req.ClientIP
	if req.UserID != 0 {
		key = "user:" + strconv.FormatInt(req.UserID, 10)
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

var knownSources = map[string]bool{
	"web":      true,
	"embed":    true,
	"playlist": true,
	"artist":   true,
	"search":   true,
	"radio":    true,
}

func normalizeSource(source string) string {
	source = strings.ToLower(strings.TrimSpace(source))
	if knownSources[source] {
		return source
	}
	return "web"
}

var _ Counter = (*cache.PlayCounter)(nil)
var _ Deduper = (*cache.DedupeGuard)(nil)
