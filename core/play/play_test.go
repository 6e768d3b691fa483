package play

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"Encore/cache"
	"Encore/model"
	"Encore/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTracks struct {
	repository.TrackRepository
	mu     sync.Mutex
	tracks map[int64]*model.Track
}

func (f *fakeTracks) GetByID(ctx context.Context, id int64) (*model.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracks[id], nil
}

func (f *fakeTracks) addPlays(id int64, plays int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks[id].PlayCount += plays
}

type fakePlays struct {
	repository.PlayRepository
	mu     sync.Mutex
	events []*model.PlayEvent
}

func (f *fakePlays) Create(ctx context.Context, e *model.PlayEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

type fakeEarnings struct {
	repository.EarningRepository
	mu       sync.Mutex
	tracks   *fakeTracks
	rows     map[string]*model.Earning
	flushed  map[string]bool
	failNext error
}

func (f *fakeEarnings) key(artistID int64, day string) string {
	return fmt.Sprintf("%d/%s", artistID, day)
}

// FlushPlays mirrors the transactional repository: nothing is written when it fails.
func (f *fakeEarnings) FlushPlays(ctx context.Context, flush *model.PlayFlush, royalty func(before int64) int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return false, err
	}
	marker := fmt.Sprintf("%s/%s/%d", flush.Batch, flush.Day, flush.TrackID)
	if f.flushed[marker] {
		return false, nil
	}

	k := f.key(flush.ArtistID, flush.Day)
	row, ok := f.rows[k]
	if !ok {
		row = &model.Earning{ArtistID: flush.ArtistID, Day: flush.Day}
		f.rows[k] = row
	}
	flush.RoyaltyCents = royalty(row.Plays)
	row.Plays += flush.Plays
	row.RoyaltyCents += flush.RoyaltyCents
	f.flushed[marker] = true
	f.tracks.addPlays(flush.TrackID, flush.Plays)
	return true, nil
}

func (f *fakeEarnings) row(artistID int64, day string) *model.Earning {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[f.key(artistID, day)]
}

type recordingHub struct {
	mu     sync.Mutex
	events map[int64][]interface{}
}

func (h *recordingHub) Publish(artistID int64, event interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[artistID] = append(h.events[artistID], event)
}

type env struct {
	mr       *miniredis.Miniredis
	counter  *cache.PlayCounter
	tracks   *fakeTracks
	plays    *fakePlays
	earnings *fakeEarnings
	hub      *recordingHub
	recorder *Recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	tracks := &fakeTracks{tracks: map[int64]*model.Track{
		1: {ID: 1, ArtistID: 5, Title: "Long Song", Duration: 240, Status: model.TrackStatusPublished},
		2: {ID: 2, ArtistID: 5, Title: "Interlude", Duration: 12, Status: model.TrackStatusPublished},
		3: {ID: 3, ArtistID: 5, Title: "Draft", Duration: 200, Status: model.TrackStatusDraft},
	}}
	e := &env{
		mr:      mr,
		counter: cache.NewPlayCounter(client),
		tracks:  tracks,
		plays:   &fakePlays{},
		earnings: &fakeEarnings{
			tracks:  tracks,
			rows:    map[string]*model.Earning{},
			flushed: map[string]bool{},
		},
		hub: &recordingHub{events: map[int64][]interface{}{}},
	}
	e.recorder = NewRecorder(e.tracks, e.plays, e.counter, cache.NewDedupeGuard(client), e.hub, Options{
		MinSeconds:   30,
		DedupeWindow: 10 * time.Minute,
	})
	return e
}

func TestRecordThreshold(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     Request
		counted bool
	}{
		{"too short", Request{TrackID: 1, UserID: 1, PlayedSeconds: 29}, false},
		{"at threshold", Request{TrackID: 1, UserID: 2, PlayedSeconds: 30}, true},
		{"short track played fully", Request{TrackID: 2, UserID: 3, PlayedSeconds: 12}, true},
		{"short track partially", Request{TrackID: 2, UserID: 4, PlayedSeconds: 11}, false},
		{"negative seconds", Request{TrackID: 1, UserID: 5, PlayedSeconds: -10}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := e.recorder.Record(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.counted, event.Counted)
			assert.NotEmpty(t, event.ID)
		})
	}
	// uncounted plays are still stored
	assert.Len(t, e.plays.events, len(tests))
}

func TestRecordClampsToDuration(t *testing.T) {
	e := newEnv(t)
	event, err := e.recorder.Record(context.Background(), Request{TrackID: 2, ClientIP: "10.0.0.1", PlayedSeconds: 999})
	require.NoError(t, err)
	assert.Equal(t, 12, event.PlayedSeconds)
	assert.Nil(t, event.UserID)
	assert.Equal(t, "web", event.Source)
}

func TestRecordDedupesWithinWindow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	req := Request{TrackID: 1, UserID: 9, PlayedSeconds: 60, Source: "Playlist"}

	first, err := e.recorder.Record(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Counted)
	assert.Equal(t, "playlist", first.Source)

	repeat, err := e.recorder.Record(ctx, req)
	require.NoError(t, err)
	assert.False(t, repeat.Counted)

	// a different anonymous listener counts separately
	other, err := e.recorder.Record(ctx, Request{TrackID: 1, ClientIP: "10.0.0.2", PlayedSeconds: 60})
	require.NoError(t, err)
	assert.True(t, other.Counted)

	e.mr.FastForward(11 * time.Minute)
	later, err := e.recorder.Record(ctx, req)
	require.NoError(t, err)
	assert.True(t, later.Counted)

	assert.Len(t, e.hub.events[5], 3)
	live := e.hub.events[5][0].(LiveEvent)
	assert.Equal(t, "play", live.Type)
	assert.Equal(t, int64(1), live.TrackID)
}

func TestRecordRedisDownStillStores(t *testing.T) {
	e := newEnv(t)
	e.mr.Close()

	event, err := e.recorder.Record(context.Background(), Request{TrackID: 1, UserID: 1, PlayedSeconds: 100})
	require.NoError(t, err)
	assert.False(t, event.Counted)
	assert.Len(t, e.plays.events, 1)
}

func TestRecordUnavailableTrack(t *testing.T) {
	e := newEnv(t)
	_, err := e.recorder.Record(context.Background(), Request{TrackID: 3, UserID: 1, PlayedSeconds: 100})
	assert.ErrorIs(t, err, ErrTrackUnavailable)
	_, err = e.recorder.Record(context.Background(), Request{TrackID: 404, UserID: 1, PlayedSeconds: 100})
	assert.ErrorIs(t, err, ErrTrackUnavailable)
	assert.Empty(t, e.plays.events)
}

func TestRoyaltyJobFlushesCounts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 1500; i++ {
		require.NoError(t, e.counter.Incr(ctx, 1, 5, day))
	}
	require.NoError(t, e.counter.Incr(ctx, 2, 5, day))

	job := NewRoyaltyJob(e.counter, e.earnings, 400)
	report, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Entries)
	assert.Equal(t, int64(1501), report.Plays)

	assert.Equal(t, int64(1500), e.tracks.tracks[1].PlayCount)
	assert.Equal(t, int64(1), e.tracks.tracks[2].PlayCount)

	row := e.earnings.rows[e.earnings.key(5, "2026-03-14")]
	require.NotNil(t, row)
	assert.Equal(t, int64(1501), row.Plays)
	// 1501 plays at $4 per 1000 = 600.4 cents, fraction carried
	assert.Equal(t, int64(600), row.RoyaltyCents)
	assert.Equal(t, int64(600), report.RoyaltyCents)

	// nothing left to flush
	again, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Entries)
}

func TestRoyaltyCarriesFractions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	job := NewRoyaltyJob(e.counter, e.earnings, 400)

	// 3 runs of 1 play each: 0.4 cents apiece, paid once the total crosses 1 cent
	var total int64
	for i := 0; i < 3; i++ {
		require.NoError(t, e.counter.Incr(ctx, 1, 5, day))
		report, err := job.Run(ctx)
		require.NoError(t, err)
		total += report.RoyaltyCents
	}
	assert.Equal(t, int64(1), total)
	assert.Equal(t, RoyaltyFor(3, 400), e.earnings.rows[e.earnings.key(5, "2026-03-14")].RoyaltyCents)
}

type failingCounter struct{}

func (failingCounter) Incr(ctx context.Context, trackID, artistID int64, at time.Time) error {
	return errors.New("connection refused")
}

func TestRecordCounterFailureIsNotCounted(t *testing.T) {
	e := newEnv(t)
	e.recorder.counter = failingCounter{}

	event, err := e.recorder.Record(context.Background(), Request{TrackID: 1, UserID: 1, PlayedSeconds: 100})
	require.NoError(t, err)
	assert.False(t, event.Counted)
	require.Len(t, e.plays.events, 1)
	assert.False(t, e.plays.events[0].Counted)
	assert.Empty(t, e.hub.events[5])
}

func TestRoyaltyRunSkipsWhileAnotherFlushHoldsLock(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		require.NoError(t, e.counter.Incr(ctx, 1, 5, day))
	}

	unlock, err := e.counter.LockFlush(ctx, time.Minute)
	require.NoError(t, err)

	job := NewRoyaltyJob(e.counter, e.earnings, 400)
	_, err = job.Run(ctx)
	assert.ErrorIs(t, err, ErrFlushInProgress)
	assert.Zero(t, e.tracks.tracks[1].PlayCount)

	require.NoError(t, unlock(ctx))
	report, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), report.Plays)
	assert.Equal(t, int64(10), e.tracks.tracks[1].PlayCount)

	// the lock is released after each run
	_, err = job.Run(ctx)
	assert.NoError(t, err)
}

func TestRoyaltyOverlappingFlushesApplyBatchOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		require.NoError(t, e.counter.Incr(ctx, 1, 5, day))
	}

	// a stalled flusher drained the batch and then lost its lock
	stalled := NewRoyaltyJob(e.counter, e.earnings, 400)
	drained, err := e.counter.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, drained, 1)

	// another process resumes the same draining batch and finishes it
	report, err := NewRoyaltyJob(e.counter, e.earnings, 400).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Entries)

	_, applied, err := stalled.flush(ctx, drained[0])
	require.NoError(t, err)
	assert.False(t, applied)

	assert.Equal(t, int64(10), e.tracks.tracks[1].PlayCount)
	assert.Equal(t, int64(10), e.earnings.row(5, "2026-03-14").Plays)
	assert.Equal(t, int64(4), e.earnings.row(5, "2026-03-14").RoyaltyCents)
}

func TestRoyaltyRetryAfterFlushFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		require.NoError(t, e.counter.Incr(ctx, 1, 5, day))
	}
	job := NewRoyaltyJob(e.counter, e.earnings, 400)

	e.earnings.failNext = errors.New("deadlock found")
	_, err := job.Run(ctx)
	require.Error(t, err)
	assert.Zero(t, e.tracks.tracks[1].PlayCount)
	assert.Nil(t, e.earnings.row(5, "2026-03-14"))

	_, err = job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), e.tracks.tracks[1].PlayCount)
	assert.Equal(t, int64(10), e.earnings.row(5, "2026-03-14").Plays)
}

// doneFailsOnce loses the first Done, as if Redis dropped after the DB commit.
type doneFailsOnce struct {
	*cache.PlayCounter
	failed bool
}

func (d *doneFailsOnce) Done(ctx context.Context, p cache.PendingPlays) error {
	if !d.failed {
		d.failed = true
		return errors.New("i/o timeout")
	}
	return d.PlayCounter.Done(ctx, p)
}

func TestRoyaltyRetryAfterDoneFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		require.NoError(t, e.counter.Incr(ctx, 1, 5, day))
	}
	job := NewRoyaltyJob(&doneFailsOnce{PlayCounter: e.counter}, e.earnings, 400)

	_, err := job.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, int64(10), e.tracks.tracks[1].PlayCount)

	report, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Entries)
	assert.Equal(t, int64(10), e.tracks.tracks[1].PlayCount)
	assert.Equal(t, int64(10), e.earnings.row(5, "2026-03-14").Plays)

	empty, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.Entries+empty.Skipped)
}
