package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	playsPendingKey  = "plays:pending"          // Hash: "<day>:<trackID>:<artistID>" -> count
	playsDrainingKey = "plays:pending:draining" // pending hash while a flush is in progress
	playsBatchKey    = "plays:pending:batch"    // id of the draining hash, written to play_flushes
	flushLockKey     = "plays:flush:lock"       // SET NX PX, held by the process that is flushing
	trendingKey      = "plays:trending:%s"      // Sorted Set per day: trackID -> plays
	trendingUnionKey = "plays:trending:union:%d:%s"
	trendingTTL      = 8 * 24 * time.Hour
	trendingUnionTTL = 5 * time.Minute
	dayLayout        = "2006-01-02"
)

// PendingPlays is the number of counted plays of one track on one day
// that have not yet been flushed to MySQL.
type PendingPlays struct {
	Batch    string
	Day      string
	TrackID  int64
	ArtistID int64
	Count    int64
}

// TrendingEntry 热门榜条目
type TrendingEntry struct {
	TrackID int64 `json:"trackId"`
	Plays   int64 `json:"plays"`
}

// PlayCounter keeps hot play counters in Redis between royalty flushes.
type PlayCounter struct {
	client *redis.Client
}

// NewPlayCounter creates a PlayCounter.
func NewPlayCounter(client *redis.Client) *PlayCounter {
	return &PlayCounter{client: client}
}

func dayKey(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// Incr records one counted play.
func (c *PlayCounter) Incr(ctx context.Context, trackID, artistID int64, at time.Time) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	day := dayKey(at)
	field := fmt.Sprintf("%s:%d:%d", day, trackID, artistID)
	tk := fmt.Sprintf(trendingKey, day)

	pipe := c.client.TxPipeline()
	pipe.HIncrBy(ctx, playsPendingKey, field, 1)
	pipe.ZIncrBy(ctx, tk, 1, strconv.FormatInt(trackID, 10))
	pipe.Expire(ctx, tk, trendingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment play counter: %w", err)
	}
	return nil
}

// rotateScript 原子地把 pending 改名为 draining 并分配批次号。已有 draining
// 时沿用它的批次号；没有可结算的数据时返回 nil。
var rotateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return false
	end
	redis.call('RENAME', KEYS[1], KEYS[2])
	redis.call('SET', KEYS[3], ARGV[1])
end
local batch = redis.call('GET', KEYS[3])
if not batch then
	redis.call('SET', KEYS[3], ARGV[1])
	batch = ARGV[1]
end
return batch
`)

// Drain moves the pending counters aside and returns them. Plays recorded while
// the caller is flushing land in a fresh pending hash. If a previous drain was
// interrupted its leftovers are returned first, under the same Batch, and must
// be flushed before the next call; Ack deletes them.
func (c *PlayCounter) Drain(ctx context.Context) ([]PendingPlays, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	batch, err := rotateScript.Run(ctx, c.client,
		[]string{playsPendingKey, playsDrainingKey, playsBatchKey}, uuid.NewString()).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to rotate pending plays: %w", err)
	}

	raw, err := c.client.HGetAll(ctx, playsDrainingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending plays: %w", err)
	}

	out := make([]PendingPlays, 0, len(raw))
	for field, val := range raw {
		p, err := parsePendingField(field)
		if err != nil {
			continue // unparseable fields are dropped with the hash on Ack
		}
		p.Count, err = strconv.ParseInt(val, 10, 64)
		if err != nil || p.Count <= 0 {
			continue
		}
		p.Batch = batch
		out = append(out, p)
	}
	return out, nil
}

// Ack discards the drained counters once they are persisted.
func (c *PlayCounter) Ack(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	return c.client.Del(ctx, playsDrainingKey, playsBatchKey).Err()
}

// Done removes one flushed entry from the draining hash, so an interrupted
// flush resumes without re-applying it.
func (c *PlayCounter) Done(ctx context.Context, p PendingPlays) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	field := fmt.Sprintf("%s:%d:%d", p.Day, p.TrackID, p.ArtistID)
	return c.client.HDel(ctx, playsDrainingKey, field).Err()
}

// Backlog 返回尚未结算的计费播放总数，包括正在结算中的部分
func (c *PlayCounter) Backlog(ctx context.Context) (int64, error) {
	if c.client == nil {
		return 0, fmt.Errorf("Redis client not initialized")
	}

	var total int64
	for _, key := range []string{playsPendingKey, playsDrainingKey} {
		vals, err := c.client.HVals(ctx, key).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to read %s: %w", key, err)
		}
		for _, v := range vals {
			n, err := strconv.ParseInt(v, 10, 64)
			if err == nil && n > 0 {
				total += n
			}
		}
	}
	return total, nil
}

func parsePendingField(field string) (PendingPlays, error) {
	parts := strings.Split(field, ":")
	if len(parts) != 3 {
		return PendingPlays{}, fmt.Errorf("malformed pending field %q", field)
	}
	trackID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return PendingPlays{}, err
	}
	artistID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return PendingPlays{}, err
	}
	return PendingPlays{Day: parts[0], TrackID: trackID, ArtistID: artistID}, nil
}

// Trending returns the most played tracks over the last `days` days ending at now.
func (c *PlayCounter) Trending(ctx context.Context, now time.Time, days int, limit int64) ([]TrendingEntry, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}
	if days < 1 {
		days = 1
	}
	if limit <= 0 {
		limit = 20
	}

	keys := make([]string, 0, days)
	for i := 0; i < days; i++ {
		keys = append(keys, fmt.Sprintf(trendingKey, dayKey(now.AddDate(0, 0, -i))))
	}

	source := keys[0]
	if days > 1 {
		source = fmt.Sprintf(trendingUnionKey, days, dayKey(now))
		pipe := c.client.TxPipeline()
		pipe.ZUnionStore(ctx, source, &redis.ZStore{Keys: keys, Aggregate: "SUM"})
		pipe.Expire(ctx, source, trendingUnionTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to merge trending sets: %w", err)
		}
	}

	zs, err := c.client.ZRevRangeWithScores(ctx, source, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read trending set: %w", err)
	}

	entries := make([]TrendingEntry, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, TrendingEntry{TrackID: id, Plays: int64(z.Score)})
	}
	return entries, nil
}
