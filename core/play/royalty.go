package play

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Encore/cache"
	"Encore/logger"
	"Encore/metrics"
	"Encore/model"
	"Encore/repository"
)

// ErrFlushInProgress is returned when another process holds the flush lock.
var ErrFlushInProgress = errors.New("royalty flush already in progress")

// flushLockTTL 需大于一次结算的最长耗时；锁过期后 play_flushes 仍能挡住重复入账
const flushLockTTL = 15 * time.Minute

// Drainer hands out buffered play counts for flushing.
type Drainer interface {
	LockFlush(ctx context.Context, ttl time.Duration) (func(context.Context) error, error)
	Drain(ctx context.Context) ([]cache.PendingPlays, error)
	Done(ctx context.Context, p cache.PendingPlays) error
	Ack(ctx context.Context) error
}

// RoyaltyReport summarizes one flush.
type RoyaltyReport struct {
	Entries      int   `json:"entries"`
	Skipped      int   `json:"skipped"`
	Plays        int64 `json:"plays"`
	RoyaltyCents int64 `json:"royaltyCents"`
}

// RoyaltyJob moves counted plays from Redis into track play counts and the
// per-artist daily earnings.
type RoyaltyJob struct {
	counter    Drainer
	earnings   repository.EarningRepository
	centsPer1K int64
}

// NewRoyaltyJob creates a RoyaltyJob paying centsPer1K per thousand plays.
func NewRoyaltyJob(counter Drainer, earnings repository.EarningRepository, centsPer1K int64) *RoyaltyJob {
	return &RoyaltyJob{counter: counter, earnings: earnings, centsPer1K: centsPer1K}
}

// RoyaltyFor returns the royalty owed for a cumulative play count. Fractions
// of a cent are carried by recomputing from the day's running total.
func RoyaltyFor(plays, centsPer1K int64) int64 {
	return plays * centsPer1K / 1000
}

// Run flushes all pending plays. Only one process flushes at a time; the
// others get ErrFlushInProgress. Each entry is applied in one transaction
// keyed by its drain batch and removed from Redis right after, so a failed
// run resumes where it stopped and never applies an entry twice.
func (j *RoyaltyJob) Run(ctx context.Context) (*RoyaltyReport, error) {
	start := time.Now()
	report := &RoyaltyReport{}

	unlock, err := j.counter.LockFlush(ctx, flushLockTTL)
	if err != nil {
		if errors.Is(err, cache.ErrLockHeld) {
			return nil, ErrFlushInProgress
		}
		return nil, err
	}
	defer func() {
		// 取消的 ctx 也要释放锁
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("[Royalty] 释放结算锁失败", logger.ErrorField(err))
		}
	}()

	pending, err := j.counter.Drain(ctx)
	if err != nil {
		return nil, err
	}

	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		earned, applied, err := j.flush(ctx, p)
		if err != nil {
			logger.Error("[Royalty] 写入播放收益失败",
				logger.Int64("trackId", p.TrackID),
				logger.String("day", p.Day),
				logger.ErrorField(err))
			return report, err
		}
		if err := j.counter.Done(ctx, p); err != nil {
			return report, fmt.Errorf("failed to mark plays flushed: %w", err)
		}

		if !applied {
			logger.Warn("[Royalty] 该批次已入账，跳过",
				logger.String("batch", p.Batch),
				logger.Int64("trackId", p.TrackID),
				logger.String("day", p.Day))
			report.Skipped++
			continue
		}
		report.Entries++
		report.Plays += p.Count
		report.RoyaltyCents += earned
	}
	if len(pending) > 0 {
		if err := j.counter.Ack(ctx); err != nil {
			return report, fmt.Errorf("failed to ack drained plays: %w", err)
		}
	}

	metrics.RecordRoyaltyPlays(report.Plays)
	logger.Info("[Royalty] 播放收益结算完成",
		logger.Int("entries", report.Entries),
		logger.Int("skipped", report.Skipped),
		logger.Int64("plays", report.Plays),
		logger.Int64("royaltyCents", report.RoyaltyCents),
		logger.Duration("took", time.Since(start)))
	return report, nil
}

// flush applies one entry. applied is false when its batch was already written.
func (j *RoyaltyJob) flush(ctx context.Context, p cache.PendingPlays) (int64, bool, error) {
	entry := &model.PlayFlush{
		Batch:    p.Batch,
		Day:      p.Day,
		TrackID:  p.TrackID,
		ArtistID: p.ArtistID,
		Plays:    p.Count,
	}
	applied, err := j.earnings.FlushPlays(ctx, entry, func(before int64) int64 {
		return RoyaltyFor(before+p.Count, j.centsPer1K) - RoyaltyFor(before, j.centsPer1K)
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to flush plays: %w", err)
	}
	return entry.RoyaltyCents, applied, nil
}

var _ Drainer = (*cache.PlayCounter)(nil)
