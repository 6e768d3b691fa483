package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Encore/db"
	"Encore/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PlayStats 播放统计
type PlayStats struct {
	TotalPlays      int64 `json:"totalPlays"`
	CountedPlays    int64 `json:"countedPlays"`
	UniqueListeners int64 `json:"uniqueListeners"`
}

// DailyPlays is one point of a plays-per-day series.
type DailyPlays struct {
	Day   string `json:"day"`
	Plays int64  `json:"plays"`
}

// PlayRepository stores raw play events.
type PlayRepository interface {
	Create(ctx context.Context, event *model.PlayEvent) error
	StatsByArtist(ctx context.Context, artistID int64, since time.Time) (*PlayStats, error)
	DailyByArtist(ctx context.Context, artistID int64, since time.Time) ([]DailyPlays, error)
	CountSince(ctx context.Context, since time.Time) (int64, error)
}

type gormPlayRepository struct {
	db *gorm.DB
}

// NewGormPlayRepository creates a gorm-backed PlayRepository.
func NewGormPlayRepository(db *gorm.DB) PlayRepository {
	return &gormPlayRepository{db: db}
}

// Create 写入一条播放事件
func (r *gormPlayRepository) Create(ctx context.Context, event *model.PlayEvent) error {
	return wrapCreate("play event", r.db.WithContext(ctx).Create(event).Error)
}

// StatsByArtist 艺人在 since 之后的播放统计
func (r *gormPlayRepository) StatsByArtist(ctx context.Context, artistID int64, since time.Time) (*PlayStats, error) {
	var stats PlayStats
	err := r.db.WithContext(ctx).Model(&model.PlayEvent{}).
		Select("COUNT(*) AS total_plays, "+
			"COALESCE(SUM(CASE WHEN counted THEN 1 ELSE 0 END), 0) AS counted_plays, "+
			"COUNT(DISTINCT client_hash) AS unique_listeners").
		Where("artist_id = ? AND created_at >= ?", artistID, since).
		Scan(&stats).Error
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// DailyByArtist 按天统计计费播放次数
func (r *gormPlayRepository) DailyByArtist(ctx context.Context, artistID int64, since time.Time) ([]DailyPlays, error) {
	var rows []DailyPlays
	err := r.db.WithContext(ctx).Model(&model.PlayEvent{}).
		Select("DATE_FORMAT(created_at, '%Y-%m-%d') AS day, COUNT(*) AS plays").
		Where("artist_id = ? AND counted = ? AND created_at >= ?", artistID, true, since).
		Group("day").
		Order("day ASC").
		Scan(&rows).Error
	return rows, err
}

// CountSince 全站播放总数
func (r *gormPlayRepository) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.PlayEvent{}).Where("created_at >= ?", since).Count(&count).Error
	return count, err
}

// EarningRepository accrues per-day artist earnings.
type EarningRepository interface {
	Accrue(ctx context.Context, artistID int64, day string, plays, royaltyCents, salesCents int64) error
	FlushPlays(ctx context.Context, flush *model.PlayFlush, royalty func(before int64) int64) (bool, error)
	Get(ctx context.Context, artistID int64, day string) (*model.Earning, error)
	Range(ctx context.Context, artistID int64, fromDay, toDay string) ([]*model.Earning, error)
	Totals(ctx context.Context) (*model.EarningsSummary, error)
}

type gormEarningRepository struct {
	db *gorm.DB
}

// NewGormEarningRepository creates a gorm-backed EarningRepository.
func NewGormEarningRepository(db *gorm.DB) EarningRepository {
	return &gormEarningRepository{db: db}
}

// Accrue adds to the (artist, day) row, creating it on first use.
func (r *gormEarningRepository) Accrue(ctx context.Context, artistID int64, day string, plays, royaltyCents, salesCents int64) error {
	return accrue(r.db.WithContext(ctx), artistID, day, plays, royaltyCents, salesCents)
}

func accrue(q *gorm.DB, artistID int64, day string, plays, royaltyCents, salesCents int64) error {
	row := &model.Earning{
		ArtistID:     artistID,
		Day:          day,
		Plays:        plays,
		RoyaltyCents: royaltyCents,
		SalesCents:   salesCents,
	}
	return q.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "artist_id"}, {Name: "day"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"plays":         gorm.Expr("plays + ?", plays),
			"royalty_cents": gorm.Expr("royalty_cents + ?", royaltyCents),
			"sales_cents":   gorm.Expr("sales_cents + ?", salesCents),
			"updated_at":    time.Now(),
		}),
	}).Create(row).Error
}

// FlushPlays applies one drained play counter in a single transaction: the
// flush marker, the track's play_count and the day's earnings row. royalty
// receives the day's plays before this flush and returns the cents earned.
// It reports false, changing nothing, when the marker already exists.
func (r *gormEarningRepository) FlushPlays(ctx context.Context, flush *model.PlayFlush, royalty func(before int64) int64) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 锁住当天收益行，并发结算按顺序计算版税
		var current model.Earning
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("artist_id = ? AND day = ?", flush.ArtistID, flush.Day).
			First(&current).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to load earnings: %w", err)
		}
		flush.RoyaltyCents = royalty(current.Plays)

		if err := tx.Create(flush).Error; err != nil {
			if db.IsDuplicateKey(err) {
				return nil
			}
			return fmt.Errorf("failed to record flush: %w", err)
		}
		if err := tx.Model(&model.Track{}).
			Where("id = ?", flush.TrackID).
			UpdateColumn("play_count", gorm.Expr("play_count + ?", flush.Plays)).Error; err != nil {
			return fmt.Errorf("failed to add plays: %w", err)
		}
		if err := accrue(tx, flush.ArtistID, flush.Day, flush.Plays, flush.RoyaltyCents, 0); err != nil {
			return fmt.Errorf("failed to accrue royalty: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Get 返回某艺人某天的收益行，不存在时返回 nil
func (r *gormEarningRepository) Get(ctx context.Context, artistID int64, day string) (*model.Earning, error) {
	return firstOrNil[model.Earning](r.db.WithContext(ctx).Where("artist_id = ? AND day = ?", artistID, day))
}

// Range 返回 [fromDay, toDay] 区间内的每日收益
func (r *gormEarningRepository) Range(ctx context.Context, artistID int64, fromDay, toDay string) ([]*model.Earning, error) {
	var rows []*model.Earning
	err := r.db.WithContext(ctx).
		Where("artist_id = ? AND day >= ? AND day <= ?", artistID, fromDay, toDay).
		Order("day ASC").
		Find(&rows).Error
	return rows, err
}

// Totals 全站收益汇总（管理后台）
func (r *gormEarningRepository) Totals(ctx context.Context) (*model.EarningsSummary, error) {
	var row struct {
		Plays        int64
		RoyaltyCents int64
		SalesCents   int64
	}
	err := r.db.WithContext(ctx).Model(&model.Earning{}).
		Select("COALESCE(SUM(plays), 0) AS plays, " +
			"COALESCE(SUM(royalty_cents), 0) AS royalty_cents, " +
			"COALESCE(SUM(sales_cents), 0) AS sales_cents").
		Scan(&row).Error
	if err != nil {
		return nil, err
	}
	return &model.EarningsSummary{
		Plays:        row.Plays,
		RoyaltyCents: row.RoyaltyCents,
		SalesCents:   row.SalesCents,
		TotalCents:   row.RoyaltyCents + row.SalesCents,
		Days:         []*model.Earning{},
	}, nil
}

// Summarize folds daily rows into a summary.
func Summarize(days []*model.Earning) *model.EarningsSummary {
	sum := &model.EarningsSummary{Days: days}
	if sum.Days == nil {
		sum.Days = []*model.Earning{}
	}
	for _, d := range days {
		sum.Plays += d.Plays
		sum.RoyaltyCents += d.RoyaltyCents
		sum.SalesCents += d.SalesCents
	}
	sum.TotalCents = sum.RoyaltyCents + sum.SalesCents
	return sum
}
