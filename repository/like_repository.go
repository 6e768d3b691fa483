package repository

import (
	"context"

	"Encore/db"
	"Encore/model"

	"gorm.io/gorm"
)

// LikeRepository persists fans' liked tracks.
type LikeRepository interface {
	Like(ctx context.Context, userID, trackID int64) (bool, error)
	Unlike(ctx context.Context, userID, trackID int64) (bool, error)
	LikedTracks(ctx context.Context, userID int64, opts ListOptions) ([]*model.Track, int64, error)
	LikedSet(ctx context.Context, userID int64, trackIDs []int64) (map[int64]bool, error)
}

type gormLikeRepository struct {
	db *gorm.DB
}

// NewGormLikeRepository creates a gorm-backed LikeRepository.
func NewGormLikeRepository(db *gorm.DB) LikeRepository {
	return &gormLikeRepository{db: db}
}

// Like records a like and bumps the track's like_count. Liking twice is a
// no-op and reports false.
func (r *gormLikeRepository) Like(ctx context.Context, userID, trackID int64) (bool, error) {
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Create(&model.Like{UserID: userID, TrackID: trackID}).Error
		if err != nil {
			if db.IsDuplicateKey(err) {
				return nil
			}
			return err
		}
		created = true
		return tx.Model(&model.Track{}).
			Where("id = ?", trackID).
			UpdateColumn("like_count", gorm.Expr("like_count + 1")).Error
	})
	return created, err
}

// Unlike removes a like; false when there was nothing to remove.
func (r *gormLikeRepository) Unlike(ctx context.Context, userID, trackID int64) (bool, error) {
	removed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("user_id = ? AND track_id = ?", userID, trackID).Delete(&model.Like{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		removed = true
		return tx.Model(&model.Track{}).
			Where("id = ? AND like_count > 0", trackID).
			UpdateColumn("like_count", gorm.Expr("like_count - 1")).Error
	})
	return removed, err
}

// LikedTracks 用户喜欢的歌曲（最近喜欢的在前）
func (r *gormLikeRepository) LikedTracks(ctx context.Context, userID int64, opts ListOptions) ([]*model.Track, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Track{}).
		Joins("JOIN likes ON likes.track_id = tracks.id").
		Where("likes.user_id = ?", userID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit, offset := opts.Page()
	var tracks []*model.Track
	err := q.Preload("Artist").
		Order("likes.created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&tracks).Error
	return tracks, total, err
}

// LikedSet reports which of trackIDs the user has liked.
func (r *gormLikeRepository) LikedSet(ctx context.Context, userID int64, trackIDs []int64) (map[int64]bool, error) {
	set := make(map[int64]bool, len(trackIDs))
	if userID == 0 || len(trackIDs) == 0 {
		return set, nil
	}
	var ids []int64
	err := r.db.WithContext(ctx).Model(&model.Like{}).
		Where("user_id = ? AND track_id IN ?", userID, trackIDs).
		Pluck("track_id", &ids).Error
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}
