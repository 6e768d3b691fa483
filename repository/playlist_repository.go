package repository

import (
	"context"
	"errors"
	"fmt"

	"Encore/db"
	"Encore/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PlaylistRepository 播放列表数据访问接口
type PlaylistRepository interface {
	Create(ctx context.Context, playlist *model.Playlist) error
	GetByID(ctx context.Context, id int64) (*model.Playlist, error)
	ListByUser(ctx context.Context, userID int64) ([]*model.Playlist, error)
	Update(ctx context.Context, playlist *model.Playlist) error
	Delete(ctx context.Context, id int64) error
	Tracks(ctx context.Context, playlistID int64) ([]*model.Track, error)
	AddTrack(ctx context.Context, playlistID, trackID int64) (int, error)
	RemoveTrack(ctx context.Context, playlistID, trackID int64) error
	CountByUser(ctx context.Context, userID int64) (int64, error)
}

type gormPlaylistRepository struct {
	db *gorm.DB
}

// NewGormPlaylistRepository creates a gorm-backed PlaylistRepository.
func NewGormPlaylistRepository(db *gorm.DB) PlaylistRepository {
	return &gormPlaylistRepository{db: db}
}

// Create 创建播放列表
func (r *gormPlaylistRepository) Create(ctx context.Context, playlist *model.Playlist) error {
	return wrapCreate("playlist", r.db.WithContext(ctx).Create(playlist).Error)
}

// GetByID 根据ID获取播放列表
func (r *gormPlaylistRepository) GetByID(ctx context.Context, id int64) (*model.Playlist, error) {
	return firstOrNil[model.Playlist](r.db.WithContext(ctx).Where("id = ?", id))
}

// ListByUser 获取用户的所有播放列表
func (r *gormPlaylistRepository) ListByUser(ctx context.Context, userID int64) ([]*model.Playlist, error) {
	var playlists []*model.Playlist
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&playlists).Error
	return playlists, err
}

// Update 更新播放列表基本信息
func (r *gormPlaylistRepository) Update(ctx context.Context, playlist *model.Playlist) error {
	return r.db.WithContext(ctx).Save(playlist).Error
}

// Delete 删除播放列表及其歌曲
func (r *gormPlaylistRepository) Delete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("playlist_id = ?", id).Delete(&model.PlaylistTrack{}).Error; err != nil {
			return err
		}
		return affected(tx.Where("id = ?", id).Delete(&model.Playlist{}))
	})
}

// Tracks 按位置顺序返回播放列表中的歌曲
func (r *gormPlaylistRepository) Tracks(ctx context.Context, playlistID int64) ([]*model.Track, error) {
	var tracks []*model.Track
	err := r.db.WithContext(ctx).Model(&model.Track{}).
		Joins("JOIN playlist_tracks ON playlist_tracks.track_id = tracks.id").
		Where("playlist_tracks.playlist_id = ?", playlistID).
		Preload("Artist").
		Order("playlist_tracks.position ASC").
		Find(&tracks).Error
	return tracks, err
}

// AddTrack appends a track and returns its position. Adding a track that is
// already in the playlist returns ErrDuplicate.
func (r *gormPlaylistRepository) AddTrack(ctx context.Context, playlistID, trackID int64) (int, error) {
	var position int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 锁住播放列表行，避免并发追加得到相同位置
		var p model.Playlist
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", playlistID).First(&p).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		var next struct{ Next int }
		if err := tx.Model(&model.PlaylistTrack{}).
			Select("COALESCE(MAX(position) + 1, 0) AS next").
			Where("playlist_id = ?", playlistID).
			Scan(&next).Error; err != nil {
			return err
		}
		position = next.Next

		if err := tx.Create(&model.PlaylistTrack{PlaylistID: playlistID, TrackID: trackID, Position: position}).Error; err != nil {
			if db.IsDuplicateKey(err) {
				return fmt.Errorf("track %d in playlist %d: %w", trackID, playlistID, ErrDuplicate)
			}
			return err
		}
		return tx.Model(&model.Playlist{}).Where("id = ?", playlistID).Update("updated_at", gorm.Expr("NOW()")).Error
	})
	return position, err
}

// RemoveTrack deletes a track and closes the gap so positions stay contiguous.
func (r *gormPlaylistRepository) RemoveTrack(ctx context.Context, playlistID, trackID int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry model.PlaylistTrack
		if err := tx.Where("playlist_id = ? AND track_id = ?", playlistID, trackID).First(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Delete(&entry).Error; err != nil {
			return err
		}
		return tx.Model(&model.PlaylistTrack{}).
			Where("playlist_id = ? AND position > ?", playlistID, entry.Position).
			UpdateColumn("position", gorm.Expr("position - 1")).Error
	})
}

// CountByUser 统计用户播放列表数量
func (r *gormPlaylistRepository) CountByUser(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Playlist{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}
