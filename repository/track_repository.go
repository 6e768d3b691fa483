package repository

import (
	"context"
	"time"

	"Encore/model"

	"gorm.io/gorm"
)

// TrackRepository defines the interface for track data operations.
type TrackRepository interface {
	Create(ctx context.Context, track *model.Track) error
	Update(ctx context.Context, track *model.Track) error
	GetByID(ctx context.Context, id int64) (*model.Track, error)
	GetByIDs(ctx context.Context, ids []int64) ([]*model.Track, error)
	List(ctx context.Context, opts ListOptions) ([]*model.Track, int64, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
	Delete(ctx context.Context, id int64) error
	CountByStatus(ctx context.Context) (map[string]int64, error)
	TopByArtist(ctx context.Context, artistID int64, limit int) ([]*model.Track, error)
}

type gormTrackRepository struct {
	db *gorm.DB
}

// NewGormTrackRepository creates a gorm-backed TrackRepository.
func NewGormTrackRepository(db *gorm.DB) TrackRepository {
	return &gormTrackRepository{db: db}
}

var trackSorts = map[string]string{
	"created":   "created_at",
	"published": "published_at",
	"title":     "title",
	"plays":     "play_count",
	"likes":     "like_count",
	"price":     "price_cents",
}

// Create adds a new track.
func (r *gormTrackRepository) Create(ctx context.Context, track *model.Track) error {
	return wrapCreate("track", r.db.WithContext(ctx).Create(track).Error)
}

// Update saves every column of track.
func (r *gormTrackRepository) Update(ctx context.Context, track *model.Track) error {
	return r.db.WithContext(ctx).Omit("Artist").Save(track).Error
}

// GetByID retrieves a track with its artist.
func (r *gormTrackRepository) GetByID(ctx context.Context, id int64) (*model.Track, error) {
	return firstOrNil[model.Track](r.db.WithContext(ctx).Preload("Artist").Where("id = ?", id))
}

// GetByIDs returns the tracks in the order of ids, skipping missing ones.
func (r *gormTrackRepository) GetByIDs(ctx context.Context, ids []int64) ([]*model.Track, error) {
	if len(ids) == 0 {
		return []*model.Track{}, nil
	}
	var found []*model.Track
	if err := r.db.WithContext(ctx).Preload("Artist").Where("id IN ?", ids).Find(&found).Error; err != nil {
		return nil, err
	}

	byID := make(map[int64]*model.Track, len(found))
	for _, t := range found {
		byID[t.ID] = t
	}
	ordered := make([]*model.Track, 0, len(found))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			ordered = append(ordered, t)
		}
	}
	return ordered, nil
}

// List 歌曲列表（搜索、流派、状态、艺人过滤 + 排序）
func (r *gormTrackRepository) List(ctx context.Context, opts ListOptions) ([]*model.Track, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Track{})
	if opts.Query != "" {
		q = q.Where("title LIKE ?", likePattern(opts.Query))
	}
	if opts.Genre != "" {
		q = q.Where("genre = ?", opts.Genre)
	}
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}
	if opts.ArtistID != 0 {
		q = q.Where("artist_id = ?", opts.ArtistID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit, offset := opts.Page()
	var tracks []*model.Track
	err := q.Preload("Artist").
		Order(opts.OrderBy(trackSorts, "created")).
		Limit(limit).
		Offset(offset).
		Find(&tracks).Error
	return tracks, total, err
}

// UpdateStatus 更新歌曲状态，首次发布时记录发布时间
func (r *gormTrackRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	updates := map[string]interface{}{"status": status}
	if status == model.TrackStatusPublished {
		updates["published_at"] = gorm.Expr("COALESCE(published_at, ?)", time.Now())
	}
	return affected(r.db.WithContext(ctx).Model(&model.Track{}).Where("id = ?", id).Updates(updates))
}

// Delete removes a track together with its likes and playlist entries.
// Play events and purchases are kept for accounting.
func (r *gormTrackRepository) Delete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("track_id = ?", id).Delete(&model.Like{}).Error; err != nil {
			return err
		}
		if err := tx.Where("track_id = ?", id).Delete(&model.PlaylistTrack{}).Error; err != nil {
			return err
		}
		return affected(tx.Where("id = ?", id).Delete(&model.Track{}))
	})
}

// CountByStatus 按状态统计歌曲数
func (r *gormTrackRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	err := r.db.WithContext(ctx).Model(&model.Track{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

// TopByArtist 艺人播放量最高的歌曲
func (r *gormTrackRepository) TopByArtist(ctx context.Context, artistID int64, limit int) ([]*model.Track, error) {
	var tracks []*model.Track
	err := r.db.WithContext(ctx).
		Where("artist_id = ?", artistID).
		Order("play_count DESC").
		Limit(limit).
		Find(&tracks).Error
	return tracks, err
}
