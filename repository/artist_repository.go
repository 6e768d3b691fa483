package repository

import (
	"context"

	"Encore/model"

	"gorm.io/gorm"
)

// ArtistRepository 艺人资料数据访问接口
type ArtistRepository interface {
	Create(ctx context.Context, artist *model.Artist) error
	Update(ctx context.Context, artist *model.Artist) error
	GetByID(ctx context.Context, id int64) (*model.Artist, error)
	GetBySlug(ctx context.Context, slug string) (*model.Artist, error)
	GetByUserID(ctx context.Context, userID int64) (*model.Artist, error)
	List(ctx context.Context, opts ListOptions) ([]*model.Artist, int64, error)
	Featured(ctx context.Context, limit int) ([]*model.Artist, error)
}

type gormArtistRepository struct {
	db *gorm.DB
}

// NewGormArtistRepository creates a gorm-backed ArtistRepository.
func NewGormArtistRepository(db *gorm.DB) ArtistRepository {
	return &gormArtistRepository{db: db}
}

var artistSorts = map[string]string{
	"created": "created_at",
	"name":    "name",
}

// Create 创建艺人资料，slug 或 user 已存在时返回 ErrDuplicate
func (r *gormArtistRepository) Create(ctx context.Context, artist *model.Artist) error {
	return wrapCreate("artist", r.db.WithContext(ctx).Create(artist).Error)
}

// Update 更新艺人资料
func (r *gormArtistRepository) Update(ctx context.Context, artist *model.Artist) error {
	err := r.db.WithContext(ctx).Save(artist).Error
	if err != nil {
		return wrapCreate("artist", err)
	}
	return nil
}

// GetByID 根据ID获取艺人
func (r *gormArtistRepository) GetByID(ctx context.Context, id int64) (*model.Artist, error) {
	return firstOrNil[model.Artist](r.db.WithContext(ctx).Where("id = ?", id))
}

// GetBySlug 根据 slug 获取艺人
func (r *gormArtistRepository) GetBySlug(ctx context.Context, slug string) (*model.Artist, error) {
	return firstOrNil[model.Artist](r.db.WithContext(ctx).Where("slug = ?", slug))
}

// GetByUserID 获取创作者账号对应的艺人资料
func (r *gormArtistRepository) GetByUserID(ctx context.Context, userID int64) (*model.Artist, error) {
	return firstOrNil[model.Artist](r.db.WithContext(ctx).Where("user_id = ?", userID))
}

// List 艺人列表
func (r *gormArtistRepository) List(ctx context.Context, opts ListOptions) ([]*model.Artist, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Artist{})
	if opts.Query != "" {
		q = q.Where("name LIKE ?", likePattern(opts.Query))
	}
	if opts.Genre != "" {
		q = q.Where("genre = ?", opts.Genre)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit, offset := opts.Page()
	var artists []*model.Artist
	err := q.Order(opts.OrderBy(artistSorts, "name")).Limit(limit).Offset(offset).Find(&artists).Error
	return artists, total, err
}

// Featured 首页推荐艺人
func (r *gormArtistRepository) Featured(ctx context.Context, limit int) ([]*model.Artist, error) {
	var artists []*model.Artist
	err := r.db.WithContext(ctx).
		Where("featured = ?", true).
		Order("name ASC").
		Limit(limit).
		Find(&artists).Error
	return artists, err
}
