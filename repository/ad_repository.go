package repository

import (
	"context"
	"time"

	"Encore/model"

	"gorm.io/gorm"
)

// AdRepository 广告数据访问接口
type AdRepository interface {
	Create(ctx context.Context, ad *model.Ad) error
	GetByID(ctx context.Context, id int64) (*model.Ad, error)
	List(ctx context.Context, opts ListOptions) ([]*model.Ad, int64, error)
	Live(ctx context.Context, placement string, now time.Time, limit int) ([]*model.Ad, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
	RecordImpressions(ctx context.Context, ids []int64) error
	RecordClick(ctx context.Context, id int64) error
	ExpireEnded(ctx context.Context, now time.Time) (int64, error)
}

type gormAdRepository struct {
	db *gorm.DB
}

// NewGormAdRepository creates a gorm-backed AdRepository.
func NewGormAdRepository(db *gorm.DB) AdRepository {
	return &gormAdRepository{db: db}
}

var adSorts = map[string]string{
	"created":     "created_at",
	"impressions": "impressions",
	"clicks":      "clicks",
	"title":       "title",
}

func (r *gormAdRepository) Create(ctx context.Context, ad *model.Ad) error {
	return wrapCreate("ad", r.db.WithContext(ctx).Create(ad).Error)
}

func (r *gormAdRepository) GetByID(ctx context.Context, id int64) (*model.Ad, error) {
	return firstOrNil[model.Ad](r.db.WithContext(ctx).Where("id = ?", id))
}

// List 广告列表（管理后台审核 / 创作者查看自己的广告）
func (r *gormAdRepository) List(ctx context.Context, opts ListOptions) ([]*model.Ad, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Ad{})
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}
	if opts.Placement != "" {
		q = q.Where("placement = ?", opts.Placement)
	}
	if opts.UserID != 0 {
		q = q.Where("owner_id = ?", opts.UserID)
	}
	if opts.Query != "" {
		q = q.Where("title LIKE ?", likePattern(opts.Query))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit, offset := opts.Page()
	var ads []*model.Ad
	err := q.Order(opts.OrderBy(adSorts, "created")).Limit(limit).Offset(offset).Find(&ads).Error
	return ads, total, err
}

// Live 当前可投放的广告
func (r *gormAdRepository) Live(ctx context.Context, placement string, now time.Time, limit int) ([]*model.Ad, error) {
	q := r.db.WithContext(ctx).
		Where("status = ?", model.AdApproved).
		Where("starts_at IS NULL OR starts_at <= ?", now).
		Where("ends_at IS NULL OR ends_at > ?", now)
	if placement != "" {
		q = q.Where("placement = ?", placement)
	}
	var ads []*model.Ad
	err := q.Order("impressions ASC").Limit(limit).Find(&ads).Error
	return ads, err
}

// UpdateStatus 审核广告
func (r *gormAdRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	return affected(r.db.WithContext(ctx).Model(&model.Ad{}).Where("id = ?", id).Update("status", status))
}

// RecordImpressions 批量累加曝光次数
func (r *gormAdRepository) RecordImpressions(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&model.Ad{}).
		Where("id IN ?", ids).
		UpdateColumn("impressions", gorm.Expr("impressions + 1")).Error
}

// RecordClick 累加点击次数
func (r *gormAdRepository) RecordClick(ctx context.Context, id int64) error {
	return affected(r.db.WithContext(ctx).Model(&model.Ad{}).
		Where("id = ? AND status = ?", id, model.AdApproved).
		UpdateColumn("clicks", gorm.Expr("clicks + 1")))
}

// ExpireEnded marks approved ads whose end time has passed as expired.
func (r *gormAdRepository) ExpireEnded(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Ad{}).
		Where("status = ? AND ends_at IS NOT NULL AND ends_at <= ?", model.AdApproved, now).
		Update("status", model.AdExpired)
	return res.RowsAffected, res.Error
}
