package repository

import (
	"context"

	"Encore/model"

	"gorm.io/gorm"
)

// SubscriberRepository 邮件订阅 / 邀请数据访问接口
type SubscriberRepository interface {
	Create(ctx context.Context, sub *model.Subscriber) error
	Update(ctx context.Context, sub *model.Subscriber) error
	GetByToken(ctx context.Context, token string) (*model.Subscriber, error)
	GetByEmail(ctx context.Context, email string, artistID *int64) (*model.Subscriber, error)
	ListByArtist(ctx context.Context, artistID *int64, opts ListOptions) ([]*model.Subscriber, int64, error)
}

type gormSubscriberRepository struct {
	db *gorm.DB
}

// NewGormSubscriberRepository creates a gorm-backed SubscriberRepository.
func NewGormSubscriberRepository(db *gorm.DB) SubscriberRepository {
	return &gormSubscriberRepository{db: db}
}

func (r *gormSubscriberRepository) Create(ctx context.Context, sub *model.Subscriber) error {
	return wrapCreate("subscriber", r.db.WithContext(ctx).Create(sub).Error)
}

func (r *gormSubscriberRepository) Update(ctx context.Context, sub *model.Subscriber) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

func (r *gormSubscriberRepository) GetByToken(ctx context.Context, token string) (*model.Subscriber, error) {
	return firstOrNil[model.Subscriber](r.db.WithContext(ctx).Where("token = ?", token))
}

// GetByEmail looks up an entry on a list; nil artistID is the site newsletter.
func (r *gormSubscriberRepository) GetByEmail(ctx context.Context, email string, artistID *int64) (*model.Subscriber, error) {
	return firstOrNil[model.Subscriber](scopeList(r.db.WithContext(ctx), artistID).Where("email = ?", email))
}

// ListByArtist 列出订阅名单
func (r *gormSubscriberRepository) ListByArtist(ctx context.Context, artistID *int64, opts ListOptions) ([]*model.Subscriber, int64, error) {
	q := scopeList(r.db.WithContext(ctx).Model(&model.Subscriber{}), artistID)
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}
	if opts.Query != "" {
		q = q.Where("email LIKE ?", likePattern(opts.Query))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit, offset := opts.Page()
	var subs []*model.Subscriber
	err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&subs).Error
	return subs, total, err
}

func scopeList(q *gorm.DB, artistID *int64) *gorm.DB {
	if artistID == nil {
		return q.Where("artist_id IS NULL")
	}
	return q.Where("artist_id = ?", *artistID)
}

// EmailLogRepository 邮件发送记录
type EmailLogRepository interface {
	Create(ctx context.Context, entry *model.EmailLog) error
	List(ctx context.Context, opts ListOptions) ([]*model.EmailLog, int64, error)
}

type gormEmailLogRepository struct {
	db *gorm.DB
}

// NewGormEmailLogRepository creates a gorm-backed EmailLogRepository.
func NewGormEmailLogRepository(db *gorm.DB) EmailLogRepository {
	return &gormEmailLogRepository{db: db}
}

func (r *gormEmailLogRepository) Create(ctx context.Context, entry *model.EmailLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// List 邮件发送记录（按状态、收件人过滤）
func (r *gormEmailLogRepository) List(ctx context.Context, opts ListOptions) ([]*model.EmailLog, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.EmailLog{})
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}
	if opts.Query != "" {
		q = q.Where("recipient LIKE ?", likePattern(opts.Query))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit, offset := opts.Page()
	var entries []*model.EmailLog
	err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&entries).Error
	return entries, total, err
}
