package repository

import (
	"context"

	"Encore/model"

	"gorm.io/gorm"
)

// TierRepository 订阅档位数据访问接口
type TierRepository interface {
	Create(ctx context.Context, tier *model.SubscriptionTier) error
	Update(ctx context.Context, tier *model.SubscriptionTier) error
	GetByID(ctx context.Context, id int64) (*model.SubscriptionTier, error)
	ListByArtist(ctx context.Context, artistID int64, activeOnly bool) ([]*model.SubscriptionTier, error)
}

type gormTierRepository struct {
	db *gorm.DB
}

// NewGormTierRepository creates a gorm-backed TierRepository.
func NewGormTierRepository(db *gorm.DB) TierRepository {
	return &gormTierRepository{db: db}
}

func (r *gormTierRepository) Create(ctx context.Context, tier *model.SubscriptionTier) error {
	return wrapCreate("subscription tier", r.db.WithContext(ctx).Create(tier).Error)
}

func (r *gormTierRepository) Update(ctx context.Context, tier *model.SubscriptionTier) error {
	return r.db.WithContext(ctx).Save(tier).Error
}

func (r *gormTierRepository) GetByID(ctx context.Context, id int64) (*model.SubscriptionTier, error) {
	return firstOrNil[model.SubscriptionTier](r.db.WithContext(ctx).Where("id = ?", id))
}

// ListByArtist 艺人的订阅档位，按价格升序
func (r *gormTierRepository) ListByArtist(ctx context.Context, artistID int64, activeOnly bool) ([]*model.SubscriptionTier, error) {
	q := r.db.WithContext(ctx).Where("artist_id = ?", artistID)
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var tiers []*model.SubscriptionTier
	err := q.Order("price_cents ASC").Find(&tiers).Error
	return tiers, err
}

// SubscriptionRepository 粉丝订阅数据访问接口
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *model.Subscription) error
	Update(ctx context.Context, sub *model.Subscription) error
	GetBySessionID(ctx context.Context, sessionID string) (*model.Subscription, error)
	GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*model.Subscription, error)
	FindActive(ctx context.Context, userID, tierID int64) (*model.Subscription, error)
	ListByUser(ctx context.Context, userID int64) ([]*model.Subscription, error)
	ListByArtist(ctx context.Context, artistID int64, opts ListOptions) ([]*model.Subscription, int64, error)
	CountActiveByArtist(ctx context.Context, artistID int64) (int64, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
	Transition(ctx context.Context, id int64, from []string, to string, fields map[string]interface{}) (bool, error)
}

type gormSubscriptionRepository struct {
	db *gorm.DB
}

// NewGormSubscriptionRepository creates a gorm-backed SubscriptionRepository.
func NewGormSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &gormSubscriptionRepository{db: db}
}

var subscriptionSorts = map[string]string{
	"created": "created_at",
	"status":  "status",
	"renews":  "current_period_end",
}

func (r *gormSubscriptionRepository) Create(ctx context.Context, sub *model.Subscription) error {
	return wrapCreate("subscription", r.db.WithContext(ctx).Omit("Tier").Create(sub).Error)
}

func (r *gormSubscriptionRepository) Update(ctx context.Context, sub *model.Subscription) error {
	return r.db.WithContext(ctx).Omit("Tier").Save(sub).Error
}

func (r *gormSubscriptionRepository) GetBySessionID(ctx context.Context, sessionID string) (*model.Subscription, error) {
	return firstOrNil[model.Subscription](r.db.WithContext(ctx).Where("stripe_session_id = ?", sessionID))
}

func (r *gormSubscriptionRepository) GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*model.Subscription, error) {
	return firstOrNil[model.Subscription](r.db.WithContext(ctx).Where("stripe_subscription_id = ?", stripeSubscriptionID))
}

// FindActive returns the fan's live (active or past_due) subscription to tier.
func (r *gormSubscriptionRepository) FindActive(ctx context.Context, userID, tierID int64) (*model.Subscription, error) {
	return firstOrNil[model.Subscription](r.db.WithContext(ctx).
		Where("user_id = ? AND tier_id = ? AND status IN ?", userID, tierID,
			[]string{model.SubscriptionActive, model.SubscriptionPastDue}))
}

// ListByUser 粉丝的订阅（含档位信息）
func (r *gormSubscriptionRepository) ListByUser(ctx context.Context, userID int64) ([]*model.Subscription, error) {
	var subs []*model.Subscription
	err := r.db.WithContext(ctx).
		Preload("Tier").
		Where("user_id = ? AND status <> ?", userID, model.SubscriptionPending).
		Order("created_at DESC").
		Find(&subs).Error
	return subs, err
}

// ListByArtist 艺人的订阅者列表
func (r *gormSubscriptionRepository) ListByArtist(ctx context.Context, artistID int64, opts ListOptions) ([]*model.Subscription, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Subscription{}).Where("artist_id = ?", artistID)
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	} else {
		q = q.Where("status <> ?", model.SubscriptionPending)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit, offset := opts.Page()
	var subs []*model.Subscription
	err := q.Preload("Tier").
		Order(opts.OrderBy(subscriptionSorts, "created")).
		Limit(limit).
		Offset(offset).
		Find(&subs).Error
	return subs, total, err
}

// CountActiveByArtist 艺人的活跃订阅数
func (r *gormSubscriptionRepository) CountActiveByArtist(ctx context.Context, artistID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("artist_id = ? AND status = ?", artistID, model.SubscriptionActive).
		Count(&count).Error
	return count, err
}

// CountByStatus 按状态统计订阅数
func (r *gormSubscriptionRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	err := r.db.WithContext(ctx).Model(&model.Subscription{}).
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

// Transition 条件更新订阅状态，返回是否实际发生变更
func (r *gormSubscriptionRepository) Transition(ctx context.Context, id int64, from []string, to string, fields map[string]interface{}) (bool, error) {
	return transition(r.db.WithContext(ctx), &model.Subscription{}, id, from, to, fields)
}
