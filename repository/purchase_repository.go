package repository

import (
	"context"

	"Encore/model"

	"gorm.io/gorm"
)

// PurchaseRepository 单曲购买数据访问接口
type PurchaseRepository interface {
	Create(ctx context.Context, purchase *model.Purchase) error
	Update(ctx context.Context, purchase *model.Purchase) error
	GetBySessionID(ctx context.Context, sessionID string) (*model.Purchase, error)
	GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*model.Purchase, error)
	FindPaid(ctx context.Context, userID, trackID int64) (*model.Purchase, error)
	ListByUser(ctx context.Context, userID int64) ([]*model.Purchase, error)
	SumPaid(ctx context.Context) (int64, error)
	Transition(ctx context.Context, id int64, from []string, to string, fields map[string]interface{}) (bool, error)
}

type gormPurchaseRepository struct {
	db *gorm.DB
}

// NewGormPurchaseRepository creates a gorm-backed PurchaseRepository.
func NewGormPurchaseRepository(db *gorm.DB) PurchaseRepository {
	return &gormPurchaseRepository{db: db}
}

func (r *gormPurchaseRepository) Create(ctx context.Context, purchase *model.Purchase) error {
	return wrapCreate("purchase", r.db.WithContext(ctx).Omit("Track").Create(purchase).Error)
}

func (r *gormPurchaseRepository) Update(ctx context.Context, purchase *model.Purchase) error {
	return r.db.WithContext(ctx).Omit("Track").Save(purchase).Error
}

func (r *gormPurchaseRepository) GetBySessionID(ctx context.Context, sessionID string) (*model.Purchase, error) {
	return firstOrNil[model.Purchase](r.db.WithContext(ctx).Where("stripe_session_id = ?", sessionID))
}

func (r *gormPurchaseRepository) GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*model.Purchase, error) {
	return firstOrNil[model.Purchase](r.db.WithContext(ctx).Where("stripe_payment_intent_id = ?", paymentIntentID))
}

// FindPaid 查询用户是否已购买某首歌曲
func (r *gormPurchaseRepository) FindPaid(ctx context.Context, userID, trackID int64) (*model.Purchase, error) {
	return firstOrNil[model.Purchase](r.db.WithContext(ctx).
		Where("user_id = ? AND track_id = ? AND status = ?", userID, trackID, model.PurchasePaid))
}

// ListByUser 用户的购买记录（含歌曲）
func (r *gormPurchaseRepository) ListByUser(ctx context.Context, userID int64) ([]*model.Purchase, error) {
	var purchases []*model.Purchase
	err := r.db.WithContext(ctx).
		Preload("Track").
		Preload("Track.Artist").
		Where("user_id = ? AND status <> ?", userID, model.PurchasePending).
		Order("created_at DESC").
		Find(&purchases).Error
	return purchases, err
}

// SumPaid 已支付订单总额（分）
func (r *gormPurchaseRepository) SumPaid(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&model.Purchase{}).
		Select("COALESCE(SUM(amount_cents), 0)").
		Where("status = ?", model.PurchasePaid).
		Scan(&total).Error
	return total, err
}

// Transition 条件更新购买状态，返回是否实际发生变更
func (r *gormPurchaseRepository) Transition(ctx context.Context, id int64, from []string, to string, fields map[string]interface{}) (bool, error) {
	return transition(r.db.WithContext(ctx), &model.Purchase{}, id, from, to, fields)
}
