package repository

import (
	"context"

	"Encore/model"

	"gorm.io/gorm"
)

// UserRepository defines the interface for user data operations.
type UserRepository interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	ListUsers(ctx context.Context, opts ListOptions) ([]*model.User, int64, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
	UpdateRole(ctx context.Context, id int64, role model.Role) error
	UpdateProfile(ctx context.Context, id int64, displayName string) error
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error
	SetStripeCustomerID(ctx context.Context, id int64, customerID string) error
	CountByRole(ctx context.Context) (map[model.Role]int64, error)
}

type gormUserRepository struct {
	db *gorm.DB
}

// NewGormUserRepository creates a gorm-backed UserRepository.
func NewGormUserRepository(db *gorm.DB) UserRepository {
	return &gormUserRepository{db: db}
}

var userSorts = map[string]string{
	"created":  "created_at",
	"username": "username",
	"email":    "email",
}

// CreateUser adds a new user. Username or email collisions return ErrDuplicate.
func (r *gormUserRepository) CreateUser(ctx context.Context, user *model.User) error {
	return wrapCreate("user", r.db.WithContext(ctx).Create(user).Error)
}

// GetUserByID retrieves a user by their ID.
func (r *gormUserRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return firstOrNil[model.User](r.db.WithContext(ctx).Where("id = ?", id))
}

// GetUserByUsername retrieves a user by their username.
func (r *gormUserRepository) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return firstOrNil[model.User](r.db.WithContext(ctx).Where("username = ?", username))
}

// GetUserByEmail retrieves a user by their email address.
func (r *gormUserRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return firstOrNil[model.User](r.db.WithContext(ctx).Where("email = ?", email))
}

// ListUsers 管理后台用户列表（支持搜索、角色/状态过滤、排序）
func (r *gormUserRepository) ListUsers(ctx context.Context, opts ListOptions) ([]*model.User, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.User{})
	if opts.Query != "" {
		p := likePattern(opts.Query)
		q = q.Where("username LIKE ? OR email LIKE ? OR display_name LIKE ?", p, p, p)
	}
	if opts.Role != "" {
		q = q.Where("role = ?", opts.Role)
	}
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit, offset := opts.Page()
	var users []*model.User
	err := q.Order(opts.OrderBy(userSorts, "created")).Limit(limit).Offset(offset).Find(&users).Error
	return users, total, err
}

// UpdateStatus 更新用户状态（active / suspended）
func (r *gormUserRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	return affected(r.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Update("status", status))
}

// UpdateRole 更新用户角色
func (r *gormUserRepository) UpdateRole(ctx context.Context, id int64, role model.Role) error {
	return affected(r.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Update("role", role))
}

// UpdateProfile 更新显示名称
func (r *gormUserRepository) UpdateProfile(ctx context.Context, id int64, displayName string) error {
	return affected(r.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Update("display_name", displayName))
}

// UpdatePassword stores a new bcrypt hash.
func (r *gormUserRepository) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	return affected(r.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Update("password_hash", passwordHash))
}

// SetStripeCustomerID remembers the Stripe customer created for a user.
func (r *gormUserRepository) SetStripeCustomerID(ctx context.Context, id int64, customerID string) error {
	return r.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Update("stripe_customer_id", customerID).Error
}

// CountByRole 按角色统计用户数
func (r *gormUserRepository) CountByRole(ctx context.Context) (map[model.Role]int64, error) {
	var rows []struct {
		Role  model.Role
		Total int64
	}
	err := r.db.WithContext(ctx).Model(&model.User{}).
		Select("role, COUNT(*) AS total").
		Group("role").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[model.Role]int64, len(rows))
	for _, row := range rows {
		counts[row.Role] = row.Total
	}
	return counts, nil
}
