package model

import "time"

// Role 用户角色
type Role string

const (
	RoleFan     Role = "fan"
	RoleCreator Role = "creator"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleFan, RoleCreator, RoleAdmin:
		return true
	}
	return false
}

const (
	UserStatusActive    = "active"
	UserStatusSuspended = "suspended"
)

// User represents an account. Creators additionally own an Artist profile.
type User struct {
	ID               int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Username         string    `json:"username" gorm:"size:100;uniqueIndex;not null"`
	Email            string    `json:"email" gorm:"size:255;uniqueIndex;not null"`
	PasswordHash     string    `json:"-" gorm:"size:255;not null"` // Not exposed in API responses
	DisplayName      string    `json:"displayName" gorm:"size:100"`
	Role             Role      `json:"role" gorm:"size:20;default:'fan';index"`
	Status           string    `json:"status" gorm:"size:20;default:'active';index"`
	StripeCustomerID string    `json:"-" gorm:"size:64"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}

// IsActive reports whether the account may sign in.
func (u *User) IsActive() bool {
	return u.Status != UserStatusSuspended
}
