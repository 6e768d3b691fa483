package model

import (
	"fmt"
	"time"
)

// 订阅周期
const (
	IntervalMonth = "month"
	IntervalYear  = "year"
)

// SubscriptionTier is a paid membership level offered by an artist.
type SubscriptionTier struct {
	ID            int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	ArtistID      int64      `json:"artistId" gorm:"index;not null"`
	Name          string     `json:"name" gorm:"size:100;not null"`
	Description   string     `json:"description" gorm:"type:text"`
	PriceCents    int64      `json:"priceCents" gorm:"not null"`
	Interval      string     `json:"interval" gorm:"size:10;default:'month'"`
	Perks         StringList `json:"perks" gorm:"type:json"`
	StripePriceID string     `json:"-" gorm:"size:64"`
	Active        bool       `json:"active" gorm:"default:true"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// TableName 指定表名
func (SubscriptionTier) TableName() string {
	return "subscription_tiers"
}

// 订阅状态
const (
	SubscriptionPending  = "pending"
	SubscriptionActive   = "active"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
)

// Subscription is a fan's membership in a tier.
type Subscription struct {
	ID                   int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID               int64      `json:"userId" gorm:"index;not null"`
	TierID               int64      `json:"tierId" gorm:"index;not null"`
	ArtistID             int64      `json:"artistId" gorm:"index;not null"`
	Status               string     `json:"status" gorm:"size:20;default:'pending';index"`
	StripeSessionID      string     `json:"-" gorm:"size:128;index"`
	StripeSubscriptionID string     `json:"-" gorm:"size:64;index"`
	// LiveKey 在 active / past_due 状态下非空，每个粉丝每个档位最多一条
	LiveKey              *string    `json:"-" gorm:"size:64;uniqueIndex"`
	CurrentPeriodEnd     *time.Time `json:"currentPeriodEnd,omitempty"`
	CanceledAt           *time.Time `json:"canceledAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`

	Tier *SubscriptionTier `json:"tier,omitempty" gorm:"foreignKey:TierID"`
}

// TableName 指定表名
func (Subscription) TableName() string {
	return "subscriptions"
}

// SubscriptionLiveKey is the LiveKey of userID's live subscription to tierID.
func SubscriptionLiveKey(userID, tierID int64) string {
	return fmt.Sprintf("%d:%d", userID, tierID)
}
