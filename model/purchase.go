package model

import (
	"fmt"
	"time"
)

// 购买状态
const (
	PurchasePending  = "pending"
	PurchasePaid     = "paid"
	PurchaseRefunded = "refunded"
)

// Purchase is a one-off track purchase made through Stripe Checkout.
type Purchase struct {
	ID                    int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID                int64      `json:"userId" gorm:"index;not null"`
	TrackID               int64      `json:"trackId" gorm:"index;not null"`
	ArtistID              int64      `json:"artistId" gorm:"index;not null"`
	AmountCents           int64      `json:"amountCents"`
	Currency              string     `json:"currency" gorm:"size:3"`
	Status                string     `json:"status" gorm:"size:20;default:'pending';index"`
	StripeSessionID       string     `json:"-" gorm:"size:128;uniqueIndex"`
	StripePaymentIntentID string     `json:"-" gorm:"size:64;index"`
	// OwnerKey 仅在 paid 状态下非空，唯一索引保证同一粉丝同一首歌只有一笔已支付订单
	OwnerKey              *string    `json:"-" gorm:"size:64;uniqueIndex"`
	PaidAt                *time.Time `json:"paidAt,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`

	Track *Track `json:"track,omitempty" gorm:"foreignKey:TrackID"`
}

// TableName 指定表名
func (Purchase) TableName() string {
	return "purchases"
}

// PurchaseOwnerKey is the OwnerKey of a paid purchase of trackID by userID.
func PurchaseOwnerKey(userID, trackID int64) string {
	return fmt.Sprintf("%d:%d", userID, trackID)
}
