package model

import "time"

// Artist is the public creator profile. One per creator account.
type Artist struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID    int64     `json:"userId" gorm:"uniqueIndex;not null"`
	Slug      string    `json:"slug" gorm:"size:100;uniqueIndex;not null"`
	Name      string    `json:"name" gorm:"size:150;not null"`
	Bio       string    `json:"bio" gorm:"type:text"`
	Genre     string    `json:"genre" gorm:"size:50;index"`
	AvatarKey string    `json:"avatarKey,omitempty" gorm:"size:512"`
	Verified  bool      `json:"verified" gorm:"default:false"`
	Featured  bool      `json:"featured" gorm:"default:false;index"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (Artist) TableName() string {
	return "artists"
}

// ArtistProfile 艺人主页：资料 + 已发布歌曲 + 订阅档位
type ArtistProfile struct {
	Artist          *Artist             `json:"artist"`
	Tracks          []*Track            `json:"tracks"`
	Tiers           []*SubscriptionTier `json:"tiers"`
	SubscriberCount int64               `json:"subscriberCount"`
}
