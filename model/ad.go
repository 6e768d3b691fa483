package model

import "time"

// 广告状态
const (
	AdPending  = "pending"
	AdApproved = "approved"
	AdRejected = "rejected"
	AdExpired  = "expired"
)

// Ad is a promotional slot shown in the fan UI. Creators submit, admins approve.
type Ad struct {
	ID          int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	OwnerID     int64      `json:"ownerId" gorm:"index;not null"`
	Title       string     `json:"title" gorm:"size:150;not null"`
	ImageURL    string     `json:"imageUrl" gorm:"size:512"`
	TargetURL   string     `json:"targetUrl" gorm:"size:512;not null"`
	Placement   string     `json:"placement" gorm:"size:30;index"` // sidebar, banner, player
	Status      string     `json:"status" gorm:"size:20;default:'pending';index"`
	Impressions int64      `json:"impressions" gorm:"default:0"`
	Clicks      int64      `json:"clicks" gorm:"default:0"`
	StartsAt    *time.Time `json:"startsAt,omitempty"`
	EndsAt      *time.Time `json:"endsAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// TableName 指定表名
func (Ad) TableName() string {
	return "ads"
}

// LiveAt reports whether the ad may be served at t.
func (a *Ad) LiveAt(t time.Time) bool {
	if a.Status != AdApproved {
		return false
	}
	if a.StartsAt != nil && t.Before(*a.StartsAt) {
		return false
	}
	if a.EndsAt != nil && !t.Before(*a.EndsAt) {
		return false
	}
	return true
}
