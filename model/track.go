package model

import "time"

// Track 状态
const (
	TrackStatusDraft     = "draft"
	TrackStatusPublished = "published"
	TrackStatusRemoved   = "removed" // taken down by an admin
)

// Track represents an audio track published by an artist.
type Track struct {
	ID          int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	ArtistID    int64      `json:"artistId" gorm:"index;not null"`
	Title       string     `json:"title" gorm:"size:255;not null"`
	Genre       string     `json:"genre" gorm:"size:50;index"`
	Duration    int        `json:"duration"`                   // seconds
	AudioKey    string     `json:"-" gorm:"size:512"`          // object key in MinIO, never exposed directly
	CoverKey    string     `json:"coverKey,omitempty" gorm:"size:512"`
	PriceCents  int64      `json:"priceCents" gorm:"default:0"` // 0 = free to stream, not purchasable
	Explicit    bool       `json:"explicit" gorm:"default:false"`
	Status      string     `json:"status" gorm:"size:20;default:'draft';index"`
	PlayCount   int64      `json:"playCount" gorm:"default:0;index"`
	LikeCount   int64      `json:"likeCount" gorm:"default:0"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	Artist *Artist `json:"artist,omitempty" gorm:"foreignKey:ArtistID"`
}

// TableName 指定表名
func (Track) TableName() string {
	return "tracks"
}

// IsPlayable reports whether the track can be streamed by fans.
func (t *Track) IsPlayable() bool {
	return t.Status == TrackStatusPublished && t.AudioKey != ""
}

// Like is a fan's like on a track. (user_id, track_id) is unique.
type Like struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID    int64     `json:"userId" gorm:"uniqueIndex:ux_like_user_track;not null"`
	TrackID   int64     `json:"trackId" gorm:"uniqueIndex:ux_like_user_track;index;not null"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName 指定表名
func (Like) TableName() string {
	return "likes"
}
