package model

import "time"

// PlayEvent is one listen of a track. Every request is stored; only those that
// pass the listen threshold and the dedupe window are Counted toward royalties.
type PlayEvent struct {
	ID            string    `json:"id" gorm:"primaryKey;size:36"`
	TrackID       int64     `json:"trackId" gorm:"index;not null"`
	ArtistID      int64     `json:"artistId" gorm:"index;not null"`
	UserID        *int64    `json:"userId,omitempty" gorm:"index"`
	Source        string    `json:"source" gorm:"size:30"` // web, embed, playlist, radio ...
	ClientHash    string    `json:"-" gorm:"size:64"`     // sha256 of listener key (user or IP)
	PlayedSeconds int       `json:"playedSeconds"`
	Counted       bool      `json:"counted" gorm:"index"`
	CreatedAt     time.Time `json:"createdAt" gorm:"index"`
}

// TableName 指定表名
func (PlayEvent) TableName() string {
	return "play_events"
}

// Earning accrues an artist's royalties and sales for one day.
type Earning struct {
	ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	ArtistID     int64     `json:"artistId" gorm:"uniqueIndex:ux_earning_artist_day;not null"`
	Day          string    `json:"day" gorm:"size:10;uniqueIndex:ux_earning_artist_day;not null"` // yyyy-mm-dd
	Plays        int64     `json:"plays"`
	RoyaltyCents int64     `json:"royaltyCents"`
	SalesCents   int64     `json:"salesCents"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (Earning) TableName() string {
	return "earnings"
}

// PlayFlush marks one drained counter (batch, day, track) as applied, so a
// retried royalty flush skips it.
type PlayFlush struct {
	ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Batch        string    `json:"batch" gorm:"size:36;uniqueIndex:ux_play_flush;not null"`
	Day          string    `json:"day" gorm:"size:10;uniqueIndex:ux_play_flush;not null"`
	TrackID      int64     `json:"trackId" gorm:"uniqueIndex:ux_play_flush;not null"`
	ArtistID     int64     `json:"artistId" gorm:"index;not null"`
	Plays        int64     `json:"plays"`
	RoyaltyCents int64     `json:"royaltyCents"`
	CreatedAt    time.Time `json:"createdAt" gorm:"index"`
}

// TableName 指定表名
func (PlayFlush) TableName() string {
	return "play_flushes"
}

// EarningsSummary aggregates Earning rows over a range.
type EarningsSummary struct {
	Plays        int64      `json:"plays"`
	RoyaltyCents int64      `json:"royaltyCents"`
	SalesCents   int64      `json:"salesCents"`
	TotalCents   int64      `json:"totalCents"`
	Days         []*Earning `json:"days"`
}
