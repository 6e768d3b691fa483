package model

import "time"

// Playlist is a user-curated, ordered list of tracks.
type Playlist struct {
	ID          int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID      int64     `json:"userId" gorm:"index;not null"`
	Name        string    `json:"name" gorm:"size:150;not null"`
	Description string    `json:"description" gorm:"type:text"`
	IsPublic    bool      `json:"isPublic" gorm:"default:false"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (Playlist) TableName() string {
	return "playlists"
}

// PlaylistTrack 播放列表中的一首歌曲，Position 从 0 开始连续
type PlaylistTrack struct {
	ID         int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	PlaylistID int64     `json:"playlistId" gorm:"uniqueIndex:ux_playlist_track;index;not null"`
	TrackID    int64     `json:"trackId" gorm:"uniqueIndex:ux_playlist_track;not null"`
	Position   int       `json:"position"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TableName 指定表名
func (PlaylistTrack) TableName() string {
	return "playlist_tracks"
}

// PlaylistWithTracks 包含播放列表信息和其包含的歌曲
type PlaylistWithTracks struct {
	Playlist *Playlist `json:"playlist"`
	Tracks   []*Track  `json:"tracks"`
}
