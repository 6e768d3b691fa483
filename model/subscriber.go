package model

import "time"

// 订阅者状态
const (
	SubscriberInvited      = "invited"
	SubscriberConfirmed    = "confirmed"
	SubscriberUnsubscribed = "unsubscribed"
)

// Subscriber is a mailing-list entry: either the site newsletter (ArtistID nil)
// or an artist's fan list. Invites create entries in the invited state.
type Subscriber struct {
	ID          int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	Email       string     `json:"email" gorm:"size:255;uniqueIndex:ux_subscriber_list;not null"`
	ArtistID    *int64     `json:"artistId,omitempty" gorm:"uniqueIndex:ux_subscriber_list"`
	Name        string     `json:"name" gorm:"size:100"`
	Token       string     `json:"-" gorm:"size:36;uniqueIndex;not null"`
	Status      string     `json:"status" gorm:"size:20;default:'invited';index"`
	InvitedBy   *int64     `json:"invitedBy,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// TableName 指定表名
func (Subscriber) TableName() string {
	return "subscribers"
}

// 邮件发送状态
const (
	EmailSent   = "sent"
	EmailFailed = "failed"
)

// EmailLog records every outbound email attempt sequence and its outcome.
type EmailLog struct {
	ID             int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Template       string    `json:"template" gorm:"size:50;index"`
	Recipient      string    `json:"recipient" gorm:"size:255;index"`
	Subject        string    `json:"subject" gorm:"size:255"`
	IdempotencyKey string    `json:"idempotencyKey" gorm:"size:64;index"`
	ProviderID     string    `json:"providerId" gorm:"size:64"`
	Status         string    `json:"status" gorm:"size:20;index"`
	Attempts       int       `json:"attempts"`
	Error          string    `json:"error,omitempty" gorm:"type:text"`
	CreatedAt      time.Time `json:"createdAt" gorm:"index"`
}

// TableName 指定表名
func (EmailLog) TableName() string {
	return "email_logs"
}
