package models

import "time"

const FriendshipAccepted = "accepted"

// Friendship is a row of the friendships table owned by the social graph. This service only reads it.
type Friendship struct {
	UserID    string    `gorm:"primaryKey;size:64"`
	FriendID  string    `gorm:"primaryKey;size:64;index"`
	Status    string    `gorm:"size:16;not null;index"`
	CreatedAt time.Time
}

func (Friendship) TableName() string {
	return "friendships"
}
