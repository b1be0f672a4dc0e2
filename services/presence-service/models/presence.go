package models

import "time"

// PrivacyMode controls who may see a user's presence.
type PrivacyMode string

const (
	PrivacyPublic      PrivacyMode = "PUBLIC"
	PrivacyFriendsOnly PrivacyMode = "FRIENDS_ONLY"
	PrivacyHidden      PrivacyMode = "HIDDEN"
)

func (m PrivacyMode) Valid() bool {
	switch m {
	case PrivacyPublic, PrivacyFriendsOnly, PrivacyHidden:
		return true
	}
	return false
}

// Status is the externally visible presence state.
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
	StatusAway    Status = "AWAY"
)

// UserPresence is the durable presence record. It is written on transitions only, never per heartbeat.
type UserPresence struct {
	UserID      string      `json:"user_id" gorm:"primaryKey;size:64"`
	IsOnline    bool        `json:"is_online" gorm:"not null;default:false;index"`
	LastActive  time.Time   `json:"last_active"`
	PrivacyMode PrivacyMode `json:"privacy_mode" gorm:"size:16;not null;default:PUBLIC"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (UserPresence) TableName() string {
	return "user_presences"
}

// PresenceView is what a viewer gets back for one target in a batch lookup.
type PresenceView struct {
	Status        Status     `json:"status"`
	LastActiveAgo *string    `json:"lastActiveAgo,omitempty"`
	LastSeen      *time.Time `json:"lastSeen,omitempty"`
}

// PresenceEvent is fanned out to subscribers of UserID on every online/offline transition.
type PresenceEvent struct {
	UserID    string    `json:"userId"`
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

type HeartbeatRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

type SyncSubscriptionsRequest struct {
	UserIDs []string `json:"user_ids"`
}

type SubscriptionsResponse struct {
	UserIDs []string `json:"user_ids"`
}

type BatchPresenceRequest struct {
	UserIDs []string `json:"user_ids" binding:"required"`
}

type BatchPresenceResponse struct {
	Presence map[string]PresenceView `json:"presence"`
}

type PrivacyRequest struct {
	Mode PrivacyMode `json:"mode" binding:"required"`
}

type StatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type OnlineUsersResponse struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

type TypingResponse struct {
	ConversationID string   `json:"conversation_id"`
	UserIDs        []string `json:"user_ids"`
}
