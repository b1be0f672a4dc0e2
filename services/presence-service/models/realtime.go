package models

// Frame types exchanged over the realtime websocket.
const (
	FrameHeartbeat   = "heartbeat"
	FrameTypingStart = "typing_start"
	FrameTypingStop  = "typing_stop"
	FrameSubscribe   = "subscribe"
	FramePresence    = "presence"
	FrameWelcome     = "welcome"
	FrameError       = "error"
)

// ClientFrame is a message sent by a connected client.
type ClientFrame struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversation_id,omitempty"`
	UserIDs        []string `json:"user_ids,omitempty"`
}

// ServerFrame is a message pushed to a connected client.
type ServerFrame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Presence  *PresenceEvent `json:"presence,omitempty"`
	Error     string         `json:"error,omitempty"`
}
