package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chorus/presence-service/middleware"
	"chorus/presence-service/models"
	"chorus/presence-service/services"
	"chorus/presence-service/utils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

var (
	errClientClosed = errors.New("client closed")
	errSendBlocked  = errors.New("send buffer full")
)

// WebSocketHandler serves GET /ws. Opening the socket is a connect event, closing it a disconnect
// event; frames in between are heartbeats, typing updates and subscription syncs.
type WebSocketHandler struct {
	dispatcher *services.Dispatcher
	presence   *services.PresenceService
	typing     *services.TypingService
	upgrader   websocket.Upgrader
	logger     *utils.Logger
}

func NewWebSocketHandler(dispatcher *services.Dispatcher, presence *services.PresenceService, typing *services.TypingService, allowedOrigins []string, logger *utils.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		dispatcher: dispatcher,
		presence:   presence,
		typing:     typing,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, origin)
			},
		},
		logger: logger.With("component", "websocket"),
	}
}

func (h *WebSocketHandler) Serve(c *gin.Context) {
	userID := middleware.UserID(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	client := newWSClient(conn, uuid.NewString())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.dispatcher.Dispatch(ctx, services.Event{
		Kind:      services.EventConnected,
		UserID:    userID,
		SessionID: client.SessionID(),
		Client:    client,
	})

	go client.writePump()
	_ = client.Send(models.ServerFrame{Type: models.FrameWelcome, SessionID: client.SessionID()})

	client.readPump(func(frame models.ClientFrame) {
		h.handleFrame(ctx, userID, client, frame)
	})

	client.Close()
	h.dispatcher.Dispatch(ctx, services.Event{
		Kind:      services.EventDisconnected,
		UserID:    userID,
		SessionID: client.SessionID(),
	})
}

func (h *WebSocketHandler) handleFrame(ctx context.Context, userID string, client *wsClient, frame models.ClientFrame) {
	var err error
	switch frame.Type {
	case models.FrameHeartbeat:
		err = h.presence.HandleHeartbeat(ctx, userID, client.SessionID())
	case models.FrameTypingStart:
		err = h.typing.StartTyping(ctx, frame.ConversationID, userID)
	case models.FrameTypingStop:
		err = h.typing.StopTyping(ctx, frame.ConversationID, userID)
	case models.FrameSubscribe:
		_, err = h.presence.SyncSubscriptions(ctx, userID, frame.UserIDs)
	default:
		_ = client.Send(models.ServerFrame{Type: models.FrameError, Error: "unknown frame type"})
		return
	}

	if err != nil {
		h.logger.Debug("Frame rejected", "user_id", userID, "type", frame.Type, "error", err)
		_ = client.Send(models.ServerFrame{Type: models.FrameError, Error: err.Error()})
	}
}

// wsClient adapts a gorilla connection to services.Client. All writes go through writePump.
type wsClient struct {
	conn      *websocket.Conn
	sessionID string
	send      chan models.ServerFrame
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn, sessionID string) *wsClient {
	return &wsClient{
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan models.ServerFrame, sendBuffer),
		done:      make(chan struct{}),
	}
}

func (c *wsClient) SessionID() string {
	return c.sessionID
}

// Send queues a frame. A slow reader loses frames rather than blocking the sender.
func (c *wsClient) Send(frame models.ServerFrame) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errSendBlocked
	}
}

func (c *wsClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(writeWait))
		err = c.conn.Close()
	})
	return err
}

func (c *wsClient) readPump(handle func(models.ClientFrame)) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame models.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = c.Send(models.ServerFrame{Type: models.FrameError, Error: "malformed frame"})
			continue
		}
		handle(frame)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
