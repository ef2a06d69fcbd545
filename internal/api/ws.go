package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

var chatUpgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsClientMessage struct {
	Type    string         `json:"type"`
	Content string         `json:"content"`
	Params  *paramsRequest `json:"params"`
}

// handleWebsocket runs the chat loop over one socket. Every user message is
// acknowledged with a thinking event before the reply or error arrives.
func (h *Handler) handleWebsocket(c *gin.Context) {
	conversationID := ConversationID(c)
	limitKey := rateKey(c)

	conn, err := chatUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnf("chat websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()

	sendJSON := func(payload interface{}) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(payload)
	}

	sendError := func(message string, detail error) {
		event := gin.H{"type": "error", "error": message}
		if detail != nil {
			event["details"] = detail.Error()
			event["status"] = statusFor(detail)
			h.logger.Warnf("chat websocket error: %s: %v", message, detail)
		}
		_ = sendJSON(event)
	}

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warnf("chat websocket closed: %v", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			sendError("invalid message", err)
			continue
		}

		switch strings.ToLower(strings.TrimSpace(msg.Type)) {
		case "message":
			if !h.allowGeneration(limitKey) {
				_ = sendJSON(gin.H{
					"type":    "error",
					"error":   "rate_limited",
					"details": rateLimitedReason,
					"status":  http.StatusTooManyRequests,
				})
				continue
			}
			if err := sendJSON(gin.H{"type": "thinking"}); err != nil {
				return
			}
			reply, err := h.chat.SendMessage(ctx, conversationID, msg.Content, msg.Params.toParams())
			if err != nil {
				sendError("failed to generate reply", err)
				continue
			}
			if err := sendJSON(gin.H{
				"type":         "reply",
				"message":      reply.Message,
				"cached":       reply.Cached,
				"conversation": conversationView(reply.Conversation),
			}); err != nil {
				h.logger.Warnf("send reply failed: %v", err)
				return
			}

		case "reset":
			conv, err := h.chat.Reset(ctx, conversationID)
			if err != nil {
				sendError("failed to reset conversation", err)
				continue
			}
			_ = sendJSON(gin.H{"type": "reset", "conversation": conversationView(conv)})

		case "ping":
			_ = sendJSON(gin.H{"type": "pong"})

		default:
			sendError("unsupported message type", fmt.Errorf("%s", msg.Type))
		}
	}
}
