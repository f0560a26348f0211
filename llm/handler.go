package llm

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"sagebase_back/authorization"
	"sagebase_back/knowledge"
)

// Retriever is the slice of the knowledge engine the chat layer consumes.
type Retriever interface {
	Search(ctx context.Context, kbID, requesterID string, req knowledge.SearchRequest) ([]knowledge.Snippet, error)
}

type completer interface {
	Chat(ctx context.Context, messages []ChatMessage) (ChatResult, error)
	ChatStream(ctx context.Context, messages []ChatMessage, handler func(ChatStreamDelta) error) (ChatResult, error)
}

type Module struct {
	client    completer
	retriever Retriever
	upgrader  websocket.Upgrader
}

// RegisterRoutes mounts the retrieval-grounded chat endpoints under /chat.
// The websocket route carries its own auth check because browser websocket
// clients cannot set arbitrary headers.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, retriever Retriever) (*Module, error) {
	client, err := NewChatClientFromEnv()
	if err != nil {
		return nil, err
	}

	module := &Module{
		client:    client,
		retriever: retriever,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	group := router.Group("/chat")
	group.POST("", guard.RequireAuthenticated(), module.handleChat)
	group.GET("/ws", guard.RequireAuthenticated(), module.handleChatSocket)

	return module, nil
}

type chatRequest struct {
	KnowledgeBaseID string     `json:"kb_id"`
	Query           string     `json:"query" binding:"required"`
	History         []chatTurn `json:"history,omitempty"`
	Limit           int        `json:"limit,omitempty"`
	AccessCode      string     `json:"access_code,omitempty"`
}

type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Content    string      `json:"content"`
	References []Reference `json:"references"`
	Usage      *ChatUsage  `json:"usage,omitempty"`
}

// prepare retrieves grounding snippets and assembles the model payload. An
// empty kb_id runs ungrounded chat with no references.
func (m *Module) prepare(ctx context.Context, requesterID string, req chatRequest) ([]ChatMessage, []Reference, error) {
	var snippets []knowledge.Snippet
	if strings.TrimSpace(req.KnowledgeBaseID) != "" {
		found, err := m.retriever.Search(ctx, req.KnowledgeBaseID, requesterID, knowledge.SearchRequest{
			Query:      req.Query,
			Limit:      req.Limit,
			AccessCode: req.AccessCode,
		})
		if err != nil {
			return nil, nil, err
		}
		snippets = found
	}

	history := make([]ChatMessage, 0, len(req.History))
	for _, turn := range req.History {
		history = append(history, ChatMessage{Role: turn.Role, Content: turn.Content})
	}

	messages, references := buildGroundedMessages(snippets, history, req.Query)
	return messages, references, nil
}

func (m *Module) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	ctx := c.Request.Context()
	messages, references, err := m.prepare(ctx, authorization.RequesterID(c), req)
	if err != nil {
		c.JSON(knowledge.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	if wantsEventStream(c) {
		m.streamChat(c, messages, references)
		return
	}

	result, err := m.client.Chat(ctx, messages)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, chatResponse{
		Content:    result.Content,
		References: references,
		Usage:      result.Usage,
	})
}

func (m *Module) streamChat(c *gin.Context, messages []ChatMessage, references []Reference) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		result, err := m.client.Chat(c.Request.Context(), messages)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, chatResponse{Content: result.Content, References: references, Usage: result.Usage})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache, no-transform")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)

	writer := newSafeSSEWriter(c.Writer, flusher)
	flusher.Flush()

	if err := writer.Send("references", gin.H{"references": references}); err != nil {
		return
	}

	result, err := m.client.ChatStream(c.Request.Context(), messages, func(delta ChatStreamDelta) error {
		if delta.Content == "" && !delta.Done && delta.FinishReason == "" {
			return nil
		}
		payload := gin.H{"full": delta.FullContent}
		if delta.Content != "" {
			payload["delta"] = delta.Content
		}
		if delta.FinishReason != "" {
			payload["finish_reason"] = delta.FinishReason
		}
		if delta.Done {
			payload["done"] = true
		}
		return writer.Send("delta", payload)
	})
	if err != nil {
		log.Printf("llm: streaming chat failed: %v", err)
		_ = writer.Send("error", gin.H{"error": err.Error()})
		return
	}

	done := gin.H{"content": result.Content}
	if result.Usage != nil {
		done["usage"] = result.Usage
	}
	_ = writer.Send("done", done)
}

type socketEvent struct {
	Type       string      `json:"type"`
	Delta      string      `json:"delta,omitempty"`
	Full       string      `json:"full,omitempty"`
	Content    string      `json:"content,omitempty"`
	References []Reference `json:"references,omitempty"`
	Usage      *ChatUsage  `json:"usage,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// handleChatSocket answers one chat request per websocket message: the client
// sends a chatRequest JSON document and receives references, delta and done
// events until either side closes the connection.
func (m *Module) handleChatSocket(c *gin.Context) {
	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("llm: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	requesterID := authorization.RequesterID(c)

	for {
		var req chatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if ce, ok := err.(*websocket.CloseError); !ok ||
				(ce.Code != websocket.CloseNormalClosure && ce.Code != websocket.CloseGoingAway) {
				log.Printf("llm: websocket read failed: %v", err)
			}
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			if writeErr := conn.WriteJSON(socketEvent{Type: "error", Error: "query is required"}); writeErr != nil {
				return
			}
			continue
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
		if err := m.answerOverSocket(ctx, conn, requesterID, req); err != nil {
			cancel()
			return
		}
		cancel()
	}
}

func (m *Module) answerOverSocket(ctx context.Context, conn *websocket.Conn, requesterID string, req chatRequest) error {
	messages, references, err := m.prepare(ctx, requesterID, req)
	if err != nil {
		return conn.WriteJSON(socketEvent{Type: "error", Error: err.Error()})
	}

	if err := conn.WriteJSON(socketEvent{Type: "references", References: references}); err != nil {
		return err
	}

	result, err := m.client.ChatStream(ctx, messages, func(delta ChatStreamDelta) error {
		if delta.Content == "" && !delta.Done {
			return nil
		}
		if delta.Done {
			return nil
		}
		return conn.WriteJSON(socketEvent{Type: "delta", Delta: delta.Content, Full: delta.FullContent})
	})
	if err != nil {
		log.Printf("llm: websocket chat failed: %v", err)
		return conn.WriteJSON(socketEvent{Type: "error", Error: err.Error()})
	}

	return conn.WriteJSON(socketEvent{Type: "done", Content: result.Content, Usage: result.Usage})
}
