package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"negotiatechat/internal/models"
	"negotiatechat/internal/orchestrator"
	"negotiatechat/internal/provider"
	"negotiatechat/internal/storage"
)

// ChatStore is the read/write surface the handlers need from storage.
type ChatStore interface {
	CreateChat(ctx context.Context, title string) (*models.Chat, error)
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
	ListMessages(ctx context.Context, chatID string) ([]models.Message, error)
	UsageTotals(ctx context.Context, chatID string) (models.Usage, float64, error)
	DeleteChat(ctx context.Context, chatID string) error
}

// ModelCatalog lists the model selectors clients may use.
type ModelCatalog interface {
	List() []provider.Binding
}

const (
	codeBadRequest = "bad_request:chat"
	codeNotFound   = "not_found:chat"
	codeRateLimit  = "rate_limit:chat"
	codeOffline    = "offline:chat"

	turnFailedMessage    = "Oops, an error occurred!"
	defaultStreamTimeout = 2 * time.Minute
)

// Handler wires HTTP routes to storage and the turn orchestrator.
type Handler struct {
	chats         ChatStore
	turns         *orchestrator.Service
	models        ModelCatalog
	streamTimeout time.Duration
	logger        *slog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(chats ChatStore, turns *orchestrator.Service, catalog ModelCatalog, streamTimeout time.Duration, logger *slog.Logger) *Handler {
	if streamTimeout <= 0 {
		streamTimeout = defaultStreamTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		chats:         chats,
		turns:         turns,
		models:        catalog,
		streamTimeout: streamTimeout,
		logger:        logger,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/models", h.listModels)
	api.POST("/chats", h.createChat)
	api.GET("/chats/:chat_id", h.getChat)
	api.DELETE("/chats/:chat_id", h.deleteChat)
	api.GET("/chats/:chat_id/messages", h.getChatMessages)
	api.GET("/chats/:chat_id/streams", h.getChatStreams)
	api.GET("/chats/:chat_id/usage", h.getChatUsage)
	api.POST("/chats/:chat_id/messages", h.postMessage)
	api.DELETE("/streams/:stream_id", h.cancelStream)
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "error": message})
}

func (h *Handler) listModels(c *gin.Context) {
	bindings := h.models.List()
	out := make([]gin.H, 0, len(bindings))
	for _, b := range bindings {
		name := b.DisplayName
		if name == "" {
			name = b.Selector
		}
		entry := gin.H{
			"id":          b.Selector,
			"name":        name,
			"description": b.Description,
			"model_id":    b.ModelID,
			"tool_set":    b.ToolSet,
		}
		if b.ContextWindow > 0 {
			entry["context_window"] = b.ContextWindow
		}
		if b.InputCostPerMTok > 0 || b.OutputCostPerMTok > 0 {
			entry["pricing"] = gin.H{
				"input_per_mtok":  b.InputCostPerMTok,
				"output_per_mtok": b.OutputCostPerMTok,
			}
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

type createChatRequest struct {
	Title string `json:"title"`
}

func (h *Handler) createChat(c *gin.Context) {
	var req createChatRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, http.StatusBadRequest, codeBadRequest, "invalid request body")
			return
		}
	}
	chat, err := h.chats.CreateChat(c.Request.Context(), req.Title)
	if err != nil {
		h.logger.Error("create chat failed", "error", err)
		abortWithError(c, http.StatusInternalServerError, codeOffline, "create chat failed")
		return
	}
	c.JSON(http.StatusCreated, chat)
}

func (h *Handler) loadChat(c *gin.Context) (*models.Chat, bool) {
	chat, err := h.chats.GetChat(c.Request.Context(), c.Param("chat_id"))
	if err != nil {
		if errors.Is(err, storage.ErrChatNotFound) {
			abortWithError(c, http.StatusNotFound, codeNotFound, "chat not found")
		} else {
			h.logger.Error("load chat failed", "chat_id", c.Param("chat_id"), "error", err)
			abortWithError(c, http.StatusInternalServerError, codeOffline, "load chat failed")
		}
		return nil, false
	}
	return chat, true
}

func (h *Handler) getChat(c *gin.Context) {
	chat, ok := h.loadChat(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, chat)
}

// deleteChat stops the chat's running turns before removing it, so no turn
// persists into a deleted chat.
func (h *Handler) deleteChat(c *gin.Context) {
	chatID := c.Param("chat_id")
	for _, s := range h.turns.Streams().Active(chatID) {
		h.turns.Streams().Cancel(c.Request.Context(), s.ID)
	}
	if err := h.chats.DeleteChat(c.Request.Context(), chatID); err != nil {
		if errors.Is(err, storage.ErrChatNotFound) {
			abortWithError(c, http.StatusNotFound, codeNotFound, "chat not found")
			return
		}
		h.logger.Error("delete chat failed", "chat_id", chatID, "error", err)
		abortWithError(c, http.StatusInternalServerError, codeOffline, "delete chat failed")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getChatMessages(c *gin.Context) {
	chat, ok := h.loadChat(c)
	if !ok {
		return
	}
	messages, err := h.chats.ListMessages(c.Request.Context(), chat.ID)
	if err != nil {
		h.logger.Error("list messages failed", "chat_id", chat.ID, "error", err)
		abortWithError(c, http.StatusInternalServerError, codeOffline, "list messages failed")
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"chat": chat, "messages": messages})
}

func (h *Handler) getChatUsage(c *gin.Context) {
	chat, ok := h.loadChat(c)
	if !ok {
		return
	}
	total, cost, err := h.chats.UsageTotals(c.Request.Context(), chat.ID)
	if err != nil {
		h.logger.Error("usage totals failed", "chat_id", chat.ID, "error", err)
		abortWithError(c, http.StatusInternalServerError, codeOffline, "load usage failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": total, "costUsd": cost, "lastContext": chat.LastContext})
}

func (h *Handler) getChatStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"streams": h.turns.Streams().Active(c.Param("chat_id"))})
}

func (h *Handler) cancelStream(c *gin.Context) {
	if !h.turns.Streams().Cancel(c.Request.Context(), c.Param("stream_id")) {
		abortWithError(c, http.StatusNotFound, codeNotFound, "stream not found")
		return
	}
	c.Status(http.StatusNoContent)
}

type messageRequest struct {
	Content string                `json:"content"`
	Model   string                `json:"model"`
	Budget  *models.ContextBudget `json:"budget,omitempty"`
}

func (h *Handler) postMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, codeBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		abortWithError(c, http.StatusBadRequest, codeBadRequest, "content is required")
		return
	}
	chat, ok := h.loadChat(c)
	if !ok {
		return
	}

	streamCtx, cancel := context.WithTimeout(c.Request.Context(), h.streamTimeout)
	defer cancel()

	message := models.NewUserMessage(uuid.NewString(), chat.ID, req.Content)
	turnReq := orchestrator.TurnRequest{
		ChatID:        chat.ID,
		Message:       message,
		ModelSelector: req.Model,
	}
	if req.Budget != nil {
		turnReq.Budget = *req.Budget
	}
	turn, err := h.turns.RunTurn(streamCtx, turnReq)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrInvalidMessage), errors.Is(err, orchestrator.ErrInvalidBudget), errors.Is(err, orchestrator.ErrUnknownModel):
			abortWithError(c, http.StatusBadRequest, codeBadRequest, err.Error())
		case errors.Is(err, orchestrator.ErrBusy):
			abortWithError(c, http.StatusTooManyRequests, codeRateLimit, "server is busy, please retry")
		default:
			h.logger.Error("start turn failed", "chat_id", chat.ID, "error", err)
			abortWithError(c, http.StatusServiceUnavailable, codeOffline, turnFailedMessage)
		}
		return
	}

	// SSE Request construction
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		turn.Cancel()
		for range turn.Events() {
		}
		abortWithError(c, http.StatusInternalServerError, codeOffline, "streaming not supported")
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		var data []byte
		switch v := payload.(type) {
		case string:
			data = []byte(v)
		default:
			var err error
			data, err = json.Marshal(v)
			if err != nil {
				return err
			}
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	// Events keep being drained after the client is gone so the turn can
	// reach its terminal event.
	clientGone := false
	for ev := range turn.Events() {
		if clientGone {
			continue
		}
		name, payload := ssePayload(ev, message)
		if err := sendEvent(name, payload); err != nil {
			h.logger.Info("client disconnected, cancelling turn", "stream_id", turn.ID(), "error", err)
			clientGone = true
			turn.Cancel()
		}
	}
}

// ssePayload maps a turn event onto its SSE name and body.
func ssePayload(ev orchestrator.Event, userMessage models.Message) (string, interface{}) {
	switch e := ev.(type) {
	case orchestrator.Started:
		return "ack", gin.H{
			"stream_id":    e.SessionID,
			"chat_id":      e.ChatID,
			"model":        e.Model,
			"history_kept": e.HistoryKept,
			"message":      userMessage,
		}
	case orchestrator.TextDelta:
		return "text", gin.H{"content": e.Text}
	case orchestrator.ToolCall:
		return "tool-call", e
	case orchestrator.ToolResult:
		return "tool-result", e
	case orchestrator.StepFinished:
		return "step", e
	case orchestrator.UsageUpdate:
		return "usage", e.Record
	case orchestrator.Warning:
		return "warning", gin.H{"message": e.Message}
	case orchestrator.Finished:
		return "done", gin.H{
			"stream_id": e.SessionID,
			"messages":  e.Messages,
			"usage":     e.Usage,
		}
	case orchestrator.Aborted:
		return "error", gin.H{
			"code":    codeOffline,
			"message": turnFailedMessage,
			"reason":  e.Reason,
		}
	}
	return ev.EventType(), ev
}
