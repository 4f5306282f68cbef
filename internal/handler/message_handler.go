package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/worknest/internal/model"
)

// MessageServiceInterface は会話とメッセージのハンドラーが必要とするリポジトリ操作。
type MessageServiceInterface interface {
	RefreshConversations(ctx context.Context) ([]model.Conversation, error)
	StartConversation(ctx context.Context, memberIDs []string, title string) (*model.Conversation, error)
	LoadMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	SendMessage(ctx context.Context, conversationID, content string) (*model.Message, error)
}

// MessageHandler は会話とメッセージのHTTPハンドラー。
type MessageHandler struct {
	service MessageServiceInterface
}

// NewMessageHandler はMessageHandlerを生成する。
func NewMessageHandler(service MessageServiceInterface) *MessageHandler {
	return &MessageHandler{service: service}
}

type startConversationRequest struct {
	Members []string `json:"members"`
	Title   string   `json:"title"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

// ListConversations は参加中の会話を返す。
// GET /api/conversations
func (h *MessageHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := h.service.RefreshConversations(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if conversations == nil {
		conversations = []model.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversations)
}

// StartConversation は会話を開始する。
// POST /api/conversations
func (h *MessageHandler) StartConversation(w http.ResponseWriter, r *http.Request) {
	var req startConversationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	conversation, err := h.service.StartConversation(r.Context(), req.Members, req.Title)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conversation)
}

// ListMessages は会話を開き、メッセージを古い順に返す。
// 開いた会話のメッセージは以降ライブで同期される。
// GET /api/conversations/{id}/messages
func (h *MessageHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.service.LoadMessages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// SendMessage は会話にメッセージを送信する。
// POST /api/conversations/{id}/messages
func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	message, err := h.service.SendMessage(r.Context(), chi.URLParam(r, "id"), req.Content)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, message)
}
