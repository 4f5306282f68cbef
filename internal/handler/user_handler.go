package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/worknest/internal/model"
)

// UserServiceInterface はユーザー検索と友達関係のハンドラーが必要とするリポジトリ操作。
type UserServiceInterface interface {
	GetUser(ctx context.Context, id string) (*model.Profile, error)
	FindUsers(ctx context.Context, query string) ([]model.Profile, error)
	RefreshFriendships(ctx context.Context) ([]model.Friendship, error)
	SendFriendRequest(ctx context.Context, receiverID string) (*model.Friendship, error)
	AcceptFriendRequest(ctx context.Context, id string) (*model.Friendship, error)
	DeleteFriendship(ctx context.Context, id string) error
}

// UserHandler はユーザーと友達関係のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{service: service}
}

type friendRequestRequest struct {
	ReceiverID string `json:"receiverId"`
}

// FindUsers はメールアドレスの前方一致でユーザーを検索する。自分自身は含まない。
// GET /api/users?q=
func (h *UserHandler) FindUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.FindUsers(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if users == nil {
		users = []model.Profile{}
	}
	writeJSON(w, http.StatusOK, users)
}

// GetUser はユーザーのプロフィールを返す。
// GET /api/users/{id}
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	profile, err := h.service.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// ListFriendships はサインイン中ユーザーの友達関係を返す。
// GET /api/friendships
func (h *UserHandler) ListFriendships(w http.ResponseWriter, r *http.Request) {
	friendships, err := h.service.RefreshFriendships(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if friendships == nil {
		friendships = []model.Friendship{}
	}
	writeJSON(w, http.StatusOK, friendships)
}

// SendFriendRequest は友達リクエストを送る。
// POST /api/friendships
func (h *UserHandler) SendFriendRequest(w http.ResponseWriter, r *http.Request) {
	var req friendRequestRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	friendship, err := h.service.SendFriendRequest(r.Context(), req.ReceiverID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, friendship)
}

// AcceptFriendRequest は受信した友達リクエストを承認する。
// POST /api/friendships/{id}/accept
func (h *UserHandler) AcceptFriendRequest(w http.ResponseWriter, r *http.Request) {
	friendship, err := h.service.AcceptFriendRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, friendship)
}

// DeleteFriendship は友達関係またはリクエストを削除する。
// DELETE /api/friendships/{id}
func (h *UserHandler) DeleteFriendship(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteFriendship(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
