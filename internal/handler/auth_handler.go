package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/hitoshi/worknest/internal/middleware"
	"github.com/hitoshi/worknest/internal/model"
)

// maxAvatarBytes はアバター画像の上限サイズ。
const maxAvatarBytes = 10 << 20

// AuthServiceInterface は認証ハンドラーが必要とするリポジトリ操作。
// repository.AuthRepository が実装する。
type AuthServiceInterface interface {
	SignUp(ctx context.Context, email, password, name string) (*model.Profile, error)
	Login(ctx context.Context, email, password string) (*model.Profile, error)
	LoginWithFederatedToken(ctx context.Context, token string) (*model.Profile, error)
	SignOut(ctx context.Context) error
	Profile() *model.Profile
	UpdateField(ctx context.Context, field model.ProfileField, value string) (*model.Profile, error)
	UploadAvatar(ctx context.Context, filename string, src io.Reader) (*model.Profile, error)
}

// AuthHandler は認証とプロフィールのHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

type signUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type federatedLoginRequest struct {
	Token string `json:"token"`
}

type updateProfileRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// SignUp はアカウントを作成してサインインする。
// POST /api/auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	profile, err := h.service.SignUp(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

// Login はメールアドレスとパスワードでサインインする。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	profile, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// FederatedLogin は外部IdPのIDトークンでサインインする。
// POST /api/auth/federated
func (h *AuthHandler) FederatedLogin(w http.ResponseWriter, r *http.Request) {
	var req federatedLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	profile, err := h.service.LoginWithFederatedToken(r.Context(), req.Token)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// Logout はサインアウトする。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.SignOut(r.Context()); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me はキャッシュ中のプロフィールを返す。
// GET /api/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	profile := h.service.Profile()
	if profile == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotLoggedInError())
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// UpdateMe はプロフィールの1項目を更新する。
// PATCH /api/me
func (h *AuthHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	field, ok := model.ParseProfileField(req.Field)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("field", "更新できない項目です"))
		return
	}

	profile, err := h.service.UpdateField(r.Context(), field, req.Value)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// UploadAvatar はmultipartの "file" パートをアバター画像としてアップロードする。
// POST /api/me/avatar
func (h *AuthHandler) UploadAvatar(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAvatarBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		reason := "fileパートがありません"
		if errors.As(err, &tooLarge) {
			reason = "ファイルサイズが上限を超えています"
		}
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("file", reason))
		return
	}
	defer file.Close()

	profile, err := h.service.UploadAvatar(r.Context(), header.Filename, file)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}
