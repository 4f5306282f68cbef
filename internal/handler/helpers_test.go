package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/worknest/internal/auth"
	"github.com/hitoshi/worknest/internal/gateway"
	"github.com/hitoshi/worknest/internal/gateway/memory"
	"github.com/hitoshi/worknest/internal/middleware"
	"github.com/hitoshi/worknest/internal/repository"
	"github.com/hitoshi/worknest/internal/security"
	"github.com/hitoshi/worknest/internal/session"
	"golang.org/x/crypto/bcrypt"
)

const testPassword = "Abcdef1!2345"

// testAllowedOrigin はテストサーバーがクロスオリジンで受け付けるオリジン。
const testAllowedOrigin = "https://app.example.com"

// fakeUploader はアップロードされたファイル名から固定のURLを返す。
type fakeUploader struct {
	received []byte
}

func (f *fakeUploader) Upload(ctx context.Context, filename string, r io.Reader, cb gateway.UploadCallbacks) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.received = b
	return "https://media.example.com/avatars/" + filename, nil
}

// testServer はメモリゲートウェイ上に組み立てたルーター。
type testServer struct {
	handler  http.Handler
	authRepo *repository.AuthRepository
	uploader *fakeUploader
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := repository.Options{Logger: logger}
	sanitizer := security.NewTextSanitizer()

	verifier := auth.VerifierFunc(func(ctx context.Context, token string) (*auth.FederatedIdentity, error) {
		return &auth.FederatedIdentity{Provider: "google", ProviderUserID: "g-" + token, Email: token + "@example.com", Name: "Fed User"}, nil
	})
	store := memory.NewStore()
	authGateway := memory.NewAuth(auth.NewPasswordHasher(bcrypt.MinCost), verifier)

	notifications := repository.NewNotificationRepository(authGateway, store, sanitizer, opts)
	users := repository.NewUserRepository(authGateway, store, notifications, 0, opts)
	notes := repository.NewNoteRepository(authGateway, store, sanitizer, opts)
	messages := repository.NewMessageRepository(authGateway, store, sanitizer, opts)

	coordinator, err := session.NewCoordinator([]session.CacheClearer{users, notifications, notes, messages}, nil, logger)
	if err != nil {
		t.Fatalf("NewCoordinator returned error: %v", err)
	}

	uploader := &fakeUploader{}
	authRepo := repository.NewAuthRepository(repository.AuthDeps{
		Auth:      authGateway,
		Store:     store,
		Uploader:  uploader,
		Sanitizer: sanitizer,
		Session:   coordinator,
	}, opts)
	t.Cleanup(authRepo.Close)

	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), logger)
	t.Cleanup(rl.Stop)

	return &testServer{
		handler: NewRouter(&RouterDeps{
			Session:             authRepo,
			RateLimiter:         rl,
			Logger:              logger,
			AllowedOrigins:      []string{testAllowedOrigin},
			AuthService:         authRepo,
			UserService:         users,
			NotificationService: notifications,
			NoteService:         notes,
			MessageService:      messages,
		}),
		authRepo: authRepo,
		uploader: uploader,
	}
}

// do はJSONボディ付きのリクエストを送り、レスポンスを返す。
func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

// doRaw は任意のContent-TypeとOriginでリクエストを送る。空文字のヘッダーは付与しない。
func (s *testServer) doRaw(t *testing.T, method, path, contentType, origin, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

// expect はステータスコードを検証し、ボディをvにデコードする。
func expect(t *testing.T, w *httptest.ResponseRecorder, status int, v any) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d; body = %s", w.Code, status, w.Body.String())
	}
	if v != nil {
		if err := json.NewDecoder(w.Body).Decode(v); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
	}
}

// signUp はユーザーを作成してサインインし、IDを返す。
func (s *testServer) signUp(t *testing.T, email, name string) string {
	t.Helper()
	var p struct {
		ID string `json:"id"`
	}
	expect(t, s.do(t, http.MethodPost, "/api/auth/signup", map[string]string{
		"email": email, "password": testPassword, "name": name,
	}), http.StatusCreated, &p)
	return p.ID
}

func (s *testServer) login(t *testing.T, email string) {
	t.Helper()
	expect(t, s.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email": email, "password": testPassword,
	}), http.StatusOK, nil)
}

func (s *testServer) logout(t *testing.T) {
	t.Helper()
	expect(t, s.do(t, http.MethodPost, "/api/auth/logout", nil), http.StatusNoContent, nil)
}
