package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/hitoshi/worknest/internal/gateway"
	"github.com/hitoshi/worknest/internal/gateway/memory"
	"github.com/hitoshi/worknest/internal/model"
)

// TestAuthRepository_SignUp はサインアップ後のキャッシュと購読数を検証する。
func TestAuthRepository_SignUp(t *testing.T) {
	env := newTestEnv(t)

	p, err := env.authRepo.SignUp(context.Background(), "a@b.com", "Abcdef1!2345", "Alice")
	if err != nil {
		t.Fatalf("SignUp returned error: %v", err)
	}
	if p.Name != "Alice" || p.Email != "a@b.com" || !p.Online {
		t.Errorf("profile = %+v", p)
	}
	if p.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set from the identity")
	}

	cached := env.authRepo.Profile()
	if cached == nil || cached.Name != "Alice" || cached.Email != "a@b.com" || !cached.Online {
		t.Errorf("cached profile = %+v", cached)
	}
	if got := env.authRepo.ActiveSubscriptions(); got != 1 {
		t.Errorf("ActiveSubscriptions = %d, want 1", got)
	}
	if got := env.store.ListenerCount(); got != 1 {
		t.Errorf("store ListenerCount = %d, want 1", got)
	}
	if !env.authRepo.IsSignedIn() || env.authRepo.CurrentUserID() != p.ID {
		t.Error("expected signed-in state with the new uid")
	}
}

// TestAuthRepository_SignUpValidation は不正な入力がリモート呼び出し前に拒否されることを検証する。
func TestAuthRepository_SignUpValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		email    string
		password string
		userName string
	}{
		{name: "不正なメールアドレス", email: "not-an-email", password: testPassword, userName: "Alice"},
		{name: "弱いパスワード", email: "a@b.com", password: "short1A!", userName: "Alice"},
		{name: "空の名前", email: "a@b.com", password: testPassword, userName: "  "},
		{name: "使用できない文字を含む名前", email: "a@b.com", password: testPassword, userName: "Alice<script>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.authRepo.SignUp(ctx, tt.email, tt.password, tt.userName)
			if !errors.Is(err, model.ErrValidation) {
				t.Errorf("error = %v, want ValidationError", err)
			}
		})
	}
	if env.auth.CurrentUser() != nil {
		t.Error("no account should have been created")
	}
}

// TestAuthRepository_SignUpDuplicateEmail は使用済みメールアドレスを検証する。
func TestAuthRepository_SignUpDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	env.signUp(t, "a@b.com", "Alice")
	env.signOut(t)

	_, err := env.authRepo.SignUp(context.Background(), "a@b.com", testPassword, "Alice")
	if !errors.Is(err, model.ErrAlreadyExists) {
		t.Errorf("error = %v, want AlreadyExists", err)
	}
}

// TestAuthRepository_Login はログインでプロフィールがオンラインになることを検証する。
func TestAuthRepository_Login(t *testing.T) {
	env := newTestEnv(t)
	uid := env.signUp(t, "a@b.com", "Alice")
	env.signOut(t)

	doc, _ := env.store.Get(context.Background(), "users", uid)
	if doc.Data["online"] != false {
		t.Fatalf("online after sign-out = %v, want false", doc.Data["online"])
	}

	p, err := env.authRepo.Login(context.Background(), "a@b.com", testPassword)
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if p.ID != uid || !p.Online {
		t.Errorf("profile = %+v", p)
	}
	doc, _ = env.store.Get(context.Background(), "users", uid)
	if doc.Data["online"] != true {
		t.Errorf("remote online = %v, want true", doc.Data["online"])
	}
	if got := env.authRepo.ActiveSubscriptions(); got != 1 {
		t.Errorf("ActiveSubscriptions = %d, want 1", got)
	}
}

// TestAuthRepository_LoginInvalidCredentials は誤ったパスワードでAuthErrorになることを検証する。
func TestAuthRepository_LoginInvalidCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.signUp(t, "a@b.com", "Alice")
	env.signOut(t)

	_, err := env.authRepo.Login(context.Background(), "a@b.com", "Wrong-password-1")
	if !errors.Is(err, model.ErrAuth) {
		t.Errorf("error = %v, want AuthError", err)
	}
	if env.authRepo.IsSignedIn() {
		t.Error("should not be signed in")
	}
}

// TestAuthRepository_LoginMissingProfile はプロフィールがない場合にNotFoundとなり、セッションが残らないことを検証する。
func TestAuthRepository_LoginMissingProfile(t *testing.T) {
	env := newTestEnv(t)
	uid := env.signUp(t, "a@b.com", "Alice")
	env.signOut(t)
	if err := env.store.Delete(context.Background(), "users", uid); err != nil {
		t.Fatal(err)
	}

	_, err := env.authRepo.Login(context.Background(), "a@b.com", testPassword)
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("error = %v, want NotFound", err)
	}
	if env.authRepo.IsSignedIn() {
		t.Error("half-authenticated session should be discarded")
	}
	if env.authRepo.ActiveSubscriptions() != 0 {
		t.Error("no subscription should be attached")
	}
	if _, err := env.store.Get(context.Background(), "users", uid); !errors.Is(err, gateway.ErrNotFound) {
		t.Error("profile must not be auto-created on plain login")
	}
}

// TestAuthRepository_LoginWithFederatedToken は初回のフェデレーションログインでプロフィールが作成されることを検証する。
func TestAuthRepository_LoginWithFederatedToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.authRepo.LoginWithFederatedToken(ctx, "bad-token"); !errors.Is(err, model.ErrAuth) {
		t.Errorf("bad token error = %v, want AuthError", err)
	}

	p, err := env.authRepo.LoginWithFederatedToken(ctx, "google-token")
	if err != nil {
		t.Fatalf("LoginWithFederatedToken returned error: %v", err)
	}
	if p.Name != "Fed User" || p.Email != "fed@example.com" || p.AvatarURL != "https://example.com/fed.png" || !p.Online {
		t.Errorf("synthesized profile = %+v", p)
	}
	if _, err := env.store.Get(ctx, "users", p.ID); err != nil {
		t.Errorf("synthesized profile was not written: %v", err)
	}
	if env.credentials.provider != "google" || env.credentials.token != "google-token" {
		t.Errorf("stored credential = %s/%s", env.credentials.provider, env.credentials.token)
	}

	env.signOut(t)
	if env.credentials.token != "" || env.credentials.clears != 1 {
		t.Errorf("credential not cleared on sign-out: %+v", env.credentials)
	}

	// 2回目は既存のプロフィールを使う
	if err := env.store.Update(ctx, "users", p.ID, map[string]any{"bio": "kept"}); err != nil {
		t.Fatal(err)
	}
	again, err := env.authRepo.LoginWithFederatedToken(ctx, "google-token")
	if err != nil {
		t.Fatalf("second LoginWithFederatedToken returned error: %v", err)
	}
	if again.ID != p.ID || again.Bio != "kept" {
		t.Errorf("second login profile = %+v", again)
	}
}

// TestAuthRepository_SingleSubscription は再ログインしても購読が1つに保たれ、1回の更新で1回だけ配信されることを検証する。
func TestAuthRepository_SingleSubscription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	uid := env.signUp(t, "a@b.com", "Alice")

	// サインアウトせずに再ログインして購読を張り直す
	env.login(t, "a@b.com")
	env.login(t, "a@b.com")

	if got := env.authRepo.ActiveSubscriptions(); got != 1 {
		t.Fatalf("ActiveSubscriptions = %d, want 1", got)
	}
	if got := env.store.ListenerCount(); got != 1 {
		t.Fatalf("store ListenerCount = %d, want 1", got)
	}

	deliveries := 0
	cancel := env.authRepo.WatchProfile(func(p *model.Profile) { deliveries++ })
	defer cancel()

	if err := env.store.Update(ctx, "users", uid, map[string]any{"bio": "remote edit"}); err != nil {
		t.Fatal(err)
	}
	if deliveries != 1 {
		t.Errorf("deliveries for one update = %d, want 1", deliveries)
	}
	if got := env.authRepo.Profile().Bio; got != "remote edit" {
		t.Errorf("cached bio = %q, want %q", got, "remote edit")
	}
}

// TestAuthRepository_AuthStateTearsDownSubscription は認証サービス側でサインアウトされた場合に購読が解除されることを検証する。
func TestAuthRepository_AuthStateTearsDownSubscription(t *testing.T) {
	env := newTestEnv(t)
	env.signUp(t, "a@b.com", "Alice")

	if err := env.auth.SignOut(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := env.authRepo.ActiveSubscriptions(); got != 0 {
		t.Errorf("ActiveSubscriptions = %d, want 0", got)
	}
	if env.authRepo.Profile() != nil {
		t.Error("profile should be cleared")
	}
	if got := env.store.ListenerCount(); got != 0 {
		t.Errorf("store ListenerCount = %d, want 0", got)
	}
}

// TestAuthRepository_UpdateField はフィールド更新の検証とキャッシュ反映を確認する。
func TestAuthRepository_UpdateField(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.authRepo.UpdateField(ctx, model.FieldName, "Alice"); !errors.Is(err, model.ErrNotLoggedIn) {
		t.Fatalf("error without session = %v, want NotLoggedIn", err)
	}

	uid := env.signUp(t, "a@b.com", "Alice")

	for _, field := range []model.ProfileField{model.FieldName, model.FieldAvatar, model.FieldPhone} {
		if _, err := env.authRepo.UpdateField(ctx, field, "   "); !errors.Is(err, model.ErrValidation) {
			t.Errorf("blank %s error = %v, want ValidationError", field, err)
		}
	}

	// 空のbioは許可される
	if _, err := env.authRepo.UpdateField(ctx, model.FieldBio, ""); err != nil {
		t.Errorf("blank bio returned error: %v", err)
	}

	p, err := env.authRepo.UpdateField(ctx, model.FieldBio, "<b>Hello</b> world<script>x()</script>")
	if err != nil {
		t.Fatalf("UpdateField(bio) returned error: %v", err)
	}
	if p.Bio != "Hello world" {
		t.Errorf("sanitized bio = %q", p.Bio)
	}
	doc, _ := env.store.Get(ctx, "users", uid)
	if doc.Data["bio"] != "Hello world" {
		t.Errorf("remote bio = %v", doc.Data["bio"])
	}

	p, err = env.authRepo.UpdateField(ctx, model.FieldPhone, "+81-90-0000-0000")
	if err != nil {
		t.Fatalf("UpdateField(phone) returned error: %v", err)
	}
	if p.Phone != "+81-90-0000-0000" || env.authRepo.Profile().Phone != "+81-90-0000-0000" {
		t.Errorf("phone not patched: %+v", p)
	}
}

// TestAuthRepository_UpdateFieldRemoteFailure はリモート失敗時にキャッシュが変わらないことを検証する。
func TestAuthRepository_UpdateFieldRemoteFailure(t *testing.T) {
	env := newTestEnv(t)
	env.signUp(t, "a@b.com", "Alice")

	env.store.FailNext(memory.OpUpdate, errors.New("unavailable"))
	_, err := env.authRepo.UpdateField(context.Background(), model.FieldName, "Bob")
	if !errors.Is(err, model.ErrTransientRemote) {
		t.Fatalf("error = %v, want TransientRemoteError", err)
	}
	if got := env.authRepo.Profile().Name; got != "Alice" {
		t.Errorf("cached name = %q, want Alice", got)
	}
}

// TestAuthRepository_UploadAvatar はアップロードしたURLがアバターに設定されることを検証する。
func TestAuthRepository_UploadAvatar(t *testing.T) {
	env := newTestEnv(t)
	env.authRepo.deps.Uploader = uploaderFunc(func(ctx context.Context, filename string, cb gateway.UploadCallbacks) (string, error) {
		if cb.OnProgress != nil {
			cb.OnProgress(1, 1)
		}
		return "https://cdn.example.com/" + filename, nil
	})
	env.signUp(t, "a@b.com", "Alice")

	p, err := env.authRepo.UploadAvatar(context.Background(), "me.png", strings.NewReader("png"))
	if err != nil {
		t.Fatalf("UploadAvatar returned error: %v", err)
	}
	if p.AvatarURL != "https://cdn.example.com/me.png" {
		t.Errorf("AvatarURL = %q", p.AvatarURL)
	}
}

// TestAuthRepository_SignOutProceedsWhenOfflineWriteFails はオフライン化に失敗してもサインアウトが完了することを検証する。
func TestAuthRepository_SignOutProceedsWhenOfflineWriteFails(t *testing.T) {
	env := newTestEnv(t)
	env.signUp(t, "a@b.com", "Alice")

	env.store.FailNext(memory.OpUpdate, errors.New("offline write failed"))
	if err := env.authRepo.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut returned error: %v", err)
	}
	if env.authRepo.IsSignedIn() || env.authRepo.Profile() != nil || env.authRepo.ActiveSubscriptions() != 0 {
		t.Error("sign-out did not complete")
	}
}

// TestAuthRepository_SignUpDiscardsSessionWhenProfileWriteFails はプロフィールの書き込みに失敗した場合に
// 作成済みのセッションが破棄されることを検証する。
func TestAuthRepository_SignUpDiscardsSessionWhenProfileWriteFails(t *testing.T) {
	env := newTestEnv(t)

	env.store.FailNext(memory.OpSet, errors.New("unavailable"))
	_, err := env.authRepo.SignUp(context.Background(), "a@b.com", testPassword, "Alice")
	if !errors.Is(err, model.ErrTransientRemote) {
		t.Fatalf("error = %v, want TransientRemoteError", err)
	}
	if env.auth.CurrentUser() != nil || env.authRepo.IsSignedIn() {
		t.Error("half-authenticated session should be discarded")
	}
	if env.authRepo.Profile() != nil || env.authRepo.ActiveSubscriptions() != 0 {
		t.Error("no profile or subscription should remain")
	}
}

// TestAuthRepository_SignOutDuringRemoteUpdates はプロフィールへの書き込みが続いている最中にサインアウトしても、
// サインアウト後にプロフィールがキャッシュに戻らないことを検証する。
func TestAuthRepository_SignOutDuringRemoteUpdates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	uid := env.signUp(t, "a@b.com", "Alice")
	env.signOut(t)

	for round := 0; round < 200; round++ {
		env.login(t, "a@b.com")

		stop := make(chan struct{})
		var wg sync.WaitGroup
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; ; i++ {
					select {
					case <-stop:
						return
					default:
					}
					_ = env.store.Update(ctx, "users", uid, map[string]any{"bio": fmt.Sprintf("edit %d", i)})
				}
			}()
		}

		if err := env.authRepo.SignOut(ctx); err != nil {
			close(stop)
			wg.Wait()
			t.Fatalf("round %d: SignOut returned error: %v", round, err)
		}
		close(stop)
		wg.Wait()

		if p := env.authRepo.Profile(); p != nil {
			t.Fatalf("round %d: profile still cached after sign-out: %+v", round, p)
		}
		if got := env.authRepo.ActiveSubscriptions(); got != 0 {
			t.Fatalf("round %d: ActiveSubscriptions = %d, want 0", round, got)
		}
	}
	if got := env.store.ListenerCount(); got != 0 {
		t.Errorf("store ListenerCount = %d, want 0", got)
	}
}
