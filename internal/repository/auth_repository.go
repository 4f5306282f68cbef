package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/hitoshi/worknest/internal/gateway"
	"github.com/hitoshi/worknest/internal/model"
	"github.com/hitoshi/worknest/internal/observable"
	"github.com/hitoshi/worknest/internal/security"
	"github.com/hitoshi/worknest/internal/validation"
)

// SessionClearer はサインアウト時に全ドメインのキャッシュを消去する。
// session.Coordinator が実装する。
type SessionClearer interface {
	ClearAll(ctx context.Context)
}

// AuthDeps はAuthRepositoryの依存。
type AuthDeps struct {
	Auth        gateway.Auth
	Store       gateway.DocumentStore
	Uploader    gateway.MediaUploader
	Credentials gateway.CredentialStore
	Sanitizer   security.TextSanitizer
	Session     SessionClearer
}

// AuthRepository はサインイン中ユーザーのプロフィールをキャッシュする。
//
// サインイン中はプロフィールドキュメントを1つだけライブ購読し、
// 認証サービスがユーザーなしを通知した時点で購読を解除する。
type AuthRepository struct {
	deps    AuthDeps
	remote  *remote
	logger  *slog.Logger
	profile *observable.Value[*model.Profile]
	slot    *listenerSlot
	authReg gateway.Registration
}

// NewAuthRepository はAuthRepositoryを生成し、認証状態の購読を開始する。
// 不要になったらCloseを呼ぶこと。
func NewAuthRepository(deps AuthDeps, opts Options) *AuthRepository {
	opts = opts.withDefaults()
	if deps.Sanitizer == nil {
		deps.Sanitizer = security.NewTextSanitizer()
	}
	r := &AuthRepository{
		deps:    deps,
		remote:  newRemote(opts),
		logger:  opts.Logger,
		profile: observable.New[*model.Profile](nil),
		slot:    newListenerSlot("profile", opts.Metrics),
	}
	r.authReg = deps.Auth.OnAuthStateChanged(func(user *gateway.AuthUser) {
		if user != nil {
			return
		}
		r.slot.detach()
		r.profile.Set(nil)
	})
	return r
}

// Close は認証状態とプロフィールの購読を解除する。
func (r *AuthRepository) Close() {
	r.authReg.Remove()
	r.slot.detach()
}

// SignUp はアカウントを作成し、初期プロフィールを書き込んでサインイン状態にする。
func (r *AuthRepository) SignUp(ctx context.Context, email, password, name string) (*model.Profile, error) {
	email = strings.TrimSpace(email)
	name = strings.TrimSpace(name)
	if !validation.IsValidEmail(email) {
		return nil, model.NewValidationError("email", "メールアドレスの形式が正しくありません")
	}
	if !validation.IsStrongPassword(password) {
		return nil, model.NewValidationError("password", "12文字以上で大文字・小文字・数字・記号を含めてください")
	}
	if !validation.IsValidName(name) {
		return nil, model.NewValidationError("name", "名前に使用できない文字が含まれています")
	}

	previous := r.sessionOwner()
	var user *gateway.AuthUser
	err := r.remote.call("auth.signUp", func() error {
		var err error
		user, err = r.deps.Auth.SignUp(ctx, email, password)
		return err
	})
	if err != nil {
		return nil, translate("auth.signUp", "アカウント", email, err)
	}
	r.switchSession(ctx, previous, user.UID)

	profile := model.Profile{
		ID:        user.UID,
		Name:      name,
		Email:     email,
		Online:    true,
		CreatedAt: user.CreatedAt,
	}
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = r.remote.timestamp()
	}
	if err := r.writeProfile(ctx, profile); err != nil {
		r.discardSession(ctx, user.UID, "profile write failed on sign-up")
		return nil, err
	}

	r.logger.Info("user signed up", slog.String("user_id", user.UID))
	return r.activate(ctx, profile)
}

// Login はメールアドレスとパスワードでサインインする。
// プロフィールドキュメントが存在しない場合はNotFoundエラーを返し、セッションを破棄する。
func (r *AuthRepository) Login(ctx context.Context, email, password string) (*model.Profile, error) {
	email = strings.TrimSpace(email)
	if validation.IsBlank(email) || password == "" {
		return nil, model.NewValidationError("email", "メールアドレスとパスワードを入力してください")
	}

	previous := r.sessionOwner()
	var user *gateway.AuthUser
	err := r.remote.call("auth.signIn", func() error {
		var err error
		user, err = r.deps.Auth.SignIn(ctx, email, password)
		return err
	})
	if err != nil {
		return nil, translate("auth.signIn", "アカウント", email, err)
	}
	r.switchSession(ctx, previous, user.UID)

	profile, err := r.fetchProfile(ctx, user.UID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			r.discardSession(ctx, user.UID, "profile document missing on login")
		}
		return nil, err
	}

	if err := r.markOnline(ctx, user.UID, true); err != nil {
		return nil, err
	}
	profile.Online = true

	r.logger.Info("user logged in", slog.String("user_id", user.UID))
	return r.activate(ctx, *profile)
}

// LoginWithFederatedToken は外部IdPのトークンでサインインする。
// プロフィールドキュメントがない場合はIdPの情報から作成する。
func (r *AuthRepository) LoginWithFederatedToken(ctx context.Context, token string) (*model.Profile, error) {
	if validation.IsBlank(token) {
		return nil, model.NewValidationError("token", "トークンが空です")
	}

	previous := r.sessionOwner()
	var user *gateway.AuthUser
	err := r.remote.call("auth.signInFederated", func() error {
		var err error
		user, err = r.deps.Auth.SignInWithFederatedToken(ctx, token)
		return err
	})
	if err != nil {
		return nil, translate("auth.signInFederated", "アカウント", "", err)
	}
	r.switchSession(ctx, previous, user.UID)

	profile, err := r.fetchProfile(ctx, user.UID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		profile = &model.Profile{
			ID:        user.UID,
			Name:      user.DisplayName,
			Email:     user.Email,
			Phone:     user.Phone,
			AvatarURL: user.PhotoURL,
			Online:    true,
			CreatedAt: user.CreatedAt,
		}
		if profile.CreatedAt.IsZero() {
			profile.CreatedAt = r.remote.timestamp()
		}
		if err := r.writeProfile(ctx, *profile); err != nil {
			return nil, err
		}
		r.logger.Info("profile created from federated identity",
			slog.String("user_id", user.UID),
			slog.String("provider", user.Provider),
		)
	case err != nil:
		return nil, err
	default:
		if err := r.markOnline(ctx, user.UID, true); err != nil {
			return nil, err
		}
		profile.Online = true
	}

	if r.deps.Credentials != nil {
		if err := r.deps.Credentials.Save(ctx, user.Provider, token); err != nil {
			r.logger.Warn("failed to store federated credential", slog.String("error", err.Error()))
		}
	}

	return r.activate(ctx, *profile)
}

// UpdateField はプロフィールの1項目を更新し、キャッシュに反映する。
func (r *AuthRepository) UpdateField(ctx context.Context, field model.ProfileField, value string) (*model.Profile, error) {
	uid, err := currentUID(r.deps.Auth)
	if err != nil {
		return nil, err
	}

	value = strings.TrimSpace(value)
	if field.FreeText() {
		value = r.deps.Sanitizer.Text(value)
	}
	if field.RequiresValue() && validation.IsBlank(value) {
		return nil, model.NewValidationError(string(field), "空にはできません")
	}
	if field == model.FieldName && !validation.IsValidName(value) {
		return nil, model.NewValidationError("name", "名前に使用できない文字が含まれています")
	}

	err = r.remote.call("users.update", func() error {
		return r.deps.Store.Update(ctx, collectionUsers, uid, map[string]any{string(field): value})
	})
	if err != nil {
		return nil, translate("users.update", "プロフィール", uid, err)
	}

	updated := r.profile.Update(func(p *model.Profile) *model.Profile {
		if p == nil || p.ID != uid {
			return p
		}
		next := p.Apply(field, value)
		return &next
	})
	return copyProfile(updated), nil
}

// UploadAvatar は画像をアップロードし、そのURLをアバターに設定する。
func (r *AuthRepository) UploadAvatar(ctx context.Context, filename string, src io.Reader) (*model.Profile, error) {
	uid, err := currentUID(r.deps.Auth)
	if err != nil {
		return nil, err
	}
	if r.deps.Uploader == nil {
		return nil, model.NewTransientRemoteError("media.upload", errors.New("media uploader is not configured"))
	}

	var url string
	err = r.remote.call("media.upload", func() error {
		var err error
		url, err = r.deps.Uploader.Upload(ctx, filename, src, gateway.UploadCallbacks{
			OnProgress: func(sent, total int64) {
				r.logger.Debug("avatar upload progress",
					slog.String("user_id", uid),
					slog.Int64("sent", sent),
					slog.Int64("total", total),
				)
			},
			OnReschedule: func(attempt int, reason error) {
				r.logger.Info("avatar upload rescheduled",
					slog.String("user_id", uid),
					slog.Int("attempt", attempt),
					slog.String("reason", reason.Error()),
				)
			},
		})
		return err
	})
	if err != nil {
		return nil, translate("media.upload", "メディア", filename, err)
	}

	return r.UpdateField(ctx, model.FieldAvatar, url)
}

// SignOut はサインアウトする。
// オフライン化と資格情報の消去は失敗してもサインアウトを続行する。
func (r *AuthRepository) SignOut(ctx context.Context) error {
	if user := r.deps.Auth.CurrentUser(); user != nil {
		if err := r.markOnline(ctx, user.UID, false); err != nil {
			r.logger.Warn("failed to mark user offline", slog.String("user_id", user.UID), slog.String("error", err.Error()))
		}
	}

	if r.deps.Credentials != nil {
		if err := r.deps.Credentials.Clear(ctx); err != nil {
			r.logger.Warn("failed to clear stored credential", slog.String("error", err.Error()))
		}
	}

	if r.deps.Session != nil {
		r.deps.Session.ClearAll(ctx)
	}

	err := r.remote.call("auth.signOut", func() error {
		return r.deps.Auth.SignOut(ctx)
	})

	r.slot.detach()
	r.profile.Set(nil)

	if err != nil {
		return translate("auth.signOut", "セッション", "", err)
	}
	r.logger.Info("user signed out")
	return nil
}

// Profile はキャッシュ中のプロフィールのコピーを返す。未ログインの場合はnil。
func (r *AuthRepository) Profile() *model.Profile {
	return copyProfile(r.profile.Get())
}

// WatchProfile はキャッシュ中のプロフィールの変化を購読する。
// fnはライブ購読の配信中に呼ばれることがあるため、fnからサインインやサインアウトを呼ばないこと。
func (r *AuthRepository) WatchProfile(fn func(*model.Profile)) (cancel func()) {
	return r.profile.Watch(func(p *model.Profile) { fn(copyProfile(p)) })
}

// CurrentUserID はサインイン中のユーザーIDを返す。未ログインの場合は空文字。
func (r *AuthRepository) CurrentUserID() string {
	if user := r.deps.Auth.CurrentUser(); user != nil {
		return user.UID
	}
	return ""
}

// IsSignedIn はサインイン中の場合にtrueを返す。
func (r *AuthRepository) IsSignedIn() bool {
	return r.deps.Auth.CurrentUser() != nil
}

// ActiveSubscriptions は登録中のプロフィール購読数を返す。
func (r *AuthRepository) ActiveSubscriptions() int {
	return r.slot.active()
}

// sessionOwner はキャッシュまたは認証サービスが保持しているユーザーIDを返す。
// どちらもない場合は空文字。
func (r *AuthRepository) sessionOwner() string {
	if p := r.profile.Get(); p != nil {
		return p.ID
	}
	if user := r.deps.Auth.CurrentUser(); user != nil {
		return user.UID
	}
	return ""
}

// switchSession はサインアウトせずに別ユーザーでサインインした場合に、
// 前のユーザーのプロフィール購読と全ドメインのキャッシュを破棄する。
func (r *AuthRepository) switchSession(ctx context.Context, previous, next string) {
	if previous == "" || previous == next {
		return
	}
	r.logger.Info("signed-in user changed without sign-out",
		slog.String("previous_user_id", previous),
		slog.String("user_id", next),
	)
	if err := r.markOnline(ctx, previous, false); err != nil {
		r.logger.Warn("failed to mark previous user offline", slog.String("user_id", previous), slog.String("error", err.Error()))
	}
	r.slot.detach()
	r.profile.Set(nil)
	if r.deps.Session != nil {
		r.deps.Session.ClearAll(ctx)
	}
}

// discardSession はプロフィールを用意できなかったサインインのセッションを破棄する。
func (r *AuthRepository) discardSession(ctx context.Context, uid, reason string) {
	r.logger.Warn(reason, slog.String("user_id", uid))
	if err := r.deps.Auth.SignOut(ctx); err != nil {
		r.logger.Warn("failed to discard half-authenticated session", slog.String("error", err.Error()))
	}
	r.slot.detach()
	r.profile.Set(nil)
}

// activate はプロフィールをキャッシュし、ライブ購読を張り直す。
func (r *AuthRepository) activate(ctx context.Context, profile model.Profile) (*model.Profile, error) {
	r.profile.Set(&profile)
	if err := r.attachProfileListener(ctx, profile.ID); err != nil {
		return nil, err
	}
	return copyProfile(r.profile.Get()), nil
}

func (r *AuthRepository) attachProfileListener(ctx context.Context, uid string) error {
	err := r.slot.replace(func(generation uint64) (gateway.Registration, error) {
		return r.deps.Store.Listen(ctx, collectionUsers, uid, func(doc *gateway.Document, err error) {
			if err != nil {
				r.logger.Warn("profile snapshot error", slog.String("user_id", uid), slog.String("error", err.Error()))
				return
			}
			if doc == nil {
				return
			}
			var p model.Profile
			if err := gateway.Decode(*doc, &p); err != nil {
				r.logger.Warn("failed to decode profile snapshot", slog.String("user_id", uid), slog.String("error", err.Error()))
				return
			}
			r.slot.deliver(generation, func() { r.profile.Set(&p) })
		})
	})
	if err != nil {
		return model.NewTransientRemoteError("users.listen", err)
	}
	return nil
}

func (r *AuthRepository) fetchProfile(ctx context.Context, uid string) (*model.Profile, error) {
	var doc *gateway.Document
	err := r.remote.call("users.get", func() error {
		var err error
		doc, err = r.deps.Store.Get(ctx, collectionUsers, uid)
		return err
	})
	if err != nil {
		return nil, translate("users.get", "プロフィール", uid, err)
	}
	var p model.Profile
	if err := gateway.Decode(*doc, &p); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &p, nil
}

func (r *AuthRepository) writeProfile(ctx context.Context, profile model.Profile) error {
	data, err := gateway.Encode(profile)
	if err != nil {
		return err
	}
	err = r.remote.call("users.set", func() error {
		return r.deps.Store.Set(ctx, collectionUsers, profile.ID, data, true)
	})
	return translate("users.set", "プロフィール", profile.ID, err)
}

func (r *AuthRepository) markOnline(ctx context.Context, uid string, online bool) error {
	err := r.remote.call("users.update", func() error {
		return r.deps.Store.Update(ctx, collectionUsers, uid, map[string]any{"online": online})
	})
	return translate("users.update", "プロフィール", uid, err)
}

func copyProfile(p *model.Profile) *model.Profile {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
