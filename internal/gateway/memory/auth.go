package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/worknest/internal/auth"
	"github.com/hitoshi/worknest/internal/gateway"
)

// account はメモリ上のアカウント。
type account struct {
	user         gateway.AuthUser
	passwordHash string
}

// Auth はメモリ上の認証サービス実装。
// プロセス全体で1つのサインイン状態を持つ。
type Auth struct {
	hasher   *auth.PasswordHasher
	verifier auth.Verifier
	now      func() time.Time

	mu       sync.Mutex
	accounts map[string]*account // email -> account
	federate map[string]string   // provider:subject -> uid
	current  *gateway.AuthUser

	listeners gateway.AuthStateListeners
}

// NewAuth はAuthを生成する。
// verifierがnilの場合、外部IdPによるサインインは常に拒否される。
func NewAuth(hasher *auth.PasswordHasher, verifier auth.Verifier) *Auth {
	if hasher == nil {
		hasher = auth.NewPasswordHasher(0)
	}
	return &Auth{
		hasher:   hasher,
		verifier: verifier,
		now:      time.Now,
		accounts: make(map[string]*account),
		federate: make(map[string]string),
	}
}

// SignUp はアカウントを作成してサインイン状態にする。
func (a *Auth) SignUp(ctx context.Context, email, password string) (*gateway.AuthUser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := strings.ToLower(email)

	hash, err := a.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if _, ok := a.accounts[key]; ok {
		a.mu.Unlock()
		return nil, gateway.ErrEmailInUse
	}
	acc := &account{
		user: gateway.AuthUser{
			UID:       uuid.NewString(),
			Email:     email,
			Provider:  "password",
			CreatedAt: a.now().UTC().Truncate(time.Second),
		},
		passwordHash: hash,
	}
	a.accounts[key] = acc
	user := acc.user
	a.current = &user
	a.mu.Unlock()

	a.listeners.Broadcast(&user)
	return &user, nil
}

// SignIn はメールアドレスとパスワードで認証する。
func (a *Auth) SignIn(ctx context.Context, email, password string) (*gateway.AuthUser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	acc, ok := a.accounts[strings.ToLower(email)]
	a.mu.Unlock()
	if !ok || acc.passwordHash == "" {
		return nil, gateway.ErrInvalidCredentials
	}
	if err := a.hasher.Verify(acc.passwordHash, password); err != nil {
		return nil, gateway.ErrInvalidCredentials
	}

	a.mu.Lock()
	user := acc.user
	a.current = &user
	a.mu.Unlock()

	a.listeners.Broadcast(&user)
	return &user, nil
}

// SignInWithFederatedToken は外部IdPのトークンを検証してサインインする。
// 初回はアカウントを作成する。
func (a *Auth) SignInWithFederatedToken(ctx context.Context, token string) (*gateway.AuthUser, error) {
	if a.verifier == nil {
		return nil, gateway.ErrInvalidCredentials
	}
	identity, err := a.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrInvalidCredentials, err)
	}

	a.mu.Lock()
	subject := identity.Provider + ":" + identity.ProviderUserID
	var acc *account
	if uid, ok := a.federate[subject]; ok {
		for _, candidate := range a.accounts {
			if candidate.user.UID == uid {
				acc = candidate
				break
			}
		}
	}
	if acc == nil {
		key := strings.ToLower(identity.Email)
		if existing, ok := a.accounts[key]; ok {
			acc = existing
		} else {
			acc = &account{user: gateway.AuthUser{
				UID:         uuid.NewString(),
				Email:       identity.Email,
				DisplayName: identity.Name,
				PhotoURL:    identity.PhotoURL,
				Provider:    identity.Provider,
				CreatedAt:   a.now().UTC().Truncate(time.Second),
			}}
			a.accounts[key] = acc
		}
		a.federate[subject] = acc.user.UID
	}
	user := acc.user
	a.current = &user
	a.mu.Unlock()

	a.listeners.Broadcast(&user)
	return &user, nil
}

// SignOut はサインイン状態を破棄する。
func (a *Auth) SignOut(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	if a.current == nil {
		a.mu.Unlock()
		return nil
	}
	a.current = nil
	a.mu.Unlock()

	a.listeners.Broadcast(nil)
	return nil
}

// CurrentUser は現在のユーザーを返す。
func (a *Auth) CurrentUser() *gateway.AuthUser {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil
	}
	user := *a.current
	return &user
}

// OnAuthStateChanged は認証状態の変化を購読する。
func (a *Auth) OnAuthStateChanged(fn gateway.AuthStateFunc) gateway.Registration {
	return a.listeners.Add(fn, a.CurrentUser())
}

// ListenerCount は認証状態リスナーの数を返す。
func (a *Auth) ListenerCount() int {
	return a.listeners.Len()
}

// compile-time interface check
var _ gateway.Auth = (*Auth)(nil)
