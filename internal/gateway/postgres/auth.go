package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/worknest/internal/auth"
	"github.com/hitoshi/worknest/internal/gateway"
	"github.com/lib/pq"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

// Auth はaccountsテーブルとセッショントークンによる認証サービス実装。
// サインインごとにJWTを発行し、jtiをsessionsテーブルに記録する。
// サインアウトでsessionsの行を削除するため、発行済みトークンはResumeできなくなる。
type Auth struct {
	db       *sql.DB
	hasher   *auth.PasswordHasher
	verifier auth.Verifier
	tokens   auth.TokenConfig
	now      func() time.Time

	mu      sync.Mutex
	current *gateway.AuthUser
	token   string
	jti     string

	listeners gateway.AuthStateListeners
}

// NewAuth はAuthを生成する。
// verifierがnilの場合、外部IdPによるサインインは常に拒否される。
func NewAuth(db *sql.DB, hasher *auth.PasswordHasher, verifier auth.Verifier, tokens auth.TokenConfig) *Auth {
	if hasher == nil {
		hasher = auth.NewPasswordHasher(0)
	}
	return &Auth{
		db:       db,
		hasher:   hasher,
		verifier: verifier,
		tokens:   tokens,
		now:      time.Now,
	}
}

const accountColumns = `id, email, display_name, photo_url, phone, provider, created_at`

func scanAccount(row interface{ Scan(...any) error }, hash *sql.NullString) (*gateway.AuthUser, error) {
	var u gateway.AuthUser
	dest := []any{&u.UID, &u.Email, &u.DisplayName, &u.PhotoURL, &u.Phone, &u.Provider, &u.CreatedAt}
	if hash != nil {
		dest = append(dest, hash)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

// SignUp はアカウントを作成してサインイン状態にする。
func (a *Auth) SignUp(ctx context.Context, email, password string) (*gateway.AuthUser, error) {
	hash, err := a.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	user := &gateway.AuthUser{
		UID:       uuid.NewString(),
		Email:     strings.TrimSpace(email),
		Provider:  "password",
		CreatedAt: a.now().UTC().Truncate(time.Second),
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO accounts (id, email, password_hash, provider, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		user.UID, user.Email, hash, user.Provider, user.CreatedAt,
	)
	if isUniqueViolation(err) {
		return nil, gateway.ErrEmailInUse
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert account: %w", err)
	}

	if err := a.startSession(ctx, user); err != nil {
		return nil, err
	}
	return copyUser(user), nil
}

// SignIn はメールアドレスとパスワードで認証する。
func (a *Auth) SignIn(ctx context.Context, email, password string) (*gateway.AuthUser, error) {
	var hash sql.NullString
	row := a.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+`, password_hash FROM accounts WHERE lower(email) = lower($1)`,
		strings.TrimSpace(email),
	)
	user, err := scanAccount(row, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if !hash.Valid || a.hasher.Verify(hash.String, password) != nil {
		return nil, gateway.ErrInvalidCredentials
	}

	if err := a.startSession(ctx, user); err != nil {
		return nil, err
	}
	return copyUser(user), nil
}

// SignInWithFederatedToken は外部IdPのトークンを検証してサインインする。
// 初回はアカウントとidentityを同一トランザクションで作成する。
// 同じメールアドレスのアカウントが既にある場合はそのアカウントに紐付ける。
func (a *Auth) SignInWithFederatedToken(ctx context.Context, token string) (*gateway.AuthUser, error) {
	if a.verifier == nil {
		return nil, gateway.ErrInvalidCredentials
	}
	identity, err := a.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrInvalidCredentials, err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	user, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT a.id, a.email, a.display_name, a.photo_url, a.phone, a.provider, a.created_at
		 FROM identities i JOIN accounts a ON a.id = i.account_id
		 WHERE i.provider = $1 AND i.provider_user_id = $2`,
		identity.Provider, identity.ProviderUserID,
	), nil)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	if user == nil {
		user, err = scanAccount(tx.QueryRowContext(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE lower(email) = lower($1)`,
			identity.Email,
		), nil)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to find account: %w", err)
		}
	}

	if user == nil {
		user = &gateway.AuthUser{
			UID:         uuid.NewString(),
			Email:       identity.Email,
			DisplayName: identity.Name,
			PhotoURL:    identity.PhotoURL,
			Provider:    identity.Provider,
			CreatedAt:   a.now().UTC().Truncate(time.Second),
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO accounts (id, email, display_name, photo_url, provider, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			user.UID, user.Email, user.DisplayName, user.PhotoURL, user.Provider, user.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert account: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO identities (provider, provider_user_id, account_id)
		 VALUES ($1, $2, $3) ON CONFLICT (provider, provider_user_id) DO NOTHING`,
		identity.Provider, identity.ProviderUserID, user.UID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert identity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if err := a.startSession(ctx, user); err != nil {
		return nil, err
	}
	return copyUser(user), nil
}

// Resume は発行済みのセッショントークンでサインイン状態を復元する。
// 失効済み・期限切れのトークンはErrNoSessionを返す。
func (a *Auth) Resume(ctx context.Context, token string) (*gateway.AuthUser, error) {
	claims, err := auth.ParseSessionToken(token, a.tokens)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrNoSession, err)
	}

	user, err := scanAccount(a.db.QueryRowContext(ctx,
		`SELECT a.id, a.email, a.display_name, a.photo_url, a.phone, a.provider, a.created_at
		 FROM sessions s JOIN accounts a ON a.id = s.account_id
		 WHERE s.id = $1 AND s.account_id = $2 AND s.expires_at > now()`,
		claims.ID, claims.UserID,
	), nil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	a.mu.Lock()
	a.current = user
	a.token = token
	a.jti = claims.ID
	a.mu.Unlock()

	a.listeners.Broadcast(user)
	return copyUser(user), nil
}

// SessionToken は現在のセッショントークンを返す。未ログインの場合は空文字。
func (a *Auth) SessionToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

// SignOut はセッションを失効させてサインイン状態を破棄する。
// sessionsの削除に失敗した場合もローカルのサインイン状態は破棄する。
func (a *Auth) SignOut(ctx context.Context) error {
	a.mu.Lock()
	if a.current == nil {
		a.mu.Unlock()
		return nil
	}
	jti := a.jti
	a.current = nil
	a.token = ""
	a.jti = ""
	a.mu.Unlock()

	a.listeners.Broadcast(nil)

	if _, err := a.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, jti); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// CurrentUser は現在のユーザーを返す。
func (a *Auth) CurrentUser() *gateway.AuthUser {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyUser(a.current)
}

// OnAuthStateChanged は認証状態の変化を購読する。
func (a *Auth) OnAuthStateChanged(fn gateway.AuthStateFunc) gateway.Registration {
	return a.listeners.Add(fn, a.CurrentUser())
}

// startSession はセッションを発行してサインイン状態にする。
// サインアウトせずにサインインし直した場合は、同じトランザクションで前のセッションを失効させる。
func (a *Auth) startSession(ctx context.Context, user *gateway.AuthUser) error {
	now := a.now()
	token, jti, err := auth.IssueSessionToken(user.UID, a.tokens, now)
	if err != nil {
		return err
	}

	a.mu.Lock()
	previous := a.jti
	a.mu.Unlock()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin session transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, account_id, expires_at, created_at) VALUES ($1, $2, $3, $4)`,
		jti, user.UID, now.Add(a.tokens.Expiry), now,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if previous != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, previous); err != nil {
			return fmt.Errorf("failed to revoke replaced session: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}

	a.mu.Lock()
	a.current = copyUser(user)
	a.token = token
	a.jti = jti
	a.mu.Unlock()

	a.listeners.Broadcast(user)
	return nil
}

func copyUser(u *gateway.AuthUser) *gateway.AuthUser {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// compile-time interface check
var _ gateway.Auth = (*Auth)(nil)
