// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, remote, system
	Action   string // ユーザー向け対処方法
	Err      error  // 原因となったエラー（任意）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is はエラーコードが一致する場合にtrueを返す。
// errors.Is(err, model.ErrNotLoggedIn) のようにセンチネルと比較できる。
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// 定義済みエラーコード
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotLoggedIn     = "NOT_LOGGED_IN"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeAuth            = "AUTH_ERROR"
	ErrCodeTransientRemote = "TRANSIENT_REMOTE_ERROR"
	ErrCodeAlreadyExists   = "ALREADY_EXISTS"
)

// エラーカテゴリ
const (
	CategoryValidation = "validation"
	CategoryAuth       = "auth"
	CategoryRemote     = "remote"
)

// errors.Is での比較用センチネル。
var (
	ErrValidation      = &APIError{Code: ErrCodeValidation}
	ErrNotLoggedIn     = &APIError{Code: ErrCodeNotLoggedIn}
	ErrNotFound        = &APIError{Code: ErrCodeNotFound}
	ErrAuth            = &APIError{Code: ErrCodeAuth}
	ErrTransientRemote = &APIError{Code: ErrCodeTransientRemote}
	ErrAlreadyExists   = &APIError{Code: ErrCodeAlreadyExists}
)

// NewValidationError は入力値の形式エラーを生成する。
func NewValidationError(field, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("%s の形式が正しくありません: %s", field, reason),
		Category: CategoryValidation,
		Action:   "入力内容を確認してください。",
	}
}

// NewNotLoggedInError はログインが必要な操作を未ログインで呼んだ場合のエラーを生成する。
func NewNotLoggedInError() *APIError {
	return &APIError{
		Code:     ErrCodeNotLoggedIn,
		Message:  "ログインしていません。",
		Category: CategoryAuth,
		Action:   "ログインしてから再度お試しください。",
	}
}

// NewNotFoundError はリモートのドキュメントが存在しない場合のエラーを生成する。
func NewNotFoundError(kind, id string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("%s が見つかりません: %s", kind, id),
		Category: CategoryRemote,
		Action:   "IDを確認してください。",
	}
}

// NewAuthError は認証情報がリモートで拒否された場合のエラーを生成する。
func NewAuthError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeAuth,
		Message:  "認証に失敗しました。",
		Category: CategoryAuth,
		Action:   "メールアドレスとパスワードを確認してください。",
		Err:      cause,
	}
}

// NewTransientRemoteError はネットワークやサービス障害によるエラーを生成する。
func NewTransientRemoteError(op string, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeTransientRemote,
		Message:  fmt.Sprintf("リモート呼び出しに失敗しました: %s", op),
		Category: CategoryRemote,
		Action:   "通信状況を確認し、しばらく待ってから再度お試しください。",
		Err:      cause,
	}
}

// NewAlreadyExistsError は作成対象のドキュメントが既に存在する場合のエラーを生成する。
func NewAlreadyExistsError(kind, id string) *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyExists,
		Message:  fmt.Sprintf("%s は既に存在します: %s", kind, id),
		Category: CategoryValidation,
		Action:   "既存のデータを確認してください。",
	}
}
