// Package gateway はマネージドバックエンド（認証・ドキュメントストア・メディアアップロード）
// との契約をインターフェースとして定義する。
// リポジトリ層はこのパッケージのインターフェースのみに依存し、具体的な実装は
// コンポジションルート（internal/app）で注入される。
package gateway

import (
	"context"
	"errors"
	"io"
	"time"
)

// ゲートウェイ実装が返すセンチネルエラー。
var (
	// ErrNotFound は対象ドキュメントが存在しないことを示す。
	ErrNotFound = errors.New("document not found")
	// ErrAlreadyExists は作成対象のドキュメントが既に存在することを示す。
	ErrAlreadyExists = errors.New("document already exists")
	// ErrInvalidCredentials は認証情報が拒否されたことを示す。
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmailInUse はサインアップ時にメールアドレスが使用済みであることを示す。
	ErrEmailInUse = errors.New("email already in use")
	// ErrNoSession は認証済みセッションがないことを示す。
	ErrNoSession = errors.New("no active session")
)

// AuthUser は認証サービス側のユーザーを表す。
type AuthUser struct {
	UID         string
	Email       string
	DisplayName string
	PhotoURL    string
	Phone       string
	Provider    string // "password", "google" 等
	CreatedAt   time.Time
}

// Registration はリスナー登録のハンドル。
// Remove は冪等で、複数回呼んでも安全である。Removeが戻った後にコールバックは呼ばれない。
type Registration interface {
	Remove()
}

// RegistrationFunc は関数をRegistrationとして扱うアダプタ。
type RegistrationFunc func()

// Remove はRegistrationインターフェースを実装する。
func (f RegistrationFunc) Remove() { f() }

// AuthStateFunc は認証状態の変化を受け取るコールバック。
// サインアウト時はnilが渡される。
type AuthStateFunc func(user *AuthUser)

// Auth は認証サービスの契約。
type Auth interface {
	// SignUp はメールアドレスとパスワードで新しいユーザーを作成し、サインイン状態にする。
	SignUp(ctx context.Context, email, password string) (*AuthUser, error)
	// SignIn はメールアドレスとパスワードで認証する。拒否時はErrInvalidCredentialsを返す。
	SignIn(ctx context.Context, email, password string) (*AuthUser, error)
	// SignInWithFederatedToken は外部IdPのトークンをセッションに交換する。
	SignInWithFederatedToken(ctx context.Context, token string) (*AuthUser, error)
	// SignOut は現在のセッションを破棄する。
	SignOut(ctx context.Context) error
	// CurrentUser は現在のユーザーを返す。未ログインの場合はnil。
	CurrentUser() *AuthUser
	// OnAuthStateChanged は認証状態の変化を購読する。登録直後に現在の状態で1回呼ばれる。
	OnAuthStateChanged(fn AuthStateFunc) Registration
}

// Document はドキュメントストア上の1件のドキュメント。
type Document struct {
	ID   string
	Data map[string]any
}

// Operator はクエリのフィルタ演算子。
type Operator string

const (
	OpEqual          Operator = "=="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpArrayContains  Operator = "array-contains"
)

// Filter はクエリの絞り込み条件。
type Filter struct {
	Field string
	Op    Operator
	Value any
}

// Direction は並び順。
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// Query はコレクションに対する範囲クエリ。
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Direction  Direction
	Limit      int // 0は無制限
}

// Where はフィルタを追加したクエリのコピーを返す。
func (q Query) Where(field string, op Operator, value any) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// PrefixUpperBound は前方一致の範囲クエリで上限に使う文字列を返す。
// prefix <= v <= PrefixUpperBound(prefix) が prefix で始まる文字列をすべて含む。
func PrefixUpperBound(prefix string) string {
	return prefix + "\uf8ff"
}

// SnapshotFunc は単一ドキュメントのスナップショットを受け取るコールバック。
// ドキュメントが存在しない場合はdocがnilになる。
type SnapshotFunc func(doc *Document, err error)

// QuerySnapshotFunc はクエリ結果のスナップショットを受け取るコールバック。
type QuerySnapshotFunc func(docs []Document, err error)

// Batch は複数ドキュメントへのアトミックな更新。
type Batch interface {
	// Update はフィールドの部分更新を追加する。
	Update(collection, id string, fields map[string]any) Batch
	// Commit はすべての更新をアトミックに適用する。1件でも失敗した場合は何も適用しない。
	Commit(ctx context.Context) error
}

// DocumentStore はドキュメントストアの契約。
type DocumentStore interface {
	// Get はドキュメントを取得する。存在しない場合はErrNotFoundを返す。
	Get(ctx context.Context, collection, id string) (*Document, error)
	// Set はドキュメントを書き込む。mergeがtrueの場合は既存フィールドを保持する。
	Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error
	// Create はドキュメントを新規作成する。既に存在する場合はErrAlreadyExistsを返す。
	Create(ctx context.Context, collection, id string, data map[string]any) error
	// Add は新しいIDでドキュメントを作成し、そのIDを返す。
	Add(ctx context.Context, collection string, data map[string]any) (string, error)
	// Update は既存ドキュメントのフィールドを部分更新する。存在しない場合はErrNotFoundを返す。
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	// Delete はドキュメントを削除する。存在しない場合はErrNotFoundを返す。
	Delete(ctx context.Context, collection, id string) error
	// Query は範囲クエリを実行する。
	Query(ctx context.Context, q Query) ([]Document, error)
	// Listen は単一ドキュメントのライブ購読を開始する。登録直後に現在の状態で1回呼ばれる。
	Listen(ctx context.Context, collection, id string, fn SnapshotFunc) (Registration, error)
	// ListenQuery はクエリ結果のライブ購読を開始する。登録直後に現在の結果で1回呼ばれる。
	ListenQuery(ctx context.Context, q Query, fn QuerySnapshotFunc) (Registration, error)
	// Batch は新しいバッチ更新を開始する。
	Batch() Batch
}

// UploadCallbacks はメディアアップロードの進捗コールバック。
// いずれも省略可能。
type UploadCallbacks struct {
	OnStart      func()
	OnProgress   func(sent, total int64)
	OnReschedule func(attempt int, reason error)
	OnSuccess    func(url string)
	OnError      func(message string)
}

// MediaUploader は署名なしメディアアップロードの契約。
type MediaUploader interface {
	// Upload はファイルをフォルダ単位のバケットにアップロードし、公開URLを返す。
	Upload(ctx context.Context, filename string, r io.Reader, cb UploadCallbacks) (string, error)
}

// CredentialStore はローカルに保存した外部IdPの資格情報の契約。
type CredentialStore interface {
	// Save は資格情報を保存する。
	Save(ctx context.Context, provider, token string) error
	// Clear は保存済みの資格情報を消去する。保存されていない場合も成功する。
	Clear(ctx context.Context) error
}
