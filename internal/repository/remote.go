package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/worknest/internal/gateway"
	"github.com/hitoshi/worknest/internal/metrics"
	"github.com/hitoshi/worknest/internal/model"
)

// Options はリポジトリ共通の依存。
type Options struct {
	Metrics metrics.MetricsCollector
	Logger  *slog.Logger
	// Now はタイムスタンプの取得に使う。nilの場合はtime.Now。
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Metrics == nil {
		o.Metrics = metrics.Discard{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// remote はゲートウェイ呼び出しの計測とエラー変換を行う。
type remote struct {
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time
}

func newRemote(opts Options) *remote {
	opts = opts.withDefaults()
	return &remote{metrics: opts.Metrics, logger: opts.Logger, now: opts.Now}
}

// call はゲートウェイ呼び出しを1回だけ実行し、結果を記録する。リトライはしない。
func (r *remote) call(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
	}
	r.metrics.RecordRemoteCall(op, outcome, time.Since(start))
	return err
}

// timestamp はドキュメントに書き込む現在時刻を返す。
// 文字列比較で順序が保たれるよう、UTCの秒精度に揃える。
func (r *remote) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Second)
}

// translate はゲートウェイのエラーをドメインエラーに変換する。
// kindとidはNotFound/AlreadyExistsのメッセージに使う。
func translate(op, kind, id string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		return model.NewNotFoundError(kind, id)
	case errors.Is(err, gateway.ErrAlreadyExists), errors.Is(err, gateway.ErrEmailInUse):
		return model.NewAlreadyExistsError(kind, id)
	case errors.Is(err, gateway.ErrInvalidCredentials):
		return model.NewAuthError(err)
	case errors.Is(err, gateway.ErrNoSession):
		return model.NewNotLoggedInError()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return model.NewTransientRemoteError(op, err)
	}
}

// currentUID は認証済みユーザーのIDを返す。未ログインの場合はNotLoggedInエラー。
func currentUID(auth gateway.Auth) (string, error) {
	user := auth.CurrentUser()
	if user == nil || user.UID == "" {
		return "", model.NewNotLoggedInError()
	}
	return user.UID, nil
}

// コレクション名
const (
	collectionUsers         = "users"
	collectionFriendships   = "friendships"
	collectionConversations = "conversations"
)

func notificationsCollection(uid string) string { return "users/" + uid + "/notifications" }
func notesCollection(uid string) string         { return "users/" + uid + "/notes" }
func notelistsCollection(uid string) string     { return "users/" + uid + "/notelists" }
func messagesCollection(conversationID string) string {
	return collectionConversations + "/" + conversationID + "/messages"
}
