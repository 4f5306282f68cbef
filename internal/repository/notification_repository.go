package repository

import (
	"context"
	"log/slog"

	"github.com/hitoshi/worknest/internal/gateway"
	"github.com/hitoshi/worknest/internal/model"
	"github.com/hitoshi/worknest/internal/observable"
	"github.com/hitoshi/worknest/internal/security"
	"github.com/hitoshi/worknest/internal/validation"
)

// NotificationRepository はサインイン中ユーザーの通知一覧をキャッシュする。
// 通知は users/{uid}/notifications に保存され、必要なときに取得する。
type NotificationRepository struct {
	auth      gateway.Auth
	store     gateway.DocumentStore
	sanitizer security.TextSanitizer
	remote    *remote
	logger    *slog.Logger

	notifications *observable.Value[[]model.Notification]
}

// NewNotificationRepository はNotificationRepositoryを生成する。
func NewNotificationRepository(auth gateway.Auth, store gateway.DocumentStore, sanitizer security.TextSanitizer, opts Options) *NotificationRepository {
	opts = opts.withDefaults()
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer()
	}
	return &NotificationRepository{
		auth:          auth,
		store:         store,
		sanitizer:     sanitizer,
		remote:        newRemote(opts),
		logger:        opts.Logger,
		notifications: observable.New[[]model.Notification](nil),
	}
}

// Name はメトリクスとログで使うリポジトリ名を返す。
func (r *NotificationRepository) Name() string { return "notification" }

// Refresh は通知一覧をリモートから取得し、キャッシュ全体を置き換える。新しい順。
func (r *NotificationRepository) Refresh(ctx context.Context) ([]model.Notification, error) {
	uid, err := currentUID(r.auth)
	if err != nil {
		return nil, err
	}

	q := gateway.Query{
		Collection: notificationsCollection(uid),
		OrderBy:    "createdAt",
		Direction:  gateway.Descending,
	}
	var docs []gateway.Document
	err = r.remote.call("notifications.query", func() error {
		var err error
		docs, err = r.store.Query(ctx, q)
		return err
	})
	if err != nil {
		return nil, translate("notifications.query", "通知", uid, err)
	}

	list := make([]model.Notification, 0, len(docs))
	for _, doc := range docs {
		var n model.Notification
		if err := gateway.Decode(doc, &n); err != nil {
			r.logger.Warn("skipping undecodable notification", slog.String("notification_id", doc.ID), slog.String("error", err.Error()))
			continue
		}
		list = append(list, n)
	}

	r.notifications.Set(list)
	return cloneNotifications(list), nil
}

// MarkRead は通知を既読にする。リモート更新の成功後にキャッシュを更新する。
func (r *NotificationRepository) MarkRead(ctx context.Context, id string) error {
	uid, err := currentUID(r.auth)
	if err != nil {
		return err
	}
	if validation.IsBlank(id) {
		return model.NewValidationError("id", "通知IDが空です")
	}

	err = r.remote.call("notifications.update", func() error {
		return r.store.Update(ctx, notificationsCollection(uid), id, map[string]any{"read": true})
	})
	if err != nil {
		return translate("notifications.update", "通知", id, err)
	}

	r.patch(func(n *model.Notification) {
		if n.ID == id {
			n.Read = true
		}
	})
	return nil
}

// MarkAllRead はキャッシュ中の全通知を1回のバッチ更新で既読にする。
// 冪等で、対象がない場合はリモートを呼ばない。
func (r *NotificationRepository) MarkAllRead(ctx context.Context) error {
	uid, err := currentUID(r.auth)
	if err != nil {
		return err
	}

	list := r.notifications.Get()
	if len(list) == 0 {
		return nil
	}

	coll := notificationsCollection(uid)
	batch := r.store.Batch()
	for _, n := range list {
		batch = batch.Update(coll, n.ID, map[string]any{"read": true})
	}
	err = r.remote.call("notifications.batch", func() error {
		return batch.Commit(ctx)
	})
	if err != nil {
		return translate("notifications.batch", "通知", uid, err)
	}

	r.patch(func(n *model.Notification) { n.Read = true })
	return nil
}

// Delete は通知を削除する。
// リモートの結果にかかわらずキャッシュからは取り除き、リモートのエラーは返す。
func (r *NotificationRepository) Delete(ctx context.Context, id string) error {
	uid, err := currentUID(r.auth)
	if err != nil {
		return err
	}
	if validation.IsBlank(id) {
		return model.NewValidationError("id", "通知IDが空です")
	}

	err = r.remote.call("notifications.delete", func() error {
		return r.store.Delete(ctx, notificationsCollection(uid), id)
	})

	r.notifications.Update(func(list []model.Notification) []model.Notification {
		next := make([]model.Notification, 0, len(list))
		for _, n := range list {
			if n.ID != id {
				next = append(next, n)
			}
		}
		return next
	})

	return translate("notifications.delete", "通知", id, err)
}

// Notify は指定ユーザー宛ての通知を作成する。
// 宛先がサインイン中のユーザーの場合はキャッシュの先頭にも追加する。
func (r *NotificationRepository) Notify(ctx context.Context, uid, title, message string) error {
	if _, err := currentUID(r.auth); err != nil {
		return err
	}
	title = r.sanitizer.Text(title)
	message = r.sanitizer.Text(message)
	if validation.IsBlank(uid) {
		return model.NewValidationError("uid", "宛先が空です")
	}
	if validation.IsBlank(title) {
		return model.NewValidationError("title", "タイトルが空です")
	}

	n := model.Notification{
		Title:     title,
		Message:   message,
		Read:      false,
		CreatedAt: r.remote.timestamp(),
	}
	data, err := gateway.Encode(n)
	if err != nil {
		return err
	}
	delete(data, "id")

	var id string
	err = r.remote.call("notifications.add", func() error {
		var err error
		id, err = r.store.Add(ctx, notificationsCollection(uid), data)
		return err
	})
	if err != nil {
		return translate("notifications.add", "通知", uid, err)
	}

	if self, _ := currentUID(r.auth); self == uid {
		n.ID = id
		r.notifications.Update(func(list []model.Notification) []model.Notification {
			return append([]model.Notification{n}, list...)
		})
	}
	return nil
}

// Notifications はキャッシュ中の通知一覧を返す。
func (r *NotificationRepository) Notifications() []model.Notification {
	return cloneNotifications(r.notifications.Get())
}

// UnreadCount はキャッシュ中の未読通知数を返す。
func (r *NotificationRepository) UnreadCount() int {
	count := 0
	for _, n := range r.notifications.Get() {
		if !n.Read {
			count++
		}
	}
	return count
}

// ClearCache は通知のキャッシュを消去する。
func (r *NotificationRepository) ClearCache() {
	r.notifications.Set(nil)
}

func (r *NotificationRepository) patch(fn func(n *model.Notification)) {
	r.notifications.Update(func(list []model.Notification) []model.Notification {
		next := cloneNotifications(list)
		for i := range next {
			fn(&next[i])
		}
		return next
	})
}

func cloneNotifications(list []model.Notification) []model.Notification {
	out := make([]model.Notification, len(list))
	copy(out, list)
	return out
}
