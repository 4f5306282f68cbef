package repository

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/worknest/internal/gateway"
	"github.com/hitoshi/worknest/internal/model"
	"github.com/hitoshi/worknest/internal/observable"
	"github.com/hitoshi/worknest/internal/validation"
	"github.com/jellydator/ttlcache/v3"
)

// Notifier はユーザー宛ての通知を作成する。
type Notifier interface {
	Notify(ctx context.Context, uid, title, message string) error
}

// UserRepository は他ユーザーのプロフィールと友達関係をキャッシュする。
type UserRepository struct {
	auth     gateway.Auth
	store    gateway.DocumentStore
	notifier Notifier
	remote   *remote
	logger   *slog.Logger

	users       *ttlcache.Cache[string, model.Profile]
	friendships *observable.Value[[]model.Friendship]
}

// NewUserRepository はUserRepositoryを生成する。
// userTTLが0以下の場合、キャッシュしたユーザーは期限切れにならない。
// notifierがnilの場合、友達リクエストの通知は作成しない。
func NewUserRepository(auth gateway.Auth, store gateway.DocumentStore, notifier Notifier, userTTL time.Duration, opts Options) *UserRepository {
	opts = opts.withDefaults()
	if userTTL < 0 {
		userTTL = 0
	}
	return &UserRepository{
		auth:     auth,
		store:    store,
		notifier: notifier,
		remote:   newRemote(opts),
		logger:   opts.Logger,
		users: ttlcache.New(
			ttlcache.WithTTL[string, model.Profile](userTTL),
			ttlcache.WithDisableTouchOnHit[string, model.Profile](),
		),
		friendships: observable.New[[]model.Friendship](nil),
	}
}

// Name はメトリクスとログで使うリポジトリ名を返す。
func (r *UserRepository) Name() string { return "user" }

// GetUser はキャッシュ済みのユーザーを返す。キャッシュにない場合はリモートから取得する。
func (r *UserRepository) GetUser(ctx context.Context, id string) (*model.Profile, error) {
	if _, err := currentUID(r.auth); err != nil {
		return nil, err
	}
	if item := r.users.Get(id); item != nil {
		p := item.Value()
		return &p, nil
	}
	return r.RefreshUser(ctx, id)
}

// RefreshUser はユーザーをリモートから取得してキャッシュを更新する。
func (r *UserRepository) RefreshUser(ctx context.Context, id string) (*model.Profile, error) {
	if _, err := currentUID(r.auth); err != nil {
		return nil, err
	}
	if validation.IsBlank(id) {
		return nil, model.NewValidationError("id", "ユーザーIDが空です")
	}

	var doc *gateway.Document
	err := r.remote.call("users.get", func() error {
		var err error
		doc, err = r.store.Get(ctx, collectionUsers, id)
		return err
	})
	if err != nil {
		return nil, translate("users.get", "ユーザー", id, err)
	}

	var p model.Profile
	if err := gateway.Decode(*doc, &p); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	r.users.Set(p.ID, p, ttlcache.DefaultTTL)
	return &p, nil
}

// FindUsers はメールアドレスの前方一致でユーザーを検索する。
// 結果はメールアドレスの昇順で、呼び出し元自身は含まない。
func (r *UserRepository) FindUsers(ctx context.Context, query string) ([]model.Profile, error) {
	uid, err := currentUID(r.auth)
	if err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return []model.Profile{}, nil
	}

	q := gateway.Query{Collection: collectionUsers, OrderBy: "email"}.
		Where("email", gateway.OpGreaterOrEqual, query).
		Where("email", gateway.OpLessOrEqual, gateway.PrefixUpperBound(query))

	var docs []gateway.Document
	err = r.remote.call("users.query", func() error {
		var err error
		docs, err = r.store.Query(ctx, q)
		return err
	})
	if err != nil {
		return nil, translate("users.query", "ユーザー", query, err)
	}

	result := make([]model.Profile, 0, len(docs))
	for _, doc := range docs {
		if doc.ID == uid {
			continue
		}
		var p model.Profile
		if err := gateway.Decode(doc, &p); err != nil {
			r.logger.Warn("skipping undecodable user", slog.String("user_id", doc.ID), slog.String("error", err.Error()))
			continue
		}
		if p.ID == uid {
			continue
		}
		r.users.Set(p.ID, p, ttlcache.DefaultTTL)
		result = append(result, p)
	}
	return result, nil
}

// SendFriendRequest は受信者への承認待ちの友達関係を作成する。
// 同じ2人の間には1つの関係しか作られず、既存の場合はAlreadyExistsエラーを返す。
func (r *UserRepository) SendFriendRequest(ctx context.Context, receiverID string) (*model.Friendship, error) {
	uid, err := currentUID(r.auth)
	if err != nil {
		return nil, err
	}
	receiverID = strings.TrimSpace(receiverID)
	if receiverID == "" {
		return nil, model.NewValidationError("receiverId", "受信者が指定されていません")
	}
	if receiverID == uid {
		return nil, model.NewValidationError("receiverId", "自分自身にはリクエストできません")
	}

	now := r.remote.timestamp()
	f := model.Friendship{
		ID:         model.FriendshipID(uid, receiverID),
		SenderID:   uid,
		ReceiverID: receiverID,
		Status:     model.FriendshipPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	data, err := gateway.Encode(f)
	if err != nil {
		return nil, err
	}
	err = r.remote.call("friendships.create", func() error {
		return r.store.Create(ctx, collectionFriendships, f.ID, data)
	})
	if err != nil {
		return nil, translate("friendships.create", "友達関係", f.ID, err)
	}

	r.upsertFriendship(f)
	r.notifyFriendRequest(ctx, uid, receiverID)
	return &f, nil
}

// AcceptFriendRequest は受信した友達リクエストを承認する。
func (r *UserRepository) AcceptFriendRequest(ctx context.Context, id string) (*model.Friendship, error) {
	uid, err := currentUID(r.auth)
	if err != nil {
		return nil, err
	}

	f, err := r.fetchFriendship(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.ReceiverID != uid {
		return nil, model.NewValidationError("friendship", "受信したリクエストのみ承認できます")
	}
	if f.Status == model.FriendshipAccepted {
		r.upsertFriendship(*f)
		return f, nil
	}

	f.Status = model.FriendshipAccepted
	f.UpdatedAt = r.remote.timestamp()
	err = r.remote.call("friendships.update", func() error {
		return r.store.Update(ctx, collectionFriendships, id, map[string]any{
			"status":    string(f.Status),
			"updatedAt": f.UpdatedAt,
		})
	})
	if err != nil {
		return nil, translate("friendships.update", "友達関係", id, err)
	}

	r.upsertFriendship(*f)
	return f, nil
}

// DeleteFriendship は友達関係を削除する。どちらの当事者も削除できる。
// リモートでの削除に失敗した場合、キャッシュは変更しない。
func (r *UserRepository) DeleteFriendship(ctx context.Context, id string) error {
	uid, err := currentUID(r.auth)
	if err != nil {
		return err
	}

	f, err := r.fetchFriendship(ctx, id)
	if err != nil {
		return err
	}
	if !f.Involves(uid) {
		return model.NewNotFoundError("友達関係", id)
	}

	err = r.remote.call("friendships.delete", func() error {
		return r.store.Delete(ctx, collectionFriendships, id)
	})
	if err != nil {
		return translate("friendships.delete", "友達関係", id, err)
	}

	r.friendships.Update(func(list []model.Friendship) []model.Friendship {
		next := make([]model.Friendship, 0, len(list))
		for _, existing := range list {
			if existing.ID != id {
				next = append(next, existing)
			}
		}
		return next
	})
	return nil
}

// RefreshFriendships は送信・受信した友達関係をリモートから取得してキャッシュを置き換える。
func (r *UserRepository) RefreshFriendships(ctx context.Context) ([]model.Friendship, error) {
	uid, err := currentUID(r.auth)
	if err != nil {
		return nil, err
	}

	base := gateway.Query{Collection: collectionFriendships}
	var all []gateway.Document
	for _, field := range []string{"senderId", "receiverId"} {
		var docs []gateway.Document
		err := r.remote.call("friendships.query", func() error {
			var err error
			docs, err = r.store.Query(ctx, base.Where(field, gateway.OpEqual, uid))
			return err
		})
		if err != nil {
			return nil, translate("friendships.query", "友達関係", uid, err)
		}
		all = append(all, docs...)
	}

	byID := make(map[string]model.Friendship, len(all))
	for _, doc := range all {
		var f model.Friendship
		if err := gateway.Decode(doc, &f); err != nil {
			r.logger.Warn("skipping undecodable friendship", slog.String("friendship_id", doc.ID), slog.String("error", err.Error()))
			continue
		}
		byID[f.ID] = f
	}
	list := make([]model.Friendship, 0, len(byID))
	for _, f := range byID {
		list = append(list, f)
	}
	sortFriendships(list)

	r.friendships.Set(list)
	return cloneFriendships(list), nil
}

// Friendships はキャッシュ中の友達関係を返す。
func (r *UserRepository) Friendships() []model.Friendship {
	return cloneFriendships(r.friendships.Get())
}

// CachedUsers はキャッシュ中のユーザー数を返す。
func (r *UserRepository) CachedUsers() int {
	return r.users.Len()
}

// ClearCache はユーザーと友達関係のキャッシュを消去する。
func (r *UserRepository) ClearCache() {
	r.users.DeleteAll()
	r.friendships.Set(nil)
}

func (r *UserRepository) fetchFriendship(ctx context.Context, id string) (*model.Friendship, error) {
	if validation.IsBlank(id) {
		return nil, model.NewValidationError("id", "友達関係IDが空です")
	}
	var doc *gateway.Document
	err := r.remote.call("friendships.get", func() error {
		var err error
		doc, err = r.store.Get(ctx, collectionFriendships, id)
		return err
	})
	if err != nil {
		return nil, translate("friendships.get", "友達関係", id, err)
	}
	var f model.Friendship
	if err := gateway.Decode(*doc, &f); err != nil {
		return nil, fmt.Errorf("failed to decode friendship: %w", err)
	}
	return &f, nil
}

func (r *UserRepository) upsertFriendship(f model.Friendship) {
	r.friendships.Update(func(list []model.Friendship) []model.Friendship {
		next := make([]model.Friendship, 0, len(list)+1)
		for _, existing := range list {
			if existing.ID != f.ID {
				next = append(next, existing)
			}
		}
		next = append(next, f)
		sortFriendships(next)
		return next
	})
}

// notifyFriendRequest は受信者に通知を作成する。失敗してもリクエストは成立している。
func (r *UserRepository) notifyFriendRequest(ctx context.Context, senderID, receiverID string) {
	if r.notifier == nil {
		return
	}
	sender := senderID
	if p, err := r.GetUser(ctx, senderID); err == nil && p.Name != "" {
		sender = p.Name
	}
	message := sender + "さんから友達リクエストが届きました。"
	if err := r.notifier.Notify(ctx, receiverID, "友達リクエスト", message); err != nil {
		r.logger.Warn("failed to notify friend request",
			slog.String("receiver_id", receiverID),
			slog.String("error", err.Error()),
		)
	}
}

func sortFriendships(list []model.Friendship) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func cloneFriendships(list []model.Friendship) []model.Friendship {
	out := make([]model.Friendship, len(list))
	copy(out, list)
	return out
}
