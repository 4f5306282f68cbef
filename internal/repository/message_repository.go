package repository

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/hitoshi/worknest/internal/gateway"
	"github.com/hitoshi/worknest/internal/model"
	"github.com/hitoshi/worknest/internal/observable"
	"github.com/hitoshi/worknest/internal/security"
	"github.com/hitoshi/worknest/internal/validation"
)

// maxMessageLength はメッセージ本文の最大文字数。
const maxMessageLength = 4000

// openConversation は購読中の会話とそのメッセージ。
type openConversation struct {
	id       string
	messages []model.Message
}

// MessageRepository は会話一覧と、開いている1つの会話のメッセージをキャッシュする。
// 開いている会話のメッセージはライブ購読で同期する。
type MessageRepository struct {
	auth      gateway.Auth
	store     gateway.DocumentStore
	sanitizer security.TextSanitizer
	remote    *remote
	logger    *slog.Logger

	conversations *observable.Value[[]model.Conversation]
	open          *observable.Value[openConversation]
	slot          *listenerSlot
}

// NewMessageRepository はMessageRepositoryを生成する。
func NewMessageRepository(auth gateway.Auth, store gateway.DocumentStore, sanitizer security.TextSanitizer, opts Options) *MessageRepository {
	opts = opts.withDefaults()
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer()
	}
	return &MessageRepository{
		auth:          auth,
		store:         store,
		sanitizer:     sanitizer,
		remote:        newRemote(opts),
		logger:        opts.Logger,
		conversations: observable.New[[]model.Conversation](nil),
		open:          observable.New(openConversation{}),
		slot:          newListenerSlot("messages", opts.Metrics),
	}
}

// Name はメトリクスとログで使うリポジトリ名を返す。
func (r *MessageRepository) Name() string { return "message" }

// RefreshConversations は参加中の会話を取得してキャッシュを置き換える。最新のメッセージ順。
func (r *MessageRepository) RefreshConversations(ctx context.Context) ([]model.Conversation, error) {
	uid, err := currentUID(r.auth)
	if err != nil {
		return nil, err
	}

	q := gateway.Query{
		Collection: collectionConversations,
		OrderBy:    "lastMessageAt",
		Direction:  gateway.Descending,
	}.Where("members", gateway.OpArrayContains, uid)

	var docs []gateway.Document
	err = r.remote.call("conversations.query", func() error {
		var err error
		docs, err = r.store.Query(ctx, q)
		return err
	})
	if err != nil {
		return nil, translate("conversations.query", "会話", uid, err)
	}

	list := make([]model.Conversation, 0, len(docs))
	for _, doc := range docs {
		var c model.Conversation
		if err := gateway.Decode(doc, &c); err != nil {
			r.logger.Warn("skipping undecodable conversation", slog.String("conversation_id", doc.ID), slog.String("error", err.Error()))
			continue
		}
		list = append(list, c)
	}
	r.conversations.Set(list)
	return cloneConversations(list), nil
}

// Conversations はキャッシュ中の会話一覧を返す。
func (r *MessageRepository) Conversations() []model.Conversation {
	return cloneConversations(r.conversations.Get())
}

// StartConversation は相手ユーザーとの会話を作成する。
func (r *MessageRepository) StartConversation(ctx context.Context, memberIDs []string, title string) (*model.Conversation, error) {
	uid, err := currentUID(r.auth)
	if err != nil {
		return nil, err
	}

	members := []string{uid}
	seen := map[string]bool{uid: true}
	for _, id := range memberIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}
	if len(members) < 2 {
		return nil, model.NewValidationError("members", "相手を1人以上指定してください")
	}

	now := r.remote.timestamp()
	c := model.Conversation{
		Members:       members,
		Title:         r.sanitizer.Text(title),
		LastMessageAt: now,
		CreatedAt:     now,
	}
	data, err := gateway.Encode(c)
	if err != nil {
		return nil, err
	}
	delete(data, "id")

	err = r.remote.call("conversations.add", func() error {
		var err error
		c.ID, err = r.store.Add(ctx, collectionConversations, data)
		return err
	})
	if err != nil {
		return nil, translate("conversations.add", "会話", uid, err)
	}

	r.upsertConversation(c)
	return &c, nil
}

// LoadMessages は会話のメッセージのライブ購読を開始し、現在のメッセージを返す。
// 別の会話を購読中の場合、その購読は解除される。
func (r *MessageRepository) LoadMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	uid, err := currentUID(r.auth)
	if err != nil {
		return nil, err
	}
	if _, err := r.fetchConversation(ctx, uid, conversationID); err != nil {
		return nil, err
	}

	q := gateway.Query{
		Collection: messagesCollection(conversationID),
		OrderBy:    "createdAt",
	}
	err = r.slot.replace(func(generation uint64) (gateway.Registration, error) {
		r.slot.deliver(generation, func() { r.open.Set(openConversation{id: conversationID}) })
		return r.store.ListenQuery(ctx, q, func(docs []gateway.Document, err error) {
			if err != nil {
				r.logger.Warn("messages snapshot error", slog.String("conversation_id", conversationID), slog.String("error", err.Error()))
				return
			}
			messages := make([]model.Message, 0, len(docs))
			for _, doc := range docs {
				var m model.Message
				if err := gateway.Decode(doc, &m); err != nil {
					continue
				}
				messages = append(messages, m)
			}
			r.slot.deliver(generation, func() {
				r.open.Set(openConversation{id: conversationID, messages: messages})
			})
		})
	})
	if err != nil {
		return nil, translate("messages.listen", "メッセージ", conversationID, err)
	}
	return r.Messages(conversationID), nil
}

// Messages は購読中の会話のメッセージを返す。その会話を開いていない場合はnil。
func (r *MessageRepository) Messages(conversationID string) []model.Message {
	open := r.open.Get()
	if open.id != conversationID {
		return nil
	}
	out := make([]model.Message, len(open.messages))
	copy(out, open.messages)
	return out
}

// SendMessage は会話にメッセージを送信し、会話の最終メッセージを更新する。
func (r *MessageRepository) SendMessage(ctx context.Context, conversationID, content string) (*model.Message, error) {
	uid, err := currentUID(r.auth)
	if err != nil {
		return nil, err
	}
	content = r.sanitizer.Text(content)
	if validation.IsBlank(content) {
		return nil, model.NewValidationError("content", "メッセージが空です")
	}
	if len([]rune(content)) > maxMessageLength {
		return nil, model.NewValidationError("content", fmt.Sprintf("%d文字以内で入力してください", maxMessageLength))
	}
	conv, err := r.fetchConversation(ctx, uid, conversationID)
	if err != nil {
		return nil, err
	}

	m := model.Message{
		ConversationID: conversationID,
		SenderID:       uid,
		Content:        content,
		CreatedAt:      r.remote.timestamp(),
	}
	data, err := gateway.Encode(m)
	if err != nil {
		return nil, err
	}
	delete(data, "id")

	err = r.remote.call("messages.add", func() error {
		var err error
		m.ID, err = r.store.Add(ctx, messagesCollection(conversationID), data)
		return err
	})
	if err != nil {
		return nil, translate("messages.add", "メッセージ", conversationID, err)
	}

	err = r.remote.call("conversations.update", func() error {
		return r.store.Update(ctx, collectionConversations, conversationID, map[string]any{
			"lastMessage":   content,
			"lastMessageAt": m.CreatedAt,
		})
	})
	if err != nil {
		r.logger.Warn("failed to update conversation summary",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
	} else {
		conv.LastMessage = content
		conv.LastMessageAt = m.CreatedAt
		r.upsertConversation(*conv)
	}

	return &m, nil
}

// ActiveSubscriptions は登録中のメッセージ購読数を返す。
func (r *MessageRepository) ActiveSubscriptions() int {
	return r.slot.active()
}

// ClearCache は購読を解除し、会話とメッセージのキャッシュを消去する。
func (r *MessageRepository) ClearCache() {
	r.slot.detach()
	r.conversations.Set(nil)
	r.open.Set(openConversation{})
}

// fetchConversation は会話を取得し、uidが参加者であることを確認する。
// 参加していない会話はNotFoundとして扱う。
func (r *MessageRepository) fetchConversation(ctx context.Context, uid, id string) (*model.Conversation, error) {
	if validation.IsBlank(id) {
		return nil, model.NewValidationError("conversationId", "会話IDが空です")
	}
	var doc *gateway.Document
	err := r.remote.call("conversations.get", func() error {
		var err error
		doc, err = r.store.Get(ctx, collectionConversations, id)
		return err
	})
	if err != nil {
		return nil, translate("conversations.get", "会話", id, err)
	}
	var c model.Conversation
	if err := gateway.Decode(*doc, &c); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	if !c.HasMember(uid) {
		return nil, model.NewNotFoundError("会話", id)
	}
	return &c, nil
}

func (r *MessageRepository) upsertConversation(c model.Conversation) {
	r.conversations.Update(func(list []model.Conversation) []model.Conversation {
		next := make([]model.Conversation, 0, len(list)+1)
		for _, existing := range list {
			if existing.ID != c.ID {
				next = append(next, existing)
			}
		}
		next = append(next, c)
		sort.SliceStable(next, func(i, j int) bool {
			return next[i].LastMessageAt.After(next[j].LastMessageAt)
		})
		return next
	})
}

func cloneConversations(list []model.Conversation) []model.Conversation {
	out := make([]model.Conversation, len(list))
	copy(out, list)
	return out
}
