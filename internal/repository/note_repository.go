package repository

import (
	"context"
	"log/slog"
	"sort"

	"github.com/hitoshi/worknest/internal/gateway"
	"github.com/hitoshi/worknest/internal/model"
	"github.com/hitoshi/worknest/internal/observable"
	"github.com/hitoshi/worknest/internal/security"
	"github.com/hitoshi/worknest/internal/validation"
)

// NoteRepository はサインイン中ユーザーのメモとメモリストをキャッシュする。
// キャッシュはリモートで確定した状態だけを反映する。
type NoteRepository struct {
	auth      gateway.Auth
	store     gateway.DocumentStore
	sanitizer security.TextSanitizer
	remote    *remote
	logger    *slog.Logger

	notes     *observable.Value[[]model.Note]
	notelists *observable.Value[[]model.Notelist]
}

// NewNoteRepository はNoteRepositoryを生成する。
func NewNoteRepository(auth gateway.Auth, store gateway.DocumentStore, sanitizer security.TextSanitizer, opts Options) *NoteRepository {
	opts = opts.withDefaults()
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer()
	}
	return &NoteRepository{
		auth:      auth,
		store:     store,
		sanitizer: sanitizer,
		remote:    newRemote(opts),
		logger:    opts.Logger,
		notes:     observable.New[[]model.Note](nil),
		notelists: observable.New[[]model.Notelist](nil),
	}
}

// Name はメトリクスとログで使うリポジトリ名を返す。
func (r *NoteRepository) Name() string { return "note" }

// Refresh はメモとメモリストを取得してキャッシュを置き換える。
func (r *NoteRepository) Refresh(ctx context.Context) error {
	uid, err := currentUID(r.auth)
	if err != nil {
		return err
	}

	var noteDocs, listDocs []gateway.Document
	err = r.remote.call("notes.query", func() error {
		var err error
		noteDocs, err = r.store.Query(ctx, gateway.Query{
			Collection: notesCollection(uid),
			OrderBy:    "updatedAt",
			Direction:  gateway.Descending,
		})
		return err
	})
	if err != nil {
		return translate("notes.query", "メモ", uid, err)
	}
	err = r.remote.call("notelists.query", func() error {
		var err error
		listDocs, err = r.store.Query(ctx, gateway.Query{
			Collection: notelistsCollection(uid),
			OrderBy:    "createdAt",
		})
		return err
	})
	if err != nil {
		return translate("notelists.query", "メモリスト", uid, err)
	}

	notes := make([]model.Note, 0, len(noteDocs))
	for _, doc := range noteDocs {
		var n model.Note
		if err := gateway.Decode(doc, &n); err != nil {
			r.logger.Warn("skipping undecodable note", slog.String("note_id", doc.ID), slog.String("error", err.Error()))
			continue
		}
		notes = append(notes, n)
	}
	lists := make([]model.Notelist, 0, len(listDocs))
	for _, doc := range listDocs {
		var l model.Notelist
		if err := gateway.Decode(doc, &l); err != nil {
			r.logger.Warn("skipping undecodable notelist", slog.String("notelist_id", doc.ID), slog.String("error", err.Error()))
			continue
		}
		lists = append(lists, l)
	}

	r.notes.Set(notes)
	r.notelists.Set(lists)
	return nil
}

// Notes はキャッシュ中のメモを更新日時の新しい順で返す。
func (r *NoteRepository) Notes() []model.Note {
	list := r.notes.Get()
	out := make([]model.Note, len(list))
	copy(out, list)
	return out
}

// Notelists はキャッシュ中のメモリストを返す。
func (r *NoteRepository) Notelists() []model.Notelist {
	list := r.notelists.Get()
	out := make([]model.Notelist, len(list))
	copy(out, list)
	return out
}

// CreateNotelist はメモリストを作成する。
func (r *NoteRepository) CreateNotelist(ctx context.Context, title string) (*model.Notelist, error) {
	uid, err := currentUID(r.auth)
	if err != nil {
		return nil, err
	}
	title = r.sanitizer.Text(title)
	if validation.IsBlank(title) {
		return nil, model.NewValidationError("title", "タイトルが空です")
	}

	now := r.remote.timestamp()
	l := model.Notelist{Title: title, CreatedAt: now, UpdatedAt: now}
	data, err := gateway.Encode(l)
	if err != nil {
		return nil, err
	}
	delete(data, "id")

	err = r.remote.call("notelists.add", func() error {
		var err error
		l.ID, err = r.store.Add(ctx, notelistsCollection(uid), data)
		return err
	})
	if err != nil {
		return nil, translate("notelists.add", "メモリスト", uid, err)
	}

	r.notelists.Update(func(list []model.Notelist) []model.Notelist {
		next := make([]model.Notelist, 0, len(list)+1)
		next = append(next, list...)
		return append(next, l)
	})
	return &l, nil
}

// CreateNote はメモを作成する。notelistIDは空でもよい。
func (r *NoteRepository) CreateNote(ctx context.Context, notelistID, title, content string) (*model.Note, error) {
	uid, err := currentUID(r.auth)
	if err != nil {
		return nil, err
	}
	title = r.sanitizer.Text(title)
	content = r.sanitizer.Text(content)
	if validation.IsBlank(title) && validation.IsBlank(content) {
		return nil, model.NewValidationError("note", "タイトルか本文を入力してください")
	}

	now := r.remote.timestamp()
	n := model.Note{
		NotelistID: notelistID,
		Title:      title,
		Content:    content,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	data, err := gateway.Encode(n)
	if err != nil {
		return nil, err
	}
	delete(data, "id")

	err = r.remote.call("notes.add", func() error {
		var err error
		n.ID, err = r.store.Add(ctx, notesCollection(uid), data)
		return err
	})
	if err != nil {
		return nil, translate("notes.add", "メモ", uid, err)
	}

	r.upsertNote(n)
	return &n, nil
}

// UpdateNote はメモのタイトルと本文を更新する。
func (r *NoteRepository) UpdateNote(ctx context.Context, id, title, content string) (*model.Note, error) {
	uid, err := currentUID(r.auth)
	if err != nil {
		return nil, err
	}
	if validation.IsBlank(id) {
		return nil, model.NewValidationError("id", "メモIDが空です")
	}
	title = r.sanitizer.Text(title)
	content = r.sanitizer.Text(content)

	coll := notesCollection(uid)
	updatedAt := r.remote.timestamp()
	err = r.remote.call("notes.update", func() error {
		return r.store.Update(ctx, coll, id, map[string]any{
			"title":     title,
			"content":   content,
			"updatedAt": updatedAt,
		})
	})
	if err != nil {
		return nil, translate("notes.update", "メモ", id, err)
	}

	var doc *gateway.Document
	err = r.remote.call("notes.get", func() error {
		var err error
		doc, err = r.store.Get(ctx, coll, id)
		return err
	})
	if err != nil {
		return nil, translate("notes.get", "メモ", id, err)
	}
	var n model.Note
	if err := gateway.Decode(*doc, &n); err != nil {
		return nil, err
	}

	r.upsertNote(n)
	return &n, nil
}

// DeleteNote はメモを削除する。リモートでの削除に成功した場合のみキャッシュから取り除く。
func (r *NoteRepository) DeleteNote(ctx context.Context, id string) error {
	uid, err := currentUID(r.auth)
	if err != nil {
		return err
	}
	if validation.IsBlank(id) {
		return model.NewValidationError("id", "メモIDが空です")
	}

	err = r.remote.call("notes.delete", func() error {
		return r.store.Delete(ctx, notesCollection(uid), id)
	})
	if err != nil {
		return translate("notes.delete", "メモ", id, err)
	}

	r.notes.Update(func(list []model.Note) []model.Note {
		next := make([]model.Note, 0, len(list))
		for _, n := range list {
			if n.ID != id {
				next = append(next, n)
			}
		}
		return next
	})
	return nil
}

// ClearCache はメモとメモリストのキャッシュを消去する。
func (r *NoteRepository) ClearCache() {
	r.notes.Set(nil)
	r.notelists.Set(nil)
}

func (r *NoteRepository) upsertNote(n model.Note) {
	r.notes.Update(func(list []model.Note) []model.Note {
		next := make([]model.Note, 0, len(list)+1)
		for _, existing := range list {
			if existing.ID != n.ID {
				next = append(next, existing)
			}
		}
		next = append(next, n)
		sort.SliceStable(next, func(i, j int) bool {
			return next[i].UpdatedAt.After(next[j].UpdatedAt)
		})
		return next
	})
}
