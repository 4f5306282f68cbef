// Package postgres はPostgreSQLを使ったリモートゲートウェイの実装を提供する。
// ドキュメントはdocumentsテーブルのJSONB行として保存し、ライブ購読は
// トリガーが発行するNOTIFYをpq.Listenerで受けて配信する。
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/worknest/internal/gateway"
	"github.com/lib/pq"
)

// notifyChannel はdocumentsの変更通知チャネル。マイグレーションのトリガーと一致させる。
const notifyChannel = "worknest_documents"

const (
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
	listenerPingInterval = 90 * time.Second
)

type docListener struct {
	collection string
	id         string
	fn         gateway.SnapshotFunc
	gate       gateway.ListenerGate
}

type queryListener struct {
	query gateway.Query
	fn    gateway.QuerySnapshotFunc
	gate  gateway.ListenerGate
}

// changeEvent はNOTIFYのペイロード。
type changeEvent struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// Store はPostgreSQL上のドキュメントストア。
// ライブ購読の変更通知を受け取るにはStartを呼ぶ必要がある。
type Store struct {
	db     *sql.DB
	dsn    string
	logger *slog.Logger

	listenerMu     sync.Mutex
	nextListenerID int
	docListeners   map[int]*docListener
	queryListeners map[int]*queryListener

	runMu    sync.Mutex
	listener *pq.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewStore はStoreを生成する。dsnはLISTEN用の専用接続に使う。
func NewStore(db *sql.DB, dsn string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:             db,
		dsn:            dsn,
		logger:         logger,
		docListeners:   make(map[int]*docListener),
		queryListeners: make(map[int]*queryListener),
	}
}

// Start は変更通知の受信を開始する。Closeで停止する。
func (s *Store) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.listener != nil {
		return errors.New("document listener already started")
	}

	listener := pq.NewListener(s.dsn, minReconnectInterval, maxReconnectInterval, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Warn("document listener event", slog.Int("event", int(ev)), slog.String("error", err.Error()))
		}
	})
	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		return fmt.Errorf("failed to listen on %s: %w", notifyChannel, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.listener = listener
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx, listener, s.done)
	s.logger.Info("document listener started", slog.String("channel", notifyChannel))
	return nil
}

// Close は変更通知の受信を停止し、ゴルーチンの終了を待つ。
func (s *Store) Close() error {
	s.runMu.Lock()
	listener, cancel, done := s.listener, s.cancel, s.done
	s.listener, s.cancel, s.done = nil, nil, nil
	s.runMu.Unlock()

	if listener == nil {
		return nil
	}
	cancel()
	<-done
	if err := listener.Close(); err != nil {
		return fmt.Errorf("failed to close document listener: %w", err)
	}
	return nil
}

func (s *Store) run(ctx context.Context, listener *pq.Listener, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// 再接続後は取りこぼした変更があり得るため全購読を再配信する
				s.refreshAll(ctx)
				continue
			}
			var ev changeEvent
			if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
				s.logger.Warn("invalid document notification", slog.String("payload", n.Extra), slog.String("error", err.Error()))
				continue
			}
			s.dispatch(ctx, ev.Collection, ev.ID)
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				s.logger.Warn("document listener ping failed", slog.String("error", err.Error()))
			}
		}
	}
}

// dispatch は変更されたドキュメントとコレクションのリスナーに現在の状態を配信する。
func (s *Store) dispatch(ctx context.Context, collection, id string) {
	s.listenerMu.Lock()
	var docs []*docListener
	for _, l := range s.docListeners {
		if l.collection == collection && l.id == id {
			docs = append(docs, l)
		}
	}
	var queries []*queryListener
	for _, l := range s.queryListeners {
		if l.query.Collection == collection {
			queries = append(queries, l)
		}
	}
	s.listenerMu.Unlock()

	for _, l := range docs {
		s.deliverDoc(ctx, l)
	}
	for _, l := range queries {
		s.deliverQuery(ctx, l)
	}
}

func (s *Store) refreshAll(ctx context.Context) {
	s.listenerMu.Lock()
	docs := make([]*docListener, 0, len(s.docListeners))
	for _, l := range s.docListeners {
		docs = append(docs, l)
	}
	queries := make([]*queryListener, 0, len(s.queryListeners))
	for _, l := range s.queryListeners {
		queries = append(queries, l)
	}
	s.listenerMu.Unlock()

	for _, l := range docs {
		s.deliverDoc(ctx, l)
	}
	for _, l := range queries {
		s.deliverQuery(ctx, l)
	}
}

// deliverDoc は現在のドキュメントを読み直して配信する。
// 読み込み中にRemoveされたリスナーには配信しない。
func (s *Store) deliverDoc(ctx context.Context, l *docListener) {
	doc, err := s.Get(ctx, l.collection, l.id)
	if errors.Is(err, gateway.ErrNotFound) {
		doc, err = nil, nil
	}
	l.gate.Run(func() { l.fn(doc, err) })
}

func (s *Store) deliverQuery(ctx context.Context, l *queryListener) {
	docs, err := s.Query(ctx, l.query)
	l.gate.Run(func() { l.fn(docs, err) })
}

// ListenerCount は登録中のリスナー数を返す。
func (s *Store) ListenerCount() int {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	return len(s.docListeners) + len(s.queryListeners)
}

// Get はドキュメントを取得する。
func (s *Store) Get(ctx context.Context, collection, id string) (*gateway.Document, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", gateway.ErrNotFound, collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	data, err := decodeData(raw)
	if err != nil {
		return nil, err
	}
	return &gateway.Document{ID: id, Data: data}, nil
}

// Set はドキュメントを書き込む。mergeがtrueの場合は既存フィールドを保持する。
func (s *Store) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	raw, err := encodeData(data)
	if err != nil {
		return err
	}
	conflict := `data = EXCLUDED.data`
	if merge {
		conflict = `data = documents.data || EXCLUDED.data`
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3::jsonb)
		 ON CONFLICT (collection, id) DO UPDATE SET `+conflict+`, updated_at = now()`,
		collection, id, raw,
	)
	if err != nil {
		return fmt.Errorf("failed to set document: %w", err)
	}
	return nil
}

// Create はドキュメントを新規作成する。
func (s *Store) Create(ctx context.Context, collection, id string, data map[string]any) error {
	raw, err := encodeData(data)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3::jsonb)
		 ON CONFLICT (collection, id) DO NOTHING`,
		collection, id, raw,
	)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s/%s", gateway.ErrAlreadyExists, collection, id)
	}
	return nil
}

// Add は新しいIDでドキュメントを作成する。
func (s *Store) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := uuid.NewString()
	if err := s.Create(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

// Update は既存ドキュメントのフィールドを部分更新する。
func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return updateDocument(ctx, s.db, collection, id, fields)
}

// Delete はドキュメントを削除する。
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s/%s", gateway.ErrNotFound, collection, id)
	}
	return nil
}

// Query は範囲クエリを実行する。
func (s *Store) Query(ctx context.Context, q gateway.Query) ([]gateway.Document, error) {
	text, args, err := buildQuery(q)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	result := make([]gateway.Document, 0)
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		data, err := decodeData(raw)
		if err != nil {
			return nil, err
		}
		result = append(result, gateway.Document{ID: id, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return result, nil
}

// Listen は単一ドキュメントのライブ購読を開始する。登録直後に現在の状態を同期的に配信する。
func (s *Store) Listen(ctx context.Context, collection, id string, fn gateway.SnapshotFunc) (gateway.Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := &docListener{collection: collection, id: id, fn: fn}
	s.listenerMu.Lock()
	s.nextListenerID++
	lid := s.nextListenerID
	s.docListeners[lid] = l
	s.listenerMu.Unlock()

	s.deliverDoc(ctx, l)

	return s.registration(lid, &l.gate), nil
}

// ListenQuery はクエリ結果のライブ購読を開始する。登録直後に現在の結果を同期的に配信する。
func (s *Store) ListenQuery(ctx context.Context, q gateway.Query, fn gateway.QuerySnapshotFunc) (gateway.Registration, error) {
	if _, _, err := buildQuery(q); err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	l := &queryListener{query: q, fn: fn}
	s.listenerMu.Lock()
	s.nextListenerID++
	lid := s.nextListenerID
	s.queryListeners[lid] = l
	s.listenerMu.Unlock()

	s.deliverQuery(ctx, l)

	return s.registration(lid, &l.gate), nil
}

// registration はリスナーを登録表から外し、配信中のコールバックの完了を待つハンドルを返す。
func (s *Store) registration(lid int, gate *gateway.ListenerGate) gateway.Registration {
	var once sync.Once
	return gateway.RegistrationFunc(func() {
		once.Do(func() {
			s.listenerMu.Lock()
			delete(s.docListeners, lid)
			delete(s.queryListeners, lid)
			s.listenerMu.Unlock()
			gate.Close()
		})
	})
}

// Batch は新しいバッチ更新を開始する。
func (s *Store) Batch() gateway.Batch {
	return &batch{db: s.db}
}

type batchUpdate struct {
	collection string
	id         string
	fields     map[string]any
}

// batch はトランザクションで適用するバッチ更新。
type batch struct {
	db      *sql.DB
	updates []batchUpdate
}

func (b *batch) Update(collection, id string, fields map[string]any) gateway.Batch {
	b.updates = append(b.updates, batchUpdate{collection: collection, id: id, fields: fields})
	return b
}

func (b *batch) Commit(ctx context.Context) error {
	if len(b.updates) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, u := range b.updates {
		if err := updateDocument(ctx, tx, u.collection, u.id, u.fields); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// execer は*sql.DBと*sql.Txの共通部分。
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateDocument(ctx context.Context, db execer, collection, id string, fields map[string]any) error {
	raw, err := encodeData(fields)
	if err != nil {
		return err
	}
	result, err := db.ExecContext(ctx,
		`UPDATE documents SET data = data || $3::jsonb, updated_at = now()
		 WHERE collection = $1 AND id = $2`,
		collection, id, raw,
	)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s/%s", gateway.ErrNotFound, collection, id)
	}
	return nil
}

func encodeData(data map[string]any) (string, error) {
	normalized, err := gateway.Normalize(data)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}
	return string(b), nil
}

func decodeData(raw []byte) (map[string]any, error) {
	data := make(map[string]any)
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return data, nil
}

// compile-time interface check
var _ gateway.DocumentStore = (*Store)(nil)
