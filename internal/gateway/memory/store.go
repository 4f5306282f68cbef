// Package memory はプロセス内で完結するゲートウェイ実装を提供する。
// テストとローカル開発（WORKNEST_BACKEND=memory）で使用する。
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hitoshi/worknest/internal/gateway"
)

// docListener は単一ドキュメントのリスナー。
type docListener struct {
	collection string
	id         string
	fn         gateway.SnapshotFunc
	gate       gateway.ListenerGate
}

// queryListener はクエリ結果のリスナー。
type queryListener struct {
	query gateway.Query
	fn    gateway.QuerySnapshotFunc
	gate  gateway.ListenerGate
}

// Store はメモリ上のDocumentStore実装。
// コールバックはロックを解放した後、書き込みを行ったgoroutine上で同期的に呼ばれる。
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any

	listenerMu     sync.Mutex
	nextListenerID int
	docListeners   map[int]*docListener
	queryListeners map[int]*queryListener

	faultMu sync.Mutex
	faults  map[string]error
}

// NewStore はStoreを生成する。
func NewStore() *Store {
	return &Store{
		collections:    make(map[string]map[string]map[string]any),
		docListeners:   make(map[int]*docListener),
		queryListeners: make(map[int]*queryListener),
		faults:         make(map[string]error),
	}
}

// 障害注入の対象操作名。
const (
	OpGet    = "get"
	OpSet    = "set"
	OpCreate = "create"
	OpAdd    = "add"
	OpUpdate = "update"
	OpDelete = "delete"
	OpQuery  = "query"
	OpCommit = "commit"
)

// FailNext は次回の指定操作を err で失敗させる。テスト用。
func (s *Store) FailNext(op string, err error) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.faults[op] = err
}

func (s *Store) takeFault(op string) error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	err, ok := s.faults[op]
	if !ok {
		return nil
	}
	delete(s.faults, op)
	return err
}

// ListenerCount は登録中のリスナー数を返す。
func (s *Store) ListenerCount() int {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	return len(s.docListeners) + len(s.queryListeners)
}

// Get はドキュメントを取得する。
func (s *Store) Get(ctx context.Context, collection, id string) (*gateway.Document, error) {
	if err := s.takeFault(OpGet); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.collections[collection][id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return &gateway.Document{ID: id, Data: copyFields(data)}, nil
}

// Set はドキュメントを書き込む。
func (s *Store) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	if err := s.takeFault(OpSet); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	fields, err := gateway.Normalize(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	docs := s.collectionLocked(collection)
	if existing, ok := docs[id]; ok && merge {
		for k, v := range fields {
			existing[k] = v
		}
	} else {
		docs[id] = fields
	}
	s.mu.Unlock()

	s.notify(collection, id)
	return nil
}

// Create はドキュメントを新規作成する。
func (s *Store) Create(ctx context.Context, collection, id string, data map[string]any) error {
	if err := s.takeFault(OpCreate); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	fields, err := gateway.Normalize(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	docs := s.collectionLocked(collection)
	if _, ok := docs[id]; ok {
		s.mu.Unlock()
		return gateway.ErrAlreadyExists
	}
	docs[id] = fields
	s.mu.Unlock()

	s.notify(collection, id)
	return nil
}

// Add は新しいIDでドキュメントを作成する。
func (s *Store) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	if err := s.takeFault(OpAdd); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := s.Create(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

// Update は既存ドキュメントを部分更新する。
func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := s.takeFault(OpUpdate); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized, err := gateway.Normalize(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	existing, ok := s.collections[collection][id]
	if !ok {
		s.mu.Unlock()
		return gateway.ErrNotFound
	}
	for k, v := range normalized {
		existing[k] = v
	}
	s.mu.Unlock()

	s.notify(collection, id)
	return nil
}

// Delete はドキュメントを削除する。
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := s.takeFault(OpDelete); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	docs := s.collections[collection]
	if _, ok := docs[id]; !ok {
		s.mu.Unlock()
		return gateway.ErrNotFound
	}
	delete(docs, id)
	s.mu.Unlock()

	s.notify(collection, id)
	return nil
}

// Query は範囲クエリを実行する。
func (s *Store) Query(ctx context.Context, q gateway.Query) ([]gateway.Document, error) {
	if err := s.takeFault(OpQuery); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.runQuery(q)
}

func (s *Store) runQuery(q gateway.Query) ([]gateway.Document, error) {
	filters := make([]gateway.Filter, len(q.Filters))
	for i, f := range q.Filters {
		v, err := gateway.NormalizeValue(f.Value)
		if err != nil {
			return nil, err
		}
		filters[i] = gateway.Filter{Field: f.Field, Op: f.Op, Value: v}
	}

	s.mu.RLock()
	result := make([]gateway.Document, 0)
	for id, data := range s.collections[q.Collection] {
		if !matchesAll(data, filters) {
			continue
		}
		if q.OrderBy != "" {
			if _, ok := data[q.OrderBy]; !ok {
				continue
			}
		}
		result = append(result, gateway.Document{ID: id, Data: copyFields(data)})
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if q.OrderBy != "" {
			c, ok := compare(result[i].Data[q.OrderBy], result[j].Data[q.OrderBy])
			if ok && c != 0 {
				if q.Direction == gateway.Descending {
					return c > 0
				}
				return c < 0
			}
		}
		return result[i].ID < result[j].ID
	})

	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

// Listen は単一ドキュメントのライブ購読を開始する。
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

	s.deliverDoc(l)

	return gateway.RegistrationFunc(func() {
		s.listenerMu.Lock()
		delete(s.docListeners, lid)
		s.listenerMu.Unlock()
		l.gate.Close()
	}), nil
}

// ListenQuery はクエリ結果のライブ購読を開始する。
func (s *Store) ListenQuery(ctx context.Context, q gateway.Query, fn gateway.QuerySnapshotFunc) (gateway.Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := &queryListener{query: q, fn: fn}
	s.listenerMu.Lock()
	s.nextListenerID++
	lid := s.nextListenerID
	s.queryListeners[lid] = l
	s.listenerMu.Unlock()

	s.deliverQuery(l)

	return gateway.RegistrationFunc(func() {
		s.listenerMu.Lock()
		delete(s.queryListeners, lid)
		s.listenerMu.Unlock()
		l.gate.Close()
	}), nil
}

// Batch は新しいバッチ更新を開始する。
func (s *Store) Batch() gateway.Batch {
	return &batch{store: s}
}

func (s *Store) collectionLocked(collection string) map[string]map[string]any {
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]map[string]any)
		s.collections[collection] = docs
	}
	return docs
}

// notify は変更されたドキュメントとコレクションのリスナーに現在の状態を配信する。
func (s *Store) notify(collection, id string) {
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
		s.deliverDoc(l)
	}
	for _, l := range queries {
		s.deliverQuery(l)
	}
}

func (s *Store) deliverDoc(l *docListener) {
	s.mu.RLock()
	data, ok := s.collections[l.collection][l.id]
	var doc *gateway.Document
	if ok {
		doc = &gateway.Document{ID: l.id, Data: copyFields(data)}
	}
	s.mu.RUnlock()
	l.gate.Run(func() { l.fn(doc, nil) })
}

func (s *Store) deliverQuery(l *queryListener) {
	docs, err := s.runQuery(l.query)
	l.gate.Run(func() { l.fn(docs, err) })
}

// batch はStoreに対するアトミックな更新。
type batch struct {
	store   *Store
	updates []batchUpdate
}

type batchUpdate struct {
	collection string
	id         string
	fields     map[string]any
}

// Update はフィールドの部分更新を追加する。
func (b *batch) Update(collection, id string, fields map[string]any) gateway.Batch {
	b.updates = append(b.updates, batchUpdate{collection: collection, id: id, fields: fields})
	return b
}

// Commit はすべての更新をアトミックに適用する。
func (b *batch) Commit(ctx context.Context) error {
	s := b.store
	if err := s.takeFault(OpCommit); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	normalized := make([]map[string]any, len(b.updates))
	for i, u := range b.updates {
		fields, err := gateway.Normalize(u.fields)
		if err != nil {
			return err
		}
		normalized[i] = fields
	}

	s.mu.Lock()
	for _, u := range b.updates {
		if _, ok := s.collections[u.collection][u.id]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("batch update %s/%s: %w", u.collection, u.id, gateway.ErrNotFound)
		}
	}
	for i, u := range b.updates {
		existing := s.collections[u.collection][u.id]
		for k, v := range normalized[i] {
			existing[k] = v
		}
	}
	s.mu.Unlock()

	for _, u := range b.updates {
		s.notify(u.collection, u.id)
	}
	return nil
}

func copyFields(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func matchesAll(data map[string]any, filters []gateway.Filter) bool {
	for _, f := range filters {
		if !matches(data[f.Field], f) {
			return false
		}
	}
	return true
}

func matches(value any, f gateway.Filter) bool {
	if value == nil {
		return false
	}
	if f.Op == gateway.OpArrayContains {
		arr, ok := value.([]any)
		if !ok {
			return false
		}
		for _, v := range arr {
			if c, ok := compare(v, f.Value); ok && c == 0 {
				return true
			}
		}
		return false
	}

	c, ok := compare(value, f.Value)
	if !ok {
		return false
	}
	switch f.Op {
	case gateway.OpEqual:
		return c == 0
	case gateway.OpLess:
		return c < 0
	case gateway.OpLessOrEqual:
		return c <= 0
	case gateway.OpGreater:
		return c > 0
	case gateway.OpGreaterOrEqual:
		return c >= 0
	default:
		return false
	}
}

// compare は同じ型の正規化済みの値を比較する。型が異なる場合はok=false。
func compare(a, b any) (int, bool) {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		default:
			return 1, true
		}
	default:
		return 0, false
	}
}

// compile-time interface check
var _ gateway.DocumentStore = (*Store)(nil)
