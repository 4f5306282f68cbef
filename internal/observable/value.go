// Package observable はリポジトリのキャッシュを保持する監視可能な値を提供する。
package observable

import "sync"

// Value は並行アクセス可能で、変更を購読できる値。
// 購読者への通知はロックを解放した後、変更を行ったgoroutine上で行われる。
type Value[T any] struct {
	mu       sync.RWMutex
	value    T
	nextID   int
	watchers map[int]func(T)
}

// New は初期値を持つValueを生成する。
func New[T any](initial T) *Value[T] {
	return &Value[T]{value: initial, watchers: make(map[int]func(T))}
}

// Get は現在の値を返す。
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// Set は値を置き換えて購読者に通知する。
func (v *Value[T]) Set(value T) {
	v.mu.Lock()
	v.value = value
	fns := v.snapshotLocked()
	v.mu.Unlock()

	for _, fn := range fns {
		fn(value)
	}
}

// Update は現在の値からfnで新しい値を計算して置き換える。
// fnはロック中に呼ばれるため、Valueのメソッドを呼んではならない。
func (v *Value[T]) Update(fn func(T) T) T {
	v.mu.Lock()
	v.value = fn(v.value)
	value := v.value
	fns := v.snapshotLocked()
	v.mu.Unlock()

	for _, w := range fns {
		w(value)
	}
	return value
}

// Watch は値の変更を購読する。戻り値の関数で購読を解除する。
func (v *Value[T]) Watch(fn func(T)) (cancel func()) {
	v.mu.Lock()
	v.nextID++
	id := v.nextID
	v.watchers[id] = fn
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.watchers, id)
	}
}

func (v *Value[T]) snapshotLocked() []func(T) {
	if len(v.watchers) == 0 {
		return nil
	}
	fns := make([]func(T), 0, len(v.watchers))
	for _, fn := range v.watchers {
		fns = append(fns, fn)
	}
	return fns
}
