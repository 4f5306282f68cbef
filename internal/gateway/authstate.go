package gateway

import "sync"

// AuthStateListeners は認証状態リスナーの集合。Auth実装が共通で使う。
type AuthStateListeners struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]AuthStateFunc
}

// Add はリスナーを登録し、currentで1回呼び出す。
func (l *AuthStateListeners) Add(fn AuthStateFunc, current *AuthUser) Registration {
	l.mu.Lock()
	if l.listeners == nil {
		l.listeners = make(map[int]AuthStateFunc)
	}
	l.nextID++
	id := l.nextID
	l.listeners[id] = fn
	l.mu.Unlock()

	fn(current)

	var once sync.Once
	return RegistrationFunc(func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.listeners, id)
		})
	})
}

// Broadcast は全リスナーにユーザーのコピーを渡す。ロックを保持したまま呼び出すことはない。
func (l *AuthStateListeners) Broadcast(user *AuthUser) {
	l.mu.Lock()
	fns := make([]AuthStateFunc, 0, len(l.listeners))
	for _, fn := range l.listeners {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		if user == nil {
			fn(nil)
			continue
		}
		copied := *user
		fn(&copied)
	}
}

// Len は登録中のリスナー数を返す。
func (l *AuthStateListeners) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.listeners)
}
