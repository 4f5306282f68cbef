package gateway

import "sync"

// ListenerGate はリスナーへの配信と解除を直列化する。
// Closeが戻った後にRunがコールバックを実行することはない。
// 配信同士は並行に実行でき、コールバックの中から同じゲートのRunを呼んでもよいが、Closeを呼んではならない。
type ListenerGate struct {
	mu      sync.Mutex
	idle    *sync.Cond
	closed  bool
	running int
}

// Run はゲートが開いていればfnを実行し、実行した場合にtrueを返す。
func (g *ListenerGate) Run(fn func()) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	g.running++
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.running--
		if g.running == 0 && g.idle != nil {
			g.idle.Broadcast()
		}
		g.mu.Unlock()
	}()
	fn()
	return true
}

// Close はゲートを閉じ、実行中のRunがあれば完了を待つ。冪等。
// 待っている間に始まろうとするRunは実行されない。
func (g *ListenerGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for g.running > 0 {
		if g.idle == nil {
			g.idle = sync.NewCond(&g.mu)
		}
		g.idle.Wait()
	}
}
