package repository

import (
	"sync"

	"github.com/hitoshi/worknest/internal/gateway"
	"github.com/hitoshi/worknest/internal/metrics"
)

// listenerSlot はキャッシュ対象のコレクション1つにつき最大1つのライブ購読を保持する。
//
// 登録のたびに世代番号を進め、コールバックはdeliverを通して自分の世代が現在のものである
// 場合だけキャッシュを更新する。解除済みの購読から遅れて届いたスナップショットは捨てられる。
type listenerSlot struct {
	kind    string
	metrics metrics.MetricsCollector

	mu         sync.Mutex
	reg        gateway.Registration
	generation uint64
}

func newListenerSlot(kind string, mc metrics.MetricsCollector) *listenerSlot {
	return &listenerSlot{kind: kind, metrics: mc}
}

// replace は既存の購読を解除してからattachで新しい購読を登録する。
// attachには新しい世代番号が渡される。
func (s *listenerSlot) replace(attach func(generation uint64) (gateway.Registration, error)) error {
	s.mu.Lock()
	old := s.reg
	s.reg = nil
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	if old != nil {
		old.Remove()
		s.metrics.ListenerDetached(s.kind)
	}

	reg, err := attach(gen)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.generation != gen {
		// 登録中に別の登録または解除が行われた
		s.mu.Unlock()
		reg.Remove()
		return nil
	}
	s.reg = reg
	s.mu.Unlock()

	s.metrics.ListenerAttached(s.kind)
	return nil
}

// detach は購読を解除する。購読がない場合は何もしない。
func (s *listenerSlot) detach() {
	s.mu.Lock()
	old := s.reg
	s.reg = nil
	s.generation++
	s.mu.Unlock()

	if old != nil {
		old.Remove()
		s.metrics.ListenerDetached(s.kind)
	}
}

// deliver はgenerationが現在の世代である場合だけfnを実行し、実行した場合にtrueを返す。
// 世代の確認とfnの実行はロックを保持したまま行うため、detachは実行中のfnの完了を待ち、
// detachの後にfnがキャッシュを書き戻すことはない。fnからslotを操作してはならない。
func (s *listenerSlot) deliver(generation uint64, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != generation {
		return false
	}
	fn()
	return true
}

// active は登録中の購読数（0または1）を返す。
func (s *listenerSlot) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reg == nil {
		return 0
	}
	return 1
}
