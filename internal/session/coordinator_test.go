package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/worknest/internal/repository"
)

// --- モック ---

type mockClearer struct {
	name    string
	cleared int
	panics  bool
}

func (m *mockClearer) Name() string { return m.name }
func (m *mockClearer) ClearCache() {
	if m.panics {
		panic("boom")
	}
	m.cleared++
}

type recordingMetrics struct {
	clears []string
}

func (m *recordingMetrics) RecordRemoteCall(string, string, time.Duration) {}
func (m *recordingMetrics) ListenerAttached(string)                        {}
func (m *recordingMetrics) ListenerDetached(string)                        {}
func (m *recordingMetrics) RecordCacheClear(repo string)                   { m.clears = append(m.clears, repo) }
func (m *recordingMetrics) RecordUpload(string)                            {}
func (m *recordingMetrics) RecordHTTPStatus(int)                           {}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- テスト ---

// TestNewCoordinator_RequiresClearers は空の登録を拒否することを検証する。
func TestNewCoordinator_RequiresClearers(t *testing.T) {
	if _, err := NewCoordinator(nil, nil, discardLogger()); err == nil {
		t.Error("expected error for empty clearers")
	}
	dup := []CacheClearer{&mockClearer{name: "user"}, &mockClearer{name: "user"}}
	if _, err := NewCoordinator(dup, nil, discardLogger()); err == nil {
		t.Error("expected error for duplicate clearer names")
	}
}

// TestCoordinator_ClearAll は全リポジトリが1回ずつ消去されることを検証する。
func TestCoordinator_ClearAll(t *testing.T) {
	user := &mockClearer{name: "user"}
	note := &mockClearer{name: "note"}
	notification := &mockClearer{name: "notification"}
	message := &mockClearer{name: "message"}
	mc := &recordingMetrics{}

	c, err := NewCoordinator([]CacheClearer{user, note, notification, message}, mc, discardLogger())
	if err != nil {
		t.Fatalf("NewCoordinator returned error: %v", err)
	}

	c.ClearAll(context.Background())

	for _, m := range []*mockClearer{user, note, notification, message} {
		if m.cleared != 1 {
			t.Errorf("%s cleared %d times, want 1", m.name, m.cleared)
		}
	}
	if len(mc.clears) != 4 {
		t.Errorf("recorded clears = %v, want 4 entries", mc.clears)
	}
}

// TestCoordinator_ClearAllContinuesAfterPanic は1つのpanicで残りの消去が止まらないことを検証する。
func TestCoordinator_ClearAllContinuesAfterPanic(t *testing.T) {
	bad := &mockClearer{name: "bad", panics: true}
	good := &mockClearer{name: "good"}

	c, err := NewCoordinator([]CacheClearer{bad, good}, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewCoordinator returned error: %v", err)
	}
	c.ClearAll(context.Background())

	if good.cleared != 1 {
		t.Errorf("good cleared %d times, want 1", good.cleared)
	}
}

// TestRepositoriesImplementCacheClearer はドメインリポジトリがCacheClearerを実装することを検証する。
func TestRepositoriesImplementCacheClearer(t *testing.T) {
	var _ CacheClearer = (*repository.UserRepository)(nil)
	var _ CacheClearer = (*repository.NoteRepository)(nil)
	var _ CacheClearer = (*repository.NotificationRepository)(nil)
	var _ CacheClearer = (*repository.MessageRepository)(nil)
	var _ repository.SessionClearer = (*Coordinator)(nil)
}
