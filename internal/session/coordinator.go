// Package session はサインアウト時に全ドメインリポジトリのキャッシュを消去する。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/worknest/internal/metrics"
)

// CacheClearer はセッションに紐づくキャッシュを持つリポジトリ。
type CacheClearer interface {
	// Name はメトリクスとログで使うリポジトリ名を返す。
	Name() string
	// ClearCache はキャッシュを空にし、購読を解除する。
	ClearCache()
}

// Coordinator は登録された全リポジトリへキャッシュ消去を配る。
// 新しくキャッシュを持つリポジトリを追加した場合は、コンポジションルートで必ず登録すること。
type Coordinator struct {
	clearers []CacheClearer
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
}

// NewCoordinator はCoordinatorを生成する。
// clearersが空の場合、または名前が重複している場合はエラーを返す。
func NewCoordinator(clearers []CacheClearer, mc metrics.MetricsCollector, logger *slog.Logger) (*Coordinator, error) {
	if len(clearers) == 0 {
		return nil, errors.New("session coordinator requires at least one cache clearer")
	}
	seen := make(map[string]bool, len(clearers))
	for _, c := range clearers {
		if c == nil {
			return nil, errors.New("nil cache clearer")
		}
		if seen[c.Name()] {
			return nil, fmt.Errorf("duplicate cache clearer: %s", c.Name())
		}
		seen[c.Name()] = true
	}
	if mc == nil {
		mc = metrics.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		clearers: append([]CacheClearer(nil), clearers...),
		metrics:  mc,
		logger:   logger,
	}, nil
}

// ClearAll は全リポジトリのキャッシュを消去する。
// 各リポジトリは独立しているため、1つがpanicしても残りの消去を続ける。
func (c *Coordinator) ClearAll(ctx context.Context) {
	for _, clearer := range c.clearers {
		c.clear(ctx, clearer)
	}
	c.logger.InfoContext(ctx, "session caches cleared", slog.Int("repositories", len(c.clearers)))
}

func (c *Coordinator) clear(ctx context.Context, clearer CacheClearer) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.ErrorContext(ctx, "cache clear panicked",
				slog.String("repository", clearer.Name()),
				slog.Any("panic", rec),
			)
		}
	}()
	clearer.ClearCache()
	c.metrics.RecordCacheClear(clearer.Name())
}

// Names は登録されたリポジトリ名を登録順に返す。
func (c *Coordinator) Names() []string {
	names := make([]string, len(c.clearers))
	for i, clearer := range c.clearers {
		names[i] = clearer.Name()
	}
	return names
}
