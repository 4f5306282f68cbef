// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// リモート呼び出しの結果ラベル。
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// リポジトリ層、セッションコーディネーター、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordRemoteCall(op, outcome string, duration time.Duration)
	ListenerAttached(kind string)
	ListenerDetached(kind string)
	RecordCacheClear(repository string)
	RecordUpload(outcome string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	remoteCalls   *prometheus.CounterVec
	remoteLatency *prometheus.HistogramVec
	listeners     *prometheus.GaugeVec
	cacheClears   *prometheus.CounterVec
	uploads       *prometheus.CounterVec
	httpStatus    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worknest_remote_calls_total",
			Help: "ゲートウェイ呼び出しの合計数（操作・結果別）",
		}, []string{"op", "outcome"}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "worknest_remote_call_seconds",
			Help:    "ゲートウェイ呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		listeners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "worknest_active_listeners",
			Help: "登録中のライブ購読の数",
		}, []string{"kind"}),
		cacheClears: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worknest_cache_clears_total",
			Help: "キャッシュ消去の合計数（リポジトリ別）",
		}, []string{"repository"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worknest_media_uploads_total",
			Help: "メディアアップロードの合計数",
		}, []string{"outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worknest_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.remoteCalls,
		c.remoteLatency,
		c.listeners,
		c.cacheClears,
		c.uploads,
		c.httpStatus,
	)

	return c
}

// RecordRemoteCall はゲートウェイ呼び出しの結果とレイテンシを記録する。
func (c *Collector) RecordRemoteCall(op, outcome string, duration time.Duration) {
	c.remoteCalls.WithLabelValues(op, outcome).Inc()
	c.remoteLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// ListenerAttached はライブ購読の登録を記録する。
func (c *Collector) ListenerAttached(kind string) {
	c.listeners.WithLabelValues(kind).Inc()
}

// ListenerDetached はライブ購読の解除を記録する。
func (c *Collector) ListenerDetached(kind string) {
	c.listeners.WithLabelValues(kind).Dec()
}

// RecordCacheClear はキャッシュ消去を記録する。
func (c *Collector) RecordCacheClear(repository string) {
	c.cacheClears.WithLabelValues(repository).Inc()
}

// RecordUpload はメディアアップロードの結果を記録する。
func (c *Collector) RecordUpload(outcome string) {
	c.uploads.WithLabelValues(outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Discard は何も記録しないMetricsCollector。
type Discard struct{}

func (Discard) RecordRemoteCall(string, string, time.Duration) {}
func (Discard) ListenerAttached(string)                        {}
func (Discard) ListenerDetached(string)                        {}
func (Discard) RecordCacheClear(string)                        {}
func (Discard) RecordUpload(string)                            {}
func (Discard) RecordHTTPStatus(int)                           {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
