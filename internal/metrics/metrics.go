// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 登録結果のラベル値
const (
	OutcomeSuccess           = "success"
	OutcomeNotFound          = "not_found"
	OutcomeAlreadyRegistered = "already_registered"
	OutcomeFull              = "full"
	OutcomeTransientError    = "transient_error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層、配信Hub、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordRegistration(outcome string, duration time.Duration)
	RecordPublishFailure()
	RecordHTTPStatus(statusCode int)
	ObserveBroadcast(delivered, dropped int)
	ObserveStale()
	SetSubscribers(n int)
	RecordSessionsCleaned(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	registrations   *prometheus.CounterVec
	registerLatency prometheus.Histogram
	publishFail     prometheus.Counter
	httpStatus      *prometheus.CounterVec
	broadcasts      *prometheus.CounterVec
	staleDropped    prometheus.Counter
	subscribers     prometheus.Gauge
	sessionsCleaned prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventman_registrations_total",
			Help: "結果別のイベント登録試行数",
		}, []string{"outcome"}),
		registerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "eventman_registration_latency_seconds",
			Help:    "イベント登録処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		publishFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventman_roster_publish_fail_total",
			Help: "登録者数変更の配信に失敗した数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventman_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventman_broadcast_messages_total",
			Help: "購読者への配信結果（delivered/dropped）別のメッセージ数",
		}, []string{"result"}),
		staleDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventman_broadcast_stale_total",
			Help: "古い登録者数のため配信しなかった変更の数",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventman_websocket_subscribers",
			Help: "接続中のWebSocket購読者数",
		}),
		sessionsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventman_sessions_cleaned_total",
			Help: "クリーンアップジョブが削除した期限切れセッションの数",
		}),
	}

	reg.MustRegister(
		c.registrations,
		c.registerLatency,
		c.publishFail,
		c.httpStatus,
		c.broadcasts,
		c.staleDropped,
		c.subscribers,
		c.sessionsCleaned,
	)

	return c
}

// RecordRegistration は登録試行の結果とレイテンシを記録する。
func (c *Collector) RecordRegistration(outcome string, duration time.Duration) {
	c.registrations.WithLabelValues(outcome).Inc()
	c.registerLatency.Observe(duration.Seconds())
}

// RecordPublishFailure は配信失敗を記録する。
func (c *Collector) RecordPublishFailure() {
	c.publishFail.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// ObserveBroadcast は1回の配信結果を記録する。
func (c *Collector) ObserveBroadcast(delivered, dropped int) {
	c.broadcasts.WithLabelValues("delivered").Add(float64(delivered))
	c.broadcasts.WithLabelValues("dropped").Add(float64(dropped))
}

// ObserveStale は古い変更の破棄を記録する。
func (c *Collector) ObserveStale() {
	c.staleDropped.Inc()
}

// SetSubscribers は購読者数を設定する。
func (c *Collector) SetSubscribers(n int) {
	c.subscribers.Set(float64(n))
}

// RecordSessionsCleaned は削除されたセッション数を記録する。
func (c *Collector) RecordSessionsCleaned(count int64) {
	c.sessionsCleaned.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 収集に失敗したメトリクスがあっても、取得できた分は返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	})
}
