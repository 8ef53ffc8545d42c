// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// peekの結果ラベル
const (
	PeekOutcomeData           = "data"
	PeekOutcomeNoData         = "no_data"
	PeekOutcomeRaceLost       = "race_lost"
	PeekOutcomeContentTimeout = "content_timeout"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 配信サービス、取り込み、アーカイブジョブから利用する。
type MetricsCollector interface {
	RecordPeek(outcome string)
	RecordAcknowledge(accepted bool)
	RecordBundleSize(size int)
	RecordContentWait(duration time.Duration)
	RecordNotificationsIngested(count int)
	RecordArchived(count int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	peeks       *prometheus.CounterVec
	acks        *prometheus.CounterVec
	bundleSize  prometheus.Histogram
	contentWait prometheus.Histogram
	ingested    prometheus.Counter
	archived    prometheus.Counter
	httpStatus  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		peeks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailbox_peek_total",
			Help: "peekの結果別の合計数",
		}, []string{"outcome"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailbox_acknowledge_total",
			Help: "確認要求の結果別の合計数",
		}, []string{"result"}),
		bundleSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailbox_bundle_size",
			Help:    "新規作成したバンドルの構成通知数",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		contentWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailbox_content_wait_seconds",
			Help:    "サブドメインからのコンテンツ応答の待機時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailbox_notifications_ingested_total",
			Help: "取り込んだ通知の合計数",
		}),
		archived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailbox_notifications_archived_total",
			Help: "アーカイブした通知の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailbox_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.peeks,
		c.acks,
		c.bundleSize,
		c.contentWait,
		c.ingested,
		c.archived,
		c.httpStatus,
	)

	return c
}

// RecordPeek はpeekの結果を記録する。
func (c *Collector) RecordPeek(outcome string) {
	c.peeks.WithLabelValues(outcome).Inc()
}

// RecordAcknowledge は確認要求の結果を記録する。
func (c *Collector) RecordAcknowledge(accepted bool) {
	result := "rejected"
	if accepted {
		result = "acknowledged"
	}
	c.acks.WithLabelValues(result).Inc()
}

// RecordBundleSize は新規バンドルの構成通知数を記録する。
func (c *Collector) RecordBundleSize(size int) {
	c.bundleSize.Observe(float64(size))
}

// RecordContentWait はコンテンツ応答の待機時間を記録する。
func (c *Collector) RecordContentWait(duration time.Duration) {
	c.contentWait.Observe(duration.Seconds())
}

// RecordNotificationsIngested は取り込んだ通知数を記録する。
func (c *Collector) RecordNotificationsIngested(count int) {
	c.ingested.Add(float64(count))
}

// RecordArchived はアーカイブした通知数を記録する。
func (c *Collector) RecordArchived(count int) {
	c.archived.Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// Noop は何も記録しないMetricsCollector。メトリクスを使わない構成やテストで使用する。
type Noop struct{}

func (Noop) RecordPeek(string) {}
func (Noop) RecordAcknowledge(bool) {}
func (Noop) RecordBundleSize(int) {}
func (Noop) RecordContentWait(time.Duration) {}
func (Noop) RecordNotificationsIngested(int) {}
func (Noop) RecordArchived(int) {}
func (Noop) RecordHTTPStatus(int) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Noop{}
)
