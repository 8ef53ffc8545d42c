package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetricFamily はレジストリから指定名のメトリクスファミリーを探す。
func findMetricFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// labelCounts はラベル値ごとのカウンタ値を返す。
func labelCounts(mf *dto.MetricFamily) map[string]float64 {
	out := make(map[string]float64)
	for _, m := range mf.GetMetric() {
		out[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
	}
	return out
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordPeek_CountsByOutcome はpeek結果がラベル別に数えられることを検証する。
func TestRecordPeek_CountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPeek(PeekOutcomeData)
	c.RecordPeek(PeekOutcomeData)
	c.RecordPeek(PeekOutcomeRaceLost)
	c.RecordPeek(PeekOutcomeContentTimeout)

	got := labelCounts(findMetricFamily(t, reg, "mailbox_peek_total"))
	want := map[string]float64{
		PeekOutcomeData:           2,
		PeekOutcomeRaceLost:       1,
		PeekOutcomeContentTimeout: 1,
	}
	for label, v := range want {
		if got[label] != v {
			t.Errorf("mailbox_peek_total{outcome=%q} = %v, want %v", label, got[label], v)
		}
	}
}

// TestRecordAcknowledge_CountsByResult は確認結果がacknowledged/rejectedで数えられることを検証する。
func TestRecordAcknowledge_CountsByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAcknowledge(true)
	c.RecordAcknowledge(false)
	c.RecordAcknowledge(false)

	got := labelCounts(findMetricFamily(t, reg, "mailbox_acknowledge_total"))
	if got["acknowledged"] != 1 {
		t.Errorf("acknowledged = %v, want 1", got["acknowledged"])
	}
	if got["rejected"] != 2 {
		t.Errorf("rejected = %v, want 2", got["rejected"])
	}
}

// TestRecordBundleSize_ObservesHistogram はバンドルサイズのヒストグラムに値が記録されることを検証する。
func TestRecordBundleSize_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordBundleSize(1)
	c.RecordBundleSize(3)

	h := findMetricFamily(t, reg, "mailbox_bundle_size").GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample_count = %d, want 2", h.GetSampleCount())
	}
	if h.GetSampleSum() != 4 {
		t.Errorf("sample_sum = %v, want 4", h.GetSampleSum())
	}
}

// TestRecordContentWait_ObservesHistogram はコンテンツ待機時間が秒で記録されることを検証する。
func TestRecordContentWait_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordContentWait(100 * time.Millisecond)
	c.RecordContentWait(2 * time.Second)

	h := findMetricFamily(t, reg, "mailbox_content_wait_seconds").GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample_count = %d, want 2", h.GetSampleCount())
	}
	// 合計は0.1 + 2.0 = 2.1秒
	if h.GetSampleSum() < 2.0 || h.GetSampleSum() > 2.2 {
		t.Errorf("sample_sum = %v, want ~2.1", h.GetSampleSum())
	}
}

// TestRecordIngestedAndArchived_IncrementCounters は取り込み・アーカイブ件数が加算されることを検証する。
func TestRecordIngestedAndArchived_IncrementCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordNotificationsIngested(10)
	c.RecordNotificationsIngested(5)
	c.RecordArchived(7)

	if v := findMetricFamily(t, reg, "mailbox_notifications_ingested_total").GetMetric()[0].GetCounter().GetValue(); v != 15 {
		t.Errorf("ingested = %v, want 15", v)
	}
	if v := findMetricFamily(t, reg, "mailbox_notifications_archived_total").GetMetric()[0].GetCounter().GetValue(); v != 7 {
		t.Errorf("archived = %v, want 7", v)
	}
}

// TestRecordHTTPStatus_IncrementsCounterWithLabel はHTTPステータスカウンタがラベル付きで増加することを検証する。
func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(204)

	got := labelCounts(findMetricFamily(t, reg, "mailbox_http_status_total"))
	if got["200"] != 2 || got["204"] != 1 {
		t.Errorf("http_status_total = %v, want 200:2 204:1", got)
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat は/metricsエンドポイントがPrometheus形式で返すことを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPeek(PeekOutcomeNoData)
	c.RecordAcknowledge(true)
	c.RecordBundleSize(2)
	c.RecordContentWait(500 * time.Millisecond)

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	expectedMetrics := []string{
		"mailbox_peek_total",
		"mailbox_acknowledge_total",
		"mailbox_bundle_size",
		"mailbox_content_wait_seconds",
	}
	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}

// TestNoop_ImplementsInterface はNoopが何も記録せずに呼び出せることを検証する。
func TestNoop_ImplementsInterface(t *testing.T) {
	var m MetricsCollector = Noop{}
	m.RecordPeek(PeekOutcomeData)
	m.RecordAcknowledge(true)
	m.RecordBundleSize(1)
	m.RecordContentWait(time.Second)
	m.RecordNotificationsIngested(1)
	m.RecordArchived(1)
	m.RecordHTTPStatus(200)
}

// TestMultipleCollectors_IndependentRegistries は異なるレジストリで独立に動作することを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	c2 := NewCollector(reg2)

	c1.RecordPeek(PeekOutcomeData)
	c2.RecordPeek(PeekOutcomeData)
	c2.RecordPeek(PeekOutcomeData)

	v1 := labelCounts(findMetricFamily(t, reg1, "mailbox_peek_total"))[PeekOutcomeData]
	v2 := labelCounts(findMetricFamily(t, reg2, "mailbox_peek_total"))[PeekOutcomeData]
	if v1 != 1 {
		t.Errorf("reg1 peek = %v, want 1", v1)
	}
	if v2 != 2 {
		t.Errorf("reg2 peek = %v, want 2", v2)
	}
}
