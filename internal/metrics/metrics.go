// ============================================================================
// SitePresence Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露偵測與遞送指標
//
// 指標分類:
//
//   1. 偵測 (Counter):
//      - sitepresence_samples_total{disposition}: 定位樣本處理結果
//        processed / rate_limited / inaccurate / invalid / stopped
//      - sitepresence_transitions_confirmed_total{kind}: 確認的 enter / exit
//
//   2. 遞送 (Counter):
//      - sitepresence_events_delivered_total: 成功送達（即時或同步）
//      - sitepresence_events_queued_total: 送出失敗後入列
//      - sitepresence_events_rejected_total: 後端永久拒絕
//      - sitepresence_events_retried_total: 同步時暫時失敗
//
//   3. 性能 (Histogram):
//      - sitepresence_sync_duration_seconds: 一次 Sync 的耗時
//
//   4. 狀態 (Gauge):
//      - sitepresence_queue_pending: 目前未同步事件數
//      - sitepresence_recovery_time_seconds: 啟動恢復耗時
//
// Prometheus 查詢示例:
//
//   # 離線積壓
//   sitepresence_queue_pending
//
//   # 被拒比例
//   rate(sitepresence_events_rejected_total[1h]) / rate(sitepresence_events_queued_total[1h])
//
//   # 精度過濾比例
//   rate(sitepresence_samples_total{disposition="inaccurate"}[10m])
//
// HTTP 端點:
//   /metrics，預設端口 9090
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ChuLiYu/sitepresence/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器，同時滿足 tracking.Recorder 與 queue.Recorder
type Collector struct {
	// 偵測
	samples     *prometheus.CounterVec
	transitions *prometheus.CounterVec

	// 遞送
	delivered prometheus.Counter
	queued    prometheus.Counter
	rejected  prometheus.Counter
	retried   prometheus.Counter

	// 效能
	syncDuration prometheus.Histogram
	recoveryTime prometheus.Gauge

	// 狀態
	pending prometheus.Gauge
}

// NewCollector 創建並註冊指標
func NewCollector() *Collector {
	c := &Collector{
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitepresence_samples_total",
			Help: "Position samples by processing disposition",
		}, []string{"disposition"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitepresence_transitions_confirmed_total",
			Help: "Confirmed site transitions by kind",
		}, []string{"kind"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitepresence_events_delivered_total",
			Help: "Events accepted by the backend",
		}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitepresence_events_queued_total",
			Help: "Events stored for later delivery",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitepresence_events_rejected_total",
			Help: "Events permanently rejected by the backend",
		}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitepresence_events_retried_total",
			Help: "Queued events that failed again during sync",
		}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sitepresence_sync_duration_seconds",
			Help:    "Duration of a queue sync pass",
			Buckets: prometheus.DefBuckets,
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitepresence_recovery_time_seconds",
			Help: "Time taken to restore state at startup",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitepresence_queue_pending",
			Help: "Current number of unsynced events",
		}),
	}

	prometheus.MustRegister(c.samples)
	prometheus.MustRegister(c.transitions)
	prometheus.MustRegister(c.delivered)
	prometheus.MustRegister(c.queued)
	prometheus.MustRegister(c.rejected)
	prometheus.MustRegister(c.retried)
	prometheus.MustRegister(c.syncDuration)
	prometheus.MustRegister(c.recoveryTime)
	prometheus.MustRegister(c.pending)

	return c
}

// RecordSample 記錄一個樣本的處理結果
func (c *Collector) RecordSample(disposition string) {
	c.samples.WithLabelValues(disposition).Inc()
}

// RecordTransition 記錄確認的轉換
func (c *Collector) RecordTransition(kind types.TransitionKind) {
	c.transitions.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) RecordDelivered() { c.delivered.Inc() }
func (c *Collector) RecordQueued()    { c.queued.Inc() }
func (c *Collector) RecordRejected()  { c.rejected.Inc() }
func (c *Collector) RecordRetry()     { c.retried.Inc() }

// ObserveSync 記錄一次 Sync 的耗時
func (c *Collector) ObserveSync(d time.Duration, _ types.SyncResult) {
	c.syncDuration.Observe(d.Seconds())
}

// SetPending 更新未同步事件數
func (c *Collector) SetPending(n int) {
	c.pending.Set(float64(n))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}

// Handler 回傳 /metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
