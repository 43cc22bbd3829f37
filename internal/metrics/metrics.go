// ============================================================================
// runsh Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 worker 運行指標
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - runsh_messages_received_total: 收到的佇列訊息
//      - runsh_messages_rejected_total{reason}: 被退回（requeue）的訊息
//      - runsh_jobs_completed_total{status}: 依終態統計的任務
//      - runsh_console_batches_total{result}: 主控台批次送出結果
//      - runsh_queue_reconnects_total: 佇列重新連線次數
//      - runsh_node_actions_total{action}: 節點驗證動作
//
//   2. 分佈 (Histogram):
//      - runsh_job_duration_seconds: 任務執行時間
//
//   3. 瞬時值 (Gauge):
//      - runsh_console_pending_calls: 尚未完成的主控台送出
//
// 所有 Record* 方法都接受 nil receiver，未啟用監控時可直接傳 nil
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	messagesReceived prometheus.Counter
	messagesRejected *prometheus.CounterVec
	jobsCompleted    *prometheus.CounterVec
	consoleBatches   *prometheus.CounterVec
	queueReconnects  prometheus.Counter
	nodeActions      *prometheus.CounterVec

	jobDuration prometheus.Histogram

	consolePending prometheus.Gauge
}

// NewCollector 創建並註冊指標收集器
func NewCollector() *Collector {
	c := &Collector{
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runsh_messages_received_total",
			Help: "Total number of queue messages received",
		}),
		messagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runsh_messages_rejected_total",
			Help: "Total number of queue messages rejected with requeue",
		}, []string{"reason"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runsh_jobs_completed_total",
			Help: "Total number of jobs finished, by terminal status",
		}, []string{"status"}),
		consoleBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runsh_console_batches_total",
			Help: "Total number of console batches sent, by result",
		}, []string{"result"}),
		queueReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runsh_queue_reconnects_total",
			Help: "Total number of queue reconnect attempts",
		}),
		nodeActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runsh_node_actions_total",
			Help: "Total number of node validation actions, by action",
		}, []string{"action"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "runsh_job_duration_seconds",
			Help:    "Job processing duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		consolePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runsh_console_pending_calls",
			Help: "Console batches queued or in flight",
		}),
	}

	// 註冊所有指標
	prometheus.MustRegister(c.messagesReceived)
	prometheus.MustRegister(c.messagesRejected)
	prometheus.MustRegister(c.jobsCompleted)
	prometheus.MustRegister(c.consoleBatches)
	prometheus.MustRegister(c.queueReconnects)
	prometheus.MustRegister(c.nodeActions)
	prometheus.MustRegister(c.jobDuration)
	prometheus.MustRegister(c.consolePending)

	return c
}

// RecordMessage 記錄收到訊息
func (c *Collector) RecordMessage() {
	if c == nil {
		return
	}
	c.messagesReceived.Inc()
}

// RecordRejected 記錄訊息被退回
func (c *Collector) RecordRejected(reason string) {
	if c == nil {
		return
	}
	c.messagesRejected.WithLabelValues(reason).Inc()
}

// RecordJob 記錄任務終態與耗時
func (c *Collector) RecordJob(status string, seconds float64) {
	if c == nil {
		return
	}
	c.jobsCompleted.WithLabelValues(status).Inc()
	c.jobDuration.Observe(seconds)
}

// RecordConsoleBatch 記錄主控台批次結果
func (c *Collector) RecordConsoleBatch(ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.consoleBatches.WithLabelValues(result).Inc()
}

// SetConsolePending 更新待送出批次數
func (c *Collector) SetConsolePending(n int64) {
	if c == nil {
		return
	}
	c.consolePending.Set(float64(n))
}

// RecordReconnect 記錄重新連線
func (c *Collector) RecordReconnect() {
	if c == nil {
		return
	}
	c.queueReconnects.Inc()
}

// RecordNodeAction 記錄節點驗證動作
func (c *Collector) RecordNodeAction(action string) {
	if c == nil {
		return
	}
	c.nodeActions.WithLabelValues(action).Inc()
}

// Handler returns the /metrics handler for the default gatherer.
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
