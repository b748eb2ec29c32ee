package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 账目同步次数，result: success / rejected / conflict / failed
	LedgerReconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_reconciliations_total",
			Help: "Total number of project ledger reconciliations",
		},
		[]string{"result"},
	)

	// 同步时被拒绝的账目行，collection: assignments / installments / expenses
	LedgerRowsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_rows_rejected_total",
			Help: "Ledger rows rejected during reconciliation",
		},
		[]string{"collection"},
	)

	// 编号发放计数，kind: CUS / INV
	SequenceIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequence_identifiers_issued_total",
			Help: "Total number of sequential identifiers issued",
		},
		[]string{"kind"},
	)

	// 编号唯一键冲突后的重试次数
	SequenceRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequence_collision_retries_total",
			Help: "Identifier collisions retried after a unique key violation",
		},
		[]string{"kind"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

// RecordReconciliation 记录一次账目同步结果
func RecordReconciliation(result string) {
	LedgerReconciliations.WithLabelValues(result).Inc()
}

// RecordRejectedRows 记录被拒绝的账目行数
func RecordRejectedRows(collection string, n int) {
	if n <= 0 {
		return
	}
	LedgerRowsRejected.WithLabelValues(collection).Add(float64(n))
}

// RecordSequenceIssued 记录编号发放
func RecordSequenceIssued(kind string) {
	SequenceIssued.WithLabelValues(kind).Inc()
}

// RecordSequenceRetry 记录编号冲突重试
func RecordSequenceRetry(kind string) {
	SequenceRetries.WithLabelValues(kind).Inc()
}

// GinMiddleware 记录 HTTP 请求延迟，path 使用路由模板避免标签爆炸
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestDuration.
			WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
