// Package metrics はアクセス制御まわりの Prometheus メトリクスを定義します。
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// GateDecisions はゲートの最終判定（allowed, bypass, csrf_rejected, rate_limited, unauthenticated, misconfigured）を数えます。
	GateDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfgate_gate_decisions_total",
			Help: "Gate middleware outcomes by result",
		},
		[]string{"outcome"},
	)

	// RateLimitChecks はレート制限チェック結果を種別ごとに数えます。
	RateLimitChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfgate_rate_limit_checks_total",
			Help: "Rate limit checks by endpoint class and result",
		},
		[]string{"class", "result"},
	)

	// StorageFaults はストレージ層の障害を操作ごとに数えます。
	StorageFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfgate_storage_faults_total",
			Help: "Storage backend faults by operation",
		},
		[]string{"op"},
	)

	// CSRFFailures は CSRF 検証失敗を理由ごとに数えます（missing / invalid）。
	CSRFFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfgate_csrf_failures_total",
			Help: "CSRF verification failures by reason",
		},
		[]string{"reason"},
	)

	SweepRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shelfgate_sweep_removed_total",
			Help: "Expired storage entries removed by the background sweep",
		},
	)
)

// Handler は /metrics 用のハンドラーです。
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
