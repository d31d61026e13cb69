// Package lensobserve 暴露 Prometheus 指标
package lensobserve

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 指标定义
var (
	// PoolIdle 当前空闲连接数
	PoolIdle = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fiscallens_pool_idle_connections",
		Help: "连接池当前空闲连接数",
	})

	// PoolOutstanding 当前借出连接数
	PoolOutstanding = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fiscallens_pool_outstanding_connections",
		Help: "连接池当前借出（未归还）连接数",
	})

	// PoolAcquireTotal 按结果分类的获取次数
	PoolAcquireTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fiscallens_pool_acquire_total",
		Help: "连接获取次数（按结果分类）",
	}, []string{"result"})

	// PoolConnInvalid 校验失败被丢弃的连接数
	PoolConnInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fiscallens_pool_connections_invalidated_total",
		Help: "校验失败被丢弃的连接数",
	})

	// QueryTotal 仓库查询次数
	QueryTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fiscallens_warehouse_queries_total",
		Help: "仓库查询总数",
	})

	// QueryFail 仓库查询失败次数
	QueryFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fiscallens_warehouse_queries_failed",
		Help: "仓库查询失败数",
	})

	// QueryDuration 仓库查询耗时分布
	QueryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fiscallens_warehouse_query_duration_seconds",
		Help:    "仓库查询耗时（秒）",
		Buckets: prometheus.DefBuckets,
	})
)

// Register 必须在 main 调用一次
func Register() {
	prometheus.MustRegister(
		PoolIdle, PoolOutstanding, PoolAcquireTotal, PoolConnInvalid,
		QueryTotal, QueryFail, QueryDuration,
	)
}

// Handler 返回 HTTP 处理器
func Handler() http.Handler { return promhttp.Handler() }
