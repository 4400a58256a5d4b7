// Package metrics 提供 Prometheus 指标采集与上报的统一封装。
// 该包集中定义 SDK 关键指标（动作分发、步骤执行、注册、事件发送），
// 便于在各模块复用并保持标签一致。
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 封装 SDK 运行时指标集合。
// 所有字段均为 Prometheus 指标类型，通过辅助方法更新指标值。
//
// 指标分类:
//   - 动作指标: 跟踪进入分发器的动作数量、结果状态与耗时
//   - 步骤指标: 统计步骤执行的结果与耗时
//   - 注册指标: 跟踪向编排器注册的结果与开发编排器探测
//   - 事件指标: 统计出站事件发送
type Metrics struct {
	// ========== 动作分发相关指标 ==========

	// ActionsTotal 分发动作总次数计数器
	// 标签: kind, status
	ActionsTotal *prometheus.CounterVec

	// ActionDuration 动作处理耗时直方图（单位：毫秒）
	// 标签: kind
	// 桶边界: 10, 50, 100, 250, 500, 1000, 2500, 5000, 10000 ms
	ActionDuration *prometheus.HistogramVec

	// ========== 步骤执行相关指标 ==========

	// StepRunsTotal 步骤执行总次数计数器
	// 标签: function_id, outcome (ok/intermediate/error)
	StepRunsTotal *prometheus.CounterVec

	// StepRunDuration 步骤执行耗时直方图（单位：毫秒）
	// 标签: function_id
	StepRunDuration *prometheus.HistogramVec

	// ========== 注册相关指标 ==========

	// RegistrationsTotal 注册尝试计数器
	// 标签: target (cloud/dev), outcome (registered/skipped/failed)
	RegistrationsTotal *prometheus.CounterVec

	// DevServerProbesTotal 开发编排器探测计数器
	// 标签: available
	DevServerProbesTotal *prometheus.CounterVec

	// ========== 事件发送相关指标 ==========

	// EventsSentTotal 出站事件计数器
	// 标签: status (ok/error)
	EventsSentTotal *prometheus.CounterVec

	// FunctionsServed 当前托管的函数数量
	FunctionsServed prometheus.Gauge
}

// NewMetrics 创建并注册一组 Prometheus 指标。
// namespace 用作所有指标名前缀，便于在同一 Prometheus 中区分不同应用。
// reg 为 nil 时注册到默认 Registry。
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Total number of dispatched actions",
			},
			[]string{"kind", "status"},
		),
		ActionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_ms",
				Help:      "Action handling duration in milliseconds",
				Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"kind"},
		),
		StepRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_runs_total",
				Help:      "Total number of step executions",
			},
			[]string{"function_id", "outcome"},
		),
		StepRunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_run_duration_ms",
				Help:      "Step execution duration in milliseconds",
				Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"function_id"},
		),
		RegistrationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registrations_total",
				Help:      "Total number of registration attempts",
			},
			[]string{"target", "outcome"},
		),
		DevServerProbesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dev_server_probes_total",
				Help:      "Total number of dev orchestrator probes",
			},
			[]string{"available"},
		),
		EventsSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_sent_total",
				Help:      "Total number of events sent",
			},
			[]string{"status"},
		),
		FunctionsServed: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "functions_served",
				Help:      "Number of functions currently served",
			},
		),
	}
}

// RecordAction 记录一次动作分发的统计信息。
// status 为最终响应的 HTTP 状态码，durationMs 为处理耗时（毫秒）。
func (m *Metrics) RecordAction(kind string, status int, durationMs float64) {
	m.ActionsTotal.WithLabelValues(kind, strconv.Itoa(status)).Inc()
	m.ActionDuration.WithLabelValues(kind).Observe(durationMs)
}

// RecordStepRun 记录一次步骤执行的统计信息。
// outcome: "ok" (运行完成), "intermediate" (还有后续步骤), "error" (执行失败)
func (m *Metrics) RecordStepRun(functionID, outcome string, durationMs float64) {
	m.StepRunsTotal.WithLabelValues(functionID, outcome).Inc()
	m.StepRunDuration.WithLabelValues(functionID).Observe(durationMs)
}

// RecordRegistration 记录一次注册尝试。
// target: "cloud" 或 "dev"；outcome: "registered", "skipped", "failed"
func (m *Metrics) RecordRegistration(target, outcome string) {
	m.RegistrationsTotal.WithLabelValues(target, outcome).Inc()
}

// RecordDevServerProbe 记录一次开发编排器探测结果。
func (m *Metrics) RecordDevServerProbe(available bool) {
	availableStr := "false"
	if available {
		availableStr = "true"
	}
	m.DevServerProbesTotal.WithLabelValues(availableStr).Inc()
}

// RecordEventsSent 记录一批事件的发送结果。
func (m *Metrics) RecordEventsSent(count int, success bool) {
	statusStr := "ok"
	if !success {
		statusStr = "error"
	}
	m.EventsSentTotal.WithLabelValues(statusStr).Add(float64(count))
}

// SetFunctionsServed 更新托管函数数量。
func (m *Metrics) SetFunctionsServed(count int) {
	m.FunctionsServed.Set(float64(count))
}
