// 本文件实现日志与追踪的集成：通过 Logrus Hook 自动把追踪上下文
// （trace_id、span_id）注入日志条目，便于在日志系统中关联追踪数据。
package telemetry

import (
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// LogrusHook 在日志条目携带有效追踪上下文时自动附加
// trace_id、span_id 与 trace_sampled 字段。
// 条目需通过 WithContext 携带上下文才会触发注入。
type LogrusHook struct{}

// NewLogrusHook 创建日志追踪注入钩子。
//
// 使用示例：
//
//	logger := logrus.New()
//	logger.AddHook(telemetry.NewLogrusHook())
func NewLogrusHook() *LogrusHook {
	return &LogrusHook{}
}

// Levels 返回钩子触发的日志级别，所有级别都注入追踪字段。
func (h *LogrusHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 在日志条目生成时注入追踪上下文字段。
func (h *LogrusHook) Fire(entry *logrus.Entry) error {
	ctx := entry.Context
	if ctx == nil {
		return nil
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return nil
	}

	spanCtx := span.SpanContext()
	entry.Data["trace_id"] = spanCtx.TraceID().String()
	entry.Data["span_id"] = spanCtx.SpanID().String()
	if spanCtx.IsSampled() {
		entry.Data["trace_sampled"] = true
	}

	return nil
}
