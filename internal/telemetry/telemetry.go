// Package telemetry 提供 OpenTelemetry 分布式追踪功能的封装。
// 追踪默认关闭；启用后将 Span 通过 OTLP gRPC 导出到兼容后端
// （如 Tempo、Jaeger），并注册 W3C TraceContext/Baggage 传播器，
// 使编排器到函数再到出站请求的整条链路可以串联。
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// tracerName 是本 SDK 创建 Span 时使用的统一追踪器名称。
const tracerName = "nimbusgo"

// Config 定义遥测配置。
// 支持通过 YAML 配置文件填充。
type Config struct {
	// Enabled 控制是否启用遥测，false 时跳过追踪器初始化
	Enabled bool `yaml:"enabled"`
	// Endpoint OTLP 接收器的 gRPC 端点地址，默认 localhost:4317
	Endpoint string `yaml:"endpoint"`
	// ServiceName 追踪数据的服务标识，通常为应用名
	ServiceName string `yaml:"service_name"`
	// ServiceVersion 服务版本，附加在资源属性上
	ServiceVersion string `yaml:"service_version"`
	// SampleRate 采样率，0.0 到 1.0，默认 0.1
	SampleRate float64 `yaml:"sample_rate"`
	// Environment 运行环境标识，如 production、development
	Environment string `yaml:"environment"`
}

// Telemetry 持有追踪提供者与追踪器实例，管理追踪数据的生命周期。
type Telemetry struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
}

// New 根据配置初始化遥测。
//
// 参数:
//   - ctx: 用于限制 gRPC 连接建立时间的上下文
//   - cfg: 遥测配置
//
// 返回值:
//   - 未启用时返回仅含空操作追踪器的实例，不发起任何连接；
//     启用时建立 OTLP gRPC 连接、装配资源与采样器并设置全局
//     追踪提供者与传播器，连接失败返回错误
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{
			config: cfg,
			tracer: otel.Tracer(tracerName),
		}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "nimbus-app"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 0.1
	}
	if cfg.SampleRate > 1 {
		cfg.SampleRate = 1.0
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}

	// 阻塞直到连接建立，超时 10 秒
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(ctx, cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to %s: %w", cfg.Endpoint, err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		attribute.String("environment", cfg.Environment),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithOS(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// 基于 TraceID 的比率采样，同一追踪内采样决策一致
	var sampler sdktrace.Sampler
	if cfg.SampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Telemetry{
		config:         cfg,
		tracerProvider: tp,
		tracer:         tp.Tracer(tracerName),
	}, nil
}

// Tracer 返回用于创建 Span 的追踪器实例。
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Shutdown 刷新待发送的追踪数据并释放资源。
// 未启用遥测时为空操作。应在应用退出前调用。
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.tracerProvider == nil {
		return nil
	}
	return t.tracerProvider.Shutdown(ctx)
}

// IsEnabled 返回遥测功能是否已启用。
func (t *Telemetry) IsEnabled() bool {
	return t.config.Enabled
}

// StartSpan 创建一个新 Span，自动挂在上下文中已有 Span 之下。
// 返回的 Span 使用完毕后需调用 End()。
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// TraceIDFromContext 从上下文中提取 Trace ID。
// 上下文中没有有效 Span 时返回空字符串。
func TraceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// AddSpanAttributes 向当前 Span 添加属性。
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// RecordError 在当前 Span 上记录错误。
func RecordError(ctx context.Context, err error) {
	trace.SpanFromContext(ctx).RecordError(err)
}
