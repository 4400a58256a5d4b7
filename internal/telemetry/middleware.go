// 本文件实现 HTTP 服务端中间件与客户端传输层的追踪集成。
package telemetry

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware 返回为入站请求创建追踪 Span 的中间件。
// 追踪上下文从请求头提取（若上游已注入），Span 名称为 "方法 路径"。
//
// 使用示例：
//
//	router := chi.NewRouter()
//	router.Use(telemetry.HTTPMiddleware("my-app"))
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName,
			otelhttp.WithTracerProvider(otel.GetTracerProvider()),
			otelhttp.WithPropagators(otel.GetTextMapPropagator()),
			otelhttp.WithSpanOptions(
				trace.WithAttributes(
					attribute.String("service.name", serviceName),
				),
			),
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	}
}

// HTTPClientTransport 返回带追踪的 http.RoundTripper。
// 出站请求自动携带追踪上下文头。base 为 nil 时使用默认传输层。
func HTTPClientTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base,
		otelhttp.WithTracerProvider(otel.GetTracerProvider()),
		otelhttp.WithPropagators(otel.GetTextMapPropagator()),
	)
}

// InstrumentedHTTPClient 返回预配置追踪传输层的 HTTP 客户端。
func InstrumentedHTTPClient() *http.Client {
	return &http.Client{
		Transport: HTTPClientTransport(nil),
	}
}
