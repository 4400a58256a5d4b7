// Package chiserve 是函数端点的 chi 路由绑定。
// 该包把 SDK 的函数处理器挂载到 chi 路由器上，并按需附带请求标识、
// 真实客户端 IP、panic 恢复与追踪中间件，以及健康检查和 Prometheus
// 指标端点，宿主应用可以直接运行返回的路由器或将其挂载到既有路由树。
package chiserve

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oriys/nimbusgo"
	"github.com/oriys/nimbusgo/comm"
	"github.com/oriys/nimbusgo/fn"
	"github.com/oriys/nimbusgo/internal/telemetry"
)

// Framework 是本绑定在 SDK 身份头第三段使用的框架名。
const Framework = "chi"

// Options 配置 chi 路由绑定。
type Options struct {
	// Path 函数端点的挂载路径，缺省 comm.DefaultServePath
	Path string
	// ServiceName 追踪中间件使用的服务名，缺省取应用名
	ServiceName string
	// Health 为 true 时在 /health 暴露健康检查端点
	Health bool
	// Metrics 为 true 时在 /metrics 暴露 Prometheus 指标端点
	Metrics bool
}

// New 构造承载函数端点的 chi 路由器。
//
// 功能说明：
//   - 以 chi 框架名构造函数处理器，全部方法（GET/PUT/POST 及其余
//     一律 405 的方法）都路由到该处理器
//   - 配置遥测、RequestID、RealIP、Recoverer 中间件
//   - 按需注册健康检查与指标端点
//
// 参数：
//   - client: SDK 客户端，提供应用身份、密钥与出站依赖
//   - opts: 绑定选项
//   - functions: 托管的函数集合
//
// 返回值：
//   - *chi.Mux: 配置完成的路由器实例
//   - error: 应用名缺失或函数标识重复时返回错误
func New(client *nimbusgo.Client, opts Options, functions ...fn.Servable) (*chi.Mux, error) {
	h, err := client.ServeFramework(Framework, functions...)
	if err != nil {
		return nil, err
	}

	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = client.AppName()
	}

	r := chi.NewRouter()

	// 遥测中间件最先执行，使后续日志都能关联追踪上下文
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if opts.Health {
		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"healthy"}`))
		})
	}
	if opts.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	Mount(r, opts.Path, h)
	return r, nil
}

// Mount 把函数处理器挂载到既有 chi 路由器上。
// path 为空时使用默认挂载路径。协议的整个方法矩阵（含 405 分支）
// 都由处理器自身裁决，因此用 Handle 而非按方法注册。
func Mount(r chi.Router, path string, h http.Handler) {
	if path == "" {
		path = comm.DefaultServePath
	}
	r.Handle(path, h)
}
