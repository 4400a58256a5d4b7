package nimbusgo

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oriys/nimbusgo/comm"
	"github.com/oriys/nimbusgo/fn"
	"github.com/oriys/nimbusgo/internal/metrics"
)

// HandlerOpts 配置 HTTP 处理器。
type HandlerOpts struct {
	// AppName 应用名，必填
	AppName string
	// Functions 托管的函数集合
	Functions []fn.Servable
	// SigningKey 显式签名密钥
	SigningKey string
	// ServePath 注册地址的路径覆盖
	ServePath string
	// ServeHost 注册地址的协议与主机覆盖
	ServeHost string
	// RegisterURL 生产编排器注册端点
	RegisterURL string
	// DevServerURL 本地开发编排器地址
	DevServerURL string
	// LandingPage 引导页开关，nil 时由环境变量决定
	LandingPage *bool
	// Production 生产模式覆盖，nil 时按请求期环境快照逐请求判定
	Production *bool
	// MaxBodyBytes 入站请求体大小上限，缺省 4 MiB
	MaxBodyBytes int64
	// RegisterTimeout 注册请求超时
	RegisterTimeout time.Duration
	// Framework 适配框架名，缺省 "http"
	Framework string
	// Engine 执行引擎，缺省为进程内直接执行
	Engine comm.Engine
	// Logger 日志器
	Logger *logrus.Logger
	// Metrics 指标收集器
	Metrics *metrics.Metrics
	// HTTPClient 出站请求客户端
	HTTPClient *http.Client
}

// Handler 把入站 HTTP 请求归类为动作并交给分发器处理。
// 它实现 http.Handler，可直接挂载到任意路由器或 ServeMux 上。
type Handler struct {
	comm         *comm.Handler
	production   *bool
	maxBodyBytes int64
}

// NewHandler 构造 HTTP 处理器。
// 应用名缺失或函数标识重复时返回错误。
func NewHandler(opts HandlerOpts) (*Handler, error) {
	framework := opts.Framework
	if framework == "" {
		framework = "http"
	}

	inner, err := comm.NewHandler(comm.Options{
		AppName:         opts.AppName,
		Functions:       opts.Functions,
		Engine:          opts.Engine,
		Framework:       framework,
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
		SigningKey:      opts.SigningKey,
		ServePath:       opts.ServePath,
		ServeHost:       opts.ServeHost,
		RegisterURL:     opts.RegisterURL,
		DevServerURL:    opts.DevServerURL,
		LandingPage:     opts.LandingPage,
		RegisterTimeout: opts.RegisterTimeout,
		HTTPClient:      opts.HTTPClient,
	})
	if err != nil {
		return nil, err
	}

	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = comm.DefaultMaxBodyBytes
	}

	return &Handler{
		comm:         inner,
		production:   opts.Production,
		maxBodyBytes: maxBody,
	}, nil
}

// ServeHTTP 归类请求并写回分发器的响应。
// 方法映射：GET 查看、PUT 注册、POST 执行，其余一律 bad-method。
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	action := h.classify(w, r)
	resp := h.comm.Handle(r.Context(), action)

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

// classify 把一个 HTTP 请求转换为分发动作。
// 环境快照与生产模式判定逐请求进行，绝不缓存。
func (h *Handler) classify(w http.ResponseWriter, r *http.Request) comm.Action {
	env := comm.SnapshotEnviron()
	production := comm.ProductionFromEnv(env)
	if h.production != nil {
		production = *h.production
	}

	action := comm.Action{
		URL:        requestURL(r),
		Production: production,
		Env:        env,
	}

	query := r.URL.Query()
	switch r.Method {
	case http.MethodGet:
		action.Kind = comm.ActionView
		action.Introspect = query.Has(comm.QueryIntrospect)
	case http.MethodPut:
		action.Kind = comm.ActionRegister
	case http.MethodPost:
		action.Kind = comm.ActionRun
		action.FunctionID = query.Get(comm.QueryFnID)
		action.StepID = query.Get(comm.QueryStepID)
		action.Signature = r.Header.Get(comm.HeaderSignature)

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
		if err != nil {
			action.Kind = comm.ActionError
			action.Err = fmt.Errorf("read request body: %w", err)
			return action
		}
		action.Payload = body
	default:
		action.Kind = comm.ActionBadMethod
	}
	return action
}

// requestURL 重建本次请求对外可达的完整地址。
// 反向代理场景优先采用 X-Forwarded-Proto/Host 头。
func requestURL(r *http.Request) *url.URL {
	u := *r.URL
	u.Host = r.Host
	if v := r.Header.Get("X-Forwarded-Host"); v != "" {
		u.Host = v
	}
	u.Scheme = "http"
	if r.TLS != nil {
		u.Scheme = "https"
	}
	if v := r.Header.Get("X-Forwarded-Proto"); v != "" {
		u.Scheme = v
	}
	return &u
}
