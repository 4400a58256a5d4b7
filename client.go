package nimbusgo

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/oriys/nimbusgo/comm"
	"github.com/oriys/nimbusgo/fn"
	"github.com/oriys/nimbusgo/internal/appconfig"
	"github.com/oriys/nimbusgo/internal/metrics"
	"github.com/oriys/nimbusgo/internal/telemetry"
)

// ClientOpts 配置 SDK 客户端。非零值字段覆盖配置文件中的对应项。
type ClientOpts struct {
	// AppName 应用名，注册与函数标识的作用域
	AppName string
	// EventKey 事件发送密钥
	EventKey string
	// SigningKey 签名密钥
	SigningKey string
	// EventAPIURL 事件接收端点覆盖，缺省取配置
	EventAPIURL string
	// ConfigPath YAML 配置文件路径，空值时使用内置默认配置
	ConfigPath string
	// Logger 日志器，缺省按日志配置构建并注入追踪钩子
	Logger *logrus.Logger
	// HTTPClient 出站请求客户端，缺省为带追踪传输层的客户端
	HTTPClient *http.Client
	// MetricsRegisterer 指标注册表，nil 时使用全局默认注册表
	MetricsRegisterer prometheus.Registerer
}

// Client 是 SDK 客户端：事件发送与函数托管的共同入口。
type Client struct {
	cfg        *appconfig.Config
	appName    string
	eventKey   string
	signingKey string
	production bool
	logger     *logrus.Logger
	httpClient *http.Client
	metrics    *metrics.Metrics
	telemetry  *telemetry.Telemetry
}

// NewClient 构造 SDK 客户端。
//
// 配置优先级：显式选项 > 环境变量 > 配置文件 > 内置默认值。
// 遥测初始化失败只降级为日志告警，不阻止客户端启动。
//
// 参数:
//   - ctx: 用于遥测导出器建连的上下文
//   - opts: 客户端选项
//
// 返回值:
//   - *Client: 客户端实例
//   - error: 应用名缺失或配置文件无法加载时返回错误
func NewClient(ctx context.Context, opts ClientOpts) (*Client, error) {
	cfg := appconfig.Default()
	if opts.ConfigPath != "" {
		loaded, err := appconfig.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if opts.AppName != "" {
		cfg.App.Name = opts.AppName
	}
	if opts.SigningKey != "" {
		cfg.App.SigningKey = opts.SigningKey
	}
	if opts.EventKey != "" {
		cfg.App.EventKey = opts.EventKey
	}
	if opts.EventAPIURL != "" {
		cfg.Endpoints.EventAPIURL = opts.EventAPIURL
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}

	appName := strings.TrimSpace(cfg.App.Name)
	if appName == "" {
		return nil, comm.ErrEmptyAppName
	}

	logger := opts.Logger
	if logger == nil {
		logger = newLogger(cfg.Logging)
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		logger.WithError(err).Warn("Failed to initialize telemetry, tracing disabled")
		tel = nil
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace, opts.MetricsRegisterer)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = telemetry.InstrumentedHTTPClient()
	}

	// 配置中的环境标识并入快照，生产判定与请求期保持同一套规则
	env := comm.SnapshotEnviron()
	if v := strings.TrimSpace(cfg.App.Env); v != "" {
		env[comm.EnvEnvironment] = v
	}

	return &Client{
		cfg:        cfg,
		appName:    appName,
		eventKey:   strings.TrimSpace(cfg.App.EventKey),
		signingKey: strings.TrimSpace(cfg.App.SigningKey),
		production: comm.ProductionFromEnv(env),
		logger:     logger,
		httpClient: httpClient,
		metrics:    m,
		telemetry:  tel,
	}, nil
}

// AppName 返回应用名。
func (c *Client) AppName() string {
	return c.appName
}

// Serve 以客户端的身份与依赖托管一组函数，返回 HTTP 处理器。
func (c *Client) Serve(functions ...fn.Servable) (*Handler, error) {
	return c.ServeFramework("http", functions...)
}

// ServeFramework 与 Serve 相同，但以给定的框架名标记 SDK 身份头，
// 供具体框架绑定（如 chiserve）使用。
func (c *Client) ServeFramework(framework string, functions ...fn.Servable) (*Handler, error) {
	return NewHandler(HandlerOpts{
		AppName:      c.appName,
		Functions:    functions,
		SigningKey:   c.signingKey,
		ServePath:    c.cfg.Serve.Path,
		ServeHost:    c.cfg.Serve.Host,
		LandingPage:  c.cfg.Serve.LandingPage,
		MaxBodyBytes: c.cfg.Serve.MaxBodyBytes,
		RegisterURL:  c.cfg.Endpoints.RegisterURL,
		DevServerURL: c.cfg.Endpoints.DevServerURL,
		Framework:    framework,
		Logger:       c.logger,
		Metrics:      c.metrics,
		HTTPClient:   c.httpClient,
	})
}

// Close 释放客户端持有的资源，刷出未导出的追踪数据。
func (c *Client) Close(ctx context.Context) error {
	if c.telemetry == nil {
		return nil
	}
	return c.telemetry.Shutdown(ctx)
}

// newLogger 按日志配置构建 logrus 日志器并注入追踪关联钩子。
func newLogger(cfg appconfig.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	logger.AddHook(telemetry.NewLogrusHook())
	return logger
}
