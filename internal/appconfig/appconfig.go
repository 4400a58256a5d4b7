// Package appconfig 提供 SDK 宿主应用的配置管理功能。
// 该包负责从 YAML 配置文件加载配置，并支持通过环境变量覆盖敏感配置项
// （如签名密钥和事件密钥）。配置涵盖应用标识、服务地址、编排器端点、
// 日志、指标和遥测等设置。
package appconfig

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oriys/nimbusgo/internal/telemetry"
)

// Config 是宿主应用的主配置结构体，通过 YAML 标签与配置文件映射。
type Config struct {
	// App 应用标识与密钥配置
	App AppConfig `yaml:"app"`
	// Serve 函数服务端点配置
	Serve ServeConfig `yaml:"serve"`
	// Endpoints 编排器端点配置
	Endpoints EndpointsConfig `yaml:"endpoints"`
	// Logging 日志配置，包括日志级别和格式
	Logging LoggingConfig `yaml:"logging"`
	// Metrics 指标配置，用于 Prometheus 监控
	Metrics MetricsConfig `yaml:"metrics"`
	// Telemetry 遥测配置，用于分布式追踪
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// AppConfig 应用标识配置结构体。
type AppConfig struct {
	// Name 应用名，注册时作为应用标识上报，必填
	Name string `yaml:"name"`
	// Env 运行环境标识，可通过环境变量 NIMBUS_ENV 覆盖；
	// 取值 production/prod 时强制生产模式
	Env string `yaml:"env"`
	// SigningKey 签名密钥，可通过环境变量 NIMBUS_SIGNING_KEY 或
	// NIMBUS_SIGNING_KEY_FILE（文件路径）覆盖
	SigningKey string `yaml:"signing_key"`
	// EventKey 事件发送密钥，可通过环境变量 NIMBUS_EVENT_KEY 或
	// NIMBUS_EVENT_KEY_FILE（文件路径）覆盖
	EventKey string `yaml:"event_key"`
}

// ServeConfig 函数服务端点配置结构体。
type ServeConfig struct {
	// Path 服务路径
	// 默认值：/api/nimbus
	Path string `yaml:"path"`
	// Host 对外可达的主机地址（含协议），如 "https://app.example.com"；
	// 为空时从入站请求推导
	Host string `yaml:"host"`
	// LandingPage 是否启用引导页，未设置时非生产模式默认启用
	LandingPage *bool `yaml:"landing_page"`
	// MaxBodyBytes 入站请求体大小上限（字节）
	// 默认值：4 MiB
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// EndpointsConfig 编排器端点配置结构体。
type EndpointsConfig struct {
	// RegisterURL 生产编排器的注册端点
	// 默认值：https://api.nimbus.dev/fn/register
	RegisterURL string `yaml:"register_url"`
	// EventAPIURL 事件接收端点
	// 默认值：https://events.nimbus.dev
	EventAPIURL string `yaml:"event_api_url"`
	// DevServerURL 本地开发编排器地址，可通过环境变量
	// NIMBUS_DEV_SERVER_URL 覆盖
	// 默认值：http://127.0.0.1:8288
	DevServerURL string `yaml:"dev_server_url"`
}

// LoggingConfig 日志配置结构体。
type LoggingConfig struct {
	// Level 日志级别，可选值：debug、info、warn、error
	// 默认值：info
	Level string `yaml:"level"`
	// Format 日志格式，可选值：json、text
	// 默认值：text
	Format string `yaml:"format"`
}

// MetricsConfig 指标配置结构体。
type MetricsConfig struct {
	// Enabled 是否启用指标收集
	Enabled bool `yaml:"enabled"`
	// Namespace 指标命名空间前缀
	// 默认值：nimbus
	Namespace string `yaml:"namespace"`
}

// Load 从指定路径加载配置文件。
// 该函数会读取 YAML 配置文件，应用默认值，并处理环境变量覆盖。
//
// 参数:
//   - path: 配置文件的路径
//
// 返回值:
//   - *Config: 加载并处理后的配置对象
//   - error: 读取或解析失败时返回错误
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// 先覆盖后补默认，部分默认值依赖应用名与环境标识
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

// Default 返回只含默认值与环境变量覆盖的配置。
// 供未使用配置文件的应用直接以代码方式构造客户端时使用。
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg
}

// applyEnvOverrides 应用环境变量覆盖。
// 敏感配置项支持两种方式：
//  1. 直接设置环境变量（如 NIMBUS_SIGNING_KEY）
//  2. 通过 _FILE 后缀指定包含密钥的文件路径（如 NIMBUS_SIGNING_KEY_FILE）
//
// _FILE 方式优先级更高，适用于 Docker Secrets 等场景。
func (c *Config) applyEnvOverrides() {
	if v := readEnvOrFile("NIMBUS_SIGNING_KEY", "NIMBUS_SIGNING_KEY_FILE"); v != "" {
		c.App.SigningKey = v
	}
	if v := readEnvOrFile("NIMBUS_EVENT_KEY", "NIMBUS_EVENT_KEY_FILE"); v != "" {
		c.App.EventKey = v
	}
	if v := strings.TrimSpace(os.Getenv("NIMBUS_ENV")); v != "" {
		c.App.Env = v
	}
	if v := strings.TrimSpace(os.Getenv("NIMBUS_DEV_SERVER_URL")); v != "" {
		c.Endpoints.DevServerURL = v
	}
}

// readEnvOrFile 从环境变量或文件读取配置值。
// 优先从 fileKey 指定的文件路径读取，文件不存在或读取失败时
// 退回 envKey 指定的环境变量。两者都未设置时返回空字符串。
func readEnvOrFile(envKey, fileKey string) string {
	if filePath := strings.TrimSpace(os.Getenv(fileKey)); filePath != "" {
		if b, err := os.ReadFile(filePath); err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return strings.TrimSpace(os.Getenv(envKey))
}

// applyDefaults 为未设置的配置项填充默认值。
func (c *Config) applyDefaults() {
	// 服务路径默认为 /api/nimbus
	if c.Serve.Path == "" {
		c.Serve.Path = "/api/nimbus"
	}
	// 请求体上限默认为 4 MiB
	if c.Serve.MaxBodyBytes == 0 {
		c.Serve.MaxBodyBytes = 4 << 20
	}
	// 生产编排器注册端点
	if c.Endpoints.RegisterURL == "" {
		c.Endpoints.RegisterURL = "https://api.nimbus.dev/fn/register"
	}
	// 事件接收端点
	if c.Endpoints.EventAPIURL == "" {
		c.Endpoints.EventAPIURL = "https://events.nimbus.dev"
	}
	// 本地开发编排器地址
	if c.Endpoints.DevServerURL == "" {
		c.Endpoints.DevServerURL = "http://127.0.0.1:8288"
	}
	// 日志级别默认为 info
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	// 日志格式默认为 text
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	// 指标命名空间默认为 nimbus
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "nimbus"
	}
	// 遥测服务名默认取应用名
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = c.App.Name
	}
	// 采样率默认为 10%
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 0.1
	}
	// 环境标识默认跟随应用环境
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = c.App.Env
	}
}
