// Package comm 实现与编排器通信的分发核心。
// 该包不绑定任何具体传输：适配层将入站请求归类为动作（查看、注册、
// 执行、方法不允许、归类失败），分发器对每个动作返回完整的响应描述
// （状态码、响应头、响应体），任何内部失败都被转换为故障响应而不会
// 越过该边界向外抛出。
package comm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/nimbusgo/fn"
	"github.com/oriys/nimbusgo/internal/devserver"
	"github.com/oriys/nimbusgo/internal/engine"
	"github.com/oriys/nimbusgo/internal/errdata"
	"github.com/oriys/nimbusgo/internal/landing"
	"github.com/oriys/nimbusgo/internal/metrics"
	"github.com/oriys/nimbusgo/internal/signing"
	"github.com/oriys/nimbusgo/internal/telemetry"
)

// ========== SDK 身份常量 ==========

const (
	// SDKName SDK 对外标识名
	SDKName = "nimbus-go"
	// SDKVersion SDK 版本号
	SDKVersion = "0.5.1"
	// SDKLanguage SDK 实现语言，注册体 sdk 字段的语言部分
	SDKLanguage = "go"
	// ProtocolVersion 注册协议版本
	ProtocolVersion = "0.1"
)

// ========== 协议头与查询参数 ==========

const (
	// HeaderSDK 所有响应携带的 SDK 身份头
	HeaderSDK = "X-Nimbus-SDK"
	// HeaderSignature 入站请求的签名头
	HeaderSignature = "X-Nimbus-Signature"
	// QueryFnID 目标函数标识查询参数
	QueryFnID = "fnId"
	// QueryStepID 目标步骤标识查询参数
	QueryStepID = "stepId"
	// QueryIntrospect 自省标记查询参数
	QueryIntrospect = "introspect"
)

// ========== 环境变量 ==========

const (
	// EnvSigningKey 签名密钥
	EnvSigningKey = "NIMBUS_SIGNING_KEY"
	// EnvEventKey 事件发送密钥
	EnvEventKey = "NIMBUS_EVENT_KEY"
	// EnvLandingPage 引导页开关
	EnvLandingPage = "NIMBUS_LANDING_PAGE"
	// EnvDev 非空且非假值时强制开发模式
	EnvDev = "NIMBUS_DEV"
	// EnvDevServerURL 本地开发编排器地址
	EnvDevServerURL = "NIMBUS_DEV_SERVER_URL"
	// EnvEnvironment 运行环境标识
	EnvEnvironment = "NIMBUS_ENV"
)

// ========== 默认端点与限额 ==========

const (
	// DefaultRegisterURL 生产编排器的注册端点
	DefaultRegisterURL = "https://api.nimbus.dev/fn/register"
	// DefaultEventAPIURL 事件接收端点
	DefaultEventAPIURL = "https://events.nimbus.dev"
	// DefaultServePath 函数服务的默认挂载路径
	DefaultServePath = "/api/nimbus"
	// DefaultRegisterTimeout 单次注册请求允许的最长耗时
	DefaultRegisterTimeout = 10 * time.Second
	// DefaultMaxBodyBytes 入站请求体大小上限
	DefaultMaxBodyBytes int64 = 4 << 20
)

// 构造期错误
var (
	ErrEmptyAppName      = errors.New("app name is required")
	ErrDuplicateFunction = errors.New("duplicate function id")
)

// SDKHeader 构造 SDK 身份头的值，形如 "nimbus-go:v0.5.1:http"。
// 三段分别为 SDK 名、版本和适配框架。
func SDKHeader(framework string) string {
	return SDKName + ":v" + SDKVersion + ":" + framework
}

// SDKIdentifier 返回注册体 sdk 字段的值，形如 "go:v0.5.1"。
func SDKIdentifier() string {
	return SDKLanguage + ":v" + SDKVersion
}

// EnvSnapshot 是协议相关环境变量的一次性快照。
// 判定（生产模式、密钥采纳、引导页开关）只读快照，
// 绝不直接触碰进程全局环境。
type EnvSnapshot map[string]string

// envKeys 列出参与协议判定的环境变量。
var envKeys = []string{
	EnvSigningKey,
	EnvEventKey,
	EnvLandingPage,
	EnvDev,
	EnvDevServerURL,
	EnvEnvironment,
}

// SnapshotEnviron 采集协议相关环境变量的快照。
// 适配层为每个入站请求采集一份，随动作传递。
func SnapshotEnviron() EnvSnapshot {
	env := make(EnvSnapshot, len(envKeys))
	for _, k := range envKeys {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	return env
}

// Get 返回去除首尾空白后的变量值，未设置时为空串。
func (e EnvSnapshot) Get(key string) string {
	return strings.TrimSpace(e[key])
}

// IsTruthy 判断配置开关值是否为真。
// 接受 1/true/yes/on（不区分大小写）。
func IsTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// ProductionFromEnv 根据环境快照判定是否处于生产模式。
// NIMBUS_ENV 非空时以其为准（production/prod 为生产，其余为非生产）；
// 否则 NIMBUS_DEV 为非假值时判为非生产；默认生产。
// 判定结果只随请求传递，绝不缓存在处理器上。
func ProductionFromEnv(env EnvSnapshot) bool {
	if name := strings.ToLower(env.Get(EnvEnvironment)); name != "" {
		return name == "production" || name == "prod"
	}
	if dev := env.Get(EnvDev); dev != "" && dev != "0" && !strings.EqualFold(dev, "false") {
		return false
	}
	return true
}

// ActionKind 标识适配层归类出的动作类型。
type ActionKind string

const (
	// ActionView 查看请求（引导页或自省）
	ActionView ActionKind = "view"
	// ActionRegister 注册请求
	ActionRegister ActionKind = "register"
	// ActionRun 步骤执行请求
	ActionRun ActionKind = "run"
	// ActionBadMethod 方法不被支持的请求
	ActionBadMethod ActionKind = "bad-method"
	// ActionError 适配层归类失败
	ActionError ActionKind = "error"
)

// Action 是适配层交给分发器的一次入站动作。
// 每个入站请求各产生一个，构造后不再修改，被分发器消费恰好一次。
type Action struct {
	// Kind 动作类型
	Kind ActionKind
	// URL 本次请求对外可达的完整地址
	URL *url.URL
	// Production 本次请求的生产模式判定，逐请求计算，绝不缓存
	Production bool
	// Env 本次请求采集的环境快照
	Env EnvSnapshot
	// FunctionID 目标函数标识（执行动作）
	FunctionID string
	// StepID 目标步骤标识（执行动作）
	StepID string
	// Introspect 自省标记（查看动作）
	Introspect bool
	// Payload 原始请求体（执行动作）
	Payload []byte
	// Signature 入站签名头的值
	Signature string
	// Err 归类失败的原因（仅 ActionError）
	Err error
}

// Response 是分发器对一次动作的完整响应描述。
// 适配层按原样写回，不追加语义。
type Response struct {
	// Status HTTP 状态码
	Status int
	// Headers 响应头，总是包含 SDK 身份头
	Headers map[string]string
	// Body 响应体
	Body []byte
}

// Engine 执行被托管的函数。
// intermediate 为 true 表示本次执行只推进了运行的一部分，
// 还有后续步骤待编排器继续调度。
type Engine interface {
	Execute(ctx context.Context, f fn.Servable, input fn.Input) (intermediate bool, body any, err error)
}

// Options 配置分发处理器。
type Options struct {
	// AppName 应用名，必填
	AppName string
	// Functions 托管的函数集合，标识必须互不重复
	Functions []fn.Servable
	// Engine 执行引擎，缺省为进程内直接执行
	Engine Engine
	// Framework 适配框架名，出现在 SDK 身份头第三段，缺省 "http"
	Framework string
	// Logger 日志器，缺省使用全局标准日志器
	Logger *logrus.Logger
	// Metrics 指标收集器，nil 时不记录指标
	Metrics *metrics.Metrics
	// SigningKey 显式签名密钥，优先于环境变量被采纳
	SigningKey string
	// Env 环境快照，nil 时在构造当下采集
	Env EnvSnapshot
	// ServePath 构造注册地址时覆盖入站请求的路径
	ServePath string
	// ServeHost 构造注册地址时覆盖入站请求的协议与主机
	ServeHost string
	// RegisterURL 生产编排器注册端点，缺省 DefaultRegisterURL
	RegisterURL string
	// DevServerURL 本地开发编排器地址，缺省取环境变量或内置默认值
	DevServerURL string
	// LandingPage 引导页开关，nil 时由环境变量决定，默认开启
	LandingPage *bool
	// RegisterTimeout 注册请求超时，缺省 DefaultRegisterTimeout
	RegisterTimeout time.Duration
	// HTTPClient 出站请求客户端，缺省为带追踪传输层的客户端
	HTTPClient *http.Client
}

// Handler 是动作分发器。
// 所有字段在构造后只读，签名密钥槽位除外（受互斥锁保护）。
type Handler struct {
	appName         string
	framework       string
	fns             []fn.Servable
	index           map[string]fn.Servable
	engine          Engine
	logger          *logrus.Logger
	metrics         *metrics.Metrics
	keys            signing.KeyStore
	servePath       string
	serveHost       string
	landing         *bool
	registerURL     string
	devClient       *devserver.Client
	registerTimeout time.Duration
	httpClient      *http.Client
}

// NewHandler 构造动作分发器。
// 函数标识重复或应用名缺失时返回错误。
func NewHandler(opts Options) (*Handler, error) {
	appName := strings.TrimSpace(opts.AppName)
	if appName == "" {
		return nil, ErrEmptyAppName
	}

	index := make(map[string]fn.Servable, len(opts.Functions))
	for _, f := range opts.Functions {
		id := f.ID(appName)
		if _, exists := index[id]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateFunction, id)
		}
		index[id] = f
	}

	env := opts.Env
	if env == nil {
		env = SnapshotEnviron()
	}

	framework := opts.Framework
	if framework == "" {
		framework = "http"
	}

	eng := opts.Engine
	if eng == nil {
		eng = engine.Direct{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	registerURL := opts.RegisterURL
	if registerURL == "" {
		registerURL = DefaultRegisterURL
	}

	devURL := opts.DevServerURL
	if devURL == "" {
		devURL = env.Get(EnvDevServerURL)
	}
	// NIMBUS_DEV 携带地址时既开启开发模式也指明编排器位置
	if devURL == "" {
		if v := env.Get(EnvDev); strings.Contains(v, "://") {
			devURL = v
		}
	}

	registerTimeout := opts.RegisterTimeout
	if registerTimeout <= 0 {
		registerTimeout = DefaultRegisterTimeout
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = telemetry.InstrumentedHTTPClient()
	}

	h := &Handler{
		appName:         appName,
		framework:       framework,
		fns:             append([]fn.Servable(nil), opts.Functions...),
		index:           index,
		engine:          eng,
		logger:          logger,
		metrics:         opts.Metrics,
		servePath:       opts.ServePath,
		serveHost:       opts.ServeHost,
		landing:         opts.LandingPage,
		registerURL:     registerURL,
		devClient:       devserver.New(devURL),
		registerTimeout: registerTimeout,
		httpClient:      httpClient,
	}

	// 显式密钥优先采纳，环境密钥留待请求期补位
	h.keys.Adopt(opts.SigningKey)

	if h.metrics != nil {
		h.metrics.SetFunctionsServed(len(h.fns))
	}
	return h, nil
}

// AppName 返回应用名。
func (h *Handler) AppName() string {
	return h.appName
}

// Functions 返回托管函数集合（按注册顺序）。
func (h *Handler) Functions() []fn.Servable {
	return h.fns
}

// Handle 分发一个动作并返回完整响应。
// 该方法绝不 panic 也绝不返回错误：一切内部失败都转换为故障响应，
// 且所有响应都带 SDK 身份头。
func (h *Handler) Handle(ctx context.Context, action Action) Response {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "comm.handle",
		trace.WithAttributes(attribute.String("action.kind", string(action.Kind))))
	defer span.End()

	requestID := newRequestID()
	resp := h.dispatch(ctx, action, requestID)

	if resp.Headers == nil {
		resp.Headers = make(map[string]string, 1)
	}
	resp.Headers[HeaderSDK] = SDKHeader(h.framework)

	if h.metrics != nil {
		h.metrics.RecordAction(string(action.Kind), resp.Status, float64(time.Since(start).Milliseconds()))
	}
	return resp
}

// dispatch 将动作路由到对应的操作，并吸收路由过程中的一切 panic。
func (h *Handler) dispatch(ctx context.Context, action Action, requestID string) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			err := recoveredError(r)
			telemetry.RecordError(ctx, err)
			h.logger.WithContext(ctx).WithFields(logrus.Fields{
				"request_id":  requestID,
				"action_kind": string(action.Kind),
			}).WithError(err).Error("Action handling panicked")
			resp = h.faultResponse(errdata.Serialize(err), requestID)
		}
	}()

	switch action.Kind {
	case ActionView:
		return h.view(ctx, action, requestID)
	case ActionRegister:
		return h.register(ctx, action, requestID)
	case ActionRun:
		return h.run(ctx, action, requestID)
	case ActionBadMethod:
		return Response{Status: http.StatusMethodNotAllowed}
	case ActionError:
		err := action.Err
		if err == nil {
			err = errors.New("request could not be classified")
		}
		telemetry.RecordError(ctx, err)
		h.logger.WithContext(ctx).WithField("request_id", requestID).
			WithError(err).Error("Failed to classify request")
		return h.faultResponse(errdata.Serialize(err), requestID)
	default:
		// 未能识别的动作与 bad-method 同样以 405 空体应答
		return Response{Status: http.StatusMethodNotAllowed}
	}
}

// view 处理查看动作：自省文档或引导页。
// 生产模式或引导页被禁用时一律 405。
func (h *Handler) view(ctx context.Context, action Action, requestID string) Response {
	// 从本次请求的环境快照采纳新出现的签名密钥，首写独占
	h.keys.Adopt(action.Env.Get(EnvSigningKey))

	if action.Production || !h.landingAllowed(action) {
		return h.errorResponse(http.StatusMethodNotAllowed, "method not allowed", requestID)
	}

	if action.Introspect {
		doc, err := h.introspection(action)
		if err != nil {
			return h.faultResponse(errdata.Serialize(err), requestID)
		}
		return h.jsonResponse(http.StatusOK, doc)
	}

	page, err := landing.Render(h.appName, len(h.fns))
	if err != nil {
		return h.faultResponse(errdata.Serialize(err), requestID)
	}
	return Response{
		Status:  http.StatusOK,
		Headers: map[string]string{"Content-Type": "text/html; charset=utf-8"},
		Body:    page,
	}
}

// landingAllowed 判定引导页是否开放。
// 显式配置优先，其次请求快照中的环境开关，默认开放。
func (h *Handler) landingAllowed(action Action) bool {
	if h.landing != nil {
		return *h.landing
	}
	if v := action.Env.Get(EnvLandingPage); v != "" {
		return IsTruthy(v)
	}
	return true
}

// ========== 响应构造 ==========

// errorBody 是故障响应的统一载体。
type errorBody struct {
	// Error 故障描述，取原始失败的消息，消息缺失时退回堆栈
	Error string `json:"error"`
	// Name 错误名称
	Name string `json:"name,omitempty"`
	// Stack 原始失败的调用堆栈（若安全捕获到）
	Stack string `json:"stack,omitempty"`
	// RequestID 请求关联标识，便于与日志对账
	RequestID string `json:"request_id,omitempty"`
}

// jsonResponse 将任意值编码为 JSON 响应。
func (h *Handler) jsonResponse(status int, v any) Response {
	body, err := json.Marshal(v)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode response body")
		return Response{
			Status:  http.StatusInternalServerError,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    []byte(`{"error":"failed to encode response"}`),
		}
	}
	return Response{
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}
}

// errorResponse 构造只携带消息的简单故障响应。
func (h *Handler) errorResponse(status int, message, requestID string) Response {
	return h.jsonResponse(status, errorBody{Error: message, RequestID: requestID})
}

// faultResponse 构造携带完整错误信息的 500 故障响应。
func (h *Handler) faultResponse(se *errdata.SerializedError, requestID string) Response {
	detail := se.Message
	if detail == "" {
		detail = se.Stack
	}
	return h.jsonResponse(http.StatusInternalServerError, errorBody{
		Error:     detail,
		Name:      se.Name,
		Stack:     se.Stack,
		RequestID: requestID,
	})
}

// recoveredError 将 recover 捕获的任意值转换为 error。
// 非 error 值按 JSON 文本包进通用错误，保证原始内容不丢失。
func recoveredError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	raw, err := json.Marshal(r)
	if err != nil {
		raw = []byte(fmt.Sprintf("%q", fmt.Sprint(r)))
	}
	return fmt.Errorf("unknown error: %s", raw)
}

// newRequestID 生成短请求标识，用于日志与故障体的关联。
func newRequestID() string {
	return uuid.New().String()[:8]
}
