// Package fn 定义可被编排器调度的函数契约与注册描述结构。
// comm 分发层、执行引擎与上层 SDK 都依赖本包，使三者之间不形成环。
package fn

import (
	"context"
	"encoding/json"
	"net/url"
)

// DefaultStepID 是单步函数中唯一步骤的固定标识。
const DefaultStepID = "step"

// RuntimeHTTP 表示通过 HTTP 回调调用的运行时类型。
const RuntimeHTTP = "http"

// Servable 是可被分发器托管的函数。
// 实现方负责提供稳定的标识与注册描述，标识以应用名为作用域。
type Servable interface {
	// ID 返回函数标识，同一应用内必须唯一
	ID(appName string) string
	// Name 返回函数的显示名称
	Name() string
	// Config 以给定的服务地址与应用名为基础生成注册描述
	Config(serveURL *url.URL, appName string) Config
}

// Callable 是可在进程内直接执行的函数。
// 直接执行引擎要求 Servable 同时实现本接口。
type Callable interface {
	Call(ctx context.Context, input Input) (any, error)
}

// Input 是一次函数调用的完整输入。
type Input struct {
	// Event 触发本次运行的事件，保证为 JSON 对象
	Event json.RawMessage
	// Steps 已完成步骤的结果，键为步骤标识，缺省为空集合
	Steps map[string]json.RawMessage
	// Ctx 本次运行的上下文元数据
	Ctx InputCtx
}

// InputCtx 携带编排器附加的运行元数据。
type InputCtx struct {
	// FunctionID 被调函数标识
	FunctionID string `json:"fn_id"`
	// RunID 本次运行的标识
	RunID string `json:"run_id"`
	// StepID 目标步骤标识
	StepID string `json:"step_id"`
	// Attempt 当前重试序号，从 0 开始
	Attempt int `json:"attempt"`
}

// Config 是函数的注册描述，随注册请求上报给编排器。
type Config struct {
	// ID 函数标识
	ID string `json:"id"`
	// Name 函数显示名称
	Name string `json:"name"`
	// Triggers 触发条件，事件触发与定时触发至少其一
	Triggers []Trigger `json:"triggers"`
	// Steps 步骤描述，键为步骤标识
	Steps map[string]Step `json:"steps"`
}

// Trigger 描述一种触发条件。事件触发与定时触发互斥。
type Trigger struct {
	// Event 事件名称，事件触发时非空
	Event string `json:"event,omitempty"`
	// Expression 事件匹配表达式（可选）
	Expression string `json:"expression,omitempty"`
	// Cron 定时表达式，定时触发时非空
	Cron string `json:"cron,omitempty"`
}

// Step 描述函数内的一个步骤及其调用方式。
type Step struct {
	// ID 步骤标识
	ID string `json:"id"`
	// Name 步骤显示名称
	Name string `json:"name"`
	// Runtime 调用方式
	Runtime Runtime `json:"runtime"`
	// Retries 重试策略（可选）
	Retries *Retries `json:"retries,omitempty"`
}

// Runtime 描述步骤的调用方式。
type Runtime struct {
	// Type 运行时类型，当前仅 RuntimeHTTP
	Type string `json:"type"`
	// URL 步骤的回调地址，含 fnId 与 stepId 查询参数
	URL string `json:"url"`
}

// Retries 描述步骤的重试策略。
type Retries struct {
	// Attempts 最大尝试次数
	Attempts int `json:"attempts"`
}
