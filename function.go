package nimbusgo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/oriys/nimbusgo/comm"
	"github.com/oriys/nimbusgo/fn"
)

// 函数构造错误
var (
	ErrMissingFunctionName = errors.New("function name is required")
	ErrMissingHandler      = errors.New("function handler is required")
	ErrInvalidTrigger      = errors.New("trigger requires exactly one of event or cron")
)

// cronParser 校验定时触发表达式，接受标准五段式与 @every 等描述符。
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// HandlerFunc 是函数体。input 携带触发事件与已完成步骤的结果。
type HandlerFunc func(ctx context.Context, input fn.Input) (any, error)

// FunctionOpts 配置一个函数。
type FunctionOpts struct {
	// ID 显式标识，缺省由 Name 转换为小写连字符形式
	ID string
	// Name 显示名称，必填
	Name string
	// Retries 步骤最大尝试次数，0 表示交由编排器的默认策略
	Retries int
}

// EventTrigger 构造事件触发条件。
func EventTrigger(event string) fn.Trigger {
	return fn.Trigger{Event: event}
}

// EventTriggerIf 构造带匹配表达式的事件触发条件，
// 表达式由编排器在事件匹配阶段求值。
func EventTriggerIf(event, expression string) fn.Trigger {
	return fn.Trigger{Event: event, Expression: expression}
}

// CronTrigger 构造定时触发条件。
func CronTrigger(expr string) fn.Trigger {
	return fn.Trigger{Cron: expr}
}

// Function 是一个可注册、可执行的函数。
// 它同时实现 fn.Servable（注册描述）与 fn.Callable（进程内执行）。
type Function struct {
	opts    FunctionOpts
	slug    string
	trigger fn.Trigger
	handler HandlerFunc
}

// CreateFunction 构造函数并校验其配置。
// 名称与函数体必填；触发条件必须且只能是事件或定时之一；
// 定时表达式在此处即校验，非法表达式是构造期错误而非运行期故障。
func CreateFunction(opts FunctionOpts, trigger fn.Trigger, handler HandlerFunc) (*Function, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, ErrMissingFunctionName
	}
	if handler == nil {
		return nil, ErrMissingHandler
	}

	hasEvent := trigger.Event != ""
	hasCron := trigger.Cron != ""
	if hasEvent == hasCron {
		return nil, ErrInvalidTrigger
	}
	if hasCron {
		if _, err := cronParser.Parse(trigger.Cron); err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", trigger.Cron, err)
		}
	}

	slug := opts.ID
	if slug == "" {
		slug = opts.Name
	}
	return &Function{
		opts:    opts,
		slug:    Slugify(slug),
		trigger: trigger,
		handler: handler,
	}, nil
}

// ID 返回以应用名为作用域的函数标识。
func (f *Function) ID(appName string) string {
	if app := Slugify(appName); app != "" {
		return app + "-" + f.slug
	}
	return f.slug
}

// Name 返回函数显示名称。
func (f *Function) Name() string {
	return f.opts.Name
}

// Config 生成注册描述。
// 步骤回调地址在服务地址上追加 fnId 与 stepId 查询参数，
// 编排器执行时按原样回调。
func (f *Function) Config(serveURL *url.URL, appName string) fn.Config {
	id := f.ID(appName)

	stepURL := *serveURL
	q := stepURL.Query()
	q.Set(comm.QueryFnID, id)
	q.Set(comm.QueryStepID, fn.DefaultStepID)
	stepURL.RawQuery = q.Encode()

	step := fn.Step{
		ID:      fn.DefaultStepID,
		Name:    f.opts.Name,
		Runtime: fn.Runtime{Type: fn.RuntimeHTTP, URL: stepURL.String()},
	}
	if f.opts.Retries > 0 {
		step.Retries = &fn.Retries{Attempts: f.opts.Retries}
	}

	return fn.Config{
		ID:       id,
		Name:     f.opts.Name,
		Triggers: []fn.Trigger{f.trigger},
		Steps:    map[string]fn.Step{fn.DefaultStepID: step},
	}
}

// Call 执行函数体。
func (f *Function) Call(ctx context.Context, input fn.Input) (any, error) {
	return f.handler(ctx, input)
}

// slugRe 匹配需要折叠为连字符的字符段。
var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify 把任意名称转换为小写连字符标识。
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
