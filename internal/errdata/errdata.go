// Package errdata 提供跨进程错误传输的序列化信封。
// 该包将任意失败值编码为可携带身份信息（名称/消息/堆栈）的 JSON 结构，
// 通过显式标记字段识别"已序列化"的错误以保证重复序列化的幂等性，
// 并在反序列化信息不足时退化为安全的占位错误，避免把本层的调用帧
// 误当作原始失败的堆栈泄露出去。
package errdata

import (
	"encoding/json"
	"errors"
	"runtime"
	"strconv"
	"strings"
)

// SerializedKey 是序列化信封中的标记字段名。
// 识别依据是该标记而非结构猜测，普通数据即使形状相似也不会被误判。
const SerializedKey = "__serialized"

// DefaultErrorName 是无法识别具体错误类型时使用的通用名称。
const DefaultErrorName = "Error"

// UnknownErrorMessage 是反序列化失败时占位错误携带的固定消息。
const UnknownErrorMessage = "unknown error, could not reserialize"

// SerializedError 是可在网络与进程边界间传递的错误信封。
type SerializedError struct {
	// Name 错误名称，至少为 DefaultErrorName
	Name string `json:"name"`
	// Message 错误消息
	Message string `json:"message"`
	// Stack 捕获的调用堆栈，可能为空
	Stack string `json:"stack,omitempty"`
	// Serialized 标记字段，序列化后的信封恒为 true
	Serialized bool `json:"__serialized"`
}

// Error 实现 error 接口。
func (e *SerializedError) Error() string {
	if e.Name != "" && e.Name != DefaultErrorName {
		return e.Name + ": " + e.Message
	}
	return e.Message
}

// Namer 允许错误类型自定义其序列化名称。
// 未实现该接口的错误使用 DefaultErrorName。
type Namer interface {
	ErrorName() string
}

// New 构造一个带标记的序列化错误，不捕获堆栈。
func New(name, message string) *SerializedError {
	if name == "" {
		name = DefaultErrorName
	}
	return &SerializedError{Name: name, Message: message, Serialized: true}
}

// Serialize 将任意错误编码为序列化信封。
// 已序列化的错误原样返回（幂等），包括被 fmt.Errorf 包装后仍可识别的情况。
func Serialize(err error) *SerializedError {
	if err == nil {
		return New(DefaultErrorName, UnknownErrorMessage)
	}

	var se *SerializedError
	if errors.As(err, &se) {
		return se
	}

	name := DefaultErrorName
	var n Namer
	if errors.As(err, &n) {
		name = n.ErrorName()
	}

	return &SerializedError{
		Name:       name,
		Message:    err.Error(),
		Stack:      captureStack(1),
		Serialized: true,
	}
}

// Deserialize 从 JSON 数据还原序列化错误。
// name 与 message 缺一不可；解析失败或字段不全时返回占位错误，
// 且占位错误的堆栈必须为空。
func Deserialize(data []byte) *SerializedError {
	var se SerializedError
	if err := json.Unmarshal(data, &se); err != nil || se.Name == "" || se.Message == "" {
		return &SerializedError{
			Name:       DefaultErrorName,
			Message:    UnknownErrorMessage,
			Stack:      "",
			Serialized: true,
		}
	}
	se.Serialized = true
	return &se
}

// captureStack 捕获当前调用堆栈。
// skip 指定跳过的调用层数（不包含 captureStack 自身）。
func captureStack(skip int) string {
	const maxDepth = 32
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	if n == 0 {
		return ""
	}

	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder
	for {
		frame, more := frames.Next()
		// 过滤标准库帧，只保留业务调用链
		if strings.Contains(frame.File, "runtime/") ||
			strings.Contains(frame.File, "net/http") {
			if !more {
				break
			}
			continue
		}
		sb.WriteString(frame.Function)
		sb.WriteString("\n\t")
		sb.WriteString(frame.File)
		sb.WriteString(":")
		sb.WriteString(strconv.Itoa(frame.Line))
		sb.WriteString("\n")
		if !more {
			break
		}
	}
	return sb.String()
}

// 挂起操作记录的操作码常量
const (
	// OpStep 表示一次已完成内容待上报的子步骤
	OpStep = "Step"
	// OpStepError 表示一次自身结果为错误的子步骤
	OpStepError = "StepError"
)

// OutgoingOp 表示一条上报给编排器的挂起操作记录。
// 当步骤执行尚未完成整个函数时，该记录作为 206 响应体的内容。
type OutgoingOp struct {
	// ID 操作标识，由执行引擎生成
	ID string `json:"id"`
	// Op 操作码，见 OpStep / OpStepError
	Op string `json:"op"`
	// Name 操作显示名（可选）
	Name string `json:"name,omitempty"`
	// Data 操作携带的结果数据
	Data json.RawMessage `json:"data,omitempty"`
	// Error 操作自身的失败信息，仅 OpStepError 时存在
	Error *SerializedError `json:"error,omitempty"`
}

// OutgoingOpError 包装一条其自身结果为错误的挂起操作记录。
// 它向分发器表明：本应正常返回 206 的操作内容实际是一个失败的子步骤，
// 必须作为失败步骤数据转发给编排器（由其决定重试或终止整个运行），
// 而不是作为 HTTP 层面的故障返回。
type OutgoingOpError struct {
	Op OutgoingOp
}

// Error 实现 error 接口。
func (e *OutgoingOpError) Error() string {
	if e.Op.Error != nil {
		return "step " + e.Op.ID + " failed: " + e.Op.Error.Error()
	}
	return "step " + e.Op.ID + " failed"
}

// Unwrap 暴露内层的序列化错误，便于 errors.As 链式匹配。
func (e *OutgoingOpError) Unwrap() error {
	if e.Op.Error != nil {
		return e.Op.Error
	}
	return nil
}
