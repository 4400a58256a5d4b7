package nimbusgo

import (
	"errors"
	"strings"
)

// ErrInvalidEvent 表示事件缺少必要字段。
var ErrInvalidEvent = errors.New("event name is required")

// Event 是投递给编排器的一条事件。
type Event struct {
	// ID 幂等标识，缺省时发送前自动生成
	ID string `json:"id,omitempty"`
	// Name 事件名称，形如 "user/signed.up"，必填
	Name string `json:"name"`
	// Data 事件负载
	Data map[string]any `json:"data,omitempty"`
	// User 关联的用户属性，供编排器做去重与查找
	User map[string]any `json:"user,omitempty"`
	// Timestamp 毫秒时间戳，缺省时发送前取当前时间
	Timestamp int64 `json:"ts,omitempty"`
	// Version 事件负载结构的版本标记
	Version string `json:"v,omitempty"`
}

// Validate 校验事件是否可发送。
func (e Event) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return ErrInvalidEvent
	}
	return nil
}
