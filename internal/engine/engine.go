// Package engine 提供进程内直接执行函数的默认引擎。
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/oriys/nimbusgo/fn"
)

// ErrNotCallable 表示托管函数不支持进程内执行。
var ErrNotCallable = errors.New("function does not support in-process execution")

// Direct 在当前进程内同步执行整个函数体。
// 它不产生中间步骤，一次调用要么完成整个运行要么失败。
type Direct struct{}

// Execute 执行函数并返回最终结果。
// 被托管的函数必须同时实现 fn.Callable，否则返回 ErrNotCallable。
func (Direct) Execute(ctx context.Context, f fn.Servable, input fn.Input) (bool, any, error) {
	callable, ok := f.(fn.Callable)
	if !ok {
		return false, nil, fmt.Errorf("%w: %s", ErrNotCallable, f.Name())
	}

	result, err := callable.Call(ctx, input)
	if err != nil {
		return false, nil, err
	}
	return false, result, nil
}
