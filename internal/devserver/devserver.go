// Package devserver 探测本地开发编排器是否可用。
// 生产模式下探测被完全短路，不发起任何网络请求。
package devserver

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultURL 本地开发编排器的默认地址
	DefaultURL = "http://127.0.0.1:8288"
	// InfoPath 探活端点路径
	InfoPath = "/dev"
	// RegisterPath 开发编排器的注册端点路径
	RegisterPath = "/fn/register"
	// DefaultProbeTimeout 单次探测允许的最长耗时
	DefaultProbeTimeout = 500 * time.Millisecond
)

// Client 是开发编排器的探测客户端。
type Client struct {
	origin     string
	httpClient *http.Client
}

// New 构造探测客户端。origin 为空时使用 DefaultURL。
func New(origin string) *Client {
	if origin == "" {
		origin = DefaultURL
	}
	return &Client{
		origin:     strings.TrimRight(origin, "/"),
		httpClient: &http.Client{Timeout: DefaultProbeTimeout},
	}
}

// Origin 返回探测目标的基地址。
func (c *Client) Origin() string {
	return c.origin
}

// RegisterURL 返回开发编排器的注册端点。
func (c *Client) RegisterURL() string {
	return c.origin + RegisterPath
}

// Available 报告开发编排器当前是否可达。
// 生产模式恒为 false 且不发起请求；探测超时、连接失败、
// 非 2xx 响应一律视为不可达，绝不向调用方抛错。
func (c *Client) Available(ctx context.Context, production bool) bool {
	if production {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.origin+InfoPath, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
