package nimbusgo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/nimbusgo/comm"
	"github.com/oriys/nimbusgo/internal/telemetry"
)

// 事件发送错误
var (
	ErrMissingEventKey = errors.New("event key is required in production")
	ErrNoEvents        = errors.New("no events to send")
)

// devEventKey 非生产模式下未配置密钥时使用的占位密钥，
// 本地开发编排器接受任意密钥。
const devEventKey = "dev"

// sendResponse 是事件接收端点应答的宽容解析结构。
type sendResponse struct {
	IDs    []string `json:"ids"`
	Status int      `json:"status"`
	Error  string   `json:"error"`
}

// Send 发送单条事件，返回其幂等标识。
func (c *Client) Send(ctx context.Context, evt Event) (string, error) {
	ids, err := c.SendMany(ctx, []Event{evt})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// SendMany 批量发送事件，返回与入参同序的幂等标识列表。
// 缺省的事件标识与时间戳在发送前补齐；任一事件校验失败则整批不发送；
// 传输失败原样返回错误，由调用方决定重试。
func (c *Client) SendMany(ctx context.Context, events []Event) ([]string, error) {
	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	key, err := c.sendKey()
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(events))
	now := time.Now().UnixMilli()
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		if events[i].ID == "" {
			events[i].ID = uuid.New().String()
		}
		if events[i].Timestamp == 0 {
			events[i].Timestamp = now
		}
		ids[i] = events[i].ID
	}

	ctx, span := telemetry.StartSpan(ctx, "client.send",
		trace.WithAttributes(attribute.Int("events.count", len(events))))
	defer span.End()

	body, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("marshal events: %w", err)
	}

	target := strings.TrimRight(c.cfg.Endpoints.EventAPIURL, "/") + "/e/" + url.PathEscape(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(comm.HeaderSDK, comm.SDKHeader("http"))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordEvents(len(events), false)
		telemetry.RecordError(ctx, err)
		return nil, fmt.Errorf("send events: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordEvents(len(events), false)
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.recordEvents(len(events), false)
		var parsed sendResponse
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error != "" {
			return nil, fmt.Errorf("send events: %s", parsed.Error)
		}
		return nil, fmt.Errorf("send events: http %d: %s",
			resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	// 应答携带完整标识列表时以其为准，否则退回本地生成的标识
	var parsed sendResponse
	if json.Unmarshal(respBody, &parsed) == nil && len(parsed.IDs) == len(events) {
		ids = parsed.IDs
	}

	c.recordEvents(len(events), true)
	c.logger.WithFields(logrus.Fields{
		"count": len(events),
	}).Debug("Events sent")
	return ids, nil
}

// sendKey 解析本次发送使用的事件密钥。
// 生产模式下缺失密钥是错误；非生产模式退回开发占位密钥。
func (c *Client) sendKey() (string, error) {
	if c.eventKey != "" {
		return c.eventKey, nil
	}
	if !c.production {
		return devEventKey, nil
	}
	return "", ErrMissingEventKey
}

func (c *Client) recordEvents(count int, success bool) {
	if c.metrics != nil {
		c.metrics.RecordEventsSent(count, success)
	}
}
