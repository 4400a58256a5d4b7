// 本文件实现执行动作：解析运行载荷、定位目标函数、驱动执行引擎，
// 并把结果或失败转换为协议响应。
package comm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oriys/nimbusgo/fn"
	"github.com/oriys/nimbusgo/internal/errdata"
	"github.com/oriys/nimbusgo/internal/signing"
	"github.com/oriys/nimbusgo/internal/telemetry"
)

// 执行动作相关错误
var (
	ErrFunctionNotFound = errors.New("function not found")
	ErrMissingEvent     = errors.New("run payload requires an event object")
	ErrMalformedPayload = errors.New("run payload is malformed")
)

// runPayload 是编排器投递的运行载荷。
type runPayload struct {
	// Event 触发事件，必须为 JSON 对象
	Event json.RawMessage `json:"event"`
	// Steps 已完成步骤的结果，可缺省
	Steps map[string]json.RawMessage `json:"steps"`
	// Ctx 运行元数据
	Ctx fn.InputCtx `json:"ctx"`
}

// parseRunPayload 解析并校验运行载荷。
// 载荷整体必须是合法 JSON 且 event 字段必须是 JSON 对象；
// steps 缺省补为空集合。畸形载荷与字段缺失是不同的错误。
func parseRunPayload(data []byte) (runPayload, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return runPayload{}, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}

	var p runPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return runPayload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	ev := bytes.TrimSpace(p.Event)
	if len(ev) == 0 || ev[0] != '{' {
		return runPayload{}, ErrMissingEvent
	}

	if p.Steps == nil {
		p.Steps = make(map[string]json.RawMessage)
	}
	return p, nil
}

// run 处理执行动作。
// 生产模式下先校验入站签名；函数解析、载荷校验或引擎失败都转换
// 为故障响应；失败的挂起操作记录作为 206 数据转发而非 HTTP 故障。
func (h *Handler) run(ctx context.Context, action Action, requestID string) Response {
	h.keys.Adopt(action.Env.Get(EnvSigningKey))

	if action.Production && h.keys.Present() {
		if err := signing.Validate(h.keys.Key(), action.Signature, action.Payload, time.Now()); err != nil {
			h.logger.WithContext(ctx).WithFields(logrus.Fields{
				"request_id":  requestID,
				"function_id": action.FunctionID,
			}).WithError(err).Warn("Rejected request with invalid signature")
			return h.errorResponse(http.StatusUnauthorized, "invalid request signature", requestID)
		}
	}

	f, ok := h.index[action.FunctionID]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrFunctionNotFound, action.FunctionID)
		h.logger.WithContext(ctx).WithField("request_id", requestID).
			WithError(err).Warn("Run request for unknown function")
		return h.faultResponse(errdata.Serialize(err), requestID)
	}

	payload, err := parseRunPayload(action.Payload)
	if err != nil {
		return h.faultResponse(errdata.Serialize(err), requestID)
	}

	input := fn.Input{
		Event: payload.Event,
		Steps: payload.Steps,
		Ctx:   payload.Ctx,
	}
	input.Ctx.FunctionID = action.FunctionID
	if action.StepID != "" {
		input.Ctx.StepID = action.StepID
	}

	telemetry.AddSpanAttributes(ctx,
		attribute.String("function.id", action.FunctionID),
		attribute.String("run.id", input.Ctx.RunID),
	)

	start := time.Now()
	intermediate, body, err := h.engine.Execute(ctx, f, input)
	durationMs := float64(time.Since(start).Milliseconds())

	log := h.logger.WithContext(ctx).WithFields(logrus.Fields{
		"request_id":  requestID,
		"function_id": action.FunctionID,
		"run_id":      input.Ctx.RunID,
	})

	if err != nil {
		var opErr *errdata.OutgoingOpError
		if errors.As(err, &opErr) {
			// 操作自身失败，但作为数据上报，由编排器决定重试或终止
			if h.metrics != nil {
				h.metrics.RecordStepRun(action.FunctionID, "error", durationMs)
			}
			log.WithField("op_id", opErr.Op.ID).Debug("Forwarding failed op to orchestrator")
			return h.jsonResponse(http.StatusPartialContent, opErr.Op)
		}

		telemetry.RecordError(ctx, err)
		if h.metrics != nil {
			h.metrics.RecordStepRun(action.FunctionID, "error", durationMs)
		}
		log.WithError(err).Error("Function run failed")
		return h.faultResponse(errdata.Serialize(err), requestID)
	}

	outcome := "ok"
	status := http.StatusOK
	if intermediate {
		outcome = "intermediate"
		status = http.StatusPartialContent
	}
	if h.metrics != nil {
		h.metrics.RecordStepRun(action.FunctionID, outcome, durationMs)
	}
	log.WithFields(logrus.Fields{
		"outcome":     outcome,
		"duration_ms": durationMs,
	}).Debug("Function run completed")

	return h.jsonResponse(status, body)
}
