// 本文件实现注册动作：构造注册体、选择注册目标（生产编排器或
// 本地开发编排器）、投递注册请求并宽容地解析应答。
package comm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/oriys/nimbusgo/fn"
	"github.com/oriys/nimbusgo/internal/errdata"
)

// DeployTypePing 是本 SDK 唯一支持的部署方式：注册时只上报回调
// 地址，由编排器在需要时主动回调。
const DeployTypePing = "ping"

// defaultRegisterMessage 是编排器应答缺失说明时采用的默认文案。
const defaultRegisterMessage = "Successfully registered"

// Registration 是上报给编排器的注册体。
// Hash 由其余全部字段派生，参与序列化但不参与自身的计算。
type Registration struct {
	// URL 函数服务对外可达的地址
	URL string `json:"url"`
	// DeployType 部署方式，恒为 DeployTypePing
	DeployType string `json:"deployType"`
	// Framework 适配框架名
	Framework string `json:"framework"`
	// AppName 应用名
	AppName string `json:"appName"`
	// Functions 全部托管函数的描述
	Functions []fn.Config `json:"functions"`
	// SDK SDK 标识，形如 "go:v0.5.1"
	SDK string `json:"sdk"`
	// V 注册协议版本
	V string `json:"v"`
	// Hash 除本字段外整个注册体的 SHA-256 摘要
	Hash string `json:"hash,omitempty"`
}

// ComputeHash 计算注册体的摘要。
// 计算时 Hash 字段置空（借助 omitempty 不参与序列化），
// 因此摘要只覆盖其余字段；任何描述变化都会改变摘要。
func (r Registration) ComputeHash() (string, error) {
	r.Hash = ""
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// resolveServeURL 从入站请求地址推导注册用的服务地址。
// 先应用路径覆盖，再应用主机覆盖（保留路径与查询），
// 最后剥除自省标记。
func (h *Handler) resolveServeURL(reqURL *url.URL) *url.URL {
	u := *reqURL
	if h.servePath != "" {
		u.Path = h.servePath
	}
	if h.serveHost != "" {
		if host, err := url.Parse(h.serveHost); err == nil && host.Host != "" {
			u.Scheme = host.Scheme
			u.Host = host.Host
		}
	}
	q := u.Query()
	q.Del(QueryIntrospect)
	u.RawQuery = q.Encode()
	return &u
}

// buildRegistration 为当前托管集合构造注册体。摘要最后计算。
func (h *Handler) buildRegistration(action Action) (Registration, error) {
	serveURL := h.resolveServeURL(action.URL)

	fns := make([]fn.Config, 0, len(h.fns))
	for _, f := range h.fns {
		fns = append(fns, f.Config(serveURL, h.appName))
	}

	reg := Registration{
		URL:        serveURL.String(),
		DeployType: DeployTypePing,
		Framework:  h.framework,
		AppName:    h.appName,
		Functions:  fns,
		SDK:        SDKIdentifier(),
		V:          ProtocolVersion,
	}

	hash, err := reg.ComputeHash()
	if err != nil {
		return Registration{}, err
	}
	reg.Hash = hash
	return reg, nil
}

// introspection 是自省文档：注册体加上本地可见的运行状态。
// 签名密钥只暴露是否存在，绝不暴露内容。
type introspection struct {
	Registration
	// DevServerURL 探测的本地开发编排器地址
	DevServerURL string `json:"devServerURL"`
	// HasSigningKey 是否已持有签名密钥
	HasSigningKey bool `json:"hasSigningKey"`
}

func (h *Handler) introspection(action Action) (introspection, error) {
	reg, err := h.buildRegistration(action)
	if err != nil {
		return introspection{}, err
	}
	return introspection{
		Registration:  reg,
		DevServerURL:  h.devClient.Origin(),
		HasSigningKey: h.keys.Present(),
	}, nil
}

// registerResult 是注册动作返回给调用方的响应体。
type registerResult struct {
	// Message 注册结果说明
	Message string `json:"message"`
	// Modified 编排器侧配置是否发生了变化
	Modified bool `json:"modified,omitempty"`
}

// registerResponse 是编排器注册应答的宽容解析结构。
// 所有字段都可缺省：status 默认 200，error 默认成功文案，
// skipped 默认 false。
type registerResponse struct {
	Status   int    `json:"status"`
	Error    string `json:"error"`
	Skipped  bool   `json:"skipped"`
	Modified bool   `json:"modified"`
}

// register 处理注册动作。
// 非生产模式先探测本地开发编排器并在可达时改投其注册端点；
// 投递失败一律转换为 500 响应，绝不向适配层抛出。
func (h *Handler) register(ctx context.Context, action Action, requestID string) Response {
	h.keys.Adopt(action.Env.Get(EnvSigningKey))

	target := h.registerURL
	targetKind := "cloud"

	available := h.devClient.Available(ctx, action.Production)
	if !action.Production {
		if h.metrics != nil {
			h.metrics.RecordDevServerProbe(available)
		}
		if available {
			target = h.devClient.RegisterURL()
			targetKind = "dev"
		}
	}

	reg, err := h.buildRegistration(action)
	if err != nil {
		return h.faultResponse(errdata.Serialize(err), requestID)
	}

	log := h.logger.WithContext(ctx).WithFields(logrus.Fields{
		"request_id": requestID,
		"target":     target,
		"app_name":   h.appName,
		"functions":  len(reg.Functions),
	})

	parsed, err := h.sendRegistration(ctx, target, reg)
	if err != nil {
		if h.metrics != nil {
			h.metrics.RecordRegistration(targetKind, "failed")
		}
		log.WithError(err).Error("Failed to register with orchestrator")
		return h.jsonResponse(http.StatusInternalServerError, registerResult{
			Message: "Failed to register; " + err.Error(),
		})
	}

	if parsed.Skipped {
		if h.metrics != nil {
			h.metrics.RecordRegistration(targetKind, "skipped")
		}
		log.Debug("Registration skipped by orchestrator")
	} else {
		if h.metrics != nil {
			h.metrics.RecordRegistration(targetKind, "registered")
		}
		log.WithFields(logrus.Fields{
			"status":   parsed.Status,
			"modified": parsed.Modified,
		}).Info("Registered with orchestrator")
	}

	return h.jsonResponse(parsed.Status, registerResult{
		Message:  parsed.Error,
		Modified: parsed.Modified,
	})
}

// sendRegistration 向目标端点投递注册体并宽容解析应答。
// 投递凭证为签名密钥的派生值；未持有密钥时匿名投递。
func (h *Handler) sendRegistration(ctx context.Context, target string, reg Registration) (registerResponse, error) {
	body, err := json.Marshal(reg)
	if err != nil {
		return registerResponse{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, h.registerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return registerResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSDK, SDKHeader(h.framework))
	if cred := h.keys.Credential(); cred != "" {
		req.Header.Set("Authorization", "Bearer "+cred)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return registerResponse{}, err
	}
	defer resp.Body.Close()

	return parseRegisterResponse(resp.Body), nil
}

// parseRegisterResponse 宽容解析编排器应答。
// 应答体不是合法 JSON 或字段缺失时逐项回退默认值。
func parseRegisterResponse(body io.Reader) registerResponse {
	parsed := registerResponse{}
	if data, err := io.ReadAll(body); err == nil {
		_ = json.Unmarshal(data, &parsed)
	}
	if parsed.Status == 0 {
		parsed.Status = http.StatusOK
	}
	if parsed.Error == "" {
		parsed.Error = defaultRegisterMessage
	}
	return parsed
}
