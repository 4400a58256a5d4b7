// Package signing 管理编排器签名密钥的整个生命周期：
// 规范化、凭证派生、首写独占的密钥采纳，以及入站请求的 HMAC 签名校验。
// 原始密钥只在派生与校验时短暂参与运算，任何对外暴露的值都是其摘要。
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SignatureTolerance 是入站签名时间戳允许偏离当前时间的最大幅度。
const SignatureTolerance = 5 * time.Minute

// 签名校验相关错误
var (
	ErrMalformedSignature = errors.New("signature is malformed")
	ErrExpiredSignature   = errors.New("signature timestamp outside tolerance")
	ErrInvalidSignature   = errors.New("signature does not match request")
)

// keyPrefixRe 匹配环境前缀，前缀在派生凭证时原样保留。
var keyPrefixRe = regexp.MustCompile(`^signkey-(test|prod)-`)

// Normalize 去除密钥首尾空白。空串表示密钥缺失。
func Normalize(key string) string {
	return strings.TrimSpace(key)
}

// splitKey 将密钥拆为环境前缀与其余部分。
// 无前缀时 prefix 为空串，remainder 为整个密钥。
func splitKey(key string) (prefix, remainder string) {
	if m := keyPrefixRe.FindString(key); m != "" {
		return m, key[len(m):]
	}
	return "", key
}

// keyBytes 返回参与摘要与 HMAC 运算的密钥字节。
// 带前缀的密钥其余部分按十六进制解码，解码失败则按原始字节处理；
// 不带前缀的密钥整体按原始字节处理。
func keyBytes(key string) []byte {
	prefix, remainder := splitKey(key)
	if prefix == "" {
		return []byte(key)
	}
	if b, err := hex.DecodeString(remainder); err == nil {
		return b
	}
	return []byte(remainder)
}

// DeriveCredential 从签名密钥派生出站凭证。
//
// 参数:
//   - key: 原始签名密钥，可带 signkey-(test|prod)- 前缀
//
// 返回值:
//   - 前缀 + 密钥字节 SHA-256 摘要的十六进制；密钥缺失时为空串
//
// 凭证携带前缀以便服务端区分环境，但绝不包含原始密钥内容。
func DeriveCredential(key string) string {
	key = Normalize(key)
	if key == "" {
		return ""
	}
	prefix, _ := splitKey(key)
	sum := sha256.Sum256(keyBytes(key))
	return prefix + hex.EncodeToString(sum[:])
}

// KeyStore 持有进程内采纳的签名密钥。
// 密钥遵循首写独占：一旦写入，后续候选一律拒绝。
type KeyStore struct {
	mu  sync.Mutex
	key string
}

// Adopt 尝试写入候选密钥，仅当此前没有任何密钥时成功。
// 返回值表示候选是否被采纳。空白候选永远不被采纳。
func (s *KeyStore) Adopt(candidate string) bool {
	candidate = Normalize(candidate)
	if candidate == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != "" {
		return false
	}
	s.key = candidate
	return true
}

// Key 返回当前持有的密钥，未采纳时为空串。
func (s *KeyStore) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// Present 报告是否已持有密钥。
func (s *KeyStore) Present() bool {
	return s.Key() != ""
}

// Credential 返回当前密钥派生出的凭证，未采纳时为空串。
func (s *KeyStore) Credential() string {
	return DeriveCredential(s.Key())
}

// Sign 为请求体生成 "t=<unix>&s=<hex>" 形式的签名。
// HMAC-SHA256 以密钥字节为键，对 请求体+时间戳 求值。
func Sign(key string, at time.Time, body []byte) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, keyBytes(Normalize(key)))
	mac.Write(body)
	mac.Write([]byte(ts))
	return "t=" + ts + "&s=" + hex.EncodeToString(mac.Sum(nil))
}

// Validate 校验入站请求签名。
//
// 参数:
//   - key: 本地持有的签名密钥
//   - sig: 请求携带的签名头，格式 "t=<unix>&s=<hex>"
//   - body: 原始请求体
//   - now: 当前时间，用于时效判断
//
// 返回值:
//   - nil 表示签名有效；否则为 ErrMalformedSignature /
//     ErrExpiredSignature / ErrInvalidSignature 之一（可能带补充信息）
func Validate(key, sig string, body []byte, now time.Time) error {
	vals, err := url.ParseQuery(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	ts := vals.Get("t")
	sum := vals.Get("s")
	if ts == "" || sum == "" {
		return fmt.Errorf("%w: missing t or s field", ErrMalformedSignature)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrMalformedSignature, ts)
	}
	age := now.Sub(time.Unix(unix, 0))
	if age > SignatureTolerance || age < -SignatureTolerance {
		return ErrExpiredSignature
	}

	got, err := hex.DecodeString(sum)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrMalformedSignature)
	}
	mac := hmac.New(sha256.New, keyBytes(Normalize(key)))
	mac.Write(body)
	mac.Write([]byte(ts))
	if !hmac.Equal(mac.Sum(nil), got) {
		return ErrInvalidSignature
	}
	return nil
}
