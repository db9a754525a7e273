package models

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEnvelope 信封格式非法（JSON损坏、缺少必填字段、base64解码失败）
// 此类消息不可恢复：记录日志后丢弃，不做重试
var ErrMalformedEnvelope = errors.New("models: malformed envelope")

// Envelope MQTT线上消息信封
// encrypted=true 时 ciphertext/nonce 必填（base64标准编码）
// encrypted=false 时 vitals 必填（开发/降级模式，明文传输）
type Envelope struct {
	DeviceID  string `json:"device_id"`
	Hospital  string `json:"hospital"`
	Ward      string `json:"ward"`
	Encrypted bool   `json:"encrypted"`

	Ciphertext string `json:"ciphertext,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
	Vitals     Vitals `json:"vitals,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`
	// TimestampUS 设备发送时刻（微秒），用于计算网络延迟
	TimestampUS int64 `json:"timestamp_us,omitempty"`
	// LatencyEncryptMS 设备侧加密耗时（仅供观测，不参与处理）
	LatencyEncryptMS float64 `json:"latency_encrypt_ms,omitempty"`
}

// ParseEnvelope 解析并校验MQTT消息体
func ParseEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate 校验信封不变式
func (e *Envelope) Validate() error {
	if e.DeviceID == "" {
		return fmt.Errorf("%w: missing device_id", ErrMalformedEnvelope)
	}
	if e.Encrypted {
		if e.Ciphertext == "" || e.Nonce == "" {
			return fmt.Errorf("%w: encrypted envelope missing ciphertext or nonce", ErrMalformedEnvelope)
		}
	} else if e.Vitals == nil {
		return fmt.Errorf("%w: plain envelope missing vitals", ErrMalformedEnvelope)
	}
	return nil
}

// DecodePayload 解码base64密文和nonce
// 长度校验由crypto层负责，这里只处理编码合法性
func (e *Envelope) DecodePayload() (ciphertext, nonce []byte, err error) {
	ciphertext, err = base64.StdEncoding.DecodeString(e.Ciphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad ciphertext base64", ErrMalformedEnvelope)
	}
	nonce, err = base64.StdEncoding.DecodeString(e.Nonce)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad nonce base64", ErrMalformedEnvelope)
	}
	return ciphertext, nonce, nil
}

// EncodePayload 将密文和nonce编码为信封传输字段
func EncodePayload(ciphertext, nonce []byte) (string, string) {
	return base64.StdEncoding.EncodeToString(ciphertext), base64.StdEncoding.EncodeToString(nonce)
}
