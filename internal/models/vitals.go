package models

import (
	"encoding/json"
	"time"
)

// Vitals 生命体征数值字段集合
// 解密后的载荷中除数值字段外还携带patient_id/timestamp等字符串字段，
// 反序列化时只保留数值部分
type Vitals map[string]float64

// UnmarshalJSON 只保留数值字段
func (v *Vitals) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Vitals, len(raw))
	for k, val := range raw {
		if f, ok := val.(float64); ok {
			out[k] = f
		}
	}
	*v = out
	return nil
}

// Get 读取字段值，缺失时返回默认值
func (v Vitals) Get(field string, def float64) float64 {
	if val, ok := v[field]; ok {
		return val
	}
	return def
}

// Reading 一次完整的患者读数：生命体征 + 管道解析出的位置元数据
// 解密成功后物化一次，之后不可变；下游各消费方持有各自的副本
type Reading struct {
	Hospital string `json:"hospital"`
	Dept     string `json:"dept"`
	Ward     string `json:"ward"`
	Patient  string `json:"patient"`

	Vitals Vitals `json:"vitals"`

	DeviceID   string    `json:"device_id"`
	Timestamp  string    `json:"timestamp,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// StoreKey 滚动存储的键：hospital|dept|ward|patient
func (r *Reading) StoreKey() string {
	return r.Hospital + "|" + r.Dept + "|" + r.Ward + "|" + r.Patient
}
