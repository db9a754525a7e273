package models

import "strings"

// TopicInfo 从MQTT主题解析出的位置身份信息
type TopicInfo struct {
	Hospital string
	Ward     string
	Patient  string
}

// ParseTopic 解析主题 hospital/{hospital}/ward/{ward}/patient/{patient_id}
//
// 主题段数不匹配时走尽力恢复路径（best-effort identity recovery）：
// hospital/ward 回退到信封字段，patient回退到device_id按"_"切分的末段，
// 再不行则为"unknown"。这是沿用上游的宽松解析策略，生产环境的重设计
// 应当拒绝畸形主题而不是尽力归属。
func ParseTopic(topic string, env *Envelope) TopicInfo {
	parts := strings.Split(topic, "/")
	if len(parts) >= 6 && parts[0] == "hospital" && parts[2] == "ward" && parts[4] == "patient" {
		return TopicInfo{
			Hospital: parts[1],
			Ward:     parts[3],
			Patient:  parts[5],
		}
	}

	info := TopicInfo{
		Hospital: fallback(env.Hospital),
		Ward:     fallback(env.Ward),
		Patient:  "unknown",
	}
	if idx := strings.LastIndex(env.DeviceID, "_"); idx >= 0 && idx < len(env.DeviceID)-1 {
		info.Patient = env.DeviceID[idx+1:]
	}
	return info
}

// DeriveDept 从ward推导department（ward_X → dept_X）
// 简化建模：生产环境应替换为显式的位置目录查询
func DeriveDept(ward string) string {
	return strings.ReplaceAll(ward, "ward_", "dept_")
}

// DeviceTopic 构造设备发布主题
func DeviceTopic(hospital, ward, patient string) string {
	return "hospital/" + hospital + "/ward/" + ward + "/patient/" + patient
}

func fallback(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
