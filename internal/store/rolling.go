// Package store 面向查询接口的滚动内存存储
//
// 每个患者键只保留最近N条读数，先进先出淘汰。重复投递和乱序投递都表现为
// last-write-wins，这是已接受的性质（broker为at-least-once语义）。
package store

import (
	"strings"
	"sync"

	"carepulse-ingest/internal/models"
)

// DefaultCapacity 每个患者键保留的读数上限
const DefaultCapacity = 100

// RollingStore 按 hospital|dept|ward|patient 键滚动保存读数历史
type RollingStore struct {
	capacity int

	mu   sync.RWMutex
	data map[string][]*models.Reading
}

// NewRollingStore 创建滚动存储；capacity<=0 时使用默认上限
func NewRollingStore(capacity int) *RollingStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RollingStore{
		capacity: capacity,
		data:     make(map[string][]*models.Reading),
	}
}

// Append 追加一条读数，超出上限时淘汰最旧的
func (s *RollingStore) Append(reading *models.Reading) {
	key := reading.StoreKey()

	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.data[key], reading)
	if len(list) > s.capacity {
		list = list[len(list)-s.capacity:]
	}
	s.data[key] = list
}

// Patients 返回当前已知的患者ID列表（去重）
func (s *RollingStore) Patients() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var patients []string
	for key := range s.data {
		parts := strings.Split(key, "|")
		patient := parts[len(parts)-1]
		if _, ok := seen[patient]; !ok {
			seen[patient] = struct{}{}
			patients = append(patients, patient)
		}
	}
	return patients
}

// History 返回指定患者的全部滚动历史（跨院区/病区合并）
func (s *RollingStore) History(patientID string) []*models.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Reading
	for key, list := range s.data {
		parts := strings.Split(key, "|")
		if parts[len(parts)-1] == patientID {
			out = append(out, list...)
		}
	}
	return out
}

// Snapshot 返回每个患者键的最新一条读数
func (s *RollingStore) Snapshot() map[string]*models.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*models.Reading, len(s.data))
	for key, list := range s.data {
		if len(list) > 0 {
			out[key] = list[len(list)-1]
		}
	}
	return out
}

// Keys 返回当前存储的患者键数量
func (s *RollingStore) Keys() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Len 返回指定键当前保留的读数条数
func (s *RollingStore) Len(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[key])
}
