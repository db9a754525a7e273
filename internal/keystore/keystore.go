// Package keystore 管理每台设备的对称加密密钥（K_device）
//
// 安全模型：
//   - 每个设备/患者持有独立的128位密钥
//   - 密钥记录落盘保存，进程重启后仍然有效
//   - 支持发放、轮换、吊销；记录只做软状态变更，从不物理删除
package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"time"
)

// Status 密钥记录状态
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// 轮换后的旧密钥归档别名后缀，保留用于宽限期解密和审计
const archiveSuffix = "_old"

// KeyLength 设备密钥长度（128位）
const KeyLength = 16

var (
	// ErrDeviceRevoked 设备已被吊销，不会自动重新发放
	ErrDeviceRevoked = errors.New("keystore: device revoked")
	// ErrDeviceNotFound 设备不存在且自动发放策略已关闭
	ErrDeviceNotFound = errors.New("keystore: device not found")
	// ErrNoArchivedKey 设备没有归档的旧密钥
	ErrNoArchivedKey = errors.New("keystore: no archived key")
)

// Record 设备密钥记录
type Record struct {
	Key        string `json:"key"` // hex编码的128位密钥
	Status     Status `json:"status,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
	RotatedAt  string `json:"rotated_at,omitempty"`
	RevokedAt  string `json:"revoked_at,omitempty"`
	ArchivedAt string `json:"archived_at,omitempty"`
}

// Store 设备密钥存取接口
// 实现与存储介质无关，文件实现可被嵌入式数据库替换而不影响调用方
type Store interface {
	// Provision 为设备发放新密钥；设备已有Active密钥时幂等返回原密钥
	Provision(deviceID string) ([]byte, error)
	// GetKey 返回设备当前Active密钥
	// 设备不存在时按自动发放策略处理；已吊销返回ErrDeviceRevoked
	GetKey(deviceID string) ([]byte, error)
	// Revoke 吊销设备密钥，重复吊销幂等；设备不存在返回ErrDeviceNotFound
	Revoke(deviceID string) error
	// Rotate 轮换密钥：旧密钥归档保留，新密钥立即生效
	Rotate(deviceID string) ([]byte, error)
	// ArchivedKey 返回最近一次轮换归档的旧密钥（仅供审计/宽限期使用）
	ArchivedKey(deviceID string) ([]byte, error)
	// ListDevices 列出所有Active设备ID
	ListDevices() []string
}

// newKey 生成加密安全的随机128位密钥
func newKey() (string, error) {
	buf := make([]byte, KeyLength)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// deviceLocks 按设备ID细粒度加锁，避免无关设备之间互相串行
type deviceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newDeviceLocks() *deviceLocks {
	return &deviceLocks{locks: make(map[string]*sync.Mutex)}
}

func (d *deviceLocks) get(deviceID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.locks[deviceID]; ok {
		return l
	}
	l := &sync.Mutex{}
	d.locks[deviceID] = l
	return l
}
