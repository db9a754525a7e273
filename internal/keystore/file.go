package keystore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// FileStore 基于JSON文件的密钥存储
// 写入采用临时文件+rename保证原子性，文件权限限制为仅属主可读写
type FileStore struct {
	path          string
	autoProvision bool
	logger        *zap.Logger

	mu      sync.RWMutex // 保护records
	records map[string]*Record

	devLocks *deviceLocks
	fileMu   sync.Mutex // 串行化落盘写入
}

// NewFileStore 创建文件密钥存储，加载已有密钥记录
func NewFileStore(path string, autoProvision bool, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}

	s := &FileStore{
		path:          path,
		autoProvision: autoProvision,
		logger:        logger,
		records:       make(map[string]*Record),
		devLocks:      newDeviceLocks(),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	logger.Info("Key store initialized",
		zap.String("path", path),
		zap.Bool("auto_provision", autoProvision),
		zap.Int("records", len(s.records)),
	)
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read key file: %w", err)
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return fmt.Errorf("failed to parse key file: %w", err)
	}
	return nil
}

// persist 将当前记录快照原子写入磁盘
func (s *FileStore) persist() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.records, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal key records: %w", err)
	}

	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp key file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace key file: %w", err)
	}
	return nil
}

// Provision 发放设备密钥
// 已有Active密钥时幂等返回；对已吊销的设备重新发放会创建全新的Active记录
func (s *FileStore) Provision(deviceID string) ([]byte, error) {
	lock := s.devLocks.get(deviceID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	existing, ok := s.records[deviceID]
	s.mu.RUnlock()

	if ok && existing.Status == StatusActive {
		s.logger.Warn("Device already provisioned", zap.String("device_id", deviceID))
		return hex.DecodeString(existing.Key)
	}

	keyHex, err := newKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	s.mu.Lock()
	s.records[deviceID] = &Record{
		Key:       keyHex,
		Status:    StatusActive,
		CreatedAt: timestamp(),
	}
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return nil, err
	}

	s.logger.Info("Provisioned device key", zap.String("device_id", deviceID))
	return hex.DecodeString(keyHex)
}

// GetKey 返回设备当前Active密钥
func (s *FileStore) GetKey(deviceID string) ([]byte, error) {
	s.mu.RLock()
	rec, ok := s.records[deviceID]
	s.mu.RUnlock()

	if !ok {
		if !s.autoProvision {
			return nil, ErrDeviceNotFound
		}
		// 宽松策略：未知设备自动发放（开发模式默认，生产环境应关闭）
		s.logger.Info("Auto-provisioning unknown device", zap.String("device_id", deviceID))
		return s.Provision(deviceID)
	}

	if rec.Status != StatusActive {
		return nil, ErrDeviceRevoked
	}
	return hex.DecodeString(rec.Key)
}

// Revoke 吊销设备密钥，幂等
func (s *FileStore) Revoke(deviceID string) error {
	lock := s.devLocks.get(deviceID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	rec, ok := s.records[deviceID]
	if !ok {
		s.mu.Unlock()
		return ErrDeviceNotFound
	}
	if rec.Status == StatusRevoked {
		s.mu.Unlock()
		return nil
	}
	rec.Status = StatusRevoked
	rec.RevokedAt = timestamp()
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return err
	}

	s.logger.Warn("Revoked device key", zap.String("device_id", deviceID))
	return nil
}

// Rotate 轮换设备密钥
// 旧密钥归档到 <device_id>_old 别名下保留宽限期，新密钥立即生效
func (s *FileStore) Rotate(deviceID string) ([]byte, error) {
	lock := s.devLocks.get(deviceID)
	lock.Lock()
	defer lock.Unlock()

	keyHex, err := newKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	s.mu.Lock()
	if old, ok := s.records[deviceID]; ok {
		s.records[deviceID+archiveSuffix] = &Record{
			Key:        old.Key,
			ArchivedAt: timestamp(),
		}
	}
	s.records[deviceID] = &Record{
		Key:       keyHex,
		Status:    StatusActive,
		RotatedAt: timestamp(),
	}
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return nil, err
	}

	s.logger.Info("Rotated device key", zap.String("device_id", deviceID))
	return hex.DecodeString(keyHex)
}

// ArchivedKey 返回最近一次轮换归档的旧密钥
func (s *FileStore) ArchivedKey(deviceID string) ([]byte, error) {
	s.mu.RLock()
	rec, ok := s.records[deviceID+archiveSuffix]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNoArchivedKey
	}
	return hex.DecodeString(rec.Key)
}

// ListDevices 列出所有Active设备ID（排除归档别名）
func (s *FileStore) ListDevices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]string, 0, len(s.records))
	for id, rec := range s.records {
		if rec.Status == StatusActive && !isArchiveAlias(id) {
			devices = append(devices, id)
		}
	}
	return devices
}

func isArchiveAlias(id string) bool {
	return len(id) > len(archiveSuffix) && id[len(id)-len(archiveSuffix):] == archiveSuffix
}
