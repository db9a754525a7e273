package keystore

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, autoProvision bool) *FileStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device_keys.json")
	store, err := NewFileStore(path, autoProvision, zap.NewNop())
	require.NoError(t, err)
	return store
}

func TestProvision_Idempotent(t *testing.T) {
	store := newTestStore(t, false)

	key1, err := store.Provision("hosp_1_bed_101")
	require.NoError(t, err)
	require.Len(t, key1, KeyLength)

	// 重复注册返回已有密钥，不会覆盖
	key2, err := store.Provision("hosp_1_bed_101")
	require.NoError(t, err)
	require.Equal(t, key1, key2)

	require.Equal(t, []string{"hosp_1_bed_101"}, store.ListDevices())
}

func TestGetKey_AutoProvision(t *testing.T) {
	store := newTestStore(t, true)

	key, err := store.GetKey("hosp_2_bed_7")
	require.NoError(t, err)
	require.Len(t, key, KeyLength)

	again, err := store.GetKey("hosp_2_bed_7")
	require.NoError(t, err)
	require.Equal(t, key, again)
}

func TestGetKey_UnknownWithoutAutoProvision(t *testing.T) {
	store := newTestStore(t, false)

	_, err := store.GetKey("never_seen")
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestRevoke_BlocksKeyAccess(t *testing.T) {
	store := newTestStore(t, true)

	_, err := store.Provision("hosp_1_bed_101")
	require.NoError(t, err)

	require.NoError(t, store.Revoke("hosp_1_bed_101"))

	// 吊销后即使开启自动注册也不得重新发放密钥
	_, err = store.GetKey("hosp_1_bed_101")
	require.ErrorIs(t, err, ErrDeviceRevoked)

	// 吊销操作幂等
	require.NoError(t, store.Revoke("hosp_1_bed_101"))
}

func TestRevoke_UnknownDevice(t *testing.T) {
	store := newTestStore(t, false)
	require.ErrorIs(t, store.Revoke("ghost"), ErrDeviceNotFound)
}

func TestProvision_AfterRevokeIssuesFreshKey(t *testing.T) {
	store := newTestStore(t, false)

	oldKey, err := store.Provision("hosp_1_bed_101")
	require.NoError(t, err)
	require.NoError(t, store.Revoke("hosp_1_bed_101"))

	newKey, err := store.Provision("hosp_1_bed_101")
	require.NoError(t, err)
	require.NotEqual(t, oldKey, newKey)

	got, err := store.GetKey("hosp_1_bed_101")
	require.NoError(t, err)
	require.Equal(t, newKey, got)
}

func TestRotate_KeepsArchivedKey(t *testing.T) {
	store := newTestStore(t, false)

	oldKey, err := store.Provision("hosp_1_bed_101")
	require.NoError(t, err)

	newKey, err := store.Rotate("hosp_1_bed_101")
	require.NoError(t, err)
	require.NotEqual(t, oldKey, newKey)

	// 轮换后当前密钥为新密钥，旧密钥归档可查（宽限期解密用）
	current, err := store.GetKey("hosp_1_bed_101")
	require.NoError(t, err)
	require.Equal(t, newKey, current)

	archived, err := store.ArchivedKey("hosp_1_bed_101")
	require.NoError(t, err)
	require.Equal(t, oldKey, archived)

	// 归档别名不出现在设备列表里
	require.Equal(t, []string{"hosp_1_bed_101"}, store.ListDevices())
}

func TestArchivedKey_NoneYet(t *testing.T) {
	store := newTestStore(t, false)

	_, err := store.Provision("hosp_1_bed_101")
	require.NoError(t, err)

	_, err = store.ArchivedKey("hosp_1_bed_101")
	require.ErrorIs(t, err, ErrNoArchivedKey)
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device_keys.json")

	store, err := NewFileStore(path, false, zap.NewNop())
	require.NoError(t, err)

	key, err := store.Provision("hosp_1_bed_101")
	require.NoError(t, err)

	_, err = store.Provision("hosp_2_bed_5")
	require.NoError(t, err)
	require.NoError(t, store.Revoke("hosp_2_bed_5"))

	reopened, err := NewFileStore(path, false, zap.NewNop())
	require.NoError(t, err)

	got, err := reopened.GetKey("hosp_1_bed_101")
	require.NoError(t, err)
	require.Equal(t, key, got)

	_, err = reopened.GetKey("hosp_2_bed_5")
	require.ErrorIs(t, err, ErrDeviceRevoked)
}

func TestFileStore_FilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "device_keys.json")

	store, err := NewFileStore(path, false, zap.NewNop())
	require.NoError(t, err)
	_, err = store.Provision("hosp_1_bed_101")
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestGetKey_ConcurrentAutoProvisionSingleKey(t *testing.T) {
	store := newTestStore(t, true)

	const workers = 32
	keys := make([][]byte, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, err := store.GetKey("hosp_1_bed_101")
			require.NoError(t, err)
			keys[i] = key
		}(i)
	}
	wg.Wait()

	// 并发首次访问只能产生一把密钥
	first := hex.EncodeToString(keys[0])
	for _, key := range keys[1:] {
		require.Equal(t, first, hex.EncodeToString(key))
	}
	require.Len(t, store.ListDevices(), 1)
}
