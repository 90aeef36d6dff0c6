// Package store 使用 BoltDB 持久化合约家族检测结果
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"notary/internal/errors"
	"notary/pkg/models"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/families.db"

	// 存储桶名称
	DetectionBucket = "detections"
	StatsBucket     = "stats"

	// 统计键
	HitsKey   = "hits"
	MissesKey = "misses"
)

// FamilyStore 地址到检测结果的持久化缓存
type FamilyStore struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	mu     sync.Mutex
}

// NewFamilyStore 打开或创建检测结果数据库
func NewFamilyStore(dbPath string, logger *logrus.Logger) (*FamilyStore, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}
	if logger == nil {
		logger = logrus.New()
	}

	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, storageError("创建数据目录失败", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, storageError("打开检测结果数据库失败", err)
	}

	s := &FamilyStore{
		db:     db,
		logger: logger,
		dbPath: dbPath,
	}

	if err := s.initDB(); err != nil {
		db.Close()
		return nil, storageError("初始化数据库失败", err)
	}

	logger.Debugf("检测结果缓存已打开，数据库路径: %s", dbPath)
	return s, nil
}

// initDB 初始化数据库结构
func (s *FamilyStore) initDB() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(DetectionBucket)); err != nil {
			return fmt.Errorf("创建检测结果存储桶失败: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(StatsBucket)); err != nil {
			return fmt.Errorf("创建统计存储桶失败: %w", err)
		}
		return nil
	})
}

func storageError(message string, err error) *errors.NotaryError {
	return errors.WrapError(err, errors.ErrorTypeStorage, errors.SeverityHigh, errors.CodeStorageFailed, message)
}

// key 统一使用校验和格式的地址作为键
func key(address string) []byte {
	if common.IsHexAddress(address) {
		return []byte(common.HexToAddress(address).Hex())
	}
	return []byte(strings.ToLower(address))
}

// Get 读取缓存的检测结果，未命中时返回 (nil, nil)
func (s *FamilyStore) Get(address string) (*models.Detection, error) {
	var detection *models.Detection

	err := s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(DetectionBucket)).Get(key(address))

		counter := MissesKey
		if data != nil {
			counter = HitsKey
			var d models.Detection
			if err := json.Unmarshal(data, &d); err != nil {
				return fmt.Errorf("解析检测结果失败: %w", err)
			}
			detection = &d
		}
		return incr(tx.Bucket([]byte(StatsBucket)), counter)
	})
	if err != nil {
		return nil, storageError("读取检测结果失败", err)
	}
	return detection, nil
}

// Put 保存检测结果
func (s *FamilyStore) Put(detection *models.Detection) error {
	if detection == nil || !detection.Family.Valid() {
		return errors.InvalidInput("只能缓存成功的检测结果")
	}

	stored := *detection
	stored.Cached = false
	data, err := json.Marshal(&stored)
	if err != nil {
		return storageError("序列化检测结果失败", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(DetectionBucket)).Put(key(detection.Address), data)
	})
	if err != nil {
		return storageError("保存检测结果失败", err)
	}
	return nil
}

// Forget 删除单个地址的缓存，返回是否存在
func (s *FamilyStore) Forget(address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(DetectionBucket))
		k := key(address)
		existed = bucket.Get(k) != nil
		return bucket.Delete(k)
	})
	if err != nil {
		return false, storageError("删除检测结果失败", err)
	}
	return existed, nil
}

// List 返回全部缓存的检测结果
func (s *FamilyStore) List() ([]*models.Detection, error) {
	var detections []*models.Detection
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(DetectionBucket)).ForEach(func(k, v []byte) error {
			var d models.Detection
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("解析 %s 的检测结果失败: %w", k, err)
			}
			detections = append(detections, &d)
			return nil
		})
	})
	if err != nil {
		return nil, storageError("读取检测结果失败", err)
	}
	return detections, nil
}

// Reset 清空全部缓存和统计
func (s *FamilyStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{DetectionBucket, StatsBucket} {
			if tx.Bucket([]byte(name)) != nil {
				if err := tx.DeleteBucket([]byte(name)); err != nil {
					return err
				}
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storageError("清空检测结果失败", err)
	}
	s.logger.Info("检测结果缓存已清空")
	return nil
}

func incr(bucket *bolt.Bucket, name string) error {
	value := uint64(0)
	if data := bucket.Get([]byte(name)); len(data) == 8 {
		value = binary.BigEndian.Uint64(data)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, value+1)
	return bucket.Put([]byte(name), buf)
}

func readCounter(bucket *bolt.Bucket, name string) uint64 {
	if data := bucket.Get([]byte(name)); len(data) == 8 {
		return binary.BigEndian.Uint64(data)
	}
	return 0
}

// GetDBPath 获取数据库路径
func (s *FamilyStore) GetDBPath() string {
	return s.dbPath
}

// GetStats 获取统计信息
func (s *FamilyStore) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"db_path": s.dbPath,
	}
	_ = s.db.View(func(tx *bolt.Tx) error {
		stats["entries"] = tx.Bucket([]byte(DetectionBucket)).Stats().KeyN
		statsBucket := tx.Bucket([]byte(StatsBucket))
		stats["hits"] = readCounter(statsBucket, HitsKey)
		stats["misses"] = readCounter(statsBucket, MissesKey)
		return nil
	})
	return stats
}

// Close 关闭数据库
func (s *FamilyStore) Close() error {
	if s.db != nil {
		s.logger.Debug("关闭检测结果缓存")
		return s.db.Close()
	}
	return nil
}
