package events

import (
	"context"

	"github.com/sirupsen/logrus"

	"notary/pkg/models"
)

// DetectionStore 检测结果缓存
type DetectionStore interface {
	Get(address string) (*models.Detection, error)
	Put(detection *models.Detection) error
}

// CachedDetector 在检测器外包一层地址到家族的缓存，只缓存成功的检测结果
type CachedDetector struct {
	inner  FamilyDetector
	store  DetectionStore
	logger *logrus.Logger
}

// NewCachedDetector 创建带缓存的检测器
func NewCachedDetector(inner FamilyDetector, store DetectionStore, logger *logrus.Logger) *CachedDetector {
	if logger == nil {
		logger = logrus.New()
	}
	return &CachedDetector{inner: inner, store: store, logger: logger}
}

// DetectDetailed 先查缓存，未命中时检测并写入缓存。缓存读写失败只记录日志
func (c *CachedDetector) DetectDetailed(ctx context.Context, address string) (*models.Detection, error) {
	log := c.logger.WithFields(logrus.Fields{
		"component": "cached_detector",
		"address":   address,
	})

	if c.store != nil {
		cached, err := c.store.Get(address)
		if err != nil {
			log.Warnf("读取检测缓存失败: %v", err)
		} else if cached != nil && cached.Family.Valid() {
			cached.Cached = true
			log.Debug("命中检测缓存")
			return cached, nil
		}
	}

	detection, err := c.inner.DetectDetailed(ctx, address)
	if err != nil {
		return nil, err
	}

	if c.store != nil {
		if err := c.store.Put(detection); err != nil {
			log.Warnf("写入检测缓存失败: %v", err)
		}
	}
	return detection, nil
}

// Detect 返回 address 所属的合约家族
func (c *CachedDetector) Detect(ctx context.Context, address string) (models.ContractFamily, error) {
	detection, err := c.DetectDetailed(ctx, address)
	if err != nil {
		return models.FamilyUnknown, err
	}
	return detection.Family, nil
}
