// Package events 实现按区块区间和时间区间检索合约事件，以及合约家族检测
package events

import (
	"context"

	"github.com/sirupsen/logrus"

	"notary/internal/errors"
	"notary/internal/ledger"
	"notary/internal/retry"
	"notary/pkg/models"
)

// Locator 按时间戳二分查找区块号
type Locator struct {
	client  ledger.Client
	retrier *retry.Retrier
	logger  *logrus.Logger
}

// NewLocator 创建定位器，retryConfig 控制区块暂不可用时的重试预算
func NewLocator(client ledger.Client, retryConfig retry.RetryConfig, logger *logrus.Logger) *Locator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Locator{
		client:  client,
		retrier: retry.NewRetrier(retryConfig, logger),
		logger:  logger,
	}
}

// WithRetrier 替换重试器
func (l *Locator) WithRetrier(r *retry.Retrier) *Locator {
	l.retrier = r
	return l
}

// Locate 返回 [start, end] 中第一个时间戳不小于 target 的区块，多个区块时间戳相同时取最小的；
// 所有区块都早于 target 时返回 end+1
func (l *Locator) Locate(ctx context.Context, target, start, end uint64) (uint64, error) {
	if l == nil || l.client == nil {
		return 0, errors.ProviderUnavailable("locator")
	}

	log := l.logger.WithFields(logrus.Fields{
		"component": "locator",
		"target":    target,
	})

	left, right := start, end
	for left <= right {
		mid := left + (right-left)/2

		block, err := l.blockAt(ctx, mid)
		if err != nil {
			return 0, err
		}

		if block.Timestamp < target {
			left = mid + 1
			if left == 0 { // 溢出
				return mid, nil
			}
			continue
		}
		// 时间戳相同的区块可能不止一个，继续向左收缩
		if mid == start {
			break
		}
		right = mid - 1
	}

	log.Debugf("区间 [%d, %d] 内最接近的区块为 %d", start, end, left)
	return left, nil
}

// blockAt 获取区块，区块暂不可用时在同一位置按退避重试
func (l *Locator) blockAt(ctx context.Context, number uint64) (*models.BlockInfo, error) {
	attempts := l.retrier.Config().MaxAttempts

	for attempt := 1; attempt <= attempts; attempt++ {
		block, err := l.client.Block(ctx, number)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.LedgerFailed("获取区块", err).WithBlockNumber(number)
		}
		if block != nil {
			return block, nil
		}

		if attempt < attempts {
			l.logger.WithFields(logrus.Fields{
				"component": "locator",
				"block":     number,
				"attempt":   attempt,
			}).Debug("区块暂不可用，稍后重试")
			if err := l.retrier.Wait(ctx, attempt); err != nil {
				return nil, err
			}
		}
	}

	return nil, errors.BlockUnavailable(number, attempts)
}
