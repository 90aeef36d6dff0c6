package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"notary/internal/connection"
	"notary/internal/retry"
	"notary/pkg/models"
)

// EthClient 基于连接池的以太坊账本客户端。单个节点上的瞬时错误按重试器重试，
// 仍然失败时按优先级切换节点
type EthClient struct {
	pool    *connection.Pool
	retrier *retry.Retrier
	logger  *logrus.Logger
}

// NewEthClient 创建以太坊账本客户端，retrier 为空时每个节点只尝试一次
func NewEthClient(pool *connection.Pool, retrier *retry.Retrier, logger *logrus.Logger) *EthClient {
	if logger == nil {
		logger = logrus.New()
	}
	if retrier == nil {
		retrier = retry.NewRetrier(retry.RetryConfig{MaxAttempts: 1}, logger)
	}
	return &EthClient{pool: pool, retrier: retrier, logger: logger}
}

// call 依次在健康节点上执行 fn，直到成功或节点耗尽
func call[T any](ctx context.Context, c *EthClient, method string, fn func(connection.Backend) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for _, node := range c.pool.Nodes() {
		result, err := retry.Do(ctx, c.retrier, method+"@"+node.Name(), func() (T, error) {
			if err := node.Wait(ctx); err != nil {
				return zero, err
			}
			return fn(node.Backend())
		})
		if err == nil {
			c.pool.MarkHealthy(node)
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		// 区块不存在不是节点故障
		if errors.Is(err, ethereum.NotFound) {
			return zero, err
		}

		lastErr = err
		c.pool.MarkFailed(node, err)
		c.logger.WithFields(logrus.Fields{
			"component": "rpc_client",
			"method":    method,
			"node":      node.Name(),
		}).Debugf("RPC 调用失败，尝试下一个节点: %v", err)
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("没有可用的节点")
	}
	return zero, fmt.Errorf("%s: %w", method, lastErr)
}

// BlockNumber 当前链高度
func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	return call(ctx, c, "eth_blockNumber", func(b connection.Backend) (uint64, error) {
		return b.BlockNumber(ctx)
	})
}

// Block 获取区块头中的时间戳，区块不存在时返回 (nil, nil)
func (c *EthClient) Block(ctx context.Context, number uint64) (*models.BlockInfo, error) {
	header, err := call(ctx, c, "eth_getBlockByNumber", func(b connection.Backend) (*types.Header, error) {
		return b.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, nil
	}
	return &models.BlockInfo{Number: number, Timestamp: header.Time}, nil
}

// CodeAt 获取最新状态下的合约字节码
func (c *EthClient) CodeAt(ctx context.Context, address common.Address) ([]byte, error) {
	return call(ctx, c, "eth_getCode", func(b connection.Backend) ([]byte, error) {
		return b.CodeAt(ctx, address, nil)
	})
}

// FilterLogs 查询日志
func (c *EthClient) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	return call(ctx, c, "eth_getLogs", func(b connection.Backend) ([]types.Log, error) {
		return b.FilterLogs(ctx, query)
	})
}

var _ Client = (*EthClient)(nil)
