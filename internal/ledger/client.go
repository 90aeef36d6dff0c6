// Package ledger 定义只读账本查询接口及其以太坊 JSON-RPC 实现
package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"notary/pkg/models"
)

// Client 只读账本查询接口
type Client interface {
	// BlockNumber 当前链高度
	BlockNumber(ctx context.Context) (uint64, error)
	// Block 按区块号获取区块摘要，区块不存在时返回 (nil, nil)
	Block(ctx context.Context, number uint64) (*models.BlockInfo, error)
	// CodeAt 获取地址上的合约字节码，无合约时返回空切片
	CodeAt(ctx context.Context, address common.Address) ([]byte, error)
	// FilterLogs 查询日志，结果按 (区块号, 日志索引) 升序
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
}
