// Package testutil 提供测试用的内存账本
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"notary/internal/decoder"
	"notary/internal/ledger"
	"notary/pkg/models"
)

// MemoryLedger 内存账本，实现 ledger.Client，支持故障注入和调用计数
type MemoryLedger struct {
	mu sync.Mutex

	height     uint64
	timestamps map[uint64]uint64
	timeFunc   func(number uint64) uint64
	missing    map[uint64]int // 剩余返回 nil 的次数，负数表示永久缺失
	code       map[common.Address][]byte
	logs       []types.Log
	nextIndex  map[uint64]uint

	heightErr error
	blockErr  error
	codeErr   error
	filterErr error

	blockCalls  map[uint64]int
	filterCalls int
}

// NewMemoryLedger 创建空账本
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		timestamps: make(map[uint64]uint64),
		missing:    make(map[uint64]int),
		code:       make(map[common.Address][]byte),
		nextIndex:  make(map[uint64]uint),
		blockCalls: make(map[uint64]int),
	}
}

// SetHeight 设置链高度
func (m *MemoryLedger) SetHeight(height uint64) *MemoryLedger {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height = height
	return m
}

// SetTimestampFunc 为未显式添加的区块提供时间戳
func (m *MemoryLedger) SetTimestampFunc(fn func(number uint64) uint64) *MemoryLedger {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeFunc = fn
	return m
}

// AddBlock 添加区块，必要时抬高链高度
func (m *MemoryLedger) AddBlock(number, timestamp uint64) *MemoryLedger {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timestamps[number] = timestamp
	if number > m.height {
		m.height = number
	}
	return m
}

// MissingBlock 区块在接下来 times 次查询中返回 nil，times < 0 表示永久缺失
func (m *MemoryLedger) MissingBlock(number uint64, times int) *MemoryLedger {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missing[number] = times
	return m
}

// SetCode 设置地址上的合约字节码
func (m *MemoryLedger) SetCode(address common.Address, code []byte) *MemoryLedger {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.code[address] = code
	return m
}

// AddLog 追加日志，自动分配区块内日志索引
func (m *MemoryLedger) AddLog(log types.Log) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log.Index = m.nextIndex[log.BlockNumber]
	m.nextIndex[log.BlockNumber]++
	if log.TxHash == (common.Hash{}) {
		log.TxHash = common.BytesToHash([]byte(fmt.Sprintf("tx-%d-%d", log.BlockNumber, log.Index)))
	}
	if log.BlockNumber > m.height {
		m.height = log.BlockNumber
	}
	m.logs = append(m.logs, log)
}

// Emit 按 ABI 编码事件并写入账本
func (m *MemoryLedger) Emit(codec *decoder.EventCodec, contract common.Address, eventName string, blockNumber uint64, args map[string]any) error {
	topics, data, err := codec.EncodeLog(eventName, args)
	if err != nil {
		return err
	}
	m.AddLog(types.Log{
		Address:     contract,
		Topics:      topics,
		Data:        data,
		BlockNumber: blockNumber,
	})
	return nil
}

// FailHeight 注入 BlockNumber 错误
func (m *MemoryLedger) FailHeight(err error) { m.setErr(&m.heightErr, err) }

// FailBlocks 注入 Block 错误
func (m *MemoryLedger) FailBlocks(err error) { m.setErr(&m.blockErr, err) }

// FailCode 注入 CodeAt 错误
func (m *MemoryLedger) FailCode(err error) { m.setErr(&m.codeErr, err) }

// FailLogs 注入 FilterLogs 错误
func (m *MemoryLedger) FailLogs(err error) { m.setErr(&m.filterErr, err) }

func (m *MemoryLedger) setErr(target *error, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*target = err
}

// BlockCalls 区块 number 被查询的次数
func (m *MemoryLedger) BlockCalls(number uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blockCalls[number]
}

// TotalBlockCalls 区块查询总次数
func (m *MemoryLedger) TotalBlockCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.blockCalls {
		total += n
	}
	return total
}

// FilterCalls 日志查询次数
func (m *MemoryLedger) FilterCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterCalls
}

// BlockNumber 实现 ledger.Client
func (m *MemoryLedger) BlockNumber(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heightErr != nil {
		return 0, m.heightErr
	}
	return m.height, nil
}

// Block 实现 ledger.Client
func (m *MemoryLedger) Block(ctx context.Context, number uint64) (*models.BlockInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.blockCalls[number]++
	if m.blockErr != nil {
		return nil, m.blockErr
	}
	if remaining, ok := m.missing[number]; ok && remaining != 0 {
		if remaining > 0 {
			m.missing[number] = remaining - 1
		}
		return nil, nil
	}
	if number > m.height {
		return nil, nil
	}

	ts, ok := m.timestamps[number]
	if !ok {
		if m.timeFunc == nil {
			return nil, nil
		}
		ts = m.timeFunc(number)
	}
	return &models.BlockInfo{Number: number, Timestamp: ts}, nil
}

// CodeAt 实现 ledger.Client
func (m *MemoryLedger) CodeAt(ctx context.Context, address common.Address) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.codeErr != nil {
		return nil, m.codeErr
	}
	return m.code[address], nil
}

// FilterLogs 实现 ledger.Client，语义与节点的 eth_getLogs 一致
func (m *MemoryLedger) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.filterCalls++
	if m.filterErr != nil {
		return nil, m.filterErr
	}

	from := uint64(0)
	if query.FromBlock != nil {
		from = query.FromBlock.Uint64()
	}
	to := m.height
	if query.ToBlock != nil {
		to = query.ToBlock.Uint64()
	}

	var result []types.Log
	for _, log := range m.logs {
		if log.BlockNumber < from || log.BlockNumber > to {
			continue
		}
		if !matchAddress(query.Addresses, log.Address) {
			continue
		}
		if !matchTopics(query.Topics, log.Topics) {
			continue
		}
		result = append(result, log)
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].BlockNumber != result[j].BlockNumber {
			return result[i].BlockNumber < result[j].BlockNumber
		}
		return result[i].Index < result[j].Index
	})
	return result, nil
}

func matchAddress(addresses []common.Address, address common.Address) bool {
	if len(addresses) == 0 {
		return true
	}
	for _, a := range addresses {
		if a == address {
			return true
		}
	}
	return false
}

func matchTopics(filter [][]common.Hash, topics []common.Hash) bool {
	if len(filter) > len(topics) {
		return false
	}
	for i, alternatives := range filter {
		if len(alternatives) == 0 {
			continue
		}
		matched := false
		for _, want := range alternatives {
			if topics[i] == want {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

var _ ledger.Client = (*MemoryLedger)(nil)
