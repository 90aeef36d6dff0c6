package events

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"notary/internal/decoder"
	"notary/internal/errors"
	"notary/internal/ledger"
	"notary/pkg/models"
)

// DefaultBlockConcurrency 并发获取区块时间戳的默认数量
const DefaultBlockConcurrency = 8

// Fetcher 按区块区间拉取并解码合约事件
type Fetcher struct {
	client      ledger.Client
	codec       *decoder.EventCodec
	concurrency int
	logger      *logrus.Logger
}

// NewFetcher 创建事件拉取器，codec 决定可解码的事件
func NewFetcher(client ledger.Client, codec *decoder.EventCodec, concurrency int, logger *logrus.Logger) *Fetcher {
	if concurrency <= 0 {
		concurrency = DefaultBlockConcurrency
	}
	if logger == nil {
		logger = logrus.New()
	}
	if codec == nil {
		codec = defaultCodec()
	}
	return &Fetcher{
		client:      client,
		codec:       codec,
		concurrency: concurrency,
		logger:      logger,
	}
}

// FetchRange 拉取 contract 在 [FromBlock, ToBlock] 内的 eventName 事件。
// 区间按链高度裁剪，反向区间返回空结果；查询失败返回 QueryFailed
func (f *Fetcher) FetchRange(ctx context.Context, contract, eventName string, opts models.EventQueryOptions) ([]*models.ContractEvent, error) {
	if f == nil || f.client == nil {
		return nil, errors.ProviderUnavailable("fetcher")
	}
	if !common.IsHexAddress(contract) {
		return nil, errors.InvalidInput("合约地址格式无效: %s", contract)
	}
	if opts.Limit < 0 {
		return nil, errors.InvalidInput("limit 不能为负数: %d", opts.Limit)
	}

	topics, err := f.codec.Topics(eventName, opts.IndexedFilters)
	if err != nil {
		return nil, err
	}

	height, err := f.client.BlockNumber(ctx)
	if err != nil {
		return nil, errors.QueryFailed(err)
	}

	rng := models.NewBlockRange(0, height)
	if opts.FromBlock != nil {
		rng.From = *opts.FromBlock
	}
	if opts.ToBlock != nil {
		rng.To = *opts.ToBlock
	}
	rng = rng.Clamp(height)

	log := f.logger.WithFields(logrus.Fields{
		"component": "fetcher",
		"contract":  contract,
		"event":     eventName,
		"range":     rng.String(),
	})

	if rng.Empty() {
		log.Debug("区间为空，跳过查询")
		return []*models.ContractEvent{}, nil
	}

	address := common.HexToAddress(contract)
	logs, err := f.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(rng.From),
		ToBlock:   new(big.Int).SetUint64(rng.To),
		Addresses: []common.Address{address},
		Topics:    topics,
	})
	if err != nil {
		log.Warnf("查询日志失败: %v", err)
		return nil, errors.QueryFailed(err)
	}

	events := make([]*models.ContractEvent, 0, len(logs))
	for _, l := range logs {
		if l.Removed || !rng.Contains(l.BlockNumber) {
			continue
		}
		name, args, err := f.codec.Decode(l)
		if err != nil || len(args) == 0 {
			log.Debugf("跳过无法解码的日志 %s#%d: %v", l.TxHash.Hex(), l.Index, err)
			continue
		}
		events = append(events, &models.ContractEvent{
			Contract:        address.Hex(),
			EventName:       name,
			TransactionHash: l.TxHash.Hex(),
			BlockNumber:     l.BlockNumber,
			LogIndex:        l.Index,
			Args:            args,
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})

	if opts.Limit > 0 && len(events) > opts.Limit {
		events = events[:opts.Limit]
	}

	if err := f.annotateTimestamps(ctx, events); err != nil {
		log.Warnf("获取区块时间戳失败: %v", err)
		return nil, errors.QueryFailed(err)
	}

	log.Debugf("获取到 %d 个事件", len(events))
	return events, nil
}

func defaultCodec() *decoder.EventCodec {
	codec, err := decoder.NewEventCodec(decoder.FactoryABI)
	if err != nil {
		panic(fmt.Sprintf("内置工厂合约 ABI 无效: %v", err))
	}
	return codec
}

// annotateTimestamps 每个区块只查询一次，并发数受 concurrency 限制
func (f *Fetcher) annotateTimestamps(ctx context.Context, events []*models.ContractEvent) error {
	if len(events) == 0 {
		return nil
	}

	var numbers []uint64
	seen := make(map[uint64]bool)
	for _, e := range events {
		if !seen[e.BlockNumber] {
			seen[e.BlockNumber] = true
			numbers = append(numbers, e.BlockNumber)
		}
	}

	var mu sync.Mutex
	times := make(map[uint64]uint64, len(numbers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for _, number := range numbers {
		g.Go(func() error {
			block, err := f.client.Block(gctx, number)
			if err != nil {
				return fmt.Errorf("获取区块 %d 失败: %w", number, err)
			}
			if block == nil {
				return fmt.Errorf("区块 %d 不存在", number)
			}
			mu.Lock()
			times[number] = block.Timestamp
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, e := range events {
		ts := times[e.BlockNumber]
		e.Timestamp = &ts
	}
	return nil
}
