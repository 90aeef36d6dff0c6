package events

import (
	"context"
	"fmt"

	"notary/internal/errors"
	"notary/pkg/models"
)

// FamilySource 家族的工厂合约及其子合约创建事件
type FamilySource struct {
	Family      models.ContractFamily
	Fetcher     *Fetcher
	Factory     string
	Event       string
	ParentField string
}

// scan 按 chunkSize 分块升序扫描 parent 的创建事件，收集到 limit 个后停止，limit 为 0 表示不限
func (s FamilySource) scan(ctx context.Context, parent string, rng models.BlockRange, chunkSize uint64, limit int) ([]*models.ContractEvent, error) {
	if s.Fetcher == nil {
		return nil, errors.NewNotaryError(errors.ErrorTypeConfig, errors.SeverityMedium, errors.CodeConfigInvalid,
			fmt.Sprintf("家族 %s 未配置事件拉取器", s.Family))
	}
	if s.Factory == "" {
		return nil, errors.NewNotaryError(errors.ErrorTypeConfig, errors.SeverityMedium, errors.CodeConfigInvalid,
			fmt.Sprintf("家族 %s 未配置工厂合约地址", s.Family))
	}

	var collected []*models.ContractEvent
	for _, chunk := range rng.Chunks(chunkSize) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		opts := models.EventQueryOptions{
			IndexedFilters: map[string]any{s.ParentField: parent},
		}.BlockSpan(chunk.From, chunk.To)
		if limit > 0 {
			opts.Limit = limit - len(collected)
		}

		events, err := s.Fetcher.FetchRange(ctx, s.Factory, s.Event, opts)
		if err != nil {
			return nil, err
		}
		collected = append(collected, events...)
		if limit > 0 && len(collected) >= limit {
			break
		}
	}

	if collected == nil {
		collected = []*models.ContractEvent{}
	}
	return collected, nil
}

// Probe 生成探测函数：在窗口内分块扫描，遇到第一个非空分块即返回
func (s FamilySource) Probe(chunkSize uint64) Probe {
	return func(ctx context.Context, address string, fromBlock, toBlock uint64) ([]*models.ContractEvent, error) {
		return s.scan(ctx, address, models.NewBlockRange(fromBlock, toBlock), chunkSize, 1)
	}
}

// OrderedProbes 按固定探测顺序（broadcast, public, private）生成探测列表
func OrderedProbes(sources []FamilySource, chunkSize uint64) []FamilyProbe {
	bySource := make(map[models.ContractFamily]FamilySource, len(sources))
	for _, s := range sources {
		bySource[s.Family] = s
	}

	probes := make([]FamilyProbe, 0, len(sources))
	for _, family := range models.AllFamilies() {
		s, ok := bySource[family]
		if !ok {
			continue
		}
		probes = append(probes, FamilyProbe{Family: family, Probe: s.Probe(chunkSize)})
	}
	return probes
}
