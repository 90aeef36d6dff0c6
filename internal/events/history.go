package events

import (
	"context"

	"github.com/sirupsen/logrus"

	"notary/internal/errors"
	"notary/internal/ledger"
	"notary/internal/validation"
	"notary/pkg/models"
)

// HistoryOptions 版本历史查询参数
type HistoryOptions struct {
	FromBlock uint64
	ToBlock   *uint64 // 为空时扫描到链头
	Limit     int     // 0 表示不限制
}

// History 查询父合约创建过的全部子合约版本
type History struct {
	client    ledger.Client
	sources   map[models.ContractFamily]FamilySource
	chunkSize uint64
	validator *validation.Validator
	logger    *logrus.Logger
}

// NewHistory 创建版本历史扫描器
func NewHistory(client ledger.Client, sources []FamilySource, chunkSize uint64, logger *logrus.Logger) *History {
	if logger == nil {
		logger = logrus.New()
	}
	bySource := make(map[models.ContractFamily]FamilySource, len(sources))
	for _, s := range sources {
		bySource[s.Family] = s
	}
	return &History{
		client:    client,
		sources:   bySource,
		chunkSize: chunkSize,
		validator: validation.NewValidator(logger, false),
		logger:    logger,
	}
}

// Versions 按区块升序返回 parent 在 family 中的子合约创建事件
func (h *History) Versions(ctx context.Context, family models.ContractFamily, parent string, opts HistoryOptions) ([]*models.ContractEvent, error) {
	if h == nil || h.client == nil {
		return nil, errors.ProviderUnavailable("history")
	}
	if err := h.validator.ValidateAddress(parent); err != nil {
		return nil, err
	}
	if opts.Limit < 0 {
		return nil, errors.InvalidInput("limit 不能为负数: %d", opts.Limit)
	}
	source, ok := h.sources[family]
	if !ok {
		return nil, errors.InvalidInput("未配置合约家族: %s", family)
	}

	height, err := h.client.BlockNumber(ctx)
	if err != nil {
		return nil, errors.QueryFailed(err)
	}

	rng := models.NewBlockRange(opts.FromBlock, height)
	if opts.ToBlock != nil {
		rng.To = *opts.ToBlock
	}
	rng = rng.Clamp(height)
	if rng.Empty() {
		return []*models.ContractEvent{}, nil
	}

	events, err := source.scan(ctx, parent, rng, h.chunkSize, opts.Limit)
	if err != nil {
		return nil, err
	}

	h.logger.WithFields(logrus.Fields{
		"component": "history",
		"family":    family.String(),
		"parent":    parent,
		"range":     rng.String(),
	}).Debugf("共找到 %d 个版本", len(events))
	return events, nil
}
