package events

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"notary/internal/errors"
	"notary/internal/ledger"
	"notary/pkg/models"
)

// TimeRangeFetcher 把时间区间换算为区块区间后拉取事件
type TimeRangeFetcher struct {
	client  ledger.Client
	locator *Locator
	fetcher *Fetcher
	logger  *logrus.Logger
	now     func() time.Time
}

// NewTimeRangeFetcher 组合定位器与事件拉取器
func NewTimeRangeFetcher(client ledger.Client, locator *Locator, fetcher *Fetcher, logger *logrus.Logger) *TimeRangeFetcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &TimeRangeFetcher{
		client:  client,
		locator: locator,
		fetcher: fetcher,
		logger:  logger,
		now:     time.Now,
	}
}

// FetchByTimeRange 拉取 [fromDate, toDate] 对应区块区间内的事件，fromDate 晚于 toDate 时返回空结果
func (t *TimeRangeFetcher) FetchByTimeRange(ctx context.Context, contract, eventName string, fromDate, toDate time.Time) ([]*models.ContractEvent, error) {
	return t.Query(ctx, contract, eventName, models.EventQueryOptions{
		FromDate: &fromDate,
		ToDate:   &toDate,
	})
}

// Query 通用查询入口：设置了 FromDate/ToDate 时先换算为区块区间，否则直接按区块区间查询
func (t *TimeRangeFetcher) Query(ctx context.Context, contract, eventName string, opts models.EventQueryOptions) ([]*models.ContractEvent, error) {
	if t == nil || t.client == nil {
		return nil, errors.ProviderUnavailable("time_range_fetcher")
	}
	if opts.FromDate == nil && opts.ToDate == nil {
		return t.fetcher.FetchRange(ctx, contract, eventName, opts)
	}

	rng, err := t.resolve(ctx, opts.FromDate, opts.ToDate)
	if err != nil {
		return nil, err
	}
	if rng.Empty() {
		return []*models.ContractEvent{}, nil
	}

	// 时间换算出的区间与显式区块区间取交集
	if opts.FromBlock != nil && *opts.FromBlock > rng.From {
		rng.From = *opts.FromBlock
	}
	if opts.ToBlock != nil && *opts.ToBlock < rng.To {
		rng.To = *opts.ToBlock
	}
	if rng.Empty() {
		return []*models.ContractEvent{}, nil
	}

	return t.fetcher.FetchRange(ctx, contract, eventName, opts.BlockSpan(rng.From, rng.To))
}

// Resolve 把时间区间换算为区块区间，结果可能为空区间
func (t *TimeRangeFetcher) Resolve(ctx context.Context, fromDate, toDate time.Time) (models.BlockRange, error) {
	if t == nil || t.client == nil {
		return models.BlockRange{}, errors.ProviderUnavailable("time_range_fetcher")
	}
	return t.resolve(ctx, &fromDate, &toDate)
}

func (t *TimeRangeFetcher) resolve(ctx context.Context, fromDate, toDate *time.Time) (models.BlockRange, error) {
	empty := models.BlockRange{From: 1, To: 0}

	from := time.Unix(0, 0)
	if fromDate != nil {
		from = *fromDate
	}
	to := t.now()
	if toDate != nil {
		to = *toDate
	}
	if from.After(to) {
		return empty, nil
	}

	height, err := t.client.BlockNumber(ctx)
	if err != nil {
		return empty, errors.QueryFailed(err)
	}

	fromBlock, err := t.locator.Locate(ctx, unixSeconds(from), 0, height)
	if err != nil {
		return empty, err
	}
	if fromBlock > height {
		// 起始时间晚于链头
		return empty, nil
	}

	toBlock, err := t.locator.Locate(ctx, unixSeconds(to), fromBlock, height)
	if err != nil {
		return empty, err
	}
	if toBlock > height {
		toBlock = height
	}

	t.logger.WithFields(logrus.Fields{
		"component":  "time_range_fetcher",
		"from_block": fromBlock,
		"to_block":   toBlock,
	}).Debugf("时间区间 [%s, %s] 已换算为区块区间", from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))

	return models.NewBlockRange(fromBlock, toBlock), nil
}

func unixSeconds(t time.Time) uint64 {
	if t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}
