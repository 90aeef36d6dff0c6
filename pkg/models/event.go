package models

import (
	"errors"
	"strings"
	"time"
)

// BlockInfo 区块摘要，只保留事件检索需要的字段
type BlockInfo struct {
	Number    uint64 `json:"number"`
	Timestamp uint64 `json:"timestamp"` // Unix 秒
}

// ContractEvent 解码后的合约事件
type ContractEvent struct {
	Contract        string         `json:"contract"`
	EventName       string         `json:"event_name"`
	TransactionHash string         `json:"transaction_hash"`
	BlockNumber     uint64         `json:"block_number"`
	LogIndex        uint           `json:"log_index"`
	Timestamp       *uint64        `json:"timestamp,omitempty"`
	Args            map[string]any `json:"args"`
}

// Time 返回事件所在区块的时间，未填充时间戳时返回零值
func (e *ContractEvent) Time() time.Time {
	if e == nil || e.Timestamp == nil {
		return time.Time{}
	}
	return time.Unix(int64(*e.Timestamp), 0).UTC()
}

// Arg 按名称读取解码字段
func (e *ContractEvent) Arg(name string) (any, bool) {
	if e == nil || e.Args == nil {
		return nil, false
	}
	v, ok := e.Args[name]
	return v, ok
}

// EventQueryOptions 事件查询参数
type EventQueryOptions struct {
	FromBlock      *uint64        `json:"from_block,omitempty"`
	ToBlock        *uint64        `json:"to_block,omitempty"`
	FromDate       *time.Time     `json:"from_date,omitempty"`
	ToDate         *time.Time     `json:"to_date,omitempty"`
	Limit          int            `json:"limit,omitempty"` // 0 表示不限制
	IndexedFilters map[string]any `json:"indexed_filters,omitempty"`
}

// BlockSpan 以给定区间设置 FromBlock/ToBlock
func (o EventQueryOptions) BlockSpan(from, to uint64) EventQueryOptions {
	o.FromBlock = &from
	o.ToBlock = &to
	return o
}

// FetchResultErrorPrefix 查询失败时错误信息的前缀
const FetchResultErrorPrefix = "Failed to fetch events: "

// FetchResult 面向界面层的尽力而为结果：要么是事件列表，要么是错误信息
type FetchResult struct {
	Events []*ContractEvent `json:"events"`
	Error  string           `json:"error,omitempty"`
}

// Failed 是否为失败结果
func (r FetchResult) Failed() bool {
	return r.Error != ""
}

// BestEffort 把 (events, err) 投影为 FetchResult，失败时事件列表为空
func BestEffort(events []*ContractEvent, err error) FetchResult {
	if err != nil {
		msg := err.Error()
		var detailed interface{ Detail() string }
		if errors.As(err, &detailed) {
			msg = detailed.Detail()
		}
		if !strings.HasPrefix(msg, FetchResultErrorPrefix) {
			msg = FetchResultErrorPrefix + msg
		}
		return FetchResult{Events: []*ContractEvent{}, Error: msg}
	}
	if events == nil {
		events = []*ContractEvent{}
	}
	return FetchResult{Events: events}
}
