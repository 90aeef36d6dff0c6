package events

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	notaryerrors "notary/internal/errors"
	"notary/internal/testutil"
	"notary/pkg/models"
)

// seedFactory 在 publicFactory 上写入一组事件，区块号故意乱序写入
func seedFactory(t *testing.T) (*testutil.MemoryLedger, *Fetcher) {
	t.Helper()
	codec := newCodec(t)
	l := newLedger(1000)

	emitCreated(t, l, codec, publicFactory, publicEvent, 300, parentA, 3)
	emitCreated(t, l, codec, publicFactory, publicEvent, 100, parentA, 1)
	emitCreated(t, l, codec, publicFactory, publicEvent, 200, parentB, 1)
	emitCreated(t, l, codec, publicFactory, publicEvent, 100, parentB, 2)
	emitCreated(t, l, codec, publicFactory, publicEvent, 500, parentA, 4)
	// 其他合约的同名事件不应被返回
	emitCreated(t, l, codec, privateFactory, publicEvent, 150, parentA, 9)

	return l, NewFetcher(l, codec, 2, testLogger())
}

func TestFetchRange_ContainmentAndOrder(t *testing.T) {
	_, fetcher := seedFactory(t)

	events, err := fetcher.FetchRange(context.Background(), publicFactory.Hex(), publicEvent,
		models.EventQueryOptions{}.BlockSpan(100, 300))
	require.NoError(t, err)

	assert.Equal(t, []uint64{100, 100, 200, 300}, blockNumbers(events))
	for i, e := range events {
		assert.GreaterOrEqual(t, e.BlockNumber, uint64(100))
		assert.LessOrEqual(t, e.BlockNumber, uint64(300))
		assert.Equal(t, publicFactory.Hex(), e.Contract)
		assert.Equal(t, publicEvent, e.EventName)
		require.NotNil(t, e.Timestamp)
		assert.Equal(t, linearTime(e.BlockNumber), *e.Timestamp)
		if i > 0 && events[i-1].BlockNumber == e.BlockNumber {
			assert.Less(t, events[i-1].LogIndex, e.LogIndex)
		}
	}

	// 同一区块内按日志索引排序
	assert.Equal(t, "1", events[0].Args["version"])
	assert.Equal(t, "2", events[1].Args["version"])
}

func TestFetchRange_DefaultsToWholeChain(t *testing.T) {
	_, fetcher := seedFactory(t)

	events, err := fetcher.FetchRange(context.Background(), publicFactory.Hex(), publicEvent, models.EventQueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []uint64{100, 100, 200, 300, 500}, blockNumbers(events))
}

func TestFetchRange_ClampsToHeight(t *testing.T) {
	l, fetcher := seedFactory(t)
	l.SetHeight(400)

	events, err := fetcher.FetchRange(context.Background(), publicFactory.Hex(), publicEvent,
		models.EventQueryOptions{}.BlockSpan(250, 1_000_000))
	require.NoError(t, err)
	assert.Equal(t, []uint64{300}, blockNumbers(events))
}

func TestFetchRange_LimitIsPrefix(t *testing.T) {
	_, fetcher := seedFactory(t)
	ctx := context.Background()

	all, err := fetcher.FetchRange(ctx, publicFactory.Hex(), publicEvent, models.EventQueryOptions{})
	require.NoError(t, err)

	for k := 1; k <= len(all)+2; k++ {
		limited, err := fetcher.FetchRange(ctx, publicFactory.Hex(), publicEvent, models.EventQueryOptions{Limit: k})
		require.NoError(t, err)

		want := k
		if want > len(all) {
			want = len(all)
		}
		require.Len(t, limited, want)
		for i := range limited {
			assert.Equal(t, all[i].TransactionHash, limited[i].TransactionHash)
			assert.Equal(t, all[i].LogIndex, limited[i].LogIndex)
		}
	}
}

func TestFetchRange_IndexedFilter(t *testing.T) {
	_, fetcher := seedFactory(t)

	events, err := fetcher.FetchRange(context.Background(), publicFactory.Hex(), publicEvent, models.EventQueryOptions{
		IndexedFilters: map[string]any{"parentContract": parentB.Hex()},
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{100, 200}, blockNumbers(events))
	for _, e := range events {
		assert.Equal(t, parentB.Hex(), e.Args["parentContract"])
	}

	_, err = fetcher.FetchRange(context.Background(), publicFactory.Hex(), publicEvent, models.EventQueryOptions{
		IndexedFilters: map[string]any{"version": "1"},
	})
	assert.True(t, notaryerrors.IsType(err, notaryerrors.ErrorTypeInvalidInput))
}

func TestFetchRange_InvertedRangeIsEmpty(t *testing.T) {
	l, fetcher := seedFactory(t)

	events, err := fetcher.FetchRange(context.Background(), publicFactory.Hex(), publicEvent,
		models.EventQueryOptions{}.BlockSpan(300, 100))
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)
	assert.Equal(t, 0, l.FilterCalls())
}

func TestFetchRange_MemoizesBlockTimestamps(t *testing.T) {
	codec := newCodec(t)
	l := newLedger(100)
	for i := int64(0); i < 5; i++ {
		emitCreated(t, l, codec, publicFactory, publicEvent, 42, parentA, i)
	}
	emitCreated(t, l, codec, publicFactory, publicEvent, 43, parentA, 5)

	events, err := NewFetcher(l, codec, 3, testLogger()).
		FetchRange(context.Background(), publicFactory.Hex(), publicEvent, models.EventQueryOptions{})
	require.NoError(t, err)
	require.Len(t, events, 6)

	assert.Equal(t, 1, l.BlockCalls(42))
	assert.Equal(t, 1, l.BlockCalls(43))
	assert.Equal(t, 2, l.TotalBlockCalls())
}

func TestFetchRange_SkipsUndecodableLogs(t *testing.T) {
	l, fetcher := seedFactory(t)
	event, err := newCodec(t).Event(publicEvent)
	require.NoError(t, err)

	// topic0 匹配但缺少 indexed 参数，无法解码
	l.AddLog(types.Log{
		Address:     publicFactory,
		Topics:      []common.Hash{event.ID},
		BlockNumber: 150,
	})

	events, err := fetcher.FetchRange(context.Background(), publicFactory.Hex(), publicEvent,
		models.EventQueryOptions{}.BlockSpan(100, 200))
	require.NoError(t, err)
	assert.Equal(t, []uint64{100, 100, 200}, blockNumbers(events))
}

func TestFetchRange_EmptyOnFailure(t *testing.T) {
	tests := []struct {
		name   string
		inject func(l *testutil.MemoryLedger)
	}{
		{"log query", func(l *testutil.MemoryLedger) { l.FailLogs(errors.New("rpc timeout")) }},
		{"chain height", func(l *testutil.MemoryLedger) { l.FailHeight(errors.New("rpc timeout")) }},
		{"block timestamp", func(l *testutil.MemoryLedger) { l.FailBlocks(errors.New("rpc timeout")) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, fetcher := seedFactory(t)
			tt.inject(l)

			events, err := fetcher.FetchRange(context.Background(), publicFactory.Hex(), publicEvent, models.EventQueryOptions{})
			require.Error(t, err)
			assert.Nil(t, events)
			assert.True(t, errors.Is(err, notaryerrors.ErrQueryFailed))

			result := models.BestEffort(events, err)
			assert.NotNil(t, result.Events)
			assert.Empty(t, result.Events)
			assert.True(t, result.Failed())
			assert.True(t, strings.HasPrefix(result.Error, models.FetchResultErrorPrefix))
			assert.Contains(t, result.Error, "rpc timeout")
		})
	}
}

func TestFetchRange_InvalidInput(t *testing.T) {
	_, fetcher := seedFactory(t)
	ctx := context.Background()

	_, err := fetcher.FetchRange(ctx, "not-an-address", publicEvent, models.EventQueryOptions{})
	assert.True(t, notaryerrors.IsType(err, notaryerrors.ErrorTypeInvalidInput))

	_, err = fetcher.FetchRange(ctx, publicFactory.Hex(), "UnknownEvent", models.EventQueryOptions{})
	assert.True(t, notaryerrors.IsType(err, notaryerrors.ErrorTypeInvalidInput))

	_, err = fetcher.FetchRange(ctx, publicFactory.Hex(), publicEvent, models.EventQueryOptions{Limit: -1})
	assert.True(t, notaryerrors.IsType(err, notaryerrors.ErrorTypeInvalidInput))
}

func TestFetchRange_ProviderUnavailable(t *testing.T) {
	fetcher := NewFetcher(nil, nil, 0, testLogger())

	_, err := fetcher.FetchRange(context.Background(), publicFactory.Hex(), publicEvent, models.EventQueryOptions{})
	assert.True(t, errors.Is(err, notaryerrors.ErrProviderUnavailable))
}
