package events

import (
	"context"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"notary/internal/decoder"
	"notary/internal/testutil"
	"notary/pkg/models"
)

var (
	broadcastFactory = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	publicFactory    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	privateFactory   = common.HexToAddress("0x00000000000000000000000000000000000000b3")

	parentA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	parentB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	child   = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	creator = common.HexToAddress("0x00000000000000000000000000000000000000dd")
)

const (
	broadcastEvent = "BroadcastSubContractCreated"
	publicEvent    = "PublicSubContractCreated"
	privateEvent   = "PrivateSubContractCreated"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func newCodec(t *testing.T) *decoder.EventCodec {
	t.Helper()
	codec, err := decoder.NewEventCodec(decoder.FactoryABI)
	require.NoError(t, err)
	return codec
}

// linearTime 区块 n 的时间戳为 1000 + 12n
func linearTime(n uint64) uint64 {
	return 1000 + 12*n
}

func newLedger(height uint64) *testutil.MemoryLedger {
	return testutil.NewMemoryLedger().SetHeight(height).SetTimestampFunc(linearTime)
}

func emitCreated(t *testing.T, l *testutil.MemoryLedger, codec *decoder.EventCodec, factory common.Address, event string, block uint64, parent common.Address, version int64) {
	t.Helper()
	require.NoError(t, l.Emit(codec, factory, event, block, map[string]any{
		"parentContract":  parent,
		"subContractAddr": child,
		"version":         big.NewInt(version),
		"creator":         creator,
	}))
}

func newSources(l *testutil.MemoryLedger, codec *decoder.EventCodec) []FamilySource {
	fetcher := NewFetcher(l, codec, 4, testLogger())
	return []FamilySource{
		{Family: models.FamilyPrivate, Fetcher: fetcher, Factory: privateFactory.Hex(), Event: privateEvent, ParentField: "parentContract"},
		{Family: models.FamilyBroadcast, Fetcher: fetcher, Factory: broadcastFactory.Hex(), Event: broadcastEvent, ParentField: "parentContract"},
		{Family: models.FamilyPublic, Fetcher: fetcher, Factory: publicFactory.Hex(), Event: publicEvent, ParentField: "parentContract"},
	}
}

func blockNumbers(events []*models.ContractEvent) []uint64 {
	numbers := make([]uint64, len(events))
	for i, e := range events {
		numbers[i] = e.BlockNumber
	}
	return numbers
}

func u64(v uint64) *uint64 {
	return &v
}
