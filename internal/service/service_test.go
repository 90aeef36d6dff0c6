package service

import (
	"context"
	"errors"
	"io"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notary/internal/config"
	"notary/internal/decoder"
	notaryerrors "notary/internal/errors"
	"notary/internal/events"
	"notary/internal/testutil"
	"notary/pkg/models"
)

var (
	broadcastFactory = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	publicFactory    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	privateFactory   = common.HexToAddress("0x00000000000000000000000000000000000000b3")
	parent           = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

type recordingOutput struct {
	events     []*models.ContractEvent
	detections []*models.Detection
	closed     bool
}

func (r *recordingOutput) WriteEvent(e *models.ContractEvent) error {
	r.events = append(r.events, e)
	return nil
}

func (r *recordingOutput) WriteDetection(d *models.Detection) error {
	r.detections = append(r.detections, d)
	return nil
}

func (r *recordingOutput) Close() error {
	r.closed = true
	return nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.GetDefaultConfig()
	cfg.Families[0].Factory = broadcastFactory.Hex()
	cfg.Families[1].Factory = publicFactory.Hex()
	cfg.Families[2].Factory = privateFactory.Hex()
	cfg.Fetcher.MaxBlockRange = 500
	cfg.Store.Path = filepath.Join(t.TempDir(), "families.db")
	return cfg
}

func seedLedger(t *testing.T) *testutil.MemoryLedger {
	t.Helper()
	codec, err := decoder.NewEventCodec(decoder.FactoryABI)
	require.NoError(t, err)

	l := testutil.NewMemoryLedger().SetHeight(50000).SetTimestampFunc(func(n uint64) uint64 {
		return 1_600_000_000 + 10*n
	})
	l.SetCode(parent, []byte{0x60, 0x80})
	for i, block := range []uint64{30000, 45000} {
		require.NoError(t, l.Emit(codec, publicFactory, "PublicSubContractCreated", block, map[string]any{
			"parentContract":  parent,
			"subContractAddr": common.HexToAddress("0x00000000000000000000000000000000000000cc"),
			"version":         big.NewInt(int64(i + 1)),
			"creator":         common.HexToAddress("0x00000000000000000000000000000000000000dd"),
		}))
	}
	return l
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func newTestService(t *testing.T, l *testutil.MemoryLedger) (*Service, *recordingOutput) {
	t.Helper()
	out := &recordingOutput{}
	svc, err := NewWithClient(testConfig(t), l, quietLogger(), WithOutput(out))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc, out
}

func TestService_DetectUsesCache(t *testing.T) {
	l := seedLedger(t)
	svc, out := newTestService(t, l)
	ctx := context.Background()

	detection, err := svc.Detect(ctx, parent.Hex())
	require.NoError(t, err)
	assert.Equal(t, models.FamilyPublic, detection.Family)
	assert.Equal(t, models.NewBlockRange(10000, 50000), detection.Window)
	assert.False(t, detection.Cached)

	calls := l.FilterCalls()
	detection, err = svc.Detect(ctx, parent.Hex())
	require.NoError(t, err)
	assert.True(t, detection.Cached)
	assert.Equal(t, calls, l.FilterCalls())
	assert.Len(t, out.detections, 2)

	existed, err := svc.ForgetDetection(parent.Hex())
	require.NoError(t, err)
	assert.True(t, existed)
	require.NoError(t, svc.ResetCache())

	stats := svc.GetStats()
	assert.Contains(t, stats, "cache")
	assert.Equal(t, 1, stats["codecs"])
	assert.Contains(t, stats, "validation")
}

func TestService_EventsDefaultsToFamilyEvent(t *testing.T) {
	l := seedLedger(t)
	svc, out := newTestService(t, l)

	found, err := svc.Events(context.Background(), publicFactory.Hex(), "", "", models.EventQueryOptions{})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, uint64(30000), found[0].BlockNumber)
	assert.Len(t, out.events, 2)

	_, err = svc.Events(context.Background(), parent.Hex(), "", "", models.EventQueryOptions{})
	assert.True(t, errors.Is(err, notaryerrors.ErrInvalidInput))
}

const transferABI = `[{"type":"event","name":"Transfer","anonymous":false,"inputs":[` +
	`{"name":"from","type":"address","indexed":true},` +
	`{"name":"to","type":"address","indexed":true},` +
	`{"name":"value","type":"uint256","indexed":false}]}]`

func TestService_EventsWithCallerABI(t *testing.T) {
	l := seedLedger(t)
	token := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	holder := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	codec, err := decoder.NewEventCodec(transferABI)
	require.NoError(t, err)
	require.NoError(t, l.Emit(codec, token, "Transfer", 46000, map[string]any{
		"from":  parent,
		"to":    holder,
		"value": big.NewInt(5),
	}))
	svc, _ := newTestService(t, l)
	ctx := context.Background()

	// 内置工厂 ABI 中没有 Transfer
	_, err = svc.Events(ctx, token.Hex(), "", "Transfer", models.EventQueryOptions{})
	assert.True(t, errors.Is(err, notaryerrors.ErrInvalidInput))

	found, err := svc.Events(ctx, token.Hex(), transferABI, "Transfer", models.EventQueryOptions{
		IndexedFilters: map[string]any{"from": parent.Hex()},
	})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "5", found[0].Args["value"])
	assert.Equal(t, holder.Hex(), found[0].Args["to"])

	// 编译产物格式同样可用
	found, err = svc.EventsByTime(ctx, token.Hex(), `{"abi":`+transferABI+`}`, "Transfer",
		unixTime(1_600_000_000+10*45000), unixTime(1_600_000_000+10*50000))
	require.NoError(t, err)
	assert.Len(t, found, 1)

	_, err = svc.Events(ctx, token.Hex(), "not an abi", "Transfer", models.EventQueryOptions{})
	assert.True(t, errors.Is(err, notaryerrors.ErrInvalidInput))
	_, err = svc.Events(ctx, token.Hex(), `[{"type":"event","name":`, "Transfer", models.EventQueryOptions{})
	assert.True(t, errors.Is(err, notaryerrors.ErrInvalidInput))
}

func TestService_EventsValidatesQuery(t *testing.T) {
	l := seedLedger(t)
	cfg := testConfig(t)
	cfg.Validation.StrictAddresses = true
	svc, err := NewWithClient(cfg, l, quietLogger(), WithOutput(&recordingOutput{}))
	require.NoError(t, err)
	defer svc.Close()
	ctx := context.Background()

	_, err = svc.Events(ctx, publicFactory.Hex(), "", "", models.EventQueryOptions{Limit: -1})
	assert.True(t, errors.Is(err, notaryerrors.ErrInvalidInput))

	_, err = svc.Events(ctx, publicFactory.Hex(), "", "", models.EventQueryOptions{
		IndexedFilters: map[string]any{"parentContract": nil},
	})
	assert.True(t, errors.Is(err, notaryerrors.ErrInvalidInput))

	_, err = svc.Events(ctx, common.Address{}.Hex(), "", "PublicSubContractCreated", models.EventQueryOptions{})
	assert.True(t, errors.Is(err, notaryerrors.ErrInvalidInput))
	assert.Equal(t, 0, l.FilterCalls())

	validation := svc.GetStats()["validation"].(map[string]interface{})
	assert.Equal(t, true, validation["strict_mode"])
}

func TestService_EventsByTimeAndLocate(t *testing.T) {
	l := seedLedger(t)
	svc, _ := newTestService(t, l)
	ctx := context.Background()

	block, err := svc.Locate(ctx, 1_600_000_000+10*40000, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(40000), block)

	end := uint64(100)
	block, err = svc.Locate(ctx, 1_600_000_000+10*40000, 0, &end)
	require.NoError(t, err)
	assert.Equal(t, uint64(101), block)

	found, err := svc.EventsByTime(ctx, publicFactory.Hex(), "", "PublicSubContractCreated",
		unixTime(1_600_000_000+10*40000), unixTime(1_600_000_000+10*50000))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, uint64(45000), found[0].BlockNumber)
}

func TestService_Versions(t *testing.T) {
	l := seedLedger(t)
	svc, _ := newTestService(t, l)

	versions, err := svc.Versions(context.Background(), models.FamilyPublic, parent.Hex(), events.HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "1", versions[0].Args["version"])
	assert.Equal(t, "2", versions[1].Args["version"])
}

func TestService_ProbeFailuresAreCounted(t *testing.T) {
	l := seedLedger(t)
	svc, _ := newTestService(t, l)
	l.FailLogs(errors.New("rpc timeout"))

	_, err := svc.Detect(context.Background(), parent.Hex())
	assert.True(t, errors.Is(err, notaryerrors.ErrTypeUndetermined))
	assert.Equal(t, 3, svc.ErrorStats().TotalErrors)
}

func TestService_StoreDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Enabled = false

	svc, err := NewWithClient(cfg, seedLedger(t), quietLogger(), WithOutput(&recordingOutput{}))
	require.NoError(t, err)
	defer svc.Close()

	_, err = svc.ForgetDetection(parent.Hex())
	assert.True(t, notaryerrors.IsType(err, notaryerrors.ErrorTypeStorage))
	assert.True(t, notaryerrors.IsType(svc.ResetCache(), notaryerrors.ErrorTypeStorage))
}

func TestService_InvalidFamilyConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Families = append(cfg.Families, &config.FamilyConfig{Name: "exotic", Event: "X", ParentField: "p"})

	_, err := NewWithClient(cfg, seedLedger(t), quietLogger())
	assert.True(t, notaryerrors.IsType(err, notaryerrors.ErrorTypeConfig))
}

func TestService_CloseReleasesOutput(t *testing.T) {
	out := &recordingOutput{}
	svc, err := NewWithClient(testConfig(t), seedLedger(t), quietLogger(), WithOutput(out))
	require.NoError(t, err)
	require.NoError(t, svc.Close())
	assert.True(t, out.closed)
}

func TestRPCRetryConfig(t *testing.T) {
	rc := rpcRetryConfig(nil)
	assert.Equal(t, 3, rc.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, rc.InitialInterval)

	rc = rpcRetryConfig(&config.LedgerConfig{MaxAttempts: 6, RetryInterval: time.Second})
	assert.Equal(t, 6, rc.MaxAttempts)
	assert.Equal(t, time.Second, rc.InitialInterval)
	assert.Equal(t, 2*time.Second, rc.MaxInterval)

	// 0 表示沿用默认值
	rc = rpcRetryConfig(&config.LedgerConfig{})
	assert.Equal(t, 3, rc.MaxAttempts)
}
