package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	notaryerrors "notary/internal/errors"
	"notary/internal/testutil"
	"notary/pkg/models"
)

var contractCode = []byte{0x60, 0x80, 0x60, 0x40}

func newFixtureDetector(t *testing.T, l *testutil.MemoryLedger, recorder *notaryerrors.Recorder) *Detector {
	t.Helper()
	probes := OrderedProbes(newSources(l, newCodec(t)), 10000)
	return NewDetector(l, probes, DefaultWindowBlocks, recorder, testLogger())
}

func TestDetect_SeededBroadcast(t *testing.T) {
	codec := newCodec(t)
	l := newLedger(100000).SetCode(parentA, contractCode)
	emitCreated(t, l, codec, broadcastFactory, broadcastEvent, 95000, parentA, 1)
	// 其他父合约的公开家族事件不影响结果
	emitCreated(t, l, codec, publicFactory, publicEvent, 96000, parentB, 1)

	detector := newFixtureDetector(t, l, nil)
	detector.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	family, err := detector.Detect(context.Background(), parentA.Hex())
	require.NoError(t, err)
	assert.Equal(t, models.FamilyBroadcast, family)

	detection, err := detector.DetectDetailed(context.Background(), parentA.Hex())
	require.NoError(t, err)
	assert.Equal(t, parentA.Hex(), detection.Address)
	assert.Equal(t, models.NewBlockRange(60000, 100000), detection.Window)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), detection.DetectedAt)
	assert.False(t, detection.Cached)
}

func TestDetect_PrivateFamily(t *testing.T) {
	codec := newCodec(t)
	l := newLedger(50000).SetCode(parentB, contractCode)
	emitCreated(t, l, codec, privateFactory, privateEvent, 20000, parentB, 1)

	family, err := newFixtureDetector(t, l, nil).Detect(context.Background(), parentB.Hex())
	require.NoError(t, err)
	assert.Equal(t, models.FamilyPrivate, family)
}

func TestDetect_WindowLimitation(t *testing.T) {
	codec := newCodec(t)
	l := newLedger(100000).SetCode(parentA, contractCode)
	// 早于窗口起点 60000
	emitCreated(t, l, codec, broadcastFactory, broadcastEvent, 59999, parentA, 1)

	_, err := newFixtureDetector(t, l, nil).Detect(context.Background(), parentA.Hex())
	require.Error(t, err)
	assert.True(t, errors.Is(err, notaryerrors.ErrTypeUndetermined))
}

func TestDetect_Errors(t *testing.T) {
	l := newLedger(1000).SetCode(parentA, contractCode)
	detector := newFixtureDetector(t, l, nil)
	ctx := context.Background()

	_, err := detector.Detect(ctx, "")
	assert.True(t, errors.Is(err, notaryerrors.ErrInvalidInput))

	_, err = detector.Detect(ctx, "0xnot-an-address")
	assert.True(t, errors.Is(err, notaryerrors.ErrInvalidInput))

	_, err = detector.Detect(ctx, parentB.Hex())
	assert.True(t, errors.Is(err, notaryerrors.ErrNotFound))

	_, err = detector.Detect(ctx, parentA.Hex())
	assert.True(t, errors.Is(err, notaryerrors.ErrTypeUndetermined))

	_, err = NewDetector(nil, nil, 0, nil, testLogger()).Detect(ctx, parentA.Hex())
	assert.True(t, errors.Is(err, notaryerrors.ErrProviderUnavailable))

	l.FailCode(errors.New("connection refused"))
	_, err = detector.Detect(ctx, parentA.Hex())
	assert.True(t, errors.Is(err, notaryerrors.ErrQueryFailed))
}

type probeCall struct {
	family   models.ContractFamily
	from, to uint64
}

func stubProbe(family models.ContractFamily, calls *[]probeCall, events []*models.ContractEvent, err error) FamilyProbe {
	return FamilyProbe{
		Family: family,
		Probe: func(ctx context.Context, address string, from, to uint64) ([]*models.ContractEvent, error) {
			*calls = append(*calls, probeCall{family: family, from: from, to: to})
			return events, err
		},
	}
}

func TestDetect_FirstMatchWinsInOrder(t *testing.T) {
	l := newLedger(100000).SetCode(parentA, contractCode)
	hit := []*models.ContractEvent{{BlockNumber: 99999}}

	var calls []probeCall
	detector := NewDetector(l, []FamilyProbe{
		stubProbe(models.FamilyBroadcast, &calls, nil, nil),
		stubProbe(models.FamilyPublic, &calls, hit, nil),
		stubProbe(models.FamilyPrivate, &calls, hit, nil),
	}, 40000, nil, testLogger())

	family, err := detector.Detect(context.Background(), parentA.Hex())
	require.NoError(t, err)
	assert.Equal(t, models.FamilyPublic, family)
	assert.Equal(t, []probeCall{
		{models.FamilyBroadcast, 60000, 100000},
		{models.FamilyPublic, 60000, 100000},
	}, calls)
}

func TestDetect_ProbeFailureIsSkipped(t *testing.T) {
	l := newLedger(100).SetCode(parentA, contractCode)
	hit := []*models.ContractEvent{{BlockNumber: 10}}
	recorder := notaryerrors.NewRecorder(testLogger())

	var calls []probeCall
	detector := NewDetector(l, []FamilyProbe{
		stubProbe(models.FamilyBroadcast, &calls, nil, errors.New("rpc timeout")),
		{Family: models.FamilyPublic},
		stubProbe(models.FamilyPrivate, &calls, hit, nil),
	}, 40000, recorder, testLogger())

	family, err := detector.Detect(context.Background(), parentA.Hex())
	require.NoError(t, err)
	assert.Equal(t, models.FamilyPrivate, family)

	// 链高度小于窗口时从 0 开始
	assert.Equal(t, []probeCall{
		{models.FamilyBroadcast, 0, 100},
		{models.FamilyPrivate, 0, 100},
	}, calls)

	stats := recorder.Snapshot()
	assert.Equal(t, 1, stats.TotalErrors)
	assert.Equal(t, 1, stats.ErrorsByComponent["detector"])
	assert.Equal(t, "broadcast", stats.LastError.Context["family"])
}

func TestDetect_AllProbesFail(t *testing.T) {
	l := newLedger(100).SetCode(parentA, contractCode)

	var calls []probeCall
	detector := NewDetector(l, []FamilyProbe{
		stubProbe(models.FamilyBroadcast, &calls, nil, errors.New("boom")),
		stubProbe(models.FamilyPublic, &calls, nil, errors.New("boom")),
		stubProbe(models.FamilyPrivate, &calls, nil, errors.New("boom")),
	}, 0, nil, testLogger())

	_, err := detector.Detect(context.Background(), parentA.Hex())
	assert.True(t, errors.Is(err, notaryerrors.ErrTypeUndetermined))
	assert.Len(t, calls, 3)
	assert.Equal(t, DefaultWindowBlocks, detector.Window())
}

func TestDetect_UnconfiguredFactoryIsSkipped(t *testing.T) {
	codec := newCodec(t)
	l := newLedger(1000).SetCode(parentA, contractCode)
	emitCreated(t, l, codec, publicFactory, publicEvent, 500, parentA, 1)

	sources := newSources(l, codec)
	for i := range sources {
		if sources[i].Family == models.FamilyBroadcast {
			sources[i].Factory = ""
		}
	}
	detector := NewDetector(l, OrderedProbes(sources, 100), 0, nil, testLogger())

	family, err := detector.Detect(context.Background(), parentA.Hex())
	require.NoError(t, err)
	assert.Equal(t, models.FamilyPublic, family)
}

func TestOrderedProbes_FixedOrder(t *testing.T) {
	l := newLedger(10)
	probes := OrderedProbes(newSources(l, newCodec(t)), 100)

	require.Len(t, probes, 3)
	assert.Equal(t, models.AllFamilies(), []models.ContractFamily{probes[0].Family, probes[1].Family, probes[2].Family})
}
