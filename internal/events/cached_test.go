package events

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	notaryerrors "notary/internal/errors"
	"notary/internal/store"
	"notary/pkg/models"
)

type countingDetector struct {
	calls     int
	detection *models.Detection
	err       error
}

func (c *countingDetector) DetectDetailed(ctx context.Context, address string) (*models.Detection, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	d := *c.detection
	return &d, nil
}

func newFamilyStore(t *testing.T) *store.FamilyStore {
	t.Helper()
	s, err := store.NewFamilyStore(filepath.Join(t.TempDir(), "families.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCachedDetector_MissThenHit(t *testing.T) {
	inner := &countingDetector{detection: &models.Detection{
		Address:    parentA.Hex(),
		Family:     models.FamilyPrivate,
		Window:     models.NewBlockRange(60000, 100000),
		DetectedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}}
	s := newFamilyStore(t)
	cached := NewCachedDetector(inner, s, testLogger())
	ctx := context.Background()

	first, err := cached.DetectDetailed(ctx, parentA.Hex())
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, models.FamilyPrivate, first.Family)

	family, err := cached.Detect(ctx, parentA.Hex())
	require.NoError(t, err)
	assert.Equal(t, models.FamilyPrivate, family)

	second, err := cached.DetectDetailed(ctx, parentA.Hex())
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Window, second.Window)
	assert.Equal(t, 1, inner.calls)

	stats := s.GetStats()
	assert.Equal(t, uint64(2), stats["hits"])
	assert.Equal(t, uint64(1), stats["misses"])
}

func TestCachedDetector_FailuresAreNotCached(t *testing.T) {
	inner := &countingDetector{err: notaryerrors.TypeUndetermined(parentA.Hex())}
	s := newFamilyStore(t)
	cached := NewCachedDetector(inner, s, testLogger())

	for i := 0; i < 2; i++ {
		_, err := cached.DetectDetailed(context.Background(), parentA.Hex())
		assert.True(t, errors.Is(err, notaryerrors.ErrTypeUndetermined))
	}
	assert.Equal(t, 2, inner.calls)

	entries, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type brokenStore struct{}

func (brokenStore) Get(string) (*models.Detection, error) { return nil, errors.New("disk full") }
func (brokenStore) Put(*models.Detection) error           { return errors.New("disk full") }

func TestCachedDetector_StoreErrorsFallThrough(t *testing.T) {
	inner := &countingDetector{detection: &models.Detection{Address: parentA.Hex(), Family: models.FamilyBroadcast}}

	family, err := NewCachedDetector(inner, brokenStore{}, testLogger()).Detect(context.Background(), parentA.Hex())
	require.NoError(t, err)
	assert.Equal(t, models.FamilyBroadcast, family)

	family, err = NewCachedDetector(inner, nil, testLogger()).Detect(context.Background(), parentA.Hex())
	require.NoError(t, err)
	assert.Equal(t, models.FamilyBroadcast, family)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedDetector_WithRealDetector(t *testing.T) {
	codec := newCodec(t)
	l := newLedger(1000).SetCode(parentA, contractCode)
	emitCreated(t, l, codec, publicFactory, publicEvent, 800, parentA, 1)

	cached := NewCachedDetector(newFixtureDetector(t, l, nil), newFamilyStore(t), testLogger())

	family, err := cached.Detect(context.Background(), parentA.Hex())
	require.NoError(t, err)
	assert.Equal(t, models.FamilyPublic, family)
	calls := l.FilterCalls()

	detection, err := cached.DetectDetailed(context.Background(), parentA.Hex())
	require.NoError(t, err)
	assert.True(t, detection.Cached)
	assert.Equal(t, calls, l.FilterCalls())
}
