package quality

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgtrace/backend/internal/refs"
	"github.com/kgtrace/backend/internal/storage/models"
	"github.com/kgtrace/backend/pkg/config"
	"github.com/kgtrace/backend/pkg/errs"
)

type fakeObjectStore struct {
	conf  map[string]float64
	tiers map[string]string
	sets  int
}

func newFakeObjectStore(conf map[string]float64) *fakeObjectStore {
	return &fakeObjectStore{conf: conf, tiers: map[string]string{}}
}

func (f *fakeObjectStore) GetConfidence(_ context.Context, ref refs.Ref) (float64, bool, error) {
	c, ok := f.conf[ref.String()]
	return c, ok, nil
}

func (f *fakeObjectStore) SetConfidence(_ context.Context, ref refs.Ref, confidence float64, tier string) error {
	f.conf[ref.String()] = confidence
	f.tiers[ref.String()] = tier
	f.sets++
	return nil
}

type fakeResolver struct {
	missing map[string]bool
}

func (f *fakeResolver) Require(_ context.Context, rs ...refs.Ref) error {
	for _, r := range rs {
		if f.missing[r.String()] {
			return errs.NotFound(r.String())
		}
	}
	return nil
}

func newService(store ObjectStore) *Service {
	return NewService(store, &fakeResolver{}, config.QualityConfig{
		OperationFactors: map[string]float64{"merge_operation": 0.9},
	})
}

func TestTierForBoundaries(t *testing.T) {
	s := newService(newFakeObjectStore(nil))

	assert.Equal(t, models.TierHigh, s.TierFor(1.0))
	assert.Equal(t, models.TierHigh, s.TierFor(0.8))
	assert.Equal(t, models.TierMedium, s.TierFor(0.79))
	assert.Equal(t, models.TierMedium, s.TierFor(0.5))
	assert.Equal(t, models.TierLow, s.TierFor(0.49))
	assert.Equal(t, models.TierLow, s.TierFor(0))
}

func TestPropagateTakesPessimisticMinimum(t *testing.T) {
	a := refs.MustParse("graphstore://entity/a")
	b := refs.MustParse("graphstore://entity/b")
	store := newFakeObjectStore(map[string]float64{
		a.String(): 0.9,
		b.String(): 0.95,
	})
	s := newService(store)

	conf, warnings, err := s.Propagate(context.Background(), []refs.Ref{a, b}, "merge_operation", nil)
	require.NoError(t, err)

	// min(0.9, 0.95) * 0.9 merge factor
	assert.InDelta(t, 0.81, conf, 1e-9)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "merge_operation")
}

func TestPropagateNeverExceedsWeakestInput(t *testing.T) {
	a := refs.MustParse("graphstore://entity/a")
	store := newFakeObjectStore(map[string]float64{a.String(): 0.3})
	s := newService(store)

	conf, _, err := s.Propagate(context.Background(), []refs.Ref{a}, "enrichment", nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, conf, 0.3)
}

func TestPropagatePartialResultsPenalty(t *testing.T) {
	a := refs.MustParse("graphstore://entity/a")
	store := newFakeObjectStore(map[string]float64{a.String(): 1.0})
	s := newService(store)

	conf, warnings, err := s.Propagate(context.Background(), []refs.Ref{a}, "extraction",
		map[string]interface{}{"partial_results": true})
	require.NoError(t, err)
	assert.InDelta(t, 0.9, conf, 1e-9)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "partial results")
}

func TestPropagateLowOutputCountPenalty(t *testing.T) {
	a := refs.MustParse("graphstore://entity/a")
	store := newFakeObjectStore(map[string]float64{a.String(): 1.0})
	s := newService(store)

	conf, warnings, err := s.Propagate(context.Background(), []refs.Ref{a}, "extraction",
		map[string]interface{}{"output_count": 0})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, conf, 1e-9)
	assert.Len(t, warnings, 1)
}

func TestPropagatePenaltiesCompound(t *testing.T) {
	a := refs.MustParse("graphstore://entity/a")
	store := newFakeObjectStore(map[string]float64{a.String(): 1.0})
	s := newService(store)

	conf, warnings, err := s.Propagate(context.Background(), []refs.Ref{a}, "merge_operation",
		map[string]interface{}{"partial_results": true, "output_count": 0})
	require.NoError(t, err)
	assert.InDelta(t, 0.9*0.9*0.8, conf, 1e-9)
	assert.Len(t, warnings, 3)
}

func TestPropagateUnmodeledConfidenceCountsAsFull(t *testing.T) {
	// Chunks carry no stored confidence; they must not drag the minimum down.
	chunk := refs.MustParse("relstore://chunk/c1")
	s := newService(newFakeObjectStore(map[string]float64{}))

	conf, warnings, err := s.Propagate(context.Background(), []refs.Ref{chunk}, "document_chunking", nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, conf)
	assert.Empty(t, warnings)
}

func TestPropagateMissingInputIsHardError(t *testing.T) {
	a := refs.MustParse("graphstore://entity/gone")
	s := NewService(newFakeObjectStore(nil), &fakeResolver{missing: map[string]bool{a.String(): true}}, config.QualityConfig{})

	_, _, err := s.Propagate(context.Background(), []refs.Ref{a}, "merge_operation", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestAssessManualClampsOverride(t *testing.T) {
	s := newService(newFakeObjectStore(nil))
	ref := refs.MustParse("graphstore://entity/a")

	a, err := s.Assess(context.Background(), ref, "manual", 1.7)
	require.NoError(t, err)
	assert.Equal(t, 1.0, a.Confidence)
	assert.Equal(t, models.TierHigh, a.QualityTier)

	a, err = s.Assess(context.Background(), ref, "manual", -0.2)
	require.NoError(t, err)
	assert.Equal(t, 0.0, a.Confidence)
	assert.Equal(t, models.TierLow, a.QualityTier)
}

func TestAssessAutomaticReadsStored(t *testing.T) {
	ref := refs.MustParse("graphstore://entity/a")
	store := newFakeObjectStore(map[string]float64{ref.String(): 0.6})
	s := newService(store)

	a, err := s.Assess(context.Background(), ref, "automatic", 0)
	require.NoError(t, err)
	assert.Equal(t, 0.6, a.Confidence)
	assert.Equal(t, models.TierMedium, a.QualityTier)
}

func TestAssessMissingObjectIsNotFound(t *testing.T) {
	gone := refs.MustParse("graphstore://entity/gone")
	s := NewService(newFakeObjectStore(nil),
		&fakeResolver{missing: map[string]bool{gone.String(): true}}, config.QualityConfig{})

	_, err := s.Assess(context.Background(), gone, "automatic", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestAssessUnmodeledObjectIsFullConfidence(t *testing.T) {
	// Chunks resolve but carry no stored confidence.
	s := newService(newFakeObjectStore(map[string]float64{}))

	a, err := s.Assess(context.Background(), refs.MustParse("relstore://chunk/c1"), "automatic", 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, a.Confidence)
	assert.Equal(t, models.TierHigh, a.QualityTier)
}

func TestApplyKeepsLowerOfStoredAndOperation(t *testing.T) {
	ref := refs.MustParse("graphstore://entity/a")
	store := newFakeObjectStore(map[string]float64{ref.String(): 0.9})
	s := newService(store)

	require.NoError(t, s.Apply(context.Background(), ref, 0.81))
	assert.InDelta(t, 0.81, store.conf[ref.String()], 1e-9)
	assert.Equal(t, models.TierHigh, store.tiers[ref.String()])

	// An operation stronger than the stored value changes nothing.
	sets := store.sets
	require.NoError(t, s.Apply(context.Background(), ref, 0.99))
	assert.Equal(t, sets, store.sets)
}

func TestApplyIsNoOpForUnmodeledObjects(t *testing.T) {
	store := newFakeObjectStore(map[string]float64{})
	s := newService(store)

	require.NoError(t, s.Apply(context.Background(), refs.MustParse("relstore://chunk/c1"), 0.5))
	assert.Zero(t, store.sets)
}
