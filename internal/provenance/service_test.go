package provenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgtrace/backend/internal/refs"
	"github.com/kgtrace/backend/internal/storage/models"
	"github.com/kgtrace/backend/pkg/errs"
)

// fakeStore mimics the relational client's compare-and-swap completion.
type fakeStore struct {
	mu  sync.Mutex
	ops map[string]*models.Operation
}

func newFakeStore() *fakeStore {
	return &fakeStore{ops: map[string]*models.Operation{}}
}

func (f *fakeStore) InsertOperation(_ context.Context, op *models.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *op
	f.ops[op.ID] = &cp
	return nil
}

func (f *fakeStore) CompleteOperation(_ context.Context, opID, status string, confidence float64, errorMessage string, outputRefs []string, completedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[opID]
	if !ok {
		return false, fmt.Errorf("no such operation %s", opID)
	}
	if op.Status != models.OpStatusRunning {
		return false, nil
	}
	op.Status = status
	op.Confidence = confidence
	op.ErrorMessage = errorMessage
	op.OutputRefs = outputRefs
	op.CompletedAt = &completedAt
	return true, nil
}

func (f *fakeStore) GetOperation(_ context.Context, id string) (*models.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[id]
	if !ok {
		return nil, nil
	}
	cp := *op
	return &cp, nil
}

func (f *fakeStore) OperationsProducing(_ context.Context, ref string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, op := range f.ops {
		for _, r := range op.OutputRefs {
			if r == ref {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) OperationsConsuming(_ context.Context, ref string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, op := range f.ops {
		for _, r := range op.InputRefs {
			if r == ref {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) GetToolStats(_ context.Context, _ string) (*models.ToolStats, error) {
	return nil, nil
}

type allowAllResolver struct {
	missing map[string]bool
}

func (r *allowAllResolver) Require(_ context.Context, rs ...refs.Ref) error {
	for _, ref := range rs {
		if r.missing != nil && r.missing[ref.String()] {
			return errs.NotFound(ref.String())
		}
	}
	return nil
}

type recordingFolder struct {
	mu      sync.Mutex
	applied map[string]float64
}

func (q *recordingFolder) Apply(_ context.Context, ref refs.Ref, confidence float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.applied == nil {
		q.applied = map[string]float64{}
	}
	q.applied[ref.String()] = confidence
	return nil
}

func newTestService(store Store, resolver Resolver) (*Service, *recordingFolder) {
	folder := &recordingFolder{}
	svc := NewService(store, resolver, folder)
	return svc, folder
}

func TestStartOperationValidates(t *testing.T) {
	svc, _ := newTestService(newFakeStore(), &allowAllResolver{})
	ctx := context.Background()

	_, err := svc.StartOperation(ctx, "", "tool", nil, nil)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	_, err = svc.StartOperation(ctx, "extraction", "", nil, nil)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestStartOperationRejectsDanglingInputs(t *testing.T) {
	missing := refs.MustParse("relstore://chunk/gone")
	svc, _ := newTestService(newFakeStore(), &allowAllResolver{missing: map[string]bool{missing.String(): true}})

	_, err := svc.StartOperation(context.Background(), "extraction", "tool", []refs.Ref{missing}, nil)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestCompleteOperationFoldsConfidenceIntoOutputs(t *testing.T) {
	store := newFakeStore()
	svc, folder := newTestService(store, &allowAllResolver{})
	ctx := context.Background()

	in := refs.MustParse("relstore://chunk/c1")
	out := refs.MustParse("relstore://mention/m1")

	opID, err := svc.StartOperation(ctx, "extraction", "llm-extractor", []refs.Ref{in}, nil)
	require.NoError(t, err)

	require.NoError(t, svc.CompleteOperation(ctx, opID, []refs.Ref{out}, models.OpStatusCompleted, 0.7, ""))

	op, err := store.GetOperation(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, models.OpStatusCompleted, op.Status)
	assert.Equal(t, []string{out.String()}, op.OutputRefs)
	assert.NotNil(t, op.CompletedAt)
	assert.Equal(t, 0.7, folder.applied[out.String()])
}

func TestCompleteOperationFailedSkipsQualityFold(t *testing.T) {
	store := newFakeStore()
	svc, folder := newTestService(store, &allowAllResolver{})
	ctx := context.Background()

	opID, err := svc.StartOperation(ctx, "extraction", "tool", nil, nil)
	require.NoError(t, err)

	require.NoError(t, svc.CompleteOperation(ctx, opID, nil, models.OpStatusFailed, 0, "llm unavailable"))

	op, _ := store.GetOperation(ctx, opID)
	assert.Equal(t, models.OpStatusFailed, op.Status)
	assert.Equal(t, "llm unavailable", op.ErrorMessage)
	assert.Empty(t, folder.applied)
}

func TestCompleteOperationIsExactlyOnce(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store, &allowAllResolver{})
	ctx := context.Background()

	opID, err := svc.StartOperation(ctx, "extraction", "tool", nil, nil)
	require.NoError(t, err)

	require.NoError(t, svc.CompleteOperation(ctx, opID, nil, models.OpStatusCompleted, 1.0, ""))

	err = svc.CompleteOperation(ctx, opID, nil, models.OpStatusFailed, 0, "late failure")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidState))

	var ise *errs.InvalidStateError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, models.OpStatusCompleted, ise.Actual)

	// The stored record reflects only the first completion.
	op, _ := store.GetOperation(ctx, opID)
	assert.Equal(t, models.OpStatusCompleted, op.Status)
	assert.Empty(t, op.ErrorMessage)
}

func TestCompleteOperationRacersHaveOneWinner(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store, &allowAllResolver{})
	ctx := context.Background()

	opID, err := svc.StartOperation(ctx, "extraction", "tool", nil, nil)
	require.NoError(t, err)

	const racers = 8
	errsCh := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errsCh <- svc.CompleteOperation(ctx, opID, nil, models.OpStatusCompleted, 1.0, "")
		}()
	}
	wg.Wait()
	close(errsCh)

	var wins, conflicts int
	for err := range errsCh {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, errs.ErrInvalidState):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, conflicts)
}

func TestCompleteOperationUnknownIDIsNotFound(t *testing.T) {
	svc, _ := newTestService(newFakeStore(), &allowAllResolver{})
	err := svc.CompleteOperation(context.Background(), "op_missing", nil, models.OpStatusCompleted, 1.0, "")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestCompleteOperationBadStatusIsValidation(t *testing.T) {
	svc, _ := newTestService(newFakeStore(), &allowAllResolver{})
	err := svc.CompleteOperation(context.Background(), "op_x", nil, "paused", 1.0, "")
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestCompleteOperationDanglingOutputMarksFailed(t *testing.T) {
	store := newFakeStore()
	missing := refs.MustParse("relstore://mention/gone")
	svc, _ := newTestService(store, &allowAllResolver{missing: map[string]bool{missing.String(): true}})
	ctx := context.Background()

	opID, err := svc.StartOperation(ctx, "extraction", "tool", nil, nil)
	require.NoError(t, err)

	err = svc.CompleteOperation(ctx, opID, []refs.Ref{missing}, models.OpStatusCompleted, 1.0, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	// The record must not be left running.
	op, _ := store.GetOperation(ctx, opID)
	assert.Equal(t, models.OpStatusFailed, op.Status)
}

// buildChain records doc -> chunk -> mention -> entity as three completed
// operations and returns the service plus the refs.
func buildChain(t *testing.T) (*Service, refs.Ref, refs.Ref, []string) {
	t.Helper()
	store := newFakeStore()
	svc, _ := newTestService(store, &allowAllResolver{})
	ctx := context.Background()

	doc := refs.MustParse("relstore://document/d1")
	chunk := refs.MustParse("relstore://chunk/c1")
	mention := refs.MustParse("relstore://mention/m1")
	entity := refs.MustParse("graphstore://entity/e1")

	var opIDs []string
	for _, step := range []struct {
		opType string
		in     refs.Ref
		out    refs.Ref
	}{
		{"document_chunking", doc, chunk},
		{"entity_extraction", chunk, mention},
		{"entity_resolution", mention, entity},
	} {
		opID, err := svc.StartOperation(ctx, step.opType, "tool", []refs.Ref{step.in}, nil)
		require.NoError(t, err)
		require.NoError(t, svc.CompleteOperation(ctx, opID, []refs.Ref{step.out}, models.OpStatusCompleted, 1.0, ""))
		opIDs = append(opIDs, opID)
	}
	return svc, doc, entity, opIDs
}

func TestGetLineageBackwardWalksToRoots(t *testing.T) {
	svc, _, entity, opIDs := buildChain(t)

	lineage, err := svc.GetLineage(context.Background(), entity, DirectionBackward, 10)
	require.NoError(t, err)
	require.Len(t, lineage, 3)

	// Nearest first: resolution, extraction, chunking.
	assert.Equal(t, opIDs[2], lineage[0].ID)
	assert.Equal(t, opIDs[1], lineage[1].ID)
	assert.Equal(t, opIDs[0], lineage[2].ID)
}

func TestGetLineageForwardWalksToLeaves(t *testing.T) {
	svc, doc, _, opIDs := buildChain(t)

	lineage, err := svc.GetLineage(context.Background(), doc, DirectionForward, 10)
	require.NoError(t, err)
	require.Len(t, lineage, 3)
	assert.Equal(t, opIDs[0], lineage[0].ID)
}

func TestGetLineageHonorsMaxDepth(t *testing.T) {
	svc, _, entity, opIDs := buildChain(t)

	lineage, err := svc.GetLineage(context.Background(), entity, DirectionBackward, 1)
	require.NoError(t, err)
	require.Len(t, lineage, 1)
	assert.Equal(t, opIDs[2], lineage[0].ID)
}

func TestGetLineageDeduplicatesDiamonds(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store, &allowAllResolver{})
	ctx := context.Background()

	chunk := refs.MustParse("relstore://chunk/c1")
	m1 := refs.MustParse("relstore://mention/m1")
	m2 := refs.MustParse("relstore://mention/m2")
	entity := refs.MustParse("graphstore://entity/e1")

	extractID, err := svc.StartOperation(ctx, "entity_extraction", "tool", []refs.Ref{chunk}, nil)
	require.NoError(t, err)
	require.NoError(t, svc.CompleteOperation(ctx, extractID, []refs.Ref{m1, m2}, models.OpStatusCompleted, 1.0, ""))

	resolveID, err := svc.StartOperation(ctx, "entity_resolution", "tool", []refs.Ref{m1, m2}, nil)
	require.NoError(t, err)
	require.NoError(t, svc.CompleteOperation(ctx, resolveID, []refs.Ref{entity}, models.OpStatusCompleted, 1.0, ""))

	// Both mentions lead back to the same extraction; it must appear once.
	lineage, err := svc.GetLineage(ctx, entity, DirectionBackward, 10)
	require.NoError(t, err)
	require.Len(t, lineage, 2)
	assert.Equal(t, resolveID, lineage[0].ID)
	assert.Equal(t, extractID, lineage[1].ID)
}

func TestGetLineageRejectsBadDirection(t *testing.T) {
	svc, _ := newTestService(newFakeStore(), &allowAllResolver{})
	_, err := svc.GetLineage(context.Background(), refs.MustParse("graphstore://entity/e1"), "sideways", 10)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestGetToolStatisticsZeroForUnknownTool(t *testing.T) {
	svc, _ := newTestService(newFakeStore(), &allowAllResolver{})

	stats, err := svc.GetToolStatistics(context.Background(), "never-used")
	require.NoError(t, err)
	assert.Equal(t, "never-used", stats.ToolID)
	assert.Zero(t, stats.TotalCalls)
	assert.Zero(t, stats.AvgDurationMS())
}
