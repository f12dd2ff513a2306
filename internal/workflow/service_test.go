package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgtrace/backend/internal/storage/models"
	"github.com/kgtrace/backend/pkg/errs"
)

type fakeCheckpointStore struct {
	mu    sync.Mutex
	saved map[string]*models.Checkpoint
}

func newFakeCheckpointStore() *fakeCheckpointStore {
	return &fakeCheckpointStore{saved: map[string]*models.Checkpoint{}}
}

func (f *fakeCheckpointStore) SaveCheckpoint(_ context.Context, cp *models.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cpCopy := *cp
	f.saved[cp.WorkflowID] = &cpCopy
	return nil
}

func (f *fakeCheckpointStore) GetCheckpoint(_ context.Context, workflowID string) (*models.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.saved[workflowID]
	if !ok {
		return nil, nil
	}
	cpCopy := *cp
	return &cpCopy, nil
}

func TestStartWorkflowValidates(t *testing.T) {
	svc := NewService(newFakeCheckpointStore())
	ctx := context.Background()

	_, err := svc.StartWorkflow(ctx, "", 4, nil)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	_, err = svc.StartWorkflow(ctx, "document_ingestion", 0, nil)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestProgressPercentAtHalfway(t *testing.T) {
	svc := NewService(newFakeCheckpointStore())
	ctx := context.Background()

	wfID, err := svc.StartWorkflow(ctx, "document_ingestion", 4, nil)
	require.NoError(t, err)

	require.NoError(t, svc.UpdateProgress(ctx, wfID, 1, "op_1", nil))
	require.NoError(t, svc.UpdateProgress(ctx, wfID, 2, "op_2", nil))

	status, err := svc.GetStatus(ctx, wfID)
	require.NoError(t, err)
	assert.Equal(t, 50.0, status.ProgressPercent)
	assert.Equal(t, 2, status.CurrentStep)
	assert.Equal(t, models.WorkflowRunning, status.Status)
}

func TestUpdateProgressRejectsRewind(t *testing.T) {
	svc := NewService(newFakeCheckpointStore())
	ctx := context.Background()

	wfID, err := svc.StartWorkflow(ctx, "document_ingestion", 4, nil)
	require.NoError(t, err)
	require.NoError(t, svc.UpdateProgress(ctx, wfID, 3, "op_3", nil))

	err = svc.UpdateProgress(ctx, wfID, 2, "op_2", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrOutOfOrder))

	var ooe *errs.OutOfOrderError
	require.True(t, errors.As(err, &ooe))
	assert.Equal(t, wfID, ooe.WorkflowID)
	assert.Equal(t, 3, ooe.LastStep)
	assert.Equal(t, 2, ooe.GotStep)

	// The rejected update mutated nothing.
	status, _ := svc.GetStatus(ctx, wfID)
	assert.Equal(t, 3, status.CurrentStep)
}

func TestUpdateProgressRejectsStepPastTotal(t *testing.T) {
	svc := NewService(newFakeCheckpointStore())
	ctx := context.Background()

	wfID, _ := svc.StartWorkflow(ctx, "document_ingestion", 4, nil)
	err := svc.UpdateProgress(ctx, wfID, 5, "op_5", nil)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestUpdateProgressUnknownWorkflow(t *testing.T) {
	svc := NewService(newFakeCheckpointStore())
	err := svc.UpdateProgress(context.Background(), "wf_missing", 1, "", nil)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestStateDataMergesAcrossSteps(t *testing.T) {
	store := newFakeCheckpointStore()
	svc := NewService(store)
	ctx := context.Background()

	wfID, _ := svc.StartWorkflow(ctx, "document_ingestion", 4, nil)
	require.NoError(t, svc.UpdateProgress(ctx, wfID, 1, "op_1", map[string]interface{}{"chunk_count": 3, "title": "a"}))
	require.NoError(t, svc.UpdateProgress(ctx, wfID, 2, "op_2", map[string]interface{}{"chunk_count": 5}))

	cp, err := store.GetCheckpoint(ctx, wfID)
	require.NoError(t, err)
	assert.Equal(t, 5, cp.StateData["chunk_count"])
	assert.Equal(t, "a", cp.StateData["title"])
	assert.Equal(t, []string{"op_1", "op_2"}, cp.CompletedOps)
}

func TestCompleteWorkflowIsTerminal(t *testing.T) {
	svc := NewService(newFakeCheckpointStore())
	ctx := context.Background()

	wfID, _ := svc.StartWorkflow(ctx, "document_ingestion", 4, nil)
	cp, err := svc.CompleteWorkflow(ctx, wfID, map[string]interface{}{"entity_count": 2})
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowCompleted, cp.Status)
	assert.Equal(t, 100.0, cp.ProgressPercent())

	_, err = svc.CompleteWorkflow(ctx, wfID, nil)
	assert.True(t, errors.Is(err, errs.ErrInvalidState))

	err = svc.UpdateProgress(ctx, wfID, 3, "op_late", nil)
	assert.True(t, errors.Is(err, errs.ErrInvalidState))
}

func TestMarkFailedRecordsCause(t *testing.T) {
	svc := NewService(newFakeCheckpointStore())
	ctx := context.Background()

	wfID, _ := svc.StartWorkflow(ctx, "document_ingestion", 4, nil)
	require.NoError(t, svc.MarkFailed(ctx, wfID, "op_bad", "llm unavailable"))

	status, err := svc.GetStatus(ctx, wfID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowFailed, status.Status)
	assert.Equal(t, "op_bad", status.FailureOpID)
	assert.Equal(t, "llm unavailable", status.FailureReason)

	err = svc.MarkFailed(ctx, wfID, "op_other", "again")
	assert.True(t, errors.Is(err, errs.ErrInvalidState))
}

func TestWorkflowsProgressIndependently(t *testing.T) {
	svc := NewService(newFakeCheckpointStore())
	ctx := context.Background()

	const workflows = 4
	ids := make([]string, workflows)
	for i := range ids {
		id, err := svc.StartWorkflow(ctx, "document_ingestion", 4, nil)
		require.NoError(t, err)
		ids[i] = id
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for step := 1; step <= 4; step++ {
				assert.NoError(t, svc.UpdateProgress(ctx, id, step, "", nil))
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		status, err := svc.GetStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 100.0, status.ProgressPercent)
	}
}
