package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kgtrace/backend/internal/metrics"
	"github.com/kgtrace/backend/internal/storage/models"
	"github.com/kgtrace/backend/pkg/errs"
	"github.com/kgtrace/backend/pkg/logger"
	"github.com/kgtrace/backend/pkg/utils"
)

type Store interface {
	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	GetCheckpoint(ctx context.Context, workflowID string) (*models.Checkpoint, error)
}

type Status struct {
	WorkflowID      string
	Status          string
	ProgressPercent float64
	CurrentStep     int
	TotalSteps      int
	FailureOpID     string
	FailureReason   string
}

// Service tracks multi-step workflow progress and persists a resumable
// checkpoint at every step boundary. Updates for one workflow are serialized
// through a per-workflow mutex so step numbers stay monotonic; distinct
// workflows proceed fully in parallel.
type Service struct {
	store Store
	locks sync.Map // workflowID -> *sync.Mutex
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

func (s *Service) lock(workflowID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(workflowID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Service) StartWorkflow(ctx context.Context, workflowType string, totalSteps int, metadata map[string]interface{}) (string, error) {
	if workflowType == "" {
		return "", errs.Validation("workflow_type", "empty workflow type")
	}
	if totalSteps < 1 {
		return "", errs.Validation("total_steps", fmt.Sprintf("total_steps must be >= 1, got %d", totalSteps))
	}

	now := s.now()
	cp := &models.Checkpoint{
		ID:           utils.NewID("ckpt"),
		WorkflowID:   utils.NewID("wf"),
		WorkflowType: workflowType,
		Status:       models.WorkflowRunning,
		StepNumber:   0,
		TotalSteps:   totalSteps,
		StateData:    map[string]interface{}{},
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.SaveCheckpoint(ctx, cp); err != nil {
		return "", fmt.Errorf("failed to persist initial checkpoint: %w", err)
	}

	logger.Info("Workflow started",
		zap.String("workflow_id", cp.WorkflowID),
		zap.String("type", workflowType),
		zap.Int("total_steps", totalSteps),
	)
	return cp.WorkflowID, nil
}

// UpdateProgress records a completed step. Step numbers must be monotonically
// non-decreasing; a rewind raises OutOfOrderError and mutates nothing. State
// updates merge into the accumulated state, later keys overwriting earlier
// ones, and the checkpoint is persisted before returning so a crash restarts
// from the last completed step.
func (s *Service) UpdateProgress(ctx context.Context, workflowID string, stepNumber int, operationID string, stateUpdates map[string]interface{}) error {
	mu := s.lock(workflowID)
	mu.Lock()
	defer mu.Unlock()

	cp, err := s.store.GetCheckpoint(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp == nil {
		return errs.NotFound(workflowID)
	}
	if cp.Status != models.WorkflowRunning {
		return errs.InvalidState(fmt.Sprintf("workflow %s", workflowID), models.WorkflowRunning, cp.Status)
	}
	if stepNumber < cp.StepNumber {
		return &errs.OutOfOrderError{WorkflowID: workflowID, LastStep: cp.StepNumber, GotStep: stepNumber}
	}
	if stepNumber > cp.TotalSteps {
		return errs.Validation("step_number", fmt.Sprintf("step %d exceeds total_steps %d", stepNumber, cp.TotalSteps))
	}

	cp.StepNumber = stepNumber
	if cp.StateData == nil {
		cp.StateData = map[string]interface{}{}
	}
	for k, v := range stateUpdates {
		cp.StateData[k] = v
	}
	if operationID != "" {
		cp.CompletedOps = append(cp.CompletedOps, operationID)
	}
	cp.UpdatedAt = s.now()

	if err := s.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}

	logger.Debug("Workflow progress updated",
		zap.String("workflow_id", workflowID),
		zap.Int("step", stepNumber),
		zap.Int("total_steps", cp.TotalSteps),
		zap.String("operation_id", operationID),
	)
	return nil
}

func (s *Service) GetStatus(ctx context.Context, workflowID string) (Status, error) {
	cp, err := s.store.GetCheckpoint(ctx, workflowID)
	if err != nil {
		return Status{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp == nil {
		return Status{}, errs.NotFound(workflowID)
	}

	return Status{
		WorkflowID:      cp.WorkflowID,
		Status:          cp.Status,
		ProgressPercent: cp.ProgressPercent(),
		CurrentStep:     cp.StepNumber,
		TotalSteps:      cp.TotalSteps,
		FailureOpID:     cp.FailureOpID,
		FailureReason:   cp.FailureReason,
	}, nil
}

// CompleteWorkflow writes the terminal checkpoint. Completing a workflow that
// already reached a terminal state raises InvalidStateError.
func (s *Service) CompleteWorkflow(ctx context.Context, workflowID string, finalState map[string]interface{}) (models.Checkpoint, error) {
	mu := s.lock(workflowID)
	mu.Lock()
	defer mu.Unlock()

	cp, err := s.store.GetCheckpoint(ctx, workflowID)
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp == nil {
		return models.Checkpoint{}, errs.NotFound(workflowID)
	}
	if cp.Status != models.WorkflowRunning {
		return models.Checkpoint{}, errs.InvalidState(fmt.Sprintf("workflow %s", workflowID), models.WorkflowRunning, cp.Status)
	}

	if cp.StateData == nil {
		cp.StateData = map[string]interface{}{}
	}
	for k, v := range finalState {
		cp.StateData[k] = v
	}
	cp.Status = models.WorkflowCompleted
	cp.StepNumber = cp.TotalSteps
	cp.UpdatedAt = s.now()

	if err := s.store.SaveCheckpoint(ctx, cp); err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to persist terminal checkpoint: %w", err)
	}

	metrics.WorkflowsTotal.WithLabelValues(models.WorkflowCompleted).Inc()
	logger.Info("Workflow completed", zap.String("workflow_id", workflowID))
	return *cp, nil
}

// MarkFailed moves the workflow to its terminal FAILED state, recording the
// operation that triggered the failure for diagnosis.
func (s *Service) MarkFailed(ctx context.Context, workflowID, operationID, reason string) error {
	mu := s.lock(workflowID)
	mu.Lock()
	defer mu.Unlock()

	cp, err := s.store.GetCheckpoint(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp == nil {
		return errs.NotFound(workflowID)
	}
	if cp.Status != models.WorkflowRunning {
		return errs.InvalidState(fmt.Sprintf("workflow %s", workflowID), models.WorkflowRunning, cp.Status)
	}

	cp.Status = models.WorkflowFailed
	cp.FailureOpID = operationID
	cp.FailureReason = reason
	if operationID != "" {
		cp.FailedOps = append(cp.FailedOps, operationID)
	}
	cp.UpdatedAt = s.now()

	if err := s.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("failed to persist failure checkpoint: %w", err)
	}

	metrics.WorkflowsTotal.WithLabelValues(models.WorkflowFailed).Inc()
	logger.Warn("Workflow failed",
		zap.String("workflow_id", workflowID),
		zap.String("operation_id", operationID),
		zap.String("reason", reason),
	)
	return nil
}
