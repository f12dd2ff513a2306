package provenance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kgtrace/backend/internal/metrics"
	"github.com/kgtrace/backend/internal/refs"
	"github.com/kgtrace/backend/internal/storage/models"
	"github.com/kgtrace/backend/pkg/errs"
	"github.com/kgtrace/backend/pkg/logger"
	"github.com/kgtrace/backend/pkg/utils"
)

const (
	DirectionBackward = "backward"
	DirectionForward  = "forward"
)

// Store is the relational persistence the service needs. CompleteOperation
// must be an atomic running -> terminal transition, reporting false when the
// operation was not in running state.
type Store interface {
	InsertOperation(ctx context.Context, op *models.Operation) error
	CompleteOperation(ctx context.Context, opID, status string, confidence float64, errorMessage string, outputRefs []string, completedAt time.Time) (bool, error)
	GetOperation(ctx context.Context, id string) (*models.Operation, error)
	OperationsProducing(ctx context.Context, ref string) ([]string, error)
	OperationsConsuming(ctx context.Context, ref string) ([]string, error)
	GetToolStats(ctx context.Context, toolID string) (*models.ToolStats, error)
}

type Resolver interface {
	Require(ctx context.Context, rs ...refs.Ref) error
}

// QualityFolder folds a completed operation's confidence into an output
// object's stored quality.
type QualityFolder interface {
	Apply(ctx context.Context, ref refs.Ref, operationConfidence float64) error
}

type Service struct {
	store    Store
	resolver Resolver
	quality  QualityFolder
	now      func() time.Time
}

func NewService(store Store, resolver Resolver, quality QualityFolder) *Service {
	return &Service{
		store:    store,
		resolver: resolver,
		quality:  quality,
		now:      time.Now,
	}
}

// StartOperation opens a provenance record in running state. Every input
// reference must resolve; a dangling input is a hard NotFoundError, never a
// low-confidence success.
func (s *Service) StartOperation(ctx context.Context, operationType, toolID string, inputRefs []refs.Ref, parameters map[string]interface{}) (string, error) {
	if operationType == "" {
		return "", errs.Validation("operation_type", "empty operation type")
	}
	if toolID == "" {
		return "", errs.Validation("tool_id", "empty tool id")
	}
	if err := s.resolver.Require(ctx, inputRefs...); err != nil {
		return "", err
	}

	op := &models.Operation{
		ID:            utils.NewID("op"),
		OperationType: operationType,
		ToolID:        toolID,
		InputRefs:     refs.Strings(inputRefs),
		Parameters:    parameters,
		Status:        models.OpStatusRunning,
		StartedAt:     s.now(),
	}

	if err := s.store.InsertOperation(ctx, op); err != nil {
		return "", fmt.Errorf("failed to record operation start: %w", err)
	}

	logger.Info("Operation started",
		zap.String("operation_id", op.ID),
		zap.String("type", operationType),
		zap.String("tool_id", toolID),
		zap.Int("inputs", len(inputRefs)),
	)
	return op.ID, nil
}

// CompleteOperation transitions the operation out of running exactly once.
// The state swap is compare-and-swap in the store, so the second of two
// racing completions gets InvalidStateError and the stored record reflects
// only the first. On success the operation's confidence is folded into each
// output's stored quality.
func (s *Service) CompleteOperation(ctx context.Context, operationID string, outputRefs []refs.Ref, status string, confidence float64, errorMessage string) error {
	if status != models.OpStatusCompleted && status != models.OpStatusFailed {
		return errs.Validation("status", fmt.Sprintf("status must be %q or %q, got %q", models.OpStatusCompleted, models.OpStatusFailed, status))
	}

	op, err := s.store.GetOperation(ctx, operationID)
	if err != nil {
		return fmt.Errorf("failed to load operation: %w", err)
	}
	if op == nil {
		return errs.NotFound(operationID)
	}

	// A hard error validating outputs must not leave the record running.
	if err := s.resolver.Require(ctx, outputRefs...); err != nil {
		if _, failErr := s.store.CompleteOperation(ctx, operationID, models.OpStatusFailed, 0, err.Error(), nil, s.now()); failErr != nil {
			logger.Error("Failed to mark operation failed after output validation error",
				zap.String("operation_id", operationID), zap.Error(failErr))
		}
		metrics.OperationsTotal.WithLabelValues(op.OperationType, models.OpStatusFailed).Inc()
		return err
	}

	completedAt := s.now()
	swapped, err := s.store.CompleteOperation(ctx, operationID, status, confidence, errorMessage, refs.Strings(outputRefs), completedAt)
	if err != nil {
		return fmt.Errorf("failed to complete operation: %w", err)
	}
	if !swapped {
		current, loadErr := s.store.GetOperation(ctx, operationID)
		actual := "unknown"
		if loadErr == nil && current != nil {
			actual = current.Status
		}
		return errs.InvalidState(
			fmt.Sprintf("operation %s", operationID),
			models.OpStatusRunning,
			actual,
		)
	}

	metrics.OperationsTotal.WithLabelValues(op.OperationType, status).Inc()
	metrics.OperationDuration.WithLabelValues(op.OperationType).Observe(completedAt.Sub(op.StartedAt).Seconds())

	if status == models.OpStatusCompleted {
		for _, ref := range outputRefs {
			if err := s.quality.Apply(ctx, ref, confidence); err != nil {
				logger.Error("Failed to fold operation confidence into output",
					zap.String("operation_id", operationID),
					zap.String("ref", ref.String()),
					zap.Error(err),
				)
			}
		}
	}

	logger.Info("Operation completed",
		zap.String("operation_id", operationID),
		zap.String("status", status),
		zap.Float64("confidence", confidence),
		zap.Int("outputs", len(outputRefs)),
	)
	return nil
}

// GetLineage walks the operation DAG from ref. Backward follows output ->
// input edges toward roots; forward follows the opposite direction. The walk
// is breadth-first, deduplicates revisited operations, and returns them in
// discovery order, nearest first.
func (s *Service) GetLineage(ctx context.Context, ref refs.Ref, direction string, maxDepth int) ([]models.Operation, error) {
	if direction != DirectionBackward && direction != DirectionForward {
		return nil, errs.Validation("direction", fmt.Sprintf("direction must be %q or %q", DirectionBackward, DirectionForward))
	}
	if maxDepth <= 0 {
		maxDepth = 10
	}

	var (
		lineage  []models.Operation
		seenOps  = map[string]bool{}
		seenRefs = map[string]bool{ref.String(): true}
		frontier = []string{ref.String()}
		depth    int
	)

	for depth = 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, current := range frontier {
			var opIDs []string
			var err error
			if direction == DirectionBackward {
				opIDs, err = s.store.OperationsProducing(ctx, current)
			} else {
				opIDs, err = s.store.OperationsConsuming(ctx, current)
			}
			if err != nil {
				return nil, fmt.Errorf("failed to expand lineage at %s: %w", current, err)
			}

			for _, opID := range opIDs {
				if seenOps[opID] {
					continue
				}
				seenOps[opID] = true

				op, err := s.store.GetOperation(ctx, opID)
				if err != nil {
					return nil, fmt.Errorf("failed to load lineage operation: %w", err)
				}
				if op == nil {
					continue
				}
				lineage = append(lineage, *op)

				edges := op.InputRefs
				if direction == DirectionForward {
					edges = op.OutputRefs
				}
				for _, edge := range edges {
					if !seenRefs[edge] {
						seenRefs[edge] = true
						next = append(next, edge)
					}
				}
			}
		}
		frontier = next
	}

	metrics.LineageDepth.Observe(float64(depth))

	logger.Debug("Lineage traversal finished",
		zap.String("ref", ref.String()),
		zap.String("direction", direction),
		zap.Int("operations", len(lineage)),
		zap.Int("depth", depth),
	)
	return lineage, nil
}

// GetToolStatistics aggregates stored per-tool counters. A tool that never
// completed an operation reports all zeros.
func (s *Service) GetToolStatistics(ctx context.Context, toolID string) (models.ToolStats, error) {
	stats, err := s.store.GetToolStats(ctx, toolID)
	if err != nil {
		return models.ToolStats{}, fmt.Errorf("failed to get tool stats: %w", err)
	}
	if stats == nil {
		return models.ToolStats{ToolID: toolID}, nil
	}
	return *stats, nil
}
