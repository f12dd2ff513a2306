package quality

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kgtrace/backend/internal/metrics"
	"github.com/kgtrace/backend/internal/refs"
	"github.com/kgtrace/backend/internal/storage/models"
	"github.com/kgtrace/backend/pkg/config"
	"github.com/kgtrace/backend/pkg/logger"
)

// ObjectStore reads and writes the stored confidence of a referenced object,
// dispatching to whichever physical store owns it.
type ObjectStore interface {
	GetConfidence(ctx context.Context, ref refs.Ref) (float64, bool, error)
	SetConfidence(ctx context.Context, ref refs.Ref, confidence float64, tier string) error
}

type Resolver interface {
	Require(ctx context.Context, rs ...refs.Ref) error
}

type Assessment struct {
	Ref         refs.Ref
	Confidence  float64
	QualityTier string
	Method      string
}

// Service computes and propagates confidence scores. It never rejects
// out-of-range confidence values; inputs are clamped to [0,1].
type Service struct {
	store    ObjectStore
	resolver Resolver
	cfg      config.QualityConfig
}

func NewService(store ObjectStore, resolver Resolver, cfg config.QualityConfig) *Service {
	if cfg.HighTierThreshold == 0 {
		cfg.HighTierThreshold = 0.8
	}
	if cfg.MediumTierThreshold == 0 {
		cfg.MediumTierThreshold = 0.5
	}
	if cfg.PartialResultsFactor == 0 {
		cfg.PartialResultsFactor = 0.9
	}
	if cfg.MinOutputs == 0 {
		cfg.MinOutputs = 1
	}
	if cfg.LowOutputFactor == 0 {
		cfg.LowOutputFactor = 0.8
	}
	return &Service{store: store, resolver: resolver, cfg: cfg}
}

// TierFor derives the discrete quality tier from a confidence score. Tier is
// always a pure function of confidence; it is never stored independently.
func (s *Service) TierFor(confidence float64) string {
	switch {
	case confidence >= s.cfg.HighTierThreshold:
		return models.TierHigh
	case confidence >= s.cfg.MediumTierThreshold:
		return models.TierMedium
	default:
		return models.TierLow
	}
}

// Assess returns the quality of a referenced object. method "automatic" reads
// the stored confidence; "manual" takes the caller's override, clamped and
// logged so the adjustment is auditable.
func (s *Service) Assess(ctx context.Context, ref refs.Ref, method string, override float64) (Assessment, error) {
	var confidence float64

	switch method {
	case "manual":
		confidence = clamp(override)
		logger.Info("Manual quality override",
			zap.String("ref", ref.String()),
			zap.Float64("override", override),
			zap.Float64("clamped", confidence),
		)
	default:
		if err := s.resolver.Require(ctx, ref); err != nil {
			return Assessment{}, err
		}
		stored, found, err := s.store.GetConfidence(ctx, ref)
		if err != nil {
			return Assessment{}, fmt.Errorf("failed to read stored confidence: %w", err)
		}
		if !found {
			// The object exists but its type carries no modeled confidence
			// (documents, chunks, vectors); it assesses as full, matching how
			// Propagate treats such inputs.
			stored = 1.0
		}
		confidence = clamp(stored)
	}

	return Assessment{
		Ref:         ref,
		Confidence:  confidence,
		QualityTier: s.TierFor(confidence),
		Method:      method,
	}, nil
}

// Propagate computes the confidence of an operation's outputs from its
// inputs: pessimistic minimum over inputs, degraded by the per-operation
// factor, the partial-results flag, and a low-output-count penalty. The
// result never exceeds the weakest input. Each penalty appends a
// human-readable warning for the operator audit trail.
func (s *Service) Propagate(ctx context.Context, inputRefs []refs.Ref, operationType string, parameters map[string]interface{}) (float64, []string, error) {
	if err := s.resolver.Require(ctx, inputRefs...); err != nil {
		return 0, nil, err
	}

	minInput := 1.0
	for _, ref := range inputRefs {
		stored, found, err := s.store.GetConfidence(ctx, ref)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to read confidence of %s: %w", ref, err)
		}
		if !found {
			// Object types without a modeled confidence count as full.
			continue
		}
		if c := clamp(stored); c < minInput {
			minInput = c
		}
	}

	confidence := minInput
	var warnings []string

	if factor, ok := s.cfg.OperationFactors[operationType]; ok && factor < 1.0 {
		confidence *= factor
		warnings = append(warnings, fmt.Sprintf(
			"operation type %q degrades confidence by factor %.2f", operationType, factor))
		metrics.QualityPenalties.WithLabelValues("operation_type").Inc()
	}

	if partial, _ := parameters["partial_results"].(bool); partial {
		confidence *= s.cfg.PartialResultsFactor
		warnings = append(warnings, fmt.Sprintf(
			"partial results flagged, confidence degraded by factor %.2f", s.cfg.PartialResultsFactor))
		metrics.QualityPenalties.WithLabelValues("partial_results").Inc()
	}

	if raw, ok := parameters["output_count"]; ok {
		if count, ok := toInt(raw); ok && count < s.cfg.MinOutputs {
			confidence *= s.cfg.LowOutputFactor
			warnings = append(warnings, fmt.Sprintf(
				"only %d outputs produced (minimum %d), confidence degraded by factor %.2f",
				count, s.cfg.MinOutputs, s.cfg.LowOutputFactor))
			metrics.QualityPenalties.WithLabelValues("low_output_count").Inc()
		}
	}

	// A chain is only as strong as its weakest link.
	if confidence > minInput {
		confidence = minInput
	}
	confidence = clamp(confidence)

	metrics.ConfidenceScore.Observe(confidence)

	if len(warnings) > 0 {
		logger.Warn("Confidence degraded during propagation",
			zap.String("operation_type", operationType),
			zap.Float64("min_input", minInput),
			zap.Float64("result", confidence),
			zap.Strings("warnings", warnings),
		)
	}
	return confidence, warnings, nil
}

// Apply folds an operation's confidence into the stored confidence of one of
// its outputs: the object keeps the lower of the two, and its tier is
// recomputed from the new value.
func (s *Service) Apply(ctx context.Context, ref refs.Ref, operationConfidence float64) error {
	stored, found, err := s.store.GetConfidence(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to read confidence of %s: %w", ref, err)
	}
	if !found {
		return nil
	}

	opConf := clamp(operationConfidence)
	newConf := clamp(stored)
	if opConf < newConf {
		newConf = opConf
	}
	if newConf == stored {
		return nil
	}

	if err := s.store.SetConfidence(ctx, ref, newConf, s.TierFor(newConf)); err != nil {
		return fmt.Errorf("failed to update confidence of %s: %w", ref, err)
	}

	logger.Debug("Confidence folded into object",
		zap.String("ref", ref.String()),
		zap.Float64("stored", stored),
		zap.Float64("operation", opConf),
		zap.Float64("result", newConf),
	)
	return nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
