package identity

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kgtrace/backend/internal/graph/neo4j"
	"github.com/kgtrace/backend/internal/metrics"
	"github.com/kgtrace/backend/internal/refs"
	"github.com/kgtrace/backend/internal/storage/models"
	"github.com/kgtrace/backend/pkg/errs"
	"github.com/kgtrace/backend/pkg/logger"
	"github.com/kgtrace/backend/pkg/utils"
)

// RelationalStore persists surface forms and mentions. InsertSurfaceForm is
// atomic per content hash: it returns the id that won, which may belong to a
// concurrent caller.
type RelationalStore interface {
	InsertSurfaceForm(ctx context.Context, sf *models.SurfaceForm) (string, error)
	GetSurfaceForm(ctx context.Context, id string) (*models.SurfaceForm, error)
	InsertMention(ctx context.Context, m *models.Mention) error
	GetMention(ctx context.Context, id string) (*models.Mention, error)
}

// GraphStore persists canonical entities. CreateEntity is atomic per
// normalized key and returns the winning id.
type GraphStore interface {
	CreateEntity(ctx context.Context, entity *neo4j.Entity) (string, error)
	GetEntity(ctx context.Context, id string) (*neo4j.Entity, error)
	FindByKey(ctx context.Context, normalizedKey, entityType string) ([]neo4j.Entity, error)
	AttachMention(ctx context.Context, entityID, mentionRef string) error
	MergeInto(ctx context.Context, fromID, toID string) error
}

// CandidateCache short-circuits index lookups for hot normalized keys.
type CandidateCache interface {
	GetEntityRef(ctx context.Context, normalizedKey, entityType string) (string, bool, error)
	SetEntityRef(ctx context.Context, normalizedKey, entityType, ref string) error
	InvalidateEntityRef(ctx context.Context, normalizedKey, entityType string) error
}

type Tierer interface {
	TierFor(confidence float64) string
}

// Recorder is the slice of the provenance service merges need.
type Recorder interface {
	StartOperation(ctx context.Context, operationType, toolID string, inputRefs []refs.Ref, parameters map[string]interface{}) (string, error)
	CompleteOperation(ctx context.Context, operationID string, outputRefs []refs.Ref, status string, confidence float64, errorMessage string) error
}

type Propagator interface {
	Propagate(ctx context.Context, inputRefs []refs.Ref, operationType string, parameters map[string]interface{}) (float64, []string, error)
}

const mergeToolID = "identity-service"

type Service struct {
	rel        RelationalStore
	graph      GraphStore
	cache      CandidateCache
	tiers      Tierer
	provenance Recorder
	quality    Propagator
	now        func() time.Time
}

func NewService(rel RelationalStore, graph GraphStore, cache CandidateCache, tiers Tierer, prov Recorder, quality Propagator) *Service {
	return &Service{
		rel:        rel,
		graph:      graph,
		cache:      cache,
		tiers:      tiers,
		provenance: prov,
		quality:    quality,
		now:        time.Now,
	}
}

// CreateSurfaceForm mints a surface form reference, idempotently by content
// hash: resubmitting identical text at identical offsets of the same chunk
// returns the existing reference instead of a duplicate.
func (s *Service) CreateSurfaceForm(ctx context.Context, text, context_ string, chunkRef refs.Ref, startOffset, endOffset int) (refs.Ref, error) {
	if text == "" {
		return refs.Ref{}, errs.Validation("text", "empty surface form text")
	}
	if endOffset < startOffset {
		return refs.Ref{}, errs.Validation("offsets", fmt.Sprintf("end offset %d before start offset %d", endOffset, startOffset))
	}
	if chunkRef.Type != refs.TypeChunk {
		return refs.Ref{}, errs.Validation("chunk_ref", fmt.Sprintf("expected a chunk reference, got %s", chunkRef))
	}

	sf := &models.SurfaceForm{
		ID:          utils.NewID("sf"),
		Text:        text,
		Context:     context_,
		ChunkRef:    chunkRef.String(),
		StartOffset: startOffset,
		EndOffset:   endOffset,
		ContentHash: utils.ContentHash(text, chunkRef.String(), startOffset, endOffset),
		CreatedAt:   s.now(),
	}

	winnerID, err := s.rel.InsertSurfaceForm(ctx, sf)
	if err != nil {
		return refs.Ref{}, fmt.Errorf("failed to mint surface form: %w", err)
	}
	if winnerID != sf.ID {
		metrics.SurfaceFormDedupHits.Inc()
	}

	return refs.New(refs.StoreRelational, refs.TypeSurfaceForm, winnerID)
}

// CreateMention attaches a semantic type to an existing surface form.
func (s *Service) CreateMention(ctx context.Context, surfaceFormRef refs.Ref, mentionType string, attributes map[string]interface{}, confidence float64) (refs.Ref, error) {
	if surfaceFormRef.Type != refs.TypeSurfaceForm {
		return refs.Ref{}, errs.Validation("surface_form_ref", fmt.Sprintf("expected a surface form reference, got %s", surfaceFormRef))
	}
	if mentionType == "" {
		return refs.Ref{}, errs.Validation("mention_type", "empty mention type")
	}

	sf, err := s.rel.GetSurfaceForm(ctx, surfaceFormRef.ID)
	if err != nil {
		return refs.Ref{}, fmt.Errorf("failed to load surface form: %w", err)
	}
	if sf == nil {
		return refs.Ref{}, errs.NotFound(surfaceFormRef.String())
	}

	m := &models.Mention{
		ID:             utils.NewID("men"),
		SurfaceFormRef: surfaceFormRef.String(),
		MentionType:    mentionType,
		Attributes:     attributes,
		Confidence:     clamp(confidence),
		CreatedAt:      s.now(),
	}
	if err := s.rel.InsertMention(ctx, m); err != nil {
		return refs.Ref{}, fmt.Errorf("failed to create mention: %w", err)
	}

	logger.Debug("Mention created",
		zap.String("mention_id", m.ID),
		zap.String("type", mentionType),
		zap.String("surface_form", surfaceFormRef.ID),
	)
	return refs.New(refs.StoreRelational, refs.TypeMention, m.ID)
}

// ResolveEntity maps a mention onto a canonical entity. Explicit candidates
// are considered first; with none supplied the normalized-key index (cache,
// then graph) is consulted. The best match is the highest-confidence entity
// of exactly the mention's type, ties broken by mention-reference count (more
// evidence wins). With no match and createIfMissing, a new entity is minted
// seeded from the mention's extraction confidence; otherwise NoMatchError.
func (s *Service) ResolveEntity(ctx context.Context, mentionRef refs.Ref, candidateRefs []refs.Ref, createIfMissing bool) (refs.Ref, error) {
	if mentionRef.Type != refs.TypeMention {
		return refs.Ref{}, errs.Validation("mention_ref", fmt.Sprintf("expected a mention reference, got %s", mentionRef))
	}

	mention, err := s.rel.GetMention(ctx, mentionRef.ID)
	if err != nil {
		return refs.Ref{}, fmt.Errorf("failed to load mention: %w", err)
	}
	if mention == nil {
		return refs.Ref{}, errs.NotFound(mentionRef.String())
	}

	sfRef, err := refs.Parse(mention.SurfaceFormRef)
	if err != nil {
		return refs.Ref{}, fmt.Errorf("mention carries malformed surface form ref: %w", err)
	}
	sf, err := s.rel.GetSurfaceForm(ctx, sfRef.ID)
	if err != nil {
		return refs.Ref{}, fmt.Errorf("failed to load surface form: %w", err)
	}
	if sf == nil {
		return refs.Ref{}, errs.NotFound(mention.SurfaceFormRef)
	}

	normalizedKey := utils.NormalizeName(sf.Text)

	candidates, err := s.gatherCandidates(ctx, normalizedKey, mention.MentionType, candidateRefs)
	if err != nil {
		return refs.Ref{}, err
	}

	if best := pickBest(candidates, mention.MentionType); best != nil {
		if err := s.graph.AttachMention(ctx, best.ID, mentionRef.String()); err != nil {
			return refs.Ref{}, fmt.Errorf("failed to attach mention to entity: %w", err)
		}
		entityRef, _ := refs.New(refs.StoreGraph, refs.TypeEntity, best.ID)
		s.cacheKey(ctx, normalizedKey, mention.MentionType, entityRef.String())
		metrics.EntityResolutions.WithLabelValues("matched").Inc()

		logger.Debug("Mention resolved to existing entity",
			zap.String("mention_ref", mentionRef.String()),
			zap.String("entity_id", best.ID),
		)
		return entityRef, nil
	}

	if !createIfMissing {
		metrics.EntityResolutions.WithLabelValues("no_match").Inc()
		return refs.Ref{}, &errs.NoMatchError{MentionRef: mentionRef.String(), Key: normalizedKey}
	}

	entity := &neo4j.Entity{
		ID:            utils.NewID("ent"),
		CanonicalName: sf.Text,
		NormalizedKey: normalizedKey,
		Type:          mention.MentionType,
		Confidence:    mention.Confidence,
		QualityTier:   s.tiers.TierFor(mention.Confidence),
		MentionRefs:   []string{mentionRef.String()},
	}

	winnerID, err := s.graph.CreateEntity(ctx, entity)
	if err != nil {
		return refs.Ref{}, fmt.Errorf("failed to create entity: %w", err)
	}
	if winnerID != entity.ID {
		// Lost the minting race: the winner already exists, so the mention
		// attaches there instead.
		if err := s.graph.AttachMention(ctx, winnerID, mentionRef.String()); err != nil {
			return refs.Ref{}, fmt.Errorf("failed to attach mention to winning entity: %w", err)
		}
	}

	entityRef, _ := refs.New(refs.StoreGraph, refs.TypeEntity, winnerID)
	s.cacheKey(ctx, normalizedKey, mention.MentionType, entityRef.String())
	metrics.EntityResolutions.WithLabelValues("created").Inc()

	logger.Info("Entity created from mention",
		zap.String("entity_id", winnerID),
		zap.String("canonical_name", sf.Text),
		zap.String("type", mention.MentionType),
		zap.Float64("confidence", mention.Confidence),
	)
	return entityRef, nil
}

func (s *Service) gatherCandidates(ctx context.Context, normalizedKey, mentionType string, candidateRefs []refs.Ref) ([]neo4j.Entity, error) {
	if len(candidateRefs) > 0 {
		out := make([]neo4j.Entity, 0, len(candidateRefs))
		for _, cr := range candidateRefs {
			if cr.Type != refs.TypeEntity {
				return nil, errs.Validation("candidate_refs", fmt.Sprintf("candidate %s is not an entity reference", cr))
			}
			e, err := s.graph.GetEntity(ctx, cr.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to load candidate entity: %w", err)
			}
			if e == nil {
				return nil, errs.NotFound(cr.String())
			}
			out = append(out, *e)
		}
		return out, nil
	}

	if s.cache != nil {
		if cached, ok, err := s.cache.GetEntityRef(ctx, normalizedKey, mentionType); err == nil && ok {
			if cr, perr := refs.Parse(cached); perr == nil {
				e, gerr := s.graph.GetEntity(ctx, cr.ID)
				if gerr == nil && e != nil && e.MergedInto == "" {
					return []neo4j.Entity{*e}, nil
				}
			}
			// Stale cache entry; fall through to the index.
			s.cache.InvalidateEntityRef(ctx, normalizedKey, mentionType)
		}
	}

	return s.graph.FindByKey(ctx, normalizedKey, mentionType)
}

func (s *Service) cacheKey(ctx context.Context, normalizedKey, mentionType, entityRef string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetEntityRef(ctx, normalizedKey, mentionType, entityRef); err != nil {
		logger.Warn("Failed to cache entity key", zap.Error(err))
	}
}

// pickBest returns the highest-confidence candidate whose type matches
// exactly, ties broken by mention-reference count.
func pickBest(candidates []neo4j.Entity, mentionType string) *neo4j.Entity {
	var best *neo4j.Entity
	for i := range candidates {
		c := &candidates[i]
		if c.Type != mentionType || c.MergedInto != "" {
			continue
		}
		if best == nil ||
			c.Confidence > best.Confidence ||
			(c.Confidence == best.Confidence && len(c.MentionRefs) > len(best.MentionRefs)) {
			best = c
		}
	}
	return best
}

// MergeEntities folds fromRef into toRef. The merge is one-directional and
// terminal for the source entity, and is recorded as a merge_operation
// provenance record whose confidence is propagated from the two inputs.
func (s *Service) MergeEntities(ctx context.Context, fromRef, toRef refs.Ref) error {
	if fromRef.Type != refs.TypeEntity || toRef.Type != refs.TypeEntity {
		return errs.Validation("entity_refs", "merge requires two entity references")
	}
	if fromRef == toRef {
		return errs.Validation("entity_refs", "cannot merge an entity into itself")
	}

	from, err := s.graph.GetEntity(ctx, fromRef.ID)
	if err != nil {
		return fmt.Errorf("failed to load merge source: %w", err)
	}
	if from == nil {
		return errs.NotFound(fromRef.String())
	}
	if from.MergedInto != "" {
		return errs.InvalidState(fmt.Sprintf("entity %s", fromRef.ID), "active", "merged into "+from.MergedInto)
	}
	to, err := s.graph.GetEntity(ctx, toRef.ID)
	if err != nil {
		return fmt.Errorf("failed to load merge target: %w", err)
	}
	if to == nil {
		return errs.NotFound(toRef.String())
	}

	inputs := []refs.Ref{fromRef, toRef}
	opID, err := s.provenance.StartOperation(ctx, "merge_operation", mergeToolID, inputs, nil)
	if err != nil {
		return fmt.Errorf("failed to open merge operation: %w", err)
	}

	if err := s.graph.MergeInto(ctx, fromRef.ID, toRef.ID); err != nil {
		if compErr := s.provenance.CompleteOperation(ctx, opID, nil, models.OpStatusFailed, 0, err.Error()); compErr != nil {
			logger.Error("Failed to close merge operation after failure", zap.Error(compErr))
		}
		return fmt.Errorf("failed to merge entities: %w", err)
	}

	confidence, warnings, err := s.quality.Propagate(ctx, inputs, "merge_operation", nil)
	if err != nil {
		logger.Warn("Failed to propagate merge confidence, defaulting to target confidence", zap.Error(err))
		confidence = to.Confidence
	}
	for _, w := range warnings {
		logger.Warn("Merge quality warning", zap.String("warning", w))
	}

	if s.cache != nil {
		s.cache.InvalidateEntityRef(ctx, from.NormalizedKey, from.Type)
	}

	return s.provenance.CompleteOperation(ctx, opID, []refs.Ref{toRef}, models.OpStatusCompleted, confidence, "")
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
