package storage

import (
	"context"
	"fmt"

	"github.com/kgtrace/backend/internal/refs"
)

// GraphConfidence is the slice of the graph client the router needs.
type GraphConfidence interface {
	GetConfidence(ctx context.Context, id string) (float64, bool, error)
	SetConfidence(ctx context.Context, id string, confidence float64, tier string) error
}

// MentionConfidence is the slice of the relational client the router needs.
type MentionConfidence interface {
	GetMentionConfidence(ctx context.Context, id string) (float64, bool, error)
	SetMentionConfidence(ctx context.Context, id string, confidence float64) error
}

// ConfidenceRouter implements quality.ObjectStore across the three stores.
// Entities keep their confidence in the graph store, mentions in the
// relational store; the remaining object types carry no modeled confidence
// and report not-found, which quality treats as full confidence.
type ConfidenceRouter struct {
	graph GraphConfidence
	rel   MentionConfidence
}

func NewConfidenceRouter(graph GraphConfidence, rel MentionConfidence) *ConfidenceRouter {
	return &ConfidenceRouter{graph: graph, rel: rel}
}

func (r *ConfidenceRouter) GetConfidence(ctx context.Context, ref refs.Ref) (float64, bool, error) {
	switch ref.Type {
	case refs.TypeEntity:
		return r.graph.GetConfidence(ctx, ref.ID)
	case refs.TypeMention:
		return r.rel.GetMentionConfidence(ctx, ref.ID)
	default:
		return 0, false, nil
	}
}

func (r *ConfidenceRouter) SetConfidence(ctx context.Context, ref refs.Ref, confidence float64, tier string) error {
	switch ref.Type {
	case refs.TypeEntity:
		return r.graph.SetConfidence(ctx, ref.ID, confidence, tier)
	case refs.TypeMention:
		return r.rel.SetMentionConfidence(ctx, ref.ID, confidence)
	default:
		return fmt.Errorf("object type %q has no stored confidence", ref.Type)
	}
}
