package refs

import (
	"context"
	"fmt"
	"strings"

	"github.com/kgtrace/backend/pkg/errs"
)

// Store names the physical store that owns an object. The set is closed:
// unknown stores are rejected at parse time, not at first use.
type Store string

const (
	StoreGraph      Store = "graphstore"
	StoreRelational Store = "relstore"
	StoreVector     Store = "vectorstore"
)

type ObjectType string

const (
	TypeEntity      ObjectType = "entity"
	TypeMention     ObjectType = "mention"
	TypeSurfaceForm ObjectType = "surface_form"
	TypeVector      ObjectType = "vector"
	TypeDocument    ObjectType = "document"
	TypeChunk       ObjectType = "chunk"
)

// validPairs is the closed enumeration of (store, object type) combinations.
// Each object type lives in exactly one store.
var validPairs = map[Store]map[ObjectType]bool{
	StoreGraph: {
		TypeEntity: true,
	},
	StoreRelational: {
		TypeMention:     true,
		TypeSurfaceForm: true,
		TypeDocument:    true,
		TypeChunk:       true,
	},
	StoreVector: {
		TypeVector: true,
	},
}

// Ref is an immutable typed pointer to an object in one of the three stores,
// serialized as "<store>://<object_type>/<id>".
type Ref struct {
	Store Store
	Type  ObjectType
	ID    string
}

func New(store Store, objectType ObjectType, id string) (Ref, error) {
	r := Ref{Store: store, Type: objectType, ID: id}
	if err := r.validate(); err != nil {
		return Ref{}, err
	}
	return r, nil
}

func (r Ref) validate() error {
	types, ok := validPairs[r.Store]
	if !ok {
		return errs.Validation("store", fmt.Sprintf("unknown store %q", r.Store))
	}
	if !types[r.Type] {
		return errs.Validation("object_type", fmt.Sprintf("type %q not owned by store %q", r.Type, r.Store))
	}
	if r.ID == "" {
		return errs.Validation("id", "empty id")
	}
	return nil
}

func (r Ref) String() string {
	return fmt.Sprintf("%s://%s/%s", r.Store, r.Type, r.ID)
}

func (r Ref) IsZero() bool {
	return r == Ref{}
}

func Parse(s string) (Ref, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return Ref{}, errs.Validation("reference", fmt.Sprintf("malformed reference %q: missing scheme separator", s))
	}
	objectType, id, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		return Ref{}, errs.Validation("reference", fmt.Sprintf("malformed reference %q: missing object id", s))
	}
	return New(Store(scheme), ObjectType(objectType), id)
}

// MustParse is for literals in tests and seed data.
func MustParse(s string) Ref {
	r, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return r
}

// ParseAll parses a slice of reference strings, failing on the first bad one.
func ParseAll(ss []string) ([]Ref, error) {
	out := make([]Ref, 0, len(ss))
	for _, s := range ss {
		r, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func Strings(rs []Ref) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.String()
	}
	return out
}

// Prober answers existence checks for one store without loading payloads.
type Prober interface {
	Has(ctx context.Context, objectType ObjectType, id string) (bool, error)
}

// Resolver dispatches existence checks to the store that owns the reference.
type Resolver struct {
	graph      Prober
	relational Prober
	vector     Prober
}

func NewResolver(graph, relational, vector Prober) *Resolver {
	return &Resolver{graph: graph, relational: relational, vector: vector}
}

func (rs *Resolver) Exists(ctx context.Context, r Ref) (bool, error) {
	if err := r.validate(); err != nil {
		return false, err
	}
	switch r.Store {
	case StoreGraph:
		return rs.graph.Has(ctx, r.Type, r.ID)
	case StoreRelational:
		return rs.relational.Has(ctx, r.Type, r.ID)
	case StoreVector:
		return rs.vector.Has(ctx, r.Type, r.ID)
	default:
		return false, errs.Validation("store", fmt.Sprintf("unknown store %q", r.Store))
	}
}

// Require resolves each reference and returns a typed error naming the first
// one that does not exist.
func (rs *Resolver) Require(ctx context.Context, refs ...Ref) error {
	for _, r := range refs {
		ok, err := rs.Exists(ctx, r)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", r, err)
		}
		if !ok {
			return errs.NotFound(r.String())
		}
	}
	return nil
}
