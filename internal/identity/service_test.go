package identity

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgtrace/backend/internal/graph/neo4j"
	"github.com/kgtrace/backend/internal/refs"
	"github.com/kgtrace/backend/internal/storage/models"
	"github.com/kgtrace/backend/pkg/errs"
)

type fakeRelational struct {
	surfaceForms map[string]*models.SurfaceForm
	byHash       map[string]string
	mentions     map[string]*models.Mention
}

func newFakeRelational() *fakeRelational {
	return &fakeRelational{
		surfaceForms: map[string]*models.SurfaceForm{},
		byHash:       map[string]string{},
		mentions:     map[string]*models.Mention{},
	}
}

func (f *fakeRelational) InsertSurfaceForm(_ context.Context, sf *models.SurfaceForm) (string, error) {
	if winner, ok := f.byHash[sf.ContentHash]; ok {
		return winner, nil
	}
	cp := *sf
	f.surfaceForms[sf.ID] = &cp
	f.byHash[sf.ContentHash] = sf.ID
	return sf.ID, nil
}

func (f *fakeRelational) GetSurfaceForm(_ context.Context, id string) (*models.SurfaceForm, error) {
	sf, ok := f.surfaceForms[id]
	if !ok {
		return nil, nil
	}
	cp := *sf
	return &cp, nil
}

func (f *fakeRelational) InsertMention(_ context.Context, m *models.Mention) error {
	cp := *m
	f.mentions[m.ID] = &cp
	return nil
}

func (f *fakeRelational) GetMention(_ context.Context, id string) (*models.Mention, error) {
	m, ok := f.mentions[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

type fakeGraph struct {
	entities map[string]*neo4j.Entity
	byKey    map[string]string // normalizedKey|type -> winning id
	// forceWinner simulates losing the minting race: CreateEntity returns
	// this id instead of the caller's.
	forceWinner string
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{entities: map[string]*neo4j.Entity{}, byKey: map[string]string{}}
}

func keyOf(normalizedKey, entityType string) string {
	return normalizedKey + "|" + entityType
}

func (f *fakeGraph) CreateEntity(_ context.Context, entity *neo4j.Entity) (string, error) {
	if f.forceWinner != "" {
		return f.forceWinner, nil
	}
	k := keyOf(entity.NormalizedKey, entity.Type)
	if winner, ok := f.byKey[k]; ok {
		return winner, nil
	}
	cp := *entity
	f.entities[entity.ID] = &cp
	f.byKey[k] = entity.ID
	return entity.ID, nil
}

func (f *fakeGraph) GetEntity(_ context.Context, id string) (*neo4j.Entity, error) {
	e, ok := f.entities[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (f *fakeGraph) FindByKey(_ context.Context, normalizedKey, entityType string) ([]neo4j.Entity, error) {
	var out []neo4j.Entity
	for _, e := range f.entities {
		if e.NormalizedKey == normalizedKey && e.Type == entityType && e.MergedInto == "" {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeGraph) AttachMention(_ context.Context, entityID, mentionRef string) error {
	e, ok := f.entities[entityID]
	if !ok {
		return fmt.Errorf("no entity %s", entityID)
	}
	for _, r := range e.MentionRefs {
		if r == mentionRef {
			return nil
		}
	}
	e.MentionRefs = append(e.MentionRefs, mentionRef)
	return nil
}

func (f *fakeGraph) MergeInto(_ context.Context, fromID, toID string) error {
	from, ok := f.entities[fromID]
	if !ok {
		return fmt.Errorf("no entity %s", fromID)
	}
	to, ok := f.entities[toID]
	if !ok {
		return fmt.Errorf("no entity %s", toID)
	}
	to.MentionRefs = append(to.MentionRefs, from.MentionRefs...)
	from.MentionRefs = nil
	from.MergedInto = toID
	return nil
}

type fixedTierer struct{}

func (fixedTierer) TierFor(confidence float64) string {
	switch {
	case confidence >= 0.8:
		return models.TierHigh
	case confidence >= 0.5:
		return models.TierMedium
	default:
		return models.TierLow
	}
}

type fakeRecorder struct {
	started   []string
	completed []string
	statuses  []string
}

func (f *fakeRecorder) StartOperation(_ context.Context, operationType, _ string, _ []refs.Ref, _ map[string]interface{}) (string, error) {
	id := fmt.Sprintf("op_%d", len(f.started)+1)
	f.started = append(f.started, operationType)
	return id, nil
}

func (f *fakeRecorder) CompleteOperation(_ context.Context, operationID string, _ []refs.Ref, status string, _ float64, _ string) error {
	f.completed = append(f.completed, operationID)
	f.statuses = append(f.statuses, status)
	return nil
}

type fixedPropagator struct {
	confidence float64
	err        error
}

func (f fixedPropagator) Propagate(_ context.Context, _ []refs.Ref, _ string, _ map[string]interface{}) (float64, []string, error) {
	return f.confidence, nil, f.err
}

type harness struct {
	svc   *Service
	rel   *fakeRelational
	graph *fakeGraph
	prov  *fakeRecorder
}

func newHarness() *harness {
	rel := newFakeRelational()
	graph := newFakeGraph()
	prov := &fakeRecorder{}
	svc := NewService(rel, graph, nil, fixedTierer{}, prov, fixedPropagator{confidence: 0.81})
	return &harness{svc: svc, rel: rel, graph: graph, prov: prov}
}

func chunkRef() refs.Ref { return refs.MustParse("relstore://chunk/chunk_1") }

func (h *harness) mintMention(t *testing.T, text, mentionType string, confidence float64) refs.Ref {
	t.Helper()
	ctx := context.Background()
	sfRef, err := h.svc.CreateSurfaceForm(ctx, text, "ctx", chunkRef(), 0, len(text))
	require.NoError(t, err)
	menRef, err := h.svc.CreateMention(ctx, sfRef, mentionType, nil, confidence)
	require.NoError(t, err)
	return menRef
}

func TestCreateSurfaceFormValidates(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.svc.CreateSurfaceForm(ctx, "", "c", chunkRef(), 0, 4)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	_, err = h.svc.CreateSurfaceForm(ctx, "Apple", "c", chunkRef(), 10, 4)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	_, err = h.svc.CreateSurfaceForm(ctx, "Apple", "c", refs.MustParse("relstore://document/d1"), 0, 5)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestCreateSurfaceFormIsIdempotentByContent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	first, err := h.svc.CreateSurfaceForm(ctx, "Apple Inc.", "ctx", chunkRef(), 10, 20)
	require.NoError(t, err)
	second, err := h.svc.CreateSurfaceForm(ctx, "Apple Inc.", "ctx", chunkRef(), 10, 20)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Same text at different offsets is a distinct occurrence.
	third, err := h.svc.CreateSurfaceForm(ctx, "Apple Inc.", "ctx", chunkRef(), 30, 40)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestCreateMentionRequiresSurfaceForm(t *testing.T) {
	h := newHarness()
	_, err := h.svc.CreateMention(context.Background(), refs.MustParse("relstore://surface_form/sf_gone"), "ORGANIZATION", nil, 0.9)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestCreateMentionClampsConfidence(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	sfRef, err := h.svc.CreateSurfaceForm(ctx, "Apple Inc.", "ctx", chunkRef(), 0, 10)
	require.NoError(t, err)
	menRef, err := h.svc.CreateMention(ctx, sfRef, "ORGANIZATION", nil, 1.8)
	require.NoError(t, err)

	m, err := h.rel.GetMention(context.Background(), menRef.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, m.Confidence)
}

func TestResolveEntityMintsThenReuses(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	men1 := h.mintMention(t, "Apple Inc.", "ORGANIZATION", 0.9)
	ent1, err := h.svc.ResolveEntity(ctx, men1, nil, true)
	require.NoError(t, err)
	assert.Equal(t, refs.TypeEntity, ent1.Type)

	// A differently-cased occurrence normalizes onto the same entity.
	sfRef, err := h.svc.CreateSurfaceForm(ctx, "apple inc", "ctx", chunkRef(), 50, 59)
	require.NoError(t, err)
	men2, err := h.svc.CreateMention(ctx, sfRef, "ORGANIZATION", nil, 0.7)
	require.NoError(t, err)

	ent2, err := h.svc.ResolveEntity(ctx, men2, nil, true)
	require.NoError(t, err)
	assert.Equal(t, ent1, ent2)

	e, _ := h.graph.GetEntity(ctx, ent1.ID)
	assert.Len(t, e.MentionRefs, 2)
}

func TestResolveEntityNoMatchWithoutCreate(t *testing.T) {
	h := newHarness()
	men := h.mintMention(t, "Unseen Corp", "ORGANIZATION", 0.9)

	_, err := h.svc.ResolveEntity(context.Background(), men, nil, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNoMatch))

	var nme *errs.NoMatchError
	require.True(t, errors.As(err, &nme))
	assert.Equal(t, men.String(), nme.MentionRef)
	assert.Equal(t, "unseen corp", nme.Key)
}

func TestResolveEntityTypeMustMatchExactly(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	orgMention := h.mintMention(t, "Jordan", "ORGANIZATION", 0.9)
	orgEnt, err := h.svc.ResolveEntity(ctx, orgMention, nil, true)
	require.NoError(t, err)

	// Same surface text, different semantic type: never the same entity.
	sfRef, err := h.svc.CreateSurfaceForm(ctx, "Jordan", "ctx", chunkRef(), 100, 106)
	require.NoError(t, err)
	personMention, err := h.svc.CreateMention(ctx, sfRef, "PERSON", nil, 0.9)
	require.NoError(t, err)

	personEnt, err := h.svc.ResolveEntity(ctx, personMention, nil, true)
	require.NoError(t, err)
	assert.NotEqual(t, orgEnt, personEnt)
}

func TestResolveEntityPrefersHigherConfidenceCandidate(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	weak := &neo4j.Entity{ID: "ent_weak", CanonicalName: "Apple Inc.", NormalizedKey: "apple inc", Type: "ORGANIZATION", Confidence: 0.5}
	strong := &neo4j.Entity{ID: "ent_strong", CanonicalName: "Apple Inc.", NormalizedKey: "apple inc", Type: "ORGANIZATION", Confidence: 0.9}
	h.graph.entities[weak.ID] = weak
	h.graph.entities[strong.ID] = strong

	men := h.mintMention(t, "Apple Inc.", "ORGANIZATION", 0.8)
	ent, err := h.svc.ResolveEntity(ctx, men, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "ent_strong", ent.ID)
}

func TestResolveEntityTieBreaksOnEvidence(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	sparse := &neo4j.Entity{ID: "ent_sparse", NormalizedKey: "apple inc", Type: "ORGANIZATION", Confidence: 0.9, MentionRefs: []string{"relstore://mention/x"}}
	rich := &neo4j.Entity{ID: "ent_rich", NormalizedKey: "apple inc", Type: "ORGANIZATION", Confidence: 0.9, MentionRefs: []string{"relstore://mention/a", "relstore://mention/b"}}
	h.graph.entities[sparse.ID] = sparse
	h.graph.entities[rich.ID] = rich

	men := h.mintMention(t, "Apple Inc.", "ORGANIZATION", 0.8)
	ent, err := h.svc.ResolveEntity(ctx, men, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "ent_rich", ent.ID)
}

func TestResolveEntityExplicitCandidateMustExist(t *testing.T) {
	h := newHarness()
	men := h.mintMention(t, "Apple Inc.", "ORGANIZATION", 0.8)

	_, err := h.svc.ResolveEntity(context.Background(), men, []refs.Ref{refs.MustParse("graphstore://entity/ent_gone")}, true)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = h.svc.ResolveEntity(context.Background(), men, []refs.Ref{chunkRef()}, true)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestResolveEntityMintingRaceLoserAttachesToWinner(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	// The winner is invisible to the index lookup (its key was claimed in
	// the race window), but CreateEntity reports it as the surviving id.
	winner := &neo4j.Entity{ID: "ent_winner", NormalizedKey: "pending", Type: "ORGANIZATION", Confidence: 0.9}
	h.graph.entities[winner.ID] = winner
	h.graph.forceWinner = winner.ID

	men := h.mintMention(t, "Apple Inc.", "ORGANIZATION", 0.8)

	ent, err := h.svc.ResolveEntity(ctx, men, nil, true)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, ent.ID)

	e, _ := h.graph.GetEntity(ctx, winner.ID)
	assert.Contains(t, e.MentionRefs, men.String())
}

func TestMergeEntitiesMovesEvidenceAndRecordsProvenance(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	men1 := h.mintMention(t, "Apple Inc.", "ORGANIZATION", 0.9)
	from, err := h.svc.ResolveEntity(ctx, men1, nil, true)
	require.NoError(t, err)

	men2 := h.mintMention(t, "Apple Computer", "ORGANIZATION", 0.95)
	to, err := h.svc.ResolveEntity(ctx, men2, nil, true)
	require.NoError(t, err)
	require.NotEqual(t, from, to)

	require.NoError(t, h.svc.MergeEntities(ctx, from, to))

	fromEnt, _ := h.graph.GetEntity(ctx, from.ID)
	toEnt, _ := h.graph.GetEntity(ctx, to.ID)
	assert.Equal(t, to.ID, fromEnt.MergedInto)
	assert.Empty(t, fromEnt.MentionRefs)
	assert.Len(t, toEnt.MentionRefs, 2)

	require.NotEmpty(t, h.prov.started)
	assert.Equal(t, "merge_operation", h.prov.started[len(h.prov.started)-1])
	assert.Equal(t, models.OpStatusCompleted, h.prov.statuses[len(h.prov.statuses)-1])
}

func TestMergeEntitiesRejectsSelfAndRepeatedMerge(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	men1 := h.mintMention(t, "Apple Inc.", "ORGANIZATION", 0.9)
	from, _ := h.svc.ResolveEntity(ctx, men1, nil, true)
	men2 := h.mintMention(t, "Apple Computer", "ORGANIZATION", 0.95)
	to, _ := h.svc.ResolveEntity(ctx, men2, nil, true)

	err := h.svc.MergeEntities(ctx, from, from)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	require.NoError(t, h.svc.MergeEntities(ctx, from, to))
	err = h.svc.MergeEntities(ctx, from, to)
	assert.True(t, errors.Is(err, errs.ErrInvalidState))
}

func TestMergedEntityNeverMatchesNewMentions(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	men1 := h.mintMention(t, "Apple Inc.", "ORGANIZATION", 0.9)
	from, _ := h.svc.ResolveEntity(ctx, men1, nil, true)
	men2 := h.mintMention(t, "Apple Computer", "ORGANIZATION", 0.95)
	to, _ := h.svc.ResolveEntity(ctx, men2, nil, true)
	require.NoError(t, h.svc.MergeEntities(ctx, from, to))

	// A fresh mention of the source's surface text must not land on the
	// merged-away entity.
	sfRef, err := h.svc.CreateSurfaceForm(ctx, "Apple Inc.", "ctx", chunkRef(), 200, 210)
	require.NoError(t, err)
	men3, err := h.svc.CreateMention(ctx, sfRef, "ORGANIZATION", nil, 0.9)
	require.NoError(t, err)

	ent, err := h.svc.ResolveEntity(ctx, men3, nil, true)
	require.NoError(t, err)
	assert.NotEqual(t, from.ID, ent.ID)
}
