package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/kgtrace/backend/internal/extraction"
	"github.com/kgtrace/backend/internal/metrics"
	"github.com/kgtrace/backend/internal/refs"
	"github.com/kgtrace/backend/internal/storage/models"
	"github.com/kgtrace/backend/internal/vector/milvus"
	"github.com/kgtrace/backend/pkg/errs"
	"github.com/kgtrace/backend/pkg/logger"
	"github.com/kgtrace/backend/pkg/utils"
)

// Pipeline step numbers. TotalSteps on the workflow is the count of these.
const (
	stepChunk   = 1
	stepEmbed   = 2
	stepExtract = 3
	stepResolve = 4
	totalSteps  = 4
)

const (
	chunkerToolID  = "text-chunker"
	embedderToolID = "embedding-model"
)

type RelationalStore interface {
	InsertDocument(ctx context.Context, doc *models.Document) error
	InsertChunk(ctx context.Context, chunk *models.Chunk) error
}

type VectorStore interface {
	AddVectors(ctx context.Context, vectors []milvus.Vector) error
}

type Identity interface {
	CreateSurfaceForm(ctx context.Context, text, context_ string, chunkRef refs.Ref, startOffset, endOffset int) (refs.Ref, error)
	CreateMention(ctx context.Context, surfaceFormRef refs.Ref, mentionType string, attributes map[string]interface{}, confidence float64) (refs.Ref, error)
	ResolveEntity(ctx context.Context, mentionRef refs.Ref, candidateRefs []refs.Ref, createIfMissing bool) (refs.Ref, error)
}

type Provenance interface {
	StartOperation(ctx context.Context, operationType, toolID string, inputRefs []refs.Ref, parameters map[string]interface{}) (string, error)
	CompleteOperation(ctx context.Context, operationID string, outputRefs []refs.Ref, status string, confidence float64, errorMessage string) error
}

type Workflow interface {
	StartWorkflow(ctx context.Context, workflowType string, totalSteps int, metadata map[string]interface{}) (string, error)
	UpdateProgress(ctx context.Context, workflowID string, stepNumber int, operationID string, stateUpdates map[string]interface{}) error
	CompleteWorkflow(ctx context.Context, workflowID string, finalState map[string]interface{}) (models.Checkpoint, error)
	MarkFailed(ctx context.Context, workflowID, operationID, reason string) error
}

type Embedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// Processor runs the document ingestion pipeline: chunk, embed, extract,
// resolve. Every step is a provenance operation and every step boundary is a
// workflow checkpoint, so a crashed ingestion is diagnosable from its
// operation records and resumable from its checkpoint.
type Processor struct {
	rel          RelationalStore
	vectors      VectorStore
	identity     Identity
	provenance   Provenance
	workflow     Workflow
	extractor    extraction.Extractor
	embedder     Embedder
	extractorID  string
	maxChunkSize int
}

type Result struct {
	WorkflowID  string `json:"workflow_id"`
	DocumentRef string `json:"document_ref"`
	Chunks      int    `json:"chunks"`
	Mentions    int    `json:"mentions"`
	Entities    int    `json:"entities"`
}

func NewProcessor(rel RelationalStore, vectors VectorStore, identity Identity, prov Provenance, wf Workflow, extractor extraction.Extractor, extractorID string, embedder Embedder, maxChunkSize int) *Processor {
	if maxChunkSize <= 0 {
		maxChunkSize = 1200
	}
	return &Processor{
		rel:          rel,
		vectors:      vectors,
		identity:     identity,
		provenance:   prov,
		workflow:     wf,
		extractor:    extractor,
		embedder:     embedder,
		extractorID:  extractorID,
		maxChunkSize: maxChunkSize,
	}
}

// IngestDocument runs the full pipeline for one document. On a step failure
// the operation is closed as failed, the workflow is marked FAILED with the
// failing operation id, and the error is returned.
func (p *Processor) IngestDocument(ctx context.Context, sourceURL, title, rawContent string) (Result, error) {
	if strings.TrimSpace(rawContent) == "" {
		return Result{}, errs.Validation("content", "empty document content")
	}

	workflowID, err := p.workflow.StartWorkflow(ctx, "document_ingestion", totalSteps, map[string]interface{}{
		"source_url": sourceURL,
		"title":      title,
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{WorkflowID: workflowID}

	doc := &models.Document{
		ID:         utils.NewID("doc"),
		SourceURL:  sourceURL,
		Title:      title,
		RawContent: rawContent,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := p.rel.InsertDocument(ctx, doc); err != nil {
		p.fail(ctx, workflowID, "", err)
		return res, fmt.Errorf("failed to store document: %w", err)
	}
	docRef, _ := refs.New(refs.StoreRelational, refs.TypeDocument, doc.ID)
	res.DocumentRef = docRef.String()

	chunkRefs, chunks, err := p.chunkStep(ctx, workflowID, docRef, rawContent)
	if err != nil {
		return res, err
	}
	res.Chunks = len(chunks)

	if err := p.embedStep(ctx, workflowID, chunkRefs, chunks); err != nil {
		return res, err
	}

	mentionRefs, err := p.extractStep(ctx, workflowID, chunkRefs, chunks)
	if err != nil {
		return res, err
	}
	res.Mentions = len(mentionRefs)

	entityRefs, err := p.resolveStep(ctx, workflowID, mentionRefs)
	if err != nil {
		return res, err
	}
	res.Entities = len(entityRefs)

	if _, err := p.workflow.CompleteWorkflow(ctx, workflowID, map[string]interface{}{
		"document_ref": docRef.String(),
		"chunk_count":  len(chunks),
		"entity_count": len(entityRefs),
	}); err != nil {
		return res, fmt.Errorf("failed to complete workflow: %w", err)
	}

	metrics.DocumentsProcessed.Inc()
	logger.Info("Document ingested",
		zap.String("workflow_id", workflowID),
		zap.String("document_ref", docRef.String()),
		zap.Int("chunks", len(chunks)),
		zap.Int("mentions", len(mentionRefs)),
		zap.Int("entities", len(entityRefs)),
	)
	return res, nil
}

func (p *Processor) chunkStep(ctx context.Context, workflowID string, docRef refs.Ref, rawContent string) ([]refs.Ref, []*models.Chunk, error) {
	opID, err := p.provenance.StartOperation(ctx, "document_chunking", chunkerToolID, []refs.Ref{docRef}, map[string]interface{}{
		"max_chunk_size": p.maxChunkSize,
	})
	if err != nil {
		p.fail(ctx, workflowID, "", err)
		return nil, nil, err
	}

	text := cleanContent(rawContent)
	pieces := splitChunks(text, p.maxChunkSize)
	if len(pieces) == 0 {
		err := errs.Validation("content", "document reduced to empty text")
		p.closeFailed(ctx, opID, err)
		p.fail(ctx, workflowID, opID, err)
		return nil, nil, err
	}

	chunkRefs := make([]refs.Ref, 0, len(pieces))
	chunks := make([]*models.Chunk, 0, len(pieces))
	for i, piece := range pieces {
		chunk := &models.Chunk{
			ID:         utils.NewID("chunk"),
			DocID:      docRef.ID,
			ChunkIndex: i,
			Text:       piece,
			CreatedAt:  time.Now(),
		}
		if err := p.rel.InsertChunk(ctx, chunk); err != nil {
			p.closeFailed(ctx, opID, err)
			p.fail(ctx, workflowID, opID, err)
			return nil, nil, fmt.Errorf("failed to store chunk: %w", err)
		}
		ref, _ := refs.New(refs.StoreRelational, refs.TypeChunk, chunk.ID)
		chunkRefs = append(chunkRefs, ref)
		chunks = append(chunks, chunk)
	}

	if err := p.provenance.CompleteOperation(ctx, opID, chunkRefs, models.OpStatusCompleted, 1.0, ""); err != nil {
		p.fail(ctx, workflowID, opID, err)
		return nil, nil, err
	}
	if err := p.workflow.UpdateProgress(ctx, workflowID, stepChunk, opID, map[string]interface{}{"chunk_count": len(chunks)}); err != nil {
		return nil, nil, err
	}
	return chunkRefs, chunks, nil
}

func (p *Processor) embedStep(ctx context.Context, workflowID string, chunkRefs []refs.Ref, chunks []*models.Chunk) error {
	opID, err := p.provenance.StartOperation(ctx, "embedding_generation", embedderToolID, chunkRefs, nil)
	if err != nil {
		p.fail(ctx, workflowID, "", err)
		return err
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	embeddings, err := p.embedder.GenerateBatchEmbeddings(ctx, texts)
	if err != nil {
		p.closeFailed(ctx, opID, err)
		p.fail(ctx, workflowID, opID, err)
		return err
	}

	vectors := make([]milvus.Vector, len(embeddings))
	vectorRefs := make([]refs.Ref, len(embeddings))
	for i, emb := range embeddings {
		vectors[i] = milvus.Vector{
			ID:        utils.NewID("vec"),
			Embedding: emb,
			SourceRef: chunkRefs[i].String(),
			CreatedAt: time.Now(),
		}
		vectorRefs[i], _ = refs.New(refs.StoreVector, refs.TypeVector, vectors[i].ID)
	}
	if err := p.vectors.AddVectors(ctx, vectors); err != nil {
		p.closeFailed(ctx, opID, err)
		p.fail(ctx, workflowID, opID, err)
		return fmt.Errorf("failed to store embeddings: %w", err)
	}

	if err := p.provenance.CompleteOperation(ctx, opID, vectorRefs, models.OpStatusCompleted, 1.0, ""); err != nil {
		p.fail(ctx, workflowID, opID, err)
		return err
	}
	return p.workflow.UpdateProgress(ctx, workflowID, stepEmbed, opID, map[string]interface{}{"vector_count": len(vectors)})
}

func (p *Processor) extractStep(ctx context.Context, workflowID string, chunkRefs []refs.Ref, chunks []*models.Chunk) ([]refs.Ref, error) {
	opID, err := p.provenance.StartOperation(ctx, "entity_extraction", p.extractorID, chunkRefs, nil)
	if err != nil {
		p.fail(ctx, workflowID, "", err)
		return nil, err
	}

	var mentionRefs []refs.Ref
	var confSum float64
	for i, chunk := range chunks {
		extractions, err := p.extractor.Extract(ctx, chunk.Text)
		if err != nil {
			p.closeFailed(ctx, opID, err)
			p.fail(ctx, workflowID, opID, err)
			return nil, fmt.Errorf("failed to extract from chunk %d: %w", chunk.ChunkIndex, err)
		}
		for _, ext := range extractions {
			sfRef, err := p.identity.CreateSurfaceForm(ctx, ext.Text, surrounding(chunk.Text, ext.Start, ext.End), chunkRefs[i], ext.Start, ext.End)
			if err != nil {
				p.closeFailed(ctx, opID, err)
				p.fail(ctx, workflowID, opID, err)
				return nil, err
			}
			menRef, err := p.identity.CreateMention(ctx, sfRef, ext.Label, map[string]interface{}{"extractor": p.extractorID}, ext.Confidence)
			if err != nil {
				p.closeFailed(ctx, opID, err)
				p.fail(ctx, workflowID, opID, err)
				return nil, err
			}
			mentionRefs = append(mentionRefs, menRef)
			confSum += ext.Confidence
		}
	}

	opConfidence := 1.0
	if len(mentionRefs) > 0 {
		opConfidence = confSum / float64(len(mentionRefs))
	}
	if err := p.provenance.CompleteOperation(ctx, opID, mentionRefs, models.OpStatusCompleted, opConfidence, ""); err != nil {
		p.fail(ctx, workflowID, opID, err)
		return nil, err
	}
	if err := p.workflow.UpdateProgress(ctx, workflowID, stepExtract, opID, map[string]interface{}{"mention_count": len(mentionRefs)}); err != nil {
		return nil, err
	}
	return mentionRefs, nil
}

func (p *Processor) resolveStep(ctx context.Context, workflowID string, mentionRefs []refs.Ref) ([]refs.Ref, error) {
	opID, err := p.provenance.StartOperation(ctx, "entity_resolution", "identity-service", mentionRefs, nil)
	if err != nil {
		p.fail(ctx, workflowID, "", err)
		return nil, err
	}

	seen := map[string]bool{}
	var entityRefs []refs.Ref
	for _, mr := range mentionRefs {
		entityRef, err := p.identity.ResolveEntity(ctx, mr, nil, true)
		if err != nil {
			p.closeFailed(ctx, opID, err)
			p.fail(ctx, workflowID, opID, err)
			return nil, fmt.Errorf("failed to resolve %s: %w", mr, err)
		}
		if !seen[entityRef.String()] {
			seen[entityRef.String()] = true
			entityRefs = append(entityRefs, entityRef)
		}
	}

	if err := p.provenance.CompleteOperation(ctx, opID, entityRefs, models.OpStatusCompleted, 1.0, ""); err != nil {
		p.fail(ctx, workflowID, opID, err)
		return nil, err
	}
	if err := p.workflow.UpdateProgress(ctx, workflowID, stepResolve, opID, map[string]interface{}{"entity_count": len(entityRefs)}); err != nil {
		return nil, err
	}
	return entityRefs, nil
}

func (p *Processor) closeFailed(ctx context.Context, opID string, cause error) {
	if err := p.provenance.CompleteOperation(ctx, opID, nil, models.OpStatusFailed, 0, cause.Error()); err != nil {
		logger.Error("Failed to close operation after step failure",
			zap.String("operation_id", opID), zap.Error(err))
	}
}

func (p *Processor) fail(ctx context.Context, workflowID, opID string, cause error) {
	if err := p.workflow.MarkFailed(ctx, workflowID, opID, cause.Error()); err != nil {
		logger.Error("Failed to mark workflow failed",
			zap.String("workflow_id", workflowID), zap.Error(err))
	}
}

// cleanContent strips markup when the payload looks like HTML, otherwise
// returns the text as-is.
func cleanContent(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "<") {
		return trimmed
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return trimmed
	}
	doc.Find("script, style, nav, footer, header").Remove()
	text := doc.Find("body").Text()
	if strings.TrimSpace(text) == "" {
		text = doc.Text()
	}
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(line)
		}
	}
	return b.String()
}

// splitChunks breaks text on paragraph boundaries, packing paragraphs into
// chunks up to maxSize runes. A single oversized paragraph is split hard.
func splitChunks(text string, maxSize int) []string {
	paragraphs := strings.Split(text, "\n\n")
	var chunks []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) > maxSize {
			flush()
			runes := []rune(para)
			for start := 0; start < len(runes); start += maxSize {
				end := start + maxSize
				if end > len(runes) {
					end = len(runes)
				}
				chunks = append(chunks, string(runes[start:end]))
			}
			continue
		}
		if current.Len() > 0 && current.Len()+len(para)+2 > maxSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return chunks
}

// surrounding returns a context window around a span for the surface form
// record.
func surrounding(text string, start, end int) string {
	const window = 80
	lo := start - window
	if lo < 0 {
		lo = 0
	}
	hi := end + window
	if hi > len(text) {
		hi = len(text)
	}
	// The window edges are byte offsets and can land mid-rune.
	for lo > 0 && !utf8.RuneStart(text[lo]) {
		lo--
	}
	for hi < len(text) && !utf8.RuneStart(text[hi]) {
		hi++
	}
	return text[lo:hi]
}
