package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kgtrace/backend/internal/refs"
	"github.com/kgtrace/backend/internal/storage/models"
	"github.com/kgtrace/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err = db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err = db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		source_url TEXT,
		title TEXT NOT NULL,
		raw_content TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		vector_ref TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (doc_id) REFERENCES documents(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id);

	CREATE TABLE IF NOT EXISTS surface_forms (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		context TEXT,
		chunk_ref TEXT NOT NULL,
		start_offset INTEGER NOT NULL,
		end_offset INTEGER NOT NULL,
		content_hash TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_surface_forms_chunk ON surface_forms(chunk_ref);

	CREATE TABLE IF NOT EXISTS mentions (
		id TEXT PRIMARY KEY,
		surface_form_ref TEXT NOT NULL,
		mention_type TEXT NOT NULL,
		attributes TEXT,
		confidence REAL NOT NULL DEFAULT 1.0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_mentions_surface_form ON mentions(surface_form_ref);
	CREATE INDEX IF NOT EXISTS idx_mentions_type ON mentions(mention_type);

	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		operation_type TEXT NOT NULL,
		tool_id TEXT NOT NULL,
		status TEXT NOT NULL,
		confidence REAL,
		parameters TEXT,
		error_message TEXT,
		duration_ms INTEGER,
		started_at INTEGER NOT NULL,  -- ms epoch, duration_ms needs the resolution
		completed_at INTEGER          -- ms epoch
	);
	CREATE INDEX IF NOT EXISTS idx_operations_tool ON operations(tool_id);
	CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);

	CREATE TABLE IF NOT EXISTS operation_inputs (
		operation_id TEXT NOT NULL,
		ref TEXT NOT NULL,
		ref_type TEXT NOT NULL,
		FOREIGN KEY (operation_id) REFERENCES operations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_operation_inputs_op ON operation_inputs(operation_id);
	CREATE INDEX IF NOT EXISTS idx_operation_inputs_ref ON operation_inputs(ref);

	CREATE TABLE IF NOT EXISTS operation_outputs (
		operation_id TEXT NOT NULL,
		ref TEXT NOT NULL,
		ref_type TEXT NOT NULL,
		FOREIGN KEY (operation_id) REFERENCES operations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_operation_outputs_op ON operation_outputs(operation_id);
	CREATE INDEX IF NOT EXISTS idx_operation_outputs_ref ON operation_outputs(ref);

	CREATE TABLE IF NOT EXISTS tool_stats (
		tool_id TEXT PRIMARY KEY,
		total_calls INTEGER NOT NULL DEFAULT 0,
		successful_calls INTEGER NOT NULL DEFAULT 0,
		failed_calls INTEGER NOT NULL DEFAULT 0,
		total_duration_ms INTEGER NOT NULL DEFAULT 0,
		last_used INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL UNIQUE,
		workflow_type TEXT NOT NULL,
		status TEXT NOT NULL,
		step_number INTEGER NOT NULL,
		total_steps INTEGER NOT NULL,
		state_data TEXT,
		completed_ops TEXT,
		failed_ops TEXT,
		metadata TEXT,
		failure_op_id TEXT,
		failure_reason TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status);

	CREATE TABLE IF NOT EXISTS orphaned_refs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ref TEXT NOT NULL,
		operation_id TEXT,
		detected_at INTEGER NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_orphaned_refs_resolved ON orphaned_refs(resolved);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// Has implements refs.Prober for the relational store. It checks row
// existence only, never loading the payload.
func (c *Client) Has(ctx context.Context, objectType refs.ObjectType, id string) (bool, error) {
	var table string
	switch objectType {
	case refs.TypeDocument:
		table = "documents"
	case refs.TypeChunk:
		table = "chunks"
	case refs.TypeSurfaceForm:
		table = "surface_forms"
	case refs.TypeMention:
		table = "mentions"
	default:
		return false, fmt.Errorf("relational store does not own object type %q", objectType)
	}

	var one int
	err := c.db.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", table), id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check %s existence: %w", table, err)
	}
	return true, nil
}

func (c *Client) InsertDocument(ctx context.Context, doc *models.Document) error {
	query := `
		INSERT INTO documents (id, source_url, title, raw_content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			raw_content = excluded.raw_content,
			updated_at = excluded.updated_at
	`

	_, err := c.db.ExecContext(ctx, query,
		doc.ID, doc.SourceURL, doc.Title, doc.RawContent,
		doc.CreatedAt.Unix(), doc.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	logger.Debug("Document inserted", zap.String("doc_id", doc.ID))
	return nil
}

func (c *Client) InsertChunk(ctx context.Context, chunk *models.Chunk) error {
	query := `INSERT INTO chunks (id, doc_id, chunk_index, text, vector_ref, created_at) VALUES (?, ?, ?, ?, ?, ?)`

	_, err := c.db.ExecContext(ctx, query,
		chunk.ID, chunk.DocID, chunk.ChunkIndex, chunk.Text, chunk.VectorRef, chunk.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}
	return nil
}

// InsertSurfaceForm mints a surface form idempotently. Two concurrent calls
// with the same content hash race on the unique constraint; the loser reads
// back the winner's row, so exactly one reference exists per key.
func (c *Client) InsertSurfaceForm(ctx context.Context, sf *models.SurfaceForm) (string, error) {
	insert := `
		INSERT INTO surface_forms (id, text, context, chunk_ref, start_offset, end_offset, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING
	`

	_, err := c.db.ExecContext(ctx, insert,
		sf.ID, sf.Text, sf.Context, sf.ChunkRef, sf.StartOffset, sf.EndOffset, sf.ContentHash, sf.CreatedAt.Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert surface form: %w", err)
	}

	var winnerID string
	err = c.db.QueryRowContext(ctx, `SELECT id FROM surface_forms WHERE content_hash = ?`, sf.ContentHash).Scan(&winnerID)
	if err != nil {
		return "", fmt.Errorf("failed to read back surface form: %w", err)
	}

	if winnerID != sf.ID {
		logger.Debug("Surface form dedup hit",
			zap.String("existing_id", winnerID),
			zap.String("content_hash", sf.ContentHash),
		)
	}
	return winnerID, nil
}

func (c *Client) GetSurfaceForm(ctx context.Context, id string) (*models.SurfaceForm, error) {
	query := `SELECT id, text, context, chunk_ref, start_offset, end_offset, content_hash, created_at FROM surface_forms WHERE id = ?`

	var sf models.SurfaceForm
	var createdAt int64
	err := c.db.QueryRowContext(ctx, query, id).Scan(
		&sf.ID, &sf.Text, &sf.Context, &sf.ChunkRef, &sf.StartOffset, &sf.EndOffset, &sf.ContentHash, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get surface form: %w", err)
	}
	sf.CreatedAt = time.Unix(createdAt, 0)
	return &sf, nil
}

func (c *Client) InsertMention(ctx context.Context, m *models.Mention) error {
	attrsJSON, _ := json.Marshal(m.Attributes)

	query := `INSERT INTO mentions (id, surface_form_ref, mention_type, attributes, confidence, created_at) VALUES (?, ?, ?, ?, ?, ?)`

	_, err := c.db.ExecContext(ctx, query,
		m.ID, m.SurfaceFormRef, m.MentionType, string(attrsJSON), m.Confidence, m.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert mention: %w", err)
	}
	return nil
}

func (c *Client) GetMention(ctx context.Context, id string) (*models.Mention, error) {
	query := `SELECT id, surface_form_ref, mention_type, attributes, confidence, created_at FROM mentions WHERE id = ?`

	var m models.Mention
	var attrsJSON string
	var createdAt int64
	err := c.db.QueryRowContext(ctx, query, id).Scan(
		&m.ID, &m.SurfaceFormRef, &m.MentionType, &attrsJSON, &m.Confidence, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mention: %w", err)
	}
	json.Unmarshal([]byte(attrsJSON), &m.Attributes)
	m.CreatedAt = time.Unix(createdAt, 0)
	return &m, nil
}

func (c *Client) GetMentionConfidence(ctx context.Context, id string) (float64, bool, error) {
	var conf float64
	err := c.db.QueryRowContext(ctx, `SELECT confidence FROM mentions WHERE id = ?`, id).Scan(&conf)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get mention confidence: %w", err)
	}
	return conf, true, nil
}

func (c *Client) SetMentionConfidence(ctx context.Context, id string, confidence float64) error {
	_, err := c.db.ExecContext(ctx, `UPDATE mentions SET confidence = ? WHERE id = ?`, confidence, id)
	if err != nil {
		return fmt.Errorf("failed to update mention confidence: %w", err)
	}
	return nil
}

func (c *Client) InsertOperation(ctx context.Context, op *models.Operation) error {
	paramsJSON, _ := json.Marshal(op.Parameters)

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO operations (id, operation_type, tool_id, status, confidence, parameters, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.OperationType, op.ToolID, op.Status, op.Confidence, string(paramsJSON), op.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}

	for _, ref := range op.InputRefs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO operation_inputs (operation_id, ref, ref_type) VALUES (?, ?, ?)`,
			op.ID, ref, refTypeOf(ref),
		); err != nil {
			return fmt.Errorf("failed to insert operation input: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit operation: %w", err)
	}

	logger.Debug("Operation started",
		zap.String("operation_id", op.ID),
		zap.String("type", op.OperationType),
		zap.String("tool_id", op.ToolID),
	)
	return nil
}

// CompleteOperation performs the atomic running -> completed|failed
// transition. The UPDATE is guarded on status='running'; zero rows affected
// means another caller got there first and swapped reports false. Output
// refs, duration, and the tool_stats roll-up commit in the same transaction
// so readers never see a partially written completion.
func (c *Client) CompleteOperation(ctx context.Context, opID, status string, confidence float64, errorMessage string, outputRefs []string, completedAt time.Time) (bool, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var toolID string
	var startedAt int64
	err = tx.QueryRowContext(ctx, `SELECT tool_id, started_at FROM operations WHERE id = ?`, opID).Scan(&toolID, &startedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load operation: %w", err)
	}

	durationMS := completedAt.UnixMilli() - startedAt
	if durationMS < 0 {
		durationMS = 0
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE operations
		SET status = ?, confidence = ?, error_message = ?, duration_ms = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		status, confidence, errorMessage, durationMS, completedAt.UnixMilli(), opID, models.OpStatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("failed to complete operation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	for _, ref := range outputRefs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO operation_outputs (operation_id, ref, ref_type) VALUES (?, ?, ?)`,
			opID, ref, refTypeOf(ref),
		); err != nil {
			return false, fmt.Errorf("failed to insert operation output: %w", err)
		}
	}

	successful, failed := 0, 0
	if status == models.OpStatusCompleted {
		successful = 1
	} else {
		failed = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tool_stats (tool_id, total_calls, successful_calls, failed_calls, total_duration_ms, last_used)
		VALUES (?, 1, ?, ?, ?, ?)
		ON CONFLICT(tool_id) DO UPDATE SET
			total_calls = total_calls + 1,
			successful_calls = successful_calls + excluded.successful_calls,
			failed_calls = failed_calls + excluded.failed_calls,
			total_duration_ms = total_duration_ms + excluded.total_duration_ms,
			last_used = excluded.last_used`,
		toolID, successful, failed, durationMS, completedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update tool stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit completion: %w", err)
	}
	return true, nil
}

func (c *Client) GetOperation(ctx context.Context, id string) (*models.Operation, error) {
	query := `
		SELECT id, operation_type, tool_id, status, confidence, parameters,
		       error_message, duration_ms, started_at, completed_at
		FROM operations WHERE id = ?`

	var op models.Operation
	var paramsJSON, errorMessage sql.NullString
	var confidence sql.NullFloat64
	var durationMS, completedAt sql.NullInt64
	var startedAt int64

	err := c.db.QueryRowContext(ctx, query, id).Scan(
		&op.ID, &op.OperationType, &op.ToolID, &op.Status, &confidence, &paramsJSON,
		&errorMessage, &durationMS, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}

	op.Confidence = confidence.Float64
	op.ErrorMessage = errorMessage.String
	op.DurationMS = durationMS.Int64
	op.StartedAt = time.UnixMilli(startedAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		op.CompletedAt = &t
	}
	if paramsJSON.Valid && paramsJSON.String != "" {
		json.Unmarshal([]byte(paramsJSON.String), &op.Parameters)
	}

	op.InputRefs, err = c.operationRefs(ctx, "operation_inputs", id)
	if err != nil {
		return nil, err
	}
	op.OutputRefs, err = c.operationRefs(ctx, "operation_outputs", id)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (c *Client) operationRefs(ctx context.Context, table, opID string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`SELECT ref FROM %s WHERE operation_id = ?`, table), opID)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// OperationsProducing returns ids of completed or failed operations that list
// ref among their outputs (backward lineage edge).
func (c *Client) OperationsProducing(ctx context.Context, ref string) ([]string, error) {
	return c.operationIDsByRef(ctx, "operation_outputs", ref)
}

// OperationsConsuming returns ids of operations that list ref among their
// inputs (forward lineage edge).
func (c *Client) OperationsConsuming(ctx context.Context, ref string) ([]string, error) {
	return c.operationIDsByRef(ctx, "operation_inputs", ref)
}

func (c *Client) operationIDsByRef(ctx context.Context, table, ref string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT DISTINCT operation_id FROM %s WHERE ref = ?`, table), ref)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (c *Client) GetToolStats(ctx context.Context, toolID string) (*models.ToolStats, error) {
	query := `SELECT tool_id, total_calls, successful_calls, failed_calls, total_duration_ms, last_used FROM tool_stats WHERE tool_id = ?`

	var s models.ToolStats
	var lastUsed int64
	err := c.db.QueryRowContext(ctx, query, toolID).Scan(
		&s.ToolID, &s.TotalCalls, &s.SuccessfulCalls, &s.FailedCalls, &s.TotalDurationMS, &lastUsed,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tool stats: %w", err)
	}
	s.LastUsed = time.Unix(lastUsed, 0)
	return &s, nil
}

func (c *Client) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	stateJSON, _ := json.Marshal(cp.StateData)
	completedJSON, _ := json.Marshal(cp.CompletedOps)
	failedJSON, _ := json.Marshal(cp.FailedOps)
	metaJSON, _ := json.Marshal(cp.Metadata)

	query := `
		INSERT INTO checkpoints (id, workflow_id, workflow_type, status, step_number, total_steps,
			state_data, completed_ops, failed_ops, metadata, failure_op_id, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET
			status = excluded.status,
			step_number = excluded.step_number,
			state_data = excluded.state_data,
			completed_ops = excluded.completed_ops,
			failed_ops = excluded.failed_ops,
			metadata = excluded.metadata,
			failure_op_id = excluded.failure_op_id,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at
	`

	_, err := c.db.ExecContext(ctx, query,
		cp.ID, cp.WorkflowID, cp.WorkflowType, cp.Status, cp.StepNumber, cp.TotalSteps,
		string(stateJSON), string(completedJSON), string(failedJSON), string(metaJSON),
		cp.FailureOpID, cp.FailureReason, cp.CreatedAt.Unix(), cp.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	logger.Debug("Checkpoint saved",
		zap.String("workflow_id", cp.WorkflowID),
		zap.Int("step", cp.StepNumber),
		zap.String("status", cp.Status),
	)
	return nil
}

func (c *Client) GetCheckpoint(ctx context.Context, workflowID string) (*models.Checkpoint, error) {
	query := `
		SELECT id, workflow_id, workflow_type, status, step_number, total_steps,
		       state_data, completed_ops, failed_ops, metadata, failure_op_id, failure_reason,
		       created_at, updated_at
		FROM checkpoints WHERE workflow_id = ?`

	var cp models.Checkpoint
	var stateJSON, completedJSON, failedJSON, metaJSON sql.NullString
	var failureOpID, failureReason sql.NullString
	var createdAt, updatedAt int64

	err := c.db.QueryRowContext(ctx, query, workflowID).Scan(
		&cp.ID, &cp.WorkflowID, &cp.WorkflowType, &cp.Status, &cp.StepNumber, &cp.TotalSteps,
		&stateJSON, &completedJSON, &failedJSON, &metaJSON, &failureOpID, &failureReason,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	if stateJSON.Valid {
		json.Unmarshal([]byte(stateJSON.String), &cp.StateData)
	}
	if completedJSON.Valid {
		json.Unmarshal([]byte(completedJSON.String), &cp.CompletedOps)
	}
	if failedJSON.Valid {
		json.Unmarshal([]byte(failedJSON.String), &cp.FailedOps)
	}
	if metaJSON.Valid {
		json.Unmarshal([]byte(metaJSON.String), &cp.Metadata)
	}
	cp.FailureOpID = failureOpID.String
	cp.FailureReason = failureReason.String
	cp.CreatedAt = time.Unix(createdAt, 0)
	cp.UpdatedAt = time.Unix(updatedAt, 0)
	return &cp, nil
}

// MarkStaleRunningFailed fails operations stuck in running longer than
// maxAge. Partial writes from those operations become orphan candidates.
func (c *Client) MarkStaleRunningFailed(ctx context.Context, maxAge time.Duration, now time.Time) ([]string, error) {
	cutoff := now.Add(-maxAge).UnixMilli()

	rows, err := c.db.QueryContext(ctx,
		`SELECT id FROM operations WHERE status = ? AND started_at < ?`,
		models.OpStatusRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale operations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := c.db.ExecContext(ctx, `
			UPDATE operations
			SET status = ?, error_message = 'timeout', completed_at = ?
			WHERE id = ? AND status = ?`,
			models.OpStatusFailed, now.UnixMilli(), id, models.OpStatusRunning,
		); err != nil {
			return nil, fmt.Errorf("failed to fail stale operation: %w", err)
		}
	}
	return ids, nil
}

// ListUnattributedRefs finds rows in the given object table whose reference
// never appears among a completed operation's outputs. These are orphans left
// by timed-out tools whose partial writes were not rolled back.
func (c *Client) ListUnattributedRefs(ctx context.Context, objectType refs.ObjectType) ([]string, error) {
	var table string
	switch objectType {
	case refs.TypeSurfaceForm:
		table = "surface_forms"
	case refs.TypeMention:
		table = "mentions"
	default:
		return nil, fmt.Errorf("unattributed scan not supported for object type %q", objectType)
	}

	prefix := fmt.Sprintf("%s://%s/", refs.StoreRelational, objectType)
	query := fmt.Sprintf(`
		SELECT t.id FROM %s t
		WHERE NOT EXISTS (
			SELECT 1 FROM operation_outputs oo
			JOIN operations o ON o.id = oo.operation_id
			WHERE oo.ref = ? || t.id AND o.status = ?
		)`, table)

	rows, err := c.db.QueryContext(ctx, query, prefix, models.OpStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to scan for orphans: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, prefix+id)
	}
	return out, rows.Err()
}

func (c *Client) InsertOrphanedRef(ctx context.Context, ref, operationID string, detectedAt time.Time) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO orphaned_refs (ref, operation_id, detected_at) VALUES (?, ?, ?)`,
		ref, operationID, detectedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert orphaned ref: %w", err)
	}
	return nil
}

func refTypeOf(ref string) string {
	r, err := refs.Parse(ref)
	if err != nil {
		return "unknown"
	}
	return string(r.Type)
}
