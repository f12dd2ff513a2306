package models

import "time"

// Operation statuses. An operation is mutated exactly once: running to
// completed or failed.
const (
	OpStatusRunning   = "running"
	OpStatusCompleted = "completed"
	OpStatusFailed    = "failed"
)

// Workflow statuses. COMPLETED and FAILED are terminal.
const (
	WorkflowRunning   = "RUNNING"
	WorkflowCompleted = "COMPLETED"
	WorkflowFailed    = "FAILED"
)

// Quality tiers, always derived from confidence.
const (
	TierHigh   = "HIGH"
	TierMedium = "MEDIUM"
	TierLow    = "LOW"
)

type Document struct {
	ID         string
	SourceURL  string
	Title      string
	RawContent string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Chunk struct {
	ID         string
	DocID      string
	ChunkIndex int
	Text       string
	VectorRef  string
	CreatedAt  time.Time
}

// SurfaceForm is a distinct occurrence of text inside a chunk. ContentHash is
// the dedup key: identical (chunk, text, offsets) resubmissions resolve to the
// existing row instead of minting a second reference.
type SurfaceForm struct {
	ID          string
	Text        string
	Context     string
	ChunkRef    string
	StartOffset int
	EndOffset   int
	ContentHash string
	CreatedAt   time.Time
}

// Mention attaches a semantic type to a surface form. Attributes carries the
// extractor's raw output as JSON; Confidence is the extraction confidence.
type Mention struct {
	ID             string
	SurfaceFormRef string
	MentionType    string
	Attributes     map[string]interface{}
	Confidence     float64
	CreatedAt      time.Time
}

// Operation is one provenance record. InputRefs/OutputRefs are persisted in
// join tables; together the records form the lineage DAG.
type Operation struct {
	ID            string
	OperationType string
	ToolID        string
	InputRefs     []string
	OutputRefs    []string
	Parameters    map[string]interface{}
	Status        string
	Confidence    float64
	ErrorMessage  string
	DurationMS    int64
	StartedAt     time.Time
	CompletedAt   *time.Time
}

type ToolStats struct {
	ToolID          string
	TotalCalls      int64
	SuccessfulCalls int64
	FailedCalls     int64
	TotalDurationMS int64
	LastUsed        time.Time
}

func (s ToolStats) AvgDurationMS() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.TotalDurationMS) / float64(s.TotalCalls)
}

// Checkpoint is the resumable snapshot of a workflow. One row per workflow,
// rewritten at every step boundary.
type Checkpoint struct {
	ID            string
	WorkflowID    string
	WorkflowType  string
	Status        string
	StepNumber    int
	TotalSteps    int
	StateData     map[string]interface{}
	CompletedOps  []string
	FailedOps     []string
	Metadata      map[string]interface{}
	FailureOpID   string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (c Checkpoint) ProgressPercent() float64 {
	if c.TotalSteps == 0 {
		return 0
	}
	return float64(c.StepNumber) / float64(c.TotalSteps) * 100
}

// OrphanedRef is an output reference whose producing operation never
// completed; the reconciliation pass marks these for cleanup.
type OrphanedRef struct {
	ID          int64
	Ref         string
	OperationID string
	DetectedAt  time.Time
	Resolved    bool
}
