package types

import "time"

// ColumnType is the inferred or declared type of a catalog column.
type ColumnType string

const (
	ColumnTypeInteger  ColumnType = "integer"
	ColumnTypeFloat    ColumnType = "float"
	ColumnTypeBoolean  ColumnType = "boolean"
	ColumnTypeDatetime ColumnType = "datetime"
	ColumnTypeString   ColumnType = "string"
)

// Column describes a single column of a tabular catalog.
type Column struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
}

// FileDescriptor is one physical file backing a catalog.
type FileDescriptor struct {
	LogicalName string   `json:"logical_name"`
	Path        string   `json:"path"` // manifest-relative, resolved within DATA_ROOT
	Type        string   `json:"type"` // csv, tsv, json, nii, nii.gz, ...
	Columns     []Column `json:"columns,omitempty"`
	RecordCount *int64   `json:"record_count,omitempty"`
	Exists      bool     `json:"exists"`
	SizeBytes   int64    `json:"size_bytes,omitempty"`
}

// PrivacyLevel classifies how sensitive a catalog's contents are.
type PrivacyLevel string

const (
	PrivacyPublic     PrivacyLevel = "public"
	PrivacyRestricted PrivacyLevel = "restricted"
	PrivacyPrivate    PrivacyLevel = "private"
)

// CatalogDescriptor is a named, resolvable data source known to the node.
type CatalogDescriptor struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	DataType      string            `json:"data_type"` // tabular, imaging, mixed, ...
	PrivacyLevel  PrivacyLevel      `json:"privacy_level"`
	Files         []FileDescriptor  `json:"files"`
	RecordCount   int64             `json:"record_count"`
	MinCohortSize *int              `json:"min_cohort_size,omitempty"` // per-catalog override
	Metadata      map[string]string `json:"metadata,omitempty"`
	ResolvedAt    time.Time         `json:"resolved_at,omitempty"`
}

// JobStatus is the state of a Job's lifecycle. Transitions follow a strict
// DAG: queued -> running -> {completed, failed, cancelled, blocked}, plus
// queued -> {failed, cancelled} for a job no worker ran. No backward
// transitions, and exactly one terminal write is permitted.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusBlocked   JobStatus = "blocked"
)

// Terminal reports whether status is one with no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusBlocked:
		return true
	default:
		return false
	}
}

// ScriptKind names the interpreter family a job's script targets.
type ScriptKind string

const (
	ScriptKindPython ScriptKind = "python"
	ScriptKindR      ScriptKind = "r"
	ScriptKindSQL    ScriptKind = "sql"
	ScriptKindShell  ScriptKind = "shell"
)

// Job is a single unit of submitted analysis work.
type Job struct {
	ID                string            `json:"id"`
	CatalogID         string            `json:"catalog_id"`
	ScriptKind        ScriptKind        `json:"script_kind"`
	ScriptContent     string            `json:"script_content"`
	ScriptHash        string            `json:"script_hash"`
	Parameters        map[string]any    `json:"parameters,omitempty"`
	Filters           map[string]any    `json:"filters,omitempty"`
	UploadedFileIDs   []string          `json:"uploaded_file_ids,omitempty"`
	RequesterNodeID   string            `json:"requester_node_id,omitempty"`
	ExecutorNodeID    string            `json:"executor_node_id,omitempty"`
	Status            JobStatus         `json:"status"`
	Progress          float64           `json:"progress"`
	SubmittedAt       time.Time         `json:"submitted_at"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	FinishedAt        *time.Time        `json:"finished_at,omitempty"`
	Result            map[string]any    `json:"result,omitempty"`
	Error             string            `json:"error,omitempty"`
	BlockReason       string            `json:"block_reason,omitempty"`
	RecordsProcessed  *int64            `json:"records_processed,omitempty"`
	ExecutionTimeS    float64           `json:"execution_time_s,omitempty"`
	MemoryUsedMB      float64           `json:"memory_used_mb,omitempty"`
	AnalysisRequestID string            `json:"analysis_request_id,omitempty"`
	RequesterInfo     map[string]string `json:"requester_info,omitempty"`
}

// AnalysisRequestStatus is the lifecycle of a pending analysis request,
// independent of (and upstream from) a Job's own lifecycle.
type AnalysisRequestStatus string

const (
	AnalysisRequestPending  AnalysisRequestStatus = "pending"
	AnalysisRequestApproved AnalysisRequestStatus = "approved"
	AnalysisRequestDenied   AnalysisRequestStatus = "denied"
	AnalysisRequestExpired  AnalysisRequestStatus = "expired"
)

// AnalysisRequest is a request for a Job that must be approved before a
// Job row is ever created. There is no back-pointer from Job to the
// request that spawned it; the forward pointer on Job is sufficient.
type AnalysisRequest struct {
	ID            string                `json:"id"`
	CatalogID     string                `json:"catalog_id"`
	ScriptKind    ScriptKind            `json:"script_kind"`
	ScriptContent string                `json:"script_content"`
	Status        AnalysisRequestStatus `json:"status"`
	SubmittedAt   time.Time             `json:"submitted_at"`
	ExpiresAt     *time.Time            `json:"expires_at,omitempty"`
	DecidedAt     *time.Time            `json:"decided_at,omitempty"`
	DenyReason    string                `json:"deny_reason,omitempty"`
	RequesterInfo map[string]string     `json:"requester_info,omitempty"`
	JobID         string                `json:"job_id,omitempty"`
}

// UploadedFile is a file a requester supplied alongside a Job, distinct
// from catalog data owned by the node.
type UploadedFile struct {
	ID          string    `json:"id"`
	OriginalName string   `json:"original_name"`
	Kind        string    `json:"kind"` // extension-derived, must be in an allow-list
	StoredPath  string    `json:"stored_path"`
	SizeBytes   int64     `json:"size_bytes"`
	Checksum    string    `json:"checksum"` // sha256 hex of stored bytes
	UploadedAt  time.Time `json:"uploaded_at"`
}

// AuditEntry is an immutable record of a privacy- or security-relevant
// action taken by the node.
type AuditEntry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Action    string            `json:"action"`
	JobID     string            `json:"job_id,omitempty"`
	CatalogID string            `json:"catalog_id,omitempty"`
	Actor     map[string]string `json:"actor,omitempty"`
	Detail    string            `json:"detail,omitempty"`
}
