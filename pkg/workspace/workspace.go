// Package workspace stages the per-job directory a sandbox runner
// executes against: the user's script, the data-access shim, the job
// configuration, and a reserved slot for the script's output.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/fednode/pkg/shim"
	"github.com/cuemby/fednode/pkg/types"
)

// scriptExtension maps a script kind to the file extension the workspace
// contract uses for the staged script file.
var scriptExtension = map[types.ScriptKind]string{
	types.ScriptKindPython: "py",
	types.ScriptKindR:      "r",
	types.ScriptKindSQL:    "sql",
	types.ScriptKindShell:  "sh",
}

// jobConfig is the JSON written to job_config.json inside the workspace.
type jobConfig struct {
	JobID      string                   `json:"job_id"`
	ScriptKind types.ScriptKind         `json:"script_kind"`
	CatalogID  string                   `json:"catalog_id"`
	Catalog    *types.CatalogDescriptor `json:"catalog"`
	Parameters map[string]any           `json:"parameters"`
	Filters    map[string]any           `json:"filters,omitempty"`
	Uploads    []uploadRef              `json:"uploads,omitempty"`
}

type uploadRef struct {
	ID   string `json:"id"`
	Name string `json:"original_name"`
	Path string `json:"path"`
}

// StagedUpload is an upload's plaintext bytes, already decrypted by the
// caller if at-rest encryption is enabled. The workspace never sees
// ciphertext or a SecretsManager; it only ever writes bytes it is handed.
type StagedUpload struct {
	ID           string
	OriginalName string
	Data         []byte
}

// PreparedWorkspace describes a staged job directory ready for a Runner.
type PreparedWorkspace struct {
	Dir            string
	ScriptPath     string
	ConfigPath     string
	OutputPath     string
	EntrypointPath string
	Env            map[string]string
}

// Builder creates and tears down per-job workspace directories under a
// configured parent work directory.
type Builder struct {
	workDir          string
	dataRoot         string
	defaultMinCohort int
}

// NewBuilder creates a Builder rooted at workDir, staging DATA_ROOT as
// dataRoot for every job's environment. defaultMinCohort is the node-wide
// cohort threshold exported as MIN_COHORT_SIZE when the job's catalog does
// not declare its own.
func NewBuilder(workDir, dataRoot string, defaultMinCohort int) *Builder {
	return &Builder{workDir: workDir, dataRoot: dataRoot, defaultMinCohort: defaultMinCohort}
}

// Build stages job_dir = work_dir/<job_id>/ with the user script, the
// data-access shim, job_config.json, and a reserved output.json path. It
// never executes anything.
func (b *Builder) Build(job *types.Job, catalog *types.CatalogDescriptor, uploads []StagedUpload) (*PreparedWorkspace, error) {
	// Absolute paths throughout: the runner executes with the workspace as
	// its working directory (or bind-mounts it), so relative work_dir or
	// data_root values from config would stop resolving there.
	dir, err := filepath.Abs(filepath.Join(b.workDir, job.ID))
	if err != nil {
		return nil, fmt.Errorf("resolve workspace dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	ext := scriptExtension[job.ScriptKind]
	if ext == "" {
		ext = "txt"
	}
	scriptPath := filepath.Join(dir, fmt.Sprintf("script.%s", ext))
	if err := os.WriteFile(scriptPath, []byte(job.ScriptContent), 0o644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}

	if err := shim.Write(dir); err != nil {
		return nil, fmt.Errorf("write shim: %w", err)
	}

	uploadsDir := filepath.Join(dir, "uploads")
	uploadRefs := make([]uploadRef, 0, len(uploads))
	if len(uploads) > 0 {
		if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
			return nil, fmt.Errorf("create uploads dir: %w", err)
		}
	}
	for _, u := range uploads {
		stagedPath := filepath.Join(uploadsDir, u.ID+"_"+filepath.Base(u.OriginalName))
		if err := os.WriteFile(stagedPath, u.Data, 0o600); err != nil {
			return nil, fmt.Errorf("stage upload %s: %w", u.ID, err)
		}
		uploadRefs = append(uploadRefs, uploadRef{ID: u.ID, Name: u.OriginalName, Path: stagedPath})
	}

	cfg := jobConfig{
		JobID:      job.ID,
		ScriptKind: job.ScriptKind,
		CatalogID:  job.CatalogID,
		Catalog:    catalog,
		Parameters: job.Parameters,
		Filters:    job.Filters,
		Uploads:    uploadRefs,
	}
	cfgData, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal job config: %w", err)
	}
	configPath := filepath.Join(dir, "job_config.json")
	if err := os.WriteFile(configPath, cfgData, 0o644); err != nil {
		return nil, fmt.Errorf("write job config: %w", err)
	}

	outputPath := filepath.Join(dir, "output.json")

	minCohort := b.defaultMinCohort
	if catalog != nil && catalog.MinCohortSize != nil && *catalog.MinCohortSize > 0 {
		minCohort = *catalog.MinCohortSize
	}

	dataRoot := b.dataRoot
	if abs, err := filepath.Abs(dataRoot); err == nil {
		dataRoot = abs
	}

	return &PreparedWorkspace{
		Dir:            dir,
		ScriptPath:     scriptPath,
		ConfigPath:     configPath,
		OutputPath:     outputPath,
		EntrypointPath: shim.EntrypointPath(dir),
		Env: map[string]string{
			"DATA_ROOT":       dataRoot,
			"JOB_CONFIG":      configPath,
			"OUTPUT_FILE":     outputPath,
			"SCRIPT_PATH":     scriptPath,
			"MIN_COHORT_SIZE": fmt.Sprintf("%d", minCohort),
		},
	}, nil
}

// Cleanup removes a job's workspace directory entirely. Callers decide
// retention; this is never invoked implicitly by Build.
func (b *Builder) Cleanup(jobID string) error {
	return os.RemoveAll(filepath.Join(b.workDir, jobID))
}
