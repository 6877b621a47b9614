package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/fednode/pkg/admission"
	"github.com/cuemby/fednode/pkg/config"
	"github.com/cuemby/fednode/pkg/node"
	"github.com/cuemby/fednode/pkg/store"
	"github.com/cuemby/fednode/pkg/types"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit and inspect jobs against this node",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a script and wait for it to reach a terminal state",
	RunE:  runJobSubmit,
}

var jobGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Print a job's current record",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobGet,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobList,
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobCancel,
}

func init() {
	jobSubmitCmd.Flags().String("catalog", "", "Catalog id or name (required)")
	jobSubmitCmd.Flags().String("kind", "python", "Script kind (python, r, sql, shell)")
	jobSubmitCmd.Flags().String("script", "", "Path to the script file (required)")
	jobSubmitCmd.Flags().String("params", "", "Script parameters as a JSON object")
	jobSubmitCmd.Flags().String("filters", "", "Cohort filters as a JSON object")
	jobSubmitCmd.Flags().Duration("wait", 2*time.Minute, "How long to wait for the job to finish")
	_ = jobSubmitCmd.MarkFlagRequired("catalog")
	_ = jobSubmitCmd.MarkFlagRequired("script")

	jobListCmd.Flags().String("status", "", "Filter by status (queued, running, completed, failed, cancelled, blocked)")
	jobListCmd.Flags().Int("limit", 20, "Maximum number of jobs to return")

	jobCmd.AddCommand(jobSubmitCmd)
	jobCmd.AddCommand(jobGetCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobCancelCmd)
}

func runJobSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath(cmd))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	catalogKey, _ := cmd.Flags().GetString("catalog")
	kind, _ := cmd.Flags().GetString("kind")
	scriptPath, _ := cmd.Flags().GetString("script")
	paramsRaw, _ := cmd.Flags().GetString("params")
	filtersRaw, _ := cmd.Flags().GetString("filters")
	wait, _ := cmd.Flags().GetDuration("wait")

	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	params, err := parseJSONObjectFlag(paramsRaw)
	if err != nil {
		return fmt.Errorf("--params: %w", err)
	}
	filters, err := parseJSONObjectFlag(filtersRaw)
	if err != nil {
		return fmt.Errorf("--filters: %w", err)
	}

	n, err := node.New(cfg)
	if err != nil {
		return fmt.Errorf("construct node: %w", err)
	}
	defer n.Store.Close()

	n.Pool.Start()
	defer n.Pool.Stop()

	job, err := n.Admission.Submit(admission.Submission{
		CatalogKey:    catalogKey,
		ScriptKind:    types.ScriptKind(kind),
		ScriptContent: string(script),
		Parameters:    params,
		Filters:       filters,
		RequesterInfo: map[string]string{"source": "cli"},
	})
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Printf("submitted job %s, waiting up to %s for a terminal state...\n", job.ID, wait)

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		current, err := n.Store.GetJob(job.ID)
		if err != nil {
			return fmt.Errorf("poll job: %w", err)
		}
		if current.Status.Terminal() {
			return printJob(current)
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("job %s did not reach a terminal state within %s", job.ID, wait)
}

func runJobGet(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath(cmd))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	job, err := st.GetJob(args[0])
	if err != nil {
		return err
	}
	return printJob(job)
}

func runJobList(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath(cmd))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	jobs, err := st.ListJobs(store.JobFilter{Status: types.JobStatus(status), Limit: limit})
	if err != nil {
		return err
	}
	for _, j := range jobs {
		fmt.Printf("%-36s %-10s %-20s submitted=%s\n", j.ID, j.Status, j.CatalogID, j.SubmittedAt.Format(time.RFC3339))
	}
	return nil
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath(cmd))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	n, err := node.New(cfg)
	if err != nil {
		return fmt.Errorf("construct node: %w", err)
	}
	defer n.Store.Close()

	job, err := n.Pool.CancelJob(args[0])
	if err != nil && job == nil {
		return err
	}
	fmt.Printf("job %s is now %s\n", job.ID, job.Status)
	return nil
}

// parseJSONObjectFlag parses a flag's raw value as a JSON object, treating
// an empty string as "no value supplied" rather than an error.
func parseJSONObjectFlag(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	return out, nil
}

func printJob(job *types.Job) error {
	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
