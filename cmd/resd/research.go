package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	// research command flags
	submitContext    string
	submitObjectives []string
	submitJSON       bool
	statusJSON       bool
	listJSON         bool
	cancelPurge      bool
)

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(listCmd)

	submitCmd.Flags().StringVar(&submitContext, "context", "", "Free-text background for the research target")
	submitCmd.Flags().StringArrayVar(&submitObjectives, "objective", nil, "Objective tag steering the investigation (repeatable)")
	submitCmd.Flags().BoolVar(&submitJSON, "json", false, "Output results as JSON")

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output results as JSON")

	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output results as JSON")

	cancelCmd.Flags().BoolVar(&cancelPurge, "purge", false, "Delete all stored state for a finished job")
}

var submitCmd = &cobra.Command{
	Use:   "submit <name>",
	Short: "Submit a research job",
	Long: `Submit a new research job for the named target.

The server answers as soon as the job is accepted; research runs in the
background. Use "resd watch" or "resd status" to follow it.

Examples:
  # Submit with just a name
  resd submit "Acme Holdings LLC"

  # Supply background and objectives
  resd submit "Acme Holdings LLC" \
    --context "Shell company registered in Delaware, 2019" \
    --objective financial \
    --objective legal

  # Output as JSON
  resd submit "Acme Holdings LLC" --json`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the state of a research job",
	Long: `Show the current state of a research job: lifecycle status, phase
progress, completion flags and finding counters.

Examples:
  # Human-readable summary
  resd status 7d9e1c2a-5b7f-4f3e-9c1d-8a2b3c4d5e6f

  # Raw JSON
  resd status 7d9e1c2a-5b7f-4f3e-9c1d-8a2b3c4d5e6f --json`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var reportCmd = &cobra.Command{
	Use:   "report <job-id>",
	Short: "Print a completed job's report",
	Long: `Print the final markdown report of a completed job to stdout.

The report is written raw so it can be piped to a file or renderer.

Examples:
  # Print to the terminal
  resd report 7d9e1c2a-5b7f-4f3e-9c1d-8a2b3c4d5e6f

  # Save to a file
  resd report 7d9e1c2a-5b7f-4f3e-9c1d-8a2b3c4d5e6f > acme.md`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a research job",
	Long: `Cancel a running or pending research job. With --purge, delete all
stored state for a job that has already finished.

Examples:
  # Stop a running job
  resd cancel 7d9e1c2a-5b7f-4f3e-9c1d-8a2b3c4d5e6f

  # Remove a finished job entirely
  resd cancel 7d9e1c2a-5b7f-4f3e-9c1d-8a2b3c4d5e6f --purge`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List research jobs",
	Long: `List all known research jobs, newest first.

Examples:
  # Table output
  resd list

  # Raw JSON
  resd list --json`,
	RunE: runList,
}

// SubmitRequest matches internal/server SubmitRequest
type SubmitRequest struct {
	Name       string   `json:"name"`
	Context    string   `json:"context,omitempty"`
	Objectives []string `json:"objectives,omitempty"`
}

// SubmitResponse matches internal/server SubmitResponse
type SubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// JobTarget matches internal/research TargetDescriptor
type JobTarget struct {
	Name       string   `json:"name"`
	Context    string   `json:"context,omitempty"`
	Objectives []string `json:"objectives,omitempty"`
}

// JobView matches internal/jobs View
type JobView struct {
	JobID  string    `json:"job_id"`
	Target JobTarget `json:"target"`
	Status string    `json:"status"`

	Phase        int  `json:"phase"`
	MaxPhases    int  `json:"max_phases"`
	Searched     bool `json:"searched"`
	Verified     bool `json:"verified"`
	RiskAssessed bool `json:"risk_assessed"`
	Complete     bool `json:"complete"`

	Facts          int `json:"facts"`
	Entities       int `json:"entities"`
	VerifiedFacts  int `json:"verified_facts"`
	RiskFlags      int `json:"risk_flags"`
	Contradictions int `json:"contradictions"`
	PendingQueries int `json:"pending_queries"`
	Searches       int `json:"searches"`
	GraphNodes     int `json:"graph_nodes"`
	Iterations     int `json:"iterations"`

	HasReport bool   `json:"has_report"`
	Error     string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListResponse matches internal/server ListResponse
type ListResponse struct {
	Jobs  []JobView `json:"jobs"`
	Count int       `json:"count"`
}

// DeleteResponse matches internal/server DeleteResponse
type DeleteResponse struct {
	JobID  string `json:"job_id"`
	Purged bool   `json:"purged,omitempty"`
}

// terminalStatus reports whether a job status admits no further work.
func terminalStatus(status string) bool {
	switch status {
	case "completed", "failed", "cancelled", "error":
		return true
	}
	return false
}

func runSubmit(cmd *cobra.Command, args []string) error {
	reqBody := SubmitRequest{
		Name:       args[0],
		Context:    submitContext,
		Objectives: submitObjectives,
	}

	reqJSON, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/research", serverURL)
	httpReq, err := http.NewRequest("POST", url, bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return statusError(resp)
	}

	var submitResp SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if submitJSON {
		return outputJSON(submitResp)
	}

	fmt.Printf("Job submitted\n")
	fmt.Printf("ID: %s\n", submitResp.JobID)
	fmt.Printf("Status: %s\n", submitResp.Status)
	fmt.Printf("\nFollow progress with: resd watch %s\n", submitResp.JobID)

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	view, err := fetchView(context.Background(), serverURL, args[0])
	if err != nil {
		return err
	}

	if statusJSON {
		return outputJSON(view)
	}

	fmt.Printf("Job: %s\n", view.Target.Name)
	fmt.Printf("ID: %s\n", view.JobID)
	fmt.Printf("Status: %s\n", view.Status)
	if view.Error != "" {
		fmt.Printf("Error: %s\n", view.Error)
	}
	fmt.Printf("Phase: %d/%d (iteration %d)\n", view.Phase, view.MaxPhases, view.Iterations)
	fmt.Printf("Flags: searched=%s verified=%s risk_assessed=%s complete=%s\n",
		yesNo(view.Searched), yesNo(view.Verified), yesNo(view.RiskAssessed), yesNo(view.Complete))
	fmt.Printf("Facts: %d (verified %d, contradictions %d)\n",
		view.Facts, view.VerifiedFacts, view.Contradictions)
	fmt.Printf("Entities: %d (graph nodes %d)\n", view.Entities, view.GraphNodes)
	fmt.Printf("Searches: %d (pending queries %d)\n", view.Searches, view.PendingQueries)
	fmt.Printf("Risk Flags: %d\n", view.RiskFlags)
	if len(view.Target.Objectives) > 0 {
		fmt.Printf("Objectives: %s\n", strings.Join(view.Target.Objectives, ", "))
	}
	if view.HasReport {
		fmt.Printf("Report: ready (resd report %s)\n", view.JobID)
	} else {
		fmt.Printf("Report: not ready\n")
	}
	fmt.Printf("Created: %s\n", view.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated: %s\n", view.UpdatedAt.Local().Format("2006-01-02 15:04:05"))

	return nil
}

func runReport(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/api/v1/research/%s/report", serverURL, args[0])

	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	// Raw markdown to stdout so the command pipes cleanly.
	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		return fmt.Errorf("failed to read report: %w", err)
	}

	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/api/v1/research/%s", serverURL, args[0])
	if cancelPurge {
		url += "?purge=true"
	}

	httpReq, err := http.NewRequest("DELETE", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return statusError(resp)
	}

	var deleteResp DeleteResponse
	if err := json.NewDecoder(resp.Body).Decode(&deleteResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if deleteResp.Purged {
		fmt.Printf("Job %s purged\n", deleteResp.JobID)
	} else {
		fmt.Printf("Cancellation requested for job %s\n", deleteResp.JobID)
	}

	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/api/v1/research", serverURL)

	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	var listResp ListResponse
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if listJSON {
		return outputJSON(listResp)
	}

	if listResp.Count == 0 {
		fmt.Println("No research jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPHASE\tFACTS\tRISK\tUPDATED")
	for _, job := range listResp.Jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%s\n",
			truncate(job.JobID, 12),
			truncate(job.Target.Name, 30),
			job.Status,
			job.Phase,
			job.MaxPhases,
			job.Facts,
			job.RiskFlags,
			job.UpdatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	w.Flush()

	return nil
}

// fetchView retrieves a job's state. Shared by the status command and
// the watch dashboard's polling loop.
func fetchView(ctx context.Context, server, jobID string) (*JobView, error) {
	url := fmt.Sprintf("%s/api/v1/research/%s", server, jobID)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var view JobView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &view, nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
