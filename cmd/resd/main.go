// Package main implements the resd CLI for operating a researchd server.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the researchd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "resd",
	Short: "CLI for researchd job operations",
	Long: `resd is a command-line interface for the researchd HTTP server.
It submits research jobs, inspects their progress, retrieves reports and
follows running jobs live.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8420", "researchd server URL")
	rootCmd.AddCommand(healthCmd)
}

// healthCmd checks server health and readiness
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check researchd server health",
	Long: `Check the health and readiness of the researchd HTTP server.

Examples:
  # Check health
  resd health

  # Check health on a different server
  resd health --server http://localhost:8080`,
	RunE: runHealth,
}

// HealthResponse matches internal/server HealthResponse
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// ReadyResponse matches internal/server ReadyResponse
type ReadyResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// runHealth handles the health command
func runHealth(cmd *cobra.Command, args []string) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	url := fmt.Sprintf("%s/healthz", serverURL)
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to connect to %s: %v\n", url, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	var healthResp HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Server Status: %s\n", healthResp.Status)
	fmt.Printf("Server URL: %s\n", serverURL)

	// Readiness is reported separately so a degraded event bus shows up
	// even while the process itself is healthy.
	readyResp, err := client.Get(fmt.Sprintf("%s/readyz", serverURL))
	if err != nil {
		return fmt.Errorf("failed to check readiness: %w", err)
	}
	defer readyResp.Body.Close()

	var ready ReadyResponse
	if err := json.NewDecoder(readyResp.Body).Decode(&ready); err != nil {
		return fmt.Errorf("failed to decode readiness response: %w", err)
	}

	if readyResp.StatusCode == http.StatusOK {
		fmt.Printf("Readiness: %s\n", ready.Status)
	} else {
		fmt.Printf("Readiness: %s (%s)\n", ready.Status, ready.Reason)
	}

	return nil
}

// statusError turns a non-2xx response into an error carrying the body,
// which is where echo puts the failure message.
func statusError(resp *http.Response) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
