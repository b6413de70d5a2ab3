package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"mediajobs/internal/apiclient"
	"mediajobs/internal/domain"
)

var (
	apiURL    string
	apiToken  string
	sessionID string
	asJSON    bool
	timeout   time.Duration

	client *apiclient.Client
)

var rootCmd = &cobra.Command{
	Use:           "jobctl",
	Short:         "Create, inspect and watch generation jobs.",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if client != nil {
			return nil
		}
		_ = godotenv.Load()
		if apiURL == "" {
			apiURL = envOr("JOBCTL_API_URL", "http://localhost:8080")
		}
		if apiToken == "" {
			apiToken = os.Getenv("JOBCTL_TOKEN")
		}
		client = apiclient.New(apiURL, apiToken, nil)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "API base URL (default $JOBCTL_API_URL or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "bearer token (default $JOBCTL_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", envOr("JOBCTL_SESSION", "cli"), "session id")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "JSON output")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func printJobs(w io.Writer, jobs ...domain.Job) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	for _, j := range jobs {
		line := fmt.Sprintf("%s  %-10s  %-16s  outputs=%d  %s", j.ID, j.Status, j.ModelID, len(j.Outputs), j.CreatedAt.Local().Format(time.DateTime))
		if msg := j.ErrorMessage(); msg != "" {
			line += fmt.Sprintf("  err=%q", msg)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
