package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mediajobs/internal/apiclient"
)

var (
	createModel  string
	createParams []string
	feedLimit    int
)

var createCmd = &cobra.Command{
	Use:   "create [prompt]",
	Short: "Create a job",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(createParams)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		job, err := client.Create(ctx, apiclient.CreateRequest{
			SessionID:  sessionID,
			ModelID:    createModel,
			Prompt:     strings.Join(args, " "),
			Parameters: params,
		})
		if err != nil {
			return err
		}
		return printJobs(cmd.OutOrStdout(), *job)
	},
}

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "List every job of the session, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		jobs, err := client.All(ctx, sessionID, feedLimit)
		if err != nil {
			return err
		}
		return printJobs(cmd.OutOrStdout(), jobs...)
	},
}

var getCmd = &cobra.Command{
	Use:   "get [job-id]",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		job, err := client.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return printJobs(cmd.OutOrStdout(), *job)
	},
}

var resyncCmd = &cobra.Command{
	Use:   "resync [job-id]",
	Short: "Pull the provider's state for a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		res, err := client.Resync(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "outcome: %s\n", res.Outcome)
		if res.Job != nil {
			return printJobs(cmd.OutOrStdout(), *res.Job)
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "Cancel a processing job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		job, err := client.Cancel(ctx, args[0])
		if err != nil {
			return err
		}
		return printJobs(cmd.OutOrStdout(), *job)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [job-id]",
	Short: "Delete a finished job and its outputs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		if err := client.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

// parseParams turns key=value pairs into job parameters.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("parameter %q is not key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

func init() {
	createCmd.Flags().StringVar(&createModel, "model", "synthetic-image", "model id")
	createCmd.Flags().StringArrayVar(&createParams, "param", nil, "job parameter key=value (repeatable)")
	feedCmd.Flags().IntVar(&feedLimit, "limit", 20, "page size used while walking the feed")
	rootCmd.AddCommand(createCmd, feedCmd, getCmd, resyncCmd, cancelCmd, deleteCmd)
}
