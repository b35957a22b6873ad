package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"

	"insight-resolver/internal/activitylog"
	"insight-resolver/internal/config"
	"insight-resolver/internal/issues"
	"insight-resolver/internal/modal"
	"insight-resolver/internal/playbook"
	"insight-resolver/internal/workflows"
)

// dialFunc opens the Temporal client for a command.
type dialFunc func(cfg *config.Config) (client.Client, error)

func main() {
	if err := newRootCmd(dialTemporal).Execute(); err != nil {
		os.Exit(1)
	}
}

func dialTemporal(cfg *config.Config) (client.Client, error) {
	return client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    tlog.NewStructuredLogger(cfg.Log.NewLogger(os.Stderr)),
	})
}

func workflowID(issueID string) string {
	return "resolve-" + issueID
}

func newRootCmd(dial dialFunc) *cobra.Command {
	var configPath string
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "starter",
		Short:         "Start and inspect insight resolution workflows",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cfg, err = config.NewLoader(afero.NewOsFs(), nil).Load(configPath)
			return err
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to resolver.yaml")

	// withClient runs fn with a dialled client and a bounded context.
	withClient := func(timeout time.Duration, fn func(ctx context.Context, c client.Client) error) error {
		c, err := dial(cfg)
		if err != nil {
			return fmt.Errorf("unable to create Temporal client: %w", err)
		}
		defer c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return fn(ctx, c)
	}

	root.AddCommand(
		newStartCmd(&cfg, withClient),
		newStatusCmd(withClient),
		newActivityCmd(withClient),
		newAbortCmd(withClient),
	)
	return root
}

type clientRunner func(timeout time.Duration, fn func(ctx context.Context, c client.Client) error) error

func newStartCmd(cfg **config.Config, run clientRunner) *cobra.Command {
	var issueID string
	var wait bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start resolving an issue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			feed := issues.NewFeed(issues.SampleIssues(time.Now())...)
			issue, err := feed.GetIssueByID(cmd.Context(), issueID)
			if err != nil {
				return err
			}
			res := playbook.NewResolution(issue, modal.MethodAgent, playbook.CredentialRotation)
			in := workflows.ResolveInput{Resolution: res, StepTimeout: (*cfg).Executor.StepTimeout}

			opts := client.StartWorkflowOptions{
				ID:                                       workflowID(issueID),
				TaskQueue:                                (*cfg).Temporal.TaskQueue,
				WorkflowExecutionTimeout:                 5 * time.Minute,
				WorkflowExecutionErrorWhenAlreadyStarted: true,
				WorkflowIDReusePolicy:                    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
			}

			timeout := 10 * time.Second
			if wait {
				timeout = 5 * time.Minute
			}
			return run(timeout, func(ctx context.Context, c client.Client) error {
				we, err := c.ExecuteWorkflow(ctx, opts, workflows.ResolveInsight, in)
				if err != nil {
					return fmt.Errorf("unable to execute workflow: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "started workflow: WorkflowID=%s RunID=%s ResolutionID=%s\n", we.GetID(), we.GetRunID(), res.ID)
				if !wait {
					return nil
				}
				var out workflows.ResolveOutput
				if err := we.Get(ctx, &out); err != nil {
					return fmt.Errorf("workflow failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "workflow result: status=%s needsReview=%d\n", out.Status, out.CountNeedsReview)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&issueID, "issue", "INS-1042", "issue id")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the workflow finishes")
	return cmd
}

func newStatusCmd(run clientRunner) *cobra.Command {
	var wid, runID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the current resolution of a workflow",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(5*time.Second, func(ctx context.Context, c client.Client) error {
				qr, err := c.QueryWorkflow(ctx, wid, runID, workflows.ResolutionQuery)
				if err != nil {
					return err
				}
				var res modal.Resolution
				if err := qr.Get(&res); err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			})
		},
	}
	cmd.Flags().StringVar(&wid, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&runID, "run", "", "run id (latest when empty)")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func newActivityCmd(run clientRunner) *cobra.Command {
	var wid, runID string
	var teach bool
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Print the activity log of a workflow",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(5*time.Second, func(ctx context.Context, c client.Client) error {
				qr, err := c.QueryWorkflow(ctx, wid, runID, workflows.ActivityLogQuery, teach)
				if err != nil {
					return err
				}
				var views []activitylog.View
				if err := qr.Get(&views); err != nil {
					return err
				}
				for _, v := range views {
					fmt.Fprintln(cmd.OutOrStdout(), formatView(v))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&wid, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&runID, "run", "", "run id (latest when empty)")
	cmd.Flags().BoolVar(&teach, "teach", false, "show confidence and review flags")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func formatView(v activitylog.View) string {
	line := fmt.Sprintf("%2d %s [%s] %s", v.Index, v.Timestamp.Format(time.TimeOnly), v.Type, v.Label)
	if v.Message != "" {
		line += ": " + v.Message
	}
	if v.Confidence != nil {
		line += fmt.Sprintf(" (confidence %d%%)", *v.Confidence)
	}
	if v.Highlight {
		line += " !review"
	}
	return line
}

func newAbortCmd(run clientRunner) *cobra.Command {
	var wid, runID, reason string
	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Stop a workflow before its next step",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(5*time.Second, func(ctx context.Context, c client.Client) error {
				if err := c.SignalWorkflow(ctx, wid, runID, workflows.AbortSignal, reason); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "abort requested for %s\n", wid)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&wid, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&runID, "run", "", "run id (latest when empty)")
	cmd.Flags().StringVar(&reason, "reason", "operator request", "reason recorded with the signal")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}
