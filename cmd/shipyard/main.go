package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/splax/shipyard/pkg/client"
	"github.com/splax/shipyard/pkg/config"
)

var buildVersion = "dev"

var (
	apiBase      string
	requestLimit time.Duration
	follow       bool
	logLimit     int
	pollEvery    time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "shipyard",
	Short:         "Create projects, trigger deployments and follow build logs",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       buildVersion,
}

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create NAME GIT_URL",
	Short: "Register a repository as a project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		project, err := c.CreateProject(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "project created: %s (slug %s)\n", project.ID, project.Slug)
		return nil
	},
}

var projectGetCmd = &cobra.Command{
	Use:   "get PROJECT_ID",
	Short: "Show a project and its recent deployments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		project, err := c.GetProject(ctx, args[0])
		if err != nil {
			return err
		}
		deployments, err := c.ListDeployments(ctx, project.ID, 10)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", project.ID, project.Name, project.Slug, project.GitURL)
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, d := range deployments {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, d.Status, d.CreatedAt.Format(time.RFC3339), d.Reason)
		}
		return tw.Flush()
	},
}

var deployCmd = &cobra.Command{
	Use:   "deploy PROJECT_ID",
	Short: "Queue a build of the project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient(cmd)
		if err != nil {
			return err
		}
		id, err := c.Deploy(ctx, args[0])
		cancel()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deployment queued: %s\n", id)
		if !follow {
			return nil
		}
		return followDeployment(cmd.Context(), c, id, cmd.OutOrStdout())
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs DEPLOYMENT_ID",
	Short: "Print the stored build output of a deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient(cmd)
		if err != nil {
			return err
		}
		events, err := c.FetchLogs(ctx, args[0], logLimit)
		cancel()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, ev := range events {
			fmt.Fprintln(out, ev.Log)
		}
		if !follow {
			return nil
		}
		return followDeployment(cmd.Context(), c, args[0], out)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status DEPLOYMENT_ID",
	Short: "Show the status of a deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		dep, err := c.GetDeployment(ctx, args[0])
		if err != nil {
			return err
		}
		line := dep.Status
		if dep.Reason != "" {
			line += ": " + dep.Reason
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiBase, "api", config.GetString("SHIPYARD_API_URL", client.DefaultBaseURL), "control plane base URL")
	rootCmd.PersistentFlags().DurationVar(&requestLimit, "timeout", 15*time.Second, "per-request timeout")
	deployCmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream build output until the deployment finishes")
	deployCmd.Flags().DurationVar(&pollEvery, "poll", 2*time.Second, "status poll interval while following")
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep streaming new lines until the deployment finishes")
	logsCmd.Flags().IntVar(&logLimit, "limit", 0, "maximum number of stored lines")
	logsCmd.Flags().DurationVar(&pollEvery, "poll", 2*time.Second, "status poll interval while following")

	projectCmd.AddCommand(projectCreateCmd, projectGetCmd)
	rootCmd.AddCommand(projectCmd, deployCmd, logsCmd, statusCmd)
}

func newClient(cmd *cobra.Command) (*client.Client, context.Context, context.CancelFunc, error) {
	c, err := client.New(apiBase)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), requestLimit)
	return c, ctx, cancel, nil
}

var errDeploymentFailed = errors.New("deployment failed")

// followDeployment prints live output while polling the deployment status, and
// returns once the deployment is terminal.
func followDeployment(parent context.Context, c *client.Client, deploymentID string, out io.Writer) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	streamErr := make(chan error, 1)
	go func() {
		streamErr <- c.StreamLogs(ctx, deploymentID, func(line string) error {
			_, err := fmt.Fprintln(out, line)
			return err
		})
	}()

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-streamErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			streamErr = nil
		case <-ticker.C:
			pollCtx, pollCancel := context.WithTimeout(ctx, requestLimit)
			dep, err := c.GetDeployment(pollCtx, deploymentID)
			pollCancel()
			if err != nil {
				return err
			}
			if !dep.Terminal() {
				continue
			}
			// Let the final lines that raced the status write arrive.
			time.Sleep(500 * time.Millisecond)
			if strings.EqualFold(dep.Status, "FAILED") {
				return fmt.Errorf("%w: %s", errDeploymentFailed, dep.Reason)
			}
			return nil
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
