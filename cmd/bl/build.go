package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildline/internal/domain"
	"buildline/internal/engine"
	"buildline/internal/repo"
	buildlinesdk "buildline/sdk/go"
)

func buildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Trigger, run and inspect builds",
	}
	cmd.AddCommand(buildRunCmd())
	cmd.AddCommand(buildTriggerCmd())
	cmd.AddCommand(buildListCmd())
	cmd.AddCommand(buildShowCmd())
	cmd.AddCommand(buildCancelCmd())
	cmd.AddCommand(buildStatsCmd())
	return cmd
}

func buildTypeArg(e engine.Engine, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	bt, err := e.DefaultBuildType()
	if err != nil {
		return "", err
	}
	return bt.ID(), nil
}

// buildResult prints b and turns an unsuccessful build into an error so the
// process exits non-zero.
func buildResult(b domain.Build) error {
	if err := printJSONOrTable(b); err != nil {
		return err
	}
	switch b.Status {
	case domain.BuildSuccess, domain.BuildQueued, domain.BuildRunning:
		return nil
	}
	return fmt.Errorf("build %s #%d %s: %s", b.BuildTypeID, b.Number, b.Status, b.StatusText)
}

func buildRunCmd() *cobra.Command {
	var (
		checkout bool
		queuedID string
	)
	cmd := &cobra.Command{
		Use:   "run [build-type]",
		Short: "Queue a build and run it here",
		Long: `Queues a build of the given build configuration (or the only one declared),
dispatches it to the first compatible agent and runs its steps in order. With
--id an already queued build is run instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), checkout, func(ctx context.Context, e engine.Engine) error {
				if queuedID != "" {
					b, err := e.Run(ctx, queuedID)
					if err != nil {
						return err
					}
					return buildResult(b)
				}
				id, err := buildTypeArg(e, args)
				if err != nil {
					return err
				}
				b, err := e.RunBuildType(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return buildResult(b)
			})
		},
	}
	cmd.Flags().BoolVar(&checkout, "checkout", false, "clone the build's VCS root before running steps")
	cmd.Flags().StringVar(&queuedID, "id", "", "run this queued build")
	return cmd
}

func buildTriggerCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "trigger [build-type]",
		Short: "Queue a build (on --server it runs there)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c, ok := remoteClient(); ok {
				if len(args) == 0 {
					return fmt.Errorf("build type required with --server")
				}
				return triggerRemote(cmd.Context(), c, args[0], wait)
			}
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				id, err := buildTypeArg(e, args)
				if err != nil {
					return err
				}
				b, err := e.Trigger(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "with --server, wait for the build to finish")
	return cmd
}

func triggerRemote(ctx context.Context, c *buildlinesdk.Client, buildTypeID string, wait bool) error {
	b, err := c.TriggerBuild(ctx, buildTypeID, false)
	if err != nil {
		return err
	}
	if !wait {
		return printJSONOrTable(b)
	}
	detail, err := c.WaitBuild(ctx, b.ID, time.Second)
	if err != nil {
		return err
	}
	if err := printJSONOrTable(detail); err != nil {
		return err
	}
	if detail.Build.Status != domain.BuildSuccess {
		return fmt.Errorf("build %s #%d %s: %s", detail.Build.BuildTypeID, detail.Build.Number, detail.Build.Status, detail.Build.StatusText)
	}
	return nil
}

func buildListCmd() *cobra.Command {
	var f repo.BuildFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List builds, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				builds, err := e.Repo.ListBuilds(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(builds)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Build Type", "#", "Status", "Agent", "Queued", "Text"})
				for _, b := range builds {
					tw.AppendRow(table.Row{b.ID, b.BuildTypeID, b.Number, b.Status, deref(b.AgentID), b.QueuedAt, b.StatusText})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.BuildTypeID, "build-type", "", "filter by build type")
	cmd.Flags().StringVar(&f.Status, "status", "", "filter by status")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "max builds")
	return cmd
}

func buildShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <build-id>",
		Short: "Show a build and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c, ok := remoteClient(); ok {
				detail, err := c.GetBuild(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			}
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				b, steps, err := e.BuildDetails(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"build": b, "steps": steps})
				}
				fmt.Printf("%s #%d  %s  agent=%s  %s\n", b.BuildTypeID, b.Number, b.Status, deref(b.AgentID), b.StatusText)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Step", "Dir", "Command", "Status", "Exit"})
				for _, s := range steps {
					tw.AppendRow(table.Row{s.Index + 1, s.Name, s.WorkingDir, s.Command, s.Status, s.ExitCode})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func buildCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <build-id>",
		Short: "Cancel a queued build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c, ok := remoteClient(); ok {
				b, err := c.CancelBuild(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			}
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				b, err := e.Cancel(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

func buildStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count builds by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountBuildsByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Builds"})
				total := 0
				for _, status := range []string{domain.BuildQueued, domain.BuildRunning, domain.BuildSuccess, domain.BuildFailed, domain.BuildCanceled} {
					tw.AppendRow(table.Row{status, counts[status]})
					total += counts[status]
				}
				tw.AppendFooter(table.Row{"total", total})
				tw.Render()
				return nil
			})
		},
	}
}
