package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildline/internal/agents"
	"buildline/internal/engine"
	buildlinesdk "buildline/sdk/go"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage the agent pool",
		Long:  "Agents are capability profiles. The agent name also fills the teamcity.agent.name and cloud.amazon.agent-name-prefix params used by requirements.",
	}
	cmd.AddCommand(agentAddCmd())
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentToggleCmd("enable", true))
	cmd.AddCommand(agentToggleCmd("disable", false))
	cmd.AddCommand(agentCheckCmd())
	return cmd
}

func agentAddCmd() *cobra.Command {
	var (
		opts   engine.AgentOptions
		params []string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			opts.Params = p
			opts.ActorID = viper.GetString("actor-id")
			if c, ok := remoteClient(); ok {
				a, err := c.RegisterAgent(cmd.Context(), buildlinesdk.Agent{
					ID: opts.ID, Name: opts.Name, MemoryMB: opts.MemoryMB, OS: opts.OS, Params: opts.Params,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			}
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				a, err := e.RegisterAgent(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "agent id (default: name)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "agent name, e.g. Ubuntu-20.04-large")
	cmd.Flags().IntVar(&opts.MemoryMB, "memory", 0, "hardware memory in MB")
	cmd.Flags().StringVar(&opts.OS, "os", "", "operating system name")
	cmd.Flags().StringArrayVar(&params, "param", nil, "extra agent param key=value (repeatable)")
	cmd.Flags().BoolVar(&opts.Disabled, "disabled", false, "register disabled")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents in registration order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c, ok := remoteClient(); ok {
				items, err := c.ListAgents(cmd.Context())
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			}
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAgents(ctx, false)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Memory MB", "OS", "Enabled", "Params"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Name, a.MemoryMB, a.OS, a.Enabled, formatParams(a.Params)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func agentToggleCmd(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <agent-id>",
		Short: fmt.Sprintf("%s an agent for dispatch", verb),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				a, err := e.SetAgentEnabled(ctx, args[0], enabled, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func agentCheckCmd() *cobra.Command {
	var buildType string
	cmd := &cobra.Command{
		Use:   "check [agent-id]",
		Short: "Evaluate agents against a build configuration's requirements",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				btID := buildType
				if btID == "" {
					bt, err := e.DefaultBuildType()
					if err != nil {
						return err
					}
					btID = bt.ID()
				}
				var results []agents.Compatibility
				if len(args) == 1 {
					c, err := e.CheckAgent(ctx, btID, args[0])
					if err != nil {
						return err
					}
					results = []agents.Compatibility{c}
				} else {
					all, err := e.Compatibility(ctx, btID)
					if err != nil {
						return err
					}
					results = all
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Agent", "Compatible", "Unmet"})
				for _, c := range results {
					unmet := ""
					for i, u := range c.Result.Unmet {
						if i > 0 {
							unmet += "\n"
						}
						unmet += u.Requirement.String() + ": " + u.Reason
					}
					tw.AppendRow(table.Row{c.Agent.Name, c.Result.Satisfied, unmet})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&buildType, "build-type", "", "build configuration id (default: the only one declared)")
	return cmd
}
