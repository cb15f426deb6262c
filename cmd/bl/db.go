package main

import (
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildline/internal/db"
	"buildline/internal/migrate"
)

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Workspace store schema",
	}
	cmd.AddCommand(dbStatusCmd())
	cmd.AddCommand(dbMigrateCmd())
	return cmd
}

func dbStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx := cmd.Context()
			pending, err := migrate.Pending(ctx, conn)
			if err != nil {
				return err
			}
			applied, err := migrate.List(ctx, conn)
			if err != nil {
				return err
			}
			return printMigrations(applied, pending)
		},
	}
}

func printMigrations(applied []migrate.Applied, pending []migrate.Migration) error {
	if viper.GetBool("json") {
		names := make([]string, 0, len(pending))
		for _, m := range pending {
			names = append(names, m.Name)
		}
		return printJSON(map[string]any{"applied": applied, "pending": names})
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Version", "Name", "Applied"})
	for _, a := range applied {
		tw.AppendRow(table.Row{a.Version, a.Name, a.AppliedAt})
	}
	for _, m := range pending {
		tw.AppendRow(table.Row{m.Version, m.Name, "pending"})
	}
	tw.Render()
	return nil
}

func dbMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			v, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]int{"version": v})
		},
	}
}
