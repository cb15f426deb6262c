package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/list"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildline/internal/app"
	"buildline/internal/model"
	"buildline/internal/settings"
)

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect the pipeline declaration",
		Long:  "The declaration is read from --settings, then buildline.hcl or buildline.yml in the workspace, then the built-in default.",
	}
	cmd.AddCommand(settingsShowCmd())
	cmd.AddCommand(settingsValidateCmd())
	cmd.AddCommand(settingsTreeCmd())
	cmd.AddCommand(settingsInitCmd())
	return cmd
}

func loadSettings() (*settings.Settings, error) {
	return app.LoadSettings(appOptions(false))
}

func settingsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective declaration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(s)
			}
			out, err := s.YAML()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func settingsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate and compile the declaration",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			project, err := s.Compile()
			if err != nil {
				return err
			}
			bts := project.AllBuildTypes()
			if viper.GetBool("json") {
				ids := make([]string, 0, len(bts))
				for _, bt := range bts {
					ids = append(ids, bt.ID())
				}
				return printJSON(map[string]any{"valid": true, "build_types": ids})
			}
			fmt.Printf("settings OK: %d build type(s)\n", len(bts))
			return nil
		},
	}
}

func settingsTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Show the project tree with build configurations and steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			project, err := s.Compile()
			if err != nil {
				return err
			}
			lw := list.NewWriter()
			lw.SetStyle(list.StyleConnectedRounded)
			appendProject(lw, project)
			fmt.Println(lw.Render())
			return nil
		},
	}
}

func appendProject(lw list.Writer, p *model.Project) {
	lw.AppendItem(fmt.Sprintf("%s (%s)", p.Name(), p.ID()))
	lw.Indent()
	for _, bt := range p.BuildTypes() {
		lw.AppendItem(fmt.Sprintf("[build] %s (%s)", bt.Name(), bt.ID()))
		lw.Indent()
		for i, st := range bt.Steps() {
			lw.AppendItem(fmt.Sprintf("%d. %s: %s", i+1, st.Name, st.Script))
		}
		for _, r := range bt.Requirements() {
			lw.AppendItem("requires " + r.String())
		}
		lw.UnIndent()
	}
	for _, sp := range p.Subprojects() {
		appendProject(lw, sp)
	}
	lw.UnIndent()
}

func settingsInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the built-in declaration to buildline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("settings")
			if path == "" {
				path = filepath.Join(viper.GetString("workspace"), "buildline.yml")
			}
			if !strings.HasSuffix(path, ".yml") && !strings.HasSuffix(path, ".yaml") {
				return fmt.Errorf("init writes YAML; %s is not a .yml file", path)
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(settings.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return printJSONOrTable(map[string]string{"written": path})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
