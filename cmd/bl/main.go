package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildline/internal/app"
	"buildline/internal/engine"
	"buildline/internal/runner"
	buildlinesdk "buildline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "buildline CLI",
	Long: `buildline runs pipeline declarations: a project tree of build configurations,
each an ordered list of shell steps gated by agent requirements.

- Settings: buildline.yml or buildline.hcl in the workspace; the built-in
  dex-operator declaration is used when neither exists.
- Agents: capability profiles (name, memory, params). A build runs on the first
  enabled agent that meets every requirement of its build configuration.
- Builds: queued -> running -> success | failed, or canceled while queued. The
  first step that exits non-zero fails the build.
- Event log: every change is recorded; view with 'bl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(viper.GetString("log-level"))
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BUILDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.StringP("settings", "s", "", "settings file (default: buildline.hcl or buildline.yml in the workspace)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("server", "", "buildline API URL; commands that support it act remotely")
	flags.String("token", "", "bearer token for --server")
	for _, name := range []string{"workspace", "settings", "json", "actor-id", "log-level", "server", "token"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(settingsCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(buildCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(dbCmd())
}

func setupLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return nil
}

func appOptions(checkout bool) app.Options {
	return app.Options{
		Workspace:    viper.GetString("workspace"),
		SettingsPath: viper.GetString("settings"),
		Checkout:     checkout,
	}
}

// withEngine loads the workspace and hands fn an engine whose step output
// goes to stdout, or stderr when printing JSON.
func withEngine(ctx context.Context, checkout bool, fn func(context.Context, engine.Engine) error) error {
	ac, err := app.Load(ctx, appOptions(checkout))
	if err != nil {
		return err
	}
	defer ac.Close()
	logger := log.StandardLogger()
	e := ac.Engine(logger, nil)
	sr := runner.NewShellRunner(logger)
	sr.Output = os.Stdout
	if viper.GetBool("json") {
		sr.Output = os.Stderr
	}
	e.Runner = sr
	return fn(ctx, e)
}

func remoteClient() (*buildlinesdk.Client, bool) {
	url := viper.GetString("server")
	if url == "" {
		return nil, false
	}
	c := buildlinesdk.New(url)
	c.ActorID = viper.GetString("actor-id")
	c.BearerToken = viper.GetString("token")
	return c, true
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseParams turns repeated key=value flags into a map.
func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid param %q; want key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func formatParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, " ")
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
