package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fentz26/fleet/internal/client"
	"github.com/fentz26/fleet/internal/config"
	"github.com/fentz26/fleet/internal/controlplane"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fleet",
	Short: "fleet - distributed task control plane",
	Long: `fleet dispatches queued tasks to remote machines, relays their live output
to a chat surface, and runs bounded subagent work under per-profile limits.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if apiAddr != "" {
			cfg.Client.API = apiAddr
		}
		if apiToken != "" {
			cfg.Client.Token = apiToken
		}
		logger = newLogger(cfg.Logging)
		slog.SetDefault(logger)
		return nil
	},
}

var (
	configPath string
	apiAddr    string
	apiToken   string

	cfg    *config.Config
	logger *slog.Logger
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.config/fleet/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "Daemon API address (default from config, http://127.0.0.1:7466)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "Bearer token for the daemon API")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(machineCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the fleet version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("fleet", controlplane.Version)
	},
}

// newLogger builds the process logger. Logs go to stderr so command output
// on stdout stays scriptable.
func newLogger(lc config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// newClient returns an API client for the configured daemon.
func newClient() *client.Client {
	return client.New(cfg.Client.API, client.WithToken(cfg.Client.Token))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorMark(), err)
		os.Exit(1)
	}
}
