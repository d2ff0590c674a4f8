package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/fleet/internal/audit"
	"github.com/fentz26/fleet/internal/chat"
	"github.com/fentz26/fleet/internal/config"
	"github.com/fentz26/fleet/internal/connectors"
	"github.com/fentz26/fleet/internal/connectors/anthropic"
	"github.com/fentz26/fleet/internal/connectors/localexec"
	"github.com/fentz26/fleet/internal/controlplane"
	"github.com/fentz26/fleet/internal/dispatcher"
	"github.com/fentz26/fleet/internal/relay"
	"github.com/fentz26/fleet/internal/store"
	"github.com/fentz26/fleet/internal/subagent"
	"github.com/spf13/cobra"
)

var (
	listenAddr string
	dbPath     string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the fleet daemon",
	Long: `Starts the control plane: the HTTP API, the dispatcher, the streaming relay
and the subagent manager, all sharing one SQLite database.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (default server.addr)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (default server.db_path)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if listenAddr != "" {
		cfg.Server.Addr = listenAddr
	}
	if dbPath != "" {
		cfg.Server.DBPath = dbPath
	}
	logger.Info("starting fleet daemon", "addr", cfg.Server.Addr, "db", cfg.Server.DBPath, "version", controlplane.Version)
	if cfg.Server.Token == "" && !isLoopback(cfg.Server.Addr) {
		logger.Warn("API is reachable from the network without a token; set server.token")
	}

	s, err := store.New(cfg.Server.DBPath)
	if err != nil {
		return err
	}
	pdr := audit.NewPDRWriter(s)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	rel := relay.New(newSurface(cfg.Telegram), relay.Config{
		FlushInterval: cfg.Relay.FlushInterval,
		MaxChunk:      cfg.Relay.MaxChunk,
		InputTTL:      cfg.Relay.InputTTL,
	}, relay.WithLogger(logger.With("component", "relay")), relay.WithTitler(taskTitler(s)))

	profiles, err := loadProfiles(cfg.Subagent.ProfilesFile)
	if err != nil {
		s.Close()
		return err
	}
	profileSet := subagent.NewProfileSet(profiles)
	mgr := subagent.NewManager(s, profileSet, newRegistry(runCtx, cfg), subagent.Config{
		PollInterval: cfg.Subagent.PollInterval,
		PurgeGrace:   cfg.Subagent.PurgeGrace,
		MaxParallel:  cfg.Subagent.MaxParallel,
	}, subagent.WithLogger(logger.With("component", "subagent")), subagent.WithPDR(pdr))

	service := controlplane.NewService(s, pdr, rel, mgr, controlplane.Config{
		MaxBudget:  cfg.Tasks.MaxBudget,
		StaleAfter: cfg.Dispatcher.StaleAfter,
	}, controlplane.WithLogger(logger), controlplane.WithCompletionNotifier(controlplane.LogCompletionNotifier{Logger: logger}))

	disp := dispatcher.New(s, pdr, dispatcher.Config{
		Interval:              cfg.Dispatcher.Interval,
		StaleAfter:            cfg.Dispatcher.StaleAfter,
		UnplacedAlertAfter:    cfg.Dispatcher.UnplacedAlertAfter,
		StaleRunningAfter:     cfg.Dispatcher.StaleRunningAfter,
		StaleRunningFailAfter: cfg.Dispatcher.StaleRunningFailAfter,
		StrictAffinity:        cfg.Dispatcher.StrictAffinity,
	},
		dispatcher.WithLogger(logger.With("component", "dispatcher")),
		dispatcher.WithAlerter(dispatcher.NewLogAlerter(logger)),
		dispatcher.WithFailer(service),
	)

	server := controlplane.NewServer(service, cfg.Server.Addr, cfg.Server.Token, logger)

	rel.Start(runCtx)
	mgr.Start(runCtx)
	disp.Start(runCtx)
	if cfg.Subagent.ProfilesFile != "" {
		if err := subagent.WatchProfiles(runCtx, cfg.Subagent.ProfilesFile, profileSet, logger); err != nil {
			logger.Warn("profile hot reload disabled", "error", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", "error", err)
			runErr = err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", "error", err)
	}
	disp.Stop()
	mgr.Stop()
	rel.Stop()
	cancelRun()

	if err := s.Close(); err != nil {
		logger.Warn("database close error", "error", err)
	}
	logger.Info("shutdown complete")
	return runErr
}

// newSurface picks Telegram when a bot token and chat are configured and
// falls back to logging stream output.
func newSurface(tc config.TelegramConfig) chat.Surface {
	if tc.BotToken == "" || tc.ChatID == 0 {
		logger.Info("no telegram bot configured, stream output goes to the log")
		return chat.NewLogSurface(logger.With("component", "chat"))
	}
	var opts []chat.TelegramOption
	if tc.BaseURL != "" {
		opts = append(opts, chat.WithBaseURL(tc.BaseURL))
	}
	logger.Info("relaying stream output to telegram", "chat_id", tc.ChatID)
	return chat.NewTelegramSurface(tc.BotToken, tc.ChatID, opts...)
}

// taskTitler names chat topics after the task's project and description.
func taskTitler(s *store.Store) relay.Titler {
	return func(ctx context.Context, taskID string) string {
		task, err := s.GetTask(ctx, taskID)
		if err != nil {
			return "task " + truncateID(taskID)
		}
		return fmt.Sprintf("[%s] %s", task.Project, truncate(task.Description, 60))
	}
}

func loadProfiles(path string) (map[string]subagent.Profile, error) {
	if path == "" {
		return subagent.DefaultProfiles(), nil
	}
	profiles, err := subagent.LoadProfiles(path)
	if err != nil {
		return nil, fmt.Errorf("load subagent profiles: %w", err)
	}
	return profiles, nil
}

// newRegistry registers localexec always and anthropic when credentials are
// configured.
func newRegistry(ctx context.Context, c *config.Config) *connectors.Registry {
	workDir := c.Subagent.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	registry := connectors.NewRegistry(localexec.New(workDir))

	ac := c.Anthropic
	if ac.APIKey == "" && !ac.UseBedrock {
		logger.Debug("anthropic mode disabled: no API key")
		return registry
	}
	conn, err := anthropic.New(ctx, anthropic.Config{
		APIKey:       ac.APIKey,
		DefaultModel: ac.DefaultModel,
		MaxTokens:    ac.MaxTokens,
		UseBedrock:   ac.UseBedrock,
		AWSRegion:    ac.AWSRegion,
		AWSProfile:   ac.AWSProfile,
		BaseURL:      ac.BaseURL,
	})
	if err != nil {
		logger.Warn("anthropic mode disabled", "error", err)
		return registry
	}
	registry.Register(conn)
	logger.Info("execution modes available", slog.Any("modes", registry.Names()))
	return registry
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
