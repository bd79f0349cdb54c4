package cli

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Corvid-Labs/fixstream/internal/agent"
	"github.com/Corvid-Labs/fixstream/internal/config"
	"github.com/Corvid-Labs/fixstream/internal/gitx"
	"github.com/Corvid-Labs/fixstream/internal/logger"
	"github.com/Corvid-Labs/fixstream/internal/pipeline"
	"github.com/Corvid-Labs/fixstream/internal/run"
	"github.com/Corvid-Labs/fixstream/internal/server"
)

type serveFlags struct {
	port int
}

// newServeCommand creates the serve subcommand.
func newServeCommand() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the fixstream HTTP server",
		Long:  `Start the HTTP server that accepts run requests, executes the repair pipeline against cloned repositories, and streams run progress over Server-Sent Events.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}

	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "Port to listen on (overrides configuration)")

	return cmd
}

// runServe assembles the process and serves until interrupted.
func runServe(cmd *cobra.Command, flags *serveFlags) error {
	configPath, _ := cmd.Flags().GetString("config")
	logLevel, _ := cmd.Flags().GetString("log-level")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if flags.port > 0 {
		cfg.Server.Port = flags.port
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger.InitializeFromConfig(cfg)

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir %s: %w", cfg.WorkDir, err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := run.NewRegistry(cfg.Registry.ObserverBuffer)

	forks := gitx.NewForkClient(cfg.Git.APIBaseURL, cfg.Git.Host, cfg.Git.Token)
	git := gitx.New(cfg.Git, gitx.NewCommandRunner(), forks)
	agentRunner := agent.NewRunner(cfg.Agent, nil)
	orchestrator := pipeline.New(reg, git, agentRunner, cfg)

	sweeper, err := run.NewSweeper(reg, cfg.Registry.Retention, cfg.Registry.SweepInterval)
	if err != nil {
		return fmt.Errorf("failed to create sweeper: %w", err)
	}
	sweeper.Start()
	defer func() {
		if err := sweeper.Stop(); err != nil {
			logger.Errorf("Error stopping sweeper: %v", err)
		}
	}()

	srv := server.NewServer(cfg, reg, orchestrator)

	logger.Infof("Starting fixstream server on port %d", cfg.Server.Port)
	if err := srv.Start(ctx); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}
