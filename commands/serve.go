package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opsloop/runnerpool/internal/config"
	"github.com/opsloop/runnerpool/internal/logging"
	"github.com/opsloop/runnerpool/internal/server"
)

var configPath string

// serveCmd represents the serve command (default when no subcommand is given)
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the runner pool reconciliation server",
	Long: `Start the reconciliation server that drives every configured runner
pool: it ticks the hosted CI service for runner status, applies the
pool sizing policy, and provisions or tears down microVMs accordingly.

The server provides:
- a push-update webhook and drain trigger
- a read-only pool/runner status API
- a Prometheus metrics endpoint`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Also make serve the default command when no subcommand is given
	rootCmd.RunE = runServe

	serveCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/runnerpool/config.yaml", "Path to configuration file")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/runnerpool/config.yaml", "Path to configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	bootLog := logrus.New()
	bootLog.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(configPath)
	if err != nil {
		bootLog.Fatalf("Failed to load configuration: %v", err)
	}

	log := logging.New(cfg.LogLevel)

	log.Infof("Starting runnerpoolctl %s", Version)
	log.Infof("Loaded configuration from %s", configPath)
	log.Infof("Organization: %s", cfg.GitHubOrganization)
	log.Infof("Cloud backend: %s, hosted CI: %s, store: %s", cfg.Cloud, cfg.HostedCI, cfg.StoreKind)
	log.Infof("Configured pools: %d", len(cfg.RunnerPool))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Infof("Received signal %v, initiating shutdown...", sig)
		cancel()
	}()

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Run(ctx); err != nil {
		log.Errorf("Server error: %v", err)
		return err
	}

	log.Info("runnerpoolctl shutdown complete")
	return nil
}
