package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailsage/internal/app"
	"github.com/foxzi/mailsage/internal/config"
	"github.com/foxzi/mailsage/internal/db"
	apitls "github.com/foxzi/mailsage/internal/tls"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailsage",
	Short: "MailSage - email job pipeline",
	Long:  `MailSage accepts bulk send requests over HTTP and delivers them through owner SMTP accounts in background batches.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and batch workers",
	RunE:  runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start batch workers without the HTTP API",
	Long: `Start batch workers without the HTTP API.

Workers pick up pending and processing jobs that have been idle for
worker.reconcile_idle. Each process needs its own queue.path.`,
	RunE: runWorker,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runMigrate,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Stop jobs with no progress for sweep.threshold",
	RunE:  runSweep,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailsage version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd, sweepCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	return run(cmd.Context(), app.ModeServe)
}

func runWorker(cmd *cobra.Command, args []string) error {
	return run(cmd.Context(), app.ModeWorker)
}

func run(ctx context.Context, mode app.Mode) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(ctx, cfg, mode)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(ctx)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	database, err := db.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	fmt.Printf("Database is up to date (%s)\n", database.Driver())
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := app.SetupLogger(cfg.Logging)
	n, err := app.Sweep(context.Background(), cfg, logger)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	fmt.Printf("Stopped %d stale job(s)\n", n)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	redis := "in-process"
	if cfg.Redis.URL != "" {
		redis = "configured"
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  API:      %s\n", cfg.Server.ListenAddr)
	fmt.Printf("  Database: %s\n", cfg.Database.Driver)
	fmt.Printf("  Queue:    %s\n", cfg.Queue.Path)
	fmt.Printf("  Redis:    %s\n", redis)
	fmt.Printf("  API keys: %d\n", len(cfg.APIKeys))

	switch {
	case cfg.Server.TLS.ACME.Enabled:
		fmt.Printf("  TLS:      ACME for %v\n", cfg.Server.TLS.ACME.Domains)
	case cfg.Server.TLS.CertFile != "":
		info, err := apitls.ReadCertificateInfo(cfg.Server.TLS.CertFile)
		if err != nil {
			return fmt.Errorf("configuration is invalid: %w", err)
		}
		fmt.Printf("  TLS:      %s, expires %s (%d days)\n",
			info.Subject, info.NotAfter.Format("2006-01-02"), info.DaysLeft)
	default:
		fmt.Printf("  TLS:      disabled\n")
	}

	return nil
}
