package main

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/oshpc/laasd/pkg/allocator"
	"github.com/oshpc/laasd/pkg/api"
	"github.com/oshpc/laasd/pkg/cobbler"
	"github.com/oshpc/laasd/pkg/config"
	"github.com/oshpc/laasd/pkg/fabric"
	"github.com/oshpc/laasd/pkg/ledger"
	"github.com/oshpc/laasd/pkg/log"
	"github.com/oshpc/laasd/pkg/mailbox"
	"github.com/oshpc/laasd/pkg/mailbox/httpapi"
	"github.com/oshpc/laasd/pkg/metrics"
	"github.com/oshpc/laasd/pkg/notify"
	"github.com/oshpc/laasd/pkg/provisioning"
	"github.com/oshpc/laasd/pkg/provisioning/hostmgmt"
	"github.com/oshpc/laasd/pkg/reconciler"
	"github.com/oshpc/laasd/pkg/security"
	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/taskrun"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "laasd",
	Short: "laasd - bare-metal lab reservation and provisioning daemon",
	Long: `laasd reserves and provisions bare-metal hosts out of a
statically or dynamically defined lab inventory, driving each
allocation through power control, network fabric configuration, and
netinstall to a bootable, reachable instance.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("laasd version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(inventoryCmd)
	rootCmd.AddCommand(migrateCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Manage lab inventory",
}

var inventoryApplyCmd = &cobra.Command{
	Use:   "apply PATH",
	Short: "Load an inventory document into the store, without starting the daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		db, err := storage.Open(dataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer db.Close()

		if err := config.LoadInventoryFile(db, args[0]); err != nil {
			return fmt.Errorf("apply inventory: %w", err)
		}
		fmt.Printf("inventory %s applied to %s\n", args[0], dataDir)
		return nil
	},
}

func init() {
	inventoryCmd.AddCommand(inventoryApplyCmd)
	inventoryApplyCmd.Flags().String("data-dir", "/var/lib/laasd", "Directory holding laasd's bbolt store")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending, additive schema migrations to the store",
	Long: `migrate runs every registered migration newer than the store's
recorded schema version. serve already does this automatically on
every startup; this subcommand exists to run it (and inspect what's
pending) without starting the daemon, e.g. before an upgrade.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetString("backup")

		applied, err := storage.Migrate(dataDir, dryRun, backup)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		if len(applied) == 0 {
			fmt.Println("schema already up to date")
			return nil
		}
		verb := "applied"
		if dryRun {
			verb = "pending"
		}
		for _, m := range applied {
			fmt.Printf("%s: %03d %s\n", verb, m.Version, m.Description)
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().String("data-dir", "/var/lib/laasd", "Directory holding laasd's bbolt store")
	migrateCmd.Flags().Bool("dry-run", false, "List pending migrations without applying them")
	migrateCmd.Flags().String("backup", "", "Backup file path (default: <data-dir>/laasd.db.backup)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the laasd daemon: scheduler, reconciler, and HTTP servers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "/etc/laasd/config.yaml", "Path to laasd's settings document")
	serveCmd.Flags().String("data-dir", "/var/lib/laasd", "Directory holding laasd's bbolt store")
	serveCmd.Flags().String("inventory", "", "Optional inventory document to apply at startup before serving")
	serveCmd.Flags().String("node-id", "laasd-0", "Ledger raft node id (single-voter, see pkg/ledger)")
	serveCmd.Flags().String("ledger-bind-addr", "127.0.0.1:9210", "Ledger raft transport bind address")
	serveCmd.Flags().String("api-addr", ":8080", "Dashboard HTTP API bind address")
	serveCmd.Flags().String("mailbox-addr", ":8081", "Host-callback mailbox HTTP bind address")
	serveCmd.Flags().Int("host-os-port", 0, "Override the port DeployHost dials to check OS reachability (0 keeps the default of 22)")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	inventoryPath, _ := cmd.Flags().GetString("inventory")
	nodeID, _ := cmd.Flags().GetString("node-id")
	ledgerBindAddr, _ := cmd.Flags().GetString("ledger-bind-addr")
	apiAddr, _ := cmd.Flags().GetString("api-addr")
	mailboxAddr, _ := cmd.Flags().GetString("mailbox-addr")
	hostOSPort, _ := cmd.Flags().GetInt("host-os-port")

	logger := log.WithComponent("laasd")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := initSecretsManager(); err != nil {
		return fmt.Errorf("init secrets manager: %w", err)
	}

	db, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	logger.Info().Str("data_dir", dataDir).Msg("store opened")

	if inventoryPath != "" {
		if err := config.LoadInventoryFile(db, inventoryPath); err != nil {
			return fmt.Errorf("apply inventory %s: %w", inventoryPath, err)
		}
		logger.Info().Str("path", inventoryPath).Msg("inventory applied")
	}

	alloc := allocator.New(db)
	mb := mailbox.New()
	fabricConfigurator := fabric.New(db, fabric.Registry{})
	grub := cobbler.NewGrubPusher()
	hostMgmt := hostmgmt.NewDispatcher(nil)

	installer := provisioning.InstallerConfig{
		MailboxExternalURL: cfg.Mailbox.ExternalURL,
		SSH: cobbler.SSHConfig{
			Address:           cfg.Cobbler.SSH.Address,
			Port:              cfg.Cobbler.SSH.Port,
			User:              cfg.Cobbler.SSH.User,
			Password:          cfg.Cobbler.SSH.Password,
			WritableDirectory: cfg.Cobbler.SSH.WritableDirectory,
			SystemDirectory:   cfg.Cobbler.SSH.SystemDirectory,
		},
	}
	rt := provisioning.NewRuntime(db, alloc, hostMgmt, mb, fabricConfigurator, grub, installer)

	scheduler := taskrun.New(db)

	ledgerLog := ledger.New(ledger.Config{NodeID: nodeID, BindAddr: ledgerBindAddr, DataDir: dataDir})
	if err := ledgerLog.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap ledger: %w", err)
	}
	scheduler.SetTargetRecorder(ledgerLog)
	logger.Info().Str("bind_addr", ledgerBindAddr).Msg("ledger bootstrapped")

	scheduler.Start()
	if err := scheduler.ResumeTargets(); err != nil {
		logger.Error().Err(err).Msg("resume targets failed")
	}
	logger.Info().Msg("scheduler started")

	orch := provisioning.NewOrchestrator(db, rt, scheduler)
	orch.HostOSPort = hostOSPort

	if cfg.Dev.Status {
		if err := orch.ReserveUnlistedHosts(cfg.Dev.Hosts); err != nil {
			logger.Error().Err(err).Msg("dev-mode host reservation failed")
		} else {
			logger.Info().Strs("kept_free", cfg.Dev.Hosts).Msg("dev mode: unlisted hosts reserved")
		}
	}

	recon := reconciler.NewReconciler(db, orch, scheduler)
	recon.Start()
	logger.Info().Msg("reconciler started")

	collector := metrics.NewCollector(db)
	collector.Start()
	logger.Info().Msg("metrics collector started")

	var metricsServer *http.Server
	if cfg.MetricsEnabled() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.URL, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		logger.Info().Str("addr", cfg.Metrics.URL).Msg("metrics endpoint listening")
	}

	var sender notify.Sender = notify.LogSender{}
	notifier := notify.New(cfg.Notifications.TemplatesDirectory, sender, cfg.Notifications.AdminSendToEmail)

	apiServer := api.New(orch, notifier)
	apiErrCh := make(chan error, 1)
	go func() {
		if err := apiServer.ListenAndServe(apiAddr); err != nil && err != http.ErrServerClosed {
			apiErrCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	logger.Info().Str("addr", apiAddr).Msg("dashboard API listening")

	cloudInit := provisioning.NewCloudInitResolver(db, rt)
	mailboxServer := httpapi.New(db, mb, cloudInit)
	mailboxErrCh := make(chan error, 1)
	go func() {
		if err := mailboxServer.ListenAndServe(mailboxAddr); err != nil && err != http.ErrServerClosed {
			mailboxErrCh <- fmt.Errorf("mailbox server: %w", err)
		}
	}()
	logger.Info().Str("addr", mailboxAddr).Msg("mailbox callback listener listening")

	logger.Info().Msg("laasd is running, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-apiErrCh:
		logger.Error().Err(err).Msg("shutting down after API server error")
	case err := <-mailboxErrCh:
		logger.Error().Err(err).Msg("shutting down after mailbox server error")
	}

	recon.Stop()
	collector.Stop()
	scheduler.Stop()
	if metricsServer != nil {
		_ = metricsServer.Close()
	}
	if err := ledgerLog.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("ledger shutdown error")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// initSecretsManager seeds pkg/security's process-wide encryption key
// from LAASD_SECRETS_KEY, the passphrase behind the key that
// security.Encrypt and security.Decrypt use. There is no key-management library
// anywhere in the pack to ground a KMS/vault integration on, so this
// stays a single SHA-256 derivation exactly like
// security.NewSecretsManagerFromPassword already does internally.
func initSecretsManager() error {
	passphrase := os.Getenv("LAASD_SECRETS_KEY")
	if passphrase == "" {
		passphrase = "laasd-dev-insecure-default-key"
		log.WithComponent("laasd").Warn().Msg("LAASD_SECRETS_KEY not set, using an insecure default; set it in production")
	}
	key := sha256.Sum256([]byte(passphrase))
	return security.SetInstanceEncryptionKey(key[:])
}
