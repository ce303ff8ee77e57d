package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/saltyorg/reqflow/internal/config"
	"github.com/saltyorg/reqflow/internal/database"
	"github.com/saltyorg/reqflow/internal/logging"
	"github.com/saltyorg/reqflow/internal/notification"
	"github.com/saltyorg/reqflow/internal/processor"
	"github.com/saltyorg/reqflow/internal/web"
)

// configDebounce coalesces the burst of events editors produce on save
const configDebounce = 500 * time.Millisecond

func runServe(cmd *cobra.Command, args []string) error {
	// Check for PORT env var if flag not set
	if port == 0 {
		if envPort := os.Getenv("PORT"); envPort != "" {
			if _, err := fmt.Sscanf(envPort, "%d", &port); err != nil {
				return fmt.Errorf("invalid PORT environment variable %q: %w", envPort, err)
			}
		}
	}
	if port == 0 {
		return errors.New("--port flag or PORT environment variable is required")
	}
	if configPath == "" {
		configPath = os.Getenv("REQFLOW_CONFIG")
	}
	path := resolveDBPath()

	if bind != "" {
		if ip := net.ParseIP(bind); ip == nil {
			return fmt.Errorf("invalid bind address: %s", bind)
		}
	}

	var allowedNet *net.IPNet
	if allowSubnet != "" {
		_, parsedNet, err := net.ParseCIDR(allowSubnet)
		if err != nil {
			return fmt.Errorf("invalid allow-subnet CIDR: %s", allowSubnet)
		}
		allowedNet = parsedNet
	}

	logging.ConsoleOnly(logLevel())

	config.SetGlobalTimeouts(&config.TimeoutConfig{
		HTTPClient:    httpTimeout,
		WebSocketPing: websocketPing,
		Execution:     executionTimeout,
		Shutdown:      shutdownTimeout,
	})

	// Only one instance may drive a database
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another reqflow instance is already using %s", path)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn().Err(err).Msg("Failed to release instance lock")
		}
	}()

	db, err := database.New(path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	if err := db.InitializeDefaults(); err != nil {
		return fmt.Errorf("failed to initialize default settings: %w", err)
	}

	if configPath != "" {
		f, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		keys, err := config.ApplyFile(f, db)
		if err != nil {
			return err
		}
		log.Debug().Strs("keys", keys).Msg("Applied config file")
	}

	loader := config.NewLoader(db)
	applyLogLevel(loader)
	logging.Apply(zerolog.GlobalLevel().String(), loader, logging.FilePathForDB(path))

	if (bind == "" || bind == "0.0.0.0" || bind == "::") && allowSubnet == "" {
		log.Warn().Msg("Server is accessible from all interfaces without subnet restrictions. Consider using --bind or --allow-subnet for security.")
	}

	log.Info().
		Str("version", version).
		Int("port", port).
		Str("bind", bind).
		Str("allow_subnet", allowSubnet).
		Str("database", path).
		Msg("Starting Reqflow")

	trakt := buildCatalog(db, loader)
	tracker := buildTracker(loader)
	proc := processor.New(db, trakt, tracker, buildExecutor(loader), processor.LoadConfig(loader))
	proc.SetTokenRefresher(trakt)

	notificationMgr := notification.NewManager(db)
	if err := notificationMgr.ConfigureFromSettings(loader); err != nil {
		return err
	}
	defer notificationMgr.Stop()
	if started := notificationMgr.Start(); !started {
		log.Debug().Msg("Notification manager not started (no providers configured)")
	}
	proc.SetNotifier(notificationMgr)

	server := web.NewServer(db, proc, port, bind, allowedNet)
	server.SetNotificationManager(notificationMgr)
	server.SetVersionInfo(version, commit, date)

	if err := proc.Start(); err != nil {
		return fmt.Errorf("failed to start queue processor: %w", err)
	}
	defer stopProcessor(proc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if configPath != "" {
		watcher, err := config.WatchFile(ctx, configPath, configDebounce, func(f *config.File) {
			reloadConfig(f, db, proc, notificationMgr)
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to watch config file, changes need a restart")
		} else {
			defer watcher.Close()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info().Msg("Reqflow stopped")
	return nil
}

// reloadConfig applies a changed config file. Collaborator endpoints and credentials are read
// once at startup, everything else takes effect immediately.
func reloadConfig(f *config.File, db *database.DB, proc *processor.Processor, notificationMgr *notification.Manager) {
	if _, err := config.ApplyFile(f, db); err != nil {
		log.Error().Err(err).Msg("Failed to apply reloaded config file")
		return
	}
	loader := config.NewLoader(db)
	applyLogLevel(loader)
	proc.ReloadConfig(processor.LoadConfig(loader))
	if err := notificationMgr.ConfigureFromSettings(loader); err != nil {
		log.Error().Err(err).Msg("Keeping previous webhook configuration")
	}
	notificationMgr.Start()
	log.Info().Msg("Configuration reloaded")
}

// applyLogLevel uses the stored level unless -v was given on the command line
func applyLogLevel(loader *config.Loader) {
	if verbosity > 0 {
		return
	}
	zerolog.SetGlobalLevel(logging.ParseLevel(loader.String("log.level", "info")))
}

// stopProcessor bounds shutdown by the configured timeout so a stuck execution cannot hang exit
func stopProcessor(proc *processor.Processor) {
	done := make(chan struct{})
	go func() {
		proc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(config.GetTimeouts().Shutdown):
		log.Warn().Dur("timeout", config.GetTimeouts().Shutdown).Msg("Queue processor did not stop in time")
	}
}
