package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultDBPath = "./reqflow.db"

// CLI flags
var (
	port        int
	bind        string
	allowSubnet string
	dbPath      string
	configPath  string
	verbosity   int

	// Timeout flags (advanced)
	httpTimeout      time.Duration
	websocketPing    time.Duration
	executionTimeout time.Duration
	shutdownTimeout  time.Duration
)

func main() {
	// A .env file next to the binary is optional
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "reqflow",
		Short: "Reqflow - media request fulfilment queue",
		Long: `Reqflow takes approved movie and series requests, queues them per media kind and drives each
one through an external automation service until it is fulfilled.`,
		RunE:         runServe,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", defaultDBPath, "SQLite database path (or set DB_PATH env var)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase verbosity (-v debug, -vv trace)")

	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP server port (required, or set PORT env var)")
	rootCmd.Flags().StringVarP(&bind, "bind", "b", "", "IP address to bind to (e.g., 127.0.0.1, 0.0.0.0)")
	rootCmd.Flags().StringVarP(&allowSubnet, "allow-subnet", "a", "", "CIDR subnet allowed to connect (e.g., 192.168.1.0/24)")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Optional TOML config file, watched for changes (or set REQFLOW_CONFIG env var)")

	// Advanced timeout flags
	rootCmd.Flags().DurationVar(&httpTimeout, "http-timeout", 30*time.Second, "Timeout for HTTP requests to the catalog and request tracker")
	rootCmd.Flags().DurationVar(&websocketPing, "websocket-ping", 30*time.Second, "Interval between WebSocket keepalive pings")
	rootCmd.Flags().DurationVar(&executionTimeout, "execution-timeout", 30*time.Minute, "Default bound for a single fulfilment call")
	rootCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 2*time.Minute, "How long shutdown waits for an in-flight item")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "reqflow %s (commit: %s, built: %s)\n", version, commit, date)
			},
		},
		newStatusCmd(),
		newFailedCmd(),
		newAPIKeyCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveDBPath applies the DB_PATH env var when the flag was left at its default
func resolveDBPath() string {
	if dbPath == defaultDBPath {
		if envDB := os.Getenv("DB_PATH"); envDB != "" {
			return envDB
		}
	}
	return dbPath
}

func logLevel() string {
	switch verbosity {
	case 0:
		return "info"
	case 1:
		return "debug"
	default:
		return "trace"
	}
}
