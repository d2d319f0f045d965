// QueueBridge CLI
//
// A queue-management appliance bridging soft clients (WebSocket/TCP
// sessions) and hard counter keypads (RS232/RS485) into one token
// queue.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orbitsq/queuebridge/pkg/api/rest"
	"github.com/orbitsq/queuebridge/pkg/config"
	"github.com/orbitsq/queuebridge/pkg/core"
	"github.com/orbitsq/queuebridge/pkg/logger"
)

var (
	version   = "1.0.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

var (
	cfgFile    string
	verbose    bool
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "queuebridge",
		Short: "QueueBridge - Queue Management Appliance",
		Long: `QueueBridge serves ticket dispensers, counter terminals and wall
displays over a single WebSocket/TCP port, and drives hard counter
keypads over serial lines, all against one token queue.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(
		newStartCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newStartCmd creates the start command.
func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the QueueBridge appliance",
		Long:  "Start the session server, serial manager and status API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}
}

// runStart starts the appliance.
func runStart() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Apply command line flag overrides
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Logging.Format = "json"
	}

	app, err := core.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println("Starting QueueBridge...")
	if err := app.Start(); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	var apiServer *rest.Server
	if cfg.API.Enabled {
		apiServer = rest.NewServer(app, logger.Global())
		if err := apiServer.Start(); err != nil {
			_ = app.Stop()
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	fmt.Println("QueueBridge is running. Press Ctrl+C to stop.")

	<-sigCh
	fmt.Println("\nShutting down...")

	if apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiServer.Stop(ctx); err != nil {
			fmt.Printf("Error stopping API server: %v\n", err)
		}
		cancel()
	}

	if err := app.Stop(); err != nil {
		return fmt.Errorf("failed to stop: %w", err)
	}

	fmt.Println("QueueBridge stopped.")
	return nil
}

// newStatusCmd creates the status command. It queries the status API of
// a running appliance.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show appliance status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/status", cfg.API.Port)
			client := &http.Client{Timeout: 2 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				fmt.Println("Appliance Status:")
				fmt.Println("  State: not running")
				fmt.Println("\nUse 'queuebridge start' to start the appliance.")
				return nil
			}
			defer resp.Body.Close()

			var st core.Status
			if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
				return fmt.Errorf("failed to decode status: %w", err)
			}

			if jsonOutput {
				out, _ := json.MarshalIndent(st, "", "  ")
				fmt.Println(string(out))
				return nil
			}

			fmt.Println("Appliance Status:")
			fmt.Printf("  Running:           %v\n", st.Running)
			fmt.Printf("  Uptime:            %s\n", st.Uptime)
			fmt.Printf("  Connected clients: %d\n", len(st.ConnectedClients))
			fmt.Printf("  Serial devices:    %d\n", len(st.SerialDevices))
			fmt.Printf("  Mapped keypads:    %d\n", st.MappedKeypads)
			return nil
		},
	}
}

// newVersionCmd creates the version command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("QueueBridge %s\n", version)
			fmt.Printf("  Commit:  %s\n", gitCommit)
			fmt.Printf("  Built:   %s\n", buildTime)
		},
	}
}
