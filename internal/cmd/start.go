package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/unibos-labs/unibos-node/internal/api"
	"github.com/unibos-labs/unibos-node/internal/core"
	"github.com/unibos-labs/unibos-node/internal/sync"
	"github.com/unibos-labs/unibos-node/internal/utils"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the UNIBOS node",
	Long: `Start the UNIBOS node.

This will:
- Advertise this node via mDNS and browse for peers
- Start the WebSocket transport for peer connections
- Announce to the configured hub and sync its node registry
- Serve the HTTP API (plus registry, relay and sync engine in hub mode)`,
	Run: func(cmd *cobra.Command, args []string) {
		logger.Info("Starting UNIBOS node...", "cli")

		pidManager, err := utils.NewPIDManager(config)
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to create PID manager: %v", err), "cli")
			os.Exit(1)
		}

		if existingPID, err := pidManager.ReadPID(); err == nil {
			if pidManager.IsProcessRunning(existingPID) {
				fmt.Printf("Another instance is already running with PID: %d\n", existingPID)
				fmt.Println("Use 'unibos-node stop' to stop the existing instance first")
				os.Exit(1)
			}
			pidManager.RemovePIDFile()
		}

		currentPID := os.Getpid()
		if err := pidManager.WritePID(currentPID); err != nil {
			logger.Error(fmt.Sprintf("Failed to write PID file: %v", err), "cli")
			os.Exit(1)
		}
		defer func() {
			if err := pidManager.RemovePIDFile(); err != nil {
				logger.Warn(fmt.Sprintf("Failed to remove PID file: %v", err), "cli")
			}
		}()

		logger.Info(fmt.Sprintf("Node started with PID: %d", currentPID), "cli")

		workerPool.Start()

		if err := manager.Start(); err != nil {
			logger.Error(fmt.Sprintf("Failed to start manager: %v", err), "cli")
			os.Exit(1)
		}

		// Offline queue dispatcher retries relay messages the hub missed
		dispatcher := sync.NewDispatcher(cmd.Context(), config, logger, dbManager.Offline, workerPool)
		dispatcher.RegisterHandler(core.OpRelayMessage, manager.RetryRelay)
		dispatcher.Start()

		apiServer := api.NewAPIServer(config, logger, manager, dbManager, syncEngine)
		if err := apiServer.Start(); err != nil {
			logger.Error(fmt.Sprintf("Failed to start API server: %v", err), "cli")
			manager.Stop()
			os.Exit(1)
		}

		logger.Info(fmt.Sprintf("Node %s is up (API port %s)", manager.NodeID(), apiServer.GetPort()), "cli")
		fmt.Println("UNIBOS node is running. Press Ctrl+C to stop.")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		cleanup := func() {
			logger.Info("Shutdown signal received, stopping node...", "cli")

			dispatcher.Stop()

			if err := apiServer.Stop(); err != nil {
				logger.Error(fmt.Sprintf("Error stopping API server: %v", err), "cli")
			}

			manager.Stop()
			workerPool.Stop()

			if err := dbManager.Close(); err != nil {
				logger.Error(fmt.Sprintf("Error closing database: %v", err), "cli")
			}

			if err := pidManager.RemovePIDFile(); err != nil {
				logger.Warn(fmt.Sprintf("Failed to remove PID file: %v", err), "cli")
			}

			logger.Info("UNIBOS node stopped successfully", "cli")
		}

		go func() {
			<-sigChan
			cleanup()
			os.Exit(0)
		}()

		done := make(chan bool)
		<-done
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
