package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/unibos-labs/unibos-node/internal/core"
	"github.com/unibos-labs/unibos-node/internal/database"
	"github.com/unibos-labs/unibos-node/internal/sync"
	"github.com/unibos-labs/unibos-node/internal/utils"
	"github.com/unibos-labs/unibos-node/internal/workers"
)

var (
	configPath string
	hubMode    bool

	config     *utils.ConfigManager
	logger     *utils.LogsManager
	dbManager  *database.SQLiteManager
	workerPool *workers.WorkerPool
	manager    *core.Manager
	syncEngine *sync.Engine
)

var rootCmd = &cobra.Command{
	Use:   "unibos-node",
	Short: "UNIBOS Mesh Node",
	Long: `A UNIBOS mesh node: discovers peers on the local network via mDNS,
maintains authenticated WebSocket connections to them, and syncs data
with a central hub.

With --hub the same binary additionally serves the hub-side node
registry, message relay and sync engine.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config = utils.NewConfigManager(configPath)

		if hubMode {
			config.SetConfig("hub_mode", true)
		}

		logger = utils.NewLogsManager(config)

		// Stop and status only need config and logging
		cmdName := cmd.Name()
		if cmdName == "stop" || cmdName == "stop-node" || cmdName == "kill" || cmdName == "status" {
			return
		}

		var err error
		dbManager, err = database.NewSQLiteManager(config, logger)
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to initialize database: %v", err), "cli")
			os.Exit(1)
		}

		workerPool = workers.NewWorkerPool(cmd.Context(), config.GetConfigInt("worker_pool_size", 4, 1, 64), logger)

		manager = core.NewManager(config, logger, dbManager, workerPool)

		if config.GetConfigBool("hub_mode", false) {
			syncEngine = sync.NewEngine(config, logger, dbManager)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&hubMode, "hub", false, "run as hub: serve the node registry, relay and sync engine")
}
