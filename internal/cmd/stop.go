package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/unibos-labs/unibos-node/internal/utils"
)

var stopCmd = &cobra.Command{
	Use:     "stop",
	Aliases: []string{"stop-node", "kill"},
	Short:   "Stop the running UNIBOS node",
	Long:    "Stop the running UNIBOS node by sending a graceful termination signal",
	Args:    cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		pidManager, err := utils.NewPIDManager(config)
		if err != nil {
			msg := fmt.Sprintf("Failed to create PID manager: %v", err)
			fmt.Println(msg)
			logger.Error(msg, "stop")
			os.Exit(1)
		}

		pid, err := pidManager.ReadPID()
		if err != nil {
			msg := fmt.Sprintf("Failed to read PID: %v", err)
			fmt.Println(msg)
			logger.Error(msg, "stop")
			os.Exit(1)
		}

		fmt.Printf("Found running node with PID: %d\n", pid)

		if !pidManager.IsProcessRunning(pid) {
			msg := fmt.Sprintf("Process with PID %d is not running", pid)
			fmt.Println(msg)
			logger.Warn(msg, "stop")

			if err := pidManager.RemovePIDFile(); err != nil {
				fmt.Printf("Warning: Failed to remove stale PID file: %v\n", err)
			} else {
				fmt.Println("Removed stale PID file")
			}
			os.Exit(0)
		}

		fmt.Printf("Stopping UNIBOS node (PID: %d)...\n", pid)
		if err := pidManager.StopProcess(pid); err != nil {
			msg := fmt.Sprintf("Failed to stop process: %v", err)
			fmt.Println(msg)
			logger.Error(msg, "stop")
			os.Exit(1)
		}

		if err := pidManager.RemovePIDFile(); err != nil {
			fmt.Printf("Warning: Failed to remove PID file: %v\n", err)
		}

		msg := "UNIBOS node stopped successfully"
		fmt.Println(msg)
		logger.Info(msg, "stop")
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
