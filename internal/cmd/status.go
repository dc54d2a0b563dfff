package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/unibos-labs/unibos-node/internal/utils"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running node's status",
	Long:  "Query the running node's HTTP API and print its status as JSON",
	Args:  cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		pidManager, err := utils.NewPIDManager(config)
		if err != nil {
			fmt.Printf("Failed to create PID manager: %v\n", err)
			os.Exit(1)
		}

		pid, err := pidManager.ReadPID()
		if err != nil || !pidManager.IsProcessRunning(pid) {
			fmt.Println("UNIBOS node is not running")
			os.Exit(1)
		}

		client := &http.Client{Timeout: 5 * time.Second}

		// The node may have fallen back from the primary API port
		ports := append(
			[]string{config.GetConfigWithDefault("api_port", "8000")},
			splitPorts(config.GetConfigWithDefault("api_fallback_ports", "8080,8081"))...,
		)

		for _, port := range ports {
			resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%s/api/node/status", port))
			if err != nil {
				continue
			}
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil || resp.StatusCode != http.StatusOK {
				continue
			}

			fmt.Printf("UNIBOS node is running (PID: %d, API port %s)\n", pid, port)
			fmt.Println(string(body))
			return
		}

		fmt.Printf("UNIBOS node is running (PID: %d) but its API is not responding\n", pid)
		os.Exit(1)
	},
}

func splitPorts(list string) []string {
	var out []string
	for _, part := range strings.Split(list, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
