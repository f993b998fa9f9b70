package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	clientcmd "github.com/arccode/instalog/internal/cmd/client"
	serverrun "github.com/arccode/instalog/internal/cmd/server"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "instalog",
		Short: "Instalog event pipeline CLI",
		Long:  "Instalog collects, buffers and forwards events. This CLI runs a node and administers a running one.",
	}

	nodeCmd := &cobra.Command{Use: "node", Short: "Node commands"}
	nodeStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start an instalog node",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			logLevel, _ := cmd.Flags().GetString("log-level")
			if err := serverrun.Run(context.Background(), serverrun.Options{
				ConfigPath: configPath,
				LogLevel:   logLevel,
			}); err != nil {
				return fmt.Errorf("node error: %w", err)
			}
			return nil
		},
	}
	nodeStartCmd.Flags().String("config", "", "Path to the node config file")
	nodeStartCmd.Flags().String("log-level", os.Getenv("INSTALOG_LOG_LEVEL"), "Log level: debug|info|warn|error")
	nodeCmd.AddCommand(nodeStartCmd)
	rootCmd.AddCommand(nodeCmd)

	var rpcAddr string
	rootCmd.PersistentFlags().StringVar(&rpcAddr, "rpc", "", "Admin API address of a running node (overrides INSTALOG_CLI_ADDR)")
	clientcmd.Register(rootCmd, func() string { return apiURL(rpcAddr) })

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// apiURL resolves the admin API endpoint from the --rpc flag, then
// INSTALOG_CLI_ADDR, then the default loopback address.
func apiURL(flagAddr string) string {
	addr := flagAddr
	if addr == "" {
		addr = os.Getenv("INSTALOG_CLI_ADDR")
	}
	if addr == "" {
		addr = "127.0.0.1:7000"
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return addr
}
