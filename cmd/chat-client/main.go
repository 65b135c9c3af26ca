package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cyclone-net/cyclone/internal/config"
	"github.com/cyclone-net/cyclone/internal/logging"
	"github.com/cyclone-net/cyclone/samples/chat"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	ConfigPath  string
	ConnectAddr string
}

var rootCmd = &cobra.Command{
	Use:   "chat-client",
	Short: "Cyclone broadcast-chat sample client",
	RunE: func(*cobra.Command, []string) error {
		return run(cmd)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file")
	rootCmd.Flags().StringVarP(&cmd.ConnectAddr, "connect", "d", "", "Address to connect to, overrides config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("ERROR:", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg := config.DefaultConfig()
	if cmd.ConfigPath != "" {
		var err error
		cfg, err = config.Load(cmd.ConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if cmd.ConnectAddr != "" {
		cfg.ConnectAddr = cmd.ConnectAddr
	}
	if cfg.ConnectAddr == "" {
		return fmt.Errorf("connect address is required (-d or config connect_addr)")
	}

	log, _, err := logging.Init(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Sync()

	return chat.RunClient(context.Background(), log, cfg)
}
