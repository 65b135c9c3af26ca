package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cyclone-net/cyclone/internal/config"
	"github.com/cyclone-net/cyclone/internal/logging"
	"github.com/cyclone-net/cyclone/samples/relay"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	ConfigPath  string
	ListenAddr  string
	ConnectAddr string
}

var rootCmd = &cobra.Command{
	Use:   "relay-local",
	Short: "Cyclone encrypted-relay sample local-side proxy",
	RunE: func(*cobra.Command, []string) error {
		return run(cmd)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file")
	rootCmd.Flags().StringVarP(&cmd.ListenAddr, "listen", "l", "", "Local application listen address, overrides config")
	rootCmd.Flags().StringVarP(&cmd.ConnectAddr, "connect", "d", "", "relay-server tunnel address, overrides config")
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
	if cmd.ListenAddr != "" {
		cfg.ListenAddr = cmd.ListenAddr
	}
	if cmd.ConnectAddr != "" {
		cfg.ConnectAddr = cmd.ConnectAddr
	}
	if cfg.ConnectAddr == "" {
		return fmt.Errorf("tunnel connect address is required (-d or config connect_addr)")
	}

	log, _, err := logging.Init(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Sync()

	return relay.RunLocal(context.Background(), log, cfg)
}
