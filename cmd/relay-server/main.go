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
	ConfigPath   string
	ListenAddr   string
	UpstreamAddr string
}

var rootCmd = &cobra.Command{
	Use:   "relay-server",
	Short: "Cyclone encrypted-relay sample server",
	RunE: func(*cobra.Command, []string) error {
		return run(cmd)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file")
	rootCmd.Flags().StringVarP(&cmd.ListenAddr, "listen", "l", "", "Tunnel listen address, overrides config")
	rootCmd.Flags().StringVarP(&cmd.UpstreamAddr, "upstream", "u", "", "Upstream address each session forwards to")
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
	if cmd.UpstreamAddr == "" {
		return fmt.Errorf("upstream address is required (-u)")
	}

	log, _, err := logging.Init(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Sync()

	return relay.RunServer(context.Background(), log, cfg, cmd.UpstreamAddr)
}
