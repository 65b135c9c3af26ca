package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cyclone-net/cyclone/internal/config"
	"github.com/cyclone-net/cyclone/internal/logging"
	"github.com/cyclone-net/cyclone/samples/pingpong"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	ConfigPath  string
	ConnectAddr string
	Raw         bool
	Rounds      int
}

var rootCmd = &cobra.Command{
	Use:   "pingpong-client",
	Short: "Cyclone reliable-UDP ping-pong sample client",
	RunE: func(*cobra.Command, []string) error {
		return run(cmd)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file")
	rootCmd.Flags().StringVarP(&cmd.ConnectAddr, "connect", "d", "", "Address to connect to, overrides config")
	rootCmd.Flags().BoolVar(&cmd.Raw, "raw", false, "Use mode 0: raw unreliable UDP datagrams instead of udp.Connection")
	rootCmd.Flags().IntVarP(&cmd.Rounds, "rounds", "n", 10, "Number of ping/pong round trips to perform")
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

	mode := pingpong.ModeReliable
	if cmd.Raw {
		mode = pingpong.ModeRaw
	}

	return pingpong.RunClient(context.Background(), log, cfg, mode, cmd.Rounds)
}
