// Package config loads the YAML configuration shared by every cmd/*
// binary, grounded on sakateka-yanet2's controlplane/pkg/yncp.Config
// and controlplane/modules/route's datasize.ByteSize-typed fields.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/cyclone-net/cyclone/internal/logging"
)

// Config is the shared top-level configuration every sample binary
// loads via Load; samples receive it as *Config and take their
// protocol-specific settings as separate arguments rather than
// redefining logging/transport knobs per binary.
type Config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`
	// ListenAddr is the "host:port" a server-side binary binds to.
	ListenAddr string `yaml:"listen_addr"`
	// ConnectAddr is the "host:port" a client-side binary connects to.
	ConnectAddr string `yaml:"connect_addr"`
	// WorkerThreads is how many reactor.WorkThread goroutines a
	// tcp.Server/udp.Server starts.
	WorkerThreads int `yaml:"worker_threads"`
	// ReadBufferSize is the file-transfer client's default fragment
	// size; connection ring buffers do not read it and grow on demand.
	ReadBufferSize datasize.ByteSize `yaml:"read_buffer_size"`
	// IdleTimeout is loaded from YAML, but nothing in this module reads
	// it: connections are never closed for inactivity.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// DefaultConfig returns the values every sample binary starts from
// absent a -config flag.
func DefaultConfig() *Config {
	return &Config{
		Logging:        logging.DefaultConfig(),
		ListenAddr:     "0.0.0.0:9000",
		WorkerThreads:  4,
		ReadBufferSize: 64 * datasize.KB,
		IdleTimeout:    0,
	}
}

// Load reads and deserializes the YAML configuration at path, starting
// from DefaultConfig so an absent field keeps its default rather than
// zeroing out.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
