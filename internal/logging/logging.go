// Package logging wires up the process-wide zap logger, grounded on
// sakateka-yanet2's common/go/logging.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Config is the configuration for the logging subsystem.
type Config struct {
	// Level is the logging level.
	Level zapcore.Level `yaml:"level"`
}

// DefaultConfig returns the level cyclone binaries start at absent a
// config override.
func DefaultConfig() Config {
	return Config{Level: zapcore.InfoLevel}
}

// Init builds the process logger. Output goes to stderr so a binary's
// stdout stays free for the sample protocol's own traffic (e.g. the
// filetransfer sample's progress line); color-coded level tags are used
// only when stderr is an actual terminal.
func Init(cfg Config) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()

	if term.IsTerminal(int(os.Stderr.Fd())) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(cfg.Level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("logging: initialize logger: %w", err)
	}

	return logger.Sugar(), zcfg.Level, nil
}
