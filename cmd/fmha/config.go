package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/fmha/internal/config"
	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/logger"
	"github.com/samcharles93/fmha/internal/tensor"
)

// fileConfig is the config file loaded by setup.
var fileConfig config.File

// setup loads the config file and installs the logger in the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	path := configFile
	if path == "" {
		path = config.DefaultPath()
	}
	f, err := config.Load(path)
	if err != nil {
		return ctx, err
	}
	fileConfig = f

	if f.LogLevel != "" && !cmd.IsSet("log-level") {
		logLevel = f.LogLevel
	}
	if f.LogFormat != "" && !cmd.IsSet("log-format") {
		logFormat = f.LogFormat
	}
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	log, err := logger.Open(logFormat, os.Stderr, level)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}

// engineSettings is the resolved device-side configuration of a command.
type engineSettings struct {
	props       device.Properties
	dtype       tensor.DType
	memoryLimit int64
	flags       config.Flags
}

// applyEngineConfig applies config file defaults to engine flags that
// were not set on the command line, then layers the environment and the
// explicit switches over the file's kernel flags.
func applyEngineConfig(c *cli.Command, cfg config.File) (engineSettings, error) {
	if cfg.Device != "" && !c.IsSet("device") {
		deviceName = cfg.Device
	}
	if cfg.Precision != "" && !c.IsSet("precision") {
		precision = cfg.Precision
	}
	if cfg.MemoryLimit != nil && !c.IsSet("memory-limit") {
		memoryLimit = *cfg.MemoryLimit
	}

	props, err := device.Lookup(deviceName)
	if err != nil {
		return engineSettings{}, err
	}
	dt, err := tensor.ParseDType(precision)
	if err != nil {
		return engineSettings{}, err
	}
	if !dt.IsFloat() {
		return engineSettings{}, fmt.Errorf("precision %v is not a float type", dt)
	}
	if memoryLimit < 0 {
		return engineSettings{}, fmt.Errorf("memory limit must not be negative, got %d", memoryLimit)
	}

	flags := config.Resolve(cfg, os.Getenv)
	if c.IsSet("disable-fused") {
		flags.DisableFusedAttention = disableFused
	}
	if c.IsSet("flash") {
		flags.EnableFlashAttention = enableFlash
	}
	return engineSettings{
		props:       props,
		dtype:       dt,
		memoryLimit: memoryLimit,
		flags:       flags,
	}, nil
}
