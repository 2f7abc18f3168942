package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/fmha/internal/api"
	"github.com/samcharles93/fmha/internal/fmha"
	"github.com/samcharles93/fmha/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the attention REST API",
		Flags: append(engineFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			settings, err := applyEngineConfig(cmd, fileConfig)
			if err != nil {
				return err
			}
			if fileConfig.ServerAddress != "" && !cmd.IsSet("addr") {
				addr = fileConfig.ServerAddress
			}

			engine := api.NewEngine(api.EngineConfig{
				Device:      settings.props,
				Kernels:     fmha.Kernels{},
				Flags:       settings.flags,
				MemoryLimit: settings.memoryLimit,
				Logger:      log,
			})
			sessions := api.NewSessionStore()
			defer sessions.Close()
			server := api.NewServer(engine, sessions)

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "device", settings.props.String())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
