package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"

	"github.com/edge-retail/gateway/internal/auth"
	"github.com/edge-retail/gateway/internal/config"
	"github.com/edge-retail/gateway/internal/forecast"
	"github.com/edge-retail/gateway/internal/gateway"
	"github.com/edge-retail/gateway/internal/hub"
	"github.com/edge-retail/gateway/internal/store"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
}

var cmdArgs cliArgs

func main() {
	app := &cli.App{
		Name:        "gatewayd",
		Usage:       "real-time retail gateway",
		Description: "Token-gated inventory and forecast API with a WebSocket broadcast hub",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Destination: &cmdArgs.JSONLog,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "info",
				Destination: &cmdArgs.LogLevel,
			},
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use defaults and GATEWAY_* env if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Destination: &cmdArgs.ConfigFile,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func setupLogging() {
	var level slog.Level
	switch cmdArgs.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cmdArgs.JSONLog {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(_ *cli.Context) error {
	if err := validator.New().Struct(&cmdArgs); err != nil {
		return fmt.Errorf("invalid command line arguments: %w", err)
	}
	setupLogging()

	cfg, err := config.Load(cmdArgs.ConfigFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.OpenDB(cfg.Auth.StorePath)
	if err != nil {
		return fmt.Errorf("opening principal store %s: %w", cfg.Auth.StorePath, err)
	}
	defer db.Close()

	principals, err := store.NewPrincipalStore(db, store.WithHashCost(cfg.Auth.HashCost))
	if err != nil {
		return err
	}
	seeds := make([]store.Seed, 0, len(cfg.Auth.Principals))
	for _, p := range cfg.Auth.Principals {
		seeds = append(seeds, store.Seed{Subject: p.Username, Secret: p.Password, Role: auth.Role(p.Role)})
	}
	if err := principals.Seed(seeds); err != nil {
		return fmt.Errorf("seeding principals: %w", err)
	}
	count, err := principals.Count()
	if err != nil {
		return fmt.Errorf("counting principals: %w", err)
	}
	slog.Info("principal store ready", "path", cfg.Auth.StorePath, "principals", count)

	gate, err := auth.NewGate(auth.GateConfig{
		Secret: []byte(cfg.Auth.SigningSecret),
		TTL:    time.Duration(cfg.Auth.TokenTTL) * time.Minute,
		Store:  principals,
	})
	if err != nil {
		return err
	}

	forecaster, err := forecast.NewClient(forecast.ClientConfig{
		Endpoint: cfg.Forecast.Endpoint,
		Timeout:  config.Seconds(cfg.Forecast.Timeout),
	})
	if err != nil {
		return err
	}

	h := hub.NewHub()

	srv, err := gateway.NewServer(gateway.Options{
		Hub:        h,
		Gate:       gate,
		Forecaster: forecaster,
		Session: hub.SessionConfig{
			SendBuffer:   cfg.Session.SendBuffer,
			PingInterval: config.Seconds(cfg.Session.PingInterval),
			IdleTimeout:  config.Seconds(cfg.Session.IdleTimeout),
			WriteTimeout: config.Seconds(cfg.Session.WriteTimeout),
			ReadLimit:    cfg.Session.ReadLimit,
		},
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		CORSMaxAge:     config.Seconds(cfg.CORS.MaxAge),
		LoginRate:      rate.Limit(cfg.Auth.LoginRate),
		LoginBurst:     cfg.Auth.LoginBurst,
	})
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Handler:      srv.Routes(),
		ReadTimeout:  config.Seconds(cfg.Server.ReadTimeout),
		WriteTimeout: config.Seconds(cfg.Server.WriteTimeout),
		IdleTimeout:  config.Seconds(cfg.Server.IdleTimeout),
	}
	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Addr(), err)
	}
	return serve(ctx, ln, httpSrv, h, config.Seconds(cfg.Server.ShutdownTimeout))
}

// serve runs h and httpSrv until ctx ends or the server fails. The hub
// outlives the HTTP drain so in-flight handlers can still publish; it stops
// once Shutdown returns, closing the remaining sessions.
func serve(ctx context.Context, ln net.Listener, httpSrv *http.Server, h *hub.Hub, shutdownTimeout time.Duration) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer func() {
		stopHub()
		<-h.Done()
	}()
	go h.Run(hubCtx)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("gateway starting", "addr", ln.Addr().String())
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}
	slog.Info("shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("gateway stopped")
	return nil
}
