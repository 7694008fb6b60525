package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sovereignd/config"
	"sovereignd/constitution"
	"sovereignd/observability/logging"
	"sovereignd/observability/otel"
	"sovereignd/runtime"
)

const serviceName = "sovereignd"

// Exit codes. Death and constitutional violations are deliberately distinct
// from ordinary failures so supervisors can tell them apart.
const (
	exitOK        = 0
	exitFailure   = 1
	exitDead      = 2
	exitViolation = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "./sovereignd.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("SOVEREIGND_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		return exitFailure
	}
	if env == "" {
		env = cfg.Environment
	}

	var logger *slog.Logger
	if cfg.LogDir != "" {
		logger = logging.SetupWithDir(serviceName, env, cfg.LogDir)
	} else {
		logger = logging.Setup(serviceName, env)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: serviceName,
			Environment: env,
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    cfg.TelemetryInsecure,
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			logger.Error("telemetry init failed", "error", err)
			return exitFailure
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("telemetry shutdown dirty", "error", err)
			}
		}()
	}

	rt, err := runtime.New(cfg, logger)
	if err != nil {
		var violation *constitution.Violation
		if errors.As(err, &violation) {
			logger.Error("constitutional violation at boot", "law", violation.Law, "error", err)
			return exitViolation
		}
		logger.Error("boot failed", "error", err)
		return exitFailure
	}
	defer rt.Close()

	err = rt.Run(ctx)
	switch {
	case err == nil:
		logger.Info("graceful shutdown")
		return exitOK
	case errors.Is(err, runtime.ErrAgentDead):
		logger.Error("agent is dead", "cause", rt.Vault().DeathCause())
		return exitDead
	default:
		var violation *constitution.Violation
		if errors.As(err, &violation) {
			logger.Error("constitutional violation", "law", violation.Law, "error", err)
			return exitViolation
		}
		logger.Error("runtime failed", "error", err)
		return exitFailure
	}
}
