package main

import (
	"context"
	"log"
	"os"
	"time"

	"pkt.systems/psi"
	"pkt.systems/pslog"

	"github.com/gurungabit/iast/broker"
	"github.com/gurungabit/iast/internal/hostsim"
)

func main() {
	psi.Run(submain)
}

// Environment:
//
//	IAST_REDIS_ADDR     required; the simulator reaches the relay only
//	                    through a shared broker
//	IAST_MASTER_SECRET  optional; enables credential unsealing for task runs
//	IAST_SHELL          optional; shell to spawn per session, default $SHELL
//	IAST_TASK_TICK      optional; per-item duration for simulated runs
//	IAST_API_URL        optional; mirror task telemetry to this server
//	IAST_ACCESS_KEY     access key for IAST_API_URL
func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	redisAddr := os.Getenv("IAST_REDIS_ADDR")
	if redisAddr == "" {
		logger.Error("IAST_REDIS_ADDR is required")
		return 1
	}
	bus := broker.NewRedis(redisAddr, logger)
	defer bus.Close()

	var reporter *hostsim.Reporter
	apiURL := os.Getenv("IAST_API_URL")
	accessKey := os.Getenv("IAST_ACCESS_KEY")
	if apiURL != "" && accessKey != "" {
		var err error
		reporter, err = hostsim.NewReporter(ctx, apiURL, accessKey, logger)
		if err != nil {
			logger.With("err", err).Error("api reporter setup failed")
			return 1
		}
		logger.Info("mirroring task telemetry to api", "url", apiURL)
	}

	var tick time.Duration
	if raw := os.Getenv("IAST_TASK_TICK"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			logger.With("err", err).Error("invalid IAST_TASK_TICK")
			return 1
		}
		tick = d
	}

	host, err := hostsim.New(hostsim.Config{
		Broker:       bus,
		Shell:        os.Getenv("IAST_SHELL"),
		MasterSecret: os.Getenv("IAST_MASTER_SECRET"),
		TaskTick:     tick,
		Reporter:     reporter,
		Logger:       logger,
	})
	if err != nil {
		logger.With("err", err).Error("failed to initialize host simulator")
		return 1
	}
	if err := host.Start(ctx); err != nil {
		logger.With("err", err).Error("failed to start host simulator")
		return 1
	}
	defer host.Close()

	<-ctx.Done()
	logger.Info("shutting down")
	return 0
}
