// Command applicationmaster is the process entry point: read the
// environment and staged spec files the client launcher left behind,
// wire up the orchestrator, run until shutdown, and exit.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"weave/internal/am"
	"weave/internal/common"
	"weave/internal/spec"
)

func main() {
	development := os.Getenv("WEAVE_LOG_LEVEL") == "" && os.Getenv("WEAVE_ENV") == "development"
	if err := common.InitLogger(development); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer common.Sync()
	logger := common.ComponentLogger("main")

	cfg, err := common.LoadConfig(os.Getenv("WEAVE_CONFIG_FILE"))
	if err != nil {
		logger.Error("failed to load configuration", zap.Error(err))
		os.Exit(1)
	}

	appDir := os.Getenv("WEAVE_APP_DIR")
	if appDir == "" {
		logger.Error("WEAVE_APP_DIR is required")
		os.Exit(1)
	}

	app, err := spec.Load(filepath.Join(appDir, "weave.spec.json"))
	if err != nil {
		logger.Error("failed to load application specification", zap.Error(err))
		os.Exit(1)
	}
	arguments, err := spec.LoadArguments(filepath.Join(appDir, "arguments.json"))
	if err != nil {
		logger.Error("failed to load arguments", zap.Error(err))
		os.Exit(1)
	}
	localFiles, err := spec.LoadLocalizedFiles(filepath.Join(appDir, "localizeFiles.json"))
	if err != nil {
		logger.Error("failed to load localized files list", zap.Error(err))
		os.Exit(1)
	}
	jvmOpts, err := spec.LoadJVMOpts(filepath.Join(appDir, "jvm.opts"))
	if err != nil {
		logger.Error("failed to load jvm opts", zap.Error(err))
		os.Exit(1)
	}
	logbackTemplate, err := spec.LoadLogbackTemplate(filepath.Join(appDir, "logback-template.xml"))
	if err != nil {
		logger.Error("failed to load logback template", zap.Error(err))
		os.Exit(1)
	}

	amCfg := am.Config{
		App:             app,
		Arguments:       arguments,
		LocalFiles:      localFiles,
		JVMOpts:         jvmOpts,
		LogbackTemplate: logbackTemplate,

		AppID:         yarnAppID(),
		AMHost:        containerHost(),
		AMRPCPort:     0,
		AMContainerID: os.Getenv("YARN_CONTAINER_ID"),
		AMVCores:      int32(envInt("YARN_CONTAINER_VCORES", 1)),
		AMMemoryMB:    int64(envInt("YARN_CONTAINER_MEMORY_MB", 512)),

		CredentialsPath: filepath.Join(appDir, "credentials.json"),

		ZKConnect:        envOr("WEAVE_ZK_CONNECT", cfg.ZKConnect),
		ZKSessionTimeout: cfg.ZKSessionTimeout,
		ZKRoot:           zkRoot(),

		RMAddress: cfg.RMAddress,

		LogBrokerAddress: envOr("WEAVE_LOG_KAFKA_ZK", cfg.LogBrokerZKPath),

		TrackerBindHost: trackerBindHost(cfg.TrackerBindAddress),

		ProvisionTickInterval: cfg.ProvisionTickInterval,
		DefaultTimeout:        cfg.DefaultTimeout,
		DrainTimeout:          cfg.DrainTimeout,
	}

	logger.Info("starting application master",
		zap.String("appId", amCfg.AppID),
		zap.String("runId", os.Getenv("WEAVE_APP_RUN_ID")),
		zap.String("rmAddress", amCfg.RMAddress),
		zap.String("zkConnect", amCfg.ZKConnect))

	service := am.New(amCfg)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()
	if err := service.Start(startCtx); err != nil {
		logger.Error("application master failed to start", zap.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := service.Run(ctx); err != nil {
		logger.Error("application master exited with error", zap.Error(err))
	}

	logger.Info("application master exited cleanly")
}

func yarnAppID() string {
	appID := os.Getenv("YARN_APP_ID")
	clusterTime := os.Getenv("YARN_APP_ID_CLUSTER_TIME")
	if clusterTime == "" {
		return appID
	}
	return clusterTime + "_" + appID
}

func containerHost() string {
	if h := os.Getenv("YARN_CONTAINER_HOST"); h != "" {
		return h
	}
	host, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return host
}

func zkRoot() string {
	runID := os.Getenv("WEAVE_APP_RUN_ID")
	if runID == "" {
		return "/weave"
	}
	return "/weave/" + runID
}

func trackerBindHost(bindAddress string) string {
	host, _, err := net.SplitHostPort(bindAddress)
	if err != nil {
		return bindAddress
	}
	return host
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}
