// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command devicewall-agent runs on each VPN node: it tails the access
// log, uploads parsed connection reports to the controller, and serves
// the control endpoint the controller drives firewall drops through.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/devicewall/internal/agentserver"
	"grimm.is/devicewall/internal/config"
	"grimm.is/devicewall/internal/firewall"
	"grimm.is/devicewall/internal/ingestclient"
	"grimm.is/devicewall/internal/logging"
	"grimm.is/devicewall/internal/metrics"
	"grimm.is/devicewall/internal/tailer"
	"grimm.is/devicewall/internal/uploader"
)

func main() {
	configPath := flag.String("config", "/etc/devicewall/agent.hcl", "Path to HCL config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logging.Default().Error("agent exited", "error", err)
		os.Exit(1)
	}
}

func buildLogger(lc *config.LogConfig) *logging.Logger {
	cfg := logging.DefaultConfig()
	cfg.Component = "agent"
	if lc != nil {
		cfg.Level = logging.ParseLevel(lc.Level)
		if lc.Syslog != nil {
			cfg.Syslog.Enabled = lc.Syslog.Enabled
			cfg.Syslog.Host = lc.Syslog.Host
			if lc.Syslog.Port != 0 {
				cfg.Syslog.Port = lc.Syslog.Port
			}
			if lc.Syslog.Protocol != "" {
				cfg.Syslog.Protocol = lc.Syslog.Protocol
			}
		}
	}
	return logging.New(cfg)
}

func run(configPath string) error {
	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg.Log)
	agentID := uuid.NewString()
	logger.Info("starting devicewall agent",
		"node", cfg.Name,
		"agent_id", agentID,
		"log_path", cfg.LogPath,
		"controller", cfg.ControllerURL,
		"upload_mode", cfg.UploadMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	agentMetrics := metrics.NewAgentMetrics(reg)

	var exec firewall.Executor
	nft, err := firewall.NewNFTExecutor(logger.WithComponent("firewall"))
	if err != nil {
		// Dev machines and non-Linux builds keep the full pipeline
		// running against the in-memory backend; drops are recorded
		// but not enforced at the kernel.
		logger.Warn("nftables backend unavailable, using in-memory executor", "error", err)
		exec = firewall.NewFakeExecutor()
	} else {
		exec = nft
	}

	guard := firewall.NewGuard(ctx, exec,
		time.Duration(cfg.TTLSweepIntervalSeconds)*time.Second,
		logger.WithComponent("firewall"))
	defer guard.Close()

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "devicewall_agent_installed_rules",
		Help: "Firewall rules currently installed by this agent.",
	}, func() float64 { return float64(guard.InstalledRules()) }))

	var offsets *tailer.OffsetStore
	if cfg.OffsetFile != "" {
		offsets = tailer.NewOffsetStore(cfg.OffsetFile)
	}
	tail := tailer.New(cfg.LogPath, 100*time.Millisecond, offsets,
		logger.WithComponent("tailer"), agentMetrics)

	poster := ingestclient.New(cfg.ControllerURL, cfg.Name, string(cfg.Secret),
		&http.Client{Timeout: time.Duration(cfg.UploadTimeoutMS) * time.Millisecond})
	pipeline := uploader.New(poster, uploader.Config{
		Mode:          uploader.Mode(cfg.UploadMode),
		QueueCapacity: cfg.QueueCapacity,
		BatchSize:     cfg.BatchSize,
		BatchInterval: time.Duration(cfg.BatchIntervalMS) * time.Millisecond,
		PostTimeout:   time.Duration(cfg.UploadTimeoutMS) * time.Millisecond,
	}, logger.WithComponent("uploader"), agentMetrics)

	control := agentserver.New(guard, string(cfg.Secret), agentID, cfg.Name,
		logger.WithComponent("control"), agentserver.NewMetrics(reg))

	httpMux := http.NewServeMux()
	httpMux.Handle("/metrics", metrics.Handler(reg))
	httpMux.Handle("/", control)
	httpServer := &http.Server{Addr: cfg.Listen, Handler: httpMux}

	go pipeline.Run(ctx)
	go func() {
		if err := tail.Run(ctx, pipeline.Enqueue); err != nil && ctx.Err() == nil {
			logger.Error("tailer stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		stop()
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	return nil
}
