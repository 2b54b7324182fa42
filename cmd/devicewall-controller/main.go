// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command devicewall-controller runs the central policy controller: the
// ingest endpoint node agents report to, the windowed connection index,
// the violation detector and enforcement coordinator, the periodic
// scheduler, and the admin facade.
//
// Subcommands:
//
//	devicewall-controller [-config FILE]                 run the controller
//	devicewall-controller hash-credential                mint an admin credential hash
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"grimm.is/devicewall/internal/admin"
	"grimm.is/devicewall/internal/analytics"
	"grimm.is/devicewall/internal/auth"
	"grimm.is/devicewall/internal/clock"
	"grimm.is/devicewall/internal/config"
	"grimm.is/devicewall/internal/enforcement"
	"grimm.is/devicewall/internal/events"
	"grimm.is/devicewall/internal/fanout"
	"grimm.is/devicewall/internal/ingest"
	"grimm.is/devicewall/internal/limitcache"
	"grimm.is/devicewall/internal/logging"
	"grimm.is/devicewall/internal/metrics"
	"grimm.is/devicewall/internal/model"
	"grimm.is/devicewall/internal/monitor"
	"grimm.is/devicewall/internal/notification"
	"grimm.is/devicewall/internal/scheduler"
	"grimm.is/devicewall/internal/store"
	"grimm.is/devicewall/internal/subscription"
	"grimm.is/devicewall/internal/violation"
)

func main() {
	configPath := flag.String("config", "/etc/devicewall/controller.hcl", "Path to HCL config file")
	flag.Parse()

	if flag.Arg(0) == "hash-credential" {
		if err := runHashCredential(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := run(*configPath); err != nil {
		logging.Default().Error("controller exited", "error", err)
		os.Exit(1)
	}
}

// runHashCredential prompts for the admin credential, reading it from the
// terminal without echo, and prints the bcrypt hash to paste into the
// config file's admin_credential_hash field. When stdin is not a
// terminal the read fails and an error is returned.
func runHashCredential() error {
	fmt.Fprint(os.Stderr, "Admin credential: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read credential: %w", err)
	}
	hash, err := auth.HashCredential(string(raw))
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func buildLogger(lc *config.LogConfig, component string) *logging.Logger {
	cfg := logging.DefaultConfig()
	cfg.Component = component
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

// ingestSink tees accepted events into the connection index and the
// activity collector.
type ingestSink struct {
	store     *store.Store
	collector *analytics.Collector
}

func (s ingestSink) Upsert(e model.ConnectionEvent) error {
	if err := s.store.Upsert(e); err != nil {
		return err
	}
	s.collector.Record(e)
	return nil
}

// healthView answers the ingest endpoint's unauthenticated /health.
type healthView struct {
	store  *store.Store
	window time.Duration
}

func (h healthView) ConnectionCount() int {
	connections, _, err := h.store.Counts(h.window, clock.Now())
	if err != nil {
		return 0
	}
	return connections
}

func (h healthView) UserCount() int {
	_, subscribers, err := h.store.Counts(h.window, clock.Now())
	if err != nil {
		return 0
	}
	return subscribers
}

// teeNotifier fans enforcement notifications to the configured channels
// and the admin event ring.
type teeNotifier struct {
	sinks []enforcement.Notifier
}

func (t teeNotifier) SendSimple(title, message, level string) {
	for _, s := range t.sinks {
		s.SendSimple(title, message, level)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadController(configPath)
	if err != nil {
		return err
	}
	if cfg.Subscription == nil {
		return fmt.Errorf("config: subscription block is required")
	}

	logger := buildLogger(cfg.Log, "controller")
	logger.Info("starting devicewall controller",
		"listen", cfg.Listen,
		"admin_listen", cfg.AdminListen,
		"policy", cfg.SharingPolicy,
		"nodes", len(cfg.Nodes))

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "devicewall.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	activityStore, err := analytics.Open(filepath.Join(cfg.DataDir, "activity.db"))
	if err != nil {
		return err
	}
	defer activityStore.Close()
	collector := analytics.NewCollector(activityStore, time.Minute)

	reg := metrics.NewRegistry()
	enfMetrics := metrics.NewEnforcementMetrics(reg)

	subClient := subscription.New(cfg.Subscription)
	limits := limitcache.New(subClient, cfg.LimitTTL())

	registry := fanout.New(cfg.Nodes, string(cfg.Secret))
	dispatcher := notification.NewDispatcher(cfg.Notifications, logger.WithComponent("notification"))
	eventLog := events.NewLog(0)

	nodeNames := make([]string, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		nodeNames = append(nodeNames, n.Name)
	}

	coord := enforcement.New(st, subClient, registry,
		teeNotifier{sinks: []enforcement.Notifier{dispatcher, eventLog}},
		logger.WithComponent("enforcement"),
		enforcement.Config{
			DropCooldown: cfg.DropCooldown(),
			DropDuration: cfg.DropDuration(),
			DisableDura:  cfg.DisableDuration(),
			DropAllIPs:   cfg.DropAllIPs,
			NodeNames:    nodeNames,
		})
	coord.SetMetrics(enfMetrics)

	sched := scheduler.New(st, limits, coord, logger.WithComponent("scheduler"), scheduler.Config{
		IPWindow:         cfg.IPWindow(),
		ConcurrentWindow: cfg.ConcurrentWindow(),
		Grace:            cfg.Grace(),
		Policy:           violation.Policy(cfg.SharingPolicy),
		ScanInterval:     cfg.ScanInterval(),
		PruneInterval:    cfg.PruneInterval(),
		ReEnableTick:     cfg.ReEnableTick(),
	})

	ingestSrv := ingest.New(
		ingestSink{store: st, collector: collector},
		sched,
		healthView{store: st, window: cfg.IPWindow()},
		string(cfg.Secret),
		logger.WithComponent("ingest"),
		ingest.NewMetrics(reg),
		0)

	mon := monitor.NewService(logger.WithComponent("monitor"), cfg.Nodes, string(cfg.Secret), 15*time.Second)
	mon.Start()
	defer mon.Stop()

	adminSrv := admin.New(st, coord, sched, limits, mon, eventLog, activityStore, reg,
		logger.WithComponent("admin"),
		admin.Config{
			CredentialHash: string(cfg.AdminCredentialHash),
			IPWindow:       cfg.IPWindow(),
			Nodes:          cfg.Nodes,
			OnNodesChanged: func(nodes []config.Node) {
				names := make([]string, 0, len(nodes))
				for _, n := range nodes {
					names = append(names, n.Name)
				}
				registry.SetNodes(nodes)
				coord.SetNodeNames(names)
				mon.SetNodes(nodes)
			},
		})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go collector.Run(ctx, time.Minute)
	go sched.Run(ctx)
	go blockedGaugeLoop(ctx, st, enfMetrics)

	ingestHTTP := &http.Server{Addr: cfg.Listen, Handler: ingestSrv}
	adminHTTP := &http.Server{Addr: cfg.AdminListen, Handler: adminSrv}

	errCh := make(chan error, 2)
	go func() { errCh <- ingestHTTP.ListenAndServe() }()
	go func() { errCh <- adminHTTP.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		stop()
		if err != nil && err != http.ErrServerClosed {
			shutdownServers(ingestHTTP, adminHTTP)
			return err
		}
	}

	shutdownServers(ingestHTTP, adminHTTP)
	return nil
}

// blockedGaugeLoop keeps the blocked-subscriber gauge current.
func blockedGaugeLoop(ctx context.Context, st *store.Store, m *metrics.EnforcementMetrics) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if blocked, err := st.AllBlocked(); err == nil {
				m.SetBlockedSubscribers(len(blocked))
			}
		}
	}
}

func shutdownServers(servers ...*http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range servers {
		_ = s.Shutdown(shutdownCtx)
	}
}
