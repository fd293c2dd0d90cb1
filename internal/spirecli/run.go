package spirecli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/pterx/spire/internal/metrics"
	"github.com/pterx/spire/internal/spireadmin"
	"github.com/pterx/spire/internal/spirebreaker"
	"github.com/pterx/spire/internal/spireconfig"
	"github.com/pterx/spire/internal/spirecontrol"
	"github.com/pterx/spire/internal/spiredispatch"
	"github.com/pterx/spire/internal/spirehealth"
	"github.com/pterx/spire/internal/spirelisten"
	"github.com/pterx/spire/internal/spirelog"
	"github.com/pterx/spire/internal/spiremiddleware"
	"github.com/pterx/spire/internal/spireproxy"
	"github.com/pterx/spire/internal/spireratelimit"
	"github.com/pterx/spire/internal/spiretls"
)

// configFileEnv is the environment variable fallback for -f when unset,
// mirroring the teacher's CADDY_CONFIG-style env fallbacks in cmd/commands.go.
const configFileEnv = "CONFIG_FILE_PATH"

func newRunCommand() *command {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	configPath := fs.StringP("config", "f", "", "path to the YAML route config (default: $CONFIG_FILE_PATH)")
	adminAddr := fs.String("admin", "127.0.0.1:2021", "admin API listen address")
	logLevel := fs.String("log-level", "info", "debug|info|warn|error")
	logFile := fs.String("log-file", "", "optional rotated log file path")
	acmeEmail := fs.String("acme-email", "", "contact email for ACME certificate issuance")
	watch := fs.Bool("watch", true, "hot-reload the config file on change")

	return &command{
		Name:  "run",
		Usage: "spire run -f <path>",
		Short: "Runs the proxy in the foreground, blocking until terminated",
		Flags: fs,
		Run: func([]string) error {
			return runMain(runOptions{
				configPath: resolveConfigPath(*configPath),
				adminAddr:  *adminAddr,
				logLevel:   *logLevel,
				logFile:    *logFile,
				acmeEmail:  *acmeEmail,
				watch:      *watch,
			})
		},
	}
}

func resolveConfigPath(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	return os.Getenv(configFileEnv)
}

type runOptions struct {
	configPath string
	adminAddr  string
	logLevel   string
	logFile    string
	acmeEmail  string
	watch      bool
}

func runMain(opts runOptions) error {
	if opts.configPath == "" {
		return fmt.Errorf("no config file given: pass -f or set %s", configFileEnv)
	}

	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintln(os.Stderr, "spire: automaxprocs: "+err.Error())
	}

	logger, err := spirelog.New(spirelog.Config{Level: opts.logLevel, File: opts.logFile})
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer logger.Sync()

	table, err := spireconfig.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	reg := prometheus.NewRegistry()
	metricSet := metrics.NewSet(reg)

	store := &spireproxy.Store{}
	health := spirehealth.NewRegistry(10 * time.Minute)
	health.SetOnTransition(func(endpoint string, state spirehealth.State) {
		v := 0.0
		if state != spirehealth.StateUnhealthy {
			v = 1
		}
		metricSet.EndpointHealthy.WithLabelValues(endpoint).Set(v)
	})
	breakers := spirebreaker.NewRegistry(func(endpoint string, from, to spirebreaker.Phase) {
		metricSet.BreakerState.WithLabelValues(endpoint).Set(metrics.BreakerPhaseValue(to.String()))
		logger.Info("breaker transition", zap.String("endpoint", endpoint), zap.String("from", from.String()), zap.String("to", to.String()))
	})
	dispatcher := spiredispatch.NewDispatcher(health, breakers, metricSet)
	limiter := spireratelimit.NewLimiter()
	builder := spiremiddleware.NewBuilder(limiter, func(routeID string) {
		metricSet.RateLimitedTotal.WithLabelValues(routeID).Inc()
	})

	var certs *spiretls.Manager
	if opts.acmeEmail != "" && hasTLSDomains(table) {
		certs, err = spiretls.NewManager(opts.acmeEmail, nil)
		if err != nil {
			return fmt.Errorf("setting up TLS manager: %w", err)
		}
	}

	var certResolver spiretls.CertResolver
	if certs != nil {
		certResolver = certs
	}
	listenMgr := spirelisten.NewManager(store, dispatcher, builder, certResolver, metricSet, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := spirecontrol.NewBus(ctx, store, listenMgr, health, certs, logger)
	if err := bus.Publish(table); err != nil {
		return fmt.Errorf("publishing initial config: %w", err)
	}

	admin := spireadmin.NewServer(store, bus, reg, logger)
	adminLn, err := net.Listen("tcp", opts.adminAddr)
	if err != nil {
		return fmt.Errorf("binding admin listener: %w", err)
	}
	adminSrv := &http.Server{Handler: admin.Handler()}
	go func() {
		if err := adminSrv.Serve(adminLn); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server stopped", zap.Error(err))
		}
	}()
	logger.Info("admin API listening", zap.String("addr", opts.adminAddr))

	if opts.watch {
		watcher, err := spireconfig.NewWatcher(opts.configPath)
		if err != nil {
			return fmt.Errorf("starting config watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("watching config file: %w", err)
		}
		go watchLoop(ctx, watcher, bus, logger)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), spirelisten.ShutdownGrace)
	defer shutdownCancel()
	adminSrv.Shutdown(shutdownCtx)
	listenMgr.Shutdown(spirelisten.ShutdownGrace)

	return nil
}

func watchLoop(ctx context.Context, w *spireconfig.Watcher, bus *spirecontrol.Bus, logger *zap.Logger) {
	for {
		select {
		case change, ok := <-w.Changes:
			if !ok {
				return
			}
			if err := bus.Publish(change.Table); err != nil {
				logger.Error("publishing reloaded config", zap.Error(err))
				continue
			}
			logger.Info("reloaded config from file change")
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Error("config file watch error", zap.Error(err))
		case <-ctx.Done():
			return
		}
	}
}

func hasTLSDomains(table *spireproxy.RouteTable) bool {
	for _, s := range table.Servers {
		if len(s.TLSDomains) > 0 {
			return true
		}
	}
	return false
}
