// Command server runs the model orchestrator: it supervises launch-script
// backends, proxies OpenAI-compatible traffic to them, and keeps the usage
// ledger.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fairyhunter13/llm-manager/internal/adapter/device"
	"github.com/fairyhunter13/llm-manager/internal/adapter/httpserver"
	"github.com/fairyhunter13/llm-manager/internal/adapter/iface"
	"github.com/fairyhunter13/llm-manager/internal/adapter/ledger/sqlite"
	"github.com/fairyhunter13/llm-manager/internal/adapter/proc"
	"github.com/fairyhunter13/llm-manager/internal/app"
	"github.com/fairyhunter13/llm-manager/internal/config"
	"github.com/fairyhunter13/llm-manager/internal/controller"
	"github.com/fairyhunter13/llm-manager/internal/domain"
	"github.com/fairyhunter13/llm-manager/internal/observability"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	cfgMgr, err := config.NewManager(cfg.ConfigPath)
	if err != nil {
		return err
	}

	plugins := []domain.DevicePlugin{device.NewCPU()}
	plugins = append(plugins, device.DiscoverNvidia()...)
	devices := device.NewRegistry(plugins...)
	logger.Info("devices discovered", slog.Int("count", len(plugins)))

	ifaces := iface.NewRegistry()
	sup := proc.NewSupervisor(logger)
	defer sup.Close()

	store, err := sqlite.Open(filepath.Join(cfg.DataDir, "monitoring.db"), cfgMgr.ModelNames(), logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	if err := store.ProgramStart(context.Background(), nowSec()); err != nil {
		logger.Warn("program runtime not recorded", slog.Any("error", err))
	}

	ctrl := controller.New(logger, cfgMgr, devices, ifaces, sup, store, cfg.HealthCheckTimeout)
	sup.SetExitHandler(ctrl.HandleProcessExit)

	proxy := httpserver.NewProxy(logger, cfgMgr, ctrl, ifaces, store, cfg.UpstreamConnectTimeout, cfg.UpstreamRequestTimeout)
	srv := httpserver.NewServer(cfgMgr, ctrl, devices)
	handler := app.NewRouter(cfg, srv, proxy)

	prog := cfgMgr.Program()
	host := prog.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := prog.Port
	if port == 0 {
		port = 8000
	}
	server := &http.Server{
		Addr:              host + ":" + strconv.Itoa(port),
		Handler:           handler,
		ReadHeaderTimeout: cfg.HTTPReadHeaderTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl.StartAutoStart(rootCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-rootCtx.Done():
	}
	logger.Info("shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", slog.Any("error", err))
	}

	ctrl.UnloadAll()
	ctrl.Close()
	// Anything the controller no longer tracks still gets torn down.
	sup.StopAll(cfg.ServerShutdownTimeout)
	proxy.CloseIdleConnections()
	if err := store.ProgramEnd(context.Background(), nowSec()); err != nil {
		logger.Warn("program runtime not closed", slog.Any("error", err))
	}
	logger.Info("shutdown complete")
	return nil
}

func nowSec() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
