package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nodewire/nodewire/config"
	"github.com/nodewire/nodewire/hub"
	"github.com/nodewire/nodewire/log"
	"github.com/nodewire/nodewire/telemetry"
	"github.com/nodewire/nodewire/transport/tcp"
	"github.com/nodewire/nodewire/wire"
)

const (
	name    = "nodewire-hub"
	version = "0.1.0"
)

func main() {
	logger := log.NewLogger("info")

	cfg, err := config.New(logger,
		config.WithPrefix("NODEWIRE_"),
		config.WithFile(os.Getenv("NODEWIRE_CONFIG")),
	)
	if err != nil {
		logger.Errorf("Cannot load config: %v", err)
		os.Exit(1)
	}
	logger = log.NewLogger(cfg.Log.Level)

	hubEp, err := wire.ParseEndpoint(cfg.Hub.Listen)
	if err != nil {
		logger.Errorf("Invalid hub.listen %q: %v", cfg.Hub.Listen, err)
		os.Exit(1)
	}

	server, err := tcp.Listen(hubEp)
	if err != nil {
		logger.Errorf("Cannot bind hub control port %s:%d: %v", hubEp.Address, hubEp.Port, err)
		os.Exit(1)
	}

	h := hub.New(server, tcp.NewClientFactory(), logger, telemetry.NoopMetrics{})

	var httpServer *http.Server
	if cfg.Hub.HTTPListen != "" {
		httpServer = &http.Server{Addr: cfg.Hub.HTTPListen, Handler: hub.NewRouter(h)}
		go func() {
			logger.Infof("Hub introspection HTTP listening on %s", cfg.Hub.HTTPListen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("Introspection server error: %v", err)
			}
		}()
	}

	stop := make(chan struct{})
	go h.Run(stop)

	logger.Infof("%s(%s) listening on %s:%d", name, version, hubEp.Address, hubEp.Port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	<-sig

	logger.Infof("Shutting down %s(%s)...", name, version)
	close(stop)
	h.Shutdown()

	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
	}
}
