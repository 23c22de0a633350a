// filemanager server
//
// Serves folder and file operations over one configured storage disk
// (local, smb, memory, s3 or minio) with Prometheus metrics and structured
// logging.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/filemanager/internal/api"
	"github.com/fruitsalade/filemanager/internal/config"
	"github.com/fruitsalade/filemanager/internal/filemanager"
	"github.com/fruitsalade/filemanager/internal/links"
	"github.com/fruitsalade/filemanager/internal/logging"
	"github.com/fruitsalade/filemanager/internal/metrics"
	"github.com/fruitsalade/filemanager/internal/storage/drivers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(cfg.LogConfig()); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("filemanager starting",
		zap.String("listen", cfg.Server.ListenAddr),
		zap.String("metrics", cfg.Server.MetricsAddr),
		zap.String("disk", cfg.DefaultDisk))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := drivers.Default()
	driver, settings, err := cfg.Disk(cfg.DefaultDisk)
	if err != nil {
		logging.Fatal("disk configuration failed", zap.Error(err))
	}
	backend, err := registry.Open(ctx, driver, settings)
	if err != nil {
		logging.Fatal("storage backend failed",
			zap.String("driver", driver),
			zap.Strings("supported", registry.Drivers()),
			zap.Error(err))
	}
	defer backend.Close()
	logging.Info("storage backend ready", zap.String("driver", backend.Type()))

	opts, err := cfg.ServiceOptions()
	if err != nil {
		logging.Fatal("invalid service options", zap.Error(err))
	}
	service, err := filemanager.New(backend, opts)
	if err != nil {
		logging.Fatal("service init failed", zap.Error(err))
	}

	secret := cfg.Links.Secret
	if secret == "" {
		secret = randomSecret()
		logging.Warn("no link secret configured, temporary links will not survive a restart")
	}
	signer, err := links.NewSigner(secret)
	if err != nil {
		logging.Fatal("link signer init failed", zap.Error(err))
	}

	srv := api.NewServer(service, signer, api.Options{
		Disk:           cfg.DefaultDisk,
		LinkTTL:        cfg.Links.TTL,
		MaxRequestSize: cfg.Server.MaxRequestSize,
	})

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.Server.MetricsAddr,
			Handler: metrics.Handler(),
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.Server.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		logging.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("http shutdown incomplete", zap.Error(err))
		}
		if metricsServer != nil {
			metricsServer.Close()
		}
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.Server.ListenAddr))
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("server error", zap.Error(err))
	}
	<-done
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		logging.Fatal("generate link secret", zap.Error(err))
	}
	return hex.EncodeToString(b)
}
