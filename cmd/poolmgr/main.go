// Command poolmgr runs the account pool's status API: the broker, dispatch
// loop, liveness prober, and audit log it wires together are exercised for
// real by the /pool/credential endpoint, not just constructed and discarded.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/relaycore/antigravity-pool/internal/audit"
	"github.com/relaycore/antigravity-pool/internal/broker"
	"github.com/relaycore/antigravity-pool/internal/config"
	"github.com/relaycore/antigravity-pool/internal/dispatch"
	"github.com/relaycore/antigravity-pool/internal/liveness"
	"github.com/relaycore/antigravity-pool/internal/logging"
	"github.com/relaycore/antigravity-pool/internal/pool"
	"github.com/relaycore/antigravity-pool/internal/refresher"
	"github.com/relaycore/antigravity-pool/internal/statusapi"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the pool configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("poolmgr: failed to load configuration")
	}
	logging.Configure(logging.Options{FilePath: cfg.LogFilePath})

	accountStore := pool.NewStore(storeFile(cfg.StateDir))
	accountPool := pool.NewPool()
	if storage, ok := accountStore.Load(); ok {
		accountPool.Hydrate(storage)
	}

	metrics := statusapi.NewMetrics(prometheus.DefaultRegisterer)

	br := &broker.Broker{
		Pool:  accountPool,
		Store: accountStore,
		Refresher: &refresher.Refresher{
			Timeout:      cfg.RefreshTimeout,
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
		},
		LegacySeedPath: cfg.LegacyCredentialFile,
		Metrics:        metrics,
	}

	loop := &dispatch.Loop{
		Marker: accountPool,
		Config: dispatch.Config{
			ActivityPollInterval:        cfg.Dispatch.ActivityPollInterval,
			ActivitySilenceThreshold:    cfg.Dispatch.ActivitySilenceThreshold,
			ActivityTimeoutCooldownMs:   cfg.Dispatch.ActivityTimeoutCooldownMs,
			ExplicitRateLimitCooldownMs: cfg.Dispatch.ExplicitRateLimitCooldownMs,
			MaxAttemptsAntigravity:      cfg.Dispatch.MaxAttemptsAntigravity,
		},
	}

	prober := &liveness.Prober{}

	var auditLog *audit.Log
	if cfg.AuditDB != "" {
		auditLog, err = audit.Open(cfg.AuditDB)
		if err != nil {
			log.WithError(err).Warn("poolmgr: audit log disabled, failed to open database")
		} else {
			defer auditLog.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.StatusAPI.Enabled {
		server := statusapi.NewServer(statusapi.Deps{
			Pool:    accountPool,
			Metrics: metrics,
			Broker:  br,
			Loop:    loop,
			Prober:  prober,
			Audit:   auditLog,
		})
		httpServer := &http.Server{Addr: cfg.StatusAPI.Addr, Handler: server.Handler()}

		go func() {
			log.WithField("addr", cfg.StatusAPI.Addr).Info("poolmgr: status API listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("poolmgr: status API stopped unexpectedly")
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.RefreshTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	} else {
		<-ctx.Done()
	}

	if err := accountStore.Save(accountPool.Snapshot()); err != nil {
		log.WithError(err).Error("poolmgr: final save failed")
	}
}

func storeFile(stateDir string) string {
	return stateDir + "/accounts.json"
}
