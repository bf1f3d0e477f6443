// Command apiserver boots the HTTP control plane: it never exits on a
// database failure, instead serving degraded responses while the
// supervisor retries in the background.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mccabetrow/dragonfly-api/internal/config"
	"github.com/mccabetrow/dragonfly-api/internal/dbpool"
	"github.com/mccabetrow/dragonfly-api/internal/dbstate"
	"github.com/mccabetrow/dragonfly-api/internal/httpserver"
	"github.com/mccabetrow/dragonfly-api/internal/logging"
	"github.com/mccabetrow/dragonfly-api/internal/metrics"
	"github.com/mccabetrow/dragonfly-api/internal/scheduler"
	"github.com/mccabetrow/dragonfly-api/internal/supervisor"
)

func main() {
	cfg, err := config.Load("", "")
	if err != nil {
		logging.New("dragonfly-api", "info", "json").WithError(err).Fatal("config load failed")
	}

	log := logging.New("dragonfly-api", cfg.LogLevel, cfg.LogFormat)
	logging.InitDefault("dragonfly-api", cfg.LogLevel, cfg.LogFormat)

	state := dbstate.New(dbstate.RoleAPI)
	reg := metrics.New("dragonfly-api")
	srv := httpserver.New(cfg, log, reg, state)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appName := dbpool.SanitizeAppName("dragonfly_api")

	connect := func(ctx context.Context) (*sql.DB, error) {
		return dbpool.Open(ctx, cfg.DatabaseURL, appName, state)
	}

	if !cfg.HasDatabaseURL() {
		state.MarkNoConfig()
		log.Warn("DATABASE_URL not configured; serving degraded until configured and restarted")
	} else if db, err := connect(ctx); err != nil {
		log.WithError(err).Error("initial database connection failed; supervisor will retry in background")
	} else {
		srv.Rebind(db)
	}

	sup := supervisor.New(state, connect, srv.Rebind, log)
	if cfg.HasDatabaseURL() {
		sup.Start(ctx)
		defer sup.Stop()
	}

	sched := scheduler.New(log)
	registerSchedulerJobs(sched, srv, reg, state, log)
	sched.Start()
	defer sched.Stop(context.Background())

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.WithFields(map[string]any{"addr": cfg.Addr()}).Info("apiserver listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info("apiserver shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}

// registerSchedulerJobs wires the guardian sweep and schema-view tripwire
// onto their configured cadences; the reporting-cadence job is a
// placeholder hook for a future reporting pipeline with no behavior yet.
func registerSchedulerJobs(sched *scheduler.Scheduler, srv *httpserver.Server, reg *metrics.Registry, state *dbstate.State, log *logging.Logger) {
	if err := sched.AddJob("@every 60s", "intake-guardian-sweep", func(ctx context.Context) error {
		guard := srv.Guardian()
		if guard == nil {
			return nil
		}
		report, err := guard.Run(ctx)
		if err != nil {
			return err
		}
		reg.GuardianRunsTotal.Inc()
		reg.GuardianMarkedTotal.Add(float64(report.MarkedFailed))
		reg.RecordGuardianRun(report.MarkedFailed)
		return nil
	}); err != nil {
		log.WithError(err).Error("failed to register guardian sweep job")
	}

	if err := sched.AddJob("@every 5m", "schema-view-check", func(ctx context.Context) error {
		guard := srv.SchemaGuard()
		if guard == nil {
			return nil
		}
		_, err := guard.CheckViewsExist(ctx)
		return err
	}); err != nil {
		log.WithError(err).Error("failed to register schema view check job")
	}

	// Reporting-cadence hook: no reporting pipeline exists yet, so this is
	// a no-op placeholder reserving the cron slot.
	if err := sched.AddJob("@every 30m", "reporting-cadence", func(ctx context.Context) error {
		return nil
	}); err != nil {
		log.WithError(err).Error("failed to register reporting cadence job")
	}

	reg.SetDBReady(state.Ready())
}
