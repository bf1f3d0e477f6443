// Command worker runs the background maintenance loop: the intake
// guardian sweep, the schema-view tripwire, and periodic liveness
// heartbeats. Unlike apiserver, a worker process exits (status 78) on a
// fatal auth/lockout classification rather than degrading forever.
package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mccabetrow/dragonfly-api/internal/config"
	"github.com/mccabetrow/dragonfly-api/internal/dbpool"
	"github.com/mccabetrow/dragonfly-api/internal/dbstate"
	"github.com/mccabetrow/dragonfly-api/internal/guardian"
	"github.com/mccabetrow/dragonfly-api/internal/heartbeat"
	"github.com/mccabetrow/dragonfly-api/internal/logging"
	"github.com/mccabetrow/dragonfly-api/internal/notify"
	"github.com/mccabetrow/dragonfly-api/internal/schemaguard"
	"github.com/mccabetrow/dragonfly-api/internal/scheduler"
	"github.com/mccabetrow/dragonfly-api/internal/supervisor"
)

const exitCodeFatalAuth = 78

// components holds the worker's DB-backed jobs behind a lock so the
// scheduler's cron goroutines never read a guard/schemaG pair that onConn
// is mid-swap on.
type components struct {
	mu      sync.RWMutex
	db      *sql.DB
	guard   *guardian.Guardian
	schemaG *schemaguard.Guard
}

func (c *components) set(db *sql.DB, guard *guardian.Guardian, schemaG *schemaguard.Guard) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.db, c.guard, c.schemaG = db, guard, schemaG
}

func (c *components) get() (*guardian.Guardian, *schemaguard.Guard) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.guard, c.schemaG
}

func main() {
	cfg, err := config.Load("", "")
	if err != nil {
		logging.New("dragonfly-worker", "info", "json").WithError(err).Fatal("config load failed")
	}

	log := logging.New("dragonfly-worker", cfg.LogLevel, cfg.LogFormat)
	logging.InitDefault("dragonfly-worker", cfg.LogLevel, cfg.LogFormat)

	state := dbstate.New(dbstate.RoleWorker)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appName := dbpool.SanitizeAppName("dragonfly_worker")

	var db *sql.DB
	if !cfg.HasDatabaseURL() {
		state.MarkNoConfig()
		log.Warn("DATABASE_URL not configured; worker idles until restarted with config")
	} else {
		db, err = dbpool.Open(ctx, cfg.DatabaseURL, appName, state)
		if err != nil {
			var fatal *dbpool.FatalAuthExit
			if errors.As(err, &fatal) {
				log.WithError(err).Error("fatal auth/lockout classification on boot, exiting")
				os.Exit(exitCodeFatalAuth)
			}
			log.WithError(err).Error("initial database connection failed; supervisor will retry in background")
		}
	}

	hb := heartbeat.New("intake_worker", db, log)
	hb.Startup(ctx)
	defer hb.Shutdown(context.Background(), "process exiting")

	webhook := notify.NewWebhookClient(os.Getenv("DRAGONFLY_ALERT_WEBHOOK_URL"))
	alerter := notify.GuardianAlerter{Client: webhook}

	comps := &components{}
	if db != nil {
		comps.set(db, guardian.New(db, alerter, log).WithStaleMinutes(cfg.Tunables.GuardianStaleMinutes), schemaguard.New(db, log))
	}

	connect := func(ctx context.Context) (*sql.DB, error) {
		newDB, err := dbpool.Open(ctx, cfg.DatabaseURL, appName, state)
		if err != nil {
			var fatal *dbpool.FatalAuthExit
			if errors.As(err, &fatal) {
				log.WithError(err).Error("fatal auth/lockout classification during reconnect, exiting")
				os.Exit(exitCodeFatalAuth)
			}
		}
		return newDB, err
	}
	onConn := func(newDB *sql.DB) {
		comps.set(newDB, guardian.New(newDB, alerter, log).WithStaleMinutes(cfg.Tunables.GuardianStaleMinutes), schemaguard.New(newDB, log))
		hb.SetDB(newDB)
	}

	sup := supervisor.New(state, connect, onConn, log)
	if cfg.HasDatabaseURL() {
		sup.Start(ctx)
		defer sup.Stop()
	}

	sched := scheduler.New(log)
	if err := sched.AddJob("@every 60s", "intake-guardian-sweep", func(ctx context.Context) error {
		guard, _ := comps.get()
		if guard == nil {
			return nil
		}
		_, err := guard.Run(ctx)
		hb.RecordJobProcessed()
		return err
	}); err != nil {
		log.WithError(err).Error("failed to register guardian sweep job")
	}
	if err := sched.AddJob("@every 5m", "schema-view-check", func(ctx context.Context) error {
		_, schemaG := comps.get()
		if schemaG == nil {
			return nil
		}
		_, err := schemaG.CheckViewsExist(ctx)
		return err
	}); err != nil {
		log.WithError(err).Error("failed to register schema view check job")
	}
	sched.Start()
	defer sched.Stop(context.Background())

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	log.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			return
		case <-ticker.C:
			hb.Beat(ctx, false)
		}
	}
}
