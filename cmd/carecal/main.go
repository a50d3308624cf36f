package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"carecal/internal/config"
	"carecal/internal/events"
	appLog "carecal/internal/log"
	"carecal/internal/metrics"
	"carecal/internal/obs"
	"carecal/internal/recurrence"
	"carecal/internal/store"
	"carecal/internal/web"
)

const version = "0.1.0"

type flagConfig struct {
	configPath  string
	envFile     string
	listen      string
	migrateOnly bool
}

func main() {
	if err := run(); err != nil {
		appLog.Error("carecal failed", err)
		os.Exit(1)
	}
}

func run() error {
	flags := parseFlags()

	conf, err := config.LoadWithEnv(flags.configPath, flags.envFile)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		return err
	}
	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		return err
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("carecal starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"log_level", conf.LogLevel,
		"db_driver", conf.Database.Driver,
		"horizon_months", conf.Recurrence.HorizonMonths,
		"max_occurrences", conf.Recurrence.MaxOccurrences,
		"institution_count", len(conf.Institutions),
		"tracing", conf.Tracing.OTLPEndpoint != "",
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, conf.Tracing.OTLPEndpoint, conf.Tracing.ServiceName, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			appLog.Warn("tracer shutdown failed", "err", err)
		}
	}()

	dialect := store.Dialect(conf.Database.Driver)
	db, err := store.Open(ctx, dialect, conf.Database.DSN)
	if err != nil {
		return err
	}
	st := store.New(db, dialect)
	defer func() {
		if err := st.Close(); err != nil {
			appLog.Error("store close failed", err)
		}
	}()

	if err := st.Migrate(ctx); err != nil {
		return err
	}
	appLog.Info("store ready", "driver", dialect)

	for _, inst := range conf.Institutions {
		if err := st.UpsertInstitution(ctx, inst.ID, inst.Name); err != nil {
			return err
		}
	}
	if flags.migrateOnly {
		appLog.Info("migration complete; exiting")
		return nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	loc, err := time.LoadLocation(conf.Timezone)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", conf.Timezone)
		loc = time.Local
	}
	expander := recurrence.New(recurrence.Config{
		Location:       loc,
		HorizonMonths:  conf.Recurrence.HorizonMonths,
		MaxOccurrences: conf.Recurrence.MaxOccurrences,
	})
	svc := events.NewService(st, st, expander, events.WithRecorder(m))

	api := web.NewServer(svc, st, web.Options{
		Timezone:   conf.Timezone,
		Metrics:    m.Handler(),
		Instrument: m,
	})
	srv := &http.Server{
		Addr:              conf.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		appLog.Error("http shutdown failed", err)
	}
	appLog.Info("carecal exiting")
	return nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/carecal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.envFile, "env-file", ".env", "Optional dotenv file with CARECAL_* overrides")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.migrateOnly, "migrate-only", false, "Apply the schema, seed institutions and exit")

	flag.Parse()

	return cfg
}
