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
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"evcal/internal/config"
	"evcal/internal/feed"
	"evcal/internal/ics"
	appLog "evcal/internal/log"
	"evcal/internal/series"
	"evcal/internal/store"
	"evcal/internal/web"
)

const version = "0.3.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		appLog.Warn("failed to load .env", "error", err.Error())
	}

	flags := parseFlags()
	appLog.Info("evcal starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if db := os.Getenv("EVCAL_DATABASE"); db != "" {
		conf.Database = db
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"database", conf.Database,
		"refresh", conf.Feed.RefreshCron,
		"horizon_days", conf.Feed.HorizonDays,
		"backfill_days", conf.Feed.BackfillDays,
		"include_cancelled", conf.IncludeCancelled(),
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	db, err := store.New(conf.Database)
	if err != nil {
		appLog.Error("failed to open database", err, "database", conf.Database)
		os.Exit(1)
	}
	defer db.Close()

	loc := conf.Location()
	encoder := ics.NewEncoder(ics.Config{
		ProdID:       conf.Calendar.ProdID,
		Description:  conf.Calendar.Description,
		UIDDomain:    conf.Calendar.UIDDomain,
		PublishedTTL: "PT1H",
	})
	if conf.Timezone != ics.Berlin.TZID() {
		appLog.Warn("no VTIMEZONE rules for configured zone; feed times are announced in "+ics.Berlin.TZID(),
			"timezone", conf.Timezone)
	}
	svc := feed.NewService(db, series.NewMaterializer(db, loc), encoder, feed.Options{
		IncludeCancelled: conf.IncludeCancelled(),
	})
	refresher := feed.NewRefresher(svc, feed.RefresherConfig{
		Name:         conf.Calendar.Name,
		Schedule:     conf.Feed.RefreshCron,
		BackfillDays: conf.Feed.BackfillDays,
		HorizonDays:  conf.Feed.HorizonDays,
		Location:     loc,
	})

	if flags.once {
		code := runOnce(ctx, refresher)
		db.Close()
		os.Exit(code)
	}

	if err := refresher.Start(ctx); err != nil {
		appLog.Error("failed to start refresher", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              conf.Listen,
		Handler:           web.NewServer(conf, svc, refresher).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Error("HTTP server failed", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP server shutdown failed", err)
	}
	appLog.Info("evcal exiting")
}

// runOnce renders the feed a single time and writes it to stdout.
func runOnce(ctx context.Context, refresher *feed.Refresher) int {
	snap, err := refresher.Refresh(ctx)
	if err != nil {
		appLog.Error("feed render failed", err)
		return 1
	}
	if _, err := os.Stdout.Write(snap.Body); err != nil {
		appLog.Error("failed to write feed", err)
		return 1
	}
	return 0
}

func parseFlags() flagConfig {
	var cfg flagConfig

	defPath := os.Getenv("EVCAL_CONFIG")
	if defPath == "" {
		defPath = "/etc/evcal/config.yaml"
	}

	flag.StringVar(&cfg.configPath, "config", defPath, "Path to config file (env EVCAL_CONFIG)")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Render the feed once to stdout and exit")

	flag.Parse()

	return cfg
}
