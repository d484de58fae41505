package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sunpilot/sunpilot/pkg/battery"
	"github.com/sunpilot/sunpilot/pkg/engine"
	"github.com/sunpilot/sunpilot/pkg/forecast"
	"github.com/sunpilot/sunpilot/pkg/log"
	"github.com/sunpilot/sunpilot/pkg/server"
	"github.com/sunpilot/sunpilot/pkg/storage"
	"github.com/sunpilot/sunpilot/pkg/telemetry"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"
)

func main() {
	// init packages
	tel := telemetry.Configured()
	bat := battery.Configured(tel)
	// the battery vendor also mints the broker credentials
	tel.UseTokenSource(bat)
	db := storage.Configured()
	sources := forecast.Configured()
	eng := engine.Configured(tel, bat, db, sources)

	// init server
	srv := server.Configured(eng, db)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	if err := tel.Init(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to connect to telemetry broker", "error", err)
		os.Exit(1)
	}
	defer tel.Close()

	// the control loop and the API server run side by side, either one
	// failing brings the process down
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(ctx)
	})
	g.Go(func() error {
		return srv.Run(ctx)
	})

	if err := g.Wait(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "exiting on failure", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "exited cleanly")
}
