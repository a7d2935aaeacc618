package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/raterudder/chargerudder/pkg/auth"
	"github.com/raterudder/chargerudder/pkg/captcha"
	"github.com/raterudder/chargerudder/pkg/control"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/notify"
	"github.com/raterudder/chargerudder/pkg/price"
	"github.com/raterudder/chargerudder/pkg/server"
	"github.com/raterudder/chargerudder/pkg/storage"
	"github.com/raterudder/chargerudder/pkg/vehicle"
	"golang.org/x/sync/errgroup"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	s := storage.Configured()
	client := vehicle.Configured()
	session := auth.Configured(client, captcha.Configured(), s)
	oracle := price.Configured(price.ConfiguredFeed(), s)
	publisher := notify.Configured()
	loop := control.Configured(session, client, oracle, s, publisher)

	// init server
	srv := server.Configured(s, loop, oracle)

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

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close publisher", slog.Any("error", err))
		}
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	if err := oracle.Load(ctx); err != nil {
		// the history fills up again from live fetches
		log.Ctx(ctx).WarnContext(ctx, "failed to load price history", slog.Any("error", err))
	}

	// the loop only stops on cancel, the server also stops on a listen error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "chargerudder failed", slog.Any("error", err))
		cancel()
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "chargerudder exited cleanly")
}
