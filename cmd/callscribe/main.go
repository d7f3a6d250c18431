package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/callscribe/pkg/logging"
	"github.com/harunnryd/callscribe/pkg/redact"
	"github.com/harunnryd/callscribe/pkg/scribe"
	"github.com/harunnryd/callscribe/pkg/transports"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file; defaults and CALLSCRIBE_* env apply without one")
	dialTo := flag.String("dial_to", "", "destination number for an outbound call")
	dialFrom := flag.String("dial_from", "", "caller ID for an outbound call")
	dialURL := flag.String("dial_url", "", "override voice URL for the outbound call")
	dialInline := flag.Bool("dial_inline", false, "answer the outbound call with stream TwiML instead of the voice webhook")
	flag.Parse()

	cfg, err := scribe.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	logger := logging.SetDefault(cfg.LogLevel, cfg.LogFormat)

	app, err := scribe.NewEngine(scribe.EngineOptions{Config: cfg, Logger: logger})
	if err != nil {
		logger.Error("engine_init_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		logger.Error("engine_start_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if *dialTo != "" && *dialFrom != "" {
		callSID, err := app.Dialer().DialWithOptions(ctx, *dialTo, *dialFrom, *dialURL, transports.DialOptions{Inline: *dialInline})
		if err != nil {
			logger.Error("outbound_dial_failed", slog.String("error", err.Error()))
		} else {
			logger.Info("outbound_dial_started", slog.String("call_sid", callSID), slog.String("to", redact.Number(*dialTo)))
		}
	}

	<-ctx.Done()
	if err := app.Stop(); err != nil {
		logger.Warn("shutdown_incomplete", slog.String("error", err.Error()))
	}
}
