package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/e7canasta/orion-camlink/internal/config"
	"github.com/e7canasta/orion-camlink/internal/receiver"
	"github.com/e7canasta/orion-camlink/internal/viewer"
	"github.com/e7canasta/orion-camlink/modules/framebus"
)

func main() {
	configPath := flag.String("config", "config/camlink.yaml", "Path to configuration file")
	httpAddr := flag.String("http", "", "Viewer listen address (overrides receiver.http_addr)")
	saveDir := flag.String("save", "", "Directory for JPEG snapshots (overrides receiver.save_dir)")
	record := flag.String("record", "", "Recording file (overrides receiver.record_path)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *httpAddr != "" {
		cfg.Receiver.HTTPAddr = *httpAddr
	}
	if *saveDir != "" {
		cfg.Receiver.SaveDir = *saveDir
	}
	if *record != "" {
		cfg.Receiver.RecordPath = *record
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := framebus.New()
	defer bus.Close()

	rx, err := receiver.New(cfg, bus)
	if err != nil {
		slog.Error("failed to start receiver", "error", err)
		os.Exit(1)
	}

	var views []string
	for _, v := range cfg.Views() {
		views = append(views, v.Name)
		slog.Info("listening for view", "view", v.Name, "addr", rx.Addr(v.Name))
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	if cfg.Receiver.HTTPAddr != "" {
		srv := viewer.New(bus, views)
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				slog.Error("viewer snapshots stopped", "error", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(ctx, cfg.Receiver.HTTPAddr); err != nil {
				slog.Error("viewer stopped", "error", err)
				cancel()
			}
		}()
	}

	runErr := rx.Run(ctx)
	cancel()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("receiver stopped", "error", runErr)
	}

	if err := rx.Close(); err != nil {
		slog.Error("failed to close receiver", "error", err)
	}
	wg.Wait()

	st := rx.Stats()
	for name, frames := range st.Frames {
		v := st.Views[name]
		slog.Info("final receiver stats",
			"view", name,
			"frames", frames,
			"datagrams", v.Datagrams,
			"discarded", v.Discarded,
			"malformed", v.Malformed,
		)
	}
	slog.Info("camlink receiver stopped", "saved", st.Saved, "recorded", st.Recorded)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		os.Exit(1)
	}
}
